// Package bleadapter defines the narrow contract between the scheduler
// core and the OS-native BLE stack (spec section 6: "Stack Adapter, the
// only external coupling"). StackAdapter calls are all asynchronous:
// issuing one returns immediately (or a synchronous rejection, see
// bleevent.Event), and the eventual outcome arrives later as a
// NativeEvent posted to a Mailbox.
package bleadapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/srg/blecore/pkg/bleevent"
)

// Handle identifies one established GATT connection, opaque to everything
// above this package.
type Handle uint64

// WriteType mirrors the GATT write kinds a characteristic write can use.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
	WriteSigned
)

// ConnectionPriority is the set of priorities request_connection_priority
// accepts.
type ConnectionPriority int

const (
	PriorityBalanced ConnectionPriority = iota
	PriorityHigh
	PriorityLowPower
)

// Phy identifies a PHY layer coding option (Bluetooth 5).
type Phy int

const (
	Phy1M Phy = 1 << iota
	Phy2M
	PhyCoded
)

// PhyOptions is the set of acceptable PHYs for TX and RX, plus a coded-PHY
// preference.
type PhyOptions struct {
	TxPhys   Phy
	RxPhys   Phy
	CodedOpt int
}

// ScanParams configures start_scan.
type ScanParams struct {
	ActiveScan   bool
	ServiceUUIDs []string
}

// StackAdapter is the capability set the core consumes from the native BLE
// transport. Every call is idempotent where spec.md section 6 says so
// (start_scan/stop_scan) and asynchronous everywhere else: the returned
// error is only a *synchronous* rejection (bad handle, adapter absent),
// never the operation's outcome - that always arrives through the
// Mailbox as a NativeEvent.
type StackAdapter interface {
	StartScan(params ScanParams) error
	StopScan() error

	Connect(mac string, autoConnect bool) error
	Disconnect(h Handle) error
	DiscoverServices(h Handle) error

	ReadCharacteristic(h Handle, serviceUUID, charUUID string) error
	WriteCharacteristic(h Handle, serviceUUID, charUUID string, value []byte, wt WriteType) error
	ReadDescriptor(h Handle, serviceUUID, charUUID, descUUID string) error
	WriteDescriptor(h Handle, serviceUUID, charUUID, descUUID string, value []byte) error
	SetNotify(h Handle, serviceUUID, charUUID string, enabled bool) error

	ReadRSSI(h Handle) error
	RequestMTU(h Handle, n int) error
	RequestConnectionPriority(h Handle, p ConnectionPriority) error
	SetPhy(h Handle, opts PhyOptions) error
	ReadPhy(h Handle) error

	BeginReliableWrite(h Handle) error
	ExecuteReliableWrite(h Handle) error
	AbortReliableWrite(h Handle) error

	CreateBond(mac string) error
	RemoveBond(mac string) error

	ForceCrashResolverFlush() error
}

// NativeEventKind discriminates the payload carried by a NativeEvent.
type NativeEventKind string

const (
	EvtConnected                 NativeEventKind = "connected"
	EvtConnectFailed             NativeEventKind = "connect_failed"
	EvtDisconnected              NativeEventKind = "disconnected"
	EvtServicesDiscovered        NativeEventKind = "services_discovered"
	EvtDiscoverServicesFailed    NativeEventKind = "discover_services_failed"
	EvtCharacteristicRead        NativeEventKind = "char_read"
	EvtCharacteristicReadFailed  NativeEventKind = "char_read_failed"
	EvtCharacteristicWritten     NativeEventKind = "char_written"
	EvtCharacteristicWriteFailed NativeEventKind = "char_write_failed"
	EvtDescriptorRead            NativeEventKind = "desc_read"
	EvtDescriptorReadFailed      NativeEventKind = "desc_read_failed"
	EvtDescriptorWritten         NativeEventKind = "desc_written"
	EvtDescriptorWriteFailed     NativeEventKind = "desc_write_failed"
	EvtNotifyStateChanged        NativeEventKind = "notify_state_changed"
	EvtNotifyStateChangeFailed   NativeEventKind = "notify_state_change_failed"
	EvtNotification              NativeEventKind = "notification"
	EvtRSSIRead                  NativeEventKind = "rssi_read"
	EvtRSSIReadFailed            NativeEventKind = "rssi_read_failed"
	EvtMTUChanged                NativeEventKind = "mtu_changed"
	EvtMTUChangeFailed           NativeEventKind = "mtu_change_failed"
	EvtConnectionPriorityChanged NativeEventKind = "connection_priority_changed"
	EvtPhySet                    NativeEventKind = "phy_set"
	EvtPhyRead                   NativeEventKind = "phy_read"
	EvtReliableWriteBegun        NativeEventKind = "reliable_write_begun"
	EvtReliableWriteExecuted     NativeEventKind = "reliable_write_executed"
	EvtReliableWriteAborted      NativeEventKind = "reliable_write_aborted"
	EvtReliableWriteFailed       NativeEventKind = "reliable_write_failed"
	EvtBondStateChanged          NativeEventKind = "bond_state_changed"
	EvtCrashResolverComplete     NativeEventKind = "crash_resolver_complete"
	EvtAdapterStateChanged       NativeEventKind = "adapter_state_changed"
	EvtAdvertisement             NativeEventKind = "advertisement"
)

// NativeEvent is what a StackAdapter implementation posts to a Mailbox.
// It is deliberately flat (no pointers into adapter-internal state) so the
// update worker can read it after the posting goroutine has moved on.
type NativeEvent struct {
	Kind           NativeEventKind
	Device         string // MAC address
	Handle         Handle
	ServiceUUID    string
	CharUUID       string
	DescriptorUUID string
	Data           []byte
	RawStatus      int
	Err            error // normalized via NormalizeError; nil on success
	RSSI           *int
	MTU            *int
	Bonded         bool
	AdapterOn      bool
	At             time.Time
}

// Failure converts a terminal NativeEvent into the FailureKind the
// scheduler works with. Succeeds silently (returns "") for non-terminal or
// successful events.
func (e NativeEvent) Failure() bleevent.FailureKind {
	if e.Err == nil {
		return ""
	}
	return NormalizeError(e.Err)
}

// NormalizeError maps a raw adapter error into the closed FailureKind
// vocabulary, the way internal/device/device.go's NormalizeError maps
// go-ble's loosely-typed error strings into ConnectionError. Unrecognized
// errors become REMOTE_GATT_FAILURE rather than leaking stack-specific
// text up through the scheduler.
func NormalizeError(err error) bleevent.FailureKind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"):
		return bleevent.FailureNotConnected
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return bleevent.FailureTimedOut
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "unsupported"):
		return bleevent.FailureOperationNotSupported
	case strings.Contains(msg, "busy"):
		return bleevent.FailureBusy
	case strings.Contains(msg, "no matching target"), strings.Contains(msg, "not found"):
		return bleevent.FailureNoMatchingTarget
	case strings.Contains(msg, "bond"):
		return bleevent.FailureBondFailed
	case strings.Contains(msg, "os version"), strings.Contains(msg, "platform version"):
		return bleevent.FailureOSVersionNotSupported
	default:
		return bleevent.FailureRemoteGattFailure
	}
}

// ErrNoSuchConnection is returned synchronously when a call names a Handle
// the adapter does not recognize.
var ErrNoSuchConnection = fmt.Errorf("bleadapter: no such connection handle")
