// Package bleevent defines the immutable value types the core publishes to
// the application and the typed failure/status vocabulary used internally
// to describe why an operation did or did not succeed.
//
// Every type here is a plain value: no pointers back into a Device or Task,
// so a listener can hold an event past the tick that produced it without
// racing the update worker (see pkg/blelisten).
package bleevent

import "time"

// FailureKind enumerates the ways a task-level operation can fail. Tasks
// never return a Go error across the scheduler boundary (see pkg/bletask) -
// every terminal failure is converted to one of these.
type FailureKind string

const (
	FailureNullTarget                 FailureKind = "NULL_TARGET"
	FailureNotConnected                FailureKind = "NOT_CONNECTED"
	FailureNoMatchingTarget            FailureKind = "NO_MATCHING_TARGET"
	FailureOperationNotSupported       FailureKind = "OPERATION_NOT_SUPPORTED"
	FailureTimedOut                    FailureKind = "TIMED_OUT"
	FailureRemoteGattFailure           FailureKind = "REMOTE_GATT_FAILURE"
	FailureCancelledFromDisconnect     FailureKind = "CANCELLED_FROM_DISCONNECT"
	FailureCancelledFromBleTurningOff  FailureKind = "CANCELLED_FROM_BLE_TURNING_OFF"
	FailureToToggleNotification        FailureKind = "FAILED_TO_TOGGLE_NOTIFICATION"
	FailureToSetValueOnTarget          FailureKind = "FAILED_TO_SET_VALUE_ON_TARGET"
	// FailureOSVersionNotSupported generalizes spec's ANDROID_VERSION_NOT_SUPPORTED:
	// this library targets any native stack (darwin/linux/windows via go-ble), so the
	// kind names the underlying cause - an OS/stack version too old for the requested
	// operation - rather than one platform.
	FailureOSVersionNotSupported FailureKind = "OS_VERSION_NOT_SUPPORTED"
	FailureBusy                     FailureKind = "BUSY"
	FailureAuthenticationFailed     FailureKind = "AUTHENTICATION_FAILED"
	FailureInitializationFailed     FailureKind = "INITIALIZATION_FAILED"
	FailureBondFailed               FailureKind = "BOND_FAILED"
	FailureExplicitDisconnect       FailureKind = "EXPLICIT_DISCONNECT"
	FailureRogueDisconnect          FailureKind = "ROGUE_DISCONNECT"
	FailureDiscoveringResourcesFailed FailureKind = "DISCOVERING_RESOURCES_FAILED"
)

// Status is the outcome carried by a ReadWriteEvent. SUCCESS is the only
// non-failure value; every other value corresponds 1:1 to a FailureKind.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
)

// StatusFromFailure converts a FailureKind into its ReadWriteEvent Status
// representation (they share the same string vocabulary by design).
func StatusFromFailure(f FailureKind) Status {
	return Status(f)
}

// ReadWriteType classifies what kind of GATT interaction a ReadWriteEvent
// describes.
type ReadWriteType string

const (
	TypeRead                  ReadWriteType = "READ"
	TypeWrite                 ReadWriteType = "WRITE"
	TypeNotification          ReadWriteType = "NOTIFICATION"
	TypeIndication            ReadWriteType = "INDICATION"
	TypePseudoNotification    ReadWriteType = "PSEUDO_NOTIFICATION"
	TypeEnablingNotification  ReadWriteType = "ENABLING_NOTIFICATION"
	TypeDisablingNotification ReadWriteType = "DISABLING_NOTIFICATION"
	TypeRSSI                  ReadWriteType = "RSSI"
	TypeMTU                   ReadWriteType = "MTU"
	TypeConnectionPriority    ReadWriteType = "CONNECTION_PRIORITY"
	TypePhyOptions            ReadWriteType = "PHY_OPTIONS"
	TypeReliableWriteBegin    ReadWriteType = "RELIABLE_WRITE_BEGIN"
	TypeReliableWriteExecute  ReadWriteType = "RELIABLE_WRITE_EXECUTE"
	TypeReliableWriteAbort    ReadWriteType = "RELIABLE_WRITE_ABORT"
)

// Intent records whether a transition/disconnect was requested by the
// application (INTENTIONAL) or observed from the stack (UNINTENTIONAL).
type Intent string

const (
	IntentIntentional   Intent = "INTENTIONAL"
	IntentUnintentional Intent = "UNINTENTIONAL"
	IntentNull          Intent = "NULL"
)

// DiscoveryLifecycle marks the phase of a DiscoveryEvent.
type DiscoveryLifecycle string

const (
	LifecycleDiscovered   DiscoveryLifecycle = "DISCOVERED"
	LifecycleRediscovered DiscoveryLifecycle = "REDISCOVERED"
	LifecycleUndiscovered DiscoveryLifecycle = "UNDISCOVERED"
)

// StateChangeEvent is emitted every time a Device's state bitmask changes.
type StateChangeEvent struct {
	Device   string // MAC address, rendered
	PrevMask uint64
	NewMask  uint64
	Intent   Intent
	At       time.Time
}

// ReadWriteEvent reports the outcome of any GATT-level operation.
type ReadWriteEvent struct {
	Device         string
	ServiceUUID    string
	CharUUID       string
	DescriptorUUID string
	Type           ReadWriteType
	Status         Status
	Data           []byte
	RSSI           *int
	MTU            *int
	TimeTotal      time.Duration
	TimeOta        time.Duration
	At             time.Time
}

// IsSuccess reports whether the event represents a successful outcome.
func (e ReadWriteEvent) IsSuccess() bool { return e.Status == StatusSuccess }

// ConnectFailEvent is published by the Reconnect Controller when a connect
// attempt (or the whole long-term reconnect window) ultimately fails.
type ConnectFailEvent struct {
	Device              string
	Status              FailureKind
	Timing              time.Duration
	HighestStateReached string
	BondFailureReason   *FailureKind
	TxnFailureReason    *FailureKind
	AutoConnectUsed     bool
	At                  time.Time
}

// BondEvent reports a bond-state change for a device.
type BondEvent struct {
	Device  string
	Bonded  bool
	Failure *FailureKind
	At      time.Time
}

// NotificationEvent carries a value delivered via notify/indicate (or the
// synthetic pseudo-notification read performed when force_read_timeout
// elapses with no native notification, see spec S5).
type NotificationEvent struct {
	Device      string
	ServiceUUID string
	CharUUID    string
	Type        ReadWriteType // TypeNotification, TypeIndication, or TypePseudoNotification
	Data        []byte
	At          time.Time
}

// DiscoveryEvent reports scan-level device lifecycle changes.
type DiscoveryEvent struct {
	Device    string
	Lifecycle DiscoveryLifecycle
	At        time.Time
}

// Event is a synchronous return value from every application call that
// "does something" (spec section 7). IsNull indicates the call resolved
// without issuing a stack operation (no asynchronous follow-up is coming);
// when false, exactly one later asynchronous event resolves the request.
type Event struct {
	IsNull bool
	Reason FailureKind // meaningful only when IsNull is true and it's a rejection, not a redundant no-op
}

// NullEvent returns a synchronous no-op acknowledgement.
func NullEvent() Event { return Event{IsNull: true} }

// RejectedEvent returns a synchronous rejection carrying a reason.
func RejectedEvent(reason FailureKind) Event { return Event{IsNull: true, Reason: reason} }

// PendingEvent returns a synchronous acknowledgement that an asynchronous
// event will follow.
func PendingEvent() Event { return Event{IsNull: false} }
