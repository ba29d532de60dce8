// Package goble implements bleadapter.StackAdapter on top of go-ble/ble,
// the same way internal/device/go-ble wraps it for the CLI bridge. Every
// call here is fire-and-forget: it starts a named goroutine (via
// internal/groutine, exactly as internal/device/go-ble/connection.go
// monitors Disconnected()) that does the blocking go-ble work and posts its
// outcome to the Mailbox as NativeEvents. Most calls post one; StartScan
// posts one per advertisement, Connect posts EvtConnected and
// EvtServicesDiscovered (and EvtDisconnected later), and SetNotify posts
// one per notification received.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/pkg/bleadapter"
)

// DeviceFactory creates the local ble.Device. Overridable in tests, same
// pattern as internal/device/go-ble/connection.go's DeviceFactory var.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// DefaultConnectTimeout bounds how long Connect waits for ble.Dial and
// DiscoverProfile together before posting EvtConnectFailed.
const DefaultConnectTimeout = 10 * time.Second

type gattConn struct {
	client ble.Client
	mac    string
	// chars indexes discovered characteristics by normalized
	// "serviceUUID/charUUID", matching the lookup internal/device/go-ble's
	// BLEConnection.GetCharacteristic does per-service.
	chars map[string]*ble.Characteristic
	descs map[string]*ble.Descriptor
	// reliableWriteQueue buffers writes issued between BeginReliableWrite
	// and ExecuteReliableWrite/AbortReliableWrite. go-ble has no native
	// "prepare write" queue (unlike Android's GATT API), so the adapter
	// fakes one: queued writes are applied in order on Execute, dropped on
	// Abort.
	reliableWriteActive bool
	reliableWriteQueue  []queuedWrite
}

type queuedWrite struct {
	serviceUUID, charUUID string
	value                 []byte
	wt                    bleadapter.WriteType
}

// Adapter is the go-ble-backed bleadapter.StackAdapter.
type Adapter struct {
	logger  *logrus.Logger
	mailbox *bleadapter.Mailbox

	connectTimeout time.Duration

	mu          sync.Mutex
	dev         ble.Device
	conns       map[bleadapter.Handle]*gattConn
	macToHandle map[string]bleadapter.Handle
	nextHandle  uint64

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

// New creates an Adapter posting native outcomes to mailbox.
func New(logger *logrus.Logger, mailbox *bleadapter.Mailbox) *Adapter {
	return &Adapter{
		logger:         logger,
		mailbox:        mailbox,
		connectTimeout: DefaultConnectTimeout,
		conns:          make(map[bleadapter.Handle]*gattConn),
		macToHandle:    make(map[string]bleadapter.Handle),
	}
}

func (a *Adapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)
	a.dev = dev
	return dev, nil
}

func (a *Adapter) post(e bleadapter.NativeEvent) {
	e.At = time.Now()
	a.mailbox.Post(e)
}

// StartScan begins scanning in a background goroutine, posting one
// EvtAdvertisement per discovered advertisement, the way
// internal/device/go-ble/scanner.go's bleScanner.Scan wraps ble.Device.Scan.
func (a *Adapter) StartScan(params bleadapter.ScanParams) error {
	dev, err := a.device()
	if err != nil {
		return err
	}

	a.scanMu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.scanMu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, !params.ActiveScan, func(adv ble.Advertisement) {
			rssi := adv.RSSI()
			a.post(bleadapter.NativeEvent{
				Kind:   bleadapter.EvtAdvertisement,
				Device: adv.Addr().String(),
				Data:   adv.ManufacturerData(),
				RSSI:   &rssi,
			})
		})
		if err != nil && ctx.Err() == nil && a.logger != nil {
			a.logger.WithField("error", err).Warn("ble scan ended with error")
		}
	})
	return nil
}

// StopScan cancels the running scan. Idempotent: calling it with no scan
// in flight is a no-op, as spec section 6 requires.
func (a *Adapter) StopScan() error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

func (a *Adapter) allocHandle(mac string) bleadapter.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	h := bleadapter.Handle(a.nextHandle)
	a.macToHandle[mac] = h
	return h
}

func (a *Adapter) connFor(h bleadapter.Handle) (*gattConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[h]
	if !ok {
		return nil, bleadapter.ErrNoSuchConnection
	}
	return c, nil
}

// Connect dials the device and discovers its GATT profile, mirroring
// internal/device/go-ble/connection.go's BLEConnection.Connect almost
// statement for statement, but posting the outcome instead of returning
// it. autoConnect maps to nothing go-ble exposes (no background
// auto-connect API on Darwin); it only affects the mac-level retry
// heuristic the caller (pkg/blereconnect) applies above this layer.
func (a *Adapter) Connect(mac string, autoConnect bool) error {
	dev, err := a.device()
	if err != nil {
		return err
	}
	h := a.allocHandle(mac)

	groutine.Go(context.Background(), "ble-connect", func(ctx context.Context) {
		connCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
		defer cancel()

		client, err := ble.Dial(connCtx, ble.NewAddr(mac))
		if err != nil {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtConnectFailed, Device: mac, Handle: h, Err: err})
			return
		}

		profile, err := client.DiscoverProfile(true)
		if err != nil {
			_ = client.CancelConnection()
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtConnectFailed, Device: mac, Handle: h, Err: err})
			return
		}

		gc := &gattConn{client: client, mac: mac, chars: make(map[string]*ble.Characteristic), descs: make(map[string]*ble.Descriptor)}
		for _, svc := range profile.Services {
			svcUUID := device.NormalizeUUID(svc.UUID.String())
			for _, ch := range svc.Characteristics {
				charUUID := device.NormalizeUUID(ch.UUID.String())
				gc.chars[svcUUID+"/"+charUUID] = ch
				for _, d := range ch.Descriptors {
					descUUID := device.NormalizeUUID(d.UUID.String())
					gc.descs[svcUUID+"/"+charUUID+"/"+descUUID] = d
				}
			}
		}

		a.mu.Lock()
		a.conns[h] = gc
		a.mu.Unlock()

		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtConnected, Device: mac, Handle: h})
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtServicesDiscovered, Device: mac, Handle: h})

		if darwinClient, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
			<-darwinClient.Disconnected()
			a.mu.Lock()
			delete(a.conns, h)
			delete(a.macToHandle, mac)
			a.mu.Unlock()
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtDisconnected, Device: mac, Handle: h})
		}
	})
	return nil
}

// Disconnect tears down one connection, following BLEConnection.Disconnect's
// order: cancel subscriptions implicitly via CancelConnection, then post.
func (a *Adapter) Disconnect(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-disconnect", func(ctx context.Context) {
		err := gc.client.CancelConnection()
		a.mu.Lock()
		delete(a.conns, h)
		delete(a.macToHandle, gc.mac)
		a.mu.Unlock()
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtDisconnected, Device: gc.mac, Handle: h, Err: err})
	})
	return nil
}

// DiscoverServices is a no-op success: Connect already ran
// client.DiscoverProfile(true) up front the way internal/device/go-ble
// always does, so there is nothing further to discover. Posted
// asynchronously anyway so callers never depend on synchronous ordering.
func (a *Adapter) DiscoverServices(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-discover", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtServicesDiscovered, Device: gc.mac, Handle: h})
	})
	return nil
}

func (a *Adapter) lookupChar(gc *gattConn, serviceUUID, charUUID string) (*ble.Characteristic, error) {
	key := device.NormalizeUUID(serviceUUID) + "/" + device.NormalizeUUID(charUUID)
	ch, ok := gc.chars[key]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return ch, nil
}

func (a *Adapter) lookupDesc(gc *gattConn, serviceUUID, charUUID, descUUID string) (*ble.Descriptor, error) {
	key := device.NormalizeUUID(serviceUUID) + "/" + device.NormalizeUUID(charUUID) + "/" + device.NormalizeUUID(descUUID)
	d, ok := gc.descs[key]
	if !ok {
		return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{serviceUUID, charUUID, descUUID}}
	}
	return d, nil
}

// ReadCharacteristic mirrors BLECharacteristic's read path
// (characteristic.go: client.ReadCharacteristic(c.BLEChar)).
func (a *Adapter) ReadCharacteristic(h bleadapter.Handle, serviceUUID, charUUID string) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	ch, err := a.lookupChar(gc, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-read-char", func(ctx context.Context) {
		data, err := gc.client.ReadCharacteristic(ch)
		if err != nil {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicReadFailed, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, Err: err})
			return
		}
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicRead, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, Data: data})
	})
	return nil
}

// WriteCharacteristic mirrors characteristic.go's write path
// (client.WriteCharacteristic(c.BLEChar, data, !withResponse)); queues
// instead of writing immediately if a reliable-write session is open.
func (a *Adapter) WriteCharacteristic(h bleadapter.Handle, serviceUUID, charUUID string, value []byte, wt bleadapter.WriteType) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	ch, err := a.lookupChar(gc, serviceUUID, charUUID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if gc.reliableWriteActive {
		gc.reliableWriteQueue = append(gc.reliableWriteQueue, queuedWrite{serviceUUID, charUUID, value, wt})
		a.mu.Unlock()
		groutine.Go(context.Background(), "ble-write-char-queued", func(ctx context.Context) {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicWritten, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID})
		})
		return nil
	}
	a.mu.Unlock()

	groutine.Go(context.Background(), "ble-write-char", func(ctx context.Context) {
		err := gc.client.WriteCharacteristic(ch, value, wt == bleadapter.WriteWithoutResponse)
		if err != nil {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicWriteFailed, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, Err: err})
			return
		}
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicWritten, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID})
	})
	return nil
}

// ReadDescriptor mirrors descriptor.go's client.ReadDescriptor(d) path.
func (a *Adapter) ReadDescriptor(h bleadapter.Handle, serviceUUID, charUUID, descUUID string) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	d, err := a.lookupDesc(gc, serviceUUID, charUUID, descUUID)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-read-desc", func(ctx context.Context) {
		data, err := gc.client.ReadDescriptor(d)
		if err != nil {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtDescriptorReadFailed, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, DescriptorUUID: descUUID, Err: err})
			return
		}
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtDescriptorRead, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, DescriptorUUID: descUUID, Data: data})
	})
	return nil
}

// WriteDescriptor has no direct analogue in internal/device/go-ble (it
// only ever reads descriptors during discovery), but go-ble's
// ble.Client exposes WriteDescriptor symmetrically with WriteCharacteristic.
func (a *Adapter) WriteDescriptor(h bleadapter.Handle, serviceUUID, charUUID, descUUID string, value []byte) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	d, err := a.lookupDesc(gc, serviceUUID, charUUID, descUUID)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-write-desc", func(ctx context.Context) {
		err := gc.client.WriteDescriptor(d, value)
		if err != nil {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtDescriptorWriteFailed, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, DescriptorUUID: descUUID, Err: err})
			return
		}
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtDescriptorWritten, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, DescriptorUUID: descUUID})
	})
	return nil
}

// SetNotify mirrors connection.go's subscribe/unsubscribe pair
// (client.Subscribe(char, false, handler) / client.Unsubscribe(char,
// false)), posting each received notification as EvtNotification exactly
// the way ProcessCharacteristicNotification feeds BLECharacteristic's
// subscriber list.
func (a *Adapter) SetNotify(h bleadapter.Handle, serviceUUID, charUUID string, enabled bool) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	ch, err := a.lookupChar(gc, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-set-notify", func(ctx context.Context) {
		var err error
		if enabled {
			err = gc.client.Subscribe(ch, false, func(data []byte) {
				a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtNotification, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, Data: data})
			})
		} else {
			err = gc.client.Unsubscribe(ch, false)
		}
		if err != nil {
			a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtNotifyStateChangeFailed, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID, Err: err})
			return
		}
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtNotifyStateChanged, Device: gc.mac, Handle: h, ServiceUUID: serviceUUID, CharUUID: charUUID})
	})
	return nil
}

// ReadRSSI: go-ble's Darwin client exposes no live RSSI read outside
// advertisement callbacks (CoreBluetooth only reports RSSI on discovery
// and via a periodic read API go-ble doesn't wrap), so this posts the
// normalized not-supported failure rather than pretending to succeed.
func (a *Adapter) ReadRSSI(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-read-rssi", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtRSSIReadFailed, Device: gc.mac, Handle: h, Err: fmt.Errorf("rssi read not supported by this stack")})
	})
	return nil
}

// RequestMTU: go-ble does not expose ATT_MTU exchange on Darwin (it's
// negotiated transparently by CoreBluetooth with no query API), so this
// reports the negotiated-but-unqueryable MTU as unsupported rather than
// guessing a value.
func (a *Adapter) RequestMTU(h bleadapter.Handle, n int) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-request-mtu", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtMTUChangeFailed, Device: gc.mac, Handle: h, Err: fmt.Errorf("mtu negotiation not supported by this stack")})
	})
	return nil
}

// RequestConnectionPriority: no equivalent in go-ble/CoreBluetooth
// (connection interval is controlled by the peripheral, not requested by
// the central on Darwin), so it always fails with OperationNotSupported.
func (a *Adapter) RequestConnectionPriority(h bleadapter.Handle, p bleadapter.ConnectionPriority) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-conn-priority", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtConnectionPriorityChanged, Device: gc.mac, Handle: h, Err: fmt.Errorf("connection priority request not supported by this stack")})
	})
	return nil
}

// SetPhy / ReadPhy: go-ble does not wrap CoreBluetooth's (nonexistent)
// LE PHY update API, so both report unsupported.
func (a *Adapter) SetPhy(h bleadapter.Handle, opts bleadapter.PhyOptions) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-set-phy", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtPhySet, Device: gc.mac, Handle: h, Err: fmt.Errorf("phy selection not supported by this stack")})
	})
	return nil
}

func (a *Adapter) ReadPhy(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-read-phy", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtPhyRead, Device: gc.mac, Handle: h, Err: fmt.Errorf("phy read not supported by this stack")})
	})
	return nil
}

// BeginReliableWrite opens the fake prepare-write queue described on
// gattConn; ExecuteReliableWrite/AbortReliableWrite flush or discard it.
func (a *Adapter) BeginReliableWrite(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	a.mu.Lock()
	gc.reliableWriteActive = true
	gc.reliableWriteQueue = nil
	a.mu.Unlock()
	groutine.Go(context.Background(), "ble-reliable-write-begin", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtReliableWriteBegun, Device: gc.mac, Handle: h})
	})
	return nil
}

func (a *Adapter) ExecuteReliableWrite(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	a.mu.Lock()
	queued := gc.reliableWriteQueue
	gc.reliableWriteQueue = nil
	gc.reliableWriteActive = false
	a.mu.Unlock()

	groutine.Go(context.Background(), "ble-reliable-write-execute", func(ctx context.Context) {
		for _, w := range queued {
			ch, err := a.lookupChar(gc, w.serviceUUID, w.charUUID)
			if err != nil {
				a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtReliableWriteFailed, Device: gc.mac, Handle: h, Err: err})
				return
			}
			if err := gc.client.WriteCharacteristic(ch, w.value, w.wt == bleadapter.WriteWithoutResponse); err != nil {
				a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtReliableWriteFailed, Device: gc.mac, Handle: h, ServiceUUID: w.serviceUUID, CharUUID: w.charUUID, Err: err})
				return
			}
		}
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtReliableWriteExecuted, Device: gc.mac, Handle: h})
	})
	return nil
}

func (a *Adapter) AbortReliableWrite(h bleadapter.Handle) error {
	gc, err := a.connFor(h)
	if err != nil {
		return err
	}
	a.mu.Lock()
	gc.reliableWriteQueue = nil
	gc.reliableWriteActive = false
	a.mu.Unlock()
	groutine.Go(context.Background(), "ble-reliable-write-abort", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtReliableWriteAborted, Device: gc.mac, Handle: h})
	})
	return nil
}

// CreateBond / RemoveBond: bonding on Darwin is managed by the OS pairing
// dialog, invisible to go-ble, so these post a failed EvtBondStateChanged
// rather than silently pretending bonding succeeded. Its error text says
// "not supported", which NormalizeError matches before "bond", so the
// failure kind is OPERATION_NOT_SUPPORTED.
func (a *Adapter) CreateBond(mac string) error {
	groutine.Go(context.Background(), "ble-create-bond", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtBondStateChanged, Device: mac, Err: fmt.Errorf("bond creation not supported by this stack")})
	})
	return nil
}

func (a *Adapter) RemoveBond(mac string) error {
	groutine.Go(context.Background(), "ble-remove-bond", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtBondStateChanged, Device: mac, Err: fmt.Errorf("bond removal not supported by this stack")})
	})
	return nil
}

// ForceCrashResolverFlush has no native counterpart (go-ble has no crash
// resolver of its own); it always reports completion immediately since
// there is nothing pending to flush.
func (a *Adapter) ForceCrashResolverFlush() error {
	groutine.Go(context.Background(), "ble-crash-resolver-flush", func(ctx context.Context) {
		a.post(bleadapter.NativeEvent{Kind: bleadapter.EvtCrashResolverComplete})
	})
	return nil
}

var _ bleadapter.StackAdapter = (*Adapter)(nil)
