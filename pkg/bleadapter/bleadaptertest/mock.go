// Package bleadaptertest provides a testify mock.Mock implementation of
// bleadapter.StackAdapter, in the style of pkg/device/device_test.go's
// MockAdvertisement: every method records its call and returns whatever
// the test stubbed with .On(...).Return(...).
package bleadaptertest

import (
	"github.com/stretchr/testify/mock"

	"github.com/srg/blecore/pkg/bleadapter"
)

// Adapter is a mock.Mock-backed bleadapter.StackAdapter. Tests stub calls
// with .On("Connect", mac, autoConnect).Return(error(nil)) and post
// NativeEvents directly to the Mailbox they construct the manager with,
// since StackAdapter methods never return the outcome synchronously.
type Adapter struct {
	mock.Mock
}

// New creates an unstubbed Adapter; callers add expectations with .On.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) StartScan(params bleadapter.ScanParams) error {
	args := a.Called(params)
	return args.Error(0)
}

func (a *Adapter) StopScan() error {
	args := a.Called()
	return args.Error(0)
}

func (a *Adapter) Connect(mac string, autoConnect bool) error {
	args := a.Called(mac, autoConnect)
	return args.Error(0)
}

func (a *Adapter) Disconnect(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) DiscoverServices(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) ReadCharacteristic(h bleadapter.Handle, serviceUUID, charUUID string) error {
	args := a.Called(h, serviceUUID, charUUID)
	return args.Error(0)
}

func (a *Adapter) WriteCharacteristic(h bleadapter.Handle, serviceUUID, charUUID string, value []byte, wt bleadapter.WriteType) error {
	args := a.Called(h, serviceUUID, charUUID, value, wt)
	return args.Error(0)
}

func (a *Adapter) ReadDescriptor(h bleadapter.Handle, serviceUUID, charUUID, descUUID string) error {
	args := a.Called(h, serviceUUID, charUUID, descUUID)
	return args.Error(0)
}

func (a *Adapter) WriteDescriptor(h bleadapter.Handle, serviceUUID, charUUID, descUUID string, value []byte) error {
	args := a.Called(h, serviceUUID, charUUID, descUUID, value)
	return args.Error(0)
}

func (a *Adapter) SetNotify(h bleadapter.Handle, serviceUUID, charUUID string, enabled bool) error {
	args := a.Called(h, serviceUUID, charUUID, enabled)
	return args.Error(0)
}

func (a *Adapter) ReadRSSI(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) RequestMTU(h bleadapter.Handle, n int) error {
	args := a.Called(h, n)
	return args.Error(0)
}

func (a *Adapter) RequestConnectionPriority(h bleadapter.Handle, p bleadapter.ConnectionPriority) error {
	args := a.Called(h, p)
	return args.Error(0)
}

func (a *Adapter) SetPhy(h bleadapter.Handle, opts bleadapter.PhyOptions) error {
	args := a.Called(h, opts)
	return args.Error(0)
}

func (a *Adapter) ReadPhy(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) BeginReliableWrite(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) ExecuteReliableWrite(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) AbortReliableWrite(h bleadapter.Handle) error {
	args := a.Called(h)
	return args.Error(0)
}

func (a *Adapter) CreateBond(mac string) error {
	args := a.Called(mac)
	return args.Error(0)
}

func (a *Adapter) RemoveBond(mac string) error {
	args := a.Called(mac)
	return args.Error(0)
}

func (a *Adapter) ForceCrashResolverFlush() error {
	args := a.Called()
	return args.Error(0)
}

var _ bleadapter.StackAdapter = (*Adapter)(nil)
