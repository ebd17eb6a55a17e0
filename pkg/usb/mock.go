package usb

import (
	"context"
	"sync"
	"time"
)

// MockTransport is an in-memory Transport for tests. Devices are attached
// and detached explicitly; hot-plug events are delivered synchronously on
// the caller's goroutine.
type MockTransport struct {
	mu      sync.Mutex
	devices []*MockDevice
	subs    map[int]func(Event)
	nextSub int

	ListErr error
	closed  bool
}

func NewMockTransport(devices ...*MockDevice) *MockTransport {
	return &MockTransport{
		devices: devices,
		subs:    make(map[int]func(Event)),
	}
}

func (t *MockTransport) Devices() ([]Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ListErr != nil {
		return nil, t.ListErr
	}
	out := make([]Device, len(t.devices))
	for i, d := range t.devices {
		out[i] = d
	}
	return out, nil
}

func (t *MockTransport) FindByIDs(vendorID, productID uint16) (Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.devices {
		if d.VendorID == vendorID && d.ProductID == productID {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (t *MockTransport) Subscribe(fn func(Event)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return &mockSub{t: t, id: id}
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Subscribers returns the number of live hot-plug subscriptions.
func (t *MockTransport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Attach adds d to the device list and emits an attach event for it.
func (t *MockTransport) Attach(d *MockDevice) {
	t.mu.Lock()
	t.devices = append(t.devices, d)
	t.mu.Unlock()
	t.Emit(Event{Kind: Attach, Device: d})
}

// Detach removes d from the device list and emits a detach event for it.
func (t *MockTransport) Detach(d *MockDevice) {
	t.mu.Lock()
	for i, other := range t.devices {
		if other == d {
			t.devices = append(t.devices[:i], t.devices[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.Emit(Event{Kind: Detach, Device: d})
}

// Emit delivers ev to every subscriber without touching the device list.
func (t *MockTransport) Emit(ev Event) {
	t.mu.Lock()
	fns := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type mockSub struct {
	t  *MockTransport
	id int
}

func (s *mockSub) Cancel() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs, s.id)
}

// MockDevice is a scriptable Device. Zero value fields mean success.
type MockDevice struct {
	DevicePath string
	VendorID   uint16
	ProductID  uint16
	Ifaces     []*MockInterface

	OpenErr  error
	CloseErr error
	ResetErr error

	// CloseFn/ResetFn, when set, run inside the counted Close/Reset call;
	// tests use them to hold a native call in flight.
	CloseFn func() error
	ResetFn func(ctx context.Context) error

	mu         sync.Mutex
	opened     bool
	openCalls  int
	closeCalls int
	resetCalls int
}

func (d *MockDevice) Info() Info {
	return Info{Path: d.DevicePath, VendorID: d.VendorID, ProductID: d.ProductID}
}

func (d *MockDevice) Interfaces() []Interface {
	out := make([]Interface, len(d.Ifaces))
	for i, ifc := range d.Ifaces {
		out[i] = ifc
	}
	return out
}

func (d *MockDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.opened = true
	return nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	d.closeCalls++
	d.opened = false
	fn := d.CloseFn
	d.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return d.CloseErr
}

func (d *MockDevice) Reset(ctx context.Context) error {
	d.mu.Lock()
	d.resetCalls++
	fn := d.ResetFn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return d.ResetErr
}

// Opened reports whether the device currently holds an open native handle.
func (d *MockDevice) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// OpenCalls returns how many times Open was invoked.
func (d *MockDevice) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

// CloseCalls returns how many times Close was invoked.
func (d *MockDevice) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

// ResetCalls returns how many times Reset was invoked.
func (d *MockDevice) ResetCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetCalls
}

// MockInterface is a scriptable Interface.
type MockInterface struct {
	Number int
	Class  uint8
	EPs    []*MockEndpoint

	KernelDriverActive bool
	AltErr             error
	DetachErr          error
	ClaimErr           error

	mu           sync.Mutex
	altCalls     int
	detachCalls  int
	claimCalls   int
	releaseCalls int
}

func (i *MockInterface) Desc() InterfaceDesc {
	return InterfaceDesc{Number: i.Number, Class: i.Class}
}

func (i *MockInterface) SetAltSetting(_ int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.altCalls++
	return i.AltErr
}

func (i *MockInterface) IsKernelDriverActive() (bool, error) {
	return i.KernelDriverActive, nil
}

func (i *MockInterface) DetachKernelDriver() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.detachCalls++
	return i.DetachErr
}

func (i *MockInterface) Claim() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.claimCalls++
	return i.ClaimErr
}

func (i *MockInterface) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.releaseCalls++
}

// ClaimCalls returns how many times Claim was invoked.
func (i *MockInterface) ClaimCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.claimCalls
}

// ReleaseCalls returns how many times Release was invoked.
func (i *MockInterface) ReleaseCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.releaseCalls
}

// DetachCalls returns how many times DetachKernelDriver was invoked.
func (i *MockInterface) DetachCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.detachCalls
}

func (i *MockInterface) Endpoints() []Endpoint {
	out := make([]Endpoint, len(i.EPs))
	for n, ep := range i.EPs {
		out[n] = ep
	}
	return out
}

// MockEndpoint is a scriptable Endpoint. TransferFn, when set, handles each
// transfer; otherwise OUT transfers succeed whole and IN transfers return
// zero bytes.
type MockEndpoint struct {
	Address uint8
	Dir     Direction

	TransferFn func(ctx context.Context, p []byte) (int, error)

	mu            sync.Mutex
	timeout       time.Duration
	transferCalls int
}

func (e *MockEndpoint) Desc() EndpointDesc {
	return EndpointDesc{Address: e.Address, Direction: e.Dir}
}

func (e *MockEndpoint) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// Timeout returns the last value passed to SetTimeout.
func (e *MockEndpoint) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// TransferCalls returns how many transfers were attempted.
func (e *MockEndpoint) TransferCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transferCalls
}

func (e *MockEndpoint) Transfer(ctx context.Context, p []byte) (int, error) {
	e.mu.Lock()
	e.transferCalls++
	fn := e.TransferFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	if e.Dir == DirectionOut {
		return len(p), nil
	}
	return 0, nil
}
