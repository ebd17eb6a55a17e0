package printer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seagrayinc/usbprint/pkg/usb"
)

func printerDevice(path string) *usb.MockDevice {
	return &usb.MockDevice{
		DevicePath: path,
		VendorID:   0x04b8,
		ProductID:  0x0202,
		Ifaces: []*usb.MockInterface{{
			Number: 0,
			Class:  usb.ClassPrinter,
			EPs: []*usb.MockEndpoint{
				{Address: 0x01, Dir: usb.DirectionOut},
				{Address: 0x81, Dir: usb.DirectionIn},
			},
		}},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	marks  []string
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.marks = append(r.marks, ev.Kind.String())
}

func (r *recorder) mark(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, s)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count(k EventKind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustSession(t *testing.T, tr *usb.MockTransport, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(tr, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func TestOpenBindsFirstPair(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %v, want open", s.State())
	}
	if got := rec.count(EventConnect); got != 1 {
		t.Fatalf("connect events = %d, want 1", got)
	}
	ifc := dev.Ifaces[0]
	if ifc.ClaimCalls() != 1 {
		t.Fatalf("claim calls = %d, want 1", ifc.ClaimCalls())
	}
	if ifc.EPs[0].Timeout() != 15000*time.Millisecond {
		t.Fatalf("out timeout = %v, want 15s", ifc.EPs[0].Timeout())
	}
	if ifc.EPs[1].Timeout() != 700*time.Millisecond {
		t.Fatalf("in timeout = %v, want 700ms", ifc.EPs[1].Timeout())
	}
}

func TestOpenIdempotentWhileOpen(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	for i := 0; i < 3; i++ {
		if err := s.Open(context.Background()); err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
	}
	if dev.OpenCalls() != 1 {
		t.Fatalf("native open calls = %d, want 1", dev.OpenCalls())
	}
	if dev.Ifaces[0].ClaimCalls() != 1 {
		t.Fatalf("claim calls = %d, want 1", dev.Ifaces[0].ClaimCalls())
	}
	if got := rec.count(EventConnect); got != 1 {
		t.Fatalf("connect events = %d, want 1", got)
	}
}

func TestOpenWithoutDevice(t *testing.T) {
	tr := usb.NewMockTransport()
	s := mustSession(t, tr)

	if err := s.Open(context.Background()); !errors.Is(err, ErrNoDeviceBound) {
		t.Fatalf("open err = %v, want ErrNoDeviceBound", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestOpenFailureLeavesClosedAndRetryable(t *testing.T) {
	dev := printerDevice("1:4")
	dev.Ifaces[0].ClaimErr = errors.New("interface busy")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	err := s.Open(context.Background())
	if err == nil || errors.Is(err, ErrEndpointPairNotFound) {
		t.Fatalf("open err = %v, want claim error", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state after failed open = %v, want closed", s.State())
	}
	if dev.CloseCalls() != 1 {
		t.Fatalf("native close calls = %d, want 1 (no dangling handle)", dev.CloseCalls())
	}

	// Retrying open after the fault clears must always be safe.
	dev.Ifaces[0].ClaimErr = nil
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("retry open: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state after retry = %v, want open", s.State())
	}
}

func TestEndpointPairNeverSpansInterfaces(t *testing.T) {
	dev := &usb.MockDevice{
		DevicePath: "1:9",
		Ifaces: []*usb.MockInterface{
			{
				Number: 0,
				Class:  usb.ClassPrinter,
				EPs:    []*usb.MockEndpoint{{Address: 0x01, Dir: usb.DirectionOut}},
			},
			{
				Number: 1,
				Class:  usb.ClassPrinter,
				EPs:    []*usb.MockEndpoint{{Address: 0x82, Dir: usb.DirectionIn}},
			},
		},
	}
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr, WithDevice(dev))

	if err := s.Open(context.Background()); !errors.Is(err, ErrEndpointPairNotFound) {
		t.Fatalf("open err = %v, want ErrEndpointPairNotFound", err)
	}
	for _, ifc := range dev.Ifaces {
		if ifc.ClaimCalls() != 1 || ifc.ReleaseCalls() != 1 {
			t.Fatalf("interface %d claim/release = %d/%d, want 1/1",
				ifc.Number, ifc.ClaimCalls(), ifc.ReleaseCalls())
		}
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestKernelDriverDetachedBeforeClaim(t *testing.T) {
	dev := printerDevice("1:4")
	dev.Ifaces[0].KernelDriverActive = true
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if dev.Ifaces[0].DetachCalls() != 1 {
		t.Fatalf("detach calls = %d, want 1", dev.Ifaces[0].DetachCalls())
	}
}

func TestWriteEmitsDataBeforeTransfer(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	out := dev.Ifaces[0].EPs[0]
	out.TransferFn = func(_ context.Context, p []byte) (int, error) {
		rec.mark("transfer")
		return len(p), nil
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := []byte{0x1b, 0x40}
	if err := s.Write(context.Background(), payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec.mu.Lock()
	marks := append([]string(nil), rec.marks...)
	rec.mu.Unlock()
	if len(marks) != 3 || marks[0] != "connect" || marks[1] != "data" || marks[2] != "transfer" {
		t.Fatalf("order = %v, want [connect data transfer]", marks)
	}

	var dataEv *Event
	rec.mu.Lock()
	for i := range rec.events {
		if rec.events[i].Kind == EventData {
			dataEv = &rec.events[i]
		}
	}
	rec.mu.Unlock()
	if dataEv == nil || string(dataEv.Data) != string(payload) {
		t.Fatalf("data event payload mismatch: %+v", dataEv)
	}
}

func TestWriteTransferErrorEmitsError(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	fault := errors.New("pipe stalled")
	dev.Ifaces[0].EPs[0].TransferFn = func(_ context.Context, _ []byte) (int, error) {
		return 0, fault
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := s.Write(context.Background(), []byte{0x00})
	if !errors.Is(err, fault) {
		t.Fatalf("write err = %v, want wrapped %v", err, fault)
	}
	if rec.count(EventError) != 1 {
		t.Fatalf("error events = %d, want 1", rec.count(EventError))
	}
	if rec.count(EventData) != 1 {
		t.Fatalf("data events = %d, want 1", rec.count(EventData))
	}
}

func TestWriteBeforeOpen(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	if err := s.Write(context.Background(), []byte{0x00}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("write err = %v, want ErrNotReady", err)
	}
}

func TestReadChunkSizeAndResult(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	in := dev.Ifaces[0].EPs[1]
	in.TransferFn = func(_ context.Context, p []byte) (int, error) {
		if len(p) != 8 {
			t.Errorf("read buffer length = %d, want 8", len(p))
		}
		copy(p, []byte{0x12, 0x00, 0x00, 0x0f})
		return 4, nil
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 4 || got[0] != 0x12 {
		t.Fatalf("read result = %v, want 4 status bytes", got)
	}
}

func TestReadWithoutInEndpoint(t *testing.T) {
	// A closed session has no IN endpoint bound; reads report "nothing to
	// read" rather than a fault.
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	got, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read err = %v, want nil", err)
	}
	if len(got) != 0 {
		t.Fatalf("read result = %v, want empty", got)
	}
}

func TestReadInProgressGuard(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	started := make(chan struct{})
	release := make(chan struct{})
	dev.Ifaces[0].EPs[1].TransferFn = func(_ context.Context, _ []byte) (int, error) {
		close(started)
		<-release
		return 0, errors.New("timeout")
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		done <- err
	}()
	<-started

	if _, err := s.Read(context.Background()); !errors.Is(err, ErrReadInProgress) {
		t.Fatalf("second read err = %v, want ErrReadInProgress", err)
	}

	close(release)
	if err := <-done; err == nil {
		t.Fatalf("first read should report the transfer error")
	}

	// The in-flight flag is cleared even on failure, so a new read is
	// accepted.
	dev.Ifaces[0].EPs[1].TransferFn = nil
	if _, err := s.Read(context.Background()); err != nil {
		t.Fatalf("read after failed read: %v", err)
	}
}

func TestResetForcesClosed(t *testing.T) {
	dev := printerDevice("1:4")
	dev.ResetErr = errors.New("reset failed")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Reset(context.Background()); err == nil {
		t.Fatalf("reset should report the native error")
	}

	// Regardless of the native outcome the session is closed with the
	// endpoint pair discarded.
	if s.State() != StateClosed {
		t.Fatalf("state after reset = %v, want closed", s.State())
	}
	if err := s.Write(context.Background(), []byte{0x00}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("write after reset err = %v, want ErrNotReady", err)
	}
	if got, err := s.Read(context.Background()); err != nil || len(got) != 0 {
		t.Fatalf("read after reset = %v, %v, want empty, nil", got, err)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("reopen after reset: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state after reopen = %v, want open", s.State())
	}
}

func TestResetWithoutDevice(t *testing.T) {
	tr := usb.NewMockTransport()
	s := mustSession(t, tr)

	if err := s.Reset(context.Background()); !errors.Is(err, ErrNoDeviceBound) {
		t.Fatalf("reset err = %v, want ErrNoDeviceBound", err)
	}
}

func TestResetBlocksConcurrentOperations(t *testing.T) {
	dev := printerDevice("1:4")
	started := make(chan struct{})
	release := make(chan struct{})
	dev.ResetFn = func(_ context.Context) error {
		close(started)
		<-release
		return nil
	}
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Reset(context.Background()) }()
	<-started

	if err := s.Open(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("open during reset err = %v, want ErrBusy", err)
	}
	if err := s.Write(context.Background(), []byte{0x00}); !errors.Is(err, ErrBusy) {
		t.Fatalf("write during reset err = %v, want ErrBusy", err)
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("read during reset err = %v, want ErrBusy", err)
	}
	// A second reset while one is underway succeeds immediately without a
	// second native reset.
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("overlapping reset err = %v, want nil", err)
	}
	if dev.ResetCalls() != 1 {
		t.Fatalf("native reset calls = %d, want 1", dev.ResetCalls())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state after reset = %v, want closed", s.State())
	}
}

func TestCloseIdempotentConcurrent(t *testing.T) {
	dev := printerDevice("1:4")
	started := make(chan struct{})
	release := make(chan struct{})
	dev.CloseFn = func() error {
		close(started)
		<-release
		return nil
	}
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	<-started

	// Second close while the first is underway: succeeds immediately, no
	// second native close.
	if err := s.Close(); err != nil {
		t.Fatalf("overlapping close err = %v, want nil", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("close: %v", err)
	}
	if dev.CloseCalls() != 1 {
		t.Fatalf("native close calls = %d, want 1", dev.CloseCalls())
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestCloseNeverOpenSkipsNative(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if dev.CloseCalls() != 0 {
		t.Fatalf("native close calls = %d, want 0", dev.CloseCalls())
	}
	if rec.count(EventClose) != 1 {
		t.Fatalf("close events = %d, want 1", rec.count(EventClose))
	}

	// The closing flag clears itself, so close stays usable after a full
	// open/close cycle.
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if dev.CloseCalls() != 1 {
		t.Fatalf("native close calls = %d, want 1", dev.CloseCalls())
	}
}

func TestCloseSwallowsNativeError(t *testing.T) {
	dev := printerDevice("1:4")
	dev.CloseErr = errors.New("close failed")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close err = %v, want nil (native errors swallowed)", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestDetachOtherDeviceIgnored(t *testing.T) {
	dev := printerDevice("1:4")
	other := printerDevice("1:9")
	tr := usb.NewMockTransport(dev, other)
	s := mustSession(t, tr, WithDevice(dev))

	var rec recorder
	s.Notify(rec.record)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	tr.Detach(other)

	if s.State() != StateOpen {
		t.Fatalf("state = %v, want open (unrelated detach)", s.State())
	}
	if rec.count(EventDetach) != 0 || rec.count(EventDisconnect) != 0 {
		t.Fatalf("events after unrelated detach = %v, want none", rec.kinds())
	}
}

func TestDetachBoundDevice(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	tr.Detach(dev)

	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	kinds := rec.kinds()
	if len(kinds) != 3 || kinds[1] != EventDetach || kinds[2] != EventDisconnect {
		t.Fatalf("events = %v, want [connect detach disconnect]", kinds)
	}
	// The device is physically gone; no native close is attempted.
	if dev.CloseCalls() != 0 {
		t.Fatalf("native close calls = %d, want 0", dev.CloseCalls())
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrNoDeviceBound) {
		t.Fatalf("open after detach err = %v, want ErrNoDeviceBound", err)
	}
}

func TestAttachRebindsUnboundSession(t *testing.T) {
	tr := usb.NewMockTransport()
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	if _, ok := s.Info(); ok {
		t.Fatalf("session should start unbound")
	}

	dev := printerDevice("1:4")
	tr.Attach(dev)

	if rec.count(EventAttach) != 1 {
		t.Fatalf("attach events = %d, want 1", rec.count(EventAttach))
	}
	info, ok := s.Info()
	if !ok || info.Path != "1:4" {
		t.Fatalf("session not rebound: %+v, %v", info, ok)
	}
	// Attach does not auto-open.
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open after attach: %v", err)
	}
}

func TestAttachNonPrinterIgnored(t *testing.T) {
	tr := usb.NewMockTransport()
	s := mustSession(t, tr)

	var rec recorder
	s.Notify(rec.record)

	hub := &usb.MockDevice{
		DevicePath: "1:2",
		Ifaces:     []*usb.MockInterface{{Class: 0x09}},
	}
	tr.Attach(hub)

	if rec.count(EventAttach) != 0 {
		t.Fatalf("attach events = %d, want 0", rec.count(EventAttach))
	}
	if _, ok := s.Info(); ok {
		t.Fatalf("session should stay unbound")
	}
}

func TestAttachRebindsByIDsAfterDetach(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s := mustSession(t, tr, WithIDs(0x04b8, 0x0202))

	var rec recorder
	s.Notify(rec.record)

	tr.Detach(dev)
	if _, ok := s.Info(); ok {
		t.Fatalf("session should be unbound after detach")
	}

	replug := printerDevice("1:7")
	tr.Attach(replug)

	if rec.count(EventAttach) != 1 {
		t.Fatalf("attach events = %d, want 1", rec.count(EventAttach))
	}
	info, ok := s.Info()
	if !ok || info.Path != "1:7" {
		t.Fatalf("session not rebound to replugged device: %+v", info)
	}
}

func TestDestroy(t *testing.T) {
	dev := printerDevice("1:4")
	tr := usb.NewMockTransport(dev)
	s, err := NewSession(tr)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if tr.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", tr.Subscribers())
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Destroy()

	if tr.Subscribers() != 0 {
		t.Fatalf("subscribers after destroy = %d, want 0", tr.Subscribers())
	}
	if dev.CloseCalls() != 1 {
		t.Fatalf("native close calls = %d, want 1", dev.CloseCalls())
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrSessionDestroyed) {
		t.Fatalf("open after destroy err = %v, want ErrSessionDestroyed", err)
	}
	if err := s.Write(context.Background(), nil); !errors.Is(err, ErrSessionDestroyed) {
		t.Fatalf("write after destroy err = %v, want ErrSessionDestroyed", err)
	}

	// Destroy must stay safe on repeat.
	s.Destroy()
}

func TestCloseDuringOpenWins(t *testing.T) {
	// A close racing an in-flight open forces the session closed; the open
	// attempt cleans up after itself instead of resurrecting the state.
	dev := printerDevice("1:4")
	opened := make(chan struct{})
	blockOpen := make(chan struct{})
	wrapped := &blockingDevice{MockDevice: dev, opened: opened, release: blockOpen}
	tr := usb.NewMockTransport()
	s := mustSession(t, tr, WithDevice(wrapped))

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()
	<-opened

	waitFor(t, "opening state", func() bool { return s.State() == StateOpening })
	if err := s.Close(); err != nil {
		t.Fatalf("close during open: %v", err)
	}
	close(blockOpen)

	if err := <-done; !errors.Is(err, ErrBusy) {
		t.Fatalf("open result = %v, want ErrBusy", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if dev.CloseCalls() != 1 {
		t.Fatalf("native close calls = %d, want 1 (open cleanup)", dev.CloseCalls())
	}
}

// blockingDevice delays Open until released, to widen the race window.
type blockingDevice struct {
	*usb.MockDevice
	opened  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDevice) Open() error {
	d.once.Do(func() {
		close(d.opened)
		<-d.release
	})
	return d.MockDevice.Open()
}
