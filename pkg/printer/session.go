// Package printer manages the lifecycle of a connection to a single USB
// printer-class device: locating it, claiming an interface with a usable
// endpoint pair, guarded read/write transfers, hot-plug tracking and hard
// reset. Raw USB work is delegated to a usb.Transport; this package owns the
// session state machine that serializes conflicting operations.
package printer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seagrayinc/usbprint/pkg/usb"
)

const (
	// Printers can legitimately stall a bulk write for seconds while the
	// mechanism catches up, so the OUT timeout is generous.
	writeTimeout = 15000 * time.Millisecond

	// Status reads must never hang a caller on a printer with nothing to
	// say, so the IN timeout is short.
	readTimeout = 700 * time.Millisecond

	// Printer status replies are 1-4 bytes; reading more would block
	// waiting for data the device will never send.
	readChunk = 8
)

// State is the session's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateResetting:
		return "resetting"
	}
	return "unknown"
}

// Session owns at most one device binding at a time. All methods are safe
// for concurrent use; conflicting operations are rejected by state guards
// rather than queued.
type Session struct {
	transport usb.Transport
	log       *slog.Logger
	obs       *observers

	// matchIDs records the construction-time identifiers so a hot-plug
	// attach can rebind the same kind of device.
	matchIDs  bool
	vendorID  uint16
	productID uint16

	mu           sync.Mutex
	state        State
	dev          usb.Device
	iface        usb.Interface
	out          usb.Endpoint
	in           usb.Endpoint
	opened       bool // native open succeeded since the last close
	closing      bool
	resetting    bool
	readInFlight bool
	destroyed    bool
	sub          usb.Subscription
}

// Option configures NewSession.
type Option func(*sessionConfig)

type sessionConfig struct {
	dev       usb.Device
	matchIDs  bool
	vendorID  uint16
	productID uint16
	log       *slog.Logger
}

// WithIDs binds the session to the device matching the given vendor and
// product identifiers. When several devices match, the first in enumeration
// order wins.
func WithIDs(vendorID, productID uint16) Option {
	return func(c *sessionConfig) {
		c.matchIDs = true
		c.vendorID = vendorID
		c.productID = productID
	}
}

// WithDevice binds the session to an already-resolved device.
func WithDevice(d usb.Device) Option {
	return func(c *sessionConfig) { c.dev = d }
}

// WithLogger sets the session's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *sessionConfig) { c.log = log }
}

// NewSession creates a closed session and subscribes it to the transport's
// hot-plug events. Without options the first printer-class candidate is
// bound; if none is present the session starts unbound and a later attach
// may bind one. With WithIDs, no match is an error.
func NewSession(t usb.Transport, opts ...Option) (*Session, error) {
	var cfg sessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	dev := cfg.dev
	if dev == nil && cfg.matchIDs {
		d, err := t.FindByIDs(cfg.vendorID, cfg.productID)
		if err != nil {
			return nil, fmt.Errorf("%w: %04x:%04x", ErrDeviceNotFound, cfg.vendorID, cfg.productID)
		}
		dev = d
	}
	if dev == nil && !cfg.matchIDs {
		candidates, err := FindCandidates(t)
		if err == nil && len(candidates) > 0 {
			dev = candidates[0]
		}
	}

	s := &Session{
		transport: t,
		log:       cfg.log,
		obs:       newObservers(),
		matchIDs:  cfg.matchIDs,
		vendorID:  cfg.vendorID,
		productID: cfg.productID,
		dev:       dev,
	}
	s.sub = t.Subscribe(s.onHotplug)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the bound device's descriptor info, or false when unbound.
func (s *Session) Info() (usb.Info, bool) {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return usb.Info{}, false
	}
	return dev.Info(), true
}

// Notify registers fn for session events. The returned cancel removes it.
// Handlers run synchronously on the goroutine that triggered the event.
func (s *Session) Notify(fn func(Event)) (cancel func()) {
	return s.obs.add(fn)
}

// Open claims the first interface that offers both an OUT and an IN endpoint
// and transitions the session to Open. It is idempotent while already open
// and always leaves the session Closed with no partial state on failure, so
// retrying is safe.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrSessionDestroyed
	case s.resetting:
		s.mu.Unlock()
		return ErrBusy
	case s.dev == nil:
		s.mu.Unlock()
		return ErrNoDeviceBound
	case s.state == StateOpen:
		s.mu.Unlock()
		return nil
	}
	s.state = StateOpening
	dev := s.dev
	s.mu.Unlock()

	if err := dev.Open(); err != nil {
		s.fail()
		return fmt.Errorf("open device: %w", err)
	}

	ifc, out, in, err := discoverPair(ctx, dev)
	if err != nil {
		// No partial state survives a failed open.
		_ = dev.Close()
		s.fail()
		return err
	}

	out.SetTimeout(writeTimeout)
	in.SetTimeout(readTimeout)

	s.mu.Lock()
	if s.state != StateOpening {
		// A close or detach won the race while we were claiming.
		s.mu.Unlock()
		ifc.Release()
		_ = dev.Close()
		return ErrBusy
	}
	s.iface = ifc
	s.out = out
	s.in = in
	s.opened = true
	s.state = StateOpen
	s.mu.Unlock()

	s.log.Debug("session open",
		slog.String("device", dev.Info().Path),
		slog.Int("out", int(out.Desc().Address)),
		slog.Int("in", int(in.Desc().Address)))
	s.obs.emit(Event{Kind: EventConnect})
	return nil
}

// fail returns the session to Closed after a failed open attempt.
func (s *Session) fail() {
	s.mu.Lock()
	if s.state == StateOpening {
		s.state = StateClosed
	}
	s.mu.Unlock()
}

// discoverPair walks the device's interfaces in descriptor order and claims
// the first one offering both an OUT and an IN endpoint. An interface with
// only one direction is skipped whole; a pair never spans two interfaces.
func discoverPair(ctx context.Context, dev usb.Device) (usb.Interface, usb.Endpoint, usb.Endpoint, error) {
	for _, ifc := range dev.Interfaces() {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		if err := ifc.SetAltSetting(0); err != nil {
			return nil, nil, nil, fmt.Errorf("interface %d alt setting: %w", ifc.Desc().Number, err)
		}
		if err := detachKernelDriver(ifc); err != nil {
			return nil, nil, nil, err
		}
		if err := ifc.Claim(); err != nil {
			return nil, nil, nil, fmt.Errorf("claim interface %d: %w", ifc.Desc().Number, err)
		}
		out, in := scanEndpoints(ifc)
		if out != nil && in != nil {
			return ifc, out, in, nil
		}
		ifc.Release()
	}
	return nil, nil, nil, ErrEndpointPairNotFound
}

func detachKernelDriver(ifc usb.Interface) error {
	active, err := ifc.IsKernelDriverActive()
	if err != nil {
		return fmt.Errorf("interface %d kernel driver query: %w", ifc.Desc().Number, err)
	}
	if !active {
		return nil
	}
	if err := ifc.DetachKernelDriver(); err != nil {
		return fmt.Errorf("interface %d kernel driver detach: %w", ifc.Desc().Number, err)
	}
	return nil
}

// scanEndpoints picks the first OUT-direction and first IN-direction
// endpoint of a claimed interface.
func scanEndpoints(ifc usb.Interface) (out, in usb.Endpoint) {
	for _, ep := range ifc.Endpoints() {
		switch ep.Desc().Direction {
		case usb.DirectionOut:
			if out == nil {
				out = ep
			}
		case usb.DirectionIn:
			if in == nil {
				in = ep
			}
		}
	}
	return out, in
}

// Write sends data to the printer's OUT endpoint. An EventData notification
// fires before the transfer is attempted; a transfer failure additionally
// fires EventError. The session never retries.
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrSessionDestroyed
	case s.resetting || s.closing:
		s.mu.Unlock()
		return ErrBusy
	case s.out == nil:
		s.mu.Unlock()
		return ErrNotReady
	}
	out := s.out
	s.mu.Unlock()

	s.obs.emit(Event{Kind: EventData, Data: data})
	if _, err := out.Transfer(ctx, data); err != nil {
		err = fmt.Errorf("write transfer: %w", err)
		s.obs.emit(Event{Kind: EventError, Err: err})
		return err
	}
	return nil
}

// Read reads up to 8 status bytes from the printer's IN endpoint. With no IN
// endpoint bound it returns an empty result, not an error. Only one read may
// be in flight at a time; the in-flight guard is cleared before the result
// is returned whatever the outcome, so a failed read never starves the next
// one.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return nil, ErrSessionDestroyed
	case s.resetting || s.closing:
		s.mu.Unlock()
		return nil, ErrBusy
	case s.in == nil:
		s.mu.Unlock()
		return nil, nil
	case s.readInFlight:
		s.mu.Unlock()
		return nil, ErrReadInProgress
	}
	s.readInFlight = true
	in := s.in
	s.mu.Unlock()

	buf := make([]byte, readChunk)
	n, err := in.Transfer(ctx, buf)

	s.mu.Lock()
	s.readInFlight = false
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("read transfer: %w", err)
	}
	return buf[:n], nil
}

// Reset performs a device-level reset. Whatever the native outcome, the
// session ends up Closed with the endpoint pair discarded; post-reset
// endpoint validity is not guaranteed, so the caller must Open again before
// further I/O. Reset is idempotent while already resetting.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrSessionDestroyed
	case s.dev == nil:
		s.mu.Unlock()
		return ErrNoDeviceBound
	case s.resetting:
		s.mu.Unlock()
		return nil
	}
	s.resetting = true
	s.state = StateResetting
	dev := s.dev
	s.mu.Unlock()

	err := dev.Reset(ctx)

	s.mu.Lock()
	s.resetting = false
	s.readInFlight = false
	ifc := s.iface
	s.iface, s.out, s.in = nil, nil, nil
	s.state = StateClosed
	s.mu.Unlock()

	if ifc != nil {
		ifc.Release()
	}
	if err != nil {
		return fmt.Errorf("reset device: %w", err)
	}
	return nil
}

// Close releases the device handle and clears the endpoint pair. It is
// idempotent: a close while another close is underway succeeds immediately
// without a second native close. Native close errors are swallowed; the
// handle is being discarded regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.state = StateClosing
	dev := s.dev
	ifc := s.iface
	wasOpen := s.opened
	s.iface, s.out, s.in = nil, nil, nil
	s.mu.Unlock()

	if dev != nil && wasOpen {
		if ifc != nil {
			ifc.Release()
		}
		if err := dev.Close(); err != nil {
			s.log.Warn("device close failed", slog.Any("error", err))
		}
	}

	s.mu.Lock()
	s.opened = false
	s.readInFlight = false
	s.closing = false
	s.state = StateClosed
	s.mu.Unlock()

	s.obs.emit(Event{Kind: EventClose})
	return nil
}

// Destroy cancels the hot-plug subscription, best-effort closes the session
// and drops every reference. The session must not be used afterwards.
// Destroy never panics, even on an already-destroyed session.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	_ = s.Close()

	s.mu.Lock()
	s.dev = nil
	s.mu.Unlock()
	s.obs.clear()
}

func (s *Session) onHotplug(ev usb.Event) {
	switch ev.Kind {
	case usb.Detach:
		s.onDetach(ev.Device)
	case usb.Attach:
		s.onAttach(ev.Device)
	}
}

// onDetach handles a global detach notification. Events for devices other
// than the bound one are ignored; a match forces the session Closed without
// touching native state (the device is gone) and raises detach followed by
// disconnect.
func (s *Session) onDetach(d usb.Device) {
	s.mu.Lock()
	if s.dev == nil || !sameDevice(s.dev, d) {
		s.mu.Unlock()
		return
	}
	path := s.dev.Info().Path
	s.dev = nil
	s.iface, s.out, s.in = nil, nil, nil
	s.opened = false
	s.readInFlight = false
	s.state = StateClosed
	s.mu.Unlock()

	s.log.Debug("bound device detached", slog.String("device", path))
	s.obs.emit(Event{Kind: EventDetach})
	s.obs.emit(Event{Kind: EventDisconnect})
}

// onAttach opportunistically rebinds an unbound session: the locator (or
// the identifier match) is re-run and the incoming device is compared
// against the fresh target. A match raises attach but does not auto-open.
func (s *Session) onAttach(d usb.Device) {
	s.mu.Lock()
	if s.destroyed || s.dev != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var target usb.Device
	if s.matchIDs {
		if found, err := s.transport.FindByIDs(s.vendorID, s.productID); err == nil {
			target = found
		}
	} else if candidates, err := FindCandidates(s.transport); err == nil && len(candidates) > 0 {
		target = candidates[0]
	}
	if target == nil || !sameDevice(target, d) {
		return
	}

	s.mu.Lock()
	if s.destroyed || s.dev != nil {
		s.mu.Unlock()
		return
	}
	s.dev = target
	s.mu.Unlock()

	s.log.Debug("device attached", slog.String("device", target.Info().Path))
	s.obs.emit(Event{Kind: EventAttach})
}

// sameDevice compares device identity by attachment path, the transport's
// stand-in for reference identity across re-enumeration.
func sameDevice(a, b usb.Device) bool {
	if a == b {
		return true
	}
	return a.Info().Path == b.Info().Path
}
