// Package libusb implements the usb transport contract on top of libusb via
// github.com/google/gousb. gousb exposes no hot-plug callbacks, so attach and
// detach events are synthesized by polling enumeration snapshots and diffing
// them by device path.
package libusb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/seagrayinc/usbprint/pkg/usb"
)

const defaultPollInterval = 500 * time.Millisecond

// Config tunes the transport. The zero value is usable.
type Config struct {
	// PollInterval is the hot-plug polling period. Zero means 500ms.
	PollInterval time.Duration

	// VendorID/ProductID, when nonzero, pre-filter enumeration so polling
	// does not churn through unrelated devices.
	VendorID  uint16
	ProductID uint16

	Logger *slog.Logger
}

// Transport is a libusb-backed usb.Transport.
type Transport struct {
	ctx *gousb.Context
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	subs    map[int]func(usb.Event)
	nextSub int
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		ctx:  gousb.NewContext(),
		cfg:  cfg,
		log:  log,
		subs: make(map[int]func(usb.Event)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.pollLoop()
	return t
}

func (t *Transport) Devices() ([]usb.Device, error) {
	descs, err := t.snapshot()
	if len(descs) == 0 && err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	out := make([]usb.Device, len(descs))
	for i, desc := range descs {
		out[i] = newDevice(t, desc)
	}
	// Enumeration errors with partial results are best-effort listing, not
	// failures; the devices we could not inspect are simply absent.
	return out, nil
}

func (t *Transport) FindByIDs(vendorID, productID uint16) (usb.Device, error) {
	descs, err := t.snapshot()
	if len(descs) == 0 && err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, desc := range descs {
		if uint16(desc.Vendor) == vendorID && uint16(desc.Product) == productID {
			return newDevice(t, desc), nil
		}
	}
	return nil, usb.ErrNotFound
}

func (t *Transport) Subscribe(fn func(usb.Event)) usb.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return &subscription{t: t, id: id}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.stop)
	<-t.done
	return t.ctx.Close()
}

// snapshot collects device descriptors without opening any device: the
// OpenDevices filter sees every descriptor and always declines to open.
func (t *Transport) snapshot() ([]*gousb.DeviceDesc, error) {
	var descs []*gousb.DeviceDesc
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if t.cfg.VendorID != 0 && uint16(desc.Vendor) != t.cfg.VendorID {
			return false
		}
		if t.cfg.ProductID != 0 && uint16(desc.Product) != t.cfg.ProductID {
			return false
		}
		descs = append(descs, desc)
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	return descs, err
}

func (t *Transport) pollLoop() {
	defer close(t.done)
	known := make(map[string]*gousb.DeviceDesc)
	if descs, err := t.snapshot(); err == nil {
		for _, desc := range descs {
			known[descPath(desc)] = desc
		}
	}
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		descs, err := t.snapshot()
		if err != nil && len(descs) == 0 {
			t.log.Debug("hotplug poll failed", slog.Any("error", err))
			continue
		}
		current := make(map[string]*gousb.DeviceDesc, len(descs))
		for _, desc := range descs {
			current[descPath(desc)] = desc
		}
		for path, desc := range known {
			if _, ok := current[path]; !ok {
				t.emit(usb.Event{Kind: usb.Detach, Device: newDevice(t, desc)})
			}
		}
		for path, desc := range current {
			if _, ok := known[path]; !ok {
				t.emit(usb.Event{Kind: usb.Attach, Device: newDevice(t, desc)})
			}
		}
		known = current
	}
}

func (t *Transport) emit(ev usb.Event) {
	t.mu.Lock()
	fns := make([]func(usb.Event), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	t.log.Debug("hotplug event",
		slog.String("kind", ev.Kind.String()),
		slog.String("path", ev.Device.Info().Path))
	for _, fn := range fns {
		fn(ev)
	}
}

type subscription struct {
	t  *Transport
	id int
}

func (s *subscription) Cancel() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs, s.id)
}

// descPath builds the attachment-stable identity for a device. The libusb
// address is reassigned on every physical attach, so bus:address is unique
// per plug-in.
func descPath(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
}

// device wraps one enumerated descriptor. The native handle is acquired
// lazily in Open by re-matching bus and address.
type device struct {
	t    *Transport
	desc *gousb.DeviceDesc
	path string

	mu  sync.Mutex
	dev *gousb.Device
	cfg *gousb.Config
}

func newDevice(t *Transport, desc *gousb.DeviceDesc) *device {
	return &device{t: t, desc: desc, path: descPath(desc)}
}

func (d *device) Info() usb.Info {
	info := usb.Info{
		Path:      d.path,
		VendorID:  uint16(d.desc.Vendor),
		ProductID: uint16(d.desc.Product),
	}
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	if dev != nil {
		info.Product, _ = dev.Product()
		info.Manufacturer, _ = dev.Manufacturer()
	}
	return info
}

func (d *device) Interfaces() []usb.Interface {
	cfg, ok := d.firstConfig()
	if !ok {
		return nil
	}
	out := make([]usb.Interface, 0, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		if len(ifc.AltSettings) == 0 {
			continue
		}
		out = append(out, &iface{d: d, desc: ifc})
	}
	return out
}

// firstConfig picks the lowest-numbered configuration, which is the active
// one on virtually every printer.
func (d *device) firstConfig() (gousb.ConfigDesc, bool) {
	nums := make([]int, 0, len(d.desc.Configs))
	for num := range d.desc.Configs {
		nums = append(nums, num)
	}
	if len(nums) == 0 {
		return gousb.ConfigDesc{}, false
	}
	sort.Ints(nums)
	return d.desc.Configs[nums[0]], true
}

func (d *device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return nil
	}
	devs, err := d.t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == d.desc.Bus && desc.Address == d.desc.Address
	})
	if len(devs) == 0 {
		if err != nil {
			return fmt.Errorf("open device %s: %w", d.path, err)
		}
		return usb.ErrNotFound
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	if runtime.GOOS != "windows" {
		// Arms libusb's automatic kernel-driver detach for every
		// subsequent interface claim.
		if err := dev.SetAutoDetach(true); err != nil {
			_ = dev.Close()
			return fmt.Errorf("set auto detach: %w", err)
		}
	}
	cfgDesc, ok := d.firstConfig()
	if !ok {
		_ = dev.Close()
		return fmt.Errorf("device %s has no configuration", d.path)
	}
	cfg, err := dev.Config(cfgDesc.Number)
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("select configuration %d: %w", cfgDesc.Number, err)
	}
	d.dev = dev
	d.cfg = cfg
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg != nil {
		_ = d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		err := d.dev.Close()
		d.dev = nil
		return err
	}
	return nil
}

func (d *device) Reset(_ context.Context) error {
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("reset %s: device not open", d.path)
	}
	return dev.Reset()
}

func (d *device) claimInterface(num, alt int) (*gousb.Interface, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return nil, fmt.Errorf("claim interface %d: device not open", num)
	}
	return cfg.Interface(num, alt)
}

type iface struct {
	d    *device
	desc gousb.InterfaceDesc

	mu  sync.Mutex
	alt int
	ifc *gousb.Interface
}

func (i *iface) Desc() usb.InterfaceDesc {
	return usb.InterfaceDesc{
		Number: i.desc.Number,
		Class:  uint8(i.desc.AltSettings[0].Class),
	}
}

func (i *iface) SetAltSetting(alt int) error {
	// gousb applies the alternate setting as part of the claim, so the
	// choice is recorded here and consumed by Claim.
	i.mu.Lock()
	defer i.mu.Unlock()
	if alt < 0 || alt >= len(i.desc.AltSettings) {
		return fmt.Errorf("interface %d: no alt setting %d", i.desc.Number, alt)
	}
	i.alt = alt
	return nil
}

// IsKernelDriverActive always reports false: SetAutoDetach at device open
// makes libusb detach any kernel driver during Claim, so there is never one
// left for the session to detach by hand.
func (i *iface) IsKernelDriverActive() (bool, error) { return false, nil }

func (i *iface) DetachKernelDriver() error { return nil }

func (i *iface) Claim() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ifc != nil {
		return nil
	}
	ifc, err := i.d.claimInterface(i.desc.Number, i.alt)
	if err != nil {
		return fmt.Errorf("claim interface %d: %w", i.desc.Number, err)
	}
	i.ifc = ifc
	return nil
}

func (i *iface) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ifc != nil {
		i.ifc.Close()
		i.ifc = nil
	}
}

func (i *iface) Endpoints() []usb.Endpoint {
	i.mu.Lock()
	alt := i.alt
	i.mu.Unlock()
	setting := i.desc.AltSettings[alt]
	descs := make([]gousb.EndpointDesc, 0, len(setting.Endpoints))
	for _, ep := range setting.Endpoints {
		descs = append(descs, ep)
	}
	// Endpoints is a map in gousb; restore descriptor order by address.
	sort.Slice(descs, func(a, b int) bool { return descs[a].Address < descs[b].Address })
	out := make([]usb.Endpoint, len(descs))
	for n, desc := range descs {
		out[n] = &endpoint{i: i, desc: desc}
	}
	return out
}

func (i *iface) claimed() *gousb.Interface {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ifc
}

type endpoint struct {
	i    *iface
	desc gousb.EndpointDesc

	mu      sync.Mutex
	timeout time.Duration
}

func (e *endpoint) Desc() usb.EndpointDesc {
	dir := usb.DirectionOut
	if e.desc.Direction == gousb.EndpointDirectionIn {
		dir = usb.DirectionIn
	}
	return usb.EndpointDesc{Address: uint8(e.desc.Address), Direction: dir}
}

func (e *endpoint) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

func (e *endpoint) Transfer(ctx context.Context, p []byte) (int, error) {
	ifc := e.i.claimed()
	if ifc == nil {
		return 0, fmt.Errorf("endpoint 0x%02x: interface not claimed", e.desc.Address)
	}
	e.mu.Lock()
	timeout := e.timeout
	e.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if e.desc.Direction == gousb.EndpointDirectionIn {
		ep, err := ifc.InEndpoint(e.desc.Number)
		if err != nil {
			return 0, fmt.Errorf("in endpoint %d: %w", e.desc.Number, err)
		}
		return ep.ReadContext(ctx, p)
	}
	ep, err := ifc.OutEndpoint(e.desc.Number)
	if err != nil {
		return 0, fmt.Errorf("out endpoint %d: %w", e.desc.Number, err)
	}
	return ep.WriteContext(ctx, p)
}
