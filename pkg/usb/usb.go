// Package usb defines the transport contract the printer session layer is
// built on: device enumeration, interface claiming, bulk endpoint transfers
// and process-wide hot-plug notifications. Real backends live in subpackages;
// a scriptable mock lives in this package for tests.
package usb

import (
	"context"
	"errors"
	"time"
)

// ClassPrinter is the USB interface class code for printer-class interfaces.
const ClassPrinter uint8 = 0x07

var ErrNotFound = errors.New("usb: device not found")

// Direction of an endpoint, seen from the host.
type Direction int

const (
	DirectionOut Direction = iota // host to device
	DirectionIn                   // device to host
)

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "out"
	case DirectionIn:
		return "in"
	}
	return "unknown"
}

// Info describes an enumerated USB device.
type Info struct {
	// Path is stable for the lifetime of one physical attachment and is
	// the identity used to match hot-plug events against a bound device.
	Path         string
	VendorID     uint16
	ProductID    uint16
	Product      string
	Manufacturer string
}

// InterfaceDesc is the descriptor-level view of one interface.
type InterfaceDesc struct {
	Number int
	Class  uint8
}

// EndpointDesc is the descriptor-level view of one endpoint.
type EndpointDesc struct {
	Address   uint8
	Direction Direction
}

// EventKind distinguishes hot-plug notifications.
type EventKind int

const (
	Attach EventKind = iota
	Detach
)

func (k EventKind) String() string {
	if k == Attach {
		return "attach"
	}
	return "detach"
}

// Event is a process-wide hot-plug notification. It carries every USB
// device on the host, not just printers; filtering is the subscriber's job.
type Event struct {
	Kind   EventKind
	Device Device
}

// Subscription is a handle to a hot-plug subscription.
type Subscription interface {
	Cancel()
}

// Transport enumerates devices and delivers hot-plug events.
type Transport interface {
	// Devices returns the host's device list in native enumeration order.
	// The order is stable but otherwise unspecified.
	Devices() ([]Device, error)

	// FindByIDs resolves a device by exact vendor/product match. When more
	// than one device matches, the first in enumeration order is returned.
	// Returns ErrNotFound when none match.
	FindByIDs(vendorID, productID uint16) (Device, error)

	// Subscribe registers fn for hot-plug events. fn may be invoked from
	// the transport's own goroutine.
	Subscribe(fn func(Event)) Subscription

	Close() error
}

// Device is a handle to one physical USB device. Open is idempotent;
// descriptor access (Info, Interfaces) does not require an open handle.
type Device interface {
	Info() Info
	Interfaces() []Interface
	Open() error
	Close() error
	Reset(ctx context.Context) error
}

// Interface is one interface of a device's active configuration. Claim
// requires the device to be open; Release undoes a successful Claim.
type Interface interface {
	Desc() InterfaceDesc
	SetAltSetting(alt int) error
	IsKernelDriverActive() (bool, error)
	DetachKernelDriver() error
	Claim() error
	Release()
	Endpoints() []Endpoint
}

// Endpoint performs bulk transfers on a claimed interface. A zero timeout
// means the transfer is bounded only by ctx.
type Endpoint interface {
	Desc() EndpointDesc
	SetTimeout(d time.Duration)
	Transfer(ctx context.Context, p []byte) (int, error)
}
