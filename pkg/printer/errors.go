package printer

import "errors"

var (
	// ErrNoDeviceBound is returned by Open and Reset when the session has
	// no device, either because none was found at construction or because
	// the bound device has since detached.
	ErrNoDeviceBound = errors.New("printer: no device bound")

	// ErrBusy is returned while a reset or close is in progress.
	ErrBusy = errors.New("printer: session busy")

	// ErrEndpointPairNotFound is returned by Open when no interface offers
	// both an OUT and an IN endpoint.
	ErrEndpointPairNotFound = errors.New("printer: no interface with an out/in endpoint pair")

	// ErrReadInProgress is returned by Read while another read is
	// outstanding.
	ErrReadInProgress = errors.New("printer: read already in progress")

	// ErrNotReady is returned by Write before a successful Open has bound
	// an OUT endpoint.
	ErrNotReady = errors.New("printer: no out endpoint bound")

	// ErrDeviceNotFound is returned by NewSession when explicit vendor and
	// product identifiers match no device.
	ErrDeviceNotFound = errors.New("printer: device not found")

	// ErrSessionDestroyed is returned by every operation after Destroy.
	ErrSessionDestroyed = errors.New("printer: session destroyed")
)
