// Package rawusb lists USB devices through the raw OS enumeration backend.
// It sees devices the libusb descriptor walk cannot inspect (missing
// permissions, vendor drivers holding the device), which makes it the
// diagnostic of last resort when a printer does not show up as a candidate.
package rawusb

import (
	"errors"
	"fmt"

	"github.com/karalabe/usb"
)

// Info describes one raw-enumerated device.
type Info struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
}

func (i Info) String() string {
	return fmt.Sprintf("%04x:%04x %s %s (%s)", i.VendorID, i.ProductID, i.Manufacturer, i.Product, i.Path)
}

// List enumerates every USB device visible to the raw backend, regardless
// of class.
func List() ([]Info, error) {
	if !usb.Supported() {
		return nil, errors.New("raw usb enumeration not supported on this platform")
	}
	devs, err := usb.Enumerate(0, 0)
	if err != nil {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}
	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, Info{
			Path:         d.Path,
			VendorID:     d.VendorID,
			ProductID:    d.ProductID,
			Manufacturer: d.Manufacturer,
			Product:      d.Product,
		})
	}
	return out, nil
}
