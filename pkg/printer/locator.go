package printer

import (
	"fmt"

	"github.com/seagrayinc/usbprint/pkg/usb"
)

// FindCandidates returns every enumerated device that declares at least one
// printer-class interface, in the transport's native enumeration order.
//
// This is a best-effort discovery pass: devices whose descriptors cannot be
// read are skipped, not reported. A partial enumeration result is used as-is.
// Callers that need one specific device should match vendor/product
// identifiers instead of relying on the ordering.
func FindCandidates(t usb.Transport) ([]usb.Device, error) {
	devs, err := t.Devices()
	if len(devs) == 0 && err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var out []usb.Device
	for _, d := range devs {
		if hasPrinterInterface(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func hasPrinterInterface(d usb.Device) bool {
	for _, ifc := range d.Interfaces() {
		if ifc.Desc().Class == usb.ClassPrinter {
			return true
		}
	}
	return false
}
