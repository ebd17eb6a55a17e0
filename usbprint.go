// Package usbprint is the convenience entry point: one call wires the
// libusb transport to a printer session. Programs that need a custom
// transport, poll interval or logger should assemble the pieces from
// pkg/usb/libusb and pkg/printer directly.
package usbprint

import (
	"github.com/seagrayinc/usbprint/pkg/printer"
	"github.com/seagrayinc/usbprint/pkg/usb/libusb"
)

// Connect builds a libusb transport and a session on top of it. With both
// identifiers zero the first printer-class device is bound. The caller owns
// both: destroy the session, then close the transport.
func Connect(vendorID, productID uint16) (*printer.Session, *libusb.Transport, error) {
	t := libusb.New(libusb.Config{VendorID: vendorID, ProductID: productID})
	var opts []printer.Option
	if vendorID != 0 && productID != 0 {
		opts = append(opts, printer.WithIDs(vendorID, productID))
	}
	s, err := printer.NewSession(t, opts...)
	if err != nil {
		_ = t.Close()
		return nil, nil, err
	}
	return s, t, nil
}
