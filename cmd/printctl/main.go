package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/umputun/go-flags"

	"github.com/seagrayinc/usbprint/internal/rawusb"
	"github.com/seagrayinc/usbprint/pkg/printer"
	"github.com/seagrayinc/usbprint/pkg/usb/libusb"
)

var opts struct {
	VID   string `long:"vid" env:"PRINTCTL_VID" description:"vendor id, hex (e.g. 04b8)"`
	PID   string `long:"pid" env:"PRINTCTL_PID" description:"product id, hex"`
	Debug bool   `long:"debug" env:"PRINTCTL_DEBUG" description:"debug logging"`

	List   listCmd   `command:"list" description:"list printer-class devices"`
	Print  printCmd  `command:"print" description:"send a file (or stdin) to the printer"`
	Status statusCmd `command:"status" description:"read printer status bytes"`
	Reset  resetCmd  `command:"reset" description:"reset the printer device"`
	Watch  watchCmd  `command:"watch" description:"stream session events until interrupted"`
}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(cmd flags.Commander, args []string) error {
		level := slog.LevelInfo
		if opts.Debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return cmd.Execute(args)
	}
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func ids() (vid, pid uint16, err error) {
	vid, err = parseID(opts.VID)
	if err != nil {
		return 0, 0, fmt.Errorf("bad --vid %q: %w", opts.VID, err)
	}
	pid, err = parseID(opts.PID)
	if err != nil {
		return 0, 0, fmt.Errorf("bad --pid %q: %w", opts.PID, err)
	}
	return vid, pid, nil
}

func parseID(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// newSession builds a transport plus session from the global --vid/--pid
// flags. The returned cleanup destroys both.
func newSession() (*printer.Session, func(), error) {
	vid, pid, err := ids()
	if err != nil {
		return nil, nil, err
	}
	t := libusb.New(libusb.Config{VendorID: vid, ProductID: pid})
	var sopts []printer.Option
	if vid != 0 && pid != 0 {
		sopts = append(sopts, printer.WithIDs(vid, pid))
	}
	s, err := printer.NewSession(t, sopts...)
	if err != nil {
		_ = t.Close()
		return nil, nil, err
	}
	cleanup := func() {
		s.Destroy()
		_ = t.Close()
	}
	return s, cleanup, nil
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
}

type listCmd struct {
	All bool `long:"all" description:"also list every raw-enumerated device, not just printers"`
}

func (c *listCmd) Execute(_ []string) error {
	t := libusb.New(libusb.Config{})
	defer t.Close()

	candidates, err := printer.FindCandidates(t)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("no printer-class devices found")
	}
	for _, d := range candidates {
		info := d.Info()
		fmt.Printf("%-8s %04x:%04x\n", info.Path, info.VendorID, info.ProductID)
	}

	if !c.All {
		return nil
	}
	raw, err := rawusb.List()
	if err != nil {
		return fmt.Errorf("raw listing: %w", err)
	}
	fmt.Printf("\nall devices (raw backend):\n")
	for _, d := range raw {
		fmt.Println("  " + d.String())
	}
	return nil
}

type printCmd struct {
	Args struct {
		File string `positional-arg-name:"file" description:"payload file; stdin when omitted"`
	} `positional-args:"yes"`
}

func (c *printCmd) Execute(_ []string) error {
	var payload []byte
	var err error
	if c.Args.File == "" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(c.Args.File)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	s, cleanup, err := newSession()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := interruptContext()
	defer stop()

	if err := s.Open(ctx); err != nil {
		return err
	}
	if err := s.Write(ctx, payload); err != nil {
		return err
	}
	fmt.Printf("sent %d bytes\n", len(payload))
	return s.Close()
}

type statusCmd struct{}

func (c *statusCmd) Execute(_ []string) error {
	s, cleanup, err := newSession()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := interruptContext()
	defer stop()

	if err := s.Open(ctx); err != nil {
		return err
	}
	status, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if len(status) == 0 {
		fmt.Println("no status bytes")
	} else {
		fmt.Printf("status: %s\n", hex.EncodeToString(status))
	}
	return s.Close()
}

type resetCmd struct{}

func (c *resetCmd) Execute(_ []string) error {
	s, cleanup, err := newSession()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := interruptContext()
	defer stop()

	if err := s.Open(ctx); err != nil {
		return err
	}
	if err := s.Reset(ctx); err != nil {
		return err
	}
	fmt.Println("device reset; session closed")
	return nil
}

type watchCmd struct{}

func (c *watchCmd) Execute(_ []string) error {
	s, cleanup, err := newSession()
	if err != nil {
		return err
	}
	defer cleanup()

	cancel := s.Notify(func(ev printer.Event) {
		switch ev.Kind {
		case printer.EventData:
			fmt.Printf("event: data (%d bytes)\n", len(ev.Data))
		case printer.EventError:
			fmt.Printf("event: error: %v\n", ev.Err)
		default:
			fmt.Printf("event: %s\n", ev.Kind)
		}
	})
	defer cancel()

	ctx, stop := interruptContext()
	defer stop()

	if err := s.Open(ctx); err != nil {
		fmt.Printf("open: %v (watching for attach)\n", err)
	}
	<-ctx.Done()
	return nil
}
