package gpio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// DefaultChips are tried in order until one opens.
var DefaultChips = []string{"gpiochip0", "gpiochip4"}

// CdevDriver claims lines through the GPIO character device.
type CdevDriver struct {
	chip *gpiocdev.Chip
}

// OpenCdev opens the first chip in names that exists. Pin numbers are line
// offsets on that chip.
func OpenCdev(names []string, consumer string) (*CdevDriver, error) {
	if len(names) == 0 {
		names = DefaultChips
	}
	var errs []error
	for _, name := range names {
		chip, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(consumer))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return &CdevDriver{chip: chip}, nil
	}
	return nil, fmt.Errorf("gpio: open chip (%s): %w", strings.Join(names, ", "), errors.Join(errs...))
}

func (d *CdevDriver) Name() string { return "gpiocdev:" + d.chip.Name }

func (d *CdevDriver) Request(pin int, dir Direction, consumer string) (Line, error) {
	if pin >= d.chip.Lines() {
		return nil, fmt.Errorf("pin %d beyond chip %s (%d lines): %w", pin, d.chip.Name, d.chip.Lines(), ErrInvalidPin)
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(consumer)}
	if dir == Output {
		opts = append(opts, gpiocdev.AsOutput(0))
	} else {
		opts = append(opts, gpiocdev.AsInput)
	}
	l, err := d.chip.RequestLine(pin, opts...)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *CdevDriver) Close() error {
	return d.chip.Close()
}
