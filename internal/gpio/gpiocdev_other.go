//go:build !linux

package gpio

import "errors"

// DefaultChips are tried in order until one opens.
var DefaultChips = []string{"gpiochip0", "gpiochip4"}

// CdevDriver is only available on linux.
type CdevDriver struct{}

// OpenCdev always fails off linux; use the memory driver instead.
func OpenCdev(names []string, consumer string) (*CdevDriver, error) {
	return nil, errors.New("gpio: character device driver requires linux")
}

func (d *CdevDriver) Name() string { return "gpiocdev" }

func (d *CdevDriver) Request(int, Direction, string) (Line, error) {
	return nil, errors.New("gpio: character device driver requires linux")
}

func (d *CdevDriver) Close() error { return nil }
