package gpio

import (
	"fmt"
	"sync"
)

// MemoryDriver simulates a chip in memory. Levels persist across claims
// the way a physical pin keeps its electrical state.
type MemoryDriver struct {
	mu      sync.Mutex
	levels  map[int]int
	claimed map[int]bool
	closed  bool
}

// NewMemoryDriver returns an empty simulated chip.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{levels: make(map[int]int), claimed: make(map[int]bool)}
}

func (d *MemoryDriver) Name() string { return "memory" }

// Request claims pin. A second claim on a held pin fails with ErrBusy.
func (d *MemoryDriver) Request(pin int, dir Direction, _ string) (Line, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("memory driver closed")
	}
	if d.claimed[pin] {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrBusy)
	}
	d.claimed[pin] = true
	if dir == Output {
		d.levels[pin] = 0
	}
	return &memoryLine{d: d, pin: pin}, nil
}

// Claimed reports whether pin currently has a live claim.
func (d *MemoryDriver) Claimed(pin int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed[pin]
}

// Drive sets the level seen on pin, as an external circuit would.
func (d *MemoryDriver) Drive(pin, v int) {
	d.mu.Lock()
	d.levels[pin] = v
	d.mu.Unlock()
}

// Level returns the simulated level of pin.
func (d *MemoryDriver) Level(pin int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[pin]
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type memoryLine struct {
	d        *MemoryDriver
	pin      int
	released bool
}

func (l *memoryLine) Value() (int, error) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if l.released {
		return 0, fmt.Errorf("pin %d released", l.pin)
	}
	return l.d.levels[l.pin], nil
}

func (l *memoryLine) SetValue(v int) error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if l.released {
		return fmt.Errorf("pin %d released", l.pin)
	}
	l.d.levels[l.pin] = v
	return nil
}

func (l *memoryLine) Close() error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if !l.released {
		l.released = true
		delete(l.d.claimed, l.pin)
	}
	return nil
}
