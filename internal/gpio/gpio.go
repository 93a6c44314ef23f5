// Package gpio turns GPIO lines into a lock-serialized, claim-tracked
// resource. Lines are obtained from a Driver; the Manager guarantees at most
// one live claim per pin.
package gpio

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"servis-go/internal/events"
	"servis-go/internal/metrics"
	"servis-go/internal/protocol"
)

// Valid pin range.
const (
	MinPin = 0
	MaxPin = 40
)

// DefaultConsumer labels line requests made by this process.
const DefaultConsumer = "hardware-control-server"

var (
	ErrInvalidPin       = errors.New("invalid pin")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrBusy             = errors.New("line busy")
)

// Direction of a claimed line.
type Direction int

const (
	Unset Direction = iota
	Input
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return "unset"
}

// ParseDirection accepts "input" and "output".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "input":
		return Input, true
	case "output":
		return Output, true
	}
	return Unset, false
}

// ValidPin reports whether pin is inside the supported range.
func ValidPin(pin int) bool { return pin >= MinPin && pin <= MaxPin }

// Line is one claimed OS line handle.
type Line interface {
	Value() (int, error)
	SetValue(v int) error
	Close() error
}

// Driver hands out line claims.
type Driver interface {
	Name() string
	Request(pin int, dir Direction, consumer string) (Line, error)
	Close() error
}

type line struct {
	pin     int
	dir     Direction
	handle  Line
	owner   string
	claimed time.Time
}

// PinState is one entry of a status report.
type PinState struct {
	Pin      int    `json:"pin"`
	IsOutput bool   `json:"is_output"`
	Value    *int   `json:"value,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// Status is the snapshot published on the status topic.
type Status struct {
	ActivePins int        `json:"active_pins"`
	Pins       []PinState `json:"pins"`
}

// Option configures a Manager.
type Option func(*Manager)

func WithConsumer(name string) Option { return func(m *Manager) { m.consumer = name } }

func WithEvents(bus *events.Bus) Option { return func(m *Manager) { m.bus = bus } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// Manager owns the pin map. Every operation holds mu for its whole
// duration; events are emitted after it is released.
type Manager struct {
	mu     sync.Mutex
	lines  map[int]*line
	driver Driver
	closed bool

	consumer string
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewManager creates a manager over d.
func NewManager(d Driver, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		lines:    make(map[int]*line),
		driver:   d,
		consumer: DefaultConsumer,
		logger:   logger.With("component", "gpio", "driver", d.Name()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure claims pin with dir. Any previous claim on the pin is released
// first, under the same lock, so two claims never coexist.
func (m *Manager) Configure(pin int, dir Direction, owner string) error {
	if !ValidPin(pin) {
		return fmt.Errorf("gpio: pin %d: %w", pin, ErrInvalidPin)
	}
	if dir != Input && dir != Output {
		return fmt.Errorf("gpio: pin %d: %w", pin, ErrInvalidDirection)
	}

	m.mu.Lock()
	if old, ok := m.lines[pin]; ok {
		if err := old.handle.Close(); err != nil {
			m.logger.Warn("release line", "pin", pin, "err", err)
		}
		delete(m.lines, pin)
	}
	h, err := m.driver.Request(pin, dir, m.consumer)
	if err != nil {
		n := len(m.lines)
		m.mu.Unlock()
		m.metrics.ActivePins(n)
		return fmt.Errorf("gpio: request pin %d: %w", pin, err)
	}
	m.lines[pin] = &line{pin: pin, dir: dir, handle: h, owner: owner, claimed: time.Now()}
	n := len(m.lines)
	m.mu.Unlock()

	m.metrics.ActivePins(n)
	m.logger.Info("pin configured", "pin", pin, "direction", dir, "owner", owner)
	m.emit(pin, "configure", dir, nil)
	return nil
}

// Set drives an output pin.
func (m *Manager) Set(pin int, value bool) error {
	m.mu.Lock()
	l, ok := m.lines[pin]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("gpio: pin %d not configured: %w", pin, protocol.ErrResourceNotConfigured)
	}
	if l.dir != Output {
		m.mu.Unlock()
		return fmt.Errorf("gpio: pin %d is %s: %w", pin, l.dir, protocol.ErrResourceNotConfigured)
	}
	v := boolToInt(value)
	err := l.handle.SetValue(v)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("gpio: set pin %d: %w", pin, err)
	}
	m.emit(pin, "set", Output, &v)
	return nil
}

// Toggle inverts an output pin and returns the new level. The read and the
// write happen under one lock, so a concurrent Set cannot interleave.
func (m *Manager) Toggle(pin int) (bool, error) {
	m.mu.Lock()
	l, ok := m.lines[pin]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("gpio: pin %d not configured: %w", pin, protocol.ErrResourceNotConfigured)
	}
	if l.dir != Output {
		m.mu.Unlock()
		return false, fmt.Errorf("gpio: pin %d is %s: %w", pin, l.dir, protocol.ErrResourceNotConfigured)
	}
	cur, err := l.handle.Value()
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("gpio: read pin %d: %w", pin, err)
	}
	v := boolToInt(cur == 0)
	err = l.handle.SetValue(v)
	m.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("gpio: set pin %d: %w", pin, err)
	}
	m.emit(pin, "set", Output, &v)
	return v != 0, nil
}

// Get reads a configured pin of either direction.
func (m *Manager) Get(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[pin]
	if !ok {
		return false, fmt.Errorf("gpio: pin %d not configured: %w", pin, protocol.ErrResourceNotConfigured)
	}
	v, err := l.handle.Value()
	if err != nil {
		return false, fmt.Errorf("gpio: read pin %d: %w", pin, err)
	}
	return v != 0, nil
}

// Direction returns the pin's configured direction, Unset if unclaimed.
func (m *Manager) Direction(pin int) Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lines[pin]; ok {
		return l.dir
	}
	return Unset
}

// Release drops the claim on pin. It reports whether one existed.
func (m *Manager) Release(pin int) bool {
	m.mu.Lock()
	l, ok := m.lines[pin]
	if ok {
		if err := l.handle.Close(); err != nil {
			m.logger.Warn("release line", "pin", pin, "err", err)
		}
		delete(m.lines, pin)
	}
	n := len(m.lines)
	m.mu.Unlock()

	if ok {
		m.metrics.ActivePins(n)
		m.emit(pin, "release", Unset, nil)
	}
	return ok
}

// Status snapshots every claimed pin with its current value when readable.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{ActivePins: len(m.lines), Pins: make([]PinState, 0, len(m.lines))}
	for _, l := range m.lines {
		ps := PinState{Pin: l.pin, IsOutput: l.dir == Output, Owner: l.owner}
		if v, err := l.handle.Value(); err == nil {
			v = boolToInt(v != 0)
			ps.Value = &v
		}
		st.Pins = append(st.Pins, ps)
	}
	sort.Slice(st.Pins, func(i, j int) bool { return st.Pins[i].Pin < st.Pins[j].Pin })
	return st
}

// Close releases every line and then the driver. Later calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for pin, l := range m.lines {
		if err := l.handle.Close(); err != nil {
			m.logger.Warn("release line", "pin", pin, "err", err)
		}
	}
	m.lines = make(map[int]*line)
	m.mu.Unlock()

	m.metrics.ActivePins(0)
	return m.driver.Close()
}

func (m *Manager) emit(pin int, op string, dir Direction, value *int) {
	data := map[string]any{"pin": pin, "op": op, "direction": dir.String()}
	if value != nil {
		data["value"] = *value
	}
	m.bus.Emit(events.Event{Type: events.GPIOChanged, Data: data})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
