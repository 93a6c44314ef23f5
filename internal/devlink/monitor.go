package devlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"servis-go/internal/events"
	"servis-go/internal/protocol"
)

// Monitor drains a Link after the handshake and turns device traffic into
// bus events. Corrupt frames are counted and skipped; the link stays open.
type Monitor struct {
	link   *Link
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	dropped uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor for link.
func NewMonitor(link *Link, bus *events.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		link:   link,
		bus:    bus,
		logger: logger.With("component", "devlink-monitor"),
		done:   make(chan struct{}),
	}
}

// Start waits for the peer handshake (if not already complete) and then
// runs the read loop until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-m.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		m.run(ctx)
	}()
}

// Stop ends the read loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Dropped returns how many frames were discarded as corrupt.
func (m *Monitor) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// wait sleeps for d and reports false if the monitor was stopped first.
func (m *Monitor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) run(ctx context.Context) {
	backoff := minBackoff
	for !m.link.HandshakeComplete() {
		peer, err := m.link.WaitForHandshake(ctx, HandshakeWaitTimeout)
		if err == nil {
			m.emitHandshake(peer)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if protocol.IsRetryable(err) {
			continue
		}
		m.logger.Warn("handshake failed", "err", err)
		if !m.wait(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}

	backoff = minBackoff
	for {
		select {
		case <-m.done:
			return
		default:
		}

		msg, err := m.link.Receive(DefaultTimeout)
		if err != nil {
			switch {
			case protocol.IsRetryable(err):
				continue
			case protocol.IsDropped(err):
				m.mu.Lock()
				m.dropped++
				m.mu.Unlock()
				m.logger.Debug("frame dropped", "err", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				m.logger.Warn("device link closed")
			} else {
				m.logger.Error("device read error", "err", err)
			}
			if !m.wait(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		m.handle(msg)
	}
}

func (m *Monitor) handle(msg Message) {
	switch msg.Type {
	case MsgHandshakeRequest:
		// Device rebooted and is renegotiating.
		peer, err := m.link.AcceptHandshake(msg)
		if err != nil {
			m.logger.Warn("re-handshake refused", "err", err)
			return
		}
		m.emitHandshake(peer)

	case MsgSensorTelemetry:
		t, err := ParseSensorTelemetry(msg.Payload)
		if err != nil {
			m.logger.Warn("bad telemetry payload", "err", err)
			return
		}
		m.bus.Emit(events.Event{Type: events.DeviceTelemetry, Data: map[string]any{
			"sensor_id":   int(t.SensorID),
			"sensor_type": int(t.SensorType),
			"value":       float64(t.Value),
			"unit":        t.Unit,
		}})

	case MsgError:
		code := ErrCodeNone
		if len(msg.Payload) > 0 {
			code = ErrorCode(msg.Payload[0])
		}
		m.bus.Emit(events.Event{Type: events.DeviceError, Data: map[string]any{
			"code": code.String(),
		}})

	default:
		if !msg.Type.Known() {
			m.logger.Warn("unsupported message type", "type", msg.Type)
			_ = m.link.SendError(ErrCodeUnsupportedCommand)
			return
		}
		m.bus.Emit(events.Event{Type: events.DeviceMessage, Data: map[string]any{
			"message_type": msg.Type.String(),
			"payload":      fmt.Sprintf("%X", msg.Payload),
		}})
	}
}

func (m *Monitor) emitHandshake(peer Identity) {
	m.bus.Emit(events.Event{Type: events.DeviceHandshake, Data: map[string]any{
		"device_type": peer.Type.String(),
		"name":        peer.Name,
		"version":     peer.Version,
	}})
}
