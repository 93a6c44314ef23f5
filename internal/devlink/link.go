package devlink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"servis-go/internal/protocol"
)

// Port is the subset of serial.Port the link needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Link is one framed serial connection to a device.
type Link struct {
	port     Port
	portName string
	logger   *slog.Logger

	readMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex // guards state, lastErr
	state   HandshakeState
	lastErr ErrorCode
}

// Open opens a serial port and wraps it in a Link.
func Open(portName string, baud int, local Identity, logger *slog.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("devlink: open %s: %w", portName, err)
	}
	l := NewLink(port, local, logger)
	l.portName = portName
	return l, nil
}

// NewLink wraps an already open port.
func NewLink(port Port, local Identity, logger *slog.Logger) *Link {
	return &Link{
		port:   port,
		logger: logger.With("component", "devlink"),
		state:  HandshakeState{Local: local},
	}
}

// Send frames and writes one message.
func (l *Link) Send(t MessageType, payload []byte) error {
	frame, err := Encode(t, payload)
	if err != nil {
		l.setLastError(err)
		return err
	}
	l.writeMu.Lock()
	_, err = l.port.Write(frame)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("devlink: write %s: %w", t, err)
	}
	l.touch()
	l.logger.Debug("frame sent", "type", t, "len", len(payload))
	return nil
}

// Receive decodes the next message, waiting at most timeout.
func (l *Link) Receive(timeout time.Duration) (Message, error) {
	l.readMu.Lock()
	msg, err := Decode(l.port, timeout)
	l.readMu.Unlock()
	if err != nil {
		l.setLastError(err)
		return Message{}, err
	}
	l.touch()
	return msg, nil
}

// PerformHandshake announces the local identity and waits for the peer's
// HandshakeResponse. Unrelated messages that arrive meanwhile are skipped.
func (l *Link) PerformHandshake(ctx context.Context) error {
	l.mu.Lock()
	l.state.Complete = false
	local := l.state.Local
	l.mu.Unlock()

	if err := l.Send(MsgHandshakeRequest, MarshalHandshakeRequest(local)); err != nil {
		return fmt.Errorf("devlink: handshake request: %w", err)
	}

	deadline := time.Now().Add(HandshakeResponseTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return fmt.Errorf("devlink: handshake response: %w", protocol.ErrTimeout)
		}
		msg, err := l.Receive(min(remain, handshakePollInterval))
		if err != nil {
			if protocol.IsRetryable(err) || protocol.IsDropped(err) {
				continue
			}
			return err
		}
		if msg.Type != MsgHandshakeResponse {
			l.logger.Debug("skipping message during handshake", "type", msg.Type)
			continue
		}
		if len(msg.Payload) < 1 || msg.Payload[0] != 1 {
			return fmt.Errorf("devlink: handshake rejected by peer")
		}
		l.mu.Lock()
		l.state.Complete = true
		l.mu.Unlock()
		l.logger.Info("handshake complete", "port", l.portName)
		return nil
	}
}

// WaitForHandshake listens for an inbound HandshakeRequest for up to
// timeout, answers it and records the peer identity. Expiry returns an
// error wrapping protocol.ErrTimeout; the caller may retry.
func (l *Link) WaitForHandshake(ctx context.Context, timeout time.Duration) (Identity, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return Identity{}, err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return Identity{}, fmt.Errorf("devlink: waiting for handshake: %w", protocol.ErrTimeout)
		}
		msg, err := l.Receive(min(remain, handshakePollInterval))
		if err != nil {
			if protocol.IsRetryable(err) || protocol.IsDropped(err) {
				continue
			}
			return Identity{}, err
		}
		if msg.Type != MsgHandshakeRequest {
			continue
		}
		return l.AcceptHandshake(msg)
	}
}

// AcceptHandshake answers a received HandshakeRequest. A peer speaking a
// different protocol version is refused.
func (l *Link) AcceptHandshake(msg Message) (Identity, error) {
	req, err := ParseHandshakeRequest(msg.Payload)
	if err != nil {
		_ = l.Send(MsgHandshakeResponse, MarshalHandshakeResponse(false))
		return Identity{}, err
	}
	if req.ProtocolVersion != ProtocolVersion {
		_ = l.Send(MsgHandshakeResponse, MarshalHandshakeResponse(false))
		return Identity{}, fmt.Errorf("devlink: peer protocol version %d, want %d: %w",
			req.ProtocolVersion, ProtocolVersion, protocol.ErrInvalidMessage)
	}
	if err := l.Send(MsgHandshakeResponse, MarshalHandshakeResponse(true)); err != nil {
		return Identity{}, err
	}
	l.mu.Lock()
	l.state.Complete = true
	l.state.Peer = req.Device
	l.mu.Unlock()
	l.logger.Info("handshake accepted", "device", req.Device.Type, "name", req.Device.Name, "version", req.Device.Version)
	return req.Device, nil
}

// SendGPIOCommand asks the device to drive or sample one of its pins.
func (l *Link) SendGPIOCommand(pin, direction uint8, value bool) error {
	return l.Send(MsgGPIOCommand, MarshalGPIOCommand(GPIOCommand{Pin: pin, Direction: direction, Value: value}))
}

// SendSensorTelemetry reports one sensor reading.
func (l *Link) SendSensorTelemetry(id, sensorType uint8, value float32, unit string) error {
	return l.Send(MsgSensorTelemetry, MarshalSensorTelemetry(SensorTelemetry{
		SensorID: id, SensorType: sensorType, Value: value, Unit: unit,
	}))
}

// SendError reports a protocol error code to the peer.
func (l *Link) SendError(code ErrorCode) error {
	return l.Send(MsgError, []byte{byte(code)})
}

// State returns a copy of the handshake state.
func (l *Link) State() HandshakeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// HandshakeComplete reports whether the handshake has completed.
func (l *Link) HandshakeComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Complete
}

// LastError returns the code of the most recent failure on this link.
func (l *Link) LastError() ErrorCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Close resets the handshake state and closes the port.
func (l *Link) Close() error {
	l.mu.Lock()
	l.state = HandshakeState{Local: l.state.Local}
	l.mu.Unlock()
	return l.port.Close()
}

func (l *Link) touch() {
	l.mu.Lock()
	l.state.LastActivity = time.Now()
	l.mu.Unlock()
}

func (l *Link) setLastError(err error) {
	l.mu.Lock()
	l.lastErr = ErrorCodeFor(err)
	l.mu.Unlock()
}
