package devlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"servis-go/internal/protocol"
)

const (
	maxNameLen = 30
	maxUnitLen = 10
)

// GPIO directions as carried in a GPIO_COMMAND payload.
const (
	GPIOInput  uint8 = 0
	GPIOOutput uint8 = 1
)

// GPIOCommand is the payload of MsgGPIOCommand.
type GPIOCommand struct {
	Pin       uint8
	Direction uint8
	Value     bool
}

// SensorTelemetry is the payload of MsgSensorTelemetry.
type SensorTelemetry struct {
	SensorID   uint8
	SensorType uint8
	Value      float32
	Unit       string
}

// HandshakeRequest is the payload of MsgHandshakeRequest.
type HandshakeRequest struct {
	Device          Identity
	ProtocolVersion uint8
}

// MarshalHandshakeRequest encodes a handshake request. The name is
// truncated to 30 bytes.
func MarshalHandshakeRequest(id Identity) []byte {
	name := truncate(id.Name, maxNameLen)
	var b bytes.Buffer
	b.WriteByte(byte(id.Type))
	b.WriteByte(ProtocolVersion)
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(id.Version)
	b.WriteByte(0)
	return b.Bytes()
}

// ParseHandshakeRequest decodes a handshake request payload.
func ParseHandshakeRequest(p []byte) (HandshakeRequest, error) {
	if len(p) < 3 {
		return HandshakeRequest{}, fmt.Errorf("devlink: handshake request %d bytes: %w", len(p), protocol.ErrInvalidMessage)
	}
	req := HandshakeRequest{
		Device:          Identity{Type: DeviceType(p[0])},
		ProtocolVersion: p[1],
	}
	name, rest, ok := cutNUL(p[2:])
	if !ok {
		return HandshakeRequest{}, fmt.Errorf("devlink: handshake name not terminated: %w", protocol.ErrInvalidMessage)
	}
	req.Device.Name = name
	// Older firmware omits the version string.
	if version, _, ok := cutNUL(rest); ok {
		req.Device.Version = version
	} else {
		req.Device.Version = string(rest)
	}
	return req, nil
}

// MarshalHandshakeResponse encodes {success, reserved}.
func MarshalHandshakeResponse(ok bool) []byte {
	if ok {
		return []byte{1, 0}
	}
	return []byte{0, 0}
}

// MarshalGPIOCommand encodes {pin, direction, value}.
func MarshalGPIOCommand(c GPIOCommand) []byte {
	v := byte(0)
	if c.Value {
		v = 1
	}
	return []byte{c.Pin, c.Direction, v}
}

// ParseGPIOCommand decodes a GPIO_COMMAND payload.
func ParseGPIOCommand(p []byte) (GPIOCommand, error) {
	if len(p) != 3 {
		return GPIOCommand{}, fmt.Errorf("devlink: gpio command %d bytes: %w", len(p), protocol.ErrInvalidMessage)
	}
	return GPIOCommand{Pin: p[0], Direction: p[1], Value: p[2] != 0}, nil
}

// MarshalSensorTelemetry encodes {id, type, float32 LE, unit NUL}. The unit is
// truncated to 10 bytes.
func MarshalSensorTelemetry(s SensorTelemetry) []byte {
	unit := truncate(s.Unit, maxUnitLen)
	p := make([]byte, 6, 6+len(unit)+1)
	p[0] = s.SensorID
	p[1] = s.SensorType
	binary.LittleEndian.PutUint32(p[2:6], math.Float32bits(s.Value))
	p = append(p, unit...)
	return append(p, 0)
}

// ParseSensorTelemetry decodes a SENSOR_TELEMETRY payload.
func ParseSensorTelemetry(p []byte) (SensorTelemetry, error) {
	if len(p) < 6 {
		return SensorTelemetry{}, fmt.Errorf("devlink: telemetry %d bytes: %w", len(p), protocol.ErrInvalidMessage)
	}
	s := SensorTelemetry{
		SensorID:   p[0],
		SensorType: p[1],
		Value:      math.Float32frombits(binary.LittleEndian.Uint32(p[2:6])),
	}
	if unit, _, ok := cutNUL(p[6:]); ok {
		s.Unit = unit
	} else {
		s.Unit = string(p[6:])
	}
	return s, nil
}

// ErrorCodeFor maps a decode error onto its wire error code.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrCodeNone
	case errors.Is(err, protocol.ErrCRCMismatch):
		return ErrCodeCRCMismatch
	case errors.Is(err, protocol.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, protocol.ErrBufferOverflow):
		return ErrCodeBufferOverflow
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		return ErrCodeUnsupportedCommand
	default:
		return ErrCodeInvalidMessage
	}
}

func cutNUL(p []byte) (string, []byte, bool) {
	i := bytes.IndexByte(p, 0)
	if i < 0 {
		return "", p, false
	}
	return string(p[:i]), p[i+1:], true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
