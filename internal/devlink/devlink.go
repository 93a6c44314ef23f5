// Package devlink implements the serial device profile used between the host
// and microcontroller boards: a start/end delimited frame with a 16-bit length
// and CRC16-CCITT, a two-message handshake, and typed payload helpers.
package devlink

import (
	"fmt"
	"strings"
	"time"
)

// Frame delimiters and limits.
const (
	StartByte = 0xAA
	EndByte   = 0x55

	// MaxPayload is the largest payload (excluding the type byte) a frame may carry.
	MaxPayload = 256

	ProtocolVersion = 1
)

// Timing.
const (
	DefaultTimeout           = 1000 * time.Millisecond
	HandshakeResponseTimeout = 2000 * time.Millisecond
	HandshakeWaitTimeout     = 5000 * time.Millisecond
	EndByteGrace             = 100 * time.Millisecond
	handshakePollInterval    = 100 * time.Millisecond
)

// MessageType identifies the payload carried by a frame.
type MessageType uint8

const (
	MsgGPIOCommand MessageType = iota
	MsgSensorTelemetry
	MsgSystemStatus
	MsgCommandAck
	MsgDeviceInfo
	MsgLEDState
	MsgVehicleTelemetry
	MsgHandshakeRequest
	MsgHandshakeResponse
	MsgError
)

var messageTypeNames = [...]string{
	"GPIO_COMMAND",
	"SENSOR_TELEMETRY",
	"SYSTEM_STATUS",
	"COMMAND_ACK",
	"DEVICE_INFO",
	"LED_STATE",
	"VEHICLE_TELEMETRY",
	"HANDSHAKE_REQUEST",
	"HANDSHAKE_RESPONSE",
	"ERROR",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	return int(t) < len(messageTypeNames)
}

// DeviceType identifies the board family on the far end of a link.
type DeviceType uint8

const (
	DeviceUno DeviceType = iota
	DeviceMega
	DeviceESP32
	DeviceESP8266
	DevicePico
)

var deviceTypeNames = [...]string{"UNO", "MEGA", "ESP32", "ESP8266", "PICO"}

func (d DeviceType) String() string {
	if int(d) < len(deviceTypeNames) {
		return deviceTypeNames[d]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(d))
}

// ParseDeviceType maps a board name such as "esp32" to its DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	for i, n := range deviceTypeNames {
		if strings.EqualFold(n, s) {
			return DeviceType(i), nil
		}
	}
	return 0, fmt.Errorf("devlink: unknown device type %q", s)
}

// ErrorCode is the on-wire error code carried by MsgError frames and
// recorded as a link's last error.
type ErrorCode uint8

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeCRCMismatch
	ErrCodeInvalidMessage
	ErrCodeTimeout
	ErrCodeBufferOverflow
	ErrCodeUnsupportedCommand
)

var errorCodeNames = [...]string{
	"NONE", "CRC_MISMATCH", "INVALID_MESSAGE", "TIMEOUT", "BUFFER_OVERFLOW", "UNSUPPORTED_COMMAND",
}

func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}

// Message is one decoded frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Identity describes one end of a link.
type Identity struct {
	Type    DeviceType `json:"type"`
	Name    string     `json:"name"`
	Version string     `json:"version"`
}

// HandshakeState is the per-link negotiation record.
// Completion is advisory: decode never checks it.
type HandshakeState struct {
	Complete     bool
	LastActivity time.Time
	Local        Identity
	Peer         Identity
}
