package devlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"servis-go/internal/protocol"
)

// --- CRC16-CCITT (poly=0x1021, init=0xFFFF, MSB-first, no xorout) ---

var crc16Table [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 computes the CRC16-CCITT checksum of data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// PortReader is the read side of a serial port: an io.Reader whose Read
// returns (0, nil) once the configured read timeout expires.
type PortReader interface {
	io.Reader
	SetReadTimeout(t time.Duration) error
}

// Encode builds a complete frame for one message.
func Encode(t MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("devlink: payload %d bytes exceeds %d: %w", len(payload), MaxPayload, protocol.ErrBufferOverflow)
	}
	bodyLen := 1 + len(payload)

	// start(1) + len(2) + body + crc(2) + end(1)
	frame := make([]byte, 3+bodyLen+3)
	frame[0] = StartByte
	binary.BigEndian.PutUint16(frame[1:3], uint16(bodyLen))
	frame[3] = byte(t)
	copy(frame[4:], payload)
	binary.BigEndian.PutUint16(frame[3+bodyLen:], CRC16(frame[3:3+bodyLen]))
	frame[len(frame)-1] = EndByte
	return frame, nil
}

// Decode reads one frame from r. Bytes before the start delimiter are
// skipped. The start byte, length, body and CRC must all arrive within
// timeout; the end delimiter gets a further EndByteGrace.
func Decode(r PortReader, timeout time.Duration) (Message, error) {
	dr := &deadlineReader{r: r, deadline: time.Now().Add(timeout)}

	for {
		b, err := dr.readByte()
		if err != nil {
			return Message{}, fmt.Errorf("devlink: waiting for start byte: %w", err)
		}
		if b == StartByte {
			break
		}
	}

	var hdr [2]byte
	if err := dr.readFull(hdr[:]); err != nil {
		return Message{}, fmt.Errorf("devlink: reading length: %w", err)
	}
	bodyLen := int(binary.BigEndian.Uint16(hdr[:]))
	if bodyLen > MaxPayload+1 {
		return Message{}, fmt.Errorf("devlink: declared length %d: %w", bodyLen, protocol.ErrBufferOverflow)
	}
	if bodyLen == 0 {
		return Message{}, fmt.Errorf("devlink: empty body: %w", protocol.ErrInvalidMessage)
	}

	body := make([]byte, bodyLen)
	if err := dr.readFull(body); err != nil {
		return Message{}, fmt.Errorf("devlink: reading %d body bytes: %w", bodyLen, err)
	}

	var crcBuf [2]byte
	if err := dr.readFull(crcBuf[:]); err != nil {
		return Message{}, fmt.Errorf("devlink: reading crc: %w", err)
	}
	if got, want := binary.BigEndian.Uint16(crcBuf[:]), CRC16(body); got != want {
		return Message{}, fmt.Errorf("devlink: crc 0x%04X, want 0x%04X: %w", got, want, protocol.ErrCRCMismatch)
	}

	dr.deadline = time.Now().Add(EndByteGrace)
	end, err := dr.readByte()
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return Message{}, fmt.Errorf("devlink: end byte missing: %w", protocol.ErrInvalidMessage)
		}
		return Message{}, fmt.Errorf("devlink: reading end byte: %w", err)
	}
	if end != EndByte {
		return Message{}, fmt.Errorf("devlink: end byte 0x%02X: %w", end, protocol.ErrInvalidMessage)
	}

	msg := Message{Type: MessageType(body[0])}
	if bodyLen > 1 {
		msg.Payload = body[1:]
	}
	return msg, nil
}

// deadlineReader bounds every read on a PortReader by a shared deadline.
type deadlineReader struct {
	r        PortReader
	deadline time.Time
	one      [1]byte
}

func (d *deadlineReader) readByte() (byte, error) {
	if err := d.readFull(d.one[:]); err != nil {
		return 0, err
	}
	return d.one[0], nil
}

func (d *deadlineReader) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		remain := time.Until(d.deadline)
		if remain <= 0 {
			return protocol.ErrTimeout
		}
		if err := d.r.SetReadTimeout(remain); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}
		n, err := d.r.Read(buf[got:])
		got += n
		if err != nil {
			if got == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}
