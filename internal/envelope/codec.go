package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"servis-go/internal/protocol"
)

// MaxBodySize caps a single frame body.
const MaxBodySize = 1 << 20

const headerSize = 4

type unionFrame struct {
	Type Type               `msgpack:"type"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// unionHeader is the decode side of unionFrame. A nil Type means the
// discriminator key was absent.
type unionHeader struct {
	Type *Type              `msgpack:"type"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// verifiers are tried in this order when the union path does not apply.
var verifiers = []struct {
	t      Type
	decode func([]byte) (Body, bool)
}{
	{TypeDownload, decodeAs[DownloadRequest]},
	{TypeStatus, decodeAs[DownloadStatusRequest]},
	{TypeAbort, decodeAs[DownloadAbortRequest]},
	{TypeShutdown, decodeAs[ShutdownRequest]},
	{TypeCommand, decodeAs[CommandRequest]},
	{TypeDownloadResponse, decodeAs[DownloadResponse]},
	{TypeStatusResponse, decodeAs[DownloadStatusResponse]},
	{TypeError, decodeAs[ErrorResponse]},
}

// Marshal encodes env as a union body (without the length prefix).
func Marshal(env Envelope) ([]byte, error) {
	if env.Body == nil || env.Body.Type() != env.Type {
		return nil, fmt.Errorf("envelope: type %s does not match body", env.Type)
	}
	inner, err := msgpack.Marshal(env.Body)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal %s: %w", env.Type, err)
	}
	data, err := msgpack.Marshal(&unionFrame{Type: env.Type, Body: inner})
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal union: %w", err)
	}
	return data, nil
}

// MarshalLegacy encodes a bare variant with no discriminator, as older
// senders do.
func MarshalLegacy(b Body) ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal legacy %s: %w", b.Type(), err)
	}
	return data, nil
}

// Unmarshal decodes a body. The union discriminator is tried first; if it is
// absent, unset or unrecognised, each variant verifier runs in fixed order.
// When nothing matches the result has TypeUnknown and the error wraps
// protocol.ErrUnsupportedCommand. Only msgpack maps are considered.
func Unmarshal(data []byte) (Envelope, error) {
	if !isMap(data) {
		return Envelope{Type: TypeUnknown}, fmt.Errorf("envelope: body is not a map (%d bytes): %w", len(data), protocol.ErrUnsupportedCommand)
	}
	var u unionHeader
	if strictDecode(data, &u) == nil && u.Type != nil {
		if known(*u.Type) {
			if b, ok := decodeTagged(*u.Type, u.Body); ok {
				return New(b), nil
			}
			return Envelope{Type: TypeUnknown}, fmt.Errorf("envelope: %s body failed verification: %w", *u.Type, protocol.ErrUnsupportedCommand)
		}
		if b, ok := legacy(u.Body); ok {
			return New(b), nil
		}
	}
	if b, ok := legacy(data); ok {
		return New(b), nil
	}
	return Envelope{Type: TypeUnknown}, fmt.Errorf("envelope: unrecognised body (%d bytes): %w", len(data), protocol.ErrUnsupportedCommand)
}

func known(t Type) bool {
	return t != TypeUnknown && int(t) < len(typeNames)
}

func decodeTagged(t Type, data []byte) (Body, bool) {
	for _, v := range verifiers {
		if v.t == t {
			return v.decode(data)
		}
	}
	return nil, false
}

func legacy(data []byte) (Body, bool) {
	if !isMap(data) {
		return nil, false
	}
	for _, v := range verifiers {
		if b, ok := v.decode(data); ok {
			return b, true
		}
	}
	return nil, false
}

func decodeAs[T Body](data []byte) (Body, bool) {
	if !isMap(data) {
		return nil, false
	}
	var v T
	if err := strictDecode(data, &v); err != nil {
		return nil, false
	}
	if !v.valid() {
		return nil, false
	}
	return v, true
}

// isMap reports whether data starts with a msgpack fixmap, map16 or map32
// code. Every variant is a map, so nil and scalars never match one.
func isMap(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	c := data[0]
	return (c >= 0x80 && c <= 0x8f) || c == 0xde || c == 0xdf
}

// strictDecode rejects unknown keys and trailing bytes.
func strictDecode(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}
	return nil
}

// WriteFrame writes a length-prefixed body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("envelope: body %d bytes: %w", len(body), protocol.ErrBufferOverflow)
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(body)))
	copy(buf[headerSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed body. An oversize body is drained so
// the stream stays aligned, then reported as protocol.ErrBufferOverflow.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxBodySize {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("envelope: declared length %d: %w", n, protocol.ErrBufferOverflow)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Write marshals env and writes it as one frame.
func Write(w io.Writer, env Envelope) error {
	body, err := Marshal(env)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// Read reads and decodes one frame. Decode failures are returned with the
// stream still aligned on the next frame.
func Read(r io.Reader) (Envelope, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return Unmarshal(body)
}
