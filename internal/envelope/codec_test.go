package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"servis-go/internal/protocol"
)

func TestUnionRoundTrip(t *testing.T) {
	tests := []Body{
		DownloadRequest{URL: "https://example.com/a.iso"},
		DownloadStatusRequest{SessionID: 7},
		DownloadAbortRequest{SessionID: 9},
		ShutdownRequest{},
		CommandRequest{ID: "c-1", Text: "turn on gpio pin 17", SessionID: 3, Context: map[string]string{"interface": "text"}},
		DownloadResponse{SessionID: 12},
		DownloadStatusResponse{SessionID: 12, Status: "downloading"},
		ErrorResponse{Error: "rate limited"},
	}
	for _, body := range tests {
		t.Run(body.Type().String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, New(body)); err != nil {
				t.Fatal(err)
			}
			env, err := Read(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if env.Type != body.Type() {
				t.Errorf("type = %s, want %s", env.Type, body.Type())
			}
			if !reflect.DeepEqual(env.Body, body) {
				t.Errorf("body = %#v, want %#v", env.Body, body)
			}
		})
	}
}

func TestLegacyBareBuffers(t *testing.T) {
	tests := []struct {
		body Body
		want Type
	}{
		{DownloadRequest{URL: "http://host/file"}, TypeDownload},
		{DownloadStatusRequest{SessionID: 4}, TypeStatus},
		{DownloadAbortRequest{SessionID: 4}, TypeAbort},
		{ShutdownRequest{}, TypeShutdown},
		{CommandRequest{Text: "play jazz"}, TypeCommand},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			data, err := MarshalLegacy(tt.body)
			if err != nil {
				t.Fatal(err)
			}
			env, err := Unmarshal(data)
			if err != nil {
				t.Fatal(err)
			}
			if env.Type != tt.want {
				t.Errorf("type = %s, want %s", env.Type, tt.want)
			}
		})
	}
}

func TestUnsetDiscriminatorFallsBackToLegacy(t *testing.T) {
	inner, err := MarshalLegacy(DownloadRequest{URL: "http://host/file"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := msgpack.Marshal(&unionFrame{Type: TypeUnknown, Body: inner})
	if err != nil {
		t.Fatal(err)
	}

	env, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeDownload {
		t.Fatalf("type = %s, want Download", env.Type)
	}
	if got := env.Body.(DownloadRequest).URL; got != "http://host/file" {
		t.Errorf("url = %q", got)
	}
}

func TestUnrecognisedTagFallsBackToLegacy(t *testing.T) {
	inner, _ := MarshalLegacy(DownloadStatusRequest{SessionID: 5})
	data, _ := msgpack.Marshal(&unionFrame{Type: Type(200), Body: inner})

	env, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeStatus {
		t.Errorf("type = %s, want Status", env.Type)
	}
}

func TestUnknownBodyFailsClosed(t *testing.T) {
	tests := map[string]any{
		"foreign map":       map[string]any{"colour": "blue"},
		"mixed keys":        map[string]any{"url": "http://x", "session_id": 3},
		"empty url":         map[string]any{"url": ""},
		"zero session":      map[string]any{"session_id": 0},
		"not a map":         42,
		"tag body mismatch": &unionFrame{Type: TypeDownload, Body: mustMarshal(t, map[string]any{"error": "x"})},
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			data := mustMarshal(t, v)
			env, err := Unmarshal(data)
			if !errors.Is(err, protocol.ErrUnsupportedCommand) {
				t.Fatalf("err = %v, want ErrUnsupportedCommand", err)
			}
			if env.Type != TypeUnknown || env.Body != nil {
				t.Errorf("partial message surfaced: %+v", env)
			}
		})
	}
}

func TestNonMapBodiesFailClosed(t *testing.T) {
	tests := map[string][]byte{
		"nil":         {0xc0},
		"empty":       {},
		"true":        {0xc3},
		"empty array": {0x90},

		"shutdown tag with nil body": mustMarshal(t, map[string]any{"type": uint8(TypeShutdown), "body": nil}),
		"shutdown tag without body":  mustMarshal(t, map[string]any{"type": uint8(TypeShutdown)}),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			env, err := Unmarshal(data)
			if !errors.Is(err, protocol.ErrUnsupportedCommand) {
				t.Fatalf("err = %v, want ErrUnsupportedCommand", err)
			}
			if env.Type != TypeUnknown {
				t.Errorf("type = %s, want Unknown", env.Type)
			}
		})
	}
}

func TestEmptyCommandStillDecodes(t *testing.T) {
	data, err := Marshal(New(CommandRequest{}))
	if err != nil {
		t.Fatal(err)
	}
	env, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeCommand {
		t.Errorf("type = %s, want Command", env.Type)
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	data, _ := MarshalLegacy(DownloadRequest{URL: "http://x"})
	data = append(data, 0xC0)
	if _, err := Unmarshal(data); !errors.Is(err, protocol.ErrUnsupportedCommand) {
		t.Fatalf("err = %v, want ErrUnsupportedCommand", err)
	}
}

func TestReadFrameOversizeKeepsStreamAligned(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxBodySize+1)
	buf.Write(hdr[:])
	buf.Write(make([]byte, MaxBodySize+1))
	if err := Write(&buf, New(ShutdownRequest{})); err != nil {
		t.Fatal(err)
	}

	if _, err := Read(&buf); !errors.Is(err, protocol.ErrBufferOverflow) {
		t.Fatalf("first read err = %v, want ErrBufferOverflow", err)
	}
	env, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeShutdown {
		t.Errorf("second frame type = %s, want Shutdown", env.Type)
	}
}

func TestMarshalRejectsMismatchedType(t *testing.T) {
	if _, err := Marshal(Envelope{Type: TypeAbort, Body: DownloadRequest{URL: "x"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFrameHeaderIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 3, 1, 2, 3}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %X, want %X", buf.Bytes(), want)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
