// Package envelope implements the host-facing socket profile: a 4-byte
// big-endian length prefix followed by a msgpack body. The body is normally
// a tagged union {"type": tag, "body": variant}; bare variant buffers from
// older senders are still recognised through per-variant verifiers.
package envelope

import "fmt"

// Type is the union discriminator. Zero means unset.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeDownload
	TypeStatus
	TypeAbort
	TypeShutdown
	TypeCommand
	TypeDownloadResponse
	TypeStatusResponse
	TypeError
)

var typeNames = [...]string{
	"Unknown", "Download", "Status", "Abort", "Shutdown", "Command",
	"DownloadResponse", "StatusResponse", "Error",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsRequest reports whether t travels client to server.
func (t Type) IsRequest() bool {
	return t >= TypeDownload && t <= TypeCommand
}

// Body is one concrete variant. The set is closed.
type Body interface {
	Type() Type
	valid() bool
}

// Envelope is one decoded message.
type Envelope struct {
	Type Type
	Body Body
}

// New wraps a variant.
func New(b Body) Envelope {
	return Envelope{Type: b.Type(), Body: b}
}

// Field keys are unique across variants so a bare buffer identifies at most
// one variant.

type DownloadRequest struct {
	URL string `msgpack:"url"`
}

type DownloadStatusRequest struct {
	SessionID uint32 `msgpack:"session_id"`
}

type DownloadAbortRequest struct {
	SessionID uint32 `msgpack:"abort_session_id"`
}

type ShutdownRequest struct{}

// CommandRequest carries free text for intent routing.
type CommandRequest struct {
	ID        string            `msgpack:"command_id,omitempty"`
	Text      string            `msgpack:"text"`
	SessionID uint32            `msgpack:"command_session,omitempty"`
	Context   map[string]string `msgpack:"context,omitempty"`
}

type DownloadResponse struct {
	SessionID uint32 `msgpack:"download_session_id"`
}

type DownloadStatusResponse struct {
	SessionID uint32 `msgpack:"status_session_id"`
	Status    string `msgpack:"status"`
}

type ErrorResponse struct {
	Error string `msgpack:"error"`
}

func (DownloadRequest) Type() Type        { return TypeDownload }
func (DownloadStatusRequest) Type() Type  { return TypeStatus }
func (DownloadAbortRequest) Type() Type   { return TypeAbort }
func (ShutdownRequest) Type() Type        { return TypeShutdown }
func (CommandRequest) Type() Type         { return TypeCommand }
func (DownloadResponse) Type() Type       { return TypeDownloadResponse }
func (DownloadStatusResponse) Type() Type { return TypeStatusResponse }
func (ErrorResponse) Type() Type          { return TypeError }

func (b DownloadRequest) valid() bool        { return b.URL != "" }
func (b DownloadStatusRequest) valid() bool  { return b.SessionID != 0 }
func (b DownloadAbortRequest) valid() bool   { return b.SessionID != 0 }
func (ShutdownRequest) valid() bool          { return true }
func (CommandRequest) valid() bool           { return true } // empty text is rejected by the server
func (b DownloadResponse) valid() bool       { return b.SessionID != 0 }
func (b DownloadStatusResponse) valid() bool { return b.Status != "" }
func (b ErrorResponse) valid() bool          { return b.Error != "" }
