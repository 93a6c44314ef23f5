package store

import "time"

// Download session states.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusAborted     = "aborted"
)

// Session is one download requested over the legacy request set.
type Session struct {
	ID        uint32    `json:"id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Path      string    `json:"path,omitempty"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the session can no longer change state.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// AuditRecord is one processed command.
type AuditRecord struct {
	Seq        uint64            `json:"seq"`
	CommandID  string            `json:"command_id"`
	Source     string            `json:"source"`
	Text       string            `json:"text"`
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Params     map[string]string `json:"params,omitempty"`
	Service    string            `json:"service,omitempty"`
	Response   string            `json:"response"`
	At         time.Time         `json:"at"`
}
