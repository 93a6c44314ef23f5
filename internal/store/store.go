package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Download sessions
	CreateSession(url string) (*Session, error)
	GetSession(id uint32) (*Session, error)
	ListSessions() ([]*Session, error)

	// UpdateSession atomically reads, modifies, and saves a session in a single
	// transaction. Returns ErrNotFound if the session does not exist.
	UpdateSession(id uint32, fn func(s *Session) error) error

	// Command audit log, oldest first.
	AppendAudit(rec *AuditRecord) error
	ListAudit(limit int) ([]*AuditRecord, error)

	// Close the store
	Close() error
}
