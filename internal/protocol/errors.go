// Package protocol holds the error taxonomy shared by both wire profiles
// (serial device link and socket envelope) and by the services built on them.
package protocol

import "errors"

// Framing and decode conditions.
var (
	ErrTimeout            = errors.New("timeout")
	ErrCRCMismatch        = errors.New("crc mismatch")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrBufferOverflow     = errors.New("buffer overflow")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Routing and resource conditions.
var (
	ErrServiceNotFound       = errors.New("service not found")
	ErrServiceError          = errors.New("service error")
	ErrResourceNotConfigured = errors.New("resource not configured")
)

// IsRetryable reports whether err only means "nothing arrived yet".
// The caller may simply try again on the same link.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDropped reports whether err describes a single bad message that was
// discarded while the link itself remains usable.
func IsDropped(err error) bool {
	return errors.Is(err, ErrCRCMismatch) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrBufferOverflow) ||
		errors.Is(err, ErrUnsupportedCommand)
}
