package server

import "errors"

// Server errors.
var (
	// ErrMaxSessionsReached is returned when the configured session limit
	// is hit; the client receives an auth_reject.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrSessionDetached is returned when writing to a session whose
	// connection is gone. The session may still resume within the grace
	// window.
	ErrSessionDetached = errors.New("server: session detached")

	// ErrSessionNotFound is returned when resuming an unknown or already
	// destroyed session id.
	ErrSessionNotFound = errors.New("server: session not found")
)

// Auth rejection reasons sent in auth_reject payloads.
const (
	RejectInvalidToken = "invalid_token"
	RejectExpiredToken = "expired_token"
	RejectServerBusy   = "server_busy"
	RejectBadHandshake = "bad_handshake"
)
