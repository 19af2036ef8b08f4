package session

import "errors"

var (
	// ErrNotConnected is returned when an operation requires a live session.
	ErrNotConnected = errors.New("session not connected")

	// ErrTimeout is returned when a request sees no response in time.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionLost is returned to waiters when the session is torn
	// down while they are blocked. Distinct from ErrTimeout so callers can
	// tell a dead link from a slow gateway.
	ErrConnectionLost = errors.New("connection lost while waiting")

	// ErrHandshakeRejected is returned when the gateway explicitly refuses
	// a connect, pairing, or hello attempt.
	ErrHandshakeRejected = errors.New("handshake rejected by gateway")
)
