package session

import "errors"

var (
	// ErrSessionNotFound indicates the session record doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidInput indicates invalid session input.
	ErrInvalidInput = errors.New("invalid session input")
)
