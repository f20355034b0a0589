package mcp

import (
	"errors"
	"fmt"

	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/repository"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.RecoveryHint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to MCP error codes.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, repository.ErrNotFound):
		return &APIError{Code: "SESSION_NOT_FOUND", Message: "session not found", RecoveryHint: "Check the id with list_sessions"}
	case errors.Is(err, session.ErrInvalidInput), errors.Is(err, repository.ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: "invalid input", RecoveryHint: "Provide the required ids"}
	default:
		return nil
	}
}
