package orchestrator

import (
	"errors"
)

var (
	// ErrPermissionDenied is returned when no grant covers a write or
	// execute action. Its Code is stable for clients.
	ErrPermissionDenied = &CodedError{Code: "permission_denied", Message: "permission denied"}

	ErrInvalidRequest = errors.New("invalid request")
)

type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return e.Message
}
