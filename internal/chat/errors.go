package chat

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoPendingResult = errors.New("no pending result to run")
	ErrTooManySessions = errors.New("too many active sessions")
)

// GenerationError wraps a failure of the model provider. It is never
// recovered locally.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate response: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
