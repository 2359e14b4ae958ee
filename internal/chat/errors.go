package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrDispatch       = errors.New("dispatch failed")
)

// DispatchError reports a failed model round trip. The user turn stays in
// the history.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v", ErrDispatch, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}

// Display is the text shown in place of the reply.
func (e *DispatchError) Display() string {
	return "Error: " + e.Err.Error()
}
