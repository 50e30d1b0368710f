package blemidi

import (
	"errors"
	"fmt"
)

// State names a lifecycle precondition that was not met.
type State string

const (
	NotBegun     State = "not_begun"
	AlreadyBegun State = "already_begun"
)

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	State State
	Msg   string
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare StateError values by State.
func (e *StateError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotBegun     = &StateError{State: NotBegun}
	ErrAlreadyBegun = &StateError{State: AlreadyBegun}
)

var (
	// ErrStackInit wraps any failure of the stack to come up in Begin. It is
	// terminal for the session: callers re-run Begin from scratch to recover.
	ErrStackInit = errors.New("BLE stack initialization failed")

	ErrNoTransport = errors.New("transport is required")
)
