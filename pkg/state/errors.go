package state

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation marks a programming error in the use of the state
	// engine. It is never a network or storage condition and must not be retried.
	ErrInvariantViolation = errors.New("local state invariant violated")

	// ErrEmptyFrameStack is returned when popping a frame from a state with no
	// pending frames.
	ErrEmptyFrameStack = fmt.Errorf("%w: pop from empty frame stack", ErrInvariantViolation)

	// ErrStateExists is returned when re-keying onto an identity that already has state.
	ErrStateExists = fmt.Errorf("%w: target identity already has state", ErrInvariantViolation)
)
