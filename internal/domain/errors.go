package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrQueueFull is returned when a session's admission queue is at
	// capacity and cannot absorb another event.
	ErrQueueFull = errors.New("session queue full")

	// ErrInvalidPayload is returned for events rejected at admission,
	// before a session is created.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// StageError wraps a failure inside one pipeline stage. Timeout marks
// budget exhaustion; any StageError terminates the session's pipeline.
type StageError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsStageTimeout reports whether err is a stage timeout.
func IsStageTimeout(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Timeout
}
