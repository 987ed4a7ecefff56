package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/conductor/internal/protocol"
)

var (
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("rpc timeout")
	// ErrNotWritable is returned when the worker's stdin is closed.
	ErrNotWritable = errors.New("worker stdin is not writable")
	// ErrProcessExited matches any *ExitError.
	ErrProcessExited = errors.New("worker process exited")
)

// DefaultErrorMessage is used when a failed response carries no error text.
const DefaultErrorMessage = "RPC error"

// TimeoutError reports a call that saw no response within its window.
type TimeoutError struct {
	Elapsed time.Duration
	Command protocol.CommandType
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc timeout after %v waiting for %q response", e.Elapsed, e.Command)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExitError rejects calls that were pending when the process terminated.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker process exited with code %d", e.Code)
}

func (e *ExitError) Is(target error) bool { return target == ErrProcessExited }

// RemoteError is a response with success=false.
type RemoteError struct {
	Command protocol.CommandType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}
