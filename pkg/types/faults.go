package types

import (
	"errors"
	"fmt"
)

// Execution faults raised around the fault-isolated runner boundary.
// Retriable faults trigger one automatic retry on the gpuhigh queue; anything
// else is terminal.

// TimeoutFault is raised when a child exceeds its wall-clock time limit
type TimeoutFault struct {
	Limit int // seconds
}

func (e *TimeoutFault) Error() string {
	return fmt.Sprintf("Timeout: execution exceeded time limit of %d seconds", e.Limit)
}

// SignalFault is raised when the child was killed by a signal
type SignalFault struct {
	Signal int
}

func (e *SignalFault) Error() string {
	return fmt.Sprintf("SignalFault: execution killed by signal %d", e.Signal)
}

// ExitFault is raised when the child exited non-zero without posting a result
type ExitFault struct {
	Code int
}

func (e *ExitFault) Error() string {
	return fmt.Sprintf("ExitFault: execution exited with code %d", e.Code)
}

// OOMFault is raised when the memory watchdog killed the child
type OOMFault struct {
	RSSMegabytes int
	LimitMB      int
}

func (e *OOMFault) Error() string {
	return fmt.Sprintf("OutOfMemory: rss %d MB exceeded limit %d MB", e.RSSMegabytes, e.LimitMB)
}

// WorkerLostFault is raised when the worker holding a task disappeared
type WorkerLostFault struct {
	Reason string
}

func (e *WorkerLostFault) Error() string {
	return "WorkerLost: " + e.Reason
}

// UserFault wraps an error thrown by the user script itself. Never retried.
type UserFault struct {
	Type    string
	Message string
	Trace   []string
}

func (e *UserFault) Error() string {
	if e.Type != "" {
		return e.Type + ": " + e.Message
	}
	return e.Message
}

// UnserializableFault wraps a child-side error that could not cross the
// process boundary intact; only its type name and string form survive.
type UnserializableFault struct {
	Type    string
	Message string
}

func (e *UnserializableFault) Error() string {
	return fmt.Sprintf("UnserializableFault: %s: %s", e.Type, e.Message)
}

// Shared store errors
var (
	ErrInvalidPath  = errors.New("share path invalid")
	ErrPathNotFound = errors.New("share path not found")
	ErrStateExists  = errors.New("disk state already exists")
)

// Backend / broker errors
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrTaskNotCompleted  = errors.New("task not completed")
	ErrPackagingStarted  = errors.New("packaging task started")
	ErrRevoked           = errors.New("task revoked")
)

// Retriable reports whether err belongs to the retriable fault class:
// timeouts, signals, exit faults, OOM kills and lost workers. User script
// errors are always terminal.
func Retriable(err error) bool {
	var (
		t *TimeoutFault
		s *SignalFault
		x *ExitFault
		o *OOMFault
		w *WorkerLostFault
	)
	return errors.As(err, &t) || errors.As(err, &s) || errors.As(err, &x) ||
		errors.As(err, &o) || errors.As(err, &w)
}

// FaultName returns the taxonomy name of an execution fault for failure meta
func FaultName(err error) string {
	var (
		t *TimeoutFault
		s *SignalFault
		x *ExitFault
		o *OOMFault
		w *WorkerLostFault
		u *UserFault
		p *UnserializableFault
	)
	switch {
	case errors.As(err, &t):
		return "Timeout"
	case errors.As(err, &s):
		return "SignalFault"
	case errors.As(err, &x):
		return "ExitFault"
	case errors.As(err, &o):
		return "MemoryError"
	case errors.As(err, &w):
		return "WorkerLost"
	case errors.As(err, &u):
		if u.Type != "" {
			return u.Type
		}
		return "Error"
	case errors.As(err, &p):
		return "UnserializableFault"
	}
	return "InternalError"
}
