package load

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
)

// OutcomeKind distinguishes task executions from initializer runs.
type OutcomeKind string

const (
	KindTask OutcomeKind = "task"
	KindInit OutcomeKind = "init"
)

// ErrorKind categorizes failed outcomes.
type ErrorKind string

const (
	ErrorNone       ErrorKind = ""
	ErrorTransport  ErrorKind = "transport"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorClassified ErrorKind = "classified"
	ErrorInit       ErrorKind = "init"
)

// Outcome is the immutable record of one task or initializer execution.
type Outcome struct {
	RunID    string        `json:"runId"`
	UserID   int           `json:"userId"`
	Root     string        `json:"root"`
	Name     string        `json:"name"`
	Kind     OutcomeKind   `json:"kind"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Note     string        `json:"note,omitempty"`
	Status   int           `json:"status,omitempty"`
	Bytes    int64         `json:"bytes,omitempty"`
	ErrKind  ErrorKind     `json:"errorKind,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NewRunID returns a fresh identifier for a test run.
func NewRunID() string {
	return uuid.NewString()
}

// InitName is the name init outcomes for ts are reported under.
func InitName(ts *TaskSet) string {
	return ts.name + ":on_start"
}

// ErrorKindOf categorizes a transport error.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorTransport
}
