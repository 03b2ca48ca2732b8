package load

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSinkFault is returned when the aggregation sink can no longer accept
// outcomes. It is the only runtime error that terminates a run.
var ErrSinkFault = errors.New("load: sink fault")

// ConfigurationError describes an invalid task tree, runner setting or plan
// entry. Configuration errors are fatal and raised before any user spawns.
type ConfigurationError struct {
	Path    string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration error at '%s': %s", e.Path, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// ConfigurationErrors is a collection of configuration errors.
type ConfigurationErrors struct {
	Errors []*ConfigurationError
}

func (e *ConfigurationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no configuration errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d configuration errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ConfigurationErrors) Add(path, message string) {
	e.Errors = append(e.Errors, &ConfigurationError{Path: path, Message: message})
}

// Addf adds a formatted error to the collection.
func (e *ConfigurationErrors) Addf(path, format string, args ...interface{}) {
	e.Add(path, fmt.Sprintf(format, args...))
}

// Merge appends err to the collection. ConfigurationError and
// ConfigurationErrors are flattened; other errors are recorded under path.
func (e *ConfigurationErrors) Merge(path string, err error) {
	if err == nil {
		return
	}
	var many *ConfigurationErrors
	if errors.As(err, &many) {
		e.Errors = append(e.Errors, many.Errors...)
		return
	}
	var one *ConfigurationError
	if errors.As(err, &one) {
		e.Errors = append(e.Errors, one)
		return
	}
	e.Add(path, err.Error())
}

// HasErrors returns true if there are any errors.
func (e *ConfigurationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns e when it holds errors, nil otherwise.
func (e *ConfigurationErrors) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// InitializationError reports a failed on_start hook for one user.
// The affected user never enters the running state; other users continue.
type InitializationError struct {
	UserID  int
	TaskSet string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("user %d: initialization of %q failed: %v", e.UserID, e.TaskSet, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
