package load

import (
	"context"
	"time"
)

// Node is an element of a task tree: a *Task or a *TaskSet.
type Node interface {
	Name() string
	node()
}

// TaskFunc performs one unit of work against the system under test.
// The client it receives is scoped to the calling user.
type TaskFunc func(ctx context.Context, uc *UserContext, client Client) (*Response, error)

// Extractor captures values from a successful response into the user's
// context, e.g. the id of a resource the task just created.
type Extractor func(uc *UserContext, res *Response)

// Task is a leaf of the task tree. Tasks are immutable and shared by all
// users running the tree.
type Task struct {
	name       string
	fn         TaskFunc
	classifier Classifier
	extractor  Extractor
	timeout    time.Duration
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithClassifier replaces the default status-range policy for this task.
func WithClassifier(c Classifier) TaskOption {
	return func(t *Task) { t.classifier = c }
}

// WithExtractor runs fn after every successful execution.
func WithExtractor(fn Extractor) TaskOption {
	return func(t *Task) { t.extractor = fn }
}

// WithTimeout bounds each execution of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// NewTask creates a leaf task.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{name: name, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RequestTask creates a task that issues the request built by build.
func RequestTask(name string, build func(uc *UserContext) (*Request, error), opts ...TaskOption) *Task {
	return NewTask(name, func(ctx context.Context, uc *UserContext, client Client) (*Response, error) {
		req, err := build(uc)
		if err != nil {
			return nil, err
		}
		return client.Execute(ctx, req)
	}, opts...)
}

// Name returns the name outcomes are reported under.
func (t *Task) Name() string { return t.name }

// Timeout returns the per-call timeout, or zero for the runner default.
func (t *Task) Timeout() time.Duration { return t.timeout }

// Classifier returns the task's classifier, falling back to DefaultClassifier.
func (t *Task) Classifier() Classifier {
	if t.classifier == nil {
		return DefaultClassifier
	}
	return t.classifier
}

func (t *Task) node() {}
