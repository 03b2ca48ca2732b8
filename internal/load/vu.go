// Package load is the virtual-user core: task trees, per-user session
// state, response classification and the user execution loop.
package load

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds a task call when neither the task nor the user
// options set a timeout.
const DefaultTimeout = 30 * time.Second

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateSpawning indicates the VU is running its root initializer.
	VUStateSpawning VUState = iota
	// VUStateRunning indicates the VU is executing tasks.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped and released its context.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateSpawning:
		return "spawning"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// UserOptions configures a VirtualUser.
type UserOptions struct {
	ID     int
	RunID  string
	Root   *TaskSet
	Client Client
	Sink   Sink

	// Pacing defaults to NoPacing.
	Pacing Pacing

	// Timeout bounds calls of tasks without their own timeout.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// ContextOptions are applied to the user's UserContext.
	ContextOptions []ContextOption

	// OnInitFailure is called when the root initializer fails.
	OnInitFailure func(*InitializationError)

	// OnRelease is called once the user has stopped and released its
	// context, e.g. to close a per-user connection pool.
	OnRelease func()

	Logger *slog.Logger
}

// VirtualUser is a single simulated client running one root task set.
type VirtualUser struct {
	ID int

	root    *TaskSet
	client  Client
	sink    Sink
	pacing  Pacing
	timeout time.Duration
	runID   string
	opts    UserOptions
	logger  *slog.Logger

	uc *UserContext

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	iterations atomic.Int64
}

// NewVirtualUser creates a virtual user in the Spawning state.
func NewVirtualUser(opts UserOptions) *VirtualUser {
	pacing := opts.Pacing
	if pacing == nil {
		pacing = NoPacing()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(func(Outcome) {})
	}

	return &VirtualUser{
		ID:      opts.ID,
		root:    opts.Root,
		client:  opts.Client,
		sink:    sink,
		pacing:  pacing,
		timeout: timeout,
		runID:   opts.RunID,
		opts:    opts,
		logger:  logger.With("user", opts.ID, "root", opts.Root.Name()),
		uc:      NewUserContext(opts.ID, opts.ContextOptions...),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Iterations returns the number of tasks executed so far.
func (vu *VirtualUser) Iterations() int64 {
	return vu.iterations.Load()
}

// Context returns the user's session state. It is released once the user
// has stopped.
func (vu *VirtualUser) Context() *UserContext {
	return vu.uc
}

// Done is closed once the VU has stopped and released its context.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// RequestStop asks the VU to stop after its current step. An in-flight call
// is allowed to complete; a pacing sleep is interrupted.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() {
		vu.state.CompareAndSwap(int32(VUStateSpawning), int32(VUStateStopping))
		vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping))
		close(vu.stopCh)
	})
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Run executes the user until it is stopped. ctx is the hard-stop context:
// cancelling it aborts in-flight calls, and calls aborted that way produce
// no outcome.
//
// Run returns an *InitializationError when the root initializer fails, and
// nil on every other exit path.
func (vu *VirtualUser) Run(ctx context.Context) error {
	defer vu.finish()

	client := Scope(vu.client, vu.uc)

	vu.uc.markEntered(vu.root)
	if vu.root.onStart != nil {
		if err := vu.runInit(ctx, vu.root, client); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ierr := &InitializationError{UserID: vu.ID, TaskSet: vu.root.name, Err: err}
			vu.logger.Warn("user initialization failed", "error", err)
			if vu.opts.OnInitFailure != nil {
				vu.opts.OnInitFailure(ierr)
			}
			return ierr
		}
	}

	if !vu.state.CompareAndSwap(int32(VUStateSpawning), int32(VUStateRunning)) {
		return nil
	}
	vu.logger.Debug("user running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-vu.stopCh:
			return nil
		default:
		}

		step := vu.root.Resolve(vu.uc)

		for _, ts := range step.Enter {
			if err := vu.runInit(ctx, ts, client); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				vu.logger.Debug("task set initialization failed", "taskSet", ts.name, "error", err)
			}
		}

		outcome, ok := vu.execute(ctx, step.Task, client)
		if !ok {
			return nil
		}
		vu.iterations.Add(1)

		if !vu.sleep(ctx, vu.nextDelay(outcome.Duration)) {
			return nil
		}
	}
}

func (vu *VirtualUser) finish() {
	vu.state.Store(int32(VUStateStopping))
	vu.uc.Release()
	if vu.opts.OnRelease != nil {
		vu.opts.OnRelease()
	}
	vu.state.Store(int32(VUStateStopped))
	close(vu.doneCh)
	vu.logger.Debug("user stopped", "iterations", vu.iterations.Load())
}

// runInit runs the initializer of ts and records an init outcome, unless
// the call was aborted by a hard stop.
func (vu *VirtualUser) runInit(ctx context.Context, ts *TaskSet, client Client) error {
	callCtx, cancel := context.WithTimeout(ctx, vu.timeout)
	start := time.Now()
	err := safeInit(callCtx, ts.onStart, vu.uc, client)
	elapsed := time.Since(start)
	cancel()

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	o := Outcome{
		RunID:    vu.runID,
		UserID:   vu.ID,
		Root:     vu.root.name,
		Name:     InitName(ts),
		Kind:     KindInit,
		Start:    start,
		Duration: elapsed,
		Success:  err == nil,
	}
	if err != nil {
		o.ErrKind = ErrorInit
		o.Error = err.Error()
		var se *StatusError
		if errors.As(err, &se) {
			o.Status = se.Status
		}
	}
	vu.sink.Append(o)
	return err
}

// execute runs one task and records its outcome. It reports false when the
// call was aborted by a hard stop.
func (vu *VirtualUser) execute(ctx context.Context, task *Task, client Client) (Outcome, bool) {
	timeout := task.timeout
	if timeout <= 0 {
		timeout = vu.timeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	res, err := safeTask(callCtx, task.fn, vu.uc, client)
	elapsed := time.Since(start)
	cancel()

	if err != nil && ctx.Err() != nil {
		return Outcome{}, false
	}

	verdict, perr := safeClassify(task.Classifier(), res, err)

	o := Outcome{
		RunID:    vu.runID,
		UserID:   vu.ID,
		Root:     vu.root.name,
		Name:     task.name,
		Kind:     KindTask,
		Start:    start,
		Duration: elapsed,
		Success:  verdict.Success,
		Note:     verdict.Note,
	}
	if res != nil {
		o.Status = res.Status
		o.Bytes = res.Size()
	}
	if verdict.Success && task.extractor != nil && res != nil {
		perr = safeExtract(task.extractor, vu.uc, res)
		if perr != nil {
			o.Success = false
			o.Note = ""
		}
	}

	switch {
	case err != nil:
		o.ErrKind = ErrorKindOf(err)
		o.Error = err.Error()
	case perr != nil:
		o.ErrKind = ErrorClassified
		o.Error = perr.Error()
	case !verdict.Success:
		o.ErrKind = ErrorClassified
	}

	vu.sink.Append(o)
	return o, true
}

// nextDelay asks the pacing policy for the next delay. A panicking policy
// means no delay.
func (vu *VirtualUser) nextDelay(elapsed time.Duration) (d time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			vu.logger.Warn("pacing panicked", "panic", r)
			d = 0
		}
	}()
	return vu.pacing.Next(vu.uc, elapsed)
}

// sleep waits d, returning false if the user was stopped meanwhile.
func (vu *VirtualUser) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-vu.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func safeInit(ctx context.Context, fn InitFunc, uc *UserContext, client Client) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initializer panicked: %v", r)
		}
	}()
	return fn(ctx, uc, client)
}

func safeTask(ctx context.Context, fn TaskFunc, uc *UserContext, client Client) (res *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, uc, client)
}

// safeClassify turns a classifier panic into a failed verdict.
func safeClassify(c Classifier, res *Response, err error) (v Verdict, perr error) {
	defer func() {
		if r := recover(); r != nil {
			v, perr = Verdict{}, fmt.Errorf("classifier panicked: %v", r)
		}
	}()
	return c.Classify(res, err), nil
}

func safeExtract(fn Extractor, uc *UserContext, res *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panicked: %v", r)
		}
	}()
	fn(uc, res)
	return nil
}
