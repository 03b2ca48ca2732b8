// Package runner spawns, paces and stops the virtual users of a test run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wesleyorama2/volley/internal/load"
)

var (
	// ErrAlreadyStarted is returned by Register and Start once the runner
	// has been started.
	ErrAlreadyStarted = errors.New("runner: already started")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("runner: not started")

	errDurationElapsed = errors.New("runner: duration elapsed")
)

// DefaultGracefulStop is how long a graceful stop waits before cancelling
// in-flight calls.
const DefaultGracefulStop = 30 * time.Second

// Config holds the immutable settings of a run.
type Config struct {
	// RunID tags every outcome. Generated when empty.
	RunID string

	// Timeout bounds task calls without their own timeout.
	Timeout time.Duration

	// GracefulStop bounds a graceful stop before it escalates to a forced one.
	GracefulStop time.Duration

	// Pacing is applied by every user between tasks.
	Pacing load.Pacing

	// ContextOptions are applied to every user's context.
	ContextOptions []load.ContextOption

	// ClientFactory, when set, gives each user its own client. The returned
	// release func runs after the user has stopped.
	ClientFactory func(userID int) (load.Client, func())

	// Seed makes root selection and user RNGs deterministic when non-zero.
	Seed uint64

	// TickInterval is how often the spawn controller adjusts the user count.
	TickInterval time.Duration

	Logger *slog.Logger
}

// Stats is a point-in-time view of the user population.
type Stats struct {
	RunID        string        `json:"runId"`
	Target       int           `json:"target"`
	Spawned      int           `json:"spawned"`
	Live         int           `json:"live"`
	Stopped      int           `json:"stopped"`
	InitFailures int           `json:"initFailures"`
	Retired      int           `json:"retired"`
	Elapsed      time.Duration `json:"elapsed"`
}

type root struct {
	ts     *load.TaskSet
	weight int
	pacing load.Pacing
}

// RootOption configures a registered root.
type RootOption func(*root)

// WithRootPacing paces users of this root with p instead of Config.Pacing.
func WithRootPacing(p load.Pacing) RootOption {
	return func(rt *root) { rt.pacing = p }
}

// Runner owns the users of one test run.
type Runner struct {
	cfg    Config
	client load.Client
	sink   load.Sink
	logger *slog.Logger

	roots     []root
	catalogue *load.TaskSet
	rng       *rand.Rand

	mu        sync.Mutex
	started   bool
	startTime time.Time
	users     []*load.VirtualUser
	slots     []*load.VirtualUser
	initErrs  []*load.InitializationError

	hardCtx    context.Context
	hardCancel context.CancelFunc
	stopCtl    chan struct{}
	stopOnce   sync.Once
	ctlDone    chan struct{}
	wg         sync.WaitGroup

	nextID       atomic.Int64
	target       atomic.Int64
	spawned      atomic.Int64
	stopped      atomic.Int64
	initFailures atomic.Int64
	retired      atomic.Int64
}

// New creates a runner. The sink receives every outcome; when it also
// implements load.FaultReporter its fault aborts Run.
func New(cfg Config, client load.Client, sink load.Sink) *Runner {
	if cfg.RunID == "" {
		cfg.RunID = load.NewRunID()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = load.DefaultTimeout
	}
	if cfg.GracefulStop <= 0 {
		cfg.GracefulStop = DefaultGracefulStop
	}
	if cfg.Pacing == nil {
		cfg.Pacing = load.NoPacing()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sink == nil {
		sink = load.NewCollector()
	}

	var rng *rand.Rand
	if cfg.Seed != 0 {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &Runner{
		cfg:     cfg,
		client:  client,
		sink:    sink,
		logger:  logger.With("run", cfg.RunID),
		rng:     rng,
		stopCtl: make(chan struct{}),
		ctlDone: make(chan struct{}),
	}
}

// RunID returns the identifier stamped on every outcome.
func (r *Runner) RunID() string {
	return r.cfg.RunID
}

// Sink returns the runner's sink.
func (r *Runner) Sink() load.Sink {
	return r.sink
}

// Register adds a root task set with the given weight. New users pick their
// root with a weighted draw over all registered roots.
func (r *Runner) Register(ts *load.TaskSet, weight int, opts ...RootOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if ts == nil {
		return &load.ConfigurationError{Path: "roots", Message: "task set is nil"}
	}
	if weight <= 0 {
		return &load.ConfigurationError{
			Path:    "roots." + ts.Name(),
			Message: fmt.Sprintf("weight must be positive, got %d", weight),
		}
	}
	for _, existing := range r.roots {
		if existing.ts.Name() == ts.Name() {
			return &load.ConfigurationError{Path: "roots." + ts.Name(), Message: "duplicate root task set"}
		}
	}
	if err := load.Validate(ts); err != nil {
		return err
	}

	rt := root{ts: ts, weight: weight}
	for _, opt := range opts {
		opt(&rt)
	}
	r.roots = append(r.roots, rt)
	return nil
}

// Start begins spawning users according to ramp and returns immediately.
// Cancelling ctx is equivalent to a forced stop.
func (r *Runner) Start(ctx context.Context, users int, ramp Ramp) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	errs := &load.ConfigurationErrors{}
	if len(r.roots) == 0 {
		errs.Add("roots", "at least one root task set must be registered")
	}
	if users < 0 {
		errs.Addf("load.users", "must be non-negative, got %d", users)
	}
	if users == 0 && ramp.kind != rampStages {
		errs.Add("load.users", "at least one user is required")
	}
	errs.Merge("load", ramp.Validate())
	if errs.HasErrors() {
		return errs
	}

	b := load.NewTaskSet("roots", load.WeightedRandom)
	for _, rt := range r.roots {
		b.Add(rt.ts, rt.weight)
	}
	catalogue, err := b.Build()
	if err != nil {
		return err
	}
	r.catalogue = catalogue

	r.hardCtx, r.hardCancel = context.WithCancel(ctx)
	r.started = true
	r.startTime = time.Now()

	r.logger.Info("run started", "users", users, "ramp", ramp.String(), "roots", len(r.roots))
	go r.control(users, ramp)
	return nil
}

// control adjusts the user count to the ramp's target until stopped.
func (r *Runner) control(users int, ramp Ramp) {
	defer close(r.ctlDone)

	limiter := ramp.limiter()
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		target := ramp.Target(time.Since(r.startTime), users)
		r.target.Store(int64(target))
		r.adjust(target, limiter)

		select {
		case <-r.stopCtl:
			return
		case <-r.hardCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) adjust(target int, limiter *rate.Limiter) {
	r.mu.Lock()
	current := len(r.slots)
	r.mu.Unlock()

	switch {
	case target > current:
		for i := current; i < target; i++ {
			if limiter != nil && !limiter.Allow() {
				return
			}
			select {
			case <-r.stopCtl:
				return
			default:
			}
			r.spawn()
		}
	case target < current:
		r.retire(current - target)
	}
}

// spawn starts one user. Users whose initialization fails keep their slot
// and are not replaced.
func (r *Runner) spawn() {
	id := int(r.nextID.Add(1))
	rootSet := r.catalogue.Pick(r.rng).(*load.TaskSet)
	pacing := r.cfg.Pacing
	for _, rt := range r.roots {
		if rt.ts == rootSet && rt.pacing != nil {
			pacing = rt.pacing
		}
	}

	client := r.client
	var release func()
	if r.cfg.ClientFactory != nil {
		client, release = r.cfg.ClientFactory(id)
	}

	ctxOpts := append([]load.ContextOption(nil), r.cfg.ContextOptions...)
	if r.cfg.Seed != 0 {
		ctxOpts = append(ctxOpts, load.WithSeed(r.cfg.Seed+uint64(id)))
	}

	vu := load.NewVirtualUser(load.UserOptions{
		ID:             id,
		RunID:          r.cfg.RunID,
		Root:           rootSet,
		Client:         client,
		Sink:           r.sink,
		Pacing:         pacing,
		Timeout:        r.cfg.Timeout,
		ContextOptions: ctxOpts,
		OnInitFailure:  r.recordInitFailure,
		OnRelease:      release,
		Logger:         r.cfg.Logger,
	})

	r.mu.Lock()
	r.users = append(r.users, vu)
	r.slots = append(r.slots, vu)
	r.mu.Unlock()

	r.spawned.Add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.stopped.Add(1)
		_ = vu.Run(r.hardCtx)
	}()
}

// retire gracefully stops the n most recently spawned users.
func (r *Runner) retire(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < n && len(r.slots) > 0; i++ {
		last := len(r.slots) - 1
		r.slots[last].RequestStop()
		r.slots = r.slots[:last]
		r.retired.Add(1)
	}
}

func (r *Runner) recordInitFailure(err *load.InitializationError) {
	r.initFailures.Add(1)
	r.mu.Lock()
	r.initErrs = append(r.initErrs, err)
	r.mu.Unlock()
	r.logger.Warn("user failed to initialize", "user", err.UserID, "taskSet", err.TaskSet, "error", err.Err)
}

// InitFailures returns the initialization failures recorded so far.
func (r *Runner) InitFailures() []*load.InitializationError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*load.InitializationError(nil), r.initErrs...)
}

// Stop ends the run and returns once every user has stopped and released
// its context. A graceful stop lets in-flight calls finish, escalating to a
// forced stop after Config.GracefulStop; a forced stop cancels them.
func (r *Runner) Stop(graceful bool) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCtl) })
	<-r.ctlDone

	r.mu.Lock()
	users := append([]*load.VirtualUser(nil), r.users...)
	r.mu.Unlock()

	if !graceful {
		r.hardCancel()
	}
	for _, vu := range users {
		vu.RequestStop()
	}

	if graceful && !r.waitUsers(r.cfg.GracefulStop) {
		r.logger.Warn("graceful stop timed out, cancelling in-flight calls", "timeout", r.cfg.GracefulStop)
		r.hardCancel()
	}
	r.wg.Wait()
	r.hardCancel()

	stats := r.Stats()
	r.logger.Info("run stopped",
		"graceful", graceful,
		"spawned", stats.Spawned,
		"initFailures", stats.InitFailures,
		"elapsed", stats.Elapsed.Round(time.Millisecond))

	if fr, ok := r.sink.(load.FaultReporter); ok {
		return fr.Err()
	}
	return nil
}

func (r *Runner) waitUsers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Run starts the runner, waits for duration (or, when duration is zero, the
// length of a staged ramp, or ctx cancellation), then stops gracefully.
// A sink fault aborts the run with a forced stop and is returned.
func (r *Runner) Run(ctx context.Context, users int, ramp Ramp, duration time.Duration) error {
	if duration <= 0 {
		duration = ramp.Duration()
	}
	if err := r.Start(context.WithoutCancel(ctx), users, ramp); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if duration <= 0 {
			<-gctx.Done()
			return nil
		}
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return errDurationElapsed
		case <-gctx.Done():
			return nil
		}
	})
	if fr, ok := r.sink.(load.FaultReporter); ok {
		g.Go(func() error {
			select {
			case <-fr.Fault():
				return fr.Err()
			case <-gctx.Done():
				return nil
			}
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, errDurationElapsed) {
		r.logger.Error("aborting run", "error", err)
		_ = r.Stop(false)
		return err
	}
	return r.Stop(true)
}

// Stats returns a snapshot of the user population.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	start := r.startTime
	r.mu.Unlock()

	spawned := int(r.spawned.Load())
	stopped := int(r.stopped.Load())

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	return Stats{
		RunID:        r.cfg.RunID,
		Target:       int(r.target.Load()),
		Spawned:      spawned,
		Live:         spawned - stopped,
		Stopped:      stopped,
		InitFailures: int(r.initFailures.Load()),
		Retired:      int(r.retired.Load()),
		Elapsed:      elapsed,
	}
}
