package perf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/internal/load/metrics"
	"github.com/wesleyorama2/volley/internal/load/output"
	"github.com/wesleyorama2/volley/internal/load/plan"
	"github.com/wesleyorama2/volley/internal/load/runner"
	"github.com/wesleyorama2/volley/internal/load/transport"
)

// PlanConfig is a parsed plan file.
type PlanConfig = config.PlanConfig

// Result is the outcome of a run.
type Result = output.Result

// Progress is a periodic view of a running test.
type Progress = output.Progress

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger the engine writes lifecycle events to.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// WithClient replaces the HTTP transport built from the plan settings.
func WithClient(c load.Client) Option {
	return func(r *Runner) { r.client = c }
}

// WithObservers attaches extra observers to the outcome stream.
func WithObservers(obs ...load.Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, obs...) }
}

// WithProgress calls fn every interval while the run is in progress.
func WithProgress(interval time.Duration, fn func(Progress)) Option {
	return func(r *Runner) {
		r.progressInterval = interval
		r.progressFn = fn
	}
}

// Runner provides a high-level API for running a plan.
//
//	cfg, _ := perf.LoadPlan("shop.yaml")
//	r, err := perf.NewRunner(cfg)
//	if err != nil {
//	    return err
//	}
//	result, err := r.Run(ctx)
type Runner struct {
	plan   *plan.Plan
	runID  string
	logger *slog.Logger

	client    load.Client
	observers []load.Observer

	engine *metrics.Engine
	prom   *metrics.Prometheus

	progressInterval time.Duration
	progressFn       func(Progress)
}

// NewRunner compiles cfg into a runnable plan. Every configuration problem
// is reported in a single *load.ConfigurationErrors.
func NewRunner(cfg *config.PlanConfig, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("perf: nil plan config")
	}
	p, err := plan.Compile(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runner{plan: p}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = load.NewRunID()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.engine = metrics.NewEngine()
	r.prom = metrics.NewPrometheus(r.runID)
	return r, nil
}

// Plan returns the compiled plan.
func (r *Runner) Plan() *plan.Plan { return r.plan }

// RunID returns the id stamped on every outcome of the run.
func (r *Runner) RunID() string { return r.runID }

// TotalDuration returns how long the run is expected to last, or zero when
// it runs until cancelled.
func (r *Runner) TotalDuration() time.Duration {
	if r.plan.Duration > 0 {
		return r.plan.Duration
	}
	return r.plan.Ramp.Duration()
}

// MetricsHandler serves the run's Prometheus metrics.
func (r *Runner) MetricsHandler() http.Handler {
	return r.prom.Handler()
}

// Run executes the plan until its duration elapses or ctx is cancelled,
// then evaluates thresholds. The result is returned even when the run
// fails; err reports configuration or sink failures, not failed thresholds.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	p := r.plan

	collector := load.NewCollector(
		load.WithObservers(append([]load.Observer{r.engine, r.prom}, r.observers...)...),
		load.WithRetention(false),
	)

	rcfg := p.RunnerConfig()
	rcfg.RunID = r.runID
	rcfg.Logger = r.logger

	client := r.client
	if client == nil {
		tcfg := transport.ConfigFromSettings(p.Settings)
		if p.Settings.PerUserClient {
			rcfg.ClientFactory = transport.PerUser(tcfg)
		} else {
			c := transport.New(tcfg)
			defer c.CloseIdleConnections()
			client = c
		}
	}

	lr := runner.New(rcfg, client, collector)
	if err := p.Register(lr); err != nil {
		return nil, err
	}

	r.logger.Info("starting run", "plan", p.Name, "users", p.Users, "ramp", p.Ramp.String(), "duration", r.TotalDuration())

	r.engine.Reset()
	start := time.Now()

	done := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		r.reportProgress(lr, done)
	}()

	runErr := lr.Run(ctx, p.Users, p.Ramp, p.Duration)
	close(done)
	<-progressDone
	end := time.Now()

	snap := r.engine.Snapshot()
	thresholds := metrics.EvaluateThresholds(p.Thresholds, snap)
	result := output.NewResult(p.Name, start, end, lr.Stats(), snap, thresholds, lr.InitFailures(), runErr)

	r.logger.Info("run finished", "tasks", snap.TotalTasks, "failed", snap.Failed, "passed", result.Passed)
	return result, runErr
}

// reportProgress refreshes the user gauges and calls the progress hook
// until done closes.
func (r *Runner) reportProgress(lr *runner.Runner, done <-chan struct{}) {
	interval := r.progressInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats := lr.Stats()
			r.engine.SetActiveUsers(stats.Live)
			r.prom.SetUsers(stats.Live, stats.Target)
			if r.progressFn == nil {
				continue
			}
			progress := Progress{
				Elapsed:  stats.Elapsed,
				Total:    r.TotalDuration(),
				Users:    stats,
				Snapshot: r.engine.Snapshot(),
			}
			if stage, i, ok := r.plan.Ramp.StageAt(stats.Elapsed); ok {
				progress.StageName = stageLabel(stage, i, len(r.plan.Ramp.StageList()))
			}
			r.progressFn(progress)
		}
	}
}

func stageLabel(stage runner.Stage, index, total int) string {
	if stage.Name != "" {
		return fmt.Sprintf("%s %d/%d", stage.Name, index, total)
	}
	return fmt.Sprintf("stage %d/%d", index, total)
}

// LoadPlan reads a YAML or JSON plan file.
func LoadPlan(path string) (*PlanConfig, error) {
	return config.LoadConfig(path)
}

// ParsePlan parses plan data; the format follows the extension of path.
func ParsePlan(data []byte, path string) (*PlanConfig, error) {
	return config.ParseConfig(data, path)
}

// RunTest compiles cfg and runs it.
func RunTest(ctx context.Context, cfg *config.PlanConfig, opts ...Option) (*Result, error) {
	r, err := NewRunner(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}
