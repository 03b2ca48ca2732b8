// Package metrics aggregates outcomes into latency histograms and counters
// and evaluates thresholds against them.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/volley/internal/load"
)

// Engine aggregates outcomes using HDR histograms. It implements
// load.Observer and is attached to a load.Collector.
//
// Percentiles are approximate: values are recorded in microseconds with
// three significant figures.
//
// Engine is safe for concurrent use. Counters use atomic operations and
// histograms are mutex protected.
type Engine struct {
	// Range: 1 microsecond to 1 hour, 3 significant figures
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	tasks   map[string]*taskStats
	tasksMu sync.RWMutex

	totalTasks   atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	totalBytes   atomic.Int64
	initRuns     atomic.Int64
	initFailures atomic.Int64

	errorKinds   map[load.ErrorKind]int64
	errorKindsMu sync.Mutex

	activeUsers atomic.Int32

	startTime atomic.Pointer[time.Time]
	config    EngineConfig
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// taskStats aggregates the outcomes reported under one name.
type taskStats struct {
	kind      load.OutcomeKind
	hist      *hdrhistogram.Histogram
	count     int64
	failures  int64
	bytes     int64
	notes     map[string]int64
	lastError string
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine with custom configuration.
func NewEngineWithConfig(config EngineConfig) *Engine {
	e := &Engine{
		latencyHist: hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		tasks:       make(map[string]*taskStats),
		errorKinds:  make(map[load.ErrorKind]int64),
		config:      config,
	}
	now := time.Now()
	e.startTime.Store(&now)
	return e
}

// Observe implements load.Observer.
func (e *Engine) Observe(o load.Outcome) {
	latency := e.clamp(o.Duration.Microseconds())

	if o.Kind == load.KindInit {
		e.initRuns.Add(1)
		if !o.Success {
			e.initFailures.Add(1)
		}
	} else {
		e.latencyHistMu.Lock()
		_ = e.latencyHist.RecordValue(latency)
		e.latencyHistMu.Unlock()

		e.totalTasks.Add(1)
		e.totalBytes.Add(o.Bytes)
		if o.Success {
			e.succeeded.Add(1)
		} else {
			e.failed.Add(1)
		}
	}

	if o.ErrKind != load.ErrorNone {
		e.errorKindsMu.Lock()
		e.errorKinds[o.ErrKind]++
		e.errorKindsMu.Unlock()
	}

	e.recordTask(o, latency)
}

func (e *Engine) clamp(micros int64) int64 {
	if micros < e.config.HistogramMin {
		return e.config.HistogramMin
	}
	if micros > e.config.HistogramMax {
		return e.config.HistogramMax
	}
	return micros
}

// recordTask records an outcome in its per-name stats.
// HDR histogram RecordValue is not thread-safe, so the lock is held.
func (e *Engine) recordTask(o load.Outcome, latency int64) {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()

	ts, ok := e.tasks[o.Name]
	if !ok {
		ts = &taskStats{
			kind:  o.Kind,
			hist:  hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs),
			notes: make(map[string]int64),
		}
		e.tasks[o.Name] = ts
	}

	_ = ts.hist.RecordValue(latency)
	ts.count++
	ts.bytes += o.Bytes
	if !o.Success {
		ts.failures++
		if o.Error != "" {
			ts.lastError = o.Error
		}
	}
	if o.Note != "" {
		ts.notes[o.Note]++
	}
}

// SetActiveUsers updates the live user count.
func (e *Engine) SetActiveUsers(count int) {
	e.activeUsers.Store(int32(count))
}

// ActiveUsers returns the live user count.
func (e *Engine) ActiveUsers() int {
	return int(e.activeUsers.Load())
}

// Snapshot returns a point-in-time view of all metrics.
func (e *Engine) Snapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latency := latencyStats(e.latencyHist)
	e.latencyHistMu.Unlock()

	start := *e.startTime.Load()
	elapsed := time.Since(start)
	total := e.totalTasks.Load()
	failed := e.failed.Load()

	rate := 0.0
	if elapsed.Seconds() > 0 {
		rate = float64(total) / elapsed.Seconds()
	}
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	e.errorKindsMu.Lock()
	kinds := make(map[load.ErrorKind]int64, len(e.errorKinds))
	for k, v := range e.errorKinds {
		kinds[k] = v
	}
	e.errorKindsMu.Unlock()

	return &Snapshot{
		TotalTasks:   total,
		Succeeded:    e.succeeded.Load(),
		Failed:       failed,
		TotalBytes:   e.totalBytes.Load(),
		InitRuns:     e.initRuns.Load(),
		InitFailures: e.initFailures.Load(),
		ErrorKinds:   kinds,
		Latency:      latency,
		Rate:         rate,
		ErrorRate:    errorRate,
		ActiveUsers:  e.ActiveUsers(),
		Tasks:        e.TaskStats(),
		Elapsed:      elapsed,
		StartTime:    start,
		Timestamp:    time.Now(),
	}
}

// TaskStats returns per-name statistics sorted by name.
func (e *Engine) TaskStats() []TaskStats {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	result := make([]TaskStats, 0, len(e.tasks))
	for name, ts := range e.tasks {
		notes := make(map[string]int64, len(ts.notes))
		for k, v := range ts.notes {
			notes[k] = v
		}
		result = append(result, TaskStats{
			Name:      name,
			Kind:      ts.kind,
			Count:     ts.count,
			Failures:  ts.failures,
			Bytes:     ts.bytes,
			Latency:   latencyStats(ts.hist),
			Notes:     notes,
			LastError: ts.lastError,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Reset resets all metrics to initial state.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.tasksMu.Lock()
	e.tasks = make(map[string]*taskStats)
	e.tasksMu.Unlock()

	e.errorKindsMu.Lock()
	e.errorKinds = make(map[load.ErrorKind]int64)
	e.errorKindsMu.Unlock()

	e.totalTasks.Store(0)
	e.succeeded.Store(0)
	e.failed.Store(0)
	e.totalBytes.Store(0)
	e.initRuns.Store(0)
	e.initFailures.Store(0)
	e.activeUsers.Store(0)
	now := time.Now()
	e.startTime.Store(&now)
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}

// Snapshot contains a point-in-time view of all metrics. Totals and the
// latency histogram cover task outcomes; initializer runs are counted
// separately.
type Snapshot struct {
	TotalTasks   int64                    `json:"totalTasks"`
	Succeeded    int64                    `json:"succeeded"`
	Failed       int64                    `json:"failed"`
	TotalBytes   int64                    `json:"totalBytes"`
	InitRuns     int64                    `json:"initRuns"`
	InitFailures int64                    `json:"initFailures"`
	ErrorKinds   map[load.ErrorKind]int64 `json:"errorKinds,omitempty"`
	Latency      LatencyStats             `json:"latency"`
	Rate         float64                  `json:"rate"`
	ErrorRate    float64                  `json:"errorRate"`
	ActiveUsers  int                      `json:"activeUsers"`
	Tasks        []TaskStats              `json:"tasks"`
	Elapsed      time.Duration            `json:"elapsed"`
	StartTime    time.Time                `json:"startTime"`
	Timestamp    time.Time                `json:"timestamp"`
}

// Task returns the stats reported under name.
func (s *Snapshot) Task(name string) (TaskStats, bool) {
	for _, ts := range s.Tasks {
		if ts.Name == name {
			return ts, true
		}
	}
	return TaskStats{}, false
}

// TaskStats contains the statistics of one task or initializer.
type TaskStats struct {
	Name      string           `json:"name"`
	Kind      load.OutcomeKind `json:"kind"`
	Count     int64            `json:"count"`
	Failures  int64            `json:"failures"`
	Bytes     int64            `json:"bytes"`
	Latency   LatencyStats     `json:"latency"`
	Notes     map[string]int64 `json:"notes,omitempty"`
	LastError string           `json:"lastError,omitempty"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}
