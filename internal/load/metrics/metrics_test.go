package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
)

func taskOutcome(name string, d time.Duration, success bool) load.Outcome {
	o := load.Outcome{Root: "ReadOnly", Name: name, Kind: load.KindTask, Duration: d, Success: success, Status: 200, Bytes: 100}
	if !success {
		o.Status = 500
		o.ErrKind = load.ErrorClassified
		o.Error = "HTTP 500"
	}
	return o
}

func TestEngineObserve(t *testing.T) {
	e := NewEngine()
	e.Observe(taskOutcome("GET /api/products", 10*time.Millisecond, true))
	e.Observe(taskOutcome("GET /api/products", 20*time.Millisecond, true))
	e.Observe(taskOutcome("GET /api/products/search", 30*time.Millisecond, false))
	e.Observe(load.Outcome{Name: "ReadOnly:on_start", Kind: load.KindInit, Duration: time.Millisecond, ErrKind: load.ErrorInit, Error: "login rejected"})

	snap := e.Snapshot()
	assert.Equal(t, int64(3), snap.TotalTasks)
	assert.Equal(t, int64(2), snap.Succeeded)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(300), snap.TotalBytes)
	assert.Equal(t, int64(1), snap.InitRuns)
	assert.Equal(t, int64(1), snap.InitFailures)
	assert.InDelta(t, 1.0/3, snap.ErrorRate, 1e-9)
	assert.Equal(t, map[load.ErrorKind]int64{load.ErrorClassified: 1, load.ErrorInit: 1}, snap.ErrorKinds)
	assert.Equal(t, int64(3), snap.Latency.Count, "init runs stay out of the task histogram")

	require.Len(t, snap.Tasks, 3)
	products, ok := snap.Task("GET /api/products")
	require.True(t, ok)
	assert.Equal(t, int64(2), products.Count)
	assert.Equal(t, load.KindTask, products.Kind)

	search, ok := snap.Task("GET /api/products/search")
	require.True(t, ok)
	assert.Equal(t, int64(1), search.Failures)
	assert.Equal(t, "HTTP 500", search.LastError)

	onStart, ok := snap.Task("ReadOnly:on_start")
	require.True(t, ok)
	assert.Equal(t, load.KindInit, onStart.Kind)
}

func TestEngineLatencyPercentiles(t *testing.T) {
	e := NewEngine()
	for i := 1; i <= 10; i++ {
		e.Observe(taskOutcome("t", time.Duration(i*10)*time.Millisecond, true))
	}

	lat := e.Snapshot().Latency

	// HDR binning keeps values within 0.1%.
	assert.InDelta(t, float64(50*time.Millisecond), float64(lat.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(lat.P99), float64(time.Millisecond))
	assert.InDelta(t, float64(10*time.Millisecond), float64(lat.Min), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(lat.Max), float64(time.Millisecond))
}

func TestEngineNotes(t *testing.T) {
	e := NewEngine()
	o := taskOutcome("GET /api/orders", time.Millisecond, true)
	o.Status = 401
	o.Note = "unauthenticated"
	e.Observe(o)
	e.Observe(o)

	stats, ok := e.Snapshot().Task("GET /api/orders")
	require.True(t, ok)
	assert.Equal(t, map[string]int64{"unauthenticated": 2}, stats.Notes)
}

func TestEngineConcurrentObserve(t *testing.T) {
	e := NewEngine()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e.Observe(taskOutcome("t", time.Millisecond, i%10 != 0))
			}
		}()
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.Equal(t, int64(4000), snap.TotalTasks)
	assert.Equal(t, int64(400), snap.Failed)
}

func TestEngineReset(t *testing.T) {
	e := NewEngine()
	e.Observe(taskOutcome("t", time.Millisecond, true))
	e.SetActiveUsers(3)
	e.Reset()

	snap := e.Snapshot()
	assert.Zero(t, snap.TotalTasks)
	assert.Empty(t, snap.Tasks)
	assert.Zero(t, snap.ActiveUsers)
	assert.Equal(t, LatencyStats{}, snap.Latency)
}

func TestEngineResetWhileSnapshotting(t *testing.T) {
	e := NewEngine()
	before := e.Snapshot().StartTime

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = e.Snapshot()
			}
		}()
	}
	for j := 0; j < 50; j++ {
		e.Reset()
	}
	wg.Wait()

	after := e.Snapshot().StartTime
	assert.False(t, after.Before(before))
}

func TestEvaluateThresholds(t *testing.T) {
	snap := &Snapshot{
		TotalTasks: 1000,
		Failed:     20,
		ErrorRate:  0.02,
		Rate:       50,
		Latency:    LatencyStats{P95: 400 * time.Millisecond, Mean: 150 * time.Millisecond, P50: 120 * time.Millisecond},
		Tasks: []TaskStats{
			{Name: "GET /api/products", Latency: LatencyStats{P99: 2 * time.Second}},
		},
	}

	tests := []struct {
		name   string
		th     config.ThresholdsConfig
		passed []bool
	}{
		{
			name:   "latency",
			th:     config.ThresholdsConfig{TaskDuration: []string{"p95 < 500ms", "avg < 100ms", "med <= 120ms"}},
			passed: []bool{true, false, true},
		},
		{
			name:   "failures",
			th:     config.ThresholdsConfig{TaskFailed: []string{"rate < 0.05", "rate < 0.01", "count <= 20"}},
			passed: []bool{true, false, true},
		},
		{
			name:   "tasks",
			th:     config.ThresholdsConfig{Tasks: []string{"count > 500", "rate >= 100"}},
			passed: []bool{true, false},
		},
		{
			name: "per task",
			th: config.ThresholdsConfig{PerTask: map[string][]string{
				"GET /api/products": {"p99 < 1s"},
				"missing":           {"p99 < 1s"},
			}},
			passed: []bool{false, false},
		},
		{
			name:   "unparseable",
			th:     config.ThresholdsConfig{TaskDuration: []string{"p95 ~ 1s"}},
			passed: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := EvaluateThresholds(&tt.th, snap)
			require.Len(t, results, len(tt.passed))
			for i, r := range results {
				assert.Equal(t, tt.passed[i], r.Passed, "%s: %s", r.Expression, r.Message)
				if !r.Passed {
					assert.NotEmpty(t, r.Message)
				}
			}
		})
	}

	assert.Nil(t, EvaluateThresholds(nil, snap))
	assert.True(t, Passed(nil))
	assert.False(t, Passed([]ThresholdResult{{Passed: true}, {Passed: false}}))
}

func TestPrometheusObserver(t *testing.T) {
	p := NewPrometheus("run-1")
	p.Observe(taskOutcome("GET /api/products", 10*time.Millisecond, true))
	p.Observe(taskOutcome("GET /api/products", 10*time.Millisecond, false))
	p.Observe(load.Outcome{Root: "ReadOnly", Name: "ReadOnly:on_start", Kind: load.KindInit, Success: true})
	p.SetUsers(4, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.outcomes.WithLabelValues("ReadOnly", "GET /api/products", "task", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.outcomes.WithLabelValues("ReadOnly", "GET /api/products", "task", "failure", "classified")))
	assert.Equal(t, 200.0, testutil.ToFloat64(p.bytes.WithLabelValues("ReadOnly", "GET /api/products")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.activeUsers))
	assert.Equal(t, 10.0, testutil.ToFloat64(p.targetUsers))

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `volley_task_duration_seconds_count{name="GET /api/products",root="ReadOnly",run="run-1"} 2`), text)
	assert.Contains(t, text, "volley_active_users")
}
