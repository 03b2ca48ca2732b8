package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/wesleyorama2/volley/internal/load/config"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// EvaluateThresholds evaluates every configured threshold against snap.
// Expressions that fail to parse are reported as failed results.
func EvaluateThresholds(th *config.ThresholdsConfig, snap *Snapshot) []ThresholdResult {
	if th == nil || snap == nil {
		return nil
	}

	var results []ThresholdResult

	for _, expr := range th.TaskDuration {
		results = append(results, evaluateDuration("task_duration", expr, snap.Latency))
	}

	for _, expr := range th.TaskFailed {
		results = append(results, evaluateFailed(expr, snap))
	}

	for _, expr := range th.Tasks {
		results = append(results, evaluateTasks(expr, snap))
	}

	names := make([]string, 0, len(th.PerTask))
	for name := range th.PerTask {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats, ok := snap.Task(name)
		for _, expr := range th.PerTask[name] {
			metric := "task_duration{" + name + "}"
			if !ok {
				results = append(results, ThresholdResult{
					Metric:     metric,
					Expression: expr,
					Message:    fmt.Sprintf("no outcomes recorded for %q", name),
				})
				continue
			}
			results = append(results, evaluateDuration(metric, expr, stats.Latency))
		}
	}

	return results
}

// Passed reports whether every threshold passed.
func Passed(results []ThresholdResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// evaluateDuration evaluates a latency threshold expression.
func evaluateDuration(metric, expr string, latency LatencyStats) ThresholdResult {
	result := ThresholdResult{Metric: metric, Expression: expr}

	t, err := config.ParseThreshold(config.LatencyThreshold, expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	var actual time.Duration
	switch t.Metric {
	case "min":
		actual = latency.Min
	case "max":
		actual = latency.Max
	case "avg":
		actual = latency.Mean
	case "p50", "med":
		actual = latency.P50
	case "p90":
		actual = latency.P90
	case "p95":
		actual = latency.P95
	case "p99":
		actual = latency.P99
	}

	result.Value = actual.String()
	result.Passed = config.Compare(float64(actual), t.Op, float64(t.Duration))
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", t.Metric, actual, t.Op, t.Duration)
	}
	return result
}

// evaluateFailed evaluates a failure rate or failure count threshold.
func evaluateFailed(expr string, snap *Snapshot) ThresholdResult {
	result := ThresholdResult{Metric: "task_failed", Expression: expr}

	t, err := config.ParseThreshold(config.FailureThreshold, expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	actual := snap.ErrorRate
	format := "%.4f"
	if t.Metric == "count" {
		actual = float64(snap.Failed)
		format = "%.0f"
	}

	result.Value = fmt.Sprintf(format, actual)
	result.Passed = config.Compare(actual, t.Op, t.Value)
	if !result.Passed {
		result.Message = fmt.Sprintf("failure %s is "+format+", threshold: %s %v", t.Metric, actual, t.Op, t.Value)
	}
	return result
}

// evaluateTasks evaluates a task count or throughput threshold.
func evaluateTasks(expr string, snap *Snapshot) ThresholdResult {
	result := ThresholdResult{Metric: "tasks", Expression: expr}

	t, err := config.ParseThreshold(config.CountThreshold, expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	actual := snap.Rate
	if t.Metric == "count" {
		actual = float64(snap.TotalTasks)
	}

	result.Value = fmt.Sprintf("%.2f", actual)
	result.Passed = config.Compare(actual, t.Op, t.Value)
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %.2f, threshold: %s %.2f", t.Metric, actual, t.Op, t.Value)
	}
	return result
}
