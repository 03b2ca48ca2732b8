package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ThresholdKind selects which statistic family a threshold applies to.
type ThresholdKind int

const (
	// LatencyThreshold compares a latency statistic against a duration.
	LatencyThreshold ThresholdKind = iota
	// FailureThreshold compares the failure rate or failure count.
	FailureThreshold
	// CountThreshold compares the task count or tasks per second.
	CountThreshold
)

var latencyMetrics = map[string]bool{
	"p50": true, "p90": true, "p95": true, "p99": true,
	"min": true, "max": true, "avg": true, "med": true,
}

var ratioMetrics = map[string]bool{"rate": true, "count": true}

var thresholdOps = map[string]bool{
	"<": true, ">": true, "<=": true, ">=": true, "==": true, "!=": true,
}

var thresholdRe = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// Threshold is a parsed threshold expression such as "p95 < 500ms".
type Threshold struct {
	Expression string
	Kind       ThresholdKind
	Metric     string
	Op         string

	// Duration is set for latency thresholds, Value otherwise.
	Duration time.Duration
	Value    float64
}

// ParseThreshold parses a threshold expression of the given kind.
//
// Valid formats:
//   - "p95 < 500ms" (latency)
//   - "rate < 0.01" (failure)
//   - "count > 1000" (count)
func ParseThreshold(kind ThresholdKind, expr string) (Threshold, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Threshold{}, fmt.Errorf("threshold expression cannot be empty")
	}

	m := thresholdRe.FindStringSubmatch(expr)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold expression %q (expected \"<metric> <op> <value>\")", expr)
	}

	t := Threshold{Expression: expr, Kind: kind, Metric: m[1], Op: m[2]}
	if !thresholdOps[t.Op] {
		return Threshold{}, fmt.Errorf("threshold must use a comparison operator (<, >, <=, >=, ==, !=), got %q", t.Op)
	}

	raw := strings.TrimSpace(m[3])
	switch kind {
	case LatencyThreshold:
		if !latencyMetrics[t.Metric] {
			return Threshold{}, fmt.Errorf("latency threshold must start with a valid metric (p50, p90, p95, p99, min, max, avg, med), got %q", t.Metric)
		}
		d, err := ParseDurationString(raw)
		if err != nil {
			return Threshold{}, fmt.Errorf("invalid threshold value: %w", err)
		}
		t.Duration = d
	default:
		if !ratioMetrics[t.Metric] {
			return Threshold{}, fmt.Errorf("threshold must start with rate or count, got %q", t.Metric)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Threshold{}, fmt.Errorf("invalid threshold value %q: not a number", raw)
		}
		t.Value = v
	}
	return t, nil
}

// Compare applies the threshold operator to actual and limit.
func Compare(actual float64, op string, limit float64) bool {
	switch op {
	case "<":
		return actual < limit
	case "<=":
		return actual <= limit
	case ">":
		return actual > limit
	case ">=":
		return actual >= limit
	case "==":
		return actual == limit
	case "!=":
		return actual != limit
	default:
		return false
	}
}
