package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/metrics"
	"github.com/wesleyorama2/volley/internal/load/runner"
)

// maxInitFailures caps how many initializer errors a result carries.
const maxInitFailures = 20

// Result is the outcome of a whole run.
type Result struct {
	Name         string                    `json:"name"`
	RunID        string                    `json:"runId"`
	StartTime    time.Time                 `json:"startTime"`
	EndTime      time.Time                 `json:"endTime"`
	Duration     time.Duration             `json:"duration"`
	Passed       bool                      `json:"passed"`
	Error        string                    `json:"error,omitempty"`
	Users        runner.Stats              `json:"users"`
	InitFailures []string                  `json:"initFailures,omitempty"`
	Metrics      *metrics.Snapshot         `json:"metrics"`
	Thresholds   []metrics.ThresholdResult `json:"thresholds,omitempty"`
}

// NewResult assembles a result. A run passes when it ended without error
// and every threshold passed.
func NewResult(name string, start, end time.Time, users runner.Stats, snap *metrics.Snapshot, thresholds []metrics.ThresholdResult, initErrs []*load.InitializationError, runErr error) *Result {
	r := &Result{
		Name:       name,
		RunID:      users.RunID,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		Users:      users,
		Metrics:    snap,
		Thresholds: thresholds,
		Passed:     runErr == nil && metrics.Passed(thresholds),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	for i, err := range initErrs {
		if i == maxInitFailures {
			r.InitFailures = append(r.InitFailures, fmt.Sprintf("... and %d more", len(initErrs)-maxInitFailures))
			break
		}
		r.InitFailures = append(r.InitFailures, err.Error())
	}
	return r
}

// WriteJSON writes the result as indented JSON.
func (r *Result) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteJSONFile writes the result to path.
func (r *Result) WriteJSONFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
