package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent is sent when settings.userAgent is empty.
const DefaultUserAgent = "volley/1.0"

// LoadConfig loads a plan from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// Defaults are not applied; call ApplyDefaults before Validate.
func LoadConfig(path string) (*PlanConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses plan data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*PlanConfig, error) {
	var plan PlanConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse JSON plan: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse YAML plan: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse plan (unknown format %s): %w", ext, err)
		}
	}

	return &plan, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var seconds int
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &seconds, &rest); n == 1 {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// RunDuration returns the configured run length: load.duration when set,
// otherwise the sum of the stage durations.
func (p *PlanConfig) RunDuration() time.Duration {
	if p.Load.Duration > 0 {
		return time.Duration(p.Load.Duration)
	}
	var total time.Duration
	for _, s := range p.Load.Stages {
		total += time.Duration(s.Duration)
	}
	return total
}

// ApplyDefaults applies default values to a plan.
func ApplyDefaults(plan *PlanConfig) {
	if plan.Settings.Timeout == 0 {
		plan.Settings.Timeout = Duration(30 * time.Second)
	}
	if plan.Settings.MaxConnectionsPerHost == 0 {
		plan.Settings.MaxConnectionsPerHost = 100
	}
	if plan.Settings.MaxIdleConnsPerHost == 0 {
		plan.Settings.MaxIdleConnsPerHost = 100
	}
	if plan.Settings.UserAgent == "" {
		plan.Settings.UserAgent = DefaultUserAgent
	}

	if plan.Load.GracefulStop == 0 {
		plan.Load.GracefulStop = Duration(30 * time.Second)
	}

	if plan.Pacing == nil {
		plan.Pacing = &PacingConfig{Type: "none"}
	}
	if plan.Pacing.Type == "" {
		plan.Pacing.Type = "none"
	}

	if plan.Auth != nil {
		if plan.Auth.Method == "" {
			plan.Auth.Method = "POST"
		}
		if plan.Auth.Header == "" {
			plan.Auth.Header = "Authorization"
		}
		if plan.Auth.Scheme == "" {
			plan.Auth.Scheme = "Bearer"
		}
		if len(plan.Auth.AcceptStatus) == 0 {
			plan.Auth.AcceptStatus = []int{200}
		}
	}

	// A single task set needs no roots section.
	if len(plan.Roots) == 0 && len(plan.TaskSets) == 1 {
		for name := range plan.TaskSets {
			plan.Roots = map[string]int{name: 1}
		}
	}

	for name, ts := range plan.TaskSets {
		applyTaskSetDefaults(name, ts)
	}
}

// applyTaskSetDefaults applies default values to a task set.
func applyTaskSetDefaults(name string, ts *TaskSetConfig) {
	if ts == nil {
		return
	}
	if ts.Discipline == "" {
		ts.Discipline = "weighted"
	}
	if ts.Pacing != nil && ts.Pacing.Type == "" {
		ts.Pacing.Type = "none"
	}

	for i := range ts.Tasks {
		task := &ts.Tasks[i]
		if task.Weight == 0 {
			task.Weight = 1
		}
		if task.IsReference() {
			if task.Name == "" {
				task.Name = task.TaskSet
			}
			continue
		}
		if task.Method == "" {
			task.Method = "GET"
		}
		task.Method = strings.ToUpper(task.Method)
		if task.Name == "" {
			if task.Path != "" {
				task.Name = task.Method + " " + task.Path
			} else {
				task.Name = fmt.Sprintf("%s_task_%d", name, i+1)
			}
		}
		for j := range task.Extract {
			if task.Extract[j].Source == "" {
				task.Extract[j].Source = "body"
			}
		}
	}
}
