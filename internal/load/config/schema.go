// Package config provides plan file parsing and validation.
package config

import (
	"time"
)

// PlanConfig is the root of a load test plan.
//
// Example YAML:
//
//	name: "Shop API"
//	settings:
//	  baseUrl: "https://shop.example.com"
//	  timeout: 10s
//	load:
//	  users: 50
//	  spawnRate: 5
//	  duration: 5m
//	pacing:
//	  type: random
//	  min: 1s
//	  max: 3s
//	taskSets:
//	  ReadOnly:
//	    tasks:
//	      - name: "GET /api/products"
//	        weight: 25
//	        method: GET
//	        path: /api/products
//	roots:
//	  ReadOnly: 1
type PlanConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains transport settings shared by all users
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables seed every user's scratch variables
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Load controls concurrency, ramp-up and run length
	Load LoadSettings `json:"load" yaml:"load"`

	// Pacing controls the wait between tasks of one user
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Auth configures the login call used by onStart.authenticate
	Auth *AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	// TaskSets are the named task sets of the plan
	TaskSets map[string]*TaskSetConfig `json:"taskSets" yaml:"taskSets"`

	// Roots maps root task set names to their spawn weight
	Roots map[string]int `json:"roots" yaml:"roots"`

	// Thresholds define pass/fail criteria evaluated after the run
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// GlobalSettings contains HTTP transport settings.
type GlobalSettings struct {
	// BaseURL is prefixed to every task path
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default per-call timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// PerUserClient gives every user its own connection pool
	PerUserClient bool `json:"perUserClient,omitempty" yaml:"perUserClient,omitempty"`
}

// LoadSettings controls the user population.
type LoadSettings struct {
	// Users is the target number of concurrent users
	Users int `json:"users,omitempty" yaml:"users,omitempty"`

	// SpawnRate is users started per second; zero spawns all at once
	SpawnRate float64 `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`

	// Duration is how long to run; defaults to the sum of stage durations
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// GracefulStop bounds how long in-flight calls may finish after stop
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Stages ramp the user count up and down; overrides users/spawnRate
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Seed makes the run's random choices reproducible when non-zero
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// StageConfig defines a single stage of a staged ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target user count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls the wait between tasks.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random", "throughput"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`

	// Rate is tasks per second per user for throughput pacing
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// AuthConfig describes the login call that yields a session token.
type AuthConfig struct {
	// Method of the login call, default POST
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path of the login call (template)
	Path string `json:"path" yaml:"path"`

	// Body of the login call (template)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Headers of the login call
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// TokenPath locates the token in the JSON response
	TokenPath string `json:"tokenPath" yaml:"tokenPath"`

	// Header carries the token on later calls, default Authorization
	Header string `json:"header,omitempty" yaml:"header,omitempty"`

	// Scheme prefixes the token, default Bearer; "none" sends the bare token
	Scheme string `json:"scheme,omitempty" yaml:"scheme,omitempty"`

	// AcceptStatus lists statuses treated as a completed login, default 200
	AcceptStatus []int `json:"acceptStatus,omitempty" yaml:"acceptStatus,omitempty"`

	// Required fails user initialization when login is rejected, default true
	Required *bool `json:"required,omitempty" yaml:"required,omitempty"`
}

// IsRequired reports whether a rejected login fails initialization.
func (a *AuthConfig) IsRequired() bool {
	return a.Required == nil || *a.Required
}

// TaskSetConfig defines a named task set.
type TaskSetConfig struct {
	// Discipline is "weighted" (default) or "sequential"
	Discipline string `json:"discipline,omitempty" yaml:"discipline,omitempty"`

	// OnStart runs when a user enters the set
	OnStart *OnStartConfig `json:"onStart,omitempty" yaml:"onStart,omitempty"`

	// Pacing overrides the plan pacing for users whose root is this set
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Tasks are the children of the set, in declaration order
	Tasks []TaskConfig `json:"tasks" yaml:"tasks"`
}

// OnStartConfig defines a task set initializer.
type OnStartConfig struct {
	// Authenticate logs the user in using the plan's auth section
	Authenticate bool `json:"authenticate,omitempty" yaml:"authenticate,omitempty"`

	// Reset clears scratch variables, e.g. ids created in a previous pass
	Reset []string `json:"reset,omitempty" yaml:"reset,omitempty"`

	// Headers are set as overrides for all later calls of the user
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Set assigns scratch variables (templates)
	Set map[string]string `json:"set,omitempty" yaml:"set,omitempty"`
}

// TaskConfig defines a leaf request task or a reference to another task set.
type TaskConfig struct {
	// Name for this task (used in outcomes and metrics)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Weight of this child in its parent, default 1
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty"`

	// TaskSet references a named task set instead of defining a request
	TaskSet string `json:"taskSet,omitempty" yaml:"taskSet,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path is appended to the base URL (template)
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Headers are request-specific headers (templates)
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (template)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is a task-specific timeout (overrides settings.timeout)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Extract captures values from successful responses
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`

	// Classify overrides the default status policy, first match wins
	Classify []ClassifyRule `json:"classify,omitempty" yaml:"classify,omitempty"`
}

// IsReference reports whether the task points at another task set.
func (t *TaskConfig) IsReference() bool {
	return t.TaskSet != ""
}

// ExtractConfig defines how to capture a variable from a response.
type ExtractConfig struct {
	// Name of the variable to store
	Name string `json:"name" yaml:"name"`

	// Source is where to extract from: "body" (default), "header", "status"
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Path is the header name, or JSONPath for body
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ClassifyRule decides the verdict of a response when all of its
// conditions hold.
type ClassifyRule struct {
	// Status matches any of the listed statuses
	Status []int `json:"status,omitempty" yaml:"status,omitempty"`

	// BodyContains matches a substring of the body
	BodyContains string `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`

	// JSONPath must resolve in the body; with Equals, to that value
	JSONPath string  `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
	Equals   *string `json:"equals,omitempty" yaml:"equals,omitempty"`

	// Schema is an inline JSON Schema the body must satisfy
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`

	// Negate inverts the combined condition
	Negate bool `json:"negate,omitempty" yaml:"negate,omitempty"`

	// Result is "success" or "failure"
	Result string `json:"result" yaml:"result"`

	// Note is attached to the outcome
	Note string `json:"note,omitempty" yaml:"note,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for the test.
type ThresholdsConfig struct {
	// TaskDuration thresholds over all task latencies
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	TaskDuration []string `json:"taskDuration,omitempty" yaml:"taskDuration,omitempty"`

	// TaskFailed thresholds for the failure rate
	// e.g., ["rate < 0.01"] (less than 1% failures)
	TaskFailed []string `json:"taskFailed,omitempty" yaml:"taskFailed,omitempty"`

	// Tasks thresholds for task count/throughput
	// e.g., ["count > 1000", "rate > 100"]
	Tasks []string `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	// PerTask latency thresholds keyed by task name
	PerTask map[string][]string `json:"perTask,omitempty" yaml:"perTask,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
