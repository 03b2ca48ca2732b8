package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/pkg/jsonpath"
	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// Validate validates the entire plan. Call ApplyDefaults first.
//
// Returns nil if valid, or a *load.ConfigurationErrors containing every
// problem found. Reference cycles between task sets are detected when the
// plan is compiled.
func (p *PlanConfig) Validate() error {
	errs := &load.ConfigurationErrors{}

	validateSettings(&p.Settings, errs)
	validateLoad(&p.Load, errs)

	if p.Pacing != nil {
		validatePacing("pacing", p.Pacing, errs)
	}
	if p.Auth != nil {
		validateAuth("auth", p.Auth, errs)
	}

	if len(p.TaskSets) == 0 {
		errs.Add("taskSets", "at least one task set is required")
	}
	for _, name := range sortedKeys(p.TaskSets) {
		validateTaskSet(p, name, p.TaskSets[name], errs)
	}

	if len(p.Roots) == 0 {
		errs.Add("roots", "at least one root task set is required")
	}
	for _, name := range sortedKeys(p.Roots) {
		if _, ok := p.TaskSets[name]; !ok {
			errs.Addf("roots."+name, "unknown task set %q", name)
		}
		if p.Roots[name] <= 0 {
			errs.Addf("roots."+name, "weight must be positive, got %d", p.Roots[name])
		}
	}

	if p.Thresholds != nil {
		validateThresholds(p.Thresholds, errs)
	}

	return errs.ErrOrNil()
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *load.ConfigurationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Addf("settings.baseUrl", "invalid URL: %v", err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Addf("settings.baseUrl", "scheme must be http or https, got %q", u.Scheme)
		}
	}

	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}

// validateLoad validates the user population settings.
func validateLoad(l *LoadSettings, errs *load.ConfigurationErrors) {
	if len(l.Stages) == 0 {
		if l.Users <= 0 {
			errs.Add("load.users", "users must be greater than 0")
		}
	} else if l.Users != 0 {
		errs.Add("load.users", "users and stages are mutually exclusive")
	}

	if l.SpawnRate < 0 {
		errs.Add("load.spawnRate", "cannot be negative")
	}
	if l.SpawnRate > 0 && len(l.Stages) > 0 {
		errs.Add("load.spawnRate", "spawnRate and stages are mutually exclusive")
	}
	if l.Duration < 0 {
		errs.Add("load.duration", "cannot be negative")
	}
	if l.GracefulStop < 0 {
		errs.Add("load.gracefulStop", "cannot be negative")
	}

	for i, stage := range l.Stages {
		validateStage(fmt.Sprintf("load.stages[%d]", i), &stage, errs)
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *load.ConfigurationErrors) {
	if stage.Duration <= 0 {
		errs.Add(prefix+".duration", "duration must be positive")
	}
	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *load.ConfigurationErrors) {
	switch pacing.Type {
	case "none":
	case "constant":
		if pacing.Duration <= 0 {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		}
	case "random":
		if pacing.Max <= 0 {
			errs.Add(prefix+".max", "max is required for random pacing")
		}
		if pacing.Min < 0 {
			errs.Add(prefix+".min", "cannot be negative")
		}
		if pacing.Min > pacing.Max {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	case "throughput":
		if pacing.Rate <= 0 {
			errs.Add(prefix+".rate", "rate must be greater than 0 for throughput pacing")
		}
	default:
		errs.Addf(prefix+".type", "invalid pacing type: %s", pacing.Type)
	}
}

// validateAuth validates the login call.
func validateAuth(prefix string, auth *AuthConfig, errs *load.ConfigurationErrors) {
	if !validMethods[strings.ToUpper(auth.Method)] {
		errs.Addf(prefix+".method", "invalid HTTP method: %s", auth.Method)
	}
	if auth.Path == "" {
		errs.Add(prefix+".path", "path is required")
	}
	if auth.TokenPath == "" {
		errs.Add(prefix+".tokenPath", "tokenPath is required")
	} else if !jsonpath.Valid(auth.TokenPath) {
		errs.Addf(prefix+".tokenPath", "invalid JSONPath: %s", auth.TokenPath)
	}
	for i, status := range auth.AcceptStatus {
		if status < 100 || status > 599 {
			errs.Addf(fmt.Sprintf("%s.acceptStatus[%d]", prefix, i), "invalid status code: %d", status)
		}
	}
}

// validateTaskSet validates a named task set and its children.
func validateTaskSet(p *PlanConfig, name string, ts *TaskSetConfig, errs *load.ConfigurationErrors) {
	prefix := "taskSets." + name
	if ts == nil {
		errs.Add(prefix, "task set is empty")
		return
	}

	if _, err := load.ParseDiscipline(ts.Discipline); err != nil {
		errs.Add(prefix+".discipline", err.Error())
	}

	if ts.Pacing != nil {
		if _, ok := p.Roots[name]; !ok {
			errs.Add(prefix+".pacing", "pacing is only allowed on root task sets")
		}
		validatePacing(prefix+".pacing", ts.Pacing, errs)
	}

	if ts.OnStart != nil && ts.OnStart.Authenticate && p.Auth == nil {
		errs.Add(prefix+".onStart.authenticate", "requires an auth section")
	}

	if len(ts.Tasks) == 0 {
		errs.Add(prefix+".tasks", "at least one task is required")
	}

	for i := range ts.Tasks {
		validateTask(p, fmt.Sprintf("%s.tasks[%d]", prefix, i), &ts.Tasks[i], errs)
	}
}

// validateTask validates a leaf task or a task set reference.
func validateTask(p *PlanConfig, prefix string, task *TaskConfig, errs *load.ConfigurationErrors) {
	if task.Weight <= 0 {
		errs.Addf(prefix+".weight", "weight must be positive, got %d", task.Weight)
	}

	if task.IsReference() {
		if _, ok := p.TaskSets[task.TaskSet]; !ok {
			errs.Addf(prefix+".taskSet", "unknown task set %q", task.TaskSet)
		}
		if task.Method != "" || task.Path != "" || task.Body != "" {
			errs.Add(prefix, "a task set reference cannot define a request")
		}
		return
	}

	method := strings.ToUpper(task.Method)
	if method == "" {
		errs.Add(prefix+".method", "method is required")
	} else if !validMethods[method] {
		errs.Addf(prefix+".method", "invalid HTTP method: %s", task.Method)
	}

	if task.Path == "" {
		errs.Add(prefix+".path", "path is required")
	}

	if task.Timeout < 0 {
		errs.Add(prefix+".timeout", "cannot be negative")
	}

	for i, extract := range task.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &extract, errs)
	}

	for i, rule := range task.Classify {
		validateClassifyRule(fmt.Sprintf("%s.classify[%d]", prefix, i), &rule, errs)
	}
}

// validateExtract validates an extract configuration.
func validateExtract(prefix string, extract *ExtractConfig, errs *load.ConfigurationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	switch extract.Source {
	case "body":
		if extract.Path == "" {
			errs.Add(prefix+".path", "path is required for body extraction")
		} else if !jsonpath.Valid(extract.Path) {
			errs.Addf(prefix+".path", "invalid JSONPath: %s", extract.Path)
		}
	case "header":
		if extract.Path == "" {
			errs.Add(prefix+".path", "header name is required for header extraction")
		}
	case "status":
	case "":
		errs.Add(prefix+".source", "source is required")
	default:
		errs.Addf(prefix+".source", "invalid source: %s", extract.Source)
	}
}

// validateClassifyRule validates a response classification rule.
func validateClassifyRule(prefix string, rule *ClassifyRule, errs *load.ConfigurationErrors) {
	switch rule.Result {
	case "success", "failure":
	case "":
		errs.Add(prefix+".result", "result is required (success or failure)")
	default:
		errs.Addf(prefix+".result", "invalid result: %s", rule.Result)
	}

	if len(rule.Status) == 0 && rule.BodyContains == "" && rule.JSONPath == "" && rule.Schema == "" {
		errs.Add(prefix, "at least one condition is required (status, bodyContains, jsonPath, schema)")
	}

	for i, status := range rule.Status {
		if status < 100 || status > 599 {
			errs.Addf(fmt.Sprintf("%s.status[%d]", prefix, i), "invalid status code: %d", status)
		}
	}

	if rule.JSONPath != "" && !jsonpath.Valid(rule.JSONPath) {
		errs.Addf(prefix+".jsonPath", "invalid JSONPath: %s", rule.JSONPath)
	}
	if rule.Equals != nil && rule.JSONPath == "" {
		errs.Add(prefix+".equals", "equals requires jsonPath")
	}

	if rule.Schema != "" {
		if _, err := jsonschema.Compile(rule.Schema); err != nil {
			errs.Add(prefix+".schema", err.Error())
		}
	}
}

// validateThresholds validates threshold configuration.
func validateThresholds(t *ThresholdsConfig, errs *load.ConfigurationErrors) {
	for i, expr := range t.TaskDuration {
		if _, err := ParseThreshold(LatencyThreshold, expr); err != nil {
			errs.Add(fmt.Sprintf("thresholds.taskDuration[%d]", i), err.Error())
		}
	}

	for i, expr := range t.TaskFailed {
		if _, err := ParseThreshold(FailureThreshold, expr); err != nil {
			errs.Add(fmt.Sprintf("thresholds.taskFailed[%d]", i), err.Error())
		}
	}

	for i, expr := range t.Tasks {
		if _, err := ParseThreshold(CountThreshold, expr); err != nil {
			errs.Add(fmt.Sprintf("thresholds.tasks[%d]", i), err.Error())
		}
	}

	for _, name := range sortedKeys(t.PerTask) {
		for i, expr := range t.PerTask[name] {
			if _, err := ParseThreshold(LatencyThreshold, expr); err != nil {
				errs.Add(fmt.Sprintf("thresholds.perTask.%s[%d]", name, i), err.Error())
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
