// Package plan compiles a parsed plan file into task sets, pacing and a
// ramp the runner can execute.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/internal/load/runner"
)

// Root is a compiled root task set and its spawn weight. Pacing is nil
// when the root uses the plan pacing.
type Root struct {
	TaskSet *load.TaskSet
	Weight  int
	Pacing  load.Pacing
}

// Plan is a compiled, immutable plan.
type Plan struct {
	Name         string
	Settings     config.GlobalSettings
	Roots        []Root
	Users        int
	Ramp         runner.Ramp
	Duration     time.Duration
	GracefulStop time.Duration
	Pacing       load.Pacing
	Seed         uint64
	Thresholds   *config.ThresholdsConfig

	contextOptions []load.ContextOption
}

// Compile validates cfg and builds the plan. Defaults are applied to cfg.
// Every problem found is reported in a single *load.ConfigurationErrors.
func Compile(cfg *config.PlanConfig) (*Plan, error) {
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	errs := &load.ConfigurationErrors{}
	checkCycles(cfg, errs)
	if errs.HasErrors() {
		return nil, errs
	}

	var login load.Authenticator
	if cfg.Auth != nil {
		l, err := compileLogin(cfg.Auth)
		if err != nil {
			errs.Merge("auth", err)
		} else {
			login = l
		}
	}

	c := &compiler{cfg: cfg, login: login, built: map[string]*load.TaskSet{}, errs: errs}

	p := &Plan{
		Name:         cfg.Name,
		Settings:     cfg.Settings,
		Users:        cfg.Load.Users,
		Duration:     cfg.RunDuration(),
		GracefulStop: cfg.Load.GracefulStop.GetDuration(runner.DefaultGracefulStop),
		Seed:         cfg.Load.Seed,
		Thresholds:   cfg.Thresholds,
	}

	pacing, err := compilePacing(cfg.Pacing)
	if err != nil {
		errs.Merge("pacing", err)
	}
	p.Pacing = pacing

	for _, name := range sortedNames(cfg.Roots) {
		ts := c.taskSet(name)
		if ts == nil {
			continue
		}
		root := Root{TaskSet: ts, Weight: cfg.Roots[name]}
		if tc := cfg.TaskSets[name]; tc.Pacing != nil {
			if root.Pacing, err = compilePacing(tc.Pacing); err != nil {
				errs.Merge("taskSets."+name+".pacing", err)
			}
		}
		p.Roots = append(p.Roots, root)
	}

	p.Ramp = compileRamp(&cfg.Load)
	if err := p.Ramp.Validate(); err != nil {
		errs.Merge("load", err)
	}

	if errs.HasErrors() {
		return nil, errs
	}

	if cfg.Auth != nil {
		scheme := cfg.Auth.Scheme
		if strings.EqualFold(scheme, "none") {
			scheme = ""
		}
		p.contextOptions = append(p.contextOptions, load.WithTokenHeader(cfg.Auth.Header, scheme))
	}
	if len(cfg.Variables) > 0 {
		p.contextOptions = append(p.contextOptions, load.WithVars(cfg.Variables))
	}

	return p, nil
}

// ContextOptions returns the options applied to every user's context.
func (p *Plan) ContextOptions() []load.ContextOption {
	return append([]load.ContextOption(nil), p.contextOptions...)
}

// RunnerConfig returns the runner settings the plan implies.
func (p *Plan) RunnerConfig() runner.Config {
	return runner.Config{
		Timeout:        p.Settings.Timeout.GetDuration(load.DefaultTimeout),
		GracefulStop:   p.GracefulStop,
		Pacing:         p.Pacing,
		ContextOptions: p.ContextOptions(),
		Seed:           p.Seed,
	}
}

// Register adds every root of the plan to r.
func (p *Plan) Register(r *runner.Runner) error {
	for _, root := range p.Roots {
		var opts []runner.RootOption
		if root.Pacing != nil {
			opts = append(opts, runner.WithRootPacing(root.Pacing))
		}
		if err := r.Register(root.TaskSet, root.Weight, opts...); err != nil {
			return fmt.Errorf("register %q: %w", root.TaskSet.Name(), err)
		}
	}
	return nil
}

// PeakUsers returns the highest user count the plan asks for.
func (p *Plan) PeakUsers() int {
	peak := p.Users
	for _, s := range p.stages() {
		if s.Target > peak {
			peak = s.Target
		}
	}
	return peak
}

func (p *Plan) stages() []runner.Stage {
	return p.Ramp.StageList()
}

func compilePacing(pc *config.PacingConfig) (load.Pacing, error) {
	if pc == nil {
		return load.NoPacing(), nil
	}
	switch pc.Type {
	case "constant":
		return load.Constant(time.Duration(pc.Duration)), nil
	case "random":
		return load.Between(time.Duration(pc.Min), time.Duration(pc.Max))
	case "throughput":
		return load.ConstantThroughput(pc.Rate), nil
	default:
		return load.NoPacing(), nil
	}
}

func compileRamp(lc *config.LoadSettings) runner.Ramp {
	switch {
	case len(lc.Stages) > 0:
		stages := make([]runner.Stage, len(lc.Stages))
		for i, s := range lc.Stages {
			stages[i] = runner.Stage{Duration: time.Duration(s.Duration), Target: s.Target, Name: s.Name}
		}
		return runner.Stages(stages...)
	case lc.SpawnRate > 0:
		return runner.Linear(lc.SpawnRate)
	default:
		return runner.Immediate()
	}
}

// checkCycles rejects task sets that reference themselves, directly or
// through other sets.
func checkCycles(cfg *config.PlanConfig, errs *load.ConfigurationErrors) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(cfg.TaskSets))
	reported := make(map[string]bool)

	var visit func(name string, chain []string)
	visit = func(name string, chain []string) {
		switch state[name] {
		case onStack:
			start := 0
			for i, n := range chain {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), chain[start:]...), name)
			if !reported[name] {
				reported[name] = true
				errs.Addf("taskSets."+name, "cycle detected: %s", strings.Join(cycle, " -> "))
			}
			return
		case done:
			return
		}

		ts, ok := cfg.TaskSets[name]
		if !ok || ts == nil {
			return
		}
		state[name] = onStack
		chain = append(chain, name)
		for _, task := range ts.Tasks {
			if task.IsReference() {
				visit(task.TaskSet, chain)
			}
		}
		state[name] = done
	}

	for _, name := range sortedNames(cfg.TaskSets) {
		visit(name, nil)
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
