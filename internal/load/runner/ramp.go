package runner

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/wesleyorama2/volley/internal/load"
)

// Stage is one segment of a staged ramp: the user count moves linearly
// from the previous stage's target to Target over Duration.
type Stage struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Target   int           `json:"target" yaml:"target"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
}

type rampKind int

const (
	rampImmediate rampKind = iota
	rampLinear
	rampStages
)

// Ramp describes how the runner reaches its target concurrency.
type Ramp struct {
	kind      rampKind
	spawnRate float64
	stages    []Stage
}

// Immediate spawns every user at once.
func Immediate() Ramp {
	return Ramp{kind: rampImmediate}
}

// Linear spawns users at spawnRate users per second until the target is
// reached.
func Linear(spawnRate float64) Ramp {
	return Ramp{kind: rampLinear, spawnRate: spawnRate}
}

// Stages interpolates the user count through stages. The target passed to
// Start is ignored; stage targets are absolute. Users beyond the current
// target are retired gracefully.
func Stages(stages ...Stage) Ramp {
	return Ramp{kind: rampStages, stages: append([]Stage(nil), stages...)}
}

func (r Ramp) String() string {
	switch r.kind {
	case rampLinear:
		return fmt.Sprintf("linear(%.2f/s)", r.spawnRate)
	case rampStages:
		return fmt.Sprintf("stages(%d)", len(r.stages))
	default:
		return "immediate"
	}
}

// Validate checks the ramp parameters.
func (r Ramp) Validate() error {
	errs := &load.ConfigurationErrors{}
	switch r.kind {
	case rampLinear:
		if r.spawnRate <= 0 || math.IsNaN(r.spawnRate) || math.IsInf(r.spawnRate, 0) {
			errs.Addf("load.spawnRate", "spawn rate must be a positive number, got %v", r.spawnRate)
		}
	case rampStages:
		if len(r.stages) == 0 {
			errs.Add("load.stages", "at least one stage is required")
		}
		for i, s := range r.stages {
			if s.Duration <= 0 {
				errs.Addf(fmt.Sprintf("load.stages[%d].duration", i), "must be positive, got %v", s.Duration)
			}
			if s.Target < 0 {
				errs.Addf(fmt.Sprintf("load.stages[%d].target", i), "must be non-negative, got %d", s.Target)
			}
		}
	}
	return errs.ErrOrNil()
}

// StageList returns a copy of the stages of a staged ramp.
func (r Ramp) StageList() []Stage {
	return append([]Stage(nil), r.stages...)
}

// Duration returns the total length of a staged ramp, or zero.
func (r Ramp) Duration() time.Duration {
	var total time.Duration
	for _, s := range r.stages {
		total += s.Duration
	}
	return total
}

// Target returns the desired user count elapsed into the run.
func (r Ramp) Target(elapsed time.Duration, users int) int {
	if r.kind != rampStages {
		return users
	}
	target, _ := r.stageTarget(elapsed)
	return target
}

// StageAt returns the stage active elapsed into a staged ramp and its
// 1-based index. ok is false for other ramps.
func (r Ramp) StageAt(elapsed time.Duration) (stage Stage, index int, ok bool) {
	if r.kind != rampStages || len(r.stages) == 0 {
		return Stage{}, 0, false
	}
	_, i := r.stageTarget(elapsed)
	return r.stages[i], i + 1, true
}

// stageTarget interpolates linearly between the previous and the current
// stage target and reports the current stage index.
func (r Ramp) stageTarget(elapsed time.Duration) (int, int) {
	var stageStart time.Duration
	prevTarget := 0

	for i, stage := range r.stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			if progress < 0 {
				progress = 0
			}
			if progress > 1 {
				progress = 1
			}

			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return int(target + 0.5), i
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	if len(r.stages) > 0 {
		return r.stages[len(r.stages)-1].Target, len(r.stages) - 1
	}
	return 0, 0
}

// limiter returns the spawn limiter, or nil when spawning is unthrottled.
func (r Ramp) limiter() *rate.Limiter {
	if r.kind != rampLinear {
		return nil
	}
	burst := int(math.Ceil(r.spawnRate))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r.spawnRate), burst)
}
