package load

import (
	"fmt"
	"time"
)

// Pacing decides how long a user waits between tasks.
type Pacing interface {
	// Next returns the wait after a task that took elapsed.
	Next(uc *UserContext, elapsed time.Duration) time.Duration
}

// PacingFunc adapts a function to the Pacing interface.
type PacingFunc func(uc *UserContext, elapsed time.Duration) time.Duration

// Next calls f(uc, elapsed).
func (f PacingFunc) Next(uc *UserContext, elapsed time.Duration) time.Duration {
	return f(uc, elapsed)
}

// NoPacing runs tasks back to back.
func NoPacing() Pacing {
	return PacingFunc(func(*UserContext, time.Duration) time.Duration { return 0 })
}

// Constant waits d after every task.
func Constant(d time.Duration) Pacing {
	return PacingFunc(func(*UserContext, time.Duration) time.Duration { return d })
}

// Between waits a uniformly random duration in [lo, hi], drawn from the
// user's RNG. A negative lo or lo > hi is a *ConfigurationError.
func Between(lo, hi time.Duration) (Pacing, error) {
	if lo < 0 || hi < lo {
		return nil, &ConfigurationError{
			Path:    "pacing",
			Message: fmt.Sprintf("invalid range [%s, %s]: need 0 <= min <= max", lo, hi),
		}
	}
	return PacingFunc(func(uc *UserContext, _ time.Duration) time.Duration {
		if hi == lo {
			return lo
		}
		return lo + time.Duration(uc.Rand().Int64N(int64(hi-lo)+1))
	}), nil
}

// ConstantThroughput paces each user to at most perSecond tasks per second,
// subtracting the time the task itself took.
func ConstantThroughput(perSecond float64) Pacing {
	if perSecond <= 0 {
		return NoPacing()
	}
	interval := time.Duration(float64(time.Second) / perSecond)
	return PacingFunc(func(_ *UserContext, elapsed time.Duration) time.Duration {
		if elapsed >= interval {
			return 0
		}
		return interval - elapsed
	})
}
