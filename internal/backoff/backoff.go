// Package backoff implements the pure retry-delay strategies named in
// spec.md §4.3. Every function here is deterministic given its random
// source, so tests can inject one (spec.md §8 "Backoff laws").
package backoff

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sagaqueue/sagaqueue/internal/codec"
)

// Error kinds returned for configuration problems (spec.md §7.5).
var (
	ErrNonPositiveExponent = fmt.Errorf("polynomial backoff exponent must be positive")
	ErrUnknownStrategy     = fmt.Errorf("unknown backoff strategy")
)

// JobView is the minimal job context strategies may consult. Only
// decorrelatedJitter currently reads/writes it (spec.md §4.3, §9 open
// question 2: the reserved __bullmq_prevDelay-equivalent field).
type JobView struct {
	Data map[string]interface{}
}

const prevDelayField = "__sagaqueue_prevDelay"

// CustomStrategy is a user-supplied fallback for unknown strategy names.
type CustomStrategy func(attemptsMade int, err error, job JobView) (int64, error)

// Compute returns the delay in milliseconds for the given strategy, attempt
// count, error and job context (spec.md §4.3). rnd supplies randomness for
// jitter/decorrelatedJitter; pass rand.New(rand.NewSource(seed)) in tests
// for determinism.
func Compute(spec codec.BackoffSpec, attemptsMade int, err error, job JobView, rnd *rand.Rand, custom CustomStrategy) (int64, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}

	var delay int64
	var computeErr error

	switch spec.Type {
	case "", "fixed":
		delay = withJitter(spec.Delay, spec.Jitter, rnd)
	case "exponential":
		base := round(math.Pow(2, float64(attemptsMade-1)) * float64(spec.Delay))
		delay = withJitter(base, spec.Jitter, rnd)
	case "linear":
		delay = spec.Delay * int64(attemptsMade)
	case "polynomial":
		exp := spec.Exponent
		if exp == 0 {
			exp = 2
		}
		if exp <= 0 {
			return 0, ErrNonPositiveExponent
		}
		delay = round(float64(spec.Delay) * math.Pow(float64(attemptsMade), exp))
	case "decorrelatedJitter":
		delay, computeErr = decorrelatedJitter(spec, job, rnd)
	default:
		if custom != nil {
			delay, computeErr = custom(attemptsMade, err, job)
		} else {
			return 0, fmt.Errorf("%w: %s", ErrUnknownStrategy, spec.Type)
		}
	}
	if computeErr != nil {
		return 0, computeErr
	}

	if spec.MaxDelay > 0 && delay > spec.MaxDelay {
		delay = spec.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

// withJitter applies the uniform-in-[d*(1-j), d) jitter rule shared by
// fixed and exponential (spec.md §4.3, §8).
func withJitter(d int64, jitter float64, rnd *rand.Rand) int64 {
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	lo := float64(d) * (1 - jitter)
	span := float64(d) - lo
	if span <= 0 {
		return d
	}
	return lo2i(lo) + int64(rnd.Float64()*span)
}

func lo2i(f float64) int64 { return int64(f) }

// decorrelatedJitter computes min(maxDelay, floor(random(baseDelay,
// prevDelay*3))) and persists prevDelay into job.Data, the only strategy
// that mutates job data (spec.md §4.3).
func decorrelatedJitter(spec codec.BackoffSpec, job JobView, rnd *rand.Rand) (int64, error) {
	base := spec.Delay
	if base <= 0 {
		base = 1
	}
	prev := base
	if job.Data != nil {
		if v, ok := job.Data[prevDelayField]; ok {
			switch n := v.(type) {
			case float64:
				prev = int64(n)
			case int64:
				prev = n
			case int:
				prev = int64(n)
			}
		}
	}
	hi := prev * 3
	if hi <= base {
		hi = base + 1
	}
	d := base + int64(rnd.Float64()*float64(hi-base))
	if spec.MaxDelay > 0 && d > spec.MaxDelay {
		d = spec.MaxDelay
	}
	if job.Data != nil {
		job.Data[prevDelayField] = d
	}
	return d, nil
}

func round(f float64) int64 {
	return int64(math.Round(f))
}
