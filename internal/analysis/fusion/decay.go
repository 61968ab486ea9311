package fusion

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DecayFunc maps a reading's age onto a weight in [0,1]. Implementations must
// be monotonically non-increasing in age for a fixed window.
type DecayFunc func(age, window time.Duration) float64

// LinearDecay falls from 1 at age zero to 0 at the window edge.
func LinearDecay(age, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	if age <= 0 {
		return 1
	}
	if age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}

// StepDecay keeps full weight until the window edge.
func StepDecay(age, window time.Duration) float64 {
	if age < window {
		return 1
	}
	return 0
}

// ExponentialDecay halves the weight every halfLife and drops to 0 at the window edge.
func ExponentialDecay(halfLife time.Duration) DecayFunc {
	return func(age, window time.Duration) float64 {
		if age >= window {
			return 0
		}
		if age <= 0 || halfLife <= 0 {
			return 1
		}
		return math.Pow(0.5, float64(age)/float64(halfLife))
	}
}

// DecayByName resolves a configured decay shape. Exponential decay uses a
// half-life of a quarter window.
func DecayByName(name string, window time.Duration) (DecayFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return LinearDecay, nil
	case "step":
		return StepDecay, nil
	case "exponential", "exp":
		return ExponentialDecay(window / 4), nil
	default:
		return nil, fmt.Errorf("unknown decay %q", name)
	}
}
