package psgd

import "math"

// Schedule maps a step index to a preconditioner update probability.
type Schedule func(step int) float64

// PrecondUpdateProbSchedule keeps the probability at maxProb for the first
// flatStart steps, then anneals it exponentially with rate decay, never
// going below minProb.
//
// With the defaults (1.0, 0.03, 0.001, 250) the preconditioner is refit on
// every step early in training and on about 3% of steps after roughly
// 3750 steps.
func PrecondUpdateProbSchedule(maxProb, minProb, decay float64, flatStart int) Schedule {
	return func(step int) float64 {
		if step < flatStart {
			return maxProb
		}
		prob := maxProb * math.Exp(-decay*float64(step-flatStart))
		return math.Max(minProb, math.Min(maxProb, prob))
	}
}

// DefaultSchedule returns PrecondUpdateProbSchedule(1.0, 0.03, 0.001, 250).
func DefaultSchedule() Schedule {
	return PrecondUpdateProbSchedule(1.0, 0.03, 0.001, 250)
}

// ConstantSchedule always returns p.
func ConstantSchedule(p float64) Schedule {
	return func(int) float64 { return p }
}

// LogSchedule returns 1 / (log10(max(step,1)^a)^b + 1), which starts at 1
// and decays polylogarithmically.
func LogSchedule(a, b float64) Schedule {
	return func(step int) float64 {
		x := math.Log10(math.Pow(float64(max(step, 1)), a))
		return 1 / (math.Pow(x, b) + 1)
	}
}
