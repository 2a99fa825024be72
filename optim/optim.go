// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import (
	"github.com/born-ml/kron/internal/nn"
	"github.com/born-ml/kron/internal/optim"
	"github.com/born-ml/kron/internal/psgd"
)

// Optimizer interface defines the common interface for all optimizers.
type Optimizer = optim.Optimizer

// Errors returned by the optimizers.
var (
	ErrInvalidConfig = optim.ErrInvalidConfig
	ErrRankTooLarge  = optim.ErrRankTooLarge
	ErrInvalidState  = optim.ErrInvalidState
)

// InvalidArgumentError describes one rejected configuration value.
type InvalidArgumentError = psgd.InvalidArgumentError

// CachedKron (PSGD-Kron with cached preconditioners)

// CachedKron represents the cached PSGD-Kron optimizer.
type CachedKron = optim.CachedKron

// KronConfig contains configuration for the CachedKron optimizer.
type KronConfig = optim.KronConfig

// NewCachedKron creates a new CachedKron optimizer.
//
// Example:
//
//	optimizer, err := optim.NewCachedKron(params, optim.KronConfig{
//	    LR:             0.001,
//	    MemorySaveMode: optim.MemorySaveOneDiag,
//	})
func NewCachedKron(params []*nn.Parameter, config KronConfig) (*CachedKron, error) {
	return optim.NewCachedKron(params, config)
}

// Bool returns a pointer to v, for the optional KronConfig flags.
func Bool(v bool) *bool {
	return optim.Bool(v)
}

// Float returns a pointer to v, for KronConfig.Beta.
func Float(v float64) *float64 {
	return optim.Float(v)
}

// MemorySaveMode forces some axes onto diagonal factors.
type MemorySaveMode = psgd.MemorySaveMode

// Memory-saving modes.
const (
	MemorySaveNone    = psgd.MemorySaveNone
	MemorySaveOneDiag = psgd.MemorySaveOneDiag
	MemorySaveAllDiag = psgd.MemorySaveAllDiag
)

// Schedules

// Schedule maps a step index to a preconditioner update probability.
type Schedule = psgd.Schedule

// PrecondUpdateProbSchedule is flat at maxProb for flatStart steps, then
// decays exponentially with rate decay down to minProb.
func PrecondUpdateProbSchedule(maxProb, minProb, decay float64, flatStart int) Schedule {
	return psgd.PrecondUpdateProbSchedule(maxProb, minProb, decay, flatStart)
}

// ConstantSchedule always returns p.
func ConstantSchedule(p float64) Schedule {
	return psgd.ConstantSchedule(p)
}

// LogSchedule returns 1 / (log10(max(step,1)^a)^b + 1).
func LogSchedule(a, b float64) Schedule {
	return psgd.LogSchedule(a, b)
}

// Clipping

// ClipFunc transforms a batch of updates in place.
type ClipFunc = psgd.ClipFunc

// TrustRegionClip returns the soft log/tanh clip used by default.
func TrustRegionClip(mix, scale float64) ClipFunc {
	return psgd.TrustRegionClip(mix, scale)
}

// NoClip leaves updates untouched.
func NoClip(updates [][]float64) {
	psgd.NoClip(updates)
}

// AddFunc replaces the plain parameter add during the commit.
type AddFunc = optim.AddFunc

// SGD (Stochastic Gradient Descent)

// SGD represents the SGD optimizer with optional momentum.
type SGD = optim.SGD

// SGDConfig contains configuration for SGD optimizer.
type SGDConfig = optim.SGDConfig

// NewSGD creates a new SGD optimizer.
//
// Example:
//
//	optimizer, err := optim.NewSGD(params, optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
func NewSGD(params []*nn.Parameter, config SGDConfig) (*SGD, error) {
	return optim.NewSGD(params, config)
}
