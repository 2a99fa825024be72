// Package optim implements the optimizers that drive parameter updates.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - CachedKron: PSGD-Kron with a cached Kronecker-factored preconditioner
//   - SGD: Stochastic Gradient Descent with momentum, sharing the same
//     parameter commit path
//
// Optimizers read gradients from the parameters they were built with and
// consume them: after Step every gradient that took part is cleared.
//
// Example usage:
//
//	opt, err := optim.NewCachedKron(params, optim.KronConfig{
//	    LR: 0.001,
//	})
//	if err != nil {
//	    return err
//	}
//
//	for step := range steps {
//	    computeGradients(params) // sets param.SetGrad(...)
//	    if err := opt.Step(); err != nil {
//	        return err
//	    }
//	}
package optim

import (
	"fmt"

	"github.com/born-ml/kron/internal/foreach"
	"github.com/born-ml/kron/internal/nn"
	"github.com/born-ml/kron/internal/parallel"
	"github.com/born-ml/kron/internal/psgd"
	"github.com/born-ml/kron/internal/tensor"
)

// Errors shared with the preconditioner package.
var (
	// ErrInvalidConfig is returned (wrapped) for rejected optimizer settings.
	ErrInvalidConfig = psgd.ErrInvalidConfig

	// ErrRankTooLarge is returned by Step for parameters with more axes
	// than a preconditioner supports.
	ErrRankTooLarge = psgd.ErrRankTooLarge
)

// Optimizer is the base interface for all optimization algorithms.
//
// All optimizers must implement:
//   - Step: Apply gradient updates to parameters
//   - ZeroGrad: Clear gradients before next iteration
//   - GetLR: Get current learning rate (for monitoring/scheduling)
type Optimizer interface {
	// Step applies the pending gradients of all parameters.
	//
	// Parameters without a gradient are skipped. Gradients that were used
	// are cleared.
	Step() error

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	//
	// Useful for monitoring and learning rate scheduling.
	GetLR() float64
}

var commitOps = foreach.New(parallel.DefaultConfig())

// AddFunc adds lr·updates[i] into params[i] for every parameter. It
// replaces the plain add in UpdateParams.
type AddFunc func(params, updates [][]float64, lr float64)

// warmup scales lr linearly over the first warmupSteps steps.
func warmup(lr float64, step, warmupSteps int) float64 {
	if step >= warmupSteps {
		return lr
	}
	return lr * float64(step) / float64(warmupSteps)
}

// UpdateParams commits updates into params.
//
// Each parameter is promoted (BFloat16 to a Float32 copy), decayed by
// (1 − decay·lr) when decay > 0 and moved by lr·update, or by add when it
// is non-nil. The promoted values are then copied back into the parameter;
// BFloat16 parameters are stochastically rounded with rng, or rounded to
// nearest when rng is nil.
func UpdateParams(params []*nn.Parameter, updates [][]float64, lr, decay float64, add AddFunc, rng tensor.Source) error {
	if len(params) != len(updates) {
		return fmt.Errorf("UpdateParams: %d parameters but %d updates", len(params), len(updates))
	}

	promoted := make([]*tensor.RawTensor, len(params))
	work := make([][]float64, len(params))
	for i, p := range params {
		if p.Tensor().NumElements() != len(updates[i]) {
			return fmt.Errorf("UpdateParams: parameter %q has %d elements, update has %d",
				p.Name(), p.Tensor().NumElements(), len(updates[i]))
		}
		promoted[i] = tensor.Promote(p.Tensor())
		work[i] = tensor.LoadFloat64(promoted[i])
	}

	if decay > 0 {
		commitOps.Scale(work, 1-decay*lr)
	}
	if add != nil {
		add(work, updates, lr)
	} else {
		commitOps.AddScaled(work, updates, lr)
	}

	for i, p := range params {
		tensor.StoreFloat64(promoted[i], work[i], nil)
		if err := tensor.CopyStochastic(p.Tensor(), promoted[i], rng); err != nil {
			return fmt.Errorf("UpdateParams: %s: %w", p.Name(), err)
		}
	}
	return nil
}

// zeroGrads clears the gradient of every parameter.
func zeroGrads(params []*nn.Parameter) {
	for _, param := range params {
		param.ZeroGrad()
	}
}
