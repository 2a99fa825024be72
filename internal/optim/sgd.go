package optim

import (
	"fmt"
	"math"

	"github.com/born-ml/kron/internal/nn"
	"github.com/born-ml/kron/internal/tensor"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// SGD commits through UpdateParams like CachedKron, which makes it the
// baseline for comparing preconditioned runs.
//
// Example:
//
//	optimizer, err := optim.NewSGD(params, optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
type SGD struct {
	params     []*nn.Parameter
	lr         float64
	momentum   float64
	velocities map[*nn.Parameter][]float64
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) (*SGD, error) {
	// Set defaults
	if config.LR == 0 {
		config.LR = 0.01
	}
	if config.LR < 0 || math.IsNaN(config.LR) {
		return nil, invalidArg("LR", config.LR, "must be non-negative")
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, invalidArg("Momentum", config.Momentum, "must be in [0, 1)")
	}

	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter][]float64),
	}, nil
}

// Step performs a single optimization step.
//
// Parameters with no gradient are skipped; used gradients are cleared.
func (s *SGD) Step() error {
	var (
		params  []*nn.Parameter
		updates [][]float64
	)
	for _, param := range s.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		g := tensor.LoadFloat64(grad)
		param.ZeroGrad()

		if s.momentum != 0 {
			velocity, exists := s.velocities[param]
			if !exists {
				velocity = make([]float64, len(g))
				s.velocities[param] = velocity
			}
			for i := range velocity {
				velocity[i] = s.momentum*velocity[i] + g[i]
			}
			copy(g, velocity)
		}

		params = append(params, param)
		updates = append(updates, g)
	}
	if len(params) == 0 {
		return nil
	}
	return UpdateParams(params, updates, -s.lr, 0, nil, nil)
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrads(s.params)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
//
// Useful for learning rate scheduling during training.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}

// StateDict exports the velocity buffers, keyed "velocity.<param name>".
//
// Without momentum the result is empty.
func (s *SGD) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for _, param := range s.params {
		velocity, exists := s.velocities[param]
		if !exists {
			continue // No velocity yet (hasn't been used in training)
		}
		raw, err := tensor.FromFloat64(velocity, param.Tensor().Shape())
		if err != nil {
			continue
		}
		stateDict["velocity."+param.Name()] = raw
	}
	return stateDict
}

// LoadStateDict restores velocity buffers exported by StateDict.
//
// Returns an error if a velocity shape doesn't match its parameter.
func (s *SGD) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	velocities := make(map[*nn.Parameter][]float64)
	for _, param := range s.params {
		raw, exists := stateDict["velocity."+param.Name()]
		if !exists {
			// No velocity for this parameter - will be initialized on first step
			continue
		}
		if !raw.Shape().Equal(param.Tensor().Shape()) {
			return fmt.Errorf("velocity shape mismatch for parameter %q: expected %v, got %v",
				param.Name(), param.Tensor().Shape(), raw.Shape())
		}
		velocities[param] = tensor.LoadFloat64(raw)
	}
	s.velocities = velocities
	return nil
}
