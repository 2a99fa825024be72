// Package nn provides the trainable parameter type optimizers work on.
package nn

import (
	"fmt"

	"github.com/born-ml/kron/internal/tensor"
)

// Parameter represents a trainable parameter.
//
// A parameter is a named tensor with an optional gradient attached by the
// training loop. Optimizers read the gradient, update the tensor in place
// and clear the gradient once it has been consumed.
//
// Example:
//
//	weight := nn.NewParameter("linear1.weight", weightTensor)
//	weight.SetGrad(gradTensor)
//	_ = opt.Step() // updates weight.Tensor() in place
type Parameter struct {
	name   string
	tensor *tensor.RawTensor
	grad   *tensor.RawTensor // nil until a gradient is attached
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}

// Grad returns the gradient tensor, or nil if none is attached.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// SetGrad attaches a gradient. Its shape must match the parameter.
func (p *Parameter) SetGrad(grad *tensor.RawTensor) error {
	if grad != nil && !grad.Shape().Equal(p.tensor.Shape()) {
		return fmt.Errorf("parameter %q: gradient shape %v does not match %v", p.name, grad.Shape(), p.tensor.Shape())
	}
	p.grad = grad
	return nil
}

// ZeroGrad clears the gradient tensor.
//
// This should be called before each training iteration to avoid
// accumulating gradients from previous iterations.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}
