// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/born-ml/kron/internal/nn"
	"github.com/born-ml/kron/tensor"
)

// Parameter represents a trainable parameter.
//
// Example:
//
//	// Create a weight parameter
//	weight := nn.NewParameter("weight", weightTensor)
//
//	// Attach a gradient computed elsewhere
//	_ = weight.SetGrad(gradTensor)
//
// Methods:
//
//	Name() string
//	    Returns the parameter name (e.g., "weight", "bias").
//
//	Tensor() *tensor.RawTensor
//	    Returns the parameter tensor.
//
//	Grad() *tensor.RawTensor
//	    Returns the gradient tensor (nil if none is attached).
//
//	SetGrad(grad *tensor.RawTensor) error
//	    Attaches a gradient of the parameter's shape.
//
//	ZeroGrad()
//	    Clears the gradient tensor.
type Parameter = nn.Parameter

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return nn.NewParameter(name, t)
}
