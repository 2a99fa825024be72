// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the trainable parameter type the optimizers update.
//
// # Overview
//
// A Parameter is a named tensor plus an optional gradient. The training
// loop attaches gradients with SetGrad, and an optimizer's Step consumes
// them and updates the tensor in place. Names identify parameters in saved
// optimizer state and must be unique per optimizer.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/kron/nn"
//	    "github.com/born-ml/kron/tensor"
//	)
//
//	func main() {
//	    w := nn.NewParameter("linear.weight", tensor.Zeros(tensor.Shape{4, 8}, tensor.Float32))
//	    if err := w.SetGrad(grad); err != nil {
//	        log.Fatal(err)
//	    }
//	}
package nn
