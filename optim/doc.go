// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the cached PSGD-Kron optimizer.
//
// # Overview
//
// This package contains:
//   - CachedKron: gradient descent preconditioned by a Kronecker product of
//     per-axis factors, with a cache that makes the regular step cheap
//   - SGD: Stochastic Gradient Descent with momentum, as a baseline
//   - Optimizer interface for custom optimizers
//   - Update-probability schedules and update clipping functions
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/kron/nn"
//	    "github.com/born-ml/kron/optim"
//	    "github.com/born-ml/kron/tensor"
//	)
//
//	func main() {
//	    w := nn.NewParameter("w", tensor.Zeros(tensor.Shape{64, 32}, tensor.Float32))
//
//	    // Create optimizer
//	    optimizer, err := optim.NewCachedKron(
//	        []*nn.Parameter{w},
//	        optim.KronConfig{
//	            LR:          0.001,
//	            WeightDecay: 0.01,
//	        },
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Training loop
//	    for step := range 1000 {
//	        _ = w.SetGrad(computeGradient(w))
//	        if err := optimizer.Step(); err != nil {
//	            log.Fatal(err)
//	        }
//	    }
//	}
//
// # Preconditioner refits
//
// The preconditioner of every parameter is refit with a probability given
// by KronConfig.UpdateProbability. The default keeps it at 1 for 250 steps
// and then anneals it to 0.03:
//
//	optim.KronConfig{
//	    UpdateProbability: optim.PrecondUpdateProbSchedule(1.0, 0.03, 0.001, 250),
//	}
//
// # Checkpoints
//
// SaveState and LoadState persist the momentum buffers, factors, caches,
// counters and RNG state as a SafeTensors file, so training resumes with
// bit-identical updates:
//
//	if err := optimizer.SaveState("kron.safetensors"); err != nil {
//	    log.Fatal(err)
//	}
package optim
