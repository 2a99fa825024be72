// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense tensors parameters and gradients are
// stored in.
//
// # Overview
//
// A RawTensor is a contiguous row-major buffer with a Shape and a DataType.
// Float32, Float64 and BFloat16 are supported. Optimizer math runs in
// float64: LoadFloat64 widens a tensor into a working copy and
// StoreFloat64 writes it back, stochastically rounding BFloat16.
//
// # Basic Usage
//
//	import "github.com/born-ml/kron/tensor"
//
//	func main() {
//	    w := tensor.Zeros(tensor.Shape{2, 3}, tensor.BFloat16)
//
//	    work := tensor.LoadFloat64(w)
//	    for i := range work {
//	        work[i] += 0.1
//	    }
//	    tensor.StoreFloat64(w, work, rand.New(rand.NewPCG(1, 2)))
//	}
package tensor
