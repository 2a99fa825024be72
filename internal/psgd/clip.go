package psgd

import (
	"github.com/born-ml/kron/internal/foreach"
	"github.com/born-ml/kron/internal/parallel"
)

// ClipFunc transforms a batch of updates in place.
type ClipFunc func(updates [][]float64)

// NoClip leaves updates untouched.
func NoClip([][]float64) {}

// TrustRegionClip returns a soft clip that maps every element x to
//
//	scale · lerp(sign(x)·log1p(|x/scale|), tanh(x/scale), mix)
//
// Small values pass through almost unchanged, large ones grow only
// logarithmically.
func TrustRegionClip(mix, scale float64) ClipFunc {
	return TrustRegionClipWith(foreach.New(parallel.DefaultConfig()), mix, scale)
}

// TrustRegionClipWith is TrustRegionClip running on the given kernels.
func TrustRegionClipWith(ops foreach.Ops, mix, scale float64) ClipFunc {
	return func(xs [][]float64) {
		ops.Scale(xs, 1/scale)
		tanh := foreach.Clone(xs)
		ops.Tanh(tanh)
		ops.Abs(xs)
		ops.Log1p(xs)
		ops.CopySign(xs, tanh)
		ops.Lerp(xs, tanh, mix)
		ops.Scale(xs, scale)
	}
}
