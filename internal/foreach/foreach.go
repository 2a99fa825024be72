// Package foreach implements batched elementwise operations over lists of
// equal-length float64 buffers, one buffer per parameter.
//
// All operations work in place on their first argument. Lists passed to a
// binary operation must have the same length and matching buffer sizes;
// a mismatch is a programming error and panics.
package foreach

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/kron/internal/parallel"
)

// Ops runs batched kernels with a fixed parallel configuration.
type Ops struct {
	cfg parallel.Config
}

// New creates an Ops value using cfg for element-range splitting.
func New(cfg parallel.Config) Ops {
	return Ops{cfg: cfg}
}

func (o Ops) unary(xs [][]float64, kernel func(x []float64)) {
	for _, x := range xs {
		parallel.ForRange(len(x), func(s, e int) { kernel(x[s:e]) }, o.cfg)
	}
}

func (o Ops) binary(name string, dst, src [][]float64, kernel func(d, s []float64)) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("foreach.%s: list length mismatch %d vs %d", name, len(dst), len(src)))
	}
	for i := range dst {
		d, s := dst[i], src[i]
		if len(d) != len(s) {
			panic(fmt.Sprintf("foreach.%s: buffer %d length mismatch %d vs %d", name, i, len(d), len(s)))
		}
		parallel.ForRange(len(d), func(a, b int) { kernel(d[a:b], s[a:b]) }, o.cfg)
	}
}

// Lerp moves every dst toward end: dst += w·(end − dst).
func (o Ops) Lerp(dst, end [][]float64, w float64) {
	o.binary("Lerp", dst, end, func(d, e []float64) {
		for i := range d {
			d[i] += w * (e[i] - d[i])
		}
	})
}

// Scale multiplies every element by s.
func (o Ops) Scale(xs [][]float64, s float64) {
	o.unary(xs, func(x []float64) { floats.Scale(s, x) })
}

// AddScaled performs dst += alpha·src.
func (o Ops) AddScaled(dst, src [][]float64, alpha float64) {
	o.binary("AddScaled", dst, src, func(d, s []float64) { floats.AddScaled(d, alpha, s) })
}

// Mul performs the elementwise product dst *= src.
func (o Ops) Mul(dst, src [][]float64) {
	o.binary("Mul", dst, src, func(d, s []float64) { floats.Mul(d, s) })
}

// Tanh replaces every element with its hyperbolic tangent.
func (o Ops) Tanh(xs [][]float64) {
	o.unary(xs, func(x []float64) {
		for i, v := range x {
			x[i] = math.Tanh(v)
		}
	})
}

// Abs replaces every element with its absolute value.
func (o Ops) Abs(xs [][]float64) {
	o.unary(xs, func(x []float64) {
		for i, v := range x {
			x[i] = math.Abs(v)
		}
	})
}

// Log1p replaces every element with log(1 + x).
func (o Ops) Log1p(xs [][]float64) {
	o.unary(xs, func(x []float64) {
		for i, v := range x {
			x[i] = math.Log1p(v)
		}
	})
}

// Sqrt replaces every element with its square root.
func (o Ops) Sqrt(xs [][]float64) {
	o.unary(xs, func(x []float64) {
		for i, v := range x {
			x[i] = math.Sqrt(v)
		}
	})
}

// Clamp limits every element to [lo, hi].
func (o Ops) Clamp(xs [][]float64, lo, hi float64) {
	o.unary(xs, func(x []float64) {
		for i, v := range x {
			x[i] = math.Min(math.Max(v, lo), hi)
		}
	})
}

// CopySign gives every dst element the magnitude of itself and the sign of
// the matching sign element.
func (o Ops) CopySign(dst, sign [][]float64) {
	o.binary("CopySign", dst, sign, func(d, s []float64) {
		for i := range d {
			d[i] = math.Copysign(d[i], s[i])
		}
	})
}

// Norms returns the L2 norm of every buffer.
func (o Ops) Norms(xs [][]float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = floats.Norm(x, 2)
	}
	return out
}

// Clone returns deep copies of every buffer.
func Clone(xs [][]float64) [][]float64 {
	out := make([][]float64, len(xs))
	for i, x := range xs {
		out[i] = append([]float64(nil), x...)
	}
	return out
}
