package psgd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/kron/internal/linalg"
)

// Tiny is the smallest normal bfloat16 value, used as the default floor
// for update normalizers.
var Tiny = math.Ldexp(1, -126)

// Update takes one preconditioner-fitting step of size step using the
// probe v and the gradient (or momentum) g, both laid out in the tensor's
// shape. Factors are updated in place and rounded to the storage dtype;
// the cache is left stale and must be rebuilt by the caller.
//
// Non-finite inputs are not detected and propagate into the factors.
func (p *Preconditioner) Update(v, g []float64, step, tiny float64) error {
	n := p.shape.NumElements()
	if len(v) != n || len(g) != n {
		return fmt.Errorf("Update: probe has %d and gradient %d elements, want %d", len(v), len(g), n)
	}

	a, err := p.progA.Eval(append(p.factorData(), g)...)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	// conjB = V with every factor inverted along its axis, applied in
	// axis order to the running result.
	conjB := append([]float64(nil), v...)
	for i, f := range p.factors {
		if f.Kind == Triangular {
			err = linalg.SolveUpperRight(conjB, p.shape, i, f.Data)
		} else {
			err = linalg.DivideAlong(conjB, p.shape, i, f.Data)
		}
		if err != nil {
			return fmt.Errorf("Update: axis %d: %w", i, err)
		}
	}

	for i, f := range p.factors {
		term1, err := p.progGs[i].Eval(a, a)
		if err != nil {
			return fmt.Errorf("Update: axis %d: %w", i, err)
		}
		term2, err := p.progGs[i].Eval(conjB, conjB)
		if err != nil {
			return fmt.Errorf("Update: axis %d: %w", i, err)
		}

		for k := range term1 {
			term2[k] += term1[k]
			term1[k] = (2*term1[k] - term2[k]) * step
		}
		norm := linalg.InfNorm(term2)

		if f.Kind == Diagonal {
			d := math.Max(norm, tiny)
			for k, q := range f.Data {
				f.Data[k] = q - term1[k]*q/d
			}
			continue
		}

		size := f.Size()
		linalg.Triu(term1, size)
		d := norm
		if norm > 0 {
			d = LowerBound(term2, size, norm)
		}
		floats.Scale(1/math.Max(d, tiny), term1)
		linalg.MulSub(f.Data, term1, size)
	}

	for _, f := range p.factors {
		quantize(f.Data, p.dtype)
	}
	return nil
}

// LowerBound estimates a lower bound on the spectral norm of the n×n
// matrix a, whose largest absolute entry is maxAbs. It starts from the
// row or column with the largest energy and takes one power-iteration
// round trip. a is scaled in place.
func LowerBound(a []float64, n int, maxAbs float64) float64 {
	floats.Scale(1/maxAbs, a)
	m := mat.NewDense(n, n, a)

	colBest, colIdx := math.Inf(-1), 0
	rowBest, rowIdx := math.Inf(-1), 0
	for i := 0; i < n; i++ {
		row := a[i*n : i*n+n]
		if s := floats.Dot(row, row); s > rowBest {
			rowBest, rowIdx = s, i
		}
		var s float64
		for k := 0; k < n; k++ {
			s += a[k*n+i] * a[k*n+i]
		}
		if s > colBest {
			colBest, colIdx = s, i
		}
	}

	var x, y, z mat.VecDense
	if colBest > rowBest {
		x.CloneFromVec(m.ColView(colIdx))
		y.MulVec(m.T(), &x)
		y.ScaleVec(1/mat.Norm(&y, 2), &y)
		z.MulVec(m, &y)
	} else {
		x.CloneFromVec(m.RowView(rowIdx))
		y.MulVec(m, &x)
		y.ScaleVec(1/mat.Norm(&y, 2), &y)
		z.MulVec(m.T(), &y)
	}
	return mat.Norm(&z, 2) * maxAbs
}
