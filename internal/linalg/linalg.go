// Package linalg wraps the dense linear-algebra primitives the
// preconditioner needs on top of gonum.
//
// Matrices are passed as row-major float64 buffers; n is the side length
// of a square matrix.
package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/kron/internal/tensor"
)

// ErrNumericalFailure is returned when a decomposition cannot produce a
// finite result even after every fallback was tried.
var ErrNumericalFailure = errors.New("linalg: numerical failure")

// Gram writes qᵀq into dst. q and dst are n×n and must not overlap.
func Gram(dst, q []float64, n int) {
	a := mat.NewDense(n, n, q)
	out := mat.NewDense(n, n, dst)
	out.Mul(a.T(), a)
}

// MulSub performs q ← q − t·q for n×n matrices. t is left untouched.
func MulSub(q, t []float64, n int) {
	qm := mat.NewDense(n, n, q)
	var prod mat.Dense
	prod.Mul(mat.NewDense(n, n, t), qm)
	qm.Sub(qm, &prod)
}

// Triu zeroes the strictly lower triangle of an n×n matrix in place.
func Triu(m []float64, n int) {
	for i := 1; i < n; i++ {
		row := m[i*n : i*n+i]
		for j := range row {
			row[j] = 0
		}
	}
}

// InfNorm returns max |x|, the entrywise infinity norm.
func InfNorm(x []float64) float64 {
	var m float64
	for _, v := range x {
		if math.IsNaN(v) {
			return v
		}
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// SolveUpperRight replaces every fibre x of data along axis with the
// solution y of y·q = x, where q is an n×n upper-triangular matrix and n is
// shape[axis].
func SolveUpperRight(data []float64, shape tensor.Shape, axis int, q []float64) error {
	if axis < 0 || axis >= len(shape) {
		return fmt.Errorf("SolveUpperRight: axis %d out of range for shape %v", axis, shape)
	}
	n := shape[axis]
	if len(q) != n*n {
		return fmt.Errorf("SolveUpperRight: factor has %d elements, want %d", len(q), n*n)
	}

	rank := len(shape)
	work := data
	perm := tensor.AxisToLast(rank, axis)
	if axis != rank-1 {
		work = make([]float64, len(data))
		tensor.PermuteData(work, data, shape, perm)
	}

	tri := blas64.Triangular{Uplo: blas.Upper, Diag: blas.NonUnit, N: n, Stride: n, Data: q}
	b := blas64.General{Rows: len(data) / n, Cols: n, Stride: n, Data: work}
	blas64.Trsm(blas.Right, blas.NoTrans, 1, tri, b)

	if axis != rank-1 {
		tensor.PermuteData(data, work, shape.Permute(perm), tensor.InversePermutation(perm))
	}
	return nil
}

// DivideAlong divides every fibre of data along axis elementwise by d.
func DivideAlong(data []float64, shape tensor.Shape, axis int, d []float64) error {
	if len(shape) == 0 {
		if len(d) != 1 {
			return fmt.Errorf("DivideAlong: scalar needs a scalar divisor, got %d elements", len(d))
		}
		data[0] /= d[0]
		return nil
	}
	if axis < 0 || axis >= len(shape) || len(d) != shape[axis] {
		return fmt.Errorf("DivideAlong: divisor of %d elements does not fit axis %d of %v", len(d), axis, shape)
	}
	inner := shape.ComputeStrides()[axis]
	n := shape[axis]
	for off := range data {
		data[off] /= d[(off/inner)%n]
	}
	return nil
}
