package psgd

import (
	"fmt"

	"github.com/born-ml/kron/internal/linalg"
	"github.com/born-ml/kron/internal/tensor"
)

// FactorKind tells whether a factor is stored as a vector or a matrix.
type FactorKind int

const (
	// Diagonal factors hold one scale per index of their axis.
	Diagonal FactorKind = iota
	// Triangular factors are dense upper-triangular n×n matrices.
	Triangular
)

func (k FactorKind) String() string {
	switch k {
	case Diagonal:
		return "diag"
	case Triangular:
		return "triu"
	default:
		return fmt.Sprintf("FactorKind(%d)", int(k))
	}
}

// ParseFactorKind is the inverse of FactorKind.String.
func ParseFactorKind(s string) (FactorKind, error) {
	switch s {
	case "diag":
		return Diagonal, nil
	case "triu":
		return Triangular, nil
	default:
		return 0, fmt.Errorf("psgd: unknown factor kind %q", s)
	}
}

// Factor is the preconditioner factor of one axis.
//
// Data is row-major: n values for a diagonal factor, n*n for a triangular
// one. The factor of a rank-0 tensor is a diagonal scalar with an empty
// shape.
type Factor struct {
	Kind  FactorKind
	Shape tensor.Shape
	Data  []float64
}

// Size returns the length of the axis the factor acts on.
func (f *Factor) Size() int {
	if len(f.Shape) == 0 {
		return 1
	}
	return f.Shape[0]
}

// Clone returns a deep copy.
func (f *Factor) Clone() *Factor {
	return &Factor{
		Kind:  f.Kind,
		Shape: f.Shape.Clone(),
		Data:  append([]float64(nil), f.Data...),
	}
}

func newDiagonal(n int, scale float64) *Factor {
	f := &Factor{Kind: Diagonal, Shape: tensor.Shape{n}, Data: make([]float64, n)}
	for i := range f.Data {
		f.Data[i] = scale
	}
	return f
}

func newTriangular(n int, scale float64) *Factor {
	f := &Factor{Kind: Triangular, Shape: tensor.Shape{n, n}, Data: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		f.Data[i*n+i] = scale
	}
	return f
}

// squared returns the cache entry of f: qᵀq for a triangular factor and
// q∘q for a diagonal one.
func (f *Factor) squared() []float64 {
	out := make([]float64, len(f.Data))
	if f.Kind == Triangular {
		linalg.Gram(out, f.Data, f.Size())
		return out
	}
	for i, v := range f.Data {
		out[i] = v * v
	}
	return out
}
