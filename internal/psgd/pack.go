package psgd

import (
	"fmt"

	"github.com/born-ml/kron/internal/tensor"
)

// LineLength is the number of entries in the upper triangle of an n×n matrix.
func LineLength(n int) int {
	return n * (n + 1) / 2
}

// PackFactor returns the storage form of f. Triangular factors are reduced
// to their upper triangle read row by row; diagonal factors are copied.
func PackFactor(f *Factor) []float64 {
	if f.Kind != Triangular {
		return append([]float64(nil), f.Data...)
	}
	n := f.Size()
	line := make([]float64, 0, LineLength(n))
	for i := 0; i < n; i++ {
		line = append(line, f.Data[i*n+i:i*n+n]...)
	}
	return line
}

// UnpackFactor rebuilds a factor of the given kind and full shape from
// its packed form.
func UnpackFactor(kind FactorKind, shape tensor.Shape, packed []float64) (*Factor, error) {
	if kind != Triangular {
		if len(shape) > 1 || len(packed) != shape.NumElements() {
			return nil, fmt.Errorf("UnpackFactor: diagonal factor of shape %v got %d values", shape, len(packed))
		}
		return &Factor{Kind: kind, Shape: shape.Clone(), Data: append([]float64(nil), packed...)}, nil
	}

	if len(shape) != 2 || shape[0] != shape[1] {
		return nil, fmt.Errorf("UnpackFactor: triangular factor needs a square shape, got %v", shape)
	}
	n := shape[0]
	if len(packed) != LineLength(n) {
		return nil, fmt.Errorf("UnpackFactor: triangular factor of size %d needs %d values, got %d",
			n, LineLength(n), len(packed))
	}
	f := &Factor{Kind: Triangular, Shape: shape.Clone(), Data: make([]float64, n*n)}
	off := 0
	for i := 0; i < n; i++ {
		copy(f.Data[i*n+i:i*n+n], packed[off:off+n-i])
		off += n - i
	}
	return f, nil
}

// PackedShape is the shape PackFactor output is stored under.
func PackedShape(f *Factor) tensor.Shape {
	if f.Kind != Triangular {
		return f.Shape.Clone()
	}
	return tensor.Shape{LineLength(f.Size())}
}
