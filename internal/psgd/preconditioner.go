// Package psgd implements the Kronecker-factored preconditioner of PSGD-Kron.
//
// A Preconditioner owns one factor per axis of a tensor (diagonal or upper
// triangular), the contraction expressions that use them, and a cache of
// the squared factors. Everything here works in float64; factors and cache
// are rounded to the configured storage dtype after every change so that
// persisting them is lossless.
package psgd

import (
	"fmt"
	"math"

	"github.com/born-ml/kron/internal/einsum"
	"github.com/born-ml/kron/internal/tensor"
)

// MaxRank is the highest tensor rank a preconditioner can be built for.
// Each axis uses three labels of the 52-letter contraction alphabet.
const MaxRank = 13

// MemorySaveMode forces axes to diagonal factors to bound memory use.
type MemorySaveMode string

// Memory-save policies.
const (
	MemorySaveNone    MemorySaveMode = ""
	MemorySaveOneDiag MemorySaveMode = "one_diag"
	MemorySaveAllDiag MemorySaveMode = "all_diag"
)

// ParseMemorySaveMode accepts "", "none", "one_diag" and "all_diag".
func ParseMemorySaveMode(s string) (MemorySaveMode, error) {
	switch s {
	case "", "none":
		return MemorySaveNone, nil
	case string(MemorySaveOneDiag), string(MemorySaveAllDiag):
		return MemorySaveMode(s), nil
	default:
		return "", &InvalidArgumentError{
			Name:    "MemorySaveMode",
			Value:   s,
			Message: `must be one of "none", "one_diag", "all_diag"`,
		}
	}
}

// Options controls how factors are chosen and initialized.
type Options struct {
	InitScale         float64
	MaxSizeTriangular int
	MinNdimTriangular int
	MemorySaveMode    MemorySaveMode
	DType             tensor.DataType // storage precision of factors and cache
}

// Exprs are the contractions derived from a tensor's shape and factor kinds.
type Exprs struct {
	A     einsum.Expr   // Q applied once to the gradient
	Gs    []einsum.Expr // per-axis second moment of a tensor along that axis
	P     einsum.Expr   // QᵀQ applied to the gradient
	Cache einsum.Expr   // cached QᵀQ applied to the gradient
}

// Preconditioner is the factored preconditioner of one tensor.
type Preconditioner struct {
	shape   tensor.Shape
	dtype   tensor.DataType
	factors []*Factor
	cache   [][]float64
	exprs   Exprs

	progA     *einsum.Program
	progGs    []*einsum.Program
	progP     *einsum.Program
	progCache *einsum.Program
}

// NewPreconditioner synthesizes factors and expressions for a tensor of
// the given shape. The cache is built immediately, so Apply and
// ApplyCached agree from the start.
func NewPreconditioner(shape tensor.Shape, opts Options) (*Preconditioner, error) {
	if len(shape) > MaxRank {
		return nil, fmt.Errorf("%w: rank %d exceeds %d", ErrRankTooLarge, len(shape), MaxRank)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	mode, err := ParseMemorySaveMode(string(opts.MemorySaveMode))
	if err != nil {
		return nil, err
	}
	if !opts.DType.Valid() {
		return nil, &InvalidArgumentError{Name: "DType", Value: opts.DType, Message: "must be a floating point type"}
	}

	kinds := chooseKinds(shape, opts.MaxSizeTriangular, opts.MinNdimTriangular, mode)
	p := &Preconditioner{
		shape: shape.Clone(),
		dtype: opts.DType,
		exprs: Synthesize(kinds),
	}

	if len(shape) == 0 {
		p.factors = []*Factor{{Kind: Diagonal, Shape: tensor.Shape{}, Data: []float64{opts.InitScale}}}
	} else {
		scale := math.Pow(opts.InitScale, 1/float64(len(shape)))
		for i, n := range shape {
			if kinds[i] == Triangular {
				p.factors = append(p.factors, newTriangular(n, scale))
			} else {
				p.factors = append(p.factors, newDiagonal(n, scale))
			}
		}
	}
	for _, f := range p.factors {
		tensor.Quantize(f.Data, p.dtype)
	}

	if err := p.compile(); err != nil {
		return nil, err
	}
	p.RebuildCache()
	return p, nil
}

func chooseKinds(shape tensor.Shape, maxSize, minNdim int, mode MemorySaveMode) []FactorKind {
	forced := make([]bool, len(shape))
	switch mode {
	case MemorySaveOneDiag:
		if len(shape) > 0 {
			// Ties go to the last of the largest axes.
			largest := 0
			for i, n := range shape {
				if n >= shape[largest] {
					largest = i
				}
			}
			forced[largest] = true
		}
	case MemorySaveAllDiag:
		for i := range forced {
			forced[i] = true
		}
	}

	kinds := make([]FactorKind, len(shape))
	for i, n := range shape {
		if n == 1 || n > maxSize || len(shape) < minNdim || forced[i] {
			kinds[i] = Diagonal
		} else {
			kinds[i] = Triangular
		}
	}
	return kinds
}

// label returns the k-th label (k in 0..2) reserved for axis i.
func label(i, k int) einsum.Label {
	return einsum.Label(i + k*MaxRank)
}

// Synthesize builds the contraction expressions for a tensor whose axes
// use the given factor kinds. An empty kinds list describes a scalar.
func Synthesize(kinds []FactorKind) Exprs {
	rank := len(kinds)
	if rank == 0 {
		return Exprs{
			A:     einsum.Expr{Inputs: [][]einsum.Label{{}, {}}, Output: []einsum.Label{}},
			Gs:    []einsum.Expr{{Inputs: [][]einsum.Label{{}, {}}, Output: []einsum.Label{}}},
			P:     einsum.Expr{Inputs: [][]einsum.Label{{}, {}, {}}, Output: []einsum.Label{}},
			Cache: einsum.Expr{Inputs: [][]einsum.Label{{}, {}}, Output: []einsum.Label{}},
		}
	}

	var e Exprs
	gradA := make([]einsum.Label, rank)
	outA := make([]einsum.Label, rank)
	var qP1, qP2 [][]einsum.Label
	gradP := make([]einsum.Label, rank)
	outP := make([]einsum.Label, rank)
	var qCache [][]einsum.Label
	gradCache := make([]einsum.Label, rank)
	outCache := make([]einsum.Label, rank)

	for i, kind := range kinds {
		a, b, c := label(i, 0), label(i, 1), label(i, 2)
		outA[i] = a
		gradCache[i] = a
		outP[i] = b

		relabel := func(l einsum.Label) []einsum.Label {
			labels := make([]einsum.Label, rank)
			for j := range labels {
				labels[j] = label(j, 0)
			}
			labels[i] = l
			return labels
		}

		if kind == Triangular {
			e.A.Inputs = append(e.A.Inputs, []einsum.Label{a, b})
			gradA[i] = b
			e.Gs = append(e.Gs, einsum.Expr{
				Inputs: [][]einsum.Label{relabel(b), relabel(c)},
				Output: []einsum.Label{b, c},
			})
			qP1 = append(qP1, []einsum.Label{a, b})
			qP2 = append(qP2, []einsum.Label{a, c})
			gradP[i] = c
			qCache = append(qCache, []einsum.Label{c, a})
			outCache[i] = c
			continue
		}

		e.A.Inputs = append(e.A.Inputs, []einsum.Label{a})
		gradA[i] = a
		e.Gs = append(e.Gs, einsum.Expr{
			Inputs: [][]einsum.Label{relabel(b), relabel(b)},
			Output: []einsum.Label{b},
		})
		qP1 = append(qP1, []einsum.Label{b})
		qP2 = append(qP2, []einsum.Label{b})
		gradP[i] = b
		qCache = append(qCache, []einsum.Label{a})
		outCache[i] = a
	}

	e.A.Inputs = append(e.A.Inputs, gradA)
	e.A.Output = outA
	e.P.Inputs = append(append(qP1, qP2...), gradP)
	e.P.Output = outP
	e.Cache.Inputs = append(qCache, gradCache)
	e.Cache.Output = outCache
	return e
}

func (p *Preconditioner) compile() error {
	factorShapes := make([]tensor.Shape, len(p.factors))
	for i, f := range p.factors {
		factorShapes[i] = f.Shape
	}
	withGrad := func(shapes ...[]tensor.Shape) []tensor.Shape {
		var out []tensor.Shape
		for _, s := range shapes {
			out = append(out, s...)
		}
		return append(out, p.shape)
	}

	var err error
	if p.progA, err = einsum.Compile(p.exprs.A, withGrad(factorShapes)...); err != nil {
		return fmt.Errorf("compile A: %w", err)
	}
	if p.progP, err = einsum.Compile(p.exprs.P, withGrad(factorShapes, factorShapes)...); err != nil {
		return fmt.Errorf("compile P: %w", err)
	}
	if p.progCache, err = einsum.Compile(p.exprs.Cache, withGrad(factorShapes)...); err != nil {
		return fmt.Errorf("compile cache: %w", err)
	}
	p.progGs = make([]*einsum.Program, len(p.exprs.Gs))
	for i, expr := range p.exprs.Gs {
		if p.progGs[i], err = einsum.Compile(expr, p.shape, p.shape); err != nil {
			return fmt.Errorf("compile Gs[%d]: %w", i, err)
		}
	}
	return nil
}

// Shape returns the shape of the tensor being preconditioned.
func (p *Preconditioner) Shape() tensor.Shape {
	return p.shape
}

// DType returns the storage precision of factors and cache.
func (p *Preconditioner) DType() tensor.DataType {
	return p.dtype
}

// Exprs returns the contraction expressions.
func (p *Preconditioner) Exprs() Exprs {
	return p.exprs
}

// Factors returns the live factor list. Callers must not resize it.
func (p *Preconditioner) Factors() []*Factor {
	return p.factors
}

// Kinds lists the factor kind of every axis (one entry for a scalar).
func (p *Preconditioner) Kinds() []FactorKind {
	kinds := make([]FactorKind, len(p.factors))
	for i, f := range p.factors {
		kinds[i] = f.Kind
	}
	return kinds
}

// SetFactors replaces the factors with deep copies of fs, which must match
// the current kinds and shapes, and rebuilds the cache.
func (p *Preconditioner) SetFactors(fs []*Factor) error {
	if len(fs) != len(p.factors) {
		return fmt.Errorf("SetFactors: got %d factors, want %d", len(fs), len(p.factors))
	}
	for i, f := range fs {
		cur := p.factors[i]
		if f.Kind != cur.Kind || !f.Shape.Equal(cur.Shape) || len(f.Data) != len(cur.Data) {
			return fmt.Errorf("SetFactors: factor %d is %s%v, want %s%v", i, f.Kind, f.Shape, cur.Kind, cur.Shape)
		}
	}
	for i, f := range fs {
		p.factors[i] = f.Clone()
		tensor.Quantize(p.factors[i].Data, p.dtype)
	}
	p.RebuildCache()
	return nil
}

func (p *Preconditioner) factorData() [][]float64 {
	out := make([][]float64, len(p.factors))
	for i, f := range p.factors {
		out[i] = f.Data
	}
	return out
}
