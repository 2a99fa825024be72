package psgd

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kron/internal/tensor"
)

func defaultOptions() Options {
	return Options{
		InitScale:         1.0,
		MaxSizeTriangular: 8,
		MinNdimTriangular: 2,
		DType:             tensor.Float64,
	}
}

func randomData(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func TestFactorSynthesis(t *testing.T) {
	tests := []struct {
		name  string
		shape tensor.Shape
		mode  MemorySaveMode
		kinds []FactorKind
	}{
		{"scalar", tensor.Shape{}, MemorySaveNone, []FactorKind{Diagonal}},
		{"vector below min rank", tensor.Shape{5}, MemorySaveNone, []FactorKind{Diagonal}},
		{"matrix", tensor.Shape{4, 4}, MemorySaveNone, []FactorKind{Triangular, Triangular}},
		{"unit axis", tensor.Shape{1, 6}, MemorySaveNone, []FactorKind{Diagonal, Triangular}},
		{"oversized axis", tensor.Shape{3, 9}, MemorySaveNone, []FactorKind{Triangular, Diagonal}},
		{"one_diag tie", tensor.Shape{4, 4, 2}, MemorySaveOneDiag, []FactorKind{Triangular, Diagonal, Triangular}},
		{"one_diag three-way tie", tensor.Shape{3, 3, 3}, MemorySaveOneDiag, []FactorKind{Triangular, Triangular, Diagonal}},
		{"one_diag largest", tensor.Shape{2, 3, 5}, MemorySaveOneDiag, []FactorKind{Triangular, Triangular, Diagonal}},
		{"all_diag", tensor.Shape{4, 4}, MemorySaveAllDiag, []FactorKind{Diagonal, Diagonal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			opts.MemorySaveMode = tt.mode
			p, err := NewPreconditioner(tt.shape, opts)
			require.NoError(t, err)

			assert.Equal(t, tt.kinds, p.Kinds())
			factors := p.Factors()
			if len(tt.shape) == 0 {
				require.Len(t, factors, 1)
				assert.Empty(t, factors[0].Shape)
				assert.Equal(t, []float64{1}, factors[0].Data)
				return
			}
			require.Len(t, factors, len(tt.shape))
			for i, f := range factors {
				if f.Kind == Triangular {
					assert.Equal(t, tensor.Shape{tt.shape[i], tt.shape[i]}, f.Shape)
				} else {
					assert.Equal(t, tensor.Shape{tt.shape[i]}, f.Shape)
				}
			}
		})
	}
}

func TestInitScale(t *testing.T) {
	opts := defaultOptions()
	opts.InitScale = 4
	p, err := NewPreconditioner(tensor.Shape{3, 3}, opts)
	require.NoError(t, err)

	// scale^(1/rank) on each factor, so the Kronecker product carries 4.
	q := p.Factors()[0].Data
	assert.Equal(t, []float64{2, 0, 0, 0, 2, 0, 0, 0, 2}, q)
}

func TestRankTooLarge(t *testing.T) {
	shape := make(tensor.Shape, 14)
	for i := range shape {
		shape[i] = 1
	}
	p, err := NewPreconditioner(shape, defaultOptions())
	assert.ErrorIs(t, err, ErrRankTooLarge)
	assert.Nil(t, p)

	_, err = NewPreconditioner(shape[:13], defaultOptions())
	assert.NoError(t, err)
}

func TestInvalidMemorySaveMode(t *testing.T) {
	opts := defaultOptions()
	opts.MemorySaveMode = "some_diag"
	_, err := NewPreconditioner(tensor.Shape{4, 4}, opts)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	var argErr *InvalidArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "MemorySaveMode", argErr.Name)

	mode, err := ParseMemorySaveMode("none")
	require.NoError(t, err)
	assert.Equal(t, MemorySaveNone, mode)
}

func TestExpressionRendering(t *testing.T) {
	p, err := NewPreconditioner(tensor.Shape{4, 4}, defaultOptions())
	require.NoError(t, err)

	exprs := p.Exprs()
	assert.Equal(t, "an,bo,no->ab", exprs.A.String())
	require.Len(t, exprs.Gs, 2)
	assert.Equal(t, "nb,Ab->nA", exprs.Gs[0].String())
	assert.Equal(t, "ao,aB->oB", exprs.Gs[1].String())
	assert.Equal(t, "an,bo,aA,bB,AB->no", exprs.P.String())
	assert.Equal(t, "Aa,Bb,ab->AB", exprs.Cache.String())
}

func TestExpressionRenderingDiagonal(t *testing.T) {
	exprs := Synthesize([]FactorKind{Diagonal, Triangular})
	assert.Equal(t, "a,bo,ao->ab", exprs.A.String())
	assert.Equal(t, "nb,nb->n", exprs.Gs[0].String())
	assert.Equal(t, "n,bo,n,bB,nB->no", exprs.P.String())
	assert.Equal(t, "a,Bb,ab->aB", exprs.Cache.String())

	scalar := Synthesize(nil)
	assert.Equal(t, ",->", scalar.A.String())
	assert.Equal(t, ",,->", scalar.P.String())
}

func TestCacheIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	opts := defaultOptions()
	opts.DType = tensor.Float32
	p, err := NewPreconditioner(tensor.Shape{4, 3, 2}, opts)
	require.NoError(t, err)

	n := p.Shape().NumElements()
	require.NoError(t, p.Update(randomData(rng, n), randomData(rng, n), 0.1, Tiny))

	p.RebuildCache()
	first := make([][]float64, len(p.Cache()))
	for i, c := range p.Cache() {
		first[i] = append([]float64(nil), c...)
	}
	p.RebuildCache()
	assert.Equal(t, first, p.Cache())
}

func TestApplyCachedMatchesApply(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for _, mode := range []MemorySaveMode{MemorySaveNone, MemorySaveOneDiag} {
		t.Run(string(mode), func(t *testing.T) {
			opts := defaultOptions()
			opts.MemorySaveMode = mode
			p, err := NewPreconditioner(tensor.Shape{5, 3}, opts)
			require.NoError(t, err)

			n := p.Shape().NumElements()
			for range 3 {
				require.NoError(t, p.Update(randomData(rng, n), randomData(rng, n), 0.1, Tiny))
			}
			p.RebuildCache()

			g := randomData(rng, n)
			cached, err := p.ApplyCached(g)
			require.NoError(t, err)
			direct, err := p.Apply(g)
			require.NoError(t, err)
			assert.InDeltaSlice(t, direct, cached, 1e-10)
		})
	}
}

func TestApplyMatchesMatrixProduct(t *testing.T) {
	// For a matrix gradient with triangular factors Q1, Q2 the
	// preconditioned gradient is Q1ᵀQ1 · G · Q2ᵀQ2.
	rng := rand.New(rand.NewPCG(5, 6))
	p, err := NewPreconditioner(tensor.Shape{2, 3}, defaultOptions())
	require.NoError(t, err)
	require.NoError(t, p.Update(randomData(rng, 6), randomData(rng, 6), 0.5, Tiny))
	p.RebuildCache()

	g := randomData(rng, 6)
	got, err := p.ApplyCached(g)
	require.NoError(t, err)

	c1, c2 := p.Cache()[0], p.Cache()[1]
	want := make([]float64, 6)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 2; k++ {
				for l := 0; l < 3; l++ {
					s += c1[i*2+k] * g[k*3+l] * c2[l*3+j]
				}
			}
			want[i*3+j] = s
		}
	}
	assert.InDeltaSlice(t, want, got, 1e-10)
}

func TestUpdateDeterministic(t *testing.T) {
	run := func() [][]float64 {
		rng := rand.New(rand.NewPCG(0x1923213, 0))
		p, err := NewPreconditioner(tensor.Shape{4, 4}, defaultOptions())
		require.NoError(t, err)
		v := randomData(rng, 16)
		g := randomData(rng, 16)
		require.NoError(t, p.Update(v, g, 0.1, Tiny))
		out := make([][]float64, 0, 2)
		for _, f := range p.Factors() {
			out = append(out, append([]float64(nil), f.Data...))
		}
		return out
	}

	first, second := run(), run()
	assert.Equal(t, first, second)

	for _, q := range first {
		changed := false
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				v := q[i*4+j]
				assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
				if j < i {
					assert.Zero(t, v, "lower triangle must stay zero")
				}
				if (i == j && v != 1) || (i != j && v != 0) {
					changed = true
				}
			}
		}
		assert.True(t, changed, "factor should move away from identity")
	}
}

func TestUpdateScalarAndDiagonal(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	for _, shape := range []tensor.Shape{{}, {6}} {
		p, err := NewPreconditioner(shape, defaultOptions())
		require.NoError(t, err)
		n := shape.NumElements()
		require.NoError(t, p.Update(randomData(rng, n), randomData(rng, n), 0.1, Tiny))
		for _, v := range p.Factors()[0].Data {
			assert.False(t, math.IsNaN(v))
		}
		_, err = p.ApplyCached(randomData(rng, n))
		assert.NoError(t, err)
	}
}

func TestUpdateFitsScale(t *testing.T) {
	// With a diagonal factor the fixed point satisfies q²·g² ≈ v²/q² on
	// average, so for g = 4·v the factor should shrink toward 1/2.
	rng := rand.New(rand.NewPCG(9, 10))
	p, err := NewPreconditioner(tensor.Shape{}, defaultOptions())
	require.NoError(t, err)
	for range 400 {
		v := rng.NormFloat64()
		require.NoError(t, p.Update([]float64{v}, []float64{4 * v}, 0.1, Tiny))
	}
	assert.InDelta(t, 0.5, p.Factors()[0].Data[0], 0.05)
}

func TestUpdateRejectsWrongLength(t *testing.T) {
	p, err := NewPreconditioner(tensor.Shape{2, 2}, defaultOptions())
	require.NoError(t, err)
	assert.Error(t, p.Update(make([]float64, 3), make([]float64, 4), 0.1, Tiny))
}

func TestUpdateRoundsToStorageType(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	opts := defaultOptions()
	opts.DType = tensor.BFloat16
	p, err := NewPreconditioner(tensor.Shape{3, 3}, opts)
	require.NoError(t, err)
	require.NoError(t, p.Update(randomData(rng, 9), randomData(rng, 9), 0.1, Tiny))

	for _, f := range p.Factors() {
		for _, v := range f.Data {
			rounded := float64(tensor.BFloat16ToFloat32(tensor.Float32ToBFloat16(float32(v))))
			assert.Equal(t, rounded, v)
		}
	}
}

func TestBalance(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	p, err := NewPreconditioner(tensor.Shape{3, 4}, defaultOptions())
	require.NoError(t, err)

	// Unbalance the factors without changing their product.
	require.NoError(t, p.Update(randomData(rng, 12), randomData(rng, 12), 0.3, Tiny))
	fs := p.Factors()
	for i := range fs[0].Data {
		fs[0].Data[i] *= 8
	}
	for i := range fs[1].Data {
		fs[1].Data[i] /= 8
	}
	p.RebuildCache()

	g := randomData(rng, 12)
	before, err := p.Apply(g)
	require.NoError(t, err)
	normProduct := infNorm(fs[0].Data) * infNorm(fs[1].Data)

	require.True(t, p.Balance())
	after, err := p.Apply(g)
	require.NoError(t, err)

	assert.InDeltaSlice(t, before, after, 1e-9)
	n0, n1 := infNorm(fs[0].Data), infNorm(fs[1].Data)
	assert.InDelta(t, n0, n1, 1e-12)
	assert.InDelta(t, normProduct, n0*n1, 1e-9)
}

func TestBalanceSkipsVectors(t *testing.T) {
	p, err := NewPreconditioner(tensor.Shape{5}, defaultOptions())
	require.NoError(t, err)
	assert.False(t, p.Balance())
}

func TestSetFactors(t *testing.T) {
	a, err := NewPreconditioner(tensor.Shape{3, 2}, defaultOptions())
	require.NoError(t, err)
	b, err := NewPreconditioner(tensor.Shape{3, 2}, defaultOptions())
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(15, 16))
	require.NoError(t, a.Update(randomData(rng, 6), randomData(rng, 6), 0.1, Tiny))
	a.RebuildCache()

	require.NoError(t, b.SetFactors(a.Factors()))
	assert.Equal(t, a.Cache(), b.Cache())

	wrong, err := NewPreconditioner(tensor.Shape{3, 3}, defaultOptions())
	require.NoError(t, err)
	assert.Error(t, b.SetFactors(wrong.Factors()))
}

func TestLowerBound(t *testing.T) {
	a := []float64{3, 0, 0, 1}
	assert.InDelta(t, 3.0, LowerBound(a, 2, 3), 1e-12)

	// Never above the spectral norm of a symmetric PSD matrix.
	m := []float64{
		4, 1, 0,
		1, 3, 1,
		0, 1, 2,
	}
	lb := LowerBound(append([]float64(nil), m...), 3, 4)
	assert.Greater(t, lb, 0.0)
	assert.LessOrEqual(t, lb, 5.0) // largest eigenvalue is about 4.73
}

func infNorm(x []float64) float64 {
	var m float64
	for _, v := range x {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
