package psgd

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kron/internal/tensor"
)

func TestPackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	opts := defaultOptions()
	opts.DType = tensor.Float32
	opts.MemorySaveMode = MemorySaveOneDiag
	p, err := NewPreconditioner(tensor.Shape{6, 4, 3}, opts)
	require.NoError(t, err)
	n := p.Shape().NumElements()
	require.NoError(t, p.Update(randomData(rng, n), randomData(rng, n), 0.2, Tiny))

	for i, f := range p.Factors() {
		line := PackFactor(f)
		assert.Equal(t, PackedShape(f).NumElements(), len(line), "factor %d", i)

		back, err := UnpackFactor(f.Kind, f.Shape, line)
		require.NoError(t, err)
		assert.Equal(t, f.Kind, back.Kind)
		assert.Equal(t, f.Shape, back.Shape)
		assert.Equal(t, f.Data, back.Data, "factor %d must round-trip exactly", i)
	}
}

func TestPackLayout(t *testing.T) {
	f := &Factor{Kind: Triangular, Shape: tensor.Shape{3, 3}, Data: []float64{
		1, 2, 3,
		0, 4, 5,
		0, 0, 6,
	}}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, PackFactor(f))
	assert.Equal(t, tensor.Shape{6}, PackedShape(f))
	assert.Equal(t, 6, LineLength(3))
}

func TestPackScalar(t *testing.T) {
	f := &Factor{Kind: Diagonal, Shape: tensor.Shape{}, Data: []float64{0.25}}
	back, err := UnpackFactor(Diagonal, tensor.Shape{}, PackFactor(f))
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestUnpackErrors(t *testing.T) {
	_, err := UnpackFactor(Triangular, tensor.Shape{3, 3}, make([]float64, 5))
	assert.Error(t, err)
	_, err = UnpackFactor(Triangular, tensor.Shape{3, 2}, make([]float64, 6))
	assert.Error(t, err)
	_, err = UnpackFactor(Diagonal, tensor.Shape{4}, make([]float64, 3))
	assert.Error(t, err)
}

func TestFactorKindString(t *testing.T) {
	for _, k := range []FactorKind{Diagonal, Triangular} {
		parsed, err := ParseFactorKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseFactorKind("dense")
	assert.Error(t, err)
}
