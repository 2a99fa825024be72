package foreach

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/kron/internal/parallel"
)

func testOps() []Ops {
	return []Ops{
		New(parallel.Sequential()),
		New(parallel.Config{Enabled: true, NumWorkers: 3, MinChunkSize: 2}),
	}
}

func TestLerp(t *testing.T) {
	for _, ops := range testOps() {
		dst := [][]float64{{0, 0, 0}, {10, 10}}
		end := [][]float64{{1, 2, 3}, {0, 20}}
		ops.Lerp(dst, end, 0.25)
		assert.InDeltaSlice(t, []float64{0.25, 0.5, 0.75}, dst[0], 1e-12)
		assert.InDeltaSlice(t, []float64{7.5, 12.5}, dst[1], 1e-12)
	}
}

func TestArithmetic(t *testing.T) {
	for _, ops := range testOps() {
		xs := [][]float64{{1, -2, 3, -4, 5}}
		ops.Scale(xs, 2)
		assert.Equal(t, []float64{2, -4, 6, -8, 10}, xs[0])

		ops.AddScaled(xs, [][]float64{{1, 1, 1, 1, 1}}, -2)
		assert.Equal(t, []float64{0, -6, 4, -10, 8}, xs[0])

		ops.Mul(xs, [][]float64{{1, 2, 3, 4, 5}})
		assert.Equal(t, []float64{0, -12, 12, -40, 40}, xs[0])

		ops.Abs(xs)
		assert.Equal(t, []float64{0, 12, 12, 40, 40}, xs[0])

		ops.Clamp(xs, 1, 20)
		assert.Equal(t, []float64{1, 12, 12, 20, 20}, xs[0])
	}
}

func TestTranscendental(t *testing.T) {
	ops := New(parallel.Sequential())
	xs := [][]float64{{0, 1, 4}}
	ops.Sqrt(xs)
	assert.Equal(t, []float64{0, 1, 2}, xs[0])

	ys := [][]float64{{0, 0.5}}
	ops.Tanh(ys)
	assert.InDelta(t, math.Tanh(0.5), ys[0][1], 1e-15)

	zs := [][]float64{{0, math.E - 1}}
	ops.Log1p(zs)
	assert.InDeltaSlice(t, []float64{0, 1}, zs[0], 1e-15)
}

func TestCopySignAndNorms(t *testing.T) {
	ops := New(parallel.Sequential())
	xs := [][]float64{{3, -4}}
	ops.CopySign(xs, [][]float64{{-1, 1}})
	assert.Equal(t, []float64{-3, 4}, xs[0])
	assert.Equal(t, []float64{5}, ops.Norms(xs))
}

func TestMismatchPanics(t *testing.T) {
	ops := New(parallel.Sequential())
	assert.Panics(t, func() { ops.Mul([][]float64{{1}}, [][]float64{{1}, {2}}) })
	assert.Panics(t, func() { ops.Mul([][]float64{{1}}, [][]float64{{1, 2}}) })
}

func TestClone(t *testing.T) {
	xs := [][]float64{{1, 2}}
	c := Clone(xs)
	c[0][0] = 9
	assert.Equal(t, 1.0, xs[0][0])
}
