package psgd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kron/internal/tensor"
)

func TestMergeDims(t *testing.T) {
	tests := []struct {
		name  string
		shape tensor.Shape
		max   int
		want  tensor.Shape
	}{
		{"conv kernel", tensor.Shape{128, 64, 3, 3}, 1024, tensor.Shape{128, 576}},
		{"scalar", tensor.Shape{}, 1024, tensor.Shape{1}},
		{"vector", tensor.Shape{7}, 4, tensor.Shape{7}},
		{"oversized middle", tensor.Shape{10, 2000, 3}, 1024, tensor.Shape{10, 2000, 3}},
		{"two groups", tensor.Shape{4, 2, 3, 5}, 8, tensor.Shape{4, 6, 5}},
		{"all fit", tensor.Shape{2, 2, 2, 2}, 100, tensor.Shape{2, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeDims(tt.shape, tt.max)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.shape.NumElements(), got.NumElements())
		})
	}
}

func TestPlanBlocksNoMerge(t *testing.T) {
	view, blocks := PlanBlocks(tensor.Shape{128, 64, 3, 3}, 1024, false, true)
	assert.Equal(t, tensor.Shape{128, 64, 3, 3}, view)
	require.Len(t, blocks, 1)
	assert.Equal(t, view, blocks[0].Shape)
}

func TestPlanBlocksMerge(t *testing.T) {
	view, blocks := PlanBlocks(tensor.Shape{128, 64, 3, 3}, 1024, true, false)
	assert.Equal(t, tensor.Shape{128, 576}, view)
	require.Len(t, blocks, 1)
	assert.Equal(t, tensor.Shape{128, 576}, blocks[0].Shape)
}

func TestPlanBlocksSplit(t *testing.T) {
	view, blocks := PlanBlocks(tensor.Shape{1, 2500}, 1024, true, true)
	assert.Equal(t, tensor.Shape{1, 2500}, view)
	require.Len(t, blocks, 3)

	wantExtent := []int{1024, 1024, 452}
	total := 0
	for i, b := range blocks {
		assert.Equal(t, []int{0, i * 1024}, b.Offset)
		assert.Equal(t, tensor.Shape{1, wantExtent[i]}, b.Extent)
		// The unit axis is dropped.
		assert.Equal(t, tensor.Shape{wantExtent[i]}, b.Shape)
		total += b.NumElements()
	}
	assert.Equal(t, 2500, total)
}

func TestPlanBlocksSplitSingleChunk(t *testing.T) {
	_, blocks := PlanBlocks(tensor.Shape{4, 1, 8}, 16, true, true)
	require.Len(t, blocks, 1)
	assert.Equal(t, tensor.Shape{4, 8}, blocks[0].Shape)
}

func TestGatherScatterRoundTrip(t *testing.T) {
	full := tensor.Shape{3, 5}
	src := make([]float64, full.NumElements())
	for i := range src {
		src[i] = float64(i)
	}
	_, blocks := PlanBlocks(full, 2, true, true)
	require.NotEmpty(t, blocks)

	dst := make([]float64, len(src))
	covered := 0
	for _, b := range blocks {
		chunk := make([]float64, b.NumElements())
		require.NoError(t, Gather(chunk, src, full, b))
		require.NoError(t, Scatter(dst, chunk, full, b))
		covered += len(chunk)
	}
	assert.Equal(t, len(src), covered)
	assert.Equal(t, src, dst)
}

func TestGatherLayout(t *testing.T) {
	full := tensor.Shape{2, 4}
	src := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	b := Block{Offset: []int{0, 2}, Extent: tensor.Shape{2, 2}, Shape: tensor.Shape{2, 2}}
	chunk := make([]float64, 4)
	require.NoError(t, Gather(chunk, src, full, b))
	assert.Equal(t, []float64{2, 3, 6, 7}, chunk)

	assert.Error(t, Gather(make([]float64, 3), src, full, b))
	bad := Block{Offset: []int{1, 3}, Extent: tensor.Shape{2, 2}}
	assert.Error(t, Gather(chunk, src, full, bad))
}
