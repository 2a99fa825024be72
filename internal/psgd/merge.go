package psgd

import (
	"fmt"

	"github.com/born-ml/kron/internal/tensor"
)

// MergeDims folds trailing axes of shape together while their product
// stays within maxDim, so that e.g. a [128 64 3 3] convolution kernel is
// preconditioned as [128 576] for maxDim 1024. The leading (fan-out) axis
// is never merged. A scalar becomes [1].
func MergeDims(shape tensor.Shape, maxDim int) tensor.Shape {
	if len(shape) == 0 {
		return tensor.Shape{1}
	}

	// Groups are collected right to left.
	var groups []int
	curr := 1
	for i := len(shape) - 1; i >= 1; i-- {
		n := shape[i]
		if curr*n <= maxDim {
			curr *= n
			continue
		}
		if curr > 1 {
			groups = append(groups, curr)
			curr = n
		} else {
			groups = append(groups, n)
			curr = 1
		}
	}
	if curr > 1 {
		groups = append(groups, curr)
	}

	out := tensor.Shape{shape[0]}
	for i := len(groups) - 1; i >= 0; i-- {
		out = append(out, groups[i])
	}
	return out
}

// Block is a rectangular region of a (merged) parameter tensor that gets
// its own preconditioner.
type Block struct {
	Offset []int        // start index per axis of the merged shape
	Extent tensor.Shape // size per axis of the merged shape
	Shape  tensor.Shape // shape the preconditioner works on
}

// NumElements returns the number of elements covered by the block.
func (b Block) NumElements() int {
	return b.Extent.NumElements()
}

// PlanBlocks decides how a parameter of the given shape is preconditioned.
//
// It returns the shape the parameter is viewed as and the blocks covering
// it. Without merge the parameter is a single block of its own shape.
// With merge the shape goes through MergeDims. With split as well, every
// merged axis longer than maxDim is cut into chunks of at most maxDim,
// and each chunk is preconditioned on its merged shape with unit axes
// dropped.
func PlanBlocks(shape tensor.Shape, maxDim int, merge, split bool) (tensor.Shape, []Block) {
	if !merge {
		return shape.Clone(), []Block{whole(shape)}
	}
	merged := MergeDims(shape, maxDim)
	if !split {
		return merged, []Block{whole(merged)}
	}

	rank := len(merged)
	counts := make([]int, rank)
	total := 1
	for i, n := range merged {
		counts[i] = (n + maxDim - 1) / maxDim
		if n <= maxDim {
			counts[i] = 1
		}
		total *= counts[i]
	}
	if total == 1 {
		return merged, []Block{whole(merged)}
	}

	blocks := make([]Block, 0, total)
	idx := make([]int, rank)
	for range total {
		b := Block{Offset: make([]int, rank), Extent: make(tensor.Shape, rank)}
		var squeezed tensor.Shape
		for ax, n := range merged {
			if counts[ax] == 1 {
				b.Extent[ax] = n
			} else {
				b.Offset[ax] = idx[ax] * maxDim
				b.Extent[ax] = min(maxDim, n-b.Offset[ax])
			}
			if n != 1 {
				squeezed = append(squeezed, b.Extent[ax])
			}
		}
		b.Shape = MergeDims(squeezed, maxDim)
		blocks = append(blocks, b)

		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < counts[ax] {
				break
			}
			idx[ax] = 0
		}
	}
	return merged, blocks
}

func whole(shape tensor.Shape) Block {
	return Block{
		Offset: make([]int, len(shape)),
		Extent: shape.Clone(),
		Shape:  shape.Clone(),
	}
}

// Gather copies the region b of src, a row-major tensor of shape full,
// into the contiguous buffer dst.
func Gather(dst, src []float64, full tensor.Shape, b Block) error {
	return walkBlock(full, b, len(dst), func(chunk, flat int) { dst[chunk] = src[flat] })
}

// Scatter is the inverse of Gather: it writes the contiguous buffer src
// into region b of dst.
func Scatter(dst, src []float64, full tensor.Shape, b Block) error {
	return walkBlock(full, b, len(src), func(chunk, flat int) { dst[flat] = src[chunk] })
}

func walkBlock(full tensor.Shape, b Block, chunkLen int, visit func(chunk, flat int)) error {
	if len(b.Extent) != len(full) || len(b.Offset) != len(full) {
		return fmt.Errorf("block of rank %d does not fit shape %v", len(b.Extent), full)
	}
	if chunkLen != b.NumElements() {
		return fmt.Errorf("block buffer has %d elements, want %d", chunkLen, b.NumElements())
	}
	rank := len(full)
	if rank == 0 {
		visit(0, 0)
		return nil
	}
	strides := full.ComputeStrides()
	flat := 0
	for ax := range full {
		if b.Offset[ax]+b.Extent[ax] > full[ax] {
			return fmt.Errorf("block %v+%v exceeds shape %v", b.Offset, b.Extent, full)
		}
		flat += b.Offset[ax] * strides[ax]
	}

	idx := make([]int, rank)
	for chunk := 0; chunk < chunkLen; chunk++ {
		visit(chunk, flat)
		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			flat += strides[ax]
			if idx[ax] < b.Extent[ax] {
				break
			}
			flat -= strides[ax] * b.Extent[ax]
			idx[ax] = 0
		}
	}
	return nil
}
