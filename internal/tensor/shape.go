package tensor

import "fmt"

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// Permute returns the shape reordered by perm: out[i] = s[perm[i]].
func (s Shape) Permute(perm []int) Shape {
	out := make(Shape, len(perm))
	for i, p := range perm {
		out[i] = s[p]
	}
	return out
}

// AxisToLast returns the permutation that moves axis to the last position
// while keeping the relative order of the other axes.
func AxisToLast(rank, axis int) []int {
	perm := make([]int, 0, rank)
	for i := 0; i < rank; i++ {
		if i != axis {
			perm = append(perm, i)
		}
	}
	return append(perm, axis)
}

// InversePermutation returns q such that q[perm[i]] = i.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// PermuteData copies src (row-major with the given shape) into dst laid out
// as the permuted shape. dst and src must not overlap.
func PermuteData(dst, src []float64, shape Shape, perm []int) {
	rank := len(shape)
	if rank == 0 {
		dst[0] = src[0]
		return
	}
	srcStrides := shape.ComputeStrides()
	outShape := shape.Permute(perm)

	// Walk the output in row-major order, tracking the matching source offset.
	idx := make([]int, rank)
	srcOff := 0
	for o := range dst {
		dst[o] = src[srcOff]
		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			srcOff += srcStrides[perm[ax]]
			if idx[ax] < outShape[ax] {
				break
			}
			srcOff -= srcStrides[perm[ax]] * outShape[ax]
			idx[ax] = 0
		}
	}
}
