package tensor

import (
	"fmt"
	"math"
)

// Zeros creates a zero-filled tensor, panicking on an invalid shape.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	raw, err := NewRaw(shape, dtype, CPU)
	if err != nil {
		panic(err) // Shape validation should prevent this
	}
	return raw
}

// FromFloat64 creates a Float64 tensor holding a copy of data.
func FromFloat64(data []float64, shape Shape) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	raw, err := NewRaw(shape, Float64, CPU)
	if err != nil {
		return nil, err
	}
	copy(raw.AsFloat64(), data)
	return raw, nil
}

// BFloat16ToFloat32 widens a bfloat16 bit pattern to float32. Exact.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// Float32ToBFloat16 narrows a float32 to bfloat16 with round-to-nearest-even.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) { // keep NaN quiet and non-zero
		return uint16(bits>>16) | 0x0040
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}

// LoadFloat64 returns a float64 working copy of r.
func LoadFloat64(r *RawTensor) []float64 {
	out := make([]float64, r.NumElements())
	LoadFloat64Into(out, r)
	return out
}

// LoadFloat64Into widens r into dst, which must have r.NumElements() entries.
func LoadFloat64Into(dst []float64, r *RawTensor) {
	switch r.dtype {
	case Float64:
		copy(dst, r.AsFloat64())
	case Float32:
		for i, v := range r.AsFloat32() {
			dst[i] = float64(v)
		}
	case BFloat16:
		for i, v := range r.AsBFloat16() {
			dst[i] = float64(BFloat16ToFloat32(v))
		}
	default:
		panic(fmt.Sprintf("LoadFloat64: unsupported dtype %s", r.dtype))
	}
}

// StoreFloat64 writes src back into dst's storage precision.
//
// Float64 copies, Float32 rounds to nearest. BFloat16 goes through float32
// and is stochastically rounded with rng; a nil rng rounds to nearest even.
func StoreFloat64(dst *RawTensor, src []float64, rng Source) {
	switch dst.dtype {
	case Float64:
		copy(dst.AsFloat64(), src)
	case Float32:
		out := dst.AsFloat32()
		for i, v := range src {
			out[i] = float32(v)
		}
	case BFloat16:
		out := dst.AsBFloat16()
		if rng == nil {
			for i, v := range src {
				out[i] = Float32ToBFloat16(float32(v))
			}
			return
		}
		for i, v := range src {
			out[i] = StochasticRound(math.Float32bits(float32(v)), rng.Uint32())
		}
	default:
		panic(fmt.Sprintf("StoreFloat64: unsupported dtype %s", dst.dtype))
	}
}

// Promote returns a tensor in a precision suitable for accumulation.
//
// BFloat16 tensors are widened into a new Float32 tensor; Float32 and
// Float64 tensors are returned unchanged (same buffer).
func Promote(r *RawTensor) *RawTensor {
	if r.dtype != BFloat16 {
		return r
	}
	out := Zeros(r.shape, Float32)
	dst := out.AsFloat32()
	for i, v := range r.AsBFloat16() {
		dst[i] = BFloat16ToFloat32(v)
	}
	return out
}

// Quantize rounds every value of x in place to the nearest value
// representable in dtype. Float64 leaves x unchanged.
func Quantize(x []float64, dtype DataType) {
	switch dtype {
	case Float32:
		for i, v := range x {
			x[i] = float64(float32(v))
		}
	case BFloat16:
		for i, v := range x {
			x[i] = float64(BFloat16ToFloat32(Float32ToBFloat16(float32(v))))
		}
	}
}
