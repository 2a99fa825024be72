package tensor

import (
	"fmt"
	"math"
)

// Source provides the random bits consumed by stochastic rounding.
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	Uint32() uint32
}

// StochasticRound rounds the float32 bit pattern bits to bfloat16.
//
// The low 16 bits of noise are added to the mantissa before truncation, so
// a value rounds up with probability equal to its distance from the lower
// neighbour, in units of the bfloat16 spacing.
func StochasticRound(bits, noise uint32) uint16 {
	return uint16((bits + noise&0xFFFF) >> 16)
}

// CopyStochastic copies src into dst. BFloat16 destinations are
// stochastically rounded with rng (round to nearest even when rng is nil);
// other destinations use a plain converting copy. Copying a tensor onto
// itself is a no-op.
func CopyStochastic(dst, src *RawTensor, rng Source) error {
	if dst.Aliases(src) {
		return nil
	}
	if dst.NumElements() != src.NumElements() {
		return fmt.Errorf("CopyStochastic: element count mismatch %d vs %d", dst.NumElements(), src.NumElements())
	}

	if dst.dtype == BFloat16 && src.dtype == Float32 && rng != nil {
		out := dst.AsBFloat16()
		for i, v := range src.AsFloat32() {
			out[i] = StochasticRound(math.Float32bits(v), rng.Uint32())
		}
		return nil
	}
	StoreFloat64(dst, LoadFloat64(src), rng)
	return nil
}
