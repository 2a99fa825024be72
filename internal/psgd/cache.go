package psgd

import (
	"fmt"

	"github.com/born-ml/kron/internal/tensor"
)

// RebuildCache recomputes the squared factors from the current factors.
// The result only depends on the factors, so repeated calls are
// bit-identical.
func (p *Preconditioner) RebuildCache() {
	if p.cache == nil {
		p.cache = make([][]float64, len(p.factors))
	}
	for i, f := range p.factors {
		p.cache[i] = f.squared()
		quantize(p.cache[i], p.dtype)
	}
}

// Cache returns the live cache entries, parallel to Factors.
func (p *Preconditioner) Cache() [][]float64 {
	return p.cache
}

// SetCache replaces the cache with copies of c. Shapes must match the
// factors. Used when restoring persisted state.
func (p *Preconditioner) SetCache(c [][]float64) error {
	if len(c) != len(p.factors) {
		return fmt.Errorf("SetCache: got %d entries, want %d", len(c), len(p.factors))
	}
	for i, entry := range c {
		if len(entry) != len(p.factors[i].Data) {
			return fmt.Errorf("SetCache: entry %d has %d values, want %d", i, len(entry), len(p.factors[i].Data))
		}
	}
	for i, entry := range c {
		p.cache[i] = append([]float64(nil), entry...)
	}
	return nil
}

// ApplyCached preconditions g with the cached squared factors.
func (p *Preconditioner) ApplyCached(g []float64) ([]float64, error) {
	out, err := p.progCache.Eval(append(p.cacheOperands(), g)...)
	if err != nil {
		return nil, fmt.Errorf("ApplyCached: %w", err)
	}
	return out, nil
}

// Apply preconditions g with QᵀQ computed from the factors directly.
func (p *Preconditioner) Apply(g []float64) ([]float64, error) {
	q := p.factorData()
	ops := append(append(q, q...), g)
	out, err := p.progP.Eval(ops...)
	if err != nil {
		return nil, fmt.Errorf("Apply: %w", err)
	}
	return out, nil
}

func (p *Preconditioner) cacheOperands() [][]float64 {
	out := make([][]float64, len(p.cache), len(p.cache)+1)
	copy(out, p.cache)
	return out
}

func quantize(x []float64, dtype tensor.DataType) {
	tensor.Quantize(x, dtype)
}
