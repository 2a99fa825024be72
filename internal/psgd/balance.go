package psgd

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/kron/internal/linalg"
)

// Balance rescales the factors of a tensor of rank two or more so that
// their infinity norms are all equal to their geometric mean. The product
// of the norms, and therefore the preconditioner, is unchanged. It reports
// whether any rescaling was done. The cache is left stale.
func (p *Preconditioner) Balance() bool {
	if len(p.shape) < 2 {
		return false
	}
	norms := make([]float64, len(p.factors))
	var logSum float64
	for i, f := range p.factors {
		norms[i] = linalg.InfNorm(f.Data)
		logSum += math.Log(norms[i])
	}
	gmean := math.Exp(logSum / float64(len(norms)))
	for i, f := range p.factors {
		floats.Scale(gmean/norms[i], f.Data)
		quantize(f.Data, p.dtype)
	}
	return true
}
