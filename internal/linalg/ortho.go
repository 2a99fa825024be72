package linalg

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/kron/internal/tensor"
)

// ErrUnknownMode is returned by ParseOrthoMode for unrecognized names.
var ErrUnknownMode = errors.New("linalg: unknown orthogonalization mode")

// OrthoKind selects an orthogonalization algorithm.
type OrthoKind int

// Orthogonalization algorithms.
const (
	OrthoQR OrthoKind = iota
	OrthoSVD
	OrthoEigh
	OrthoNewtonSchulz
)

// DefaultNewtonSchulzSteps is used for "newtonschulz" without a count.
const DefaultNewtonSchulzSteps = 10

// OrthoMode is a parsed orthogonalization setting.
type OrthoMode struct {
	Kind  OrthoKind
	Steps int // Newton-Schulz iterations
}

// String returns the name accepted by ParseOrthoMode.
func (m OrthoMode) String() string {
	switch m.Kind {
	case OrthoQR:
		return "qr"
	case OrthoSVD:
		return "svd"
	case OrthoEigh:
		return "eigh"
	case OrthoNewtonSchulz:
		return "newtonschulz" + strconv.Itoa(m.Steps)
	default:
		return "unknown"
	}
}

// ParseOrthoMode accepts "qr", "svd", "eigh", "newtonschulz" and
// "newtonschulz<N>". The empty string selects QR.
func ParseOrthoMode(s string) (OrthoMode, error) {
	switch s {
	case "", "qr":
		return OrthoMode{Kind: OrthoQR}, nil
	case "svd":
		return OrthoMode{Kind: OrthoSVD}, nil
	case "eigh":
		return OrthoMode{Kind: OrthoEigh}, nil
	}
	rest, ok := strings.CutPrefix(s, "newtonschulz")
	if !ok {
		return OrthoMode{}, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	if rest == "" {
		return OrthoMode{Kind: OrthoNewtonSchulz, Steps: DefaultNewtonSchulzSteps}, nil
	}
	steps, err := strconv.Atoi(rest)
	if err != nil || steps < 1 {
		return OrthoMode{}, fmt.Errorf("%w: bad iteration count in %q", ErrUnknownMode, s)
	}
	return OrthoMode{Kind: OrthoNewtonSchulz, Steps: steps}, nil
}

// Orthogonalize returns an (approximately) orthogonal matrix derived from m.
//
// init seeds the Newton-Schulz iteration and may be nil, in which case m
// itself is used. It is ignored by the other modes. Eigh treats m as
// symmetric and returns its eigenbasis.
func Orthogonalize(m, init *mat.Dense, mode OrthoMode, logger *slog.Logger) (*mat.Dense, error) {
	switch mode.Kind {
	case OrthoQR:
		return orthoQR(m), nil
	case OrthoSVD:
		return orthoSVD(m)
	case OrthoEigh:
		return Eigenbasis(m, tensor.Float64, logger)
	case OrthoNewtonSchulz:
		return NewtonSchulz(m, init, mode.Steps, 1e-7)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMode, mode.Kind)
	}
}

func orthoQR(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	var qr mat.QR
	qr.Factorize(m)
	var q mat.Dense
	qr.QTo(&q)
	k := min(r, c)
	return mat.DenseCopyOf(q.Slice(0, r, 0, k))
}

func orthoSVD(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrNumericalFailure)
	}
	var u, v, out mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out.Mul(&u, v.T())
	return &out, nil
}

// Quintic Newton-Schulz coefficients, chosen to maximize the slope at zero.
const (
	nsA = 3.4445
	nsB = -4.7750
	nsC = 2.0315
)

// NewtonSchulz runs the quintic Newton-Schulz iteration on g. The result
// has singular values close to, but not exactly, one.
func NewtonSchulz(g, init *mat.Dense, steps int, eps float64) (*mat.Dense, error) {
	r, c := g.Dims()
	tall := r > c

	x := mat.DenseCopyOf(g)
	x.Scale(1/(mat.Norm(x, 2)+eps), x)
	if tall {
		x = mat.DenseCopyOf(x.T())
	}

	var y *mat.Dense
	if init == nil {
		y = mat.DenseCopyOf(x)
	} else {
		y = mat.DenseCopyOf(init)
		y.Scale(1/(mat.Norm(y, 2)+eps), y)
	}
	xr, _ := x.Dims()
	if yr, _ := y.Dims(); yr != xr {
		return nil, fmt.Errorf("NewtonSchulz: init has %d rows, want %d", yr, xr)
	}

	var a, b, cb mat.Dense
	for range steps {
		a.Mul(x, x.T())
		b.Mul(&a, y)
		cb.Mul(&a, &b)

		next := mat.DenseCopyOf(y)
		next.Scale(nsA, next)
		b.Scale(nsB, &b)
		cb.Scale(nsC, &cb)
		next.Add(next, &b)
		next.Add(next, &cb)
		x, y = next, next
	}
	if tall {
		x = mat.DenseCopyOf(x.T())
	}
	return x, nil
}

// eighAttempt is one step of the eigendecomposition fallback chain.
type eighAttempt struct {
	name    string
	prepare func(m *mat.Dense, dtype tensor.DataType) *mat.SymDense
}

var eighChain = []eighAttempt{
	{name: "storage-precision", prepare: symInPrecision},
	{name: "float64", prepare: func(m *mat.Dense, _ tensor.DataType) *mat.SymDense {
		return symInPrecision(m, tensor.Float64)
	}},
	{name: "float64-rescaled", prepare: symRescaled},
}

// Eigenbasis returns the eigenvectors of the symmetric matrix m + 1e-30·I
// as columns ordered by descending eigenvalue.
//
// The decomposition is first attempted with m rounded to dtype, then in
// float64, then in float64 on a symmetrized, max-normalized copy. A panic
// inside gonum or a non-finite result counts as a failed attempt. When
// every attempt fails the joined errors wrap ErrNumericalFailure.
func Eigenbasis(m *mat.Dense, dtype tensor.DataType, logger *slog.Logger) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("Eigenbasis: matrix is %dx%d, want square", r, c)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var errs []error
	for i, attempt := range eighChain {
		vecs, err := tryEigh(attempt.prepare(m, dtype))
		if err == nil {
			return vecs, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", attempt.name, err))
		if i+1 < len(eighChain) {
			logger.Warn("eigendecomposition failed, retrying",
				"attempt", attempt.name, "next", eighChain[i+1].name, "size", r, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: eigendecomposition failed after %d attempts: %w",
		ErrNumericalFailure, len(eighChain), errors.Join(errs...))
}

func tryEigh(sym *mat.SymDense) (vecs *mat.Dense, err error) {
	defer func() {
		if r := recover(); r != nil {
			vecs, err = nil, fmt.Errorf("decomposition panicked: %v", r)
		}
	}()

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, errors.New("decomposition did not converge")
	}
	for _, v := range es.Values(nil) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("non-finite eigenvalue")
		}
	}
	var asc mat.Dense
	es.VectorsTo(&asc)

	// gonum orders eigenvalues ascending; flip to descending.
	n := sym.SymmetricDim()
	out := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			v := asc.At(i, n-1-j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.New("non-finite eigenvector")
			}
			out.Set(i, j, v)
		}
	}
	return out, nil
}

// symInPrecision rounds the upper triangle of m to dtype and adds the
// 1e-30 diagonal jitter.
func symInPrecision(m *mat.Dense, dtype tensor.DataType) *mat.SymDense {
	n, _ := m.Dims()
	rounded := mat.DenseCopyOf(m)
	tensor.Quantize(rounded.RawMatrix().Data, dtype)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := rounded.At(i, j)
			if i == j {
				v += 1e-30
			}
			sym.SetSym(i, j, v)
		}
	}
	return sym
}

// symRescaled averages m with its transpose and divides by the largest
// magnitude so the solver works on entries in [-1, 1].
func symRescaled(m *mat.Dense, _ tensor.DataType) *mat.SymDense {
	n, _ := m.Dims()
	scale := InfNorm(m.RawMatrix().Data)
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (m.At(i, j) + m.At(j, i)) / (2 * scale)
			if i == j {
				v += 1e-30
			}
			sym.SetSym(i, j, v)
		}
	}
	return sym
}
