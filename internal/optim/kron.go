package optim

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/kron/internal/foreach"
	"github.com/born-ml/kron/internal/nn"
	"github.com/born-ml/kron/internal/parallel"
	"github.com/born-ml/kron/internal/psgd"
	"github.com/born-ml/kron/internal/serialization"
	"github.com/born-ml/kron/internal/tensor"
)

// DefaultSeed seeds the optimizer RNG when KronConfig.Seed is zero.
const DefaultSeed = 0x1923213

// balanceProbability is the chance that a refreshing block is balanced first.
const balanceProbability = 0.01

// KronConfig holds configuration for the CachedKron optimizer.
//
// Zero values select the defaults noted on each field.
type KronConfig struct {
	LR          float64  // Learning rate (default: 0.001)
	Beta        *float64 // Momentum coefficient (default: 0.9, range: [0, 1); 0 disables momentum)
	WeightDecay float64  // Decoupled weight decay (default: 0)

	// UpdateProbability maps the number of Step calls so far to the
	// probability of refitting the preconditioners (default:
	// psgd.DefaultSchedule()).
	UpdateProbability psgd.Schedule

	MaxSizeTriangular int                 // Largest axis that gets a triangular factor (default: 2048)
	MinNdimTriangular int                 // Minimum rank for triangular factors (default: 2)
	MemorySaveMode    psgd.MemorySaveMode // "", "one_diag" or "all_diag"

	// MomentumIntoPrecondUpdate fits the preconditioner to the momentum
	// buffer instead of the raw gradient (default: true).
	MomentumIntoPrecondUpdate *bool

	WarmupSteps int  // Linear learning-rate warmup length (default: 1)
	MergeDims   bool // Merge adjacent axes up to MaxSizeTriangular
	Split       bool // Precondition merged axes in chunks of MaxSizeTriangular

	ClipFn psgd.ClipFunc // Update clipping (default: psgd.TrustRegionClip(0.9, 1.5))

	// StoreTriuAsLine keeps triangular factors as their packed upper
	// triangle in the optimizer state (default: true).
	StoreTriuAsLine *bool

	QDType           tensor.DataType // Storage precision of factors and cache (default: Float32)
	PrecondLR        float64         // Preconditioner step size (default: 0.1)
	PrecondInitScale float64         // Initial scale of every factor (default: 1.0)
	Seed             uint64          // RNG seed (default: DefaultSeed)

	AddFn    AddFunc          // Replaces the plain parameter add
	Parallel *parallel.Config // Kernel parallelism (default: parallel.DefaultConfig())
	Logger   *slog.Logger     // Debug logging (default: discard)
}

// Bool returns a pointer to v, for the optional KronConfig flags.
func Bool(v bool) *bool {
	return &v
}

// Float returns a pointer to v, for KronConfig.Beta.
func Float(v float64) *float64 {
	return &v
}

func (c *KronConfig) applyDefaults() {
	if c.LR == 0 {
		c.LR = 0.001
	}
	if c.Beta == nil {
		c.Beta = Float(0.9)
	}
	if c.UpdateProbability == nil {
		c.UpdateProbability = psgd.DefaultSchedule()
	}
	if c.MaxSizeTriangular == 0 {
		c.MaxSizeTriangular = 2048
	}
	if c.MinNdimTriangular == 0 {
		c.MinNdimTriangular = 2
	}
	if c.MomentumIntoPrecondUpdate == nil {
		c.MomentumIntoPrecondUpdate = Bool(true)
	}
	if c.WarmupSteps == 0 {
		c.WarmupSteps = 1
	}
	if c.StoreTriuAsLine == nil {
		c.StoreTriuAsLine = Bool(true)
	}
	if c.PrecondLR == 0 {
		c.PrecondLR = 0.1
	}
	if c.PrecondInitScale == 0 {
		c.PrecondInitScale = 1.0
	}
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
	if c.Parallel == nil {
		cfg := parallel.DefaultConfig()
		c.Parallel = &cfg
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

func invalidArg(name string, value any, msg string) error {
	return errors.WithStack(&psgd.InvalidArgumentError{Name: name, Value: value, Message: msg})
}

func (c *KronConfig) validate() error {
	switch {
	case c.LR < 0 || math.IsNaN(c.LR):
		return invalidArg("LR", c.LR, "must be non-negative")
	case *c.Beta < 0 || *c.Beta >= 1 || math.IsNaN(*c.Beta):
		return invalidArg("Beta", *c.Beta, "must be in [0, 1)")
	case c.WeightDecay < 0 || math.IsNaN(c.WeightDecay):
		return invalidArg("WeightDecay", c.WeightDecay, "must be non-negative")
	case c.MaxSizeTriangular < 1:
		return invalidArg("MaxSizeTriangular", c.MaxSizeTriangular, "must be positive")
	case c.MinNdimTriangular < 0:
		return invalidArg("MinNdimTriangular", c.MinNdimTriangular, "must be non-negative")
	case c.WarmupSteps < 0:
		return invalidArg("WarmupSteps", c.WarmupSteps, "must be non-negative")
	case !(c.PrecondLR > 0):
		return invalidArg("PrecondLR", c.PrecondLR, "must be positive")
	case !(c.PrecondInitScale > 0):
		return invalidArg("PrecondInitScale", c.PrecondInitScale, "must be positive")
	case !c.QDType.Valid():
		return invalidArg("QDType", c.QDType, "must be a floating point type")
	}
	if _, err := psgd.ParseMemorySaveMode(string(c.MemorySaveMode)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// blockState is the optimizer state of one preconditioned block.
type blockState struct {
	name    string // "<param>.<block>"
	block   psgd.Block
	precond *psgd.Preconditioner
	expAvg  []float64
	q       []*tensor.RawTensor // stored factors, packed when StoreTriuAsLine
}

// paramState groups the blocks of one parameter.
type paramState struct {
	view   tensor.Shape // shape the blocks are cut from
	blocks []*blockState
}

// single reports whether the parameter is one block covering all of it.
func (s *paramState) single() bool {
	return len(s.blocks) == 1 && s.blocks[0].block.Extent.NumElements() == s.view.NumElements()
}

// CachedKron implements PSGD-Kron with cached preconditioners.
//
// Every gradient is smoothed into a bias-corrected momentum buffer and
// preconditioned with QᵀQ, where Q is a Kronecker product of one factor
// per axis (triangular, or diagonal for large or memory-saving axes). The
// product QᵀQ is cached per factor, so the regular step costs one
// contraction per block. With a probability taken from the
// UpdateProbability schedule the factors are refit to a random probe,
// after which the cache is rebuilt. Preconditioned updates are clipped,
// warmed up and committed with optional decoupled weight decay.
//
// All randomness comes from a single seeded PCG generator, so runs with
// the same seed and gradients are reproducible. CachedKron is not safe for
// concurrent use.
//
// Example:
//
//	opt, err := optim.NewCachedKron(params, optim.KronConfig{
//	    LR:          0.001,
//	    WeightDecay: 0.01,
//	})
type CachedKron struct {
	params []*nn.Parameter
	cfg    KronConfig
	ops    foreach.Ops
	logger *slog.Logger

	pcg *rand.PCG
	rng *rand.Rand

	state          map[*nn.Parameter]*paramState
	step           int
	probStep       int
	precondUpdates int
}

// NewCachedKron creates a CachedKron optimizer over params.
//
// Parameter names address the persisted state and must be unique.
// Per-parameter state is created lazily on the first step in which the
// parameter has a gradient.
func NewCachedKron(params []*nn.Parameter, cfg KronConfig) (*CachedKron, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(params))
	for i, p := range params {
		if p == nil {
			return nil, invalidArg(fmt.Sprintf("params[%d]", i), nil, "must not be nil")
		}
		if seen[p.Name()] {
			return nil, invalidArg("params", p.Name(), "duplicate parameter name")
		}
		if err := serialization.ValidateTensorName(p.Name()); err != nil {
			return nil, invalidArg("params", p.Name(), err.Error())
		}
		seen[p.Name()] = true
	}

	ops := foreach.New(*cfg.Parallel)
	if cfg.ClipFn == nil {
		cfg.ClipFn = psgd.TrustRegionClipWith(ops, 0.9, 1.5)
	}

	pcg := rand.NewPCG(cfg.Seed, 0)
	return &CachedKron{
		params: params,
		cfg:    cfg,
		ops:    ops,
		logger: cfg.Logger,
		pcg:    pcg,
		rng:    rand.New(pcg),
		state:  make(map[*nn.Parameter]*paramState),
	}, nil
}

func (k *CachedKron) precondOptions() psgd.Options {
	return psgd.Options{
		InitScale:         k.cfg.PrecondInitScale,
		MaxSizeTriangular: k.cfg.MaxSizeTriangular,
		MinNdimTriangular: k.cfg.MinNdimTriangular,
		MemorySaveMode:    k.cfg.MemorySaveMode,
		DType:             k.cfg.QDType,
	}
}

// newParamState plans the blocks of p and creates their preconditioners.
func (k *CachedKron) newParamState(p *nn.Parameter) (*paramState, error) {
	view, blocks := psgd.PlanBlocks(p.Tensor().Shape(), k.cfg.MaxSizeTriangular, k.cfg.MergeDims, k.cfg.Split)
	st := &paramState{view: view}
	for i, b := range blocks {
		pc, err := psgd.NewPreconditioner(b.Shape, k.precondOptions())
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name(), err)
		}
		bs := &blockState{
			name:    fmt.Sprintf("%s.%d", p.Name(), i),
			block:   b,
			precond: pc,
			expAvg:  make([]float64, b.NumElements()),
		}
		bs.storeFactors(k.cfg.QDType, *k.cfg.StoreTriuAsLine)
		st.blocks = append(st.blocks, bs)
	}
	return st, nil
}

// logInit reports the freshly planned blocks of a parameter.
func (k *CachedKron) logInit(st *paramState) {
	for _, b := range st.blocks {
		k.logger.Debug("initialized preconditioner",
			"block", b.name,
			"shape", b.precond.Shape(),
			"kinds", kindsString(b.precond.Kinds()),
			"cache_expr", b.precond.Exprs().Cache.String())
	}
}

func (b *blockState) storeFactors(dtype tensor.DataType, line bool) {
	factors := b.precond.Factors()
	if len(b.q) != len(factors) {
		b.q = make([]*tensor.RawTensor, len(factors))
	}
	for i, f := range factors {
		data, shape := f.Data, f.Shape
		if line {
			data, shape = psgd.PackFactor(f), psgd.PackedShape(f)
		}
		if b.q[i] == nil || !b.q[i].Shape().Equal(shape) {
			b.q[i] = tensor.Zeros(shape, dtype)
		}
		tensor.StoreFloat64(b.q[i], data, nil)
	}
}

// Step performs a single optimization step.
//
// The order of work is: decide whether to refit, gather and consume the
// gradients, update momentum, precondition every block with its cache,
// refit the preconditioners if decided, clip, and commit. The refit
// decision is drawn on every call, even when no parameter has a gradient.
//
// State for parameters seen for the first time is planned before anything
// else; if planning fails the call returns with optimizer state, counters
// and gradients untouched.
func (k *CachedKron) Step() error {
	var (
		params []*nn.Parameter
		states []*paramState
	)
	fresh := make(map[*nn.Parameter]*paramState)
	for _, p := range k.params {
		if p.Grad() == nil {
			continue
		}
		st, ok := k.state[p]
		if !ok {
			var err error
			if st, err = k.newParamState(p); err != nil {
				return err
			}
			fresh[p] = st
		}
		params = append(params, p)
		states = append(states, st)
	}

	doUpdate := k.rng.Float64() < k.cfg.UpdateProbability(k.probStep)
	k.probStep++
	if len(params) == 0 {
		return nil
	}

	grads := make([][]float64, len(params))
	for i, p := range params {
		if st, ok := fresh[p]; ok {
			k.state[p] = st
			k.logInit(st)
		}
		grads[i] = tensor.LoadFloat64(p.Grad())
		p.ZeroGrad()
	}

	var (
		blocks     []*blockState
		blockGrads [][]float64
		expAvgs    [][]float64
	)
	for i, st := range states {
		for _, b := range st.blocks {
			bg := grads[i]
			if !st.single() {
				bg = make([]float64, b.block.NumElements())
				if err := psgd.Gather(bg, grads[i], st.view, b.block); err != nil {
					return fmt.Errorf("Step: %s: %w", b.name, err)
				}
			}
			blocks = append(blocks, b)
			blockGrads = append(blockGrads, bg)
			expAvgs = append(expAvgs, b.expAvg)
		}
	}

	k.step++
	k.ops.Lerp(expAvgs, blockGrads, (1-*k.cfg.Beta)/(1-math.Pow(*k.cfg.Beta, float64(k.step))))

	updates := make([][]float64, len(blocks))
	err := parallel.ForEach(len(blocks), func(i int) error {
		u, err := blocks[i].precond.ApplyCached(expAvgs[i])
		if err != nil {
			return fmt.Errorf("Step: %s: %w", blocks[i].name, err)
		}
		updates[i] = u
		return nil
	}, *k.cfg.Parallel)
	if err != nil {
		return err
	}

	if doUpdate {
		for i, b := range blocks {
			src := blockGrads[i]
			if *k.cfg.MomentumIntoPrecondUpdate {
				src = expAvgs[i]
			}
			if err := k.refresh(b, src); err != nil {
				return err
			}
		}
	}

	k.cfg.ClipFn(updates)

	// Descent direction: the committed update is −lr·u.
	k.ops.Scale(updates, -1)
	full := make([][]float64, len(params))
	off := 0
	for i, st := range states {
		if st.single() {
			full[i] = updates[off]
			off++
			continue
		}
		full[i] = make([]float64, st.view.NumElements())
		for _, b := range st.blocks {
			if err := psgd.Scatter(full[i], updates[off], st.view, b.block); err != nil {
				return fmt.Errorf("Step: %s: %w", b.name, err)
			}
			off++
		}
	}

	lr := warmup(k.cfg.LR, k.step, k.cfg.WarmupSteps)
	return UpdateParams(params, full, lr, k.cfg.WeightDecay, k.cfg.AddFn, k.rng)
}

// refresh refits the preconditioner of b against a fresh probe and
// rebuilds its cache.
func (k *CachedKron) refresh(b *blockState, g []float64) error {
	if k.rng.Float64() < balanceProbability && b.precond.Balance() {
		k.logger.Debug("balanced preconditioner", "block", b.name, "step", k.step)
	}

	v := make([]float64, len(g))
	for i := range v {
		v[i] = k.rng.NormFloat64()
	}
	if err := b.precond.Update(v, g, k.cfg.PrecondLR, psgd.Tiny); err != nil {
		return fmt.Errorf("Step: %s: %w", b.name, err)
	}
	b.storeFactors(k.cfg.QDType, *k.cfg.StoreTriuAsLine)
	b.precond.RebuildCache()
	k.precondUpdates++

	k.logger.Debug("updated preconditioner", "block", b.name, "step", k.step)
	return nil
}

// ZeroGrad clears gradients for all parameters.
func (k *CachedKron) ZeroGrad() {
	zeroGrads(k.params)
}

// GetLR returns the configured learning rate (before warmup).
func (k *CachedKron) GetLR() float64 {
	return k.cfg.LR
}

// SetLR updates the learning rate.
//
// Useful for learning rate scheduling during training.
func (k *CachedKron) SetLR(lr float64) error {
	if lr < 0 || math.IsNaN(lr) {
		return invalidArg("LR", lr, "must be non-negative")
	}
	k.cfg.LR = lr
	return nil
}

// GetTimestep returns the number of steps that updated at least one
// parameter.
func (k *CachedKron) GetTimestep() int {
	return k.step
}

// PrecondUpdateCount returns how many block preconditioners were refit.
func (k *CachedKron) PrecondUpdateCount() int {
	return k.precondUpdates
}

// StateSize returns the number of bytes held by the optimizer state:
// momentum buffers, stored factors and caches.
func (k *CachedKron) StateSize() int {
	size := 0
	for _, st := range k.state {
		for _, b := range st.blocks {
			size += len(b.expAvg) * tensor.Float64.Size()
			for _, q := range b.q {
				size += q.ByteSize()
			}
			for _, c := range b.precond.Cache() {
				size += len(c) * k.cfg.QDType.Size()
			}
		}
	}
	return size
}
