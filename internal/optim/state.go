package optim

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/kron/internal/nn"
	"github.com/born-ml/kron/internal/psgd"
	"github.com/born-ml/kron/internal/serialization"
	"github.com/born-ml/kron/internal/tensor"
)

// ErrInvalidState is returned when a state file does not match the optimizer.
var ErrInvalidState = errors.New("optim: invalid optimizer state")

const stateFormat = "psgd-kron/1"

// Metadata keys of a state file.
const (
	metaFormat         = "format"
	metaStep           = "step"
	metaProbStep       = "prob_step"
	metaPrecondUpdates = "precond_updates"
	metaRNG            = "rng"
	metaQDType         = "q_dtype"
	metaTriuAsLine     = "store_triu_as_line"
)

func kindsString(kinds []psgd.FactorKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}

func parseKinds(s string) ([]psgd.FactorKind, error) {
	if s == "" {
		return nil, errors.New("no factor kinds")
	}
	parts := strings.Split(s, ",")
	kinds := make([]psgd.FactorKind, len(parts))
	for i, part := range parts {
		k, err := psgd.ParseFactorKind(part)
		if err != nil {
			return nil, err
		}
		kinds[i] = k
	}
	return kinds, nil
}

func exprsString(e psgd.Exprs) string {
	gs := make([]string, len(e.Gs))
	for i, g := range e.Gs {
		gs[i] = g.String()
	}
	return strings.Join([]string{e.A.String(), strings.Join(gs, "|"), e.P.String(), e.Cache.String()}, ";")
}

// SaveState writes the optimizer state to path in SafeTensors format.
//
// Every initialized block contributes "<param>.<block>.exp_avg" and, per
// factor i, "<param>.<block>.q.<i>" and "<param>.<block>.q_cache.<i>".
// Step counters, the RNG state, factor kinds and rendered expressions go
// into the metadata, alongside the payload checksum added by the writer.
func (k *CachedKron) SaveState(path string) error {
	rngState, err := k.pcg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}

	meta := map[string]string{
		metaFormat:         stateFormat,
		metaStep:           strconv.Itoa(k.step),
		metaProbStep:       strconv.Itoa(k.probStep),
		metaPrecondUpdates: strconv.Itoa(k.precondUpdates),
		metaRNG:            hex.EncodeToString(rngState),
		metaQDType:         k.cfg.QDType.String(),
		metaTriuAsLine:     strconv.FormatBool(*k.cfg.StoreTriuAsLine),
	}
	tensors := make(map[string]*tensor.RawTensor)

	for _, p := range k.params {
		st, ok := k.state[p]
		if !ok {
			continue
		}
		for _, b := range st.blocks {
			meta[b.name+".kinds"] = kindsString(b.precond.Kinds())
			meta[b.name+".exprs"] = exprsString(b.precond.Exprs())

			expAvg, err := tensor.FromFloat64(b.expAvg, b.precond.Shape())
			if err != nil {
				return fmt.Errorf("SaveState: %s: %w", b.name, err)
			}
			tensors[b.name+".exp_avg"] = expAvg

			factors := b.precond.Factors()
			for i, c := range b.precond.Cache() {
				tensors[fmt.Sprintf("%s.q.%d", b.name, i)] = b.q[i]

				cache := tensor.Zeros(factors[i].Shape, k.cfg.QDType)
				tensor.StoreFloat64(cache, c, nil)
				tensors[fmt.Sprintf("%s.q_cache.%d", b.name, i)] = cache
			}
		}
	}

	if err := serialization.WriteSafeTensors(path, tensors, meta); err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}
	return nil
}

// LoadState restores state written by SaveState.
//
// The optimizer must be configured like the one that saved the state:
// every block is re-planned from its parameter's shape, and its factor
// kinds and expressions must match the stored ones. Parameters absent from
// the file start fresh on their next step. On error the optimizer is left
// unchanged.
func (k *CachedKron) LoadState(path string) error {
	file, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return fmt.Errorf("LoadState: %w", err)
	}
	meta := file.Metadata

	if got := meta[metaFormat]; got != stateFormat {
		return fmt.Errorf("%w: format %q, want %q", ErrInvalidState, got, stateFormat)
	}
	if got := meta[metaQDType]; got != k.cfg.QDType.String() {
		return fmt.Errorf("%w: factor dtype %q, want %q", ErrInvalidState, got, k.cfg.QDType)
	}
	line, err := strconv.ParseBool(meta[metaTriuAsLine])
	if err != nil || line != *k.cfg.StoreTriuAsLine {
		return fmt.Errorf("%w: %s is %q", ErrInvalidState, metaTriuAsLine, meta[metaTriuAsLine])
	}

	var counters [3]int
	for i, key := range []string{metaStep, metaProbStep, metaPrecondUpdates} {
		counters[i], err = strconv.Atoi(meta[key])
		if err != nil || counters[i] < 0 {
			return fmt.Errorf("%w: %s is %q", ErrInvalidState, key, meta[key])
		}
	}

	rngState, err := hex.DecodeString(meta[metaRNG])
	if err != nil {
		return fmt.Errorf("%w: rng: %v", ErrInvalidState, err)
	}
	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(rngState); err != nil {
		return fmt.Errorf("%w: rng: %v", ErrInvalidState, err)
	}

	state := make(map[*nn.Parameter]*paramState)
	blocks := 0
	for _, p := range k.params {
		if _, ok := meta[p.Name()+".0.kinds"]; !ok {
			continue
		}
		st, err := k.newParamState(p)
		if err != nil {
			return fmt.Errorf("LoadState: %w", err)
		}
		if extra := fmt.Sprintf("%s.%d.kinds", p.Name(), len(st.blocks)); meta[extra] != "" {
			return fmt.Errorf("%w: parameter %q has more blocks than planned (%d)", ErrInvalidState, p.Name(), len(st.blocks))
		}
		for _, b := range st.blocks {
			if err := k.loadBlock(b, file); err != nil {
				return err
			}
		}
		state[p] = st
		blocks += len(st.blocks)
	}

	k.state = state
	k.step, k.probStep, k.precondUpdates = counters[0], counters[1], counters[2]
	k.pcg = pcg
	k.rng = rand.New(pcg)

	k.logger.Debug("loaded optimizer state", "path", path, "blocks", blocks, "step", k.step)
	return nil
}

// loadBlock restores momentum, factors and cache of b from file.
func (k *CachedKron) loadBlock(b *blockState, file *serialization.StateFile) error {
	meta := file.Metadata
	kinds, err := parseKinds(meta[b.name+".kinds"])
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidState, b.name, err)
	}
	if want := b.precond.Kinds(); !slices.Equal(kinds, want) {
		return fmt.Errorf("%w: %s: factor kinds %q, want %q", ErrInvalidState, b.name, kindsString(kinds), kindsString(want))
	}
	if got, want := meta[b.name+".exprs"], exprsString(b.precond.Exprs()); got != want {
		return fmt.Errorf("%w: %s: expressions %q, want %q", ErrInvalidState, b.name, got, want)
	}

	expAvg, err := lookupTensor(file, b.name+".exp_avg", len(b.expAvg))
	if err != nil {
		return err
	}
	tensor.LoadFloat64Into(b.expAvg, expAvg)

	line := *k.cfg.StoreTriuAsLine
	current := b.precond.Factors()
	factors := make([]*psgd.Factor, len(current))
	cache := make([][]float64, len(current))
	for i, f := range current {
		want := len(f.Data)
		if line {
			want = psgd.PackedShape(f).NumElements()
		}
		q, err := lookupTensor(file, fmt.Sprintf("%s.q.%d", b.name, i), want)
		if err != nil {
			return err
		}
		if q.DType() != k.cfg.QDType {
			return fmt.Errorf("%w: %s.q.%d is %s, want %s", ErrInvalidState, b.name, i, q.DType(), k.cfg.QDType)
		}
		data := tensor.LoadFloat64(q)
		if line {
			factors[i], err = psgd.UnpackFactor(f.Kind, f.Shape, data)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidState, b.name, err)
			}
		} else {
			factors[i] = &psgd.Factor{Kind: f.Kind, Shape: f.Shape.Clone(), Data: data}
		}

		c, err := lookupTensor(file, fmt.Sprintf("%s.q_cache.%d", b.name, i), len(f.Data))
		if err != nil {
			return err
		}
		cache[i] = tensor.LoadFloat64(c)
	}

	if err := b.precond.SetFactors(factors); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidState, b.name, err)
	}
	if err := b.precond.SetCache(cache); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidState, b.name, err)
	}
	b.storeFactors(k.cfg.QDType, line)
	return nil
}

func lookupTensor(file *serialization.StateFile, name string, size int) (*tensor.RawTensor, error) {
	t, ok := file.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing tensor %q", ErrInvalidState, name)
	}
	if t.NumElements() != size {
		return nil, fmt.Errorf("%w: tensor %q has %d elements, want %d", ErrInvalidState, name, t.NumElements(), size)
	}
	return t, nil
}
