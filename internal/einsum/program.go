package einsum

import (
	"fmt"

	"github.com/born-ml/kron/internal/tensor"
)

// step contracts two working slots (or one slot with the scalar 1 when b is
// negative) into a new slot carrying out labels.
type step struct {
	a, b int
	out  []Label
}

// Program is an Expr compiled against fixed operand shapes.
type Program struct {
	expr     Expr
	sizes    map[Label]int
	inShapes []tensor.Shape
	outShape tensor.Shape
	slots    [][]Label // labels of every working slot, inputs first
	steps    []step
}

// Compile validates expr against the operand shapes and fixes a greedy
// pairwise contraction order.
func Compile(expr Expr, shapes ...tensor.Shape) (*Program, error) {
	if len(expr.Inputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no inputs", ErrOperandCount, expr)
	}
	if len(shapes) != len(expr.Inputs) {
		return nil, fmt.Errorf("%w: %s expects %d operands, got %d", ErrOperandCount, expr, len(expr.Inputs), len(shapes))
	}

	sizes := make(map[Label]int)
	for i, labels := range expr.Inputs {
		if len(labels) != len(shapes[i]) {
			return nil, fmt.Errorf("%w: operand %d of %s has shape %v", ErrRankMismatch, i, expr, shapes[i])
		}
		for ax, l := range labels {
			if prev, ok := sizes[l]; ok && prev != shapes[i][ax] {
				return nil, fmt.Errorf("%w: label %q is %d and %d in %s", ErrLabelSize, Alphabet[l], prev, shapes[i][ax], expr)
			}
			sizes[l] = shapes[i][ax]
		}
	}
	outShape := make(tensor.Shape, len(expr.Output))
	for i, l := range expr.Output {
		n, ok := sizes[l]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLabel, expr)
		}
		outShape[i] = n
	}

	p := &Program{
		expr:     expr,
		sizes:    sizes,
		outShape: outShape,
	}
	for i, s := range shapes {
		p.inShapes = append(p.inShapes, s.Clone())
		p.slots = append(p.slots, append([]Label(nil), expr.Inputs[i]...))
	}
	p.plan()
	return p, nil
}

// plan picks, at every round, the pair of live slots whose joint iteration
// space is smallest, preferring pairs that share a label.
func (p *Program) plan() {
	live := make([]int, len(p.slots))
	for i := range live {
		live[i] = i
	}

	for len(live) > 1 {
		bi, bj := 0, 1
		bestShared := false
		bestCost := -1
		for i := 0; i < len(live); i++ {
			for j := i + 1; j < len(live); j++ {
				a, b := p.slots[live[i]], p.slots[live[j]]
				shared := sharesLabel(a, b)
				cost := p.cost(union(a, b))
				better := bestCost < 0 ||
					(shared && !bestShared) ||
					(shared == bestShared && cost < bestCost)
				if better {
					bi, bj, bestShared, bestCost = i, j, shared, cost
				}
			}
		}

		a, b := live[bi], live[bj]
		rest := make([]int, 0, len(live)-1)
		for k, s := range live {
			if k != bi && k != bj {
				rest = append(rest, s)
			}
		}

		var out []Label
		if len(rest) == 0 {
			out = append([]Label(nil), p.expr.Output...)
		} else {
			for _, l := range union(p.slots[a], p.slots[b]) {
				if containsLabel(p.expr.Output, l) || p.usedBy(l, rest) {
					out = append(out, l)
				}
			}
		}
		p.steps = append(p.steps, step{a: a, b: b, out: out})
		p.slots = append(p.slots, out)
		live = append(rest, len(p.slots)-1)
	}

	if !labelsEqual(p.slots[live[0]], p.expr.Output) {
		p.steps = append(p.steps, step{a: live[0], b: -1, out: append([]Label(nil), p.expr.Output...)})
		p.slots = append(p.slots, p.expr.Output)
	}
}

func (p *Program) usedBy(l Label, slots []int) bool {
	for _, s := range slots {
		if containsLabel(p.slots[s], l) {
			return true
		}
	}
	return false
}

func (p *Program) cost(labels []Label) int {
	c := 1
	for _, l := range labels {
		c *= p.sizes[l]
	}
	return c
}

func union(a, b []Label) []Label {
	out := append([]Label(nil), a...)
	for _, l := range b {
		if !containsLabel(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func sharesLabel(a, b []Label) bool {
	for _, l := range a {
		if containsLabel(b, l) {
			return true
		}
	}
	return false
}

// Expr returns the expression the program was compiled from.
func (p *Program) Expr() Expr {
	return p.expr
}

// OutShape returns the shape of the result.
func (p *Program) OutShape() tensor.Shape {
	return p.outShape
}

// Eval contracts the operands, given as row-major float64 buffers in the
// order of the expression's inputs.
func (p *Program) Eval(operands ...[]float64) ([]float64, error) {
	if len(operands) != len(p.inShapes) {
		return nil, fmt.Errorf("%w: %s expects %d operands, got %d", ErrOperandCount, p.expr, len(p.inShapes), len(operands))
	}
	for i, op := range operands {
		if len(op) != p.inShapes[i].NumElements() {
			return nil, fmt.Errorf("%w: operand %d has %d elements, want %d for shape %v",
				ErrRankMismatch, i, len(op), p.inShapes[i].NumElements(), p.inShapes[i])
		}
	}

	work := make([][]float64, len(p.slots))
	copy(work, operands)
	next := len(operands)
	for _, st := range p.steps {
		if st.b < 0 {
			work[next] = p.contract(work[st.a], p.slots[st.a], scalarOne, nil, st.out)
		} else {
			work[next] = p.contract(work[st.a], p.slots[st.a], work[st.b], p.slots[st.b], st.out)
		}
		next++
	}
	if len(p.steps) == 0 {
		// Single operand already in output layout.
		return append([]float64(nil), operands[0]...), nil
	}
	return work[next-1], nil
}

var scalarOne = []float64{1}

// contract multiplies a and b elementwise over shared labels and sums every
// label that is not in out. Output labels iterate outermost so the summed
// labels form the inner loop.
func (p *Program) contract(a []float64, la []Label, b []float64, lb []Label, out []Label) []float64 {
	loop := append([]Label(nil), out...)
	for _, l := range union(la, lb) {
		if !containsLabel(loop, l) {
			loop = append(loop, l)
		}
	}

	dims := make([]int, len(loop))
	sa := make([]int, len(loop))
	sb := make([]int, len(loop))
	so := make([]int, len(loop))
	strideA := labelStrides(la, p.sizes)
	strideB := labelStrides(lb, p.sizes)
	strideO := labelStrides(out, p.sizes)
	total := 1
	for k, l := range loop {
		dims[k] = p.sizes[l]
		sa[k] = strideA[l]
		sb[k] = strideB[l]
		so[k] = strideO[l]
		total *= dims[k]
	}

	res := make([]float64, p.cost(out))
	idx := make([]int, len(loop))
	ia, ib, io := 0, 0, 0
	for n := 0; n < total; n++ {
		res[io] += a[ia] * b[ib]
		for k := len(loop) - 1; k >= 0; k-- {
			idx[k]++
			ia += sa[k]
			ib += sb[k]
			io += so[k]
			if idx[k] < dims[k] {
				break
			}
			ia -= sa[k] * dims[k]
			ib -= sb[k] * dims[k]
			io -= so[k] * dims[k]
			idx[k] = 0
		}
	}
	return res
}

// labelStrides maps every label of a row-major operand to its element
// stride. A label repeated within one operand accumulates both strides,
// which walks the diagonal.
func labelStrides(labels []Label, sizes map[Label]int) map[Label]int {
	strides := make(map[Label]int, len(labels))
	s := 1
	for i := len(labels) - 1; i >= 0; i-- {
		strides[labels[i]] += s
		s *= sizes[labels[i]]
	}
	return strides
}
