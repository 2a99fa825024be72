// Package einsum provides an explicit intermediate representation for
// tensor contractions and a small evaluator for it.
//
// An Expr lists, for every operand, the label of each of its axes, plus the
// labels of the result. Labels shared between operands are multiplied
// together; labels missing from the output are summed out. Exprs are
// compiled once against concrete shapes into a Program that fixes the
// pairwise contraction order, so no parsing happens on the hot path.
package einsum

import (
	"errors"
	"fmt"
	"strings"
)

// Label names one axis of a contraction.
type Label int

// Alphabet is the symbol set used to render labels in einsum notation.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// MaxLabels is the number of distinct labels that can be rendered.
const MaxLabels = len(Alphabet)

// Errors returned by Parse, Compile and Eval.
var (
	ErrSyntax       = errors.New("einsum: invalid expression")
	ErrOperandCount = errors.New("einsum: operand count mismatch")
	ErrRankMismatch = errors.New("einsum: operand rank does not match its labels")
	ErrLabelSize    = errors.New("einsum: label bound to different sizes")
	ErrUnknownLabel = errors.New("einsum: output label not present in any input")
)

// Expr is a contraction: one label list per input operand and the output labels.
type Expr struct {
	Inputs [][]Label
	Output []Label
}

// String renders the expression in einsum notation, e.g. "an,bo,no->ab".
func (e Expr) String() string {
	var sb strings.Builder
	for i, in := range e.Inputs {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeLabels(&sb, in)
	}
	sb.WriteString("->")
	writeLabels(&sb, e.Output)
	return sb.String()
}

func writeLabels(sb *strings.Builder, labels []Label) {
	for _, l := range labels {
		if l < 0 || int(l) >= MaxLabels {
			sb.WriteByte('?')
			continue
		}
		sb.WriteByte(Alphabet[l])
	}
}

// Parse reads einsum notation produced by String.
func Parse(s string) (Expr, error) {
	lhs, rhs, ok := strings.Cut(s, "->")
	if !ok {
		return Expr{}, fmt.Errorf("%w: missing \"->\" in %q", ErrSyntax, s)
	}
	var e Expr
	for _, part := range strings.Split(lhs, ",") {
		labels, err := parseLabels(part)
		if err != nil {
			return Expr{}, fmt.Errorf("%w in %q", err, s)
		}
		e.Inputs = append(e.Inputs, labels)
	}
	out, err := parseLabels(rhs)
	if err != nil {
		return Expr{}, fmt.Errorf("%w in %q", err, s)
	}
	e.Output = out
	return e, nil
}

func parseLabels(s string) ([]Label, error) {
	labels := make([]Label, 0, len(s))
	for _, r := range s {
		i := strings.IndexRune(Alphabet, r)
		if i < 0 {
			return nil, fmt.Errorf("%w: unknown symbol %q", ErrSyntax, r)
		}
		labels = append(labels, Label(i))
	}
	return labels, nil
}

// Equal reports whether two expressions are identical.
func (e Expr) Equal(other Expr) bool {
	if len(e.Inputs) != len(other.Inputs) || !labelsEqual(e.Output, other.Output) {
		return false
	}
	for i := range e.Inputs {
		if !labelsEqual(e.Inputs[i], other.Inputs[i]) {
			return false
		}
	}
	return true
}

func labelsEqual(a, b []Label) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsLabel(labels []Label, l Label) bool {
	for _, x := range labels {
		if x == l {
			return true
		}
	}
	return false
}
