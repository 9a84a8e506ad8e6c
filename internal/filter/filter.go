// Package filter evaluates the boolean attribute-predicate tree used by
// query filtering, per spec.md §4.8, and reduces a segment's matching rows
// to a roaring bitmap for the planner to intersect against tombstones.
package filter

import (
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/types"
)

// Op names one leaf comparison.
type Op string

const (
	OpEq     Op = "eq"
	OpNotEq  Op = "not_eq"
	OpIn     Op = "in"
	OpNotIn  Op = "not_in"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpExists Op = "exists"
)

// Node is one node of the boolean filter tree: either a boolean combinator
// (And, Or or Not populated) or a leaf (Op/Field/Value populated).
type Node struct {
	And    []Node `json:"and,omitempty"`
	Or     []Node `json:"or,omitempty"`
	Not    *Node  `json:"not,omitempty"`
	Op     Op     `json:"op,omitempty"`
	Field  string `json:"field,omitempty"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
}

// Eval evaluates the tree against one document's attributes (plus its id,
// reachable via the reserved "id" field name).
func Eval(n *Node, doc types.Document) (bool, error) {
	switch {
	case len(n.And) > 0:
		for i := range n.And {
			ok, err := Eval(&n.And[i], doc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(n.Or) > 0:
		for i := range n.Or {
			ok, err := Eval(&n.Or[i], doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case n.Not != nil:
		ok, err := Eval(n.Not, doc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return evalLeaf(n, doc)
	}
}

func evalLeaf(n *Node, doc types.Document) (bool, error) {
	if n.Op == OpExists {
		_, ok := resolveField(n.Field, doc)
		return ok, nil
	}

	v, present := resolveField(n.Field, doc)
	switch n.Op {
	case OpEq:
		if !present {
			return false, nil
		}
		return deepEqual(v, n.Value), nil
	case OpNotEq:
		if !present {
			return true, nil
		}
		return !deepEqual(v, n.Value), nil
	case OpIn:
		if !present {
			return false, nil
		}
		for _, candidate := range n.Values {
			if deepEqual(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		if !present {
			return true, nil
		}
		for _, candidate := range n.Values {
			if deepEqual(v, candidate) {
				return false, nil
			}
		}
		return true, nil
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false, nil
		}
		return evalNumeric(n.Op, v, n.Value)
	default:
		return false, errs.New(errs.Validation, "unknown filter op %q", n.Op)
	}
}

func resolveField(field string, doc types.Document) (any, bool) {
	if field == "id" {
		return doc.ID, true
	}
	parts := strings.Split(field, ".")
	var cur any = map[string]any(doc.Attributes)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func evalNumeric(op Op, a, b any) (bool, error) {
	af, ok1 := toFloat64(a)
	bf, ok2 := toFloat64(b)
	if !ok1 || !ok2 {
		return false, errs.New(errs.Validation, "numeric comparison against non-numeric value")
	}
	switch op {
	case OpGt:
		return af > bf, nil
	case OpGte:
		return af >= bf, nil
	case OpLt:
		return af < bf, nil
	case OpLte:
		return af <= bf, nil
	default:
		return false, errs.New(errs.Internal, "evalNumeric called with non-numeric op %q", op)
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func deepEqual(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.([]string)
	bs, bok := b.([]any)
	if aok && bok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			s, ok := bs[i].(string)
			if !ok || s != as[i] {
				return false
			}
		}
		return true
	}
	return a == b
}

// EvalBitmap evaluates the tree across docs and returns the roaring bitmap
// of local indices that match, for the planner to intersect with the
// tombstone and IVF-candidate bitmaps.
func EvalBitmap(n *Node, docs []types.Document) (*roaring.Bitmap, error) {
	out := roaring.New()
	for i, doc := range docs {
		ok, err := Eval(n, doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Add(uint32(i))
		}
	}
	return out, nil
}
