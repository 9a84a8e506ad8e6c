package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/types"
)

func doc() types.Document {
	return types.Document{
		ID: 42,
		Attributes: map[string]types.AttrValue{
			"category": "shoes",
			"price":    float64(59.99),
			"views":    int64(100),
		},
	}
}

func TestEvalEqAndNotEq(t *testing.T) {
	d := doc()
	ok, err := Eval(&Node{Op: OpEq, Field: "category", Value: "shoes"}, d)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(&Node{Op: OpNotEq, Field: "category", Value: "shirts"}, d)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalMissingFieldSemantics(t *testing.T) {
	d := doc()
	ok, err := Eval(&Node{Op: OpEq, Field: "missing", Value: "x"}, d)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = Eval(&Node{Op: OpNotEq, Field: "missing", Value: "x"}, d)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(&Node{Op: OpExists, Field: "missing"}, d)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalNumericComparisons(t *testing.T) {
	d := doc()
	ok, err := Eval(&Node{Op: OpGte, Field: "price", Value: 50.0}, d)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(&Node{Op: OpLt, Field: "views", Value: 50.0}, d)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalNumericTypeMismatchErrors(t *testing.T) {
	d := doc()
	_, err := Eval(&Node{Op: OpGt, Field: "category", Value: 1.0}, d)
	require.Error(t, err)
}

func TestEvalAndOrNot(t *testing.T) {
	d := doc()
	tree := &Node{And: []Node{
		{Op: OpEq, Field: "category", Value: "shoes"},
		{Not: &Node{Op: OpEq, Field: "views", Value: int64(0)}},
	}}
	ok, err := Eval(tree, d)
	require.NoError(t, err)
	require.True(t, ok)

	orTree := &Node{Or: []Node{
		{Op: OpEq, Field: "category", Value: "hats"},
		{Op: OpGt, Field: "price", Value: 10.0},
	}}
	ok, err = Eval(orTree, d)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalInNotIn(t *testing.T) {
	d := doc()
	ok, err := Eval(&Node{Op: OpIn, Field: "category", Values: []any{"hats", "shoes"}}, d)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(&Node{Op: OpNotIn, Field: "category", Values: []any{"hats"}}, d)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalBitmap(t *testing.T) {
	docs := []types.Document{doc(), {ID: 1, Attributes: map[string]types.AttrValue{"category": "hats"}}}
	bm, err := EvalBitmap(&Node{Op: OpEq, Field: "category", Value: "shoes"}, docs)
	require.NoError(t, err)
	require.True(t, bm.Contains(0))
	require.False(t, bm.Contains(1))
}
