package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/types"
)

func testSchema() types.Schema {
	return types.Schema{
		Dim:    3,
		Metric: types.MetricCosine,
		Attributes: []types.AttrDecl{
			{Name: "title", Type: types.AttrString},
			{Name: "views", Type: types.AttrI64},
			{Name: "score", Type: types.AttrF64},
			{Name: "active", Type: types.AttrBool},
			{Name: "tags", Type: types.AttrStringArr},
		},
	}
}

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	schema := testSchema()
	docs := []types.Document{
		{ID: 1, Vector: []float32{1, 2, 3}, Attributes: map[string]types.AttrValue{
			"title": "first", "views": int64(10), "score": 1.5, "active": true, "tags": []string{"a", "b"},
		}},
		{ID: 2, Attributes: map[string]types.AttrValue{"title": "second"}},
		{ID: 3, Vector: []float32{4, 5, 6}},
	}

	encoded, err := EncodeBlock(schema, docs)
	require.NoError(t, err)

	decoded, err := DecodeBlock(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	require.Equal(t, types.DocID(1), decoded[0].ID)
	require.Equal(t, []float32{1, 2, 3}, decoded[0].Vector)
	require.Equal(t, "first", decoded[0].Attributes["title"])
	require.Equal(t, int64(10), decoded[0].Attributes["views"])
	require.Equal(t, 1.5, decoded[0].Attributes["score"])
	require.Equal(t, true, decoded[0].Attributes["active"])
	require.Equal(t, []string{"a", "b"}, decoded[0].Attributes["tags"])

	require.Equal(t, types.DocID(2), decoded[1].ID)
	require.Nil(t, decoded[1].Vector)
	require.Equal(t, "second", decoded[1].Attributes["title"])
	_, hasViews := decoded[1].Attributes["views"]
	require.False(t, hasViews)

	require.Equal(t, types.DocID(3), decoded[2].ID)
	require.Equal(t, []float32{4, 5, 6}, decoded[2].Vector)
}

func TestReadByIDsFiltersRows(t *testing.T) {
	schema := testSchema()
	docs := []types.Document{
		{ID: 1, Vector: []float32{1, 1, 1}},
		{ID: 2, Vector: []float32{2, 2, 2}},
		{ID: 3, Vector: []float32{3, 3, 3}},
	}
	encoded, err := EncodeBlock(schema, docs)
	require.NoError(t, err)

	out, err := ReadByIDs(encoded, map[types.DocID]struct{}{2: {}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, types.DocID(2), out[0].ID)
	require.Equal(t, []float32{2, 2, 2}, out[0].Vector)
}
