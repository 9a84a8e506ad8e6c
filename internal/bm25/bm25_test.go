package bm25

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/types"
)

func TestIndexQueryRanksByRelevance(t *testing.T) {
	idx, err := NewIndex([]types.BM25FieldConfig{{Field: "body", Language: "en", Boost: 1}})
	require.NoError(t, err)

	require.NoError(t, idx.AddDocument(1, map[string]string{"body": "the quick brown fox jumps"}))
	require.NoError(t, idx.AddDocument(2, map[string]string{"body": "fox fox fox everywhere"}))
	require.NoError(t, idx.AddDocument(3, map[string]string{"body": "nothing relevant here"}))

	hits, err := idx.Query("fox", []string{"body"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, types.DocID(2), hits[0].DocID)
}

func TestIndexQueryRespectsTopK(t *testing.T) {
	idx, err := NewIndex([]types.BM25FieldConfig{{Field: "body", Language: "en"}})
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, idx.AddDocument(i, map[string]string{"body": "widget widget"}))
	}
	hits, err := idx.Query("widget", []string{"body"}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestIndexQueryTopKZeroReturnsEmpty(t *testing.T) {
	idx, err := NewIndex([]types.BM25FieldConfig{{Field: "body", Language: "en"}})
	require.NoError(t, err)
	require.NoError(t, idx.AddDocument(1, map[string]string{"body": "widget widget"}))

	hits, err := idx.Query("widget", []string{"body"}, 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	idx, err := NewIndex([]types.BM25FieldConfig{{Field: "body", Language: "en"}})
	require.NoError(t, err)
	require.NoError(t, idx.AddDocument(1, map[string]string{"body": "hello world"}))

	data, err := idx.Marshal()
	require.NoError(t, err)
	idx2, err := Unmarshal(data)
	require.NoError(t, err)

	hits, err := idx2.Query("hello", []string{"body"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, types.DocID(1), hits[0].DocID)
}

func TestUnrecognizedLanguageErrors(t *testing.T) {
	_, err := NewIndex([]types.BM25FieldConfig{{Field: "body", Language: "xx"}})
	require.Error(t, err)
}
