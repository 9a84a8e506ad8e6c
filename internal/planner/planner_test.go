package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/bm25"
	"github.com/elax-db/elax/internal/rabitq"
	"github.com/elax-db/elax/internal/rerank"
	"github.com/elax-db/elax/internal/types"
)

func buildPart(id string, docs []types.Document) *PartIndex {
	vectors := make([][]float32, len(docs))
	for i, d := range docs {
		vectors[i] = d.Vector
	}
	meta, codes := rabitq.Encode(vectors)
	int8Block := rerank.EncodeInt8(vectors)
	return &PartIndex{
		SegmentID:   id,
		Docs:        docs,
		RabitqMeta:  meta,
		RabitqCodes: codes,
		Int8:        int8Block,
		Tombstoned:  map[types.DocID]struct{}{},
	}
}

func TestVectorSearchFallbackPathRanksByScore(t *testing.T) {
	docs := []types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
		{ID: 3, Vector: []float32{-1, 0, 0}},
	}
	part := buildPart("seg-1", docs)

	q := Query{
		Vector: []float32{1, 0, 0},
		TopK:   2,
		Metric: types.MetricCosine,
		Ann:    AnnParams{SmallPartFallback: true, PerPartLimit: 10, RerankPrecision: RerankFp32},
	}
	results, err := VectorSearch(context.Background(), q, []*PartIndex{part}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, types.DocID(1), results[0].DocID)
}

func TestVectorSearchTombstoneSuppressesRow(t *testing.T) {
	docs := []types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{1, 0, 0}},
	}
	part := buildPart("seg-1", docs)
	part.Tombstoned[1] = struct{}{}

	q := Query{
		Vector: []float32{1, 0, 0},
		TopK:   5,
		Metric: types.MetricCosine,
		Ann:    AnnParams{SmallPartFallback: true, PerPartLimit: 10, RerankPrecision: RerankNone},
	}
	results, err := VectorSearch(context.Background(), q, []*PartIndex{part}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, types.DocID(2), results[0].DocID)
}

func TestVectorSearchTopKZeroReturnsEmpty(t *testing.T) {
	docs := []types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	}
	part := buildPart("seg-1", docs)

	q := Query{
		Vector: []float32{1, 0, 0},
		TopK:   0,
		Metric: types.MetricCosine,
		Ann:    AnnParams{SmallPartFallback: true, PerPartLimit: 10, RerankPrecision: RerankFp32},
	}
	results, err := VectorSearch(context.Background(), q, []*PartIndex{part}, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestFuseHybridTopKZeroReturnsEmpty(t *testing.T) {
	vector := []Result{{DocID: 1, Score: 0.9, Document: &types.Document{ID: 1}}}
	text := []bm25.Scored{{DocID: 2, Score: 1.0}}
	docsByID := map[types.DocID]*types.Document{2: {ID: 2}}

	fused := FuseHybrid(vector, text, docsByID, FusionRRF, 0)
	require.Empty(t, fused)
}

func TestFuseHybridRRF(t *testing.T) {
	vector := []Result{
		{DocID: 1, Score: 0.9, Document: &types.Document{ID: 1}},
		{DocID: 2, Score: 0.5, Document: &types.Document{ID: 2}},
	}
	text := []bm25.Scored{
		{DocID: 2, Score: 5.0},
		{DocID: 3, Score: 1.0},
	}
	docsByID := map[types.DocID]*types.Document{3: {ID: 3}}

	fused := FuseHybrid(vector, text, docsByID, FusionRRF, 10)
	require.Len(t, fused, 3)
	// doc 2 appears in both lists near the top of each, so it should fuse
	// to the highest combined score.
	require.Equal(t, types.DocID(2), fused[0].DocID)
}

func TestFuseHybridVectorOnly(t *testing.T) {
	vector := []Result{{DocID: 1, Score: 0.9, Document: &types.Document{ID: 1}}}
	fused := FuseHybrid(vector, nil, nil, FusionRRF, 10)
	require.Len(t, fused, 1)
	require.Equal(t, types.DocID(1), fused[0].DocID)
}
