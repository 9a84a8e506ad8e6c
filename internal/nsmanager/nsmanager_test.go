package nsmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/compactor"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/planner"
	"github.com/elax-db/elax/internal/types"
)

func testCompactorConfig() compactor.Config {
	return compactor.Config{
		MaxSegments:        10,
		MaxTotalDocs:       1000,
		MinSegmentsToMerge: 2,
		MaxSegmentsToMerge: 4,
		IVFNList:           2,
		IVFMaxIters:        5,
		IVFTolerance:       1e-3,
		IVFSeed:            1,
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mgr := New(store, t.TempDir(), "node-1", WALModeLocal, nil, nil)

	schema := types.Schema{Dim: 3, Metric: types.MetricCosine}
	ns1, created1, err := mgr.Create(ctx, "ns1", schema)
	require.NoError(t, err)
	require.True(t, created1)

	ns2, created2, err := mgr.Create(ctx, "ns1", schema)
	require.NoError(t, err)
	require.False(t, created2)
	require.Same(t, ns1, ns2)
}

func TestUpsertAndQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mgr := New(store, t.TempDir(), "node-1", WALModeLocal, nil, nil)

	schema := types.Schema{Dim: 3, Metric: types.MetricCosine}
	ns, _, err := mgr.Create(ctx, "ns1", schema)
	require.NoError(t, err)

	count, err := ns.Upsert([]types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	results, err := ns.Query(ctx, store, planner.Query{
		Vector: []float32{1, 0, 0},
		TopK:   2,
		Metric: types.MetricCosine,
		Ann:    planner.AnnParams{SmallPartFallback: true, PerPartLimit: 10, RerankPrecision: planner.RerankFp32},
		Fusion: planner.FusionRRF,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, types.DocID(1), results[0].DocID)
}

func TestSealMovesRowsFromStateToManifest(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mgr := New(store, t.TempDir(), "node-1", WALModeLocal, nil, nil)

	schema := types.Schema{Dim: 3, Metric: types.MetricCosine}
	ns, _, err := mgr.Create(ctx, "ns1", schema)
	require.NoError(t, err)

	_, err = ns.Upsert([]types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)

	require.NoError(t, ns.Seal(ctx, testCompactorConfig()))
	require.Equal(t, 0, ns.state.RowCount())

	results, err := ns.Query(ctx, store, planner.Query{
		Vector: []float32{1, 0, 0},
		TopK:   2,
		Metric: types.MetricCosine,
		Ann:    planner.AnnParams{KTrained: 2, ProbeFraction: 1, NProbeCap: 2, PerPartLimit: 10, RerankPrecision: planner.RerankFp32},
		Fusion: planner.FusionRRF,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestDeleteAfterSealTombstonesTheSealedSegment(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mgr := New(store, t.TempDir(), "node-1", WALModeLocal, nil, nil)

	schema := types.Schema{Dim: 3, Metric: types.MetricCosine}
	ns, _, err := mgr.Create(ctx, "ns1", schema)
	require.NoError(t, err)

	_, err = ns.Upsert([]types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	require.NoError(t, ns.Seal(ctx, testCompactorConfig()))

	// doc 1 is now only reachable through the sealed segment; deleting it
	// must reach the manifest, not just the already-empty row cache.
	count, err := ns.Delete(ctx, []types.DocID{1})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	ns.snapMu.RLock()
	segments := ns.manifestSnapshot.Segments
	ns.snapMu.RUnlock()
	require.NotEmpty(t, segments)
	require.Contains(t, segments[0].Tombstones, types.DocID(1))

	results, err := ns.Query(ctx, store, planner.Query{
		Vector: []float32{1, 0, 0},
		TopK:   2,
		Metric: types.MetricCosine,
		Ann:    planner.AnnParams{KTrained: 2, ProbeFraction: 1, NProbeCap: 2, PerPartLimit: 10, RerankPrecision: planner.RerankFp32},
		Fusion: planner.FusionRRF,
	})
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, types.DocID(1), r.DocID)
	}
}

func TestConsistencyErrorWhenHighwaterBehindRequest(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mgr := New(store, t.TempDir(), "node-1", WALModeLocal, nil, nil)

	schema := types.Schema{Dim: 3, Metric: types.MetricCosine}
	ns, _, err := mgr.Create(ctx, "ns1", schema)
	require.NoError(t, err)

	_, err = ns.Query(ctx, store, planner.Query{
		Vector:         []float32{1, 0, 0},
		TopK:           1,
		MinWalSequence: 100,
	})
	require.Error(t, err)
}
