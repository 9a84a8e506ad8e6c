package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/manifest"
	"github.com/elax-db/elax/internal/nsstate"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/segment"
	"github.com/elax-db/elax/internal/types"
	"github.com/elax-db/elax/internal/wal"
)

func testSchema() types.Schema {
	return types.Schema{Dim: 3, Metric: types.MetricCosine}
}

func testConfig() Config {
	return Config{
		MaxSegments:        4,
		MaxTotalDocs:       1000,
		MinSegmentsToMerge: 2,
		MaxSegmentsToMerge: 4,
		IVFNList:           2,
		IVFMaxIters:        5,
		IVFTolerance:       1e-3,
		IVFSeed:            1,
	}
}

func TestShouldCompactTriggersOnSegmentCount(t *testing.T) {
	cfg := testConfig()
	require.True(t, ShouldCompact(types.Stats{TotalSegments: 4, TotalDocs: 1}, cfg))
	require.False(t, ShouldCompact(types.Stats{TotalSegments: 1, TotalDocs: 1}, cfg))
}

func TestSelectSegmentsPicksOldestContiguousRun(t *testing.T) {
	now := time.Now()
	segs := []types.SegmentInfo{
		{SegmentID: "c", CreatedAt: now.Add(2 * time.Hour)},
		{SegmentID: "a", CreatedAt: now},
		{SegmentID: "b", CreatedAt: now.Add(time.Hour)},
	}
	selected := SelectSegments(segs, testConfig())
	require.Len(t, selected, 3)
	require.Equal(t, "a", selected[0].SegmentID)
	require.Equal(t, "b", selected[1].SegmentID)
	require.Equal(t, "c", selected[2].SegmentID)
}

func TestSelectSegmentsReturnsNilBelowMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.MinSegmentsToMerge = 3
	segs := []types.SegmentInfo{{SegmentID: "a"}, {SegmentID: "b"}}
	require.Nil(t, SelectSegments(segs, cfg))
}

func TestSealWALPublishesSegmentAndTruncates(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	manifests := manifest.New(store, "ns1")
	c := New(store, manifests, "ns1", nil)

	state := nsstate.New("ns1", 0)
	state.Apply(types.WalEntry{Sequence: 1, Op: types.WalOp{Kind: types.OpUpsert, Docs: []types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	}}})

	walDir := t.TempDir()
	log, err := wal.NewLocalWAL(walDir, wal.DefaultRotateSize, wal.DefaultRetainFiles)
	require.NoError(t, err)
	_, err = log.Append(types.WalOp{Kind: types.OpUpsert, Docs: []types.Document{{ID: 1}}})
	require.NoError(t, err)

	published, err := c.SealWAL(ctx, testSchema(), nil, log, state, testConfig())
	require.NoError(t, err)
	require.Len(t, published.Segments, 1)
	require.Equal(t, 2, published.Segments[0].RowCount)
	require.Equal(t, 0, state.RowCount())

	data, err := store.Get(ctx, published.Segments[0].DataPath)
	require.NoError(t, err)
	docs, err := segment.DecodeBlock(data)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestCompactMergesAndSuppressesTombstones(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	manifests := manifest.New(store, "ns1")
	c := New(store, manifests, "ns1", nil)
	schema := testSchema()

	seg1Docs := []types.Document{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
	}
	seg2Docs := []types.Document{
		{ID: 2, Vector: []float32{0, 0, 1}},
		{ID: 3, Vector: []float32{1, 1, 0}},
	}

	seg1, err := c.writeSegment(ctx, schema, nil, seg1Docs, []types.DocID{}, 1, testConfig())
	require.NoError(t, err)
	seg1.CreatedAt = time.Now()
	seg2, err := c.writeSegment(ctx, schema, nil, seg2Docs, []types.DocID{1}, 2, testConfig())
	require.NoError(t, err)
	seg2.CreatedAt = seg1.CreatedAt.Add(time.Minute)

	merged, err := c.Compact(ctx, schema, nil, []types.SegmentInfo{seg1, seg2}, testConfig())
	require.NoError(t, err)
	require.Len(t, merged.Segments, 1)

	data, err := store.Get(ctx, merged.Segments[0].DataPath)
	require.NoError(t, err)
	docs, err := segment.DecodeBlock(data)
	require.NoError(t, err)

	byID := map[types.DocID]types.Document{}
	for _, d := range docs {
		byID[d.ID] = d
	}
	// doc 2 comes from the later-created segment (value [0,0,1]).
	require.Equal(t, []float32{0, 0, 1}, byID[2].Vector)
	require.Equal(t, 2, len(docs))
}
