package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/types"
)

func TestManifestLoadMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	os, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := New(os, "ns1")

	_, err = store.Load(ctx)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestManifestPublishAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	os, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := New(os, "ns1")

	seg := types.SegmentInfo{SegmentID: "seg-1", MinID: 1, MaxID: 100, RowCount: 50}
	published, err := store.Publish(ctx, AddSegment(seg))
	require.NoError(t, err)
	require.EqualValues(t, 1, published.Version)
	require.Len(t, published.Segments, 1)
	require.EqualValues(t, 50, published.Stats.TotalDocs)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, published.Version, loaded.Version)
	require.Equal(t, published.Segments, loaded.Segments)
}

func TestManifestVersionStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	os, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := New(os, "ns1")

	seg1 := types.SegmentInfo{SegmentID: "seg-1", MinID: 1, MaxID: 50, RowCount: 10}
	seg2 := types.SegmentInfo{SegmentID: "seg-2", MinID: 51, MaxID: 100, RowCount: 20}

	m1, err := store.Publish(ctx, AddSegment(seg1))
	require.NoError(t, err)
	m2, err := store.Publish(ctx, AddSegment(seg2))
	require.NoError(t, err)

	require.Greater(t, m2.Version, m1.Version)
	require.Len(t, m2.Segments, 2)
	require.EqualValues(t, 30, m2.Stats.TotalDocs)
}

func TestManifestTombstonesIdempotent(t *testing.T) {
	ctx := context.Background()
	os, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := New(os, "ns1")

	seg := types.SegmentInfo{SegmentID: "seg-1", MinID: 1, MaxID: 100, RowCount: 50}
	_, err = store.Publish(ctx, AddSegment(seg))
	require.NoError(t, err)

	m1, err := store.Publish(ctx, MarkTombstones([]types.DocID{5}))
	require.NoError(t, err)
	m2, err := store.Publish(ctx, MarkTombstones([]types.DocID{5}))
	require.NoError(t, err)

	require.Equal(t, m1.Segments[0].Tombstones, m2.Segments[0].Tombstones)
	require.Len(t, m2.Segments[0].Tombstones, 1)
}

func TestManifestReplaceSegments(t *testing.T) {
	ctx := context.Background()
	os, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := New(os, "ns1")

	seg1 := types.SegmentInfo{SegmentID: "seg-1", MinID: 1, MaxID: 50, RowCount: 10}
	seg2 := types.SegmentInfo{SegmentID: "seg-2", MinID: 51, MaxID: 100, RowCount: 20}
	_, err = store.Publish(ctx, AddSegment(seg1))
	require.NoError(t, err)
	_, err = store.Publish(ctx, AddSegment(seg2))
	require.NoError(t, err)

	merged := types.SegmentInfo{SegmentID: "seg-merged", MinID: 1, MaxID: 100, RowCount: 25}
	remove := map[string]struct{}{"seg-1": {}, "seg-2": {}}
	m, err := store.Publish(ctx, ReplaceSegments(remove, merged))
	require.NoError(t, err)

	require.Len(t, m.Segments, 1)
	require.Equal(t, "seg-merged", m.Segments[0].SegmentID)
	require.EqualValues(t, 25, m.Stats.TotalDocs)
}
