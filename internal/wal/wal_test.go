package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/types"
)

func sampleOp(id uint64) types.WalOp {
	return types.WalOp{
		Kind: types.OpUpsert,
		Docs: []types.Document{
			{ID: types.DocID(id), Vector: []float32{1, 2, 3}, Attributes: map[string]types.AttrValue{"n": int64(id)}},
		},
	}
}

func TestLocalWALAppendReplayOrdering(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWAL(dir, 0, 0)
	require.NoError(t, err)

	for i := uint64(0); i < 5; i++ {
		seq, err := w.Append(sampleOp(i))
		require.NoError(t, err)
		require.Equal(t, i+1, seq)
	}
	require.NoError(t, w.Close())

	w2, err := NewLocalWAL(dir, 0, 0)
	require.NoError(t, err)
	entries, report, err := w2.Replay()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, 5, report.Expected)
	require.Equal(t, 5, report.Recovered)
	require.False(t, report.StoppedEarly)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Sequence)
	}
}

// TestLocalWALCorruptedCRCRecovery matches spec.md §8 scenario 4: write 3
// valid entries, zero out the middle CRC byte, restart — recovery must
// surface at least the first entry and no more than 3.
func TestLocalWALCorruptedCRCRecovery(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWAL(dir, 0, 0)
	require.NoError(t, err)
	for i := uint64(0); i < 3; i++ {
		_, err := w.Append(sampleOp(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(dir, fileName(0))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Locate the second frame's CRC bytes and corrupt one byte within them.
	off := 8
	length := getU32(data[off : off+4])
	frame1End := off + 4 + int(length) + 4
	length2 := getU32(data[frame1End : frame1End+4])
	frame2CRCStart := frame1End + 4 + int(length2)
	data[frame2CRCStart] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w2, err := NewLocalWAL(dir, 0, 0)
	require.NoError(t, err)
	entries, report, err := w2.Replay()
	require.NoError(t, err)
	require.True(t, report.StoppedEarly)
	require.GreaterOrEqual(t, len(entries), 1)
	require.LessOrEqual(t, len(entries), 3)
	require.Equal(t, uint64(1), entries[0].Sequence)
}

func TestLocalWALRotationAndRetention(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWAL(dir, 200, 2)
	require.NoError(t, err)
	for i := uint64(0); i < 50; i++ {
		_, err := w.Append(sampleOp(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	indices, err := listFileIndices(dir)
	require.NoError(t, err)
	require.True(t, len(indices) >= 1)
	require.LessOrEqual(t, len(indices), 2)
}

func TestLocalWALTruncateThrough(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWAL(dir, 200, 10)
	require.NoError(t, err)
	for i := uint64(0); i < 50; i++ {
		_, err := w.Append(sampleOp(i))
		require.NoError(t, err)
	}
	before, err := listFileIndices(dir)
	require.NoError(t, err)
	require.NoError(t, w.TruncateThrough(49))
	after, err := listFileIndices(dir)
	require.NoError(t, err)
	require.Less(t, len(after), len(before))
}

func TestObjectStoreWALAppendReplay(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	w, err := NewObjectStoreWAL(ctx, store, "ns1", "node-a")
	require.NoError(t, err)
	for i := uint64(0); i < 4; i++ {
		seq, err := w.Append(ctx, sampleOp(i))
		require.NoError(t, err)
		require.Equal(t, i+1, seq)
	}

	entries, report, err := w.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, 4, report.Expected)
	require.Equal(t, 4, report.Recovered)
	require.False(t, report.StoppedEarly)

	require.NoError(t, w.TruncateThrough(ctx, 1))
	entries2, _, err := w.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries2, 3)
	require.Equal(t, uint64(2), entries2[0].Sequence)
}
