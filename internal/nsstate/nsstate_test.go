package nsstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/types"
)

func upsert(seq uint64, docs ...types.Document) types.WalEntry {
	return types.WalEntry{Sequence: seq, Op: types.WalOp{Kind: types.OpUpsert, Docs: docs}}
}

func del(seq uint64, ids ...types.DocID) types.WalEntry {
	return types.WalEntry{Sequence: seq, Op: types.WalOp{Kind: types.OpDelete, Deletes: ids}}
}

func TestApplyUpsertAndDelete(t *testing.T) {
	s := New("ns1", 0)
	hw := s.Apply(upsert(1, types.Document{ID: 1, Vector: []float32{1}}))
	require.EqualValues(t, 1, hw)

	doc, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, types.DocID(1), doc.ID)

	hw = s.Apply(del(2, 1))
	require.EqualValues(t, 2, hw)
	_, ok = s.Get(1)
	require.False(t, ok)
	require.True(t, s.IsSoftDeleted(1))
}

func TestWalHighwaterNeverMovesBackward(t *testing.T) {
	s := New("ns1", 0)
	s.Apply(upsert(5, types.Document{ID: 1}))
	require.EqualValues(t, 5, s.WalHighwater())
	s.Apply(upsert(3, types.Document{ID: 2}))
	require.EqualValues(t, 5, s.WalHighwater())
}

func TestLoadFromWALSkipsCompactedPrefix(t *testing.T) {
	s := New("ns1", 2)
	s.LoadFromWAL([]types.WalEntry{
		upsert(1, types.Document{ID: 1}),
		upsert(2, types.Document{ID: 2}),
		upsert(3, types.Document{ID: 3}),
	})
	_, ok := s.Get(1)
	require.False(t, ok)
	_, ok = s.Get(3)
	require.True(t, ok)
	require.EqualValues(t, 3, s.WalHighwater())
}

func TestDropThroughRemovesAbsorbedRows(t *testing.T) {
	s := New("ns1", 0)
	s.Apply(upsert(1, types.Document{ID: 1}))
	s.Apply(upsert(2, types.Document{ID: 2}))
	require.Equal(t, 2, s.RowCount())

	s.DropThrough(1)
	require.Equal(t, 1, s.RowCount())
	_, ok := s.Get(2)
	require.True(t, ok)
}

func TestApplyIgnoresEntriesAtOrBeforeCompactedCutoff(t *testing.T) {
	s := New("ns1", 10)
	hw := s.Apply(upsert(5, types.Document{ID: 1}))
	require.EqualValues(t, 10, hw)
	_, ok := s.Get(1)
	require.False(t, ok)
}
