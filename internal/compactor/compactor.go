// Package compactor seals WAL-only rows into new immutable segments and,
// separately, merges small segments together, per spec.md §4.11 and the
// "indexer seals new parts" control-flow note in spec.md §3.1.
//
// The index artifacts named in spec.md §6 are written as fixed-width
// little-endian arrays with encoding/binary. The .ilist bodies are plain
// little-endian local indices, not vbyte-delta encoded: nothing outside
// this Go process ever reads these files directly, so the byte layout is
// an implementation detail, not a contract. See DESIGN.md.
package compactor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/elax-db/elax/internal/bm25"
	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/ivf"
	"github.com/elax-db/elax/internal/manifest"
	"github.com/elax-db/elax/internal/nsstate"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/rabitq"
	"github.com/elax-db/elax/internal/rerank"
	"github.com/elax-db/elax/internal/segment"
	"github.com/elax-db/elax/internal/types"
	"github.com/elax-db/elax/internal/wal"
)

// Config tunes compaction triggers, segment selection, and IVF training.
type Config struct {
	MaxSegments        int
	MaxTotalDocs       int64
	MinSegmentsToMerge int
	MaxSegmentsToMerge int
	IVFNList           int
	IVFMaxIters        int
	IVFTolerance       float64
	IVFSeed            int64
}

// ShouldCompact implements the should_compact trigger of spec.md §4.11.
func ShouldCompact(stats types.Stats, cfg Config) bool {
	return stats.TotalSegments >= cfg.MaxSegments || stats.TotalDocs >= cfg.MaxTotalDocs
}

// SelectSegments picks the oldest contiguous (by creation time) run of
// segments to merge, sized between MinSegmentsToMerge and
// MaxSegmentsToMerge, per spec.md §4.11. Returns nil if there are fewer
// than MinSegmentsToMerge segments available.
func SelectSegments(segments []types.SegmentInfo, cfg Config) []types.SegmentInfo {
	sorted := append([]types.SegmentInfo{}, segments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	n := cfg.MaxSegmentsToMerge
	if n > len(sorted) {
		n = len(sorted)
	}
	if n < cfg.MinSegmentsToMerge {
		return nil
	}
	return sorted[:n]
}

// Compactor ties together the object store, manifest, and WAL for one
// namespace's seal/merge operations.
type Compactor struct {
	store     objectstore.Store
	manifests *manifest.Store
	namespace string
	log       *zap.Logger
}

// New returns a Compactor for namespace.
func New(store objectstore.Store, manifests *manifest.Store, namespace string, log *zap.Logger) *Compactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{store: store, manifests: manifests, namespace: namespace, log: log}
}

func (c *Compactor) segmentDataPath(segmentID string) string {
	return fmt.Sprintf("%s/segments/%s.parquet", c.namespace, segmentID)
}

func (c *Compactor) indexPath(segmentID, name string) string {
	return fmt.Sprintf("%s/segments/%s/%s", c.namespace, segmentID, name)
}

// SealWAL snapshots the namespace's in-memory row cache into a new
// segment, registers it in the manifest, truncates the WAL through the
// absorbed sequence, and drops the absorbed rows from state — the
// periodic "seal new parts from WAL-only rows" flow of spec.md §3.1.
func (c *Compactor) SealWAL(ctx context.Context, schema types.Schema, bm25Fields []types.BM25FieldConfig, log wal.Log, state *nsstate.State, cfg Config) (types.Manifest, error) {
	docs := state.Snapshot()
	if len(docs) == 0 {
		return types.Manifest{}, errs.New(errs.Validation, "no in-memory rows to seal for namespace %s", c.namespace)
	}
	cutoff := state.WalHighwater()

	info, err := c.writeSegment(ctx, schema, bm25Fields, docs, nil, cutoff, cfg)
	if err != nil {
		return types.Manifest{}, err
	}

	published, err := c.manifests.Publish(ctx, manifest.AddSegment(info))
	if err != nil {
		return types.Manifest{}, err
	}

	if err := log.TruncateThrough(cutoff); err != nil {
		c.log.Warn("failed to truncate WAL after seal", zap.Error(err), zap.Uint64("cutoff", cutoff))
	}
	state.DropThrough(cutoff)
	return published, nil
}

// Compact merges the segments selected by SelectSegments: rows are
// deduplicated by doc id (later-created segment wins), tombstoned ids are
// dropped, and new index artifacts are trained and published in place of
// the superseded segments, per spec.md §4.11's merge policy. Compaction is
// idempotent: if manifest.Publish fails, the new artifacts are orphaned
// but harmless, and current.txt never advances.
func (c *Compactor) Compact(ctx context.Context, schema types.Schema, bm25Fields []types.BM25FieldConfig, selected []types.SegmentInfo, cfg Config) (types.Manifest, error) {
	if len(selected) == 0 {
		return types.Manifest{}, errs.New(errs.Validation, "no segments selected for compaction in namespace %s", c.namespace)
	}
	ordered := append([]types.SegmentInfo{}, selected...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	merged := make(map[types.DocID]types.Document)
	var maxSequence uint64
	for _, seg := range ordered {
		data, err := c.store.Get(ctx, seg.DataPath)
		if err != nil {
			return types.Manifest{}, errs.Wrap(errs.Unavailable, err, "read segment %s for compaction", seg.SegmentID)
		}
		docs, err := segment.DecodeBlock(data)
		if err != nil {
			return types.Manifest{}, err
		}
		for _, d := range docs {
			merged[d.ID] = d
		}
		for _, id := range seg.Tombstones {
			delete(merged, id)
		}
		if seg.MaxSequence > maxSequence {
			maxSequence = seg.MaxSequence
		}
	}

	mergedDocs := make([]types.Document, 0, len(merged))
	for _, d := range merged {
		mergedDocs = append(mergedDocs, d)
	}
	sort.Slice(mergedDocs, func(i, j int) bool { return mergedDocs[i].ID < mergedDocs[j].ID })

	if len(mergedDocs) == 0 {
		removeIDs := make(map[string]struct{}, len(ordered))
		for _, seg := range ordered {
			removeIDs[seg.SegmentID] = struct{}{}
		}
		return c.manifests.Publish(ctx, manifest.ReplaceSegments(removeIDs))
	}

	info, err := c.writeSegment(ctx, schema, bm25Fields, mergedDocs, nil, maxSequence, cfg)
	if err != nil {
		return types.Manifest{}, err
	}

	removeIDs := make(map[string]struct{}, len(ordered))
	for _, seg := range ordered {
		removeIDs[seg.SegmentID] = struct{}{}
	}
	return c.manifests.Publish(ctx, manifest.ReplaceSegments(removeIDs, info))
}

// writeSegment trains IVF/RaBitQ/int8/fp32 artifacts (and a BM25 directory
// when bm25Fields is non-empty) over docs, writes every artifact to the
// object store, and returns the SegmentInfo ready for manifest
// registration.
func (c *Compactor) writeSegment(ctx context.Context, schema types.Schema, bm25Fields []types.BM25FieldConfig, docs []types.Document, tombstones []types.DocID, maxSequence uint64, cfg Config) (types.SegmentInfo, error) {
	segmentID := fmt.Sprintf("seg-%d", time.Now().UnixNano())

	dataBlock, err := segment.EncodeBlock(schema, docs)
	if err != nil {
		return types.SegmentInfo{}, err
	}
	if err := c.store.Put(ctx, c.segmentDataPath(segmentID), dataBlock); err != nil {
		return types.SegmentInfo{}, errs.Wrap(errs.Unavailable, err, "write segment data for %s", segmentID)
	}

	var vectors [][]float32
	for _, d := range docs {
		if len(d.Vector) > 0 {
			vectors = append(vectors, d.Vector)
		}
	}

	pointers := types.IndexPointers{}
	if len(vectors) > 0 {
		nlist := cfg.IVFNList
		if nlist > len(vectors) {
			nlist = len(vectors)
		}
		model, err := ivf.Train(vectors, ivf.TrainParams{NList: nlist, MaxIters: cfg.IVFMaxIters, Tolerance: cfg.IVFTolerance, Metric: schema.Metric, Seed: cfg.IVFSeed})
		if err != nil {
			return types.SegmentInfo{}, err
		}
		if err := c.writeCentroids(ctx, segmentID, model); err != nil {
			return types.SegmentInfo{}, err
		}
		pointers.Centroids = c.indexPath(segmentID, "centroids.bin")
		pointers.IListDir = c.indexPath(segmentID, "ilists")
		if err := c.writeInvertedLists(ctx, segmentID, vectors, model); err != nil {
			return types.SegmentInfo{}, err
		}

		rabitqMeta, rabitqCodes := rabitq.Encode(vectors)
		if err := c.writeRabitq(ctx, segmentID, rabitqMeta, rabitqCodes); err != nil {
			return types.SegmentInfo{}, err
		}
		pointers.RabitqMeta = c.indexPath(segmentID, "rabitq.meta.json")
		pointers.RabitqCode = c.indexPath(segmentID, "rabitq.codes.bin")

		int8Block := rerank.EncodeInt8(vectors)
		if err := c.writeInt8(ctx, segmentID, int8Block); err != nil {
			return types.SegmentInfo{}, err
		}
		pointers.Int8Scales = c.indexPath(segmentID, "vec_int8/scales.bin")
		pointers.Int8Page = c.indexPath(segmentID, "vec_int8/vecpage-00000.bin")

		if err := c.writeFp32(ctx, segmentID, vectors); err != nil {
			return types.SegmentInfo{}, err
		}
		pointers.Fp32Page = c.indexPath(segmentID, "vec_fp32/vecpage-00000.bin")
	}

	if len(bm25Fields) > 0 {
		idx, err := bm25.NewIndex(bm25Fields)
		if err != nil {
			return types.SegmentInfo{}, err
		}
		for _, d := range docs {
			fieldValues := make(map[string]string, len(bm25Fields))
			for _, fc := range bm25Fields {
				if v, ok := d.Attributes[fc.Field].(string); ok {
					fieldValues[fc.Field] = v
				}
			}
			if len(fieldValues) > 0 {
				if err := idx.AddDocument(d.ID, fieldValues); err != nil {
					return types.SegmentInfo{}, err
				}
			}
		}
		encoded, err := idx.Marshal()
		if err != nil {
			return types.SegmentInfo{}, err
		}
		ftsPath := c.indexPath(segmentID, "fts/meta.json")
		if err := c.store.Put(ctx, ftsPath, encoded); err != nil {
			return types.SegmentInfo{}, errs.Wrap(errs.Unavailable, err, "write BM25 directory for %s", segmentID)
		}
		pointers.FTSDir = c.indexPath(segmentID, "fts")
	}

	minID, maxID := minMaxID(docs)
	return types.SegmentInfo{
		SegmentID:   segmentID,
		MinID:       minID,
		MaxID:       maxID,
		RowCount:    len(docs),
		CreatedAt:   time.Now().UTC(),
		Tombstones:  tombstones,
		DataPath:    c.segmentDataPath(segmentID),
		Indexes:     pointers,
		MaxSequence: maxSequence,
	}, nil
}

func minMaxID(docs []types.Document) (types.DocID, types.DocID) {
	min, max := docs[0].ID, docs[0].ID
	for _, d := range docs[1:] {
		if d.ID < min {
			min = d.ID
		}
		if d.ID > max {
			max = d.ID
		}
	}
	return min, max
}

func (c *Compactor) writeCentroids(ctx context.Context, segmentID string, model ivf.Model) error {
	var buf bytes.Buffer
	for _, centroid := range model.Centroids {
		for _, f := range centroid {
			if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
				return errs.Wrap(errs.Internal, err, "encode centroids for %s", segmentID)
			}
		}
	}
	return c.store.Put(ctx, c.indexPath(segmentID, "centroids.bin"), buf.Bytes())
}

// writeInvertedLists assigns each vector its IVF list. vectors must be in
// the same order used to build the RaBitQ/int8 artifacts (the vector-bearing
// subsequence of the segment's docs) so a local index means the same row in
// every artifact, per planner.PartIndex's "local index == slice index"
// contract.
func (c *Compactor) writeInvertedLists(ctx context.Context, segmentID string, vectors [][]float32, model ivf.Model) error {
	lists := make(map[int][]int)
	for i, v := range vectors {
		listID, _ := model.Assign(v)
		lists[listID] = append(lists[listID], i)
	}
	for listID, members := range lists {
		var buf bytes.Buffer
		for _, idx := range members {
			if err := binary.Write(&buf, binary.LittleEndian, uint32(idx)); err != nil {
				return errs.Wrap(errs.Internal, err, "encode inverted list %d for %s", listID, segmentID)
			}
		}
		path := c.indexPath(segmentID, fmt.Sprintf("ilists/%05d.ilist", listID))
		if err := c.store.Put(ctx, path, buf.Bytes()); err != nil {
			return errs.Wrap(errs.Unavailable, err, "write inverted list %d for %s", listID, segmentID)
		}
	}
	return nil
}

func (c *Compactor) writeRabitq(ctx context.Context, segmentID string, meta rabitq.Meta, codes []byte) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encode rabitq meta for %s", segmentID)
	}
	if err := c.store.Put(ctx, c.indexPath(segmentID, "rabitq.meta.json"), encoded); err != nil {
		return errs.Wrap(errs.Unavailable, err, "write rabitq meta for %s", segmentID)
	}
	return c.store.Put(ctx, c.indexPath(segmentID, "rabitq.codes.bin"), codes)
}

func (c *Compactor) writeInt8(ctx context.Context, segmentID string, block rerank.Int8Block) error {
	var scaleBuf bytes.Buffer
	for _, s := range block.Scales {
		if err := binary.Write(&scaleBuf, binary.LittleEndian, s); err != nil {
			return errs.Wrap(errs.Internal, err, "encode int8 scales for %s", segmentID)
		}
	}
	if err := c.store.Put(ctx, c.indexPath(segmentID, "vec_int8/scales.bin"), scaleBuf.Bytes()); err != nil {
		return errs.Wrap(errs.Unavailable, err, "write int8 scales for %s", segmentID)
	}
	codeBytes := make([]byte, len(block.Codes))
	for i, c8 := range block.Codes {
		codeBytes[i] = byte(c8)
	}
	return c.store.Put(ctx, c.indexPath(segmentID, "vec_int8/vecpage-00000.bin"), codeBytes)
}

func (c *Compactor) writeFp32(ctx context.Context, segmentID string, vectors [][]float32) error {
	var buf bytes.Buffer
	for _, v := range vectors {
		for _, f := range v {
			if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
				return errs.Wrap(errs.Internal, err, "encode fp32 page for %s", segmentID)
			}
		}
	}
	return c.store.Put(ctx, c.indexPath(segmentID, "vec_fp32/vecpage-00000.bin"), buf.Bytes())
}
