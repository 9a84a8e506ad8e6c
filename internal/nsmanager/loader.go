package nsmanager

import (
	"context"
	"encoding/binary"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/elax-db/elax/internal/bm25"
	"github.com/elax-db/elax/internal/diskcache"
	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/ivf"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/planner"
	"github.com/elax-db/elax/internal/rabitq"
	"github.com/elax-db/elax/internal/rerank"
	"github.com/elax-db/elax/internal/segment"
	"github.com/elax-db/elax/internal/types"
)

// cachedGet serves key from cache when present, otherwise reads through to
// store and admits the result, per spec.md §4.7's shared read-through cache
// in front of immutable segment and BM25 directory files. cache may be nil
// (namespace built without a cache tier), in which case every read goes
// straight to store.
func cachedGet(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, key string) ([]byte, error) {
	if cache == nil {
		return store.Get(ctx, key)
	}
	if data, ok := cache.Get(key); ok {
		return data, nil
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = cache.Put(key, data)
	return data, nil
}

// loadPart reconstructs a queryable planner.PartIndex from a segment's
// stored data block and index artifacts (the mirror image of
// compactor.Compactor.writeSegment). Docs is restricted to the
// vector-bearing subsequence of the segment's rows, in the segment's
// original row order, since that is the only ordering RaBitQ/int8/IVF
// local indices are defined against.
func loadPart(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, schema types.Schema, seg types.SegmentInfo) (*planner.PartIndex, error) {
	data, err := cachedGet(ctx, store, cache, seg.DataPath)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "read segment data for %s", seg.SegmentID)
	}
	docs, err := segment.DecodeBlock(data)
	if err != nil {
		return nil, err
	}

	var vectorDocs []types.Document
	for _, d := range docs {
		if len(d.Vector) > 0 {
			vectorDocs = append(vectorDocs, d)
		}
	}

	tombstoned := make(map[types.DocID]struct{}, len(seg.Tombstones))
	for _, id := range seg.Tombstones {
		tombstoned[id] = struct{}{}
	}

	part := &planner.PartIndex{SegmentID: seg.SegmentID, Docs: vectorDocs, Tombstoned: tombstoned}
	if seg.Indexes.Centroids == "" || len(vectorDocs) == 0 {
		return part, nil
	}

	model, err := loadIVFModel(ctx, store, cache, schema, seg.Indexes.Centroids)
	if err != nil {
		return nil, err
	}
	part.IVF = &model

	lists, err := loadInvertedLists(ctx, store, cache, seg.Indexes.IListDir)
	if err != nil {
		return nil, err
	}
	part.InvertedLists = lists

	meta, codes, err := loadRabitq(ctx, store, cache, seg.Indexes.RabitqMeta, seg.Indexes.RabitqCode)
	if err != nil {
		return nil, err
	}
	part.RabitqMeta = meta
	part.RabitqCodes = codes

	int8Block, err := loadInt8(ctx, store, cache, schema, len(vectorDocs), seg.Indexes.Int8Scales, seg.Indexes.Int8Page)
	if err != nil {
		return nil, err
	}
	part.Int8 = int8Block

	return part, nil
}

func loadIVFModel(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, schema types.Schema, key string) (ivf.Model, error) {
	data, err := cachedGet(ctx, store, cache, key)
	if err != nil {
		return ivf.Model{}, errs.Wrap(errs.Unavailable, err, "read centroids %s", key)
	}
	dim := schema.Dim
	if dim <= 0 || len(data)%4 != 0 {
		return ivf.Model{}, errs.New(errs.Corruption, "malformed centroids file %s", key)
	}
	floatsPerCentroid := dim
	totalFloats := len(data) / 4
	if floatsPerCentroid == 0 || totalFloats%floatsPerCentroid != 0 {
		return ivf.Model{}, errs.New(errs.Corruption, "centroid count does not divide dim in %s", key)
	}
	nlist := totalFloats / floatsPerCentroid
	centroids := make([][]float32, nlist)
	off := 0
	for i := 0; i < nlist; i++ {
		row := make([]float32, dim)
		for d := 0; d < dim; d++ {
			row[d] = readFloat32LE(data[off:])
			off += 4
		}
		centroids[i] = row
	}
	return ivf.Model{Dim: dim, Centroids: centroids, Metric: schema.Metric}, nil
}

func readFloat32LE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func loadInvertedLists(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, dir string) (map[int][]int, error) {
	objs, err := store.List(ctx, dir+"/")
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "list inverted lists in %s", dir)
	}
	lists := make(map[int][]int, len(objs))
	for _, obj := range objs {
		name := strings.TrimSuffix(path.Base(obj.Key), ".ilist")
		listID, perr := strconv.Atoi(name)
		if perr != nil {
			continue
		}
		data, err := cachedGet(ctx, store, cache, obj.Key)
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, err, "read inverted list %s", obj.Key)
		}
		members := make([]int, 0, len(data)/4)
		for off := 0; off+4 <= len(data); off += 4 {
			members = append(members, int(binary.LittleEndian.Uint32(data[off:])))
		}
		lists[listID] = members
	}
	return lists, nil
}

func loadRabitq(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, metaKey, codesKey string) (rabitq.Meta, []byte, error) {
	metaBytes, err := cachedGet(ctx, store, cache, metaKey)
	if err != nil {
		return rabitq.Meta{}, nil, errs.Wrap(errs.Unavailable, err, "read rabitq meta %s", metaKey)
	}
	var meta rabitq.Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return rabitq.Meta{}, nil, errs.Wrap(errs.Corruption, err, "decode rabitq meta %s", metaKey)
	}
	codes, err := cachedGet(ctx, store, cache, codesKey)
	if err != nil {
		return rabitq.Meta{}, nil, errs.Wrap(errs.Unavailable, err, "read rabitq codes %s", codesKey)
	}
	return meta, codes, nil
}

func loadInt8(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, schema types.Schema, rows int, scalesKey, codesKey string) (rerank.Int8Block, error) {
	scaleBytes, err := cachedGet(ctx, store, cache, scalesKey)
	if err != nil {
		return rerank.Int8Block{}, errs.Wrap(errs.Unavailable, err, "read int8 scales %s", scalesKey)
	}
	dim := schema.Dim
	if len(scaleBytes) != dim*4 {
		return rerank.Int8Block{}, errs.New(errs.Corruption, "int8 scales length mismatch in %s", scalesKey)
	}
	scales := make([]float32, dim)
	for d := 0; d < dim; d++ {
		scales[d] = readFloat32LE(scaleBytes[d*4:])
	}

	codeBytes, err := cachedGet(ctx, store, cache, codesKey)
	if err != nil {
		return rerank.Int8Block{}, errs.Wrap(errs.Unavailable, err, "read int8 codes %s", codesKey)
	}
	codes := make([]int8, len(codeBytes))
	for i, b := range codeBytes {
		codes[i] = int8(b)
	}
	return rerank.Int8Block{Dim: dim, Rows: rows, Scales: scales, Codes: codes}, nil
}

// loadBM25 decodes a segment's optional BM25 directory.
func loadBM25(ctx context.Context, store objectstore.Store, cache *diskcache.Cache, ftsDir string) (*bm25.Index, error) {
	if ftsDir == "" {
		return nil, nil
	}
	data, err := cachedGet(ctx, store, cache, ftsDir+"/meta.json")
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "read bm25 directory %s", ftsDir)
	}
	return bm25.Unmarshal(data)
}
