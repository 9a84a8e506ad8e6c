// Package nsmanager is the namespace registry and lifecycle state machine:
// load-on-demand, WAL replay on startup, and wiring of wal/manifest/
// nsstate/planner/bm25/compactor/sharding into one queryable namespace
// handle, per spec.md §4.13.
package nsmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"github.com/elax-db/elax/internal/bm25"
	"github.com/elax-db/elax/internal/compactor"
	"github.com/elax-db/elax/internal/diskcache"
	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/filter"
	"github.com/elax-db/elax/internal/manifest"
	"github.com/elax-db/elax/internal/nsstate"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/planner"
	"github.com/elax-db/elax/internal/rabitq"
	"github.com/elax-db/elax/internal/rerank"
	"github.com/elax-db/elax/internal/types"
	"github.com/elax-db/elax/internal/wal"
)

// Lifecycle is a namespace's state in the Unloaded -> Loading -> Ready ->
// (Draining) -> Unloaded machine of spec.md §4.13.
type Lifecycle int

const (
	Unloaded Lifecycle = iota
	Loading
	Ready
	Draining
)

func (l Lifecycle) String() string {
	switch l {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	default:
		return "unloaded"
	}
}

// Namespace is one loaded namespace: its manifest-backed segments, its WAL,
// and its in-memory row cache, plus the compactor used to seal/merge it.
type Namespace struct {
	name string

	// writeMu serializes WAL append + in-memory mutation into a single
	// critical section, the "per-namespace writer exclusion primitive" of
	// spec.md §5.
	writeMu sync.Mutex
	// snapMu guards manifestSnapshot and lifecycle so readers can take a
	// "shared lease" (RLock) on a consistent view while a writer publishes
	// a new manifest version (Lock), per spec.md §5.
	snapMu sync.RWMutex

	lifecycle        Lifecycle
	manifestSnapshot types.Manifest

	log        wal.Log
	manifests  *manifest.Store
	state      *nsstate.State
	compactor  *compactor.Compactor
	bm25Fields []types.BM25FieldConfig
	cache      *diskcache.Cache
}

func (n *Namespace) setLifecycle(l Lifecycle) {
	n.snapMu.Lock()
	defer n.snapMu.Unlock()
	n.lifecycle = l
}

// Lifecycle returns the namespace's current state.
func (n *Namespace) Lifecycle() Lifecycle {
	n.snapMu.RLock()
	defer n.snapMu.RUnlock()
	return n.lifecycle
}

// Schema returns the namespace's current schema snapshot.
func (n *Namespace) Schema() types.Schema {
	n.snapMu.RLock()
	defer n.snapMu.RUnlock()
	return n.manifestSnapshot.Schema
}

// Upsert appends an upsert WAL entry and applies it to the row cache inside
// the namespace's single writer-exclusion critical section.
func (n *Namespace) Upsert(docs []types.Document) (int, error) {
	schema := n.Schema()
	for _, d := range docs {
		if d.ID == 0 {
			return 0, errs.New(errs.Validation, "document id must be non-zero")
		}
		if len(d.Vector) > 0 && len(d.Vector) != schema.Dim {
			return 0, errs.New(errs.Validation, "document %d vector dim %d does not match schema dim %d", d.ID, len(d.Vector), schema.Dim)
		}
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	seq, err := n.log.Append(types.WalOp{Kind: types.OpUpsert, Docs: docs})
	if err != nil {
		return 0, err
	}
	n.state.Apply(types.WalEntry{Sequence: seq, Timestamp: time.Now().UTC(), Op: types.WalOp{Kind: types.OpUpsert, Docs: docs}})
	return len(docs), nil
}

// Delete appends a delete WAL entry, applies it to the row cache, and
// durably marks the ids as tombstoned against whichever sealed segment(s)
// currently contain them — without this, a delete of an already-sealed
// document would only hide it from the in-memory view and the segment
// would keep serving it as a live hit forever, including through
// compaction (spec.md §8 invariant 1 and testable property 5).
func (n *Namespace) Delete(ctx context.Context, ids []types.DocID) (int, error) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	seq, err := n.log.Append(types.WalOp{Kind: types.OpDelete, Deletes: ids})
	if err != nil {
		return 0, err
	}
	n.state.Apply(types.WalEntry{Sequence: seq, Timestamp: time.Now().UTC(), Op: types.WalOp{Kind: types.OpDelete, Deletes: ids}})

	published, err := n.manifests.Publish(ctx, manifest.MarkTombstones(ids))
	if err != nil {
		return 0, err
	}
	n.snapMu.Lock()
	n.manifestSnapshot = published
	n.snapMu.Unlock()

	return len(ids), nil
}

// WalHighwater returns the row cache's current high-water mark, used to
// satisfy min_wal_sequence read-your-writes checks.
func (n *Namespace) WalHighwater() uint64 {
	return n.state.WalHighwater()
}

// ExportWAL returns the recoverable WAL entries with sequence > since, for
// the admin CLI's export-wal command.
func (n *Namespace) ExportWAL(since uint64) ([]types.WalEntry, error) {
	entries, _, err := n.log.Replay()
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

// Query runs a planner search across the namespace's sealed segments plus
// its in-memory (not-yet-sealed) rows, per spec.md §4.9. Sealed parts carry
// trained ANN artifacts; the in-memory part always uses the fallback
// (full-scan) plan since it has none yet.
func (n *Namespace) Query(ctx context.Context, store objectstore.Store, q planner.Query) ([]planner.Result, error) {
	if q.MinWalSequence > 0 && n.state.WalHighwater() < q.MinWalSequence {
		// A query node (or any non-owning replica) only learns about
		// another node's writes by re-listing the shared WAL, so a stale
		// read gets one refresh attempt before it's reported as a
		// consistency failure, per spec.md §4.9.
		if err := n.refreshFromWAL(); err != nil {
			return nil, err
		}
		if n.state.WalHighwater() < q.MinWalSequence {
			return nil, errs.New(errs.Consistency, "namespace %s has not yet observed wal sequence %d", n.name, q.MinWalSequence)
		}
	}

	n.snapMu.RLock()
	snapshot := n.manifestSnapshot
	n.snapMu.RUnlock()

	var parts []*planner.PartIndex
	bm25Indexes := make(map[string]*bm25.Index)
	var degraded bool
	for _, seg := range snapshot.Segments {
		part, err := loadPart(ctx, store, n.cache, snapshot.Schema, seg)
		if err != nil {
			if q.BestEffort {
				degraded = true
				continue
			}
			return nil, err
		}
		parts = append(parts, part)
		if seg.Indexes.FTSDir != "" {
			idx, err := loadBM25(ctx, store, n.cache, seg.Indexes.FTSDir)
			if err == nil && idx != nil {
				bm25Indexes[seg.SegmentID] = idx
			} else if err != nil {
				if !q.BestEffort {
					return nil, err
				}
				degraded = true
			}
		}
	}

	if part := n.inMemoryPart(); part != nil {
		parts = append(parts, part)
	}

	var filterBitmaps map[string]*roaring.Bitmap
	if q.Filter != nil {
		filterBitmaps = make(map[string]*roaring.Bitmap, len(parts))
		for _, p := range parts {
			fb, err := filter.EvalBitmap(q.Filter, p.Docs)
			if err != nil {
				return nil, err
			}
			filterBitmaps[p.SegmentID] = fb
		}
	}

	vectorResults, err := planner.VectorSearch(ctx, q, parts, filterBitmaps)
	if err != nil {
		return nil, err
	}

	var textResults []bm25.Scored
	docsByID := make(map[types.DocID]*types.Document)
	for _, p := range parts {
		for i := range p.Docs {
			docsByID[p.Docs[i].ID] = &p.Docs[i]
		}
	}
	if q.Text != "" {
		for _, idx := range bm25Indexes {
			hits, err := idx.Query(q.Text, q.TextFields, q.TopK)
			if err != nil {
				continue
			}
			textResults = append(textResults, hits...)
		}
	}

	results := planner.FuseHybrid(vectorResults, textResults, docsByID, q.Fusion, q.TopK)
	if degraded {
		for i := range results {
			results[i].Degraded = true
		}
	}
	return results, nil
}

// refreshFromWAL re-replays the namespace's WAL and reapplies it to the row
// cache. Applying an already-seen entry is a no-op (upserts overwrite with
// identical values, deletes re-tombstone an id already gone), so this is
// safe to call speculatively on every stale read rather than tracking which
// entries are new.
func (n *Namespace) refreshFromWAL() error {
	entries, _, err := n.log.Replay()
	if err != nil {
		return err
	}
	n.state.LoadFromWAL(entries)
	return nil
}

// inMemoryPart builds a fallback-only PartIndex over the rows not yet
// sealed into a segment, encoding RaBitQ/int8 artifacts on the fly so the
// same rerank kernels used for sealed segments apply uniformly. It has no
// trained IVF model, so the planner always falls back to a full scan for
// it, per spec.md §4.9's small-part fallback rule.
func (n *Namespace) inMemoryPart() *planner.PartIndex {
	docs := n.state.Snapshot()
	var vectorDocs []types.Document
	for _, d := range docs {
		if len(d.Vector) > 0 {
			vectorDocs = append(vectorDocs, d)
		}
	}
	if len(vectorDocs) == 0 {
		return nil
	}

	tombstoned := make(map[types.DocID]struct{})
	for _, d := range vectorDocs {
		if n.state.IsSoftDeleted(d.ID) {
			tombstoned[d.ID] = struct{}{}
		}
	}

	vectors := make([][]float32, len(vectorDocs))
	for i, d := range vectorDocs {
		vectors[i] = d.Vector
	}
	meta, codes := rabitq.Encode(vectors)
	int8Block := rerank.EncodeInt8(vectors)

	return &planner.PartIndex{
		SegmentID:   "in-memory",
		Docs:        vectorDocs,
		RabitqMeta:  meta,
		RabitqCodes: codes,
		Int8:        int8Block,
		Tombstoned:  tombstoned,
	}
}

// Seal snapshots the in-memory rows into a new segment and truncates the
// absorbed WAL prefix.
func (n *Namespace) Seal(ctx context.Context, cfg compactor.Config) error {
	published, err := n.compactor.SealWAL(ctx, n.Schema(), n.bm25Fields, n.log, n.state, cfg)
	if err != nil {
		return err
	}
	n.snapMu.Lock()
	n.manifestSnapshot = published
	n.snapMu.Unlock()
	return nil
}

// Compact merges small segments per cfg's should_compact trigger.
func (n *Namespace) Compact(ctx context.Context, cfg compactor.Config) error {
	n.snapMu.RLock()
	stats := n.manifestSnapshot.Stats
	segments := append([]types.SegmentInfo{}, n.manifestSnapshot.Segments...)
	schema := n.manifestSnapshot.Schema
	n.snapMu.RUnlock()

	if !compactor.ShouldCompact(stats, cfg) {
		return nil
	}
	selected := compactor.SelectSegments(segments, cfg)
	if len(selected) == 0 {
		return nil
	}
	published, err := n.compactor.Compact(ctx, schema, n.bm25Fields, selected, cfg)
	if err != nil {
		return err
	}
	n.snapMu.Lock()
	n.manifestSnapshot = published
	n.snapMu.Unlock()
	return nil
}

// Drain transitions the namespace to Draining and closes its WAL, per
// spec.md §4.13's "Ready -> Draining" transition. The in-memory row cache
// is left untouched (flushing to a segment on drain is optional per spec
// and left to an explicit Seal call by the caller).
func (n *Namespace) Drain() error {
	n.setLifecycle(Draining)
	err := n.log.Close()
	n.setLifecycle(Unloaded)
	return err
}

// Manager is the process-wide namespace registry.
type Manager struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace

	store    objectstore.Store
	dataRoot string
	nodeID   string
	walMode  WALMode
	cache    *diskcache.Cache
	log      *zap.Logger
}

// WALMode selects where a namespace's WAL lives.
type WALMode int

const (
	WALModeLocal WALMode = iota
	WALModeObjectStore
)

// New returns an empty registry. cache may be nil to disable the shared
// segment/BM25 read-through cache (e.g. for tests and one-shot CLI runs).
func New(store objectstore.Store, dataRoot, nodeID string, walMode WALMode, cache *diskcache.Cache, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		namespaces: make(map[string]*Namespace),
		store:      store,
		dataRoot:   dataRoot,
		nodeID:     nodeID,
		walMode:    walMode,
		cache:      cache,
		log:        log,
	}
}

// Create registers a new namespace with schema, or returns the existing one
// if already present (PUT /v1/namespaces/{ns} is idempotent per spec.md §6).
func (m *Manager) Create(ctx context.Context, name string, schema types.Schema) (ns *Namespace, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.namespaces[name]; ok {
		return existing, false, nil
	}

	manifests := manifest.New(m.store, name)
	if _, err := manifests.Load(ctx); err == nil {
		loaded, lerr := m.loadLocked(ctx, name)
		if lerr != nil {
			return nil, false, lerr
		}
		return loaded, false, nil
	} else if !errs.Is(err, errs.NotFound) {
		return nil, false, err
	}

	published, err := manifests.Publish(ctx, func(current types.Manifest, exists bool) (types.Manifest, error) {
		return types.Manifest{Schema: schema}, nil
	})
	if err != nil {
		return nil, false, err
	}

	n, err := m.buildNamespace(ctx, name, published)
	if err != nil {
		return nil, false, err
	}
	n.setLifecycle(Ready)
	m.namespaces[name] = n
	return n, true, nil
}

// Get returns an already-loaded namespace, loading it from its manifest on
// first access ("Unloaded -> Loading -> Ready" of spec.md §4.13).
func (m *Manager) Get(ctx context.Context, name string) (*Namespace, error) {
	m.mu.RLock()
	if n, ok := m.namespaces[name]; ok {
		m.mu.RUnlock()
		return n, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.namespaces[name]; ok {
		return n, nil
	}
	return m.loadLocked(ctx, name)
}

func (m *Manager) loadLocked(ctx context.Context, name string) (*Namespace, error) {
	manifests := manifest.New(m.store, name)
	current, err := manifests.Load(ctx)
	if err != nil {
		return nil, err
	}
	n, err := m.buildNamespace(ctx, name, current)
	if err != nil {
		return nil, err
	}

	entries, _, err := n.log.Replay()
	if err != nil {
		return nil, err
	}
	n.state.LoadFromWAL(entries)

	n.setLifecycle(Ready)
	m.namespaces[name] = n
	return n, nil
}

func (m *Manager) buildNamespace(ctx context.Context, name string, current types.Manifest) (*Namespace, error) {
	manifests := manifest.New(m.store, name)

	var log wal.Log
	switch m.walMode {
	case WALModeLocal:
		dir := fmt.Sprintf("%s/%s/wal", m.dataRoot, name)
		l, err := wal.NewLocalWAL(dir, wal.DefaultRotateSize, wal.DefaultRetainFiles)
		if err != nil {
			return nil, err
		}
		log = l
	case WALModeObjectStore:
		// Shared across every node in the cluster: the owning indexer
		// appends here, and query nodes (which never own a shard) catch up
		// by re-listing it, per spec.md §4.9. The bound context must outlive
		// this call, not just namespace construction, so it's independent
		// of ctx (which may be a single request's context).
		l, err := wal.NewObjectStoreWAL(ctx, m.store, name, m.nodeID)
		if err != nil {
			return nil, err
		}
		log = l.WithContext(context.Background())
	default:
		return nil, errs.New(errs.Validation, "unrecognized WAL mode %d", m.walMode)
	}

	var lastCompacted uint64
	for _, seg := range current.Segments {
		if seg.MaxSequence > lastCompacted {
			lastCompacted = seg.MaxSequence
		}
	}

	n := &Namespace{
		name:             name,
		lifecycle:        Loading,
		manifestSnapshot: current,
		log:              log,
		manifests:        manifests,
		state:            nsstate.New(name, lastCompacted),
		compactor:        compactor.New(m.store, manifests, name, m.log),
		bm25Fields:       current.Schema.BM25Fields,
		cache:            m.cache,
	}
	return n, nil
}

// Namespaces returns the names currently loaded in the registry, for
// health/diagnostic reporting.
func (m *Manager) Namespaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	return names
}

// Drain unloads a namespace, closing its WAL and removing it from the
// registry.
func (m *Manager) Drain(name string) error {
	m.mu.Lock()
	n, ok := m.namespaces[name]
	if ok {
		delete(m.namespaces, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return n.Drain()
}
