// Package manifest is the versioned namespace manifest store: an atomic
// current.txt pointer plus optimistic-concurrency publish, per spec.md §4.2.
package manifest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/types"
)

const (
	currentPointerName = "current.txt"
	legacyManifestName = "manifest.json"
	maxPublishRetries  = 5
)

// Store is the versioned manifest store for one namespace.
type Store struct {
	os        objectstore.Store
	namespace string
}

// New returns a manifest Store for namespace backed by os.
func New(os objectstore.Store, namespace string) *Store {
	return &Store{os: os, namespace: namespace}
}

func (s *Store) manifestsPrefix() string { return s.namespace + "/manifests/" }
func (s *Store) currentKey() string      { return s.manifestsPrefix() + currentPointerName }
func (s *Store) legacyKey() string       { return s.namespace + "/" + legacyManifestName }

func (s *Store) versionKey(version uint64) string {
	return fmt.Sprintf("%sv%08d.json", s.manifestsPrefix(), version)
}

// Load reads the active manifest. If current.txt is absent it falls back to
// the legacy manifest.json key; if that is absent too, returns NotFound.
func (s *Store) Load(ctx context.Context) (types.Manifest, error) {
	m, _, _, err := s.loadCurrentWithETag(ctx)
	if err == nil {
		return m, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return types.Manifest{}, err
	}

	legacy, lerr := s.os.Get(ctx, s.legacyKey())
	if lerr != nil {
		if errs.Is(lerr, errs.NotFound) {
			return types.Manifest{}, errs.New(errs.NotFound, "namespace %s has no manifest", s.namespace)
		}
		return types.Manifest{}, lerr
	}
	var m2 types.Manifest
	if err := json.Unmarshal(legacy, &m2); err != nil {
		return types.Manifest{}, errs.Wrap(errs.Corruption, err, "decode legacy manifest for namespace %s", s.namespace)
	}
	return m2, nil
}

func (s *Store) loadVersion(ctx context.Context, version uint64) (types.Manifest, error) {
	data, err := s.os.Get(ctx, s.versionKey(version))
	if err != nil {
		return types.Manifest{}, err
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return types.Manifest{}, errs.Wrap(errs.Corruption, err, "decode manifest v%d for namespace %s", version, s.namespace)
	}
	return m, nil
}

// loadCurrentWithETag returns the manifest current.txt names, the etag of
// current.txt itself (for a subsequent conditional put), and whether a
// manifest exists at all.
func (s *Store) loadCurrentWithETag(ctx context.Context) (types.Manifest, string, bool, error) {
	data, err := s.os.Get(ctx, s.currentKey())
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return types.Manifest{}, "", false, errs.New(errs.NotFound, "no current.txt for namespace %s", s.namespace)
		}
		return types.Manifest{}, "", false, err
	}
	info, err := s.os.Head(ctx, s.currentKey())
	if err != nil {
		return types.Manifest{}, "", false, err
	}
	version, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if perr != nil {
		return types.Manifest{}, "", false, errs.Wrap(errs.Corruption, perr, "parse current.txt for namespace %s", s.namespace)
	}
	m, err := s.loadVersion(ctx, version)
	if err != nil {
		return types.Manifest{}, "", false, err
	}
	return m, info.ETag, true, nil
}

// Mutator receives the currently-published manifest (the zero value if none
// has been published yet) and returns the next manifest to publish.
// Publish overwrites Version, Namespace and UpdatedAt on the result.
type Mutator func(current types.Manifest, exists bool) (types.Manifest, error)

// Publish applies mutate under optimistic concurrency, per spec.md §4.2:
// read current.txt, choose new_version = max(current.version+1,
// mutate-result.version), write the version file, then conditionally
// advance current.txt. A race (another writer advanced current.txt first)
// surfaces as a retry; after maxPublishRetries attempts it surfaces as
// errs.Conflict for the caller to retry its higher-level mutation.
func (s *Store) Publish(ctx context.Context, mutate Mutator) (types.Manifest, error) {
	var result types.Manifest
	attempt := func() error {
		current, etag, exists, err := s.loadCurrentWithETag(ctx)
		if err != nil && !errs.Is(err, errs.NotFound) {
			return backoff.Permanent(err)
		}

		next, err := mutate(current, exists)
		if err != nil {
			return backoff.Permanent(err)
		}
		newVersion := current.Version + 1
		if next.Version > newVersion {
			newVersion = next.Version
		}
		next.Version = newVersion
		next.Namespace = s.namespace
		next.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(next)
		if err != nil {
			return backoff.Permanent(errs.Wrap(errs.Internal, err, "encode manifest v%d", newVersion))
		}
		if _, err := s.os.ConditionalPut(ctx, s.versionKey(newVersion), encoded, ""); err != nil {
			if errs.Is(err, errs.Conflict) {
				// Another writer already published this version number.
				return err
			}
			return backoff.Permanent(errs.Wrap(errs.Internal, err, "write manifest v%d", newVersion))
		}

		pointer := []byte(strconv.FormatUint(newVersion, 10))
		if _, err := s.os.ConditionalPut(ctx, s.currentKey(), pointer, etag); err != nil {
			if errs.Is(err, errs.Conflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = next
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPublishRetries)
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		if errs.Is(err, errs.Conflict) {
			return types.Manifest{}, errs.Wrap(errs.Conflict, err, "publish manifest for namespace %s after retries", s.namespace)
		}
		return types.Manifest{}, err
	}
	return result, nil
}

// AddSegment returns a Mutator that appends info to the segment list and
// bumps doc/segment totals, per spec.md §4.2's "add_segment" contract.
func AddSegment(info types.SegmentInfo) Mutator {
	return func(current types.Manifest, exists bool) (types.Manifest, error) {
		next := current
		next.Segments = append(append([]types.SegmentInfo{}, current.Segments...), info)
		next.Stats.TotalSegments = len(next.Segments)
		next.Stats.TotalDocs += int64(info.RowCount)
		return next, nil
	}
}

// ReplaceSegments returns a Mutator used by the compactor to publish a
// merged segment list: segments named in removeIDs are dropped and add is
// appended in their place, per spec.md §4.4's merge-then-publish policy.
func ReplaceSegments(removeIDs map[string]struct{}, add ...types.SegmentInfo) Mutator {
	return func(current types.Manifest, exists bool) (types.Manifest, error) {
		next := current
		kept := make([]types.SegmentInfo, 0, len(current.Segments))
		var removedDocs int64
		for _, seg := range current.Segments {
			if _, drop := removeIDs[seg.SegmentID]; drop {
				removedDocs += int64(seg.RowCount)
				continue
			}
			kept = append(kept, seg)
		}
		var addedDocs int64
		for _, seg := range add {
			addedDocs += int64(seg.RowCount)
		}
		kept = append(kept, add...)
		next.Segments = kept
		next.Stats.TotalSegments = len(kept)
		next.Stats.TotalDocs = next.Stats.TotalDocs - removedDocs + addedDocs
		return next, nil
	}
}

// MarkTombstones returns a Mutator that adds ids to the tombstone set of
// whichever segment currently owns each id. Applying the same id twice
// leaves the same manifest state (spec.md's idempotent-delete invariant).
func MarkTombstones(ids []types.DocID) Mutator {
	return func(current types.Manifest, exists bool) (types.Manifest, error) {
		next := current
		segs := append([]types.SegmentInfo{}, current.Segments...)
		for i := range segs {
			for _, id := range ids {
				if segs[i].ContainsID(id) && !segs[i].IsTombstoned(id) {
					segs[i].Tombstones = append(segs[i].Tombstones, id)
				}
			}
		}
		next.Segments = segs
		return next, nil
	}
}

// SetSchema returns a Mutator that replaces the schema, used for the
// additive AddAttribute schema-evolution path.
func SetSchema(schema types.Schema) Mutator {
	return func(current types.Manifest, exists bool) (types.Manifest, error) {
		next := current
		next.Schema = schema
		return next, nil
	}
}
