package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"

	"github.com/elax-db/elax/internal/errs"
)

// FSStore backs Store with the local filesystem. It is the real,
// fully-exercised backend used by tests and single-node deployments; the
// ETag is a content hash (xxhash) rather than an opaque server-assigned
// token, since there is no server to assign one.
type FSStore struct {
	root string

	// mu guards locks and is held for the whole of a ConditionalPut, which
	// serializes conditional puts within this process (a shared flock.Flock
	// does not exclude a second goroutine); each key's flock guards against
	// other processes sharing the same data root.
	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// NewFSStore creates a filesystem-backed store rooted at root, creating the
// directory if absent.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "create object store root %s", root)
	}
	return &FSStore{root: root, locks: make(map[string]*flock.Flock)}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func etagOf(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return nil, errs.Wrap(errs.Unavailable, err, "read object %s", key)
	}
	return data, nil
}

func (s *FSStore) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return nil, errs.Wrap(errs.Unavailable, err, "open object %s", key)
	}
	defer f.Close()

	if _, err := f.Seek(start, 0); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "seek object %s", key)
	}
	buf := make([]byte, end-start)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, errs.Wrap(errs.Unavailable, err, "read range of object %s", key)
	}
	return buf[:n], nil
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errs.Wrap(errs.Unavailable, err, "mkdir for %s", key)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return errs.Wrap(errs.Unavailable, err, "write object %s", key)
	}
	return nil
}

func (s *FSStore) lockFor(key string) *flock.Flock {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(key) + ".lock"
	if l, ok := s.locks[p]; ok {
		return l
	}
	l := flock.New(p)
	s.locks[p] = l
	return l
}

func (s *FSStore) ConditionalPut(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	l := s.lockFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := l.Lock(); err != nil {
		return "", errs.Wrap(errs.Unavailable, err, "lock %s", key)
	}
	defer l.Unlock()

	existing, err := s.Get(ctx, key)
	switch {
	case err == nil:
		if expectedETag == "" || etagOf(existing) != expectedETag {
			return "", errs.New(errs.Conflict, "conditional put mismatch for %s", key)
		}
	case errs.Is(err, errs.NotFound):
		if expectedETag != "" {
			return "", errs.New(errs.Conflict, "conditional put expected existing object %s", key)
		}
	default:
		return "", err
	}

	if err := s.Put(ctx, key, data); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

func (s *FSStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return ObjectInfo{}, errs.Wrap(errs.Unavailable, err, "stat object %s", key)
	}
	data, err := s.Get(context.Background(), key)
	etag := ""
	if err == nil {
		etag = etagOf(data)
	}
	return ObjectInfo{Key: key, Size: info.Size(), ETag: etag}, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Unavailable, err, "delete object %s", key)
	}
	return nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	base := s.path(prefix)
	var out []ObjectInfo

	// The prefix may name a directory or a partial filename; walk the
	// deepest existing ancestor directory and filter by full-path prefix.
	walkRoot := base
	for {
		if fi, err := os.Stat(walkRoot); err == nil && fi.IsDir() {
			break
		}
		parent := filepath.Dir(walkRoot)
		if parent == walkRoot {
			return out, nil
		}
		walkRoot = parent
	}

	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".lock") {
			return nil
		}
		if !strings.HasPrefix(p, base) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "list prefix %s", prefix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
