package objectstore

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/elax-db/elax/internal/errs"
)

// GCSStore backs Store with Google Cloud Storage. Listed here as a thin
// adapter rather than a fully exercised backend — see DESIGN.md — but its
// methods are real, not stubs returning "not implemented".
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore builds a GCS-backed store for the given bucket.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "new gcs client")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *GCSStore) obj(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.fullKey(key))
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.obj(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return nil, errs.Wrap(errs.Unavailable, err, "get object %s", key)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	r, err := s.obj(key).NewRangeReader(ctx, start, end-start)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return nil, errs.Wrap(errs.Unavailable, err, "get range of object %s", key)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.obj(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errs.Wrap(errs.Unavailable, err, "put object %s", key)
	}
	if err := w.Close(); err != nil {
		return errs.Wrap(errs.Unavailable, err, "close object %s", key)
	}
	return nil
}

func (s *GCSStore) ConditionalPut(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	handle := s.obj(key)
	if expectedETag == "" {
		handle = handle.If(storage.Conditions{DoesNotExist: true})
	} else {
		gen, err := strconv.ParseInt(expectedETag, 10, 64)
		if err != nil {
			return "", errs.New(errs.Validation, "invalid generation etag %q", expectedETag)
		}
		handle = handle.If(storage.Conditions{GenerationMatch: gen})
	}
	w := handle.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", errs.Wrap(errs.Unavailable, err, "conditional put %s", key)
	}
	if err := w.Close(); err != nil {
		if strings.Contains(err.Error(), "conditionNotMet") || strings.Contains(err.Error(), "412") {
			return "", errs.New(errs.Conflict, "conditional put mismatch for %s", key)
		}
		return "", errs.Wrap(errs.Unavailable, err, "conditional put %s", key)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (s *GCSStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.obj(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return ObjectInfo{}, errs.Wrap(errs.Unavailable, err, "head object %s", key)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ETag: strconv.FormatInt(attrs.Generation, 10)}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.obj(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errs.Wrap(errs.Unavailable, err, "delete object %s", key)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.fullKey(prefix)})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, err, "list prefix %s", prefix)
		}
		key := attrs.Name
		if s.prefix != "" {
			key = strings.TrimPrefix(key, strings.TrimSuffix(s.prefix, "/")+"/")
		}
		out = append(out, ObjectInfo{Key: key, Size: attrs.Size, ETag: strconv.FormatInt(attrs.Generation, 10)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
