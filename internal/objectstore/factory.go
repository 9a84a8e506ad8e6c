package objectstore

import (
	"context"

	"github.com/elax-db/elax/internal/config"
	"github.com/elax-db/elax/internal/errs"
)

// New constructs the Store named by cfg.ObjectStoreKind.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ObjectStoreKind {
	case config.ObjectStoreFS:
		return NewFSStore(cfg.DataRoot)
	case config.ObjectStoreS3:
		return NewS3Store(ctx, cfg.ObjectStoreBucket, cfg.ObjectStorePrefix, cfg.ObjectStoreRegion, cfg.ObjectStoreEndpoint)
	case config.ObjectStoreGCS:
		return NewGCSStore(ctx, cfg.ObjectStoreBucket, cfg.ObjectStorePrefix)
	default:
		return nil, errs.New(errs.Validation, "unsupported object store kind %q", cfg.ObjectStoreKind)
	}
}
