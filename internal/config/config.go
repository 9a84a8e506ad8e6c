// Package config loads the environment-driven configuration named in
// spec.md §6, with a pflag overlay for the CLI binaries. Configuration
// loading is explicitly an ambient concern carried regardless of the
// spec's feature Non-goals.
package config

import (
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// ObjectStoreKind selects the object-store façade backend.
type ObjectStoreKind string

const (
	ObjectStoreFS  ObjectStoreKind = "fs"
	ObjectStoreS3  ObjectStoreKind = "s3"
	ObjectStoreGCS ObjectStoreKind = "gcs"
)

// NodeRole selects whether this process owns writes (indexer) or only
// serves reads (query).
type NodeRole string

const (
	RoleIndexer NodeRole = "indexer"
	RoleQuery   NodeRole = "query"
)

// Config is the process-wide configuration loaded from environment
// variables, overridable by CLI flags.
type Config struct {
	DataRoot            string
	ObjectStoreKind     ObjectStoreKind
	ObjectStoreBucket   string
	ObjectStorePrefix   string
	ObjectStoreEndpoint string
	ObjectStoreRegion   string
	BindAddr            string
	NodeID              string
	NodeRole            NodeRole

	// WALRotateSize is the configured WAL file rotation threshold
	// (spec.md §4.1 default ~100 MiB).
	WALRotateSize datasize.ByteSize
	// WALRetainFiles is the number of recent rotated WAL files retained.
	WALRetainFiles int
	// DiskCacheBytes is the byte budget for the disk cache's RAM tier; the
	// NVMe tier is not bounded by it.
	DiskCacheBytes datasize.ByteSize

	// TotalIndexers is the cluster's current indexer count, used by the
	// sharding router (spec.md §4.12).
	TotalIndexers int
	// SelfIndex is this node's position among TotalIndexers, used to decide
	// namespace ownership.
	SelfIndex int
	// SingleNode bypasses sharding redirection entirely; every namespace is
	// served locally regardless of hash.
	SingleNode bool
	// QueryNode marks this process as read-only: it accepts reads for every
	// namespace but never serves as a write owner.
	QueryNode bool
}

// Default returns a single-node, filesystem-backed configuration suitable
// for local development and tests.
func Default() Config {
	return Config{
		DataRoot:        "./data",
		ObjectStoreKind: ObjectStoreFS,
		BindAddr:        ":8080",
		NodeID:          "node-0",
		NodeRole:        RoleIndexer,
		WALRotateSize:   100 * datasize.MB,
		WALRetainFiles:  8,
		DiskCacheBytes:  1 * datasize.GB,
		TotalIndexers:   1,
		SelfIndex:       0,
		SingleNode:      true,
	}
}

// FromEnv loads configuration from environment variables, falling back to
// Default() for anything unset.
func FromEnv() (Config, error) {
	cfg := Default()
	if v := os.Getenv("DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("OBJECT_STORE_KIND"); v != "" {
		cfg.ObjectStoreKind = ObjectStoreKind(v)
	}
	if v := os.Getenv("OBJECT_STORE_BUCKET"); v != "" {
		cfg.ObjectStoreBucket = v
	}
	if v := os.Getenv("OBJECT_STORE_PREFIX"); v != "" {
		cfg.ObjectStorePrefix = v
	}
	if v := os.Getenv("OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStoreEndpoint = v
	}
	if v := os.Getenv("OBJECT_STORE_REGION"); v != "" {
		cfg.ObjectStoreRegion = v
	}
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("NODE_ROLE"); v != "" {
		cfg.NodeRole = NodeRole(v)
		cfg.QueryNode = cfg.NodeRole == RoleQuery
	}
	if v := os.Getenv("TOTAL_INDEXERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TotalIndexers = n
			cfg.SingleNode = n <= 1
		}
	}
	if v := os.Getenv("SELF_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SelfIndex = n
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BindFlags registers pflag overrides for fields commonly tuned on the
// command line, layered on top of whatever FromEnv already loaded.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataRoot, "data-root", c.DataRoot, "local data root directory")
	fs.StringVar(&c.BindAddr, "bind-addr", c.BindAddr, "HTTP bind address")
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "this node's identifier")
	fs.IntVar(&c.TotalIndexers, "total-indexers", c.TotalIndexers, "total indexer node count")
	fs.IntVar(&c.SelfIndex, "self-index", c.SelfIndex, "this node's index among total-indexers")
	fs.BoolVar(&c.SingleNode, "single-node", c.SingleNode, "bypass sharding redirection")
	fs.BoolVar(&c.QueryNode, "query-node", c.QueryNode, "accept reads for every namespace regardless of ownership")
}

// Validate rejects configurations that cannot produce a working engine.
func (c *Config) Validate() error {
	switch c.ObjectStoreKind {
	case ObjectStoreFS, ObjectStoreS3, ObjectStoreGCS:
	default:
		return errors.Errorf("unsupported OBJECT_STORE_KIND %q", c.ObjectStoreKind)
	}
	switch c.NodeRole {
	case RoleIndexer, RoleQuery:
	default:
		return errors.Errorf("unsupported NODE_ROLE %q", c.NodeRole)
	}
	if c.ObjectStoreKind != ObjectStoreFS && c.ObjectStoreBucket == "" {
		return errors.New("OBJECT_STORE_BUCKET is required for non-fs object stores")
	}
	return nil
}
