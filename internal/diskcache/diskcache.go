// Package diskcache implements the shared two-tier byte cache that
// mediates reads of immutable segment and BM25 directory files: a RAM LRU
// tier with explicit byte-count admission, backed by an NVMe-resident
// tier. The RAM tier is one LRU guarded by a single mutex (it is not
// sharded), and evictions run inline during admission, not on a background
// task.
package diskcache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edsrzf/mmap-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/elax-db/elax/internal/errs"
)

// Cache is a per-node shared cache keyed by opaque object-store keys (e.g.
// "{namespace}/segments/{id}/centroids.bin"). It admits to the RAM tier by
// tracked byte count (not entry count) and writes every Put through to an
// NVMe directory mirroring the key hierarchy.
type Cache struct {
	mu  sync.Mutex
	log *zap.Logger

	ram     *lru.Cache[string, []byte]
	ramCap  int64
	ramUsed int64

	nvmeDir string
}

// New constructs a Cache with the given RAM budget in bytes. nvmeDir may be
// empty to disable the NVMe overflow tier (useful in tests).
func New(ramCapBytes int64, nvmeDir string, log *zap.Logger) (*Cache, error) {
	c := &Cache{ramCap: ramCapBytes, nvmeDir: nvmeDir, log: log}
	ram, err := lru.NewWithEvict[string, []byte](1<<20, c.onRAMEvict)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "construct RAM LRU tier")
	}
	c.ram = ram
	if nvmeDir != "" {
		if err := os.MkdirAll(nvmeDir, 0o755); err != nil {
			return nil, errs.Wrap(errs.Unavailable, err, "create NVMe cache dir %s", nvmeDir)
		}
	}
	return c, nil
}

func (c *Cache) onRAMEvict(_ string, value []byte) {
	c.ramUsed -= int64(len(value))
}

// Get returns the cached bytes for key, checking the RAM tier then the
// NVMe tier (promoting an NVMe hit back into RAM).
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.ram.Get(key); ok {
		return v, true
	}
	if c.nvmeDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.nvmePath(key))
	if err != nil {
		return nil, false
	}
	c.admitRAMLocked(key, data)
	return data, true
}

// GetMapped is like Get but for an NVMe hit returns a zero-copy memory
// mapping instead of a read-and-copy; callers must Unmap. Returns ok=false
// (forcing callers to fall back to Get/fetch-and-Put) when the key is only
// resident in RAM or absent.
func (c *Cache) GetMapped(key string) (mmap.MMap, *os.File, bool) {
	if c.nvmeDir == "" {
		return nil, nil, false
	}
	path := c.nvmePath(key)
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, false
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, false
	}
	return m, f, true
}

// Put admits data into the RAM tier (evicting oldest entries if needed to
// stay within the byte budget) and writes through to the NVMe tier.
func (c *Cache) Put(key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.admitRAMLocked(key, data)
	if c.nvmeDir == "" {
		return nil
	}
	path := c.nvmePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.Unavailable, err, "create NVMe cache subdir for %s", key)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.Unavailable, err, "write NVMe cache file for %s", key)
	}
	return nil
}

func (c *Cache) admitRAMLocked(key string, data []byte) {
	need := int64(len(data))
	if need > c.ramCap {
		// Larger than the whole budget: serve from NVMe/source each time
		// rather than admitting and immediately evicting everything else.
		return
	}
	for c.ramUsed+need > c.ramCap && c.ram.Len() > 0 {
		c.ram.RemoveOldest()
	}
	if _, existed, _ := c.ram.PeekOrAdd(key, data); !existed {
		c.ramUsed += need
	}
}

// InvalidatePrefix evicts every cached key (RAM and NVMe) sharing prefix,
// used when a segment or BM25 directory's meta.json is atomically
// overwritten (spec.md §4.7: "invalidation broadcast").
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.ram.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.ram.Remove(key)
		}
	}
	if c.nvmeDir == "" {
		return
	}
	root := filepath.Join(c.nvmeDir, filepath.FromSlash(prefix))
	if err := os.RemoveAll(root); err != nil && c.log != nil {
		c.log.Warn("failed to invalidate NVMe cache prefix", zap.String("prefix", prefix), zap.Error(err))
	}
}

func (c *Cache) nvmePath(key string) string {
	clean := strings.TrimPrefix(key, "/")
	return filepath.Join(c.nvmeDir, filepath.FromSlash(clean))
}

// Stats reports current tier occupancy for observability.
type Stats struct {
	RAMUsedBytes int64
	RAMEntries   int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{RAMUsedBytes: c.ramUsed, RAMEntries: c.ram.Len()}
}
