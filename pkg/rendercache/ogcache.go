package rendercache

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/skyvoyage/pagecache/pkg/page"
)

// OGCache keeps generated OG images in a LevelDB database on local disk.
// Keys share the rendered-page layout, so evict and purge are prefix scans.
type OGCache struct {
	db     *leveldb.DB
	prefix string
}

// OpenOGCache opens (or creates) the OG-image database at path.
func OpenOGCache(path, prefix string) (*OGCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open og cache %s: %w", path, err)
	}
	return NewOGCache(db, prefix), nil
}

// NewOGCache wraps an open database.
func NewOGCache(db *leveldb.DB, prefix string) *OGCache {
	if db == nil {
		panic("leveldb cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultOGPrefix
	}
	return &OGCache{db: db, prefix: prefix}
}

// Close closes the underlying database.
func (c *OGCache) Close() error {
	return c.db.Close()
}

func (c *OGCache) key(k Key) []byte {
	return []byte(c.prefix + k.Body())
}

// Get returns the cached image for k.
func (c *OGCache) Get(_ context.Context, k Key) ([]byte, error) {
	data, err := c.db.Get(c.key(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		CacheMisses.WithLabelValues("og").Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	CacheHits.WithLabelValues("og").Inc()
	return data, nil
}

// Put stores an image for k.
func (c *OGCache) Put(_ context.Context, k Key, image []byte) error {
	if err := c.db.Put(c.key(k), image, nil); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Evict removes every image of a page instance.
func (c *OGCache) Evict(_ context.Context, ref page.Ref) (int, error) {
	n, err := c.deletePrefix(ScopePrefix(c.prefix, ref))
	if err != nil {
		CacheErrors.WithLabelValues("evict").Inc()
		return n, fmt.Errorf("evict %s: %w", ref, err)
	}
	return n, nil
}

// Purge removes every image under the cache prefix.
func (c *OGCache) Purge(_ context.Context) (int, error) {
	n, err := c.deletePrefix(c.prefix)
	if err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return n, fmt.Errorf("purge: %w", err)
	}
	return n, nil
}

func (c *OGCache) deletePrefix(prefix string) (int, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		// Key() is reused by the iterator; Batch.Delete copies it.
		batch.Delete(it.Key())
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, err
	}
	EvictedKeys.WithLabelValues("og").Add(float64(batch.Len()))
	return batch.Len(), nil
}
