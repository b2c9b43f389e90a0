package rendercache

import (
	"context"
	"errors"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/skyvoyage/pagecache/pkg/page"
)

func newTestOGCache(t *testing.T) (*OGCache, *leveldb.DB) {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	c := NewOGCache(db, "")
	t.Cleanup(func() { c.Close() })
	return c, db
}

func TestOGCache_PutGet(t *testing.T) {
	c, _ := newTestOGCache(t)
	ctx := context.Background()
	key := Key{Page: page.StayDetails, EntityID: "h-1", Locale: "en"}

	if _, err := c.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if err := c.Put(ctx, key, []byte("png")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "png" {
		t.Errorf("Get() = %q, want png", got)
	}
}

func TestOGCache_EvictAndPurge(t *testing.T) {
	c, db := newTestOGCache(t)
	ctx := context.Background()

	keys := []Key{
		{Page: page.StayDetails, EntityID: "h-1", Locale: "en"},
		{Page: page.StayDetails, EntityID: "h-1", Locale: "de"},
		{Page: page.StayDetails, EntityID: "h-10", Locale: "en"},
		{Page: page.Stays, Locale: "en"},
	}
	for _, k := range keys {
		if err := c.Put(ctx, k, []byte(k.Body())); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := db.Put([]byte("other:key"), []byte("keep"), nil); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}

	n, err := c.Evict(ctx, page.Ref{Page: page.StayDetails, EntityID: "h-1"})
	if err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Evict removed %d, want 2", n)
	}
	if _, err := c.Get(ctx, keys[2]); err != nil {
		t.Errorf("h-10 must survive eviction of h-1: %v", err)
	}

	n, err = c.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Purge removed %d, want 2", n)
	}
	if v, err := db.Get([]byte("other:key"), nil); err != nil || string(v) != "keep" {
		t.Error("Purge must stay within the OG prefix")
	}

	if n, err := c.Purge(ctx); err != nil || n != 0 {
		t.Errorf("second Purge = %d, %v; want 0, nil", n, err)
	}
}
