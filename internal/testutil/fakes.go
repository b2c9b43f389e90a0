package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/skyvoyage/pagecache/pkg/entities"
	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/timestamp"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected failure")

// RecordingCache is a cache layer that records evictions and purges.
type RecordingCache struct {
	mu       sync.Mutex
	evicted  []page.Ref
	purges   int
	EvictErr error
	PurgeErr error
}

// Evict records ref.
func (c *RecordingCache) Evict(_ context.Context, ref page.Ref) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, ref)
	return 1, c.EvictErr
}

// Purge counts the call.
func (c *RecordingCache) Purge(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
	return 0, c.PurgeErr
}

// Evictions returns a copy of the evicted refs in call order.
func (c *RecordingCache) Evictions() []page.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]page.Ref(nil), c.evicted...)
}

// PurgeCount returns the number of Purge calls.
func (c *RecordingCache) PurgeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purges
}

// EntitySource is an in-memory entities.Source.
type EntitySource struct {
	mu        sync.Mutex
	changes   map[entities.Ref]time.Time
	relations map[entities.Ref][]entities.Ref

	ChangedErr error
	RelatedErr error

	changedCalls    int
	maxRelatedBatch int
}

// NewEntitySource creates an empty source.
func NewEntitySource() *EntitySource {
	return &EntitySource{
		changes:   make(map[entities.Ref]time.Time),
		relations: make(map[entities.Ref][]entities.Ref),
	}
}

// Change records a modification of ref at at.
func (s *EntitySource) Change(ref entities.Ref, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[ref] = at
}

// Relate records to as derived from from.
func (s *EntitySource) Relate(from, to entities.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[from] = append(s.relations[from], to)
}

// ChangedSince implements entities.ChangeSource.
func (s *EntitySource) ChangedSince(_ context.Context, since, until time.Time, after *entities.Cursor, limit int) ([]entities.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changedCalls++
	if s.ChangedErr != nil {
		return nil, s.ChangedErr
	}

	var out []entities.Change
	for ref, at := range s.changes {
		if at.After(since) && !at.After(until) {
			out = append(out, entities.Change{Ref: ref, ModifiedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return changeLess(out[i], entities.CursorOf(out[j])) })

	if after != nil {
		i := sort.Search(len(out), func(i int) bool { return changeLess(*after, out[i]) })
		out = out[i:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// changeLess orders by (ModifiedAt, kind name, id). The first argument is
// either a Change or a Cursor.
func changeLess(a any, b any) bool {
	at, ak, aid := keyOf(a)
	bt, bk, bid := keyOf(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	if ak != bk {
		return ak < bk
	}
	return aid < bid
}

func keyOf(v any) (time.Time, string, string) {
	switch c := v.(type) {
	case entities.Change:
		return c.ModifiedAt, c.Kind.String(), c.ID
	case entities.Cursor:
		return c.ModifiedAt, c.Kind.String(), c.ID
	}
	return time.Time{}, "", ""
}

// Related implements entities.RelationSource.
func (s *EntitySource) Related(_ context.Context, kind entities.Kind, ids []string) ([]entities.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) > s.maxRelatedBatch {
		s.maxRelatedBatch = len(ids)
	}
	if s.RelatedErr != nil {
		return nil, s.RelatedErr
	}

	seen := make(map[entities.Ref]bool)
	var out []entities.Ref
	for _, id := range ids {
		for _, to := range s.relations[entities.Ref{Kind: kind, ID: id}] {
			if !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
	}
	return out, nil
}

// ChangedCalls returns the number of ChangedSince calls.
func (s *EntitySource) ChangedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changedCalls
}

// MaxRelatedBatch returns the largest id list passed to Related.
func (s *EntitySource) MaxRelatedBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRelatedBatch
}

// FlakyStore wraps a timestamp store and fails BumpMany calls on demand.
type FlakyStore struct {
	timestamp.Store

	mu sync.Mutex
	// FailBumpMany is the number of BumpMany calls that fail before the
	// store recovers; a negative value fails every call.
	FailBumpMany int
	Err          error

	bumpManyCalls int
	batches       [][]timestamp.Entry
}

// BumpMany implements timestamp.Store.
func (s *FlakyStore) BumpMany(ctx context.Context, entries []timestamp.Entry) error {
	s.mu.Lock()
	s.bumpManyCalls++
	fail := s.FailBumpMany != 0
	if s.FailBumpMany > 0 {
		s.FailBumpMany--
	}
	s.mu.Unlock()

	if fail {
		if s.Err != nil {
			return s.Err
		}
		return ErrInjected
	}

	s.mu.Lock()
	s.batches = append(s.batches, append([]timestamp.Entry(nil), entries...))
	s.mu.Unlock()
	return s.Store.BumpMany(ctx, entries)
}

// BumpManyCalls returns the number of BumpMany attempts, failed ones included.
func (s *FlakyStore) BumpManyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumpManyCalls
}

// Batches returns the successfully forwarded batches.
func (s *FlakyStore) Batches() [][]timestamp.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]timestamp.Entry(nil), s.batches...)
}
