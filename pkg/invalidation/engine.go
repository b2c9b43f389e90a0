// Package invalidation keeps page timestamps and cached renders in step with
// entity changes. It offers an immediate trigger for a single page, a deferred
// trigger that queues a page for the next scheduled run, a full purge, and the
// scheduled job that scans changed entities since the last watermark.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/skyvoyage/pagecache/pkg/entities"
	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/pagination"
	"github.com/skyvoyage/pagecache/pkg/rendercache"
	"github.com/skyvoyage/pagecache/pkg/timestamp"
)

// Mode selects how Invalidate applies a page invalidation.
type Mode int

const (
	// ModeImmediate bumps the page timestamp and evicts cached renders before returning.
	ModeImmediate Mode = iota
	// ModeDeferred queues the page for the next scheduled run.
	ModeDeferred
)

func (m Mode) String() string {
	switch m {
	case ModeImmediate:
		return "immediate"
	case ModeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name back to its Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "immediate", "":
		return ModeImmediate, nil
	case "deferred":
		return ModeDeferred, nil
	default:
		return 0, fmt.Errorf("unknown invalidation mode %q", name)
	}
}

// BatchSize bounds every data-layer and store call of a scheduled run.
type BatchSize struct {
	ModifiedEntities int
	RelatedEntities  int
	TimestampUpdates int
}

// Options configures the engine.
type Options struct {
	// Interval between scheduled runs started by Start.
	Interval time.Duration

	// MaxChangedPagesForPurge is the page count above which a run purges
	// the whole cache instead of updating pages one by one. Zero disables
	// the fallback.
	MaxChangedPagesForPurge int

	Retry     RetryConfig
	BatchSize BatchSize

	// Relations bounds the concurrent lookups resolving derived entities.
	Relations pagination.Config

	// ClockSkew is held back from the end of every scan window. Change
	// times come from the data layer clock, the window from ours.
	ClockSkew time.Duration

	// Now and Sleep replace the wall clock in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Interval:                10 * time.Minute,
		MaxChangedPagesForPurge: 500,
		Retry:                   DefaultRetryConfig(),
		BatchSize: BatchSize{
			ModifiedEntities: 500,
			RelatedEntities:  100,
			TimestampUpdates: 100,
		},
		Relations: pagination.DefaultConfig(),
		ClockSkew: 5 * time.Second,
	}
}

// RunReport summarizes one scheduled run.
type RunReport struct {
	StartedAt       time.Time
	Since           time.Time
	ChangedEntities int
	Deferred        int
	Pages           int
	Purged          bool
	Updated         int
	Evicted         int
	FailedBatches   int
	Watermark       time.Time
	Duration        time.Duration
}

// Engine coordinates timestamp bumps and cache eviction.
type Engine struct {
	opts      Options
	store     timestamp.Store
	caches    rendercache.Evictor
	source    entities.Source
	watermark Watermark
	relations *pagination.Fetcher[string, []entities.Ref]
	logger    zerolog.Logger

	guard *semaphore.Weighted
	now   func() time.Time
	sleep sleepFunc

	mu      sync.Mutex
	pending map[page.Ref]time.Time
}

// New creates an engine. A nil source disables the entity scan; scheduled
// runs then only drain deferred invalidations.
func New(store timestamp.Store, caches rendercache.Evictor, source entities.Source, watermark Watermark, opts Options, logger zerolog.Logger) *Engine {
	if store == nil || caches == nil || watermark == nil {
		panic("invalidation: store, caches and watermark are required")
	}

	defaults := DefaultOptions()
	if opts.BatchSize.ModifiedEntities <= 0 {
		opts.BatchSize.ModifiedEntities = defaults.BatchSize.ModifiedEntities
	}
	if opts.BatchSize.RelatedEntities <= 0 {
		opts.BatchSize.RelatedEntities = defaults.BatchSize.RelatedEntities
	}
	if opts.BatchSize.TimestampUpdates <= 0 {
		opts.BatchSize.TimestampUpdates = defaults.BatchSize.TimestampUpdates
	}
	if opts.Retry.AttemptsCount <= 0 {
		opts.Retry.AttemptsCount = 1
	}

	e := &Engine{
		opts:      opts,
		store:     store,
		caches:    caches,
		source:    source,
		watermark: watermark,
		relations: pagination.NewFetcher[string, []entities.Ref](opts.Relations),
		logger:    logger.With().Str("component", "invalidation").Logger(),
		guard:     semaphore.NewWeighted(1),
		now:       time.Now,
		sleep:     sleepContext,
		pending:   make(map[page.Ref]time.Time),
	}
	if opts.Now != nil {
		e.now = opts.Now
	}
	if opts.Sleep != nil {
		e.sleep = opts.Sleep
	}
	return e
}

func validateRef(ref page.Ref) error {
	if _, ok := page.RouteOf(ref.Page); !ok {
		return fmt.Errorf("%w: unknown page %s", ErrInvalidRef, ref.Page)
	}
	if ref.Page.IsSystem() {
		return fmt.Errorf("%w: %s is never cached", ErrInvalidRef, ref.Page)
	}
	if ref.EntityID != "" && !page.IsIdentityScoped(ref.Page) {
		return fmt.Errorf("%w: %s does not take an entity id", ErrInvalidRef, ref.Page)
	}
	if ref.EntityID == page.PageLevelID {
		return fmt.Errorf("%w: entity id %q is reserved", ErrInvalidRef, ref.EntityID)
	}
	return nil
}

// Invalidate applies an explicit invalidation of one page instance. An empty
// entity id on an identity-scoped page evicts every cached instance.
func (e *Engine) Invalidate(ctx context.Context, mode Mode, ref page.Ref) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	switch mode {
	case ModeDeferred:
		e.enqueue(ref, e.now())
		Invalidations.WithLabelValues(mode.String()).Inc()
		e.logger.Debug().
			Str("page", ref.Page.String()).
			Str("entity_id", ref.EntityID).
			Msg("Queued deferred invalidation")
		return nil

	case ModeImmediate:
		at := e.now().UnixMilli()
		if err := e.store.Bump(ctx, ref.Page, ref.EntityID, at); err != nil {
			return fmt.Errorf("bump %s: %w", ref, err)
		}
		n, err := e.caches.Evict(ctx, ref)
		if err != nil {
			return fmt.Errorf("evict %s: %w", ref, err)
		}
		Invalidations.WithLabelValues(mode.String()).Inc()
		e.logger.Info().
			Str("page", ref.Page.String()).
			Str("entity_id", ref.EntityID).
			Int64("timestamp", at).
			Int("evicted", n).
			Msg("Page invalidated")
		return nil

	default:
		return fmt.Errorf("unknown invalidation mode %d", mode)
	}
}

// Purge clears every cache layer.
func (e *Engine) Purge(ctx context.Context) (int, error) {
	return e.purge(ctx, "admin")
}

func (e *Engine) purge(ctx context.Context, trigger string) (int, error) {
	n, err := e.caches.Purge(ctx)
	if err != nil {
		e.logger.Error().Err(err).Str("trigger", trigger).Int("removed", n).Msg("Cache purge failed")
		return n, fmt.Errorf("purge caches: %w", err)
	}
	Purges.WithLabelValues(trigger).Inc()
	e.logger.Info().Str("trigger", trigger).Int("removed", n).Msg("Caches purged")
	return n, nil
}

// Pending returns the number of queued deferred invalidations.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) enqueue(ref page.Ref, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	notePage(e.pending, ref, at)
}

func (e *Engine) drainPending() map[page.Ref]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = make(map[page.Ref]time.Time)
	return out
}

func (e *Engine) requeue(refs map[page.Ref]time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ref, at := range refs {
		notePage(e.pending, ref, at)
	}
}

// RunOnce executes one scheduled run: it collects the pages affected by
// entities changed since the watermark plus queued deferred pages, then
// either purges everything or bumps and evicts page by page. Failed
// timestamp batches are deferred and hold the watermark back.
func (e *Engine) RunOnce(ctx context.Context) (RunReport, error) {
	if !e.guard.TryAcquire(1) {
		Runs.WithLabelValues("skipped").Inc()
		return RunReport{}, ErrRunInProgress
	}
	defer e.guard.Release(1)

	start := e.now()
	report := RunReport{StartedAt: start}
	until := start.Add(-e.opts.ClockSkew)

	since, ok, err := e.watermark.Get(ctx)
	if err != nil {
		Runs.WithLabelValues("error").Inc()
		return report, err
	}
	if !ok {
		since = until
		if err := e.watermark.Set(ctx, until); err != nil {
			Runs.WithLabelValues("error").Inc()
			return report, err
		}
		e.logger.Info().Time("watermark", until).Msg("Initialized invalidation watermark")
	}
	if until.Before(since) {
		until = since
	}
	report.Since = since
	report.Watermark = since

	deferred := e.drainPending()
	report.Deferred = len(deferred)

	scanned, changed, err := e.collect(ctx, since, until)
	report.ChangedEntities = changed
	if err != nil {
		e.requeue(deferred)
		Runs.WithLabelValues("error").Inc()
		return report, err
	}

	pages := make(map[page.Ref]time.Time, len(scanned)+len(deferred))
	for ref, at := range scanned {
		notePage(pages, ref, at)
	}
	for ref, at := range deferred {
		notePage(pages, ref, at)
	}
	report.Pages = len(pages)
	ChangedPages.Observe(float64(len(pages)))

	if e.opts.MaxChangedPagesForPurge > 0 && len(pages) > e.opts.MaxChangedPagesForPurge {
		e.logger.Warn().
			Int("pages", len(pages)).
			Int("ceiling", e.opts.MaxChangedPagesForPurge).
			Msg("Too many changed pages, purging caches")
		if _, err := e.purge(ctx, "overload"); err != nil {
			e.requeue(deferred)
			Runs.WithLabelValues("error").Inc()
			return report, err
		}
		report.Purged = true
		return e.finish(ctx, report, until, "purged")
	}

	earliest, failed := e.apply(ctx, pages, scanned, deferred, start, &report)

	next := until
	result := "ok"
	if failed {
		result = "partial"
		next = since
		if !earliest.IsZero() {
			if held := earliest.Add(-time.Millisecond); held.After(since) {
				next = held
			}
		}
	}
	return e.finish(ctx, report, next, result)
}

func (e *Engine) finish(ctx context.Context, report RunReport, watermark time.Time, result string) (RunReport, error) {
	if err := e.watermark.Set(ctx, watermark); err != nil {
		Runs.WithLabelValues("error").Inc()
		return report, err
	}
	report.Watermark = watermark
	report.Duration = e.now().Sub(report.StartedAt)
	Runs.WithLabelValues(result).Inc()

	e.logger.Info().
		Str("result", result).
		Int("changed_entities", report.ChangedEntities).
		Int("deferred", report.Deferred).
		Int("pages", report.Pages).
		Bool("purged", report.Purged).
		Int("updated", report.Updated).
		Int("failed_batches", report.FailedBatches).
		Time("watermark", watermark).
		Dur("duration", report.Duration).
		Msg("Invalidation run finished")
	return report, nil
}

// apply bumps the timestamps of pages in batches and evicts every page whose
// batch was written. It returns the earliest change time among scanned pages
// of failed batches; failed deferred pages go back to the queue.
func (e *Engine) apply(ctx context.Context, pages, scanned, deferred map[page.Ref]time.Time, at time.Time, report *RunReport) (earliest time.Time, failed bool) {
	stamp := at.UnixMilli()

	for i, batch := range pagination.Chunk(sortedRefs(pages), e.opts.BatchSize.TimestampUpdates) {
		entries := make([]timestamp.Entry, len(batch))
		for j, ref := range batch {
			entries[j] = timestamp.Entry{Ref: ref, At: stamp}
		}

		logger := e.logger.With().Int("batch", i+1).Int("size", len(batch)).Logger()
		err := retryFixed(ctx, e.opts.Retry, e.sleep, logger, func() error {
			return e.store.BumpMany(ctx, entries)
		})
		if err != nil {
			failed = true
			report.FailedBatches++
			BatchFailures.Inc()
			logger.Warn().Err(err).Msg("Timestamp batch deferred to next run")

			for _, ref := range batch {
				if origin, ok := scanned[ref]; ok && (earliest.IsZero() || origin.Before(earliest)) {
					earliest = origin
				}
				if origin, ok := deferred[ref]; ok {
					e.enqueue(ref, origin)
				}
			}
			continue
		}

		report.Updated += len(batch)
		for _, ref := range batch {
			report.Evicted++
			if _, err := e.caches.Evict(ctx, ref); err != nil {
				logger.Warn().
					Err(err).
					Str("page", ref.Page.String()).
					Str("entity_id", ref.EntityID).
					Msg("Cache eviction failed")
			}
		}
	}
	return earliest, failed
}

// collect scans entities changed in (since, until] and resolves the pages
// they invalidate, following derived entities in subscriber order. Each page
// maps to the earliest change that reached it.
func (e *Engine) collect(ctx context.Context, since, until time.Time) (map[page.Ref]time.Time, int, error) {
	pages := make(map[page.Ref]time.Time)
	if e.source == nil {
		return pages, 0, nil
	}

	changed := make(map[entities.Kind]map[string]time.Time)
	n, err := pagination.Scan(ctx, e.opts.BatchSize.ModifiedEntities,
		func(ctx context.Context, after *entities.Cursor, limit int) ([]entities.Change, error) {
			return e.source.ChangedSince(ctx, since, until, after, limit)
		},
		entities.CursorOf,
		func(batch []entities.Change) error {
			for _, c := range batch {
				noteEntity(changed, c.Ref, c.ModifiedAt)
			}
			return nil
		},
	)
	if err != nil {
		return nil, n, fmt.Errorf("scan changed entities: %w", err)
	}

	for _, kind := range entities.SubscriberOrder {
		ids := changed[kind]
		if len(ids) == 0 {
			continue
		}
		sub := subscribers[kind]
		for id, at := range ids {
			for _, ref := range sub.pages(id) {
				notePage(pages, ref, at)
			}
		}
		if !sub.cascades {
			continue
		}
		if err := e.cascade(ctx, kind, ids, changed); err != nil {
			return nil, n, err
		}
	}
	return pages, n, nil
}

// cascade resolves the entities derived from ids and records them as changed.
// Relations pointing back to an earlier kind would be missed by the ordered
// pass and are dropped.
func (e *Engine) cascade(ctx context.Context, kind entities.Kind, ids map[string]time.Time, changed map[entities.Kind]map[string]time.Time) error {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	batches := pagination.Chunk(sorted, e.opts.BatchSize.RelatedEntities)
	results, err := e.relations.FetchAll(ctx, batches, func(ctx context.Context, batch []string) ([]entities.Ref, error) {
		return e.source.Related(ctx, kind, batch)
	})
	if err != nil {
		return fmt.Errorf("resolve %s relations: %w", kind, err)
	}

	for i, related := range results {
		var origin time.Time
		for _, id := range batches[i] {
			if at := ids[id]; origin.IsZero() || at.Before(origin) {
				origin = at
			}
		}
		for _, ref := range related {
			if ref.Kind.Rank() <= kind.Rank() {
				e.logger.Warn().
					Str("kind", kind.String()).
					Str("related", ref.String()).
					Msg("Dropped relation against subscriber order")
				continue
			}
			noteEntity(changed, ref, origin)
		}
	}
	return nil
}

// Start runs RunOnce every Interval until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if e.opts.Interval <= 0 {
		e.logger.Warn().Msg("Scheduled invalidation disabled: no interval")
		return
	}

	e.logger.Info().Dur("interval", e.opts.Interval).Msg("Starting scheduled invalidation")
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Scheduled invalidation stopped")
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					e.logger.Debug().Msg("Previous invalidation run still in progress")
					continue
				}
				e.logger.Error().Err(err).Msg("Scheduled invalidation run failed")
			}
		}
	}
}

func notePage(set map[page.Ref]time.Time, ref page.Ref, at time.Time) {
	if ref.EntityID == page.PageLevelID {
		return
	}
	if cur, ok := set[ref]; !ok || at.Before(cur) {
		set[ref] = at
	}
}

func noteEntity(changed map[entities.Kind]map[string]time.Time, ref entities.Ref, at time.Time) {
	ids, ok := changed[ref.Kind]
	if !ok {
		ids = make(map[string]time.Time)
		changed[ref.Kind] = ids
	}
	if cur, ok := ids[ref.ID]; !ok || at.Before(cur) {
		ids[ref.ID] = at
	}
}

func sortedRefs(set map[page.Ref]time.Time) []page.Ref {
	refs := make([]page.Ref, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Page != refs[j].Page {
			return refs[i].Page < refs[j].Page
		}
		return refs[i].EntityID < refs[j].EntityID
	})
	return refs
}
