package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of batches fetched in parallel
	MaxConcurrency int
	// Timeout per batch fetch
	Timeout time.Duration
}

// DefaultConfig returns a configuration sized for a shared Postgres primary
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Chunk splits items into consecutive batches of at most size elements.
// A non-positive size yields a single batch.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}

// PageFunc fetches at most limit items following cursor. A nil cursor starts
// at the beginning.
type PageFunc[T, C any] func(ctx context.Context, cursor *C, limit int) ([]T, error)

// Scan walks a keyset-paginated source in batches of batchSize, handing each
// non-empty batch to visit. It stops after the first short batch and returns
// the number of items visited.
func Scan[T, C any](ctx context.Context, batchSize int, fetch PageFunc[T, C], cursorOf func(T) C, visit func([]T) error) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	var (
		cursor *C
		total  int
	)
	for batch := 1; ; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		items, err := fetch(ctx, cursor, batchSize)
		if err != nil {
			return total, fmt.Errorf("fetch batch %d: %w", batch, err)
		}
		if len(items) == 0 {
			return total, nil
		}
		if err := visit(items); err != nil {
			return total, err
		}
		total += len(items)

		if len(items) < batchSize {
			return total, nil
		}
		next := cursorOf(items[len(items)-1])
		cursor = &next

		log.Debug().
			Int("batch", batch).
			Int("visited", total).
			Msg("Scan progress")
	}
}

// Fetcher runs batch lookups in parallel with bounded concurrency.
type Fetcher[T, R any] struct {
	config Config
}

// NewFetcher creates a new batch fetcher
func NewFetcher[T, R any](config Config) *Fetcher[T, R] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Fetcher[T, R]{config: config}
}

// FetchAll calls fn once per batch and returns the results in batch order.
// The first failing batch cancels the remaining work and its error is returned.
func (f *Fetcher[T, R]) FetchAll(ctx context.Context, batches [][]T, fn func(ctx context.Context, batch []T) (R, error)) ([]R, error) {
	results := make([]R, len(batches))
	if len(batches) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.MaxConcurrency)

	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			batchCtx, cancel := context.WithTimeout(gctx, f.config.Timeout)
			defer cancel()

			value, err := fn(batchCtx, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = value
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Debug().
			Err(err).
			Int("batches", len(batches)).
			Msg("Batch fetch aborted")
		return nil, err
	}
	return results, nil
}
