package rendercache

import (
	"context"
	"errors"

	"github.com/skyvoyage/pagecache/pkg/page"
)

// Evictor is a cache layer that can drop entries by page instance or entirely.
type Evictor interface {
	Evict(ctx context.Context, ref page.Ref) (int, error)
	Purge(ctx context.Context) (int, error)
}

var (
	_ Evictor = (*Manager)(nil)
	_ Evictor = (*OGCache)(nil)
)

// Layers fans evict and purge out to every layer. A failing layer does not
// stop the others; all errors are joined.
type Layers []Evictor

// Evict implements Evictor.
func (l Layers) Evict(ctx context.Context, ref page.Ref) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, layer := range l {
		n, err := layer.Evict(ctx, ref)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Purge implements Evictor.
func (l Layers) Purge(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, layer := range l {
		n, err := layer.Purge(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
