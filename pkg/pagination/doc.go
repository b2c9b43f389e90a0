// Package pagination bounds every data-layer call of the invalidation job by a
// fixed batch size.
//
// Three helpers cover the access patterns of the job:
//
//   - Chunk splits an in-memory slice into fixed-size batches.
//   - Scan walks a keyset-paginated source page by page, so a bulk reseed of
//     thousands of entities never materializes in a single query.
//   - Fetcher runs batch lookups with bounded concurrency and returns the
//     results in batch order.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher[string, []entities.Ref](pagination.DefaultConfig())
//	results, err := fetcher.FetchAll(ctx, pagination.Chunk(ids, 100), lookup)
package pagination
