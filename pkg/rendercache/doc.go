// Package rendercache stores rendered HTML pages and generated OG images.
//
// Two layers are kept:
//
// - Manager: rendered pages in Redis, shared by every frontend replica
// - OGCache: generated OG images on local disk (LevelDB)
//
// Both layers key entries by page instance first, so every entry of one
// (page, entity id) pair can be evicted with a single prefix scan, and both
// support an unconditional prefix-scoped purge.
//
// # Basic Usage
//
//	manager := rendercache.NewManager(redisClient, rendercache.DefaultRenderPrefix)
//
//	key := rendercache.Key{
//		Page:     page.FlightDetails,
//		EntityID: "42",
//		Locale:   "en",
//		Query:    url.Values{"t": []string{"1700000000000"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, rendercache.ErrCacheMiss) {
//		// Render through the origin and Set the entry
//	}
//
// # Invalidation
//
//	layers := rendercache.Layers{manager, ogCache}
//	layers.Evict(ctx, page.Ref{Page: page.FlightDetails, EntityID: "42"})
//	layers.Purge(ctx)
//
// # Metrics
//
//   - pagecache_render_cache_hits_total{layer} - Cache hits
//   - pagecache_render_cache_misses_total{layer} - Cache misses
//   - pagecache_render_cache_errors_total{operation} - Cache operation errors
//   - pagecache_render_cache_evicted_keys_total{layer} - Keys removed by evict and purge
//   - pagecache_render_cache_not_modified_total - 304 responses served from cache
package rendercache
