package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skyvoyage/pagecache/pkg/invalidation"
	"github.com/skyvoyage/pagecache/pkg/metrics"
	"github.com/skyvoyage/pagecache/pkg/normalize"
	"github.com/skyvoyage/pagecache/pkg/origin"
	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/rendercache"
	"github.com/skyvoyage/pagecache/pkg/timestamp"
)

// OG images are requested as /__og-image__/image/<page path>/og.png.
const (
	ogImagePrefix = "/__og-image__/image"
	ogImageSuffix = "/og.png"
)

// HeaderCache reports whether a render was served from the cache.
const HeaderCache = "X-Cache"

type server struct {
	redis      *redis.Client
	store      timestamp.Store
	engine     *invalidation.Engine
	normalizer *normalize.Normalizer
	router     *page.Router
	origin     *origin.Client
	og         *rendercache.OGCache
	logger     zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/cache", func(r chi.Router) {
		r.Post("/invalidate", s.invalidateHandler)
		r.Post("/purge", s.purgeHandler)
		r.Post("/run", s.runHandler)
		r.Get("/timestamp", s.timestampHandler)
	})

	if s.og != nil {
		r.Get(ogImagePrefix+"/*", s.ogImageHandler)
	}

	pages := r.With(s.normalizer.Middleware)
	pages.Get("/*", s.renderHandler)
	pages.Head("/*", s.renderHandler)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// renderHandler serves a page through the render cache. Requests that
// bypassed normalization are proxied uncached.
func (s *server) renderHandler(w http.ResponseWriter, r *http.Request) {
	req := origin.Request{URI: r.URL.RequestURI(), Header: r.Header}
	if st, ok := normalize.FromContext(r.Context()); ok {
		ref := st.Ref()
		req.Key = rendercache.Key{
			Page:     ref.Page,
			EntityID: ref.EntityID,
			Locale:   st.Locale,
			Query:    st.CacheQuery(),
		}
		req.Cacheable = st.Err == nil
		req.QueryError = st.Err
		if st.HasTimestamp {
			req.Timestamp = st.Timestamp
		}
	}

	res, err := s.origin.Render(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Str("uri", req.URI).Msg("Render failed")
		http.Error(w, "origin render failed", http.StatusBadGateway)
		return
	}
	w.Header().Set(HeaderCache, string(res.Source))
	rendercache.WriteEntry(w, r, res.Entry)
}

// ogImageHandler serves OG images from the on-disk cache, rendering and
// storing them on a miss.
func (s *server) ogImageHandler(w http.ResponseWriter, r *http.Request) {
	pagePath := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, ogImagePrefix), ogImageSuffix)
	if pagePath == "" {
		pagePath = "/"
	}
	p, locale, ok := s.router.Resolve(pagePath)
	if !ok || p.IsSystem() {
		http.NotFound(w, r)
		return
	}
	key := rendercache.Key{Page: p, Locale: locale}
	if page.IsIdentityScoped(p) {
		key.EntityID, _ = page.ExtractEntityID(p, pagePath)
	}

	image, err := s.og.Get(r.Context(), key)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set(HeaderCache, string(origin.SourceCache))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(image)
		return
	case !errors.Is(err, rendercache.ErrCacheMiss):
		s.logger.Warn().Err(err).Str("key", key.Body()).Msg("OG cache get error")
	}

	res, err := s.origin.Render(r.Context(), origin.Request{URI: r.URL.RequestURI(), Header: r.Header})
	if err != nil {
		s.logger.Error().Err(err).Str("uri", r.URL.RequestURI()).Msg("OG image render failed")
		http.Error(w, "origin render failed", http.StatusBadGateway)
		return
	}
	if res.Entry.StatusCode == http.StatusOK {
		if err := s.og.Put(r.Context(), key, res.Entry.Data); err != nil {
			s.logger.Warn().Err(err).Str("key", key.Body()).Msg("Failed to cache OG image")
		}
		res.Source = origin.SourceOrigin
	}
	w.Header().Set(HeaderCache, string(res.Source))
	rendercache.WriteEntry(w, r, res.Entry)
}

type invalidateRequest struct {
	Page string `json:"page"`
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	p, err := page.ParsePage(body.Page)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode, err := invalidation.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ref := page.Ref{Page: p, EntityID: body.ID}
	if err := s.engine.Invalidate(r.Context(), mode, ref); err != nil {
		if errors.Is(err, invalidation.ErrInvalidRef) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Error().Err(err).Str("page", p.String()).Str("entity_id", body.ID).Msg("Invalidation failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if mode == invalidation.ModeDeferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"page": ref, "mode": mode.String()})
}

func (s *server) purgeHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Purge(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type runResponse struct {
	ChangedEntities int       `json:"changedEntities"`
	Deferred        int       `json:"deferred"`
	Pages           int       `json:"pages"`
	Purged          bool      `json:"purged"`
	Updated         int       `json:"updated"`
	Evicted         int       `json:"evicted"`
	FailedBatches   int       `json:"failedBatches"`
	Watermark       time.Time `json:"watermark"`
	DurationMs      int64     `json:"durationMs"`
}

func (s *server) runHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunOnce(r.Context())
	if errors.Is(err, invalidation.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		ChangedEntities: report.ChangedEntities,
		Deferred:        report.Deferred,
		Pages:           report.Pages,
		Purged:          report.Purged,
		Updated:         report.Updated,
		Evicted:         report.Evicted,
		FailedBatches:   report.FailedBatches,
		Watermark:       report.Watermark,
		DurationMs:      report.Duration.Milliseconds(),
	})
}

// timestampHandler exposes the authoritative page timestamp to the renderer.
// refresh=1 skips the local read cache.
func (s *server) timestampHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := page.ParsePage(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := q.Get("id")
	if page.IsIdentityScoped(p) != (id != "") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("page %s: id must be given exactly for identity-scoped pages", p))
		return
	}
	if id == page.PageLevelID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("entity id %q is reserved", id))
		return
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	ts, err := s.store.Get(r.Context(), p, id, refresh)
	if err != nil {
		s.logger.Warn().Err(err).Str("page", p.String()).Str("entity_id", id).Msg("Timestamp read failed")
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":      page.Ref{Page: p, EntityID: id},
		"timestamp": ts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
