// Package origin renders pages through the SSR origin and keeps the render
// cache filled.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/skyvoyage/pagecache/pkg/rendercache"
)

// Prometheus metrics for origin renders.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecache_origin_requests_total",
		Help: "Total origin render requests by status",
	}, []string{"status"})

	originRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagecache_origin_request_duration_seconds",
		Help:    "Origin render duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	originErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecache_origin_errors_total",
		Help: "Total origin errors by class",
	}, []string{"class"})

	originRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecache_origin_retries_total",
		Help: "Total number of render retry attempts by error class",
	}, []string{"error_class"})
)

// Headers set on origin requests.
const (
	// HeaderTimestamp carries the page timestamp the render is produced for.
	HeaderTimestamp = "X-Page-Timestamp"
	// HeaderQueryError carries a rejected query for the renderer's error page.
	HeaderQueryError = "X-Query-Error"
)

// Source tells where a render came from.
type Source string

const (
	SourceCache  Source = "hit"
	SourceOrigin Source = "miss"
	SourceBypass Source = "bypass"
)

// Config holds the client configuration.
type Config struct {
	// Origin is the base URL of the SSR renderer.
	Origin string

	UserAgent string
	Timeout   time.Duration

	// CacheTTL applies to renders without an Expires header.
	CacheTTL time.Duration

	Retry RetryConfig

	// ForwardHeaders are copied from the inbound request. Cookies are never
	// forwarded: cached renders are shared between visitors.
	ForwardHeaders []string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(origin string) Config {
	return Config{
		Origin:         origin,
		UserAgent:      "pagecache/1.0",
		Timeout:        30 * time.Second,
		CacheTTL:       rendercache.DefaultTTL,
		Retry:          DefaultRetryConfig(),
		ForwardHeaders: []string{"Accept", "Accept-Language"},
	}
}

// Request describes one render.
type Request struct {
	// URI is the path and query forwarded to the origin.
	URI    string
	Header http.Header

	Key       rendercache.Key
	Cacheable bool
	Timestamp int64

	// QueryError marks a rejected query. Such renders are never cached.
	QueryError error
}

// Result is a render with its source.
type Result struct {
	Entry  *rendercache.Entry
	Source Source
}

// Client renders pages through the origin, reading and filling the cache.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	cache      *rendercache.Manager
	config     Config
	logger     zerolog.Logger
}

// New creates a new origin client. A nil cache disables caching.
func New(cfg Config, cache *rendercache.Manager, logger zerolog.Logger) (*Client, error) {
	if cfg.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	base, err := url.Parse(cfg.Origin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects from the renderer are passed through to the browser.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		base:   base,
		cache:  cache,
		config: cfg,
		logger: logger.With().Str("component", "origin").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Render serves req from the cache when possible and renders it through the
// origin otherwise. Successful renders of cacheable requests are stored.
func (c *Client) Render(ctx context.Context, req Request) (*Result, error) {
	cacheable := req.Cacheable && req.QueryError == nil && c.cache != nil

	if cacheable {
		entry, err := c.cache.Get(ctx, req.Key)
		switch {
		case err == nil:
			c.logger.Debug().Str("key", req.Key.String()).Msg("Render cache hit")
			return &Result{Entry: entry, Source: SourceCache}, nil
		case !errors.Is(err, rendercache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("key", req.Key.String()).Msg("Render cache get error")
		}
	}

	resp, err := c.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	entry, err := rendercache.ResponseToEntry(resp, req.Timestamp, c.config.CacheTTL)
	if err != nil {
		return nil, &OriginError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	if !cacheable {
		return &Result{Entry: entry, Source: SourceBypass}, nil
	}

	if resp.StatusCode == http.StatusOK && storable(resp.Header) {
		if err := c.cache.Set(ctx, req.Key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", req.Key.String()).Msg("Failed to cache render")
		} else {
			c.logger.Debug().
				Str("key", req.Key.String()).
				Dur("ttl", entry.TTL()).
				Msg("Cached render")
		}
	}
	return &Result{Entry: entry, Source: SourceOrigin}, nil
}

func (c *Client) fetch(ctx context.Context, req Request) (*http.Response, error) {
	target, err := c.base.Parse(req.URI)
	if err != nil {
		return nil, fmt.Errorf("build origin url: %w", err)
	}

	startTime := time.Now()
	defer func() {
		originRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	var resp *http.Response
	err = retryWithBackoff(ctx, c.config.Retry, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return &OriginError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
		}
		for _, name := range c.config.ForwardHeaders {
			if v := req.Header.Get(name); v != "" {
				httpReq.Header.Set(name, v)
			}
		}
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
		if req.Timestamp > 0 {
			httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(req.Timestamp, 10))
		}
		if req.QueryError != nil {
			httpReq.Header.Set(HeaderQueryError, req.QueryError.Error())
		}

		r, err := c.httpClient.Do(httpReq)
		if err != nil {
			originErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			originRequestsTotal.WithLabelValues("network_error").Inc()
			c.logger.Error().Err(err).Str("uri", req.URI).Msg("Origin request failed")
			return &OriginError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
		}

		originRequestsTotal.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()
		if r.StatusCode >= 500 {
			originErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
			c.logger.Warn().
				Str("uri", req.URI).
				Int("status", r.StatusCode).
				Msg("Origin render error")
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return &OriginError{StatusCode: r.StatusCode, ErrorClass: ErrorClassServer, Message: r.Status}
		}

		resp = r
		return nil
	}, classify)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func classify(err error) ErrorClass {
	var oe *OriginError
	if errors.As(err, &oe) {
		return oe.ErrorClass
	}
	return ErrorClassNetwork
}

// storable reports whether the origin allows shared caching of the response.
func storable(h http.Header) bool {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}
