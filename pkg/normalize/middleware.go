package normalize

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/policy"
)

// DraftsPathParam carries the original path+query of a preview request to the drafts page.
const DraftsPathParam = "reqPath"

// DefaultBypassPrefixes are request paths that never address a cached page:
// API routes, SSR island fetches and the image proxy.
var DefaultBypassPrefixes = []string{"/api/", "/__nuxt_island/", "/_ipx/"}

// TimestampReader reads authoritative page timestamps.
type TimestampReader interface {
	Get(ctx context.Context, p page.Page, entityID string, forceRefresh bool) (int64, error)
}

// Options configures a Normalizer.
type Options struct {
	// CachingEnabled switches on timestamp substitution, drift checks and the
	// stale-preview strip.
	CachingEnabled bool

	// BypassPrefixes overrides DefaultBypassPrefixes when non-nil.
	BypassPrefixes []string

	// RedirectStatus is the status used for canonical redirects (default 302).
	RedirectStatus int
}

// Normalizer is the request normalization middleware.
type Normalizer struct {
	router   *page.Router
	policies *policy.Registry
	store    TimestampReader
	opts     Options
	logger   zerolog.Logger
}

// New creates a Normalizer. store may be nil when no page uses timestamps.
func New(router *page.Router, policies *policy.Registry, store TimestampReader, opts Options, logger zerolog.Logger) *Normalizer {
	if router == nil || policies == nil {
		panic("normalize: router and policies are required")
	}
	if opts.BypassPrefixes == nil {
		opts.BypassPrefixes = DefaultBypassPrefixes
	}
	if opts.RedirectStatus == 0 {
		opts.RedirectStatus = http.StatusFound
	}
	return &Normalizer{
		router:   router,
		policies: policies,
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "normalize").Logger(),
	}
}

// Middleware wraps next with request normalization.
func (n *Normalizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if n.bypassed(r.URL.Path) {
			Decisions.WithLabelValues("bypass", "prefix").Inc()
			next.ServeHTTP(w, r)
			return
		}

		p, locale, ok := n.router.Resolve(r.URL.Path)
		if !ok {
			Decisions.WithLabelValues("bypass", "unknown-page").Inc()
			next.ServeHTTP(w, r)
			return
		}
		if p.IsSystem() {
			Decisions.WithLabelValues("bypass", "system-page").Inc()
			next.ServeHTTP(w, r)
			return
		}

		query := r.URL.Query()
		if IsPreview(query) {
			target := n.router.Path(page.Drafts, locale, "") + "?" +
				url.Values{DraftsPathParam: {r.URL.RequestURI()}}.Encode()
			Decisions.WithLabelValues("redirect", "preview").Inc()
			http.Redirect(w, r, target, n.opts.RedirectStatus)
			return
		}

		st := &State{Page: p, Locale: locale, Policy: n.policies.Get(p)}
		if st.Policy.IdentityScoped {
			st.EntityID, _ = page.ExtractEntityID(p, r.URL.Path)
		}
		if st.Policy.VaryOption == policy.UseEntityChangeTimestamp {
			st.Timestamp, st.HasTimestamp = n.timestamp(r.Context(), st)
		}

		d := Resolve(Input{
			Policy:         st.Policy,
			Query:          query,
			CachingEnabled: n.opts.CachingEnabled,
			HasTimestamp:   st.HasTimestamp,
			Timestamp:      st.Timestamp,
		})
		Decisions.WithLabelValues(d.Action.String(), d.Reason()).Inc()

		switch d.Action {
		case Redirect:
			n.logger.Debug().
				Str("page", p.String()).
				Str("locale", locale).
				Strs("reason", d.Reasons).
				Msg("Redirecting to canonical query")
			http.Redirect(w, r, canonicalURL(r.URL.EscapedPath(), d.Query), n.opts.RedirectStatus)
			return
		case Fail:
			n.logger.Debug().
				Str("page", p.String()).
				Err(d.Err).
				Msg("Query rejected")
			st.Query = query
			st.Err = d.Err
		default:
			st.Query = d.Query
		}

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), st)))
	})
}

// timestamp resolves the authoritative timestamp of the addressed page.
// Failures degrade to "no timestamp" and never fail the request.
func (n *Normalizer) timestamp(ctx context.Context, st *State) (int64, bool) {
	if n.store == nil {
		return 0, false
	}
	if st.Policy.IdentityScoped && st.EntityID == "" {
		TimestampUnavailable.WithLabelValues("no-entity-id").Inc()
		n.logger.Debug().
			Str("page", st.Page.String()).
			Msg("No entity id in path, proceeding without timestamp")
		return 0, false
	}
	ts, err := n.store.Get(ctx, st.Page, st.EntityID, false)
	if err != nil {
		TimestampUnavailable.WithLabelValues("store-error").Inc()
		n.logger.Warn().
			Err(err).
			Str("page", st.Page.String()).
			Str("entity_id", st.EntityID).
			Msg("Timestamp read failed, proceeding without timestamp")
		return 0, false
	}
	return ts, true
}

func (n *Normalizer) bypassed(path string) bool {
	for _, prefix := range n.opts.BypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func canonicalURL(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
