package normalize

import (
	"context"
	"net/url"

	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/policy"
)

type contextKey struct{}

// State is attached to the context of every request that passed through
// normalization, including those marked with a client error.
type State struct {
	Page     page.Page
	Locale   string
	EntityID string
	Policy   policy.Policy

	// Query is the canonical query.
	Query url.Values

	HasTimestamp bool
	Timestamp    int64

	// Err is a *QueryError when the request failed validation.
	Err error
}

// Ref returns the page instance the request addresses.
func (s *State) Ref() page.Ref {
	if !s.Policy.IdentityScoped {
		return page.Ref{Page: s.Page}
	}
	return page.Ref{Page: s.Page, EntityID: s.EntityID}
}

// CacheQuery returns the part of the canonical query that varies the render
// cache key. Pages varying by id and system params keep only system params.
func (s *State) CacheQuery() url.Values {
	out := url.Values{}
	for name, values := range s.Query {
		if len(values) == 0 {
			continue
		}
		if policy.IsSystemParam(name) {
			out.Set(name, values[0])
			continue
		}
		if s.Policy.VaryOption == policy.VaryByIDAndSystemParamsOnly {
			continue
		}
		if _, ok := s.Policy.Rule(name); ok {
			out.Set(name, values[0])
		}
	}
	return out
}

// NewContext returns a copy of ctx carrying st.
func NewContext(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, contextKey{}, st)
}

// FromContext returns the normalization state of a request. ok is false for
// requests that bypassed normalization.
func FromContext(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(contextKey{}).(*State)
	return st, ok
}
