package normalize

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/policy"
)

type stubTimestamps struct {
	values map[page.Ref]int64
	err    error
	calls  int
}

func (s *stubTimestamps) Get(_ context.Context, p page.Page, id string, _ bool) (int64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.values[page.Ref{Page: p, EntityID: id}], nil
}

// captureHandler records the state attached by the middleware.
type captureHandler struct {
	called bool
	state  *State
	ok     bool
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.state, h.ok = FromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func newTestNormalizer(store TimestampReader, caching bool) *Normalizer {
	return New(
		page.NewRouter("en", []string{"de"}),
		policy.DefaultRegistry(),
		store,
		Options{CachingEnabled: caching},
		zerolog.Nop(),
	)
}

func serve(t *testing.T, n *Normalizer, target string) (*httptest.ResponseRecorder, *captureHandler) {
	t.Helper()
	next := &captureHandler{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	n.Middleware(next).ServeHTTP(rec, req)
	return rec, next
}

func TestMiddleware_Bypass(t *testing.T) {
	store := &stubTimestamps{}
	n := newTestNormalizer(store, true)

	paths := []string{
		"/api/cache/purge?x=1",
		"/__nuxt_island/header?x=1",
		"/_ipx/w_200/image.png",
		"/not-a-page?x=1",
		"/drafts?reqPath=%2Fflights",
		"/de/drafts?x=1",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			rec, next := serve(t, n, p)
			if !next.called {
				t.Fatalf("expected request to pass through, got status %d", rec.Code)
			}
			if next.ok {
				t.Error("bypassed request must not carry normalization state")
			}
		})
	}
	if store.calls != 0 {
		t.Errorf("timestamp store called %d times for bypassed requests", store.calls)
	}
}

func TestMiddleware_PreviewRedirectsToDrafts(t *testing.T) {
	n := newTestNormalizer(&stubTimestamps{}, true)

	tests := []struct {
		target   string
		wantPath string
		wantReq  string
	}{
		{"/flights?preview=1", "/drafts", "/flights?preview=1"},
		{"/de/stay-details/9?preview=true&t=3", "/de/drafts", "/de/stay-details/9?preview=true&t=3"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, next := serve(t, n, tt.target)
			if next.called {
				t.Fatal("preview request must not reach the renderer")
			}
			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
			}
			loc, err := url.Parse(rec.Header().Get("Location"))
			if err != nil {
				t.Fatalf("bad Location: %v", err)
			}
			if loc.Path != tt.wantPath {
				t.Errorf("redirect path = %q, want %q", loc.Path, tt.wantPath)
			}
			if got := loc.Query().Get(DraftsPathParam); got != tt.wantReq {
				t.Errorf("%s = %q, want %q", DraftsPathParam, got, tt.wantReq)
			}
		})
	}
}

func TestMiddleware_Redirects(t *testing.T) {
	store := &stubTimestamps{values: map[page.Ref]int64{
		{Page: page.FlightDetails, EntityID: "X"}:   1700000000000,
		{Page: page.FlightDetails, EntityID: "a?b"}: 1700000000000,
	}}
	n := newTestNormalizer(store, true)

	tests := []struct {
		target       string
		wantLocation string
	}{
		{"/flights?utm_source=mail", "/flights"},
		{"/de/account?tab=history&ref=1", "/de/account?tab=history"},
		{"/account", "/account?tab=account"},
		{"/flight-details/X", "/flight-details/X?t=1700000000000"},
		{"/flight-details/X?t=1699999999999", "/flight-details/X?t=1700000000000"},
		{"/stays?preview=0", "/stays"},
		{"/flight-details/a%3Fb", "/flight-details/a%3Fb?t=1700000000000"},
		{"/flight-details/a%3Fb?t=1", "/flight-details/a%3Fb?t=1700000000000"},
		{"/flight-details/unchanged?t=12345", "/flight-details/unchanged?t=0"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, next := serve(t, n, tt.target)
			if next.called {
				t.Fatal("redirected request must not reach the renderer")
			}
			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}

			// Following the redirect must not redirect again.
			rec2, next2 := serve(t, n, tt.wantLocation)
			if !next2.called {
				t.Errorf("second hop redirected again to %q", rec2.Header().Get("Location"))
			}
		})
	}
}

func TestMiddleware_ProceedAttachesState(t *testing.T) {
	store := &stubTimestamps{values: map[page.Ref]int64{
		{Page: page.FlightDetails, EntityID: "X"}: 1700000000000,
	}}
	n := newTestNormalizer(store, true)

	_, next := serve(t, n, "/de/flight-details/X?t=1700000000000")
	if !next.called || !next.ok {
		t.Fatal("expected renderer to receive normalization state")
	}
	st := next.state
	if st.Page != page.FlightDetails || st.Locale != "de" || st.EntityID != "X" {
		t.Errorf("state = %+v", st)
	}
	if !st.HasTimestamp || st.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d (has=%v)", st.Timestamp, st.HasTimestamp)
	}
	if st.Err != nil {
		t.Errorf("unexpected error %v", st.Err)
	}
	if got := st.CacheQuery().Encode(); got != "t=1700000000000" {
		t.Errorf("CacheQuery = %q", got)
	}
	if st.Ref() != (page.Ref{Page: page.FlightDetails, EntityID: "X"}) {
		t.Errorf("Ref = %v", st.Ref())
	}
}

func TestMiddleware_SearchQueryCollapsesInCacheKey(t *testing.T) {
	n := newTestNormalizer(&stubTimestamps{}, true)

	_, a := serve(t, n, "/find-flights?from=BER&to=LIS")
	_, b := serve(t, n, "/find-flights?from=MUC")
	if !a.ok || !b.ok {
		t.Fatal("expected both requests to proceed")
	}
	if a.state.CacheQuery().Encode() != b.state.CacheQuery().Encode() {
		t.Errorf("cache queries differ: %q vs %q", a.state.CacheQuery().Encode(), b.state.CacheQuery().Encode())
	}
	if a.state.Query.Get("to") != "LIS" {
		t.Error("renderer must still see the full query")
	}
}

func TestMiddleware_ClientErrorsAreAttached(t *testing.T) {
	n := newTestNormalizer(&stubTimestamps{}, true)

	tests := []struct {
		target  string
		wantErr error
	}{
		{"/account?tab=admin", ErrValueNotAllowed},
		{"/flights?preview=maybe", ErrValueNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, next := serve(t, n, tt.target)
			if rec.Code != http.StatusOK || !next.called {
				t.Fatalf("client errors must not redirect (status %d)", rec.Code)
			}
			if !next.ok || !errors.Is(next.state.Err, tt.wantErr) {
				t.Errorf("state error = %v, want %v", next.state.Err, tt.wantErr)
			}
		})
	}
}

func TestMiddleware_InternalRequestWithoutTimestampFailsWhenCachingDisabled(t *testing.T) {
	store := &stubTimestamps{values: map[page.Ref]int64{}}
	n := newTestNormalizer(store, false)

	_, next := serve(t, n, "/flight-details/X?internal=1")
	if !next.ok || !errors.Is(next.state.Err, ErrRequiredParamMissing) {
		t.Fatalf("expected ErrRequiredParamMissing, got %+v", next.state)
	}

	_, next = serve(t, n, "/flight-details/X")
	if !next.ok || next.state.Err != nil {
		t.Fatalf("public request must proceed, got %+v", next.state)
	}
}

func TestMiddleware_TimestampUnavailable(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		n := newTestNormalizer(&stubTimestamps{err: errors.New("redis down")}, true)
		_, next := serve(t, n, "/flight-details/X?t=5")
		if !next.called || !next.ok {
			t.Fatal("store failure must not fail the request")
		}
		if next.state.HasTimestamp {
			t.Error("expected no timestamp")
		}
		if next.state.Query.Get("t") != "5" {
			t.Errorf("query t = %q, want untouched", next.state.Query.Get("t"))
		}
	})

	t.Run("no entity id", func(t *testing.T) {
		store := &stubTimestamps{}
		n := newTestNormalizer(store, true)
		_, next := serve(t, n, "/flight-details")
		if !next.called || !next.ok {
			t.Fatal("expected request to proceed")
		}
		if store.calls != 0 {
			t.Error("store must not be read without an entity id")
		}
	})
}

func TestMiddleware_NonGetPassesThrough(t *testing.T) {
	n := newTestNormalizer(&stubTimestamps{}, true)
	next := &captureHandler{}
	rec := httptest.NewRecorder()
	n.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flights?x=1", nil))
	if !next.called || next.ok {
		t.Error("POST must bypass normalization")
	}
}
