package rendercache

import (
	"net/url"
	"strings"
	"testing"

	"github.com/skyvoyage/pagecache/pkg/page"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "page level no query",
			key:  Key{Page: page.Flights, Locale: "en"},
			want: "render:flights:_:en:",
		},
		{
			name: "identity scoped with timestamp",
			key: Key{
				Page:     page.FlightDetails,
				EntityID: "42",
				Locale:   "de",
				Query:    url.Values{"t": []string{"1700000000000"}},
			},
			want: "render:flight-details:42:de:t=1700000000000",
		},
		{
			name: "query params sorted",
			key: Key{
				Page:   page.Account,
				Locale: "en",
				Query:  url.Values{"tab": []string{"history"}, "internal": []string{"1"}},
			},
			want: "render:account:_:en:internal=1&tab=history",
		},
		{
			name: "entity id escaped",
			key:  Key{Page: page.StayDetails, EntityID: "a:b*c", Locale: "en"},
			want: "render:stay-details:a%3Ab%2Ac:en:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := Key{Page: page.Account, Locale: "en", Query: url.Values{"tab": {"payment"}, "internal": {"1"}}}
	b := Key{Page: page.Account, Locale: "en", Query: url.Values{"internal": {"1"}, "tab": {"payment"}}}
	for i := 0; i < 20; i++ {
		if a.String() != b.String() {
			t.Fatalf("keys differ: %q vs %q", a.String(), b.String())
		}
	}
}

func TestScopePrefix(t *testing.T) {
	offer := Key{Page: page.FlightDetails, EntityID: "4", Locale: "en"}
	otherOffer := Key{Page: page.FlightDetails, EntityID: "42", Locale: "en"}

	prefix := ScopePrefix(DefaultRenderPrefix, offer.Ref())
	if !strings.HasPrefix(offer.String(), prefix) {
		t.Errorf("%q does not cover %q", prefix, offer.String())
	}
	if strings.HasPrefix(otherOffer.String(), prefix) {
		t.Errorf("%q must not cover %q", prefix, otherOffer.String())
	}

	pagePrefix := ScopePrefix(DefaultRenderPrefix, page.Ref{Page: page.FlightDetails})
	if !strings.HasPrefix(offer.String(), pagePrefix) || !strings.HasPrefix(otherOffer.String(), pagePrefix) {
		t.Errorf("page-level prefix %q must cover every offer", pagePrefix)
	}
	if strings.HasPrefix(Key{Page: page.Flights}.String(), ScopePrefix(DefaultRenderPrefix, page.Ref{Page: page.FlightDetails})) {
		t.Error("flight-details prefix must not cover flights")
	}
}
