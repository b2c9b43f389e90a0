package page

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParsePage_RoundTrip(t *testing.T) {
	for _, p := range All() {
		got, err := ParsePage(p.String())
		if err != nil {
			t.Fatalf("ParsePage(%q) error = %v", p.String(), err)
		}
		if got != p {
			t.Errorf("ParsePage(%q) = %v, want %v", p.String(), got, p)
		}
	}
}

func TestParsePage_Unknown(t *testing.T) {
	_, err := ParsePage("checkout")
	if !errors.Is(err, ErrUnknownPage) {
		t.Fatalf("expected ErrUnknownPage, got %v", err)
	}
	var upe *UnknownPageError
	if !errors.As(err, &upe) || upe.Value != "checkout" {
		t.Errorf("expected UnknownPageError{checkout}, got %v", err)
	}
}

func TestRef_JSON(t *testing.T) {
	ref := Ref{Page: FlightDetails, EntityID: "42"}
	data, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"page":"flight-details","entityId":"42"}` {
		t.Errorf("Marshal = %s", data)
	}

	var back Ref
	if err := json.Unmarshal([]byte(`{"page":"stays"}`), &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != (Ref{Page: Stays}) {
		t.Errorf("Unmarshal = %+v", back)
	}

	if err := json.Unmarshal([]byte(`{"page":"nope"}`), &back); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("expected ErrUnknownPage, got %v", err)
	}
}

func TestRouter_Resolve(t *testing.T) {
	r := NewRouter("en", []string{"de", "fr"})

	tests := []struct {
		path       string
		wantPage   Page
		wantLocale string
		wantOK     bool
	}{
		{"/", Index, "en", true},
		{"", Index, "en", true},
		{"/de", Index, "de", true},
		{"/flights", Flights, "en", true},
		{"/flights/", Flights, "en", true},
		{"/fr/stays", Stays, "fr", true},
		{"/flight-details/123", FlightDetails, "en", true},
		{"/de/stay-details/abc", StayDetails, "de", true},
		{"/flight-details", FlightDetails, "en", true},
		{"/flights/123", Unknown, "en", false},
		{"/flight-details/1/2", Unknown, "en", false},
		{"/en/flights", Unknown, "en", false},
		{"/it/flights", Unknown, "en", false},
		{"/drafts", Drafts, "en", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, locale, ok := r.Resolve(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Resolve(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if p != tt.wantPage {
				t.Errorf("Resolve(%q) page = %v, want %v", tt.path, p, tt.wantPage)
			}
			if ok && locale != tt.wantLocale {
				t.Errorf("Resolve(%q) locale = %q, want %q", tt.path, locale, tt.wantLocale)
			}
		})
	}
}

func TestRouter_Path(t *testing.T) {
	r := NewRouter("en", []string{"de"})

	tests := []struct {
		page   Page
		locale string
		id     string
		want   string
	}{
		{Index, "en", "", "/"},
		{Index, "de", "", "/de"},
		{Drafts, "de", "", "/de/drafts"},
		{FlightDetails, "en", "7", "/flight-details/7"},
		{Flights, "en", "ignored", "/flights"},
	}
	for _, tt := range tests {
		if got := r.Path(tt.page, tt.locale, tt.id); got != tt.want {
			t.Errorf("Path(%v, %q, %q) = %q, want %q", tt.page, tt.locale, tt.id, got, tt.want)
		}
	}
}

func TestExtractEntityID(t *testing.T) {
	tests := []struct {
		name   string
		page   Page
		path   string
		wantID string
		wantOK bool
	}{
		{"flight details", FlightDetails, "/flight-details/123", "123", true},
		{"localized", FlightDetails, "/de/flight-details/123", "123", true},
		{"trailing slash", StayDetails, "/stay-details/x-1/", "x-1", true},
		{"id absent", FlightDetails, "/flight-details", "", false},
		{"not identity scoped", Flights, "/flights/123", "", false},
		{"segment missing", FlightDetails, "/stays/123", "", false},
		{"reserved id", FlightDetails, "/flight-details/_", "", false},
		{"underscore inside id", StayDetails, "/stay-details/_x_", "_x_", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ExtractEntityID(tt.page, tt.path)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("ExtractEntityID() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
