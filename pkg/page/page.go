// Package page defines the routable page types of the site, the route table
// that maps URL paths onto them and the extraction of entity ids from paths of
// identity-scoped pages.
package page

import (
	"errors"
	"fmt"
)

// Page identifies a routable page type. The set is fixed at build time.
type Page int

const (
	// Unknown is the zero value and never resolves from a path.
	Unknown Page = iota
	Index
	Flights
	Stays
	FindFlights
	FindStays
	FlightDetails
	StayDetails
	Favourites
	Account
	Login
	Signup
	Privacy
	// Drafts is the preview viewer. It is never cached.
	Drafts
)

// ErrUnknownPage is matched by every *UnknownPageError.
var ErrUnknownPage = errors.New("unknown page")

// UnknownPageError reports a page name that is not part of the table.
type UnknownPageError struct {
	Value string
}

// Error implements the error interface.
func (e *UnknownPageError) Error() string {
	return fmt.Sprintf("unknown page %q", e.Value)
}

// Is makes errors.Is(err, ErrUnknownPage) succeed.
func (e *UnknownPageError) Is(target error) bool {
	return target == ErrUnknownPage
}

var pageNames = map[Page]string{
	Index:         "index",
	Flights:       "flights",
	Stays:         "stays",
	FindFlights:   "find-flights",
	FindStays:     "find-stays",
	FlightDetails: "flight-details",
	StayDetails:   "stay-details",
	Favourites:    "favourites",
	Account:       "account",
	Login:         "login",
	Signup:        "signup",
	Privacy:       "privacy",
	Drafts:        "drafts",
}

var pagesByName = invertNames(pageNames)

func invertNames(names map[Page]string) map[string]Page {
	out := make(map[string]Page, len(names))
	for p, n := range names {
		out[n] = p
	}
	return out
}

// ParsePage maps a page name back to its Page.
func ParsePage(name string) (Page, error) {
	p, ok := pagesByName[name]
	if !ok {
		return Unknown, &UnknownPageError{Value: name}
	}
	return p, nil
}

// String returns the stable page name used in cache keys, logs and the admin API.
func (p Page) String() string {
	if n, ok := pageNames[p]; ok {
		return n
	}
	return "unknown"
}

// IsSystem reports whether the page is administrative and bypasses the render cache.
func (p Page) IsSystem() bool {
	return p == Drafts
}

// MarshalText encodes the page by name.
func (p Page) MarshalText() ([]byte, error) {
	if _, ok := pageNames[p]; !ok {
		return nil, &UnknownPageError{Value: fmt.Sprintf("%d", int(p))}
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a page name.
func (p *Page) UnmarshalText(b []byte) error {
	parsed, err := ParsePage(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// All returns every known page in declaration order.
func All() []Page {
	out := make([]Page, 0, len(pageNames))
	for p := Index; p <= Drafts; p++ {
		out = append(out, p)
	}
	return out
}

// Ref names one page instance: a page type plus, for identity-scoped pages,
// the entity id taken from the path. EntityID is empty otherwise.
type Ref struct {
	Page     Page   `json:"page"`
	EntityID string `json:"entityId,omitempty"`
}

// String formats the ref as "page" or "page/id".
func (r Ref) String() string {
	if r.EntityID == "" {
		return r.Page.String()
	}
	return r.Page.String() + "/" + r.EntityID
}
