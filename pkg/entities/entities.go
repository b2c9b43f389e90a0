// Package entities describes the business entities whose changes invalidate
// rendered pages, and the data-layer calls the invalidation job consumes.
package entities

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is a business entity type.
type Kind int

const (
	KindUnknown Kind = iota
	ImageCategory
	AirlineCompany
	Airplane
	FlightOffer
	HotelReview
	Hotel
	StayOffer
)

// SubscriberOrder is the fixed order in which the scheduled invalidation job
// processes entity kinds. Every kind comes before the kinds derived from it,
// so dependent pages are only invalidated after everything they depend on
// was processed in the same pass.
var SubscriberOrder = []Kind{
	ImageCategory,
	AirlineCompany,
	Airplane,
	FlightOffer,
	HotelReview,
	Hotel,
	StayOffer,
}

var kindNames = map[Kind]string{
	ImageCategory:  "image-category",
	AirlineCompany: "airline-company",
	Airplane:       "airplane",
	FlightOffer:    "flight-offer",
	HotelReview:    "hotel-review",
	Hotel:          "hotel",
	StayOffer:      "stay-offer",
}

var (
	kindsByName = make(map[string]Kind, len(kindNames))
	kindRank    = make(map[Kind]int, len(SubscriberOrder))
)

func init() {
	for k, n := range kindNames {
		kindsByName[n] = k
	}
	for i, k := range SubscriberOrder {
		kindRank[k] = i
	}
}

// ErrUnknownKind is returned for entity kind names outside the table.
var ErrUnknownKind = errors.New("unknown entity kind")

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, error) {
	k, ok := kindsByName[name]
	if !ok {
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Rank returns the position of k in SubscriberOrder, or -1.
func (k Kind) Rank() int {
	if r, ok := kindRank[k]; ok {
		return r
	}
	return -1
}

// Ref names one entity.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string {
	return r.Kind.String() + ":" + r.ID
}

// Change is one modified entity.
type Change struct {
	Ref
	ModifiedAt time.Time
}

// Cursor is the keyset position of a change scan. Changes are ordered by
// (ModifiedAt, Kind name, ID).
type Cursor struct {
	ModifiedAt time.Time
	Kind       Kind
	ID         string
}

// CursorOf returns the keyset position just after c.
func CursorOf(c Change) Cursor {
	return Cursor{ModifiedAt: c.ModifiedAt, Kind: c.Kind, ID: c.ID}
}

// ChangeSource lists entities modified in (since, until], following cursor.
type ChangeSource interface {
	ChangedSince(ctx context.Context, since, until time.Time, after *Cursor, limit int) ([]Change, error)
}

// RelationSource resolves the entities derived from a set of entities of one
// kind. Pages subscribed to the derived entities must be invalidated too.
type RelationSource interface {
	Related(ctx context.Context, kind Kind, ids []string) ([]Ref, error)
}

// Source is the full data-layer contract of the invalidation job.
type Source interface {
	ChangeSource
	RelationSource
}
