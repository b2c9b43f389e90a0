package invalidation

import (
	"github.com/skyvoyage/pagecache/pkg/entities"
	"github.com/skyvoyage/pagecache/pkg/page"
)

// subscriber describes what a change of one entity kind invalidates.
type subscriber struct {
	// pages lists the page instances rendering the entity.
	pages func(id string) []page.Ref
	// cascades is set for kinds with derived entities, which are
	// resolved through the relation source.
	cascades bool
}

func staticPages(pages ...page.Page) func(string) []page.Ref {
	refs := make([]page.Ref, len(pages))
	for i, p := range pages {
		refs[i] = page.Ref{Page: p}
	}
	return func(string) []page.Ref { return refs }
}

func detailPage(p page.Page) func(string) []page.Ref {
	return func(id string) []page.Ref { return []page.Ref{{Page: p, EntityID: id}} }
}

func noPages(string) []page.Ref { return nil }

var subscribers = map[entities.Kind]subscriber{
	entities.ImageCategory:  {pages: staticPages(page.Index, page.Flights, page.Stays)},
	entities.AirlineCompany: {pages: staticPages(page.Flights), cascades: true},
	entities.Airplane:       {pages: noPages, cascades: true},
	entities.FlightOffer:    {pages: detailPage(page.FlightDetails)},
	entities.HotelReview:    {pages: noPages, cascades: true},
	entities.Hotel:          {pages: staticPages(page.Stays), cascades: true},
	entities.StayOffer:      {pages: detailPage(page.StayDetails)},
}

// PagesFor returns the page instances invalidated by a change of ref,
// ignoring derived entities.
func PagesFor(ref entities.Ref) []page.Ref {
	sub, ok := subscribers[ref.Kind]
	if !ok {
		return nil
	}
	return sub.pages(ref.ID)
}
