package page

import (
	"strings"
)

// PageLevelID stands in for the entity id of page-level entries in cache
// keys and timestamp fields. It is never accepted as an entity id.
const PageLevelID = "_"

// Route binds a page to its canonical path segment.
type Route struct {
	Page    Page
	Segment string

	// IdentityScoped pages carry an entity id in the path segment that
	// follows Segment, e.g. /flight-details/{offerId}.
	IdentityScoped bool
}

var routes = []Route{
	{Page: Index, Segment: ""},
	{Page: Flights, Segment: "flights"},
	{Page: Stays, Segment: "stays"},
	{Page: FindFlights, Segment: "find-flights"},
	{Page: FindStays, Segment: "find-stays"},
	{Page: FlightDetails, Segment: "flight-details", IdentityScoped: true},
	{Page: StayDetails, Segment: "stay-details", IdentityScoped: true},
	{Page: Favourites, Segment: "favourites"},
	{Page: Account, Segment: "account"},
	{Page: Login, Segment: "login"},
	{Page: Signup, Segment: "signup"},
	{Page: Privacy, Segment: "privacy"},
	{Page: Drafts, Segment: "drafts"},
}

var (
	routesByPage    = make(map[Page]Route, len(routes))
	routesBySegment = make(map[string]Route, len(routes))
)

func init() {
	for _, r := range routes {
		routesByPage[r.Page] = r
		routesBySegment[r.Segment] = r
	}
}

// RouteOf returns the route registered for p.
func RouteOf(p Page) (Route, bool) {
	r, ok := routesByPage[p]
	return r, ok
}

// IsIdentityScoped reports whether p is keyed by an entity id from its path.
func IsIdentityScoped(p Page) bool {
	return routesByPage[p].IdentityScoped
}

// Router resolves request paths to pages, honouring locale prefixes.
// Only non-default locales are prefixed: /de/flights, but /flights for the default.
type Router struct {
	defaultLocale string
	locales       map[string]struct{}
}

// NewRouter creates a router. The default locale is always supported.
func NewRouter(defaultLocale string, supported []string) *Router {
	r := &Router{
		defaultLocale: defaultLocale,
		locales:       make(map[string]struct{}, len(supported)+1),
	}
	r.locales[defaultLocale] = struct{}{}
	for _, l := range supported {
		l = strings.TrimSpace(l)
		if l != "" {
			r.locales[l] = struct{}{}
		}
	}
	return r
}

// DefaultLocale returns the locale used for unprefixed paths.
func (r *Router) DefaultLocale() string {
	return r.defaultLocale
}

// Resolve maps a request path onto a page and locale. ok is false for paths
// that are not a known page.
func (r *Router) Resolve(pathname string) (p Page, locale string, ok bool) {
	segs := splitPath(pathname)
	locale = r.defaultLocale
	if len(segs) > 0 && segs[0] != r.defaultLocale {
		if _, isLocale := r.locales[segs[0]]; isLocale {
			locale = segs[0]
			segs = segs[1:]
		}
	}

	if len(segs) == 0 {
		return Index, locale, true
	}

	route, found := routesBySegment[segs[0]]
	if !found || route.Segment == "" {
		return Unknown, locale, false
	}
	switch {
	case len(segs) == 1:
		return route.Page, locale, true
	case len(segs) == 2 && route.IdentityScoped:
		return route.Page, locale, true
	default:
		return Unknown, locale, false
	}
}

// Path builds the canonical path of a page for a locale.
func (r *Router) Path(p Page, locale, entityID string) string {
	route, ok := routesByPage[p]
	if !ok {
		return "/"
	}
	var b strings.Builder
	if locale != "" && locale != r.defaultLocale {
		b.WriteString("/")
		b.WriteString(locale)
	}
	if route.Segment != "" {
		b.WriteString("/")
		b.WriteString(route.Segment)
	}
	if route.IdentityScoped && entityID != "" {
		b.WriteString("/")
		b.WriteString(entityID)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// ExtractEntityID returns the path segment following the page's canonical
// segment. ok is false when the page is not identity-scoped or the id is
// absent or reserved.
func ExtractEntityID(p Page, pathname string) (id string, ok bool) {
	route, found := routesByPage[p]
	if !found || !route.IdentityScoped {
		return "", false
	}
	segs := splitPath(pathname)
	for i, s := range segs {
		if s != route.Segment {
			continue
		}
		if i+1 < len(segs) && segs[i+1] != PageLevelID {
			return segs[i+1], true
		}
		return "", false
	}
	return "", false
}

func splitPath(pathname string) []string {
	parts := strings.Split(pathname, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
