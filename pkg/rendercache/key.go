package rendercache

import (
	"net/url"
	"strings"

	"github.com/skyvoyage/pagecache/pkg/page"
)

const (
	// DefaultRenderPrefix prefixes every rendered-page key in Redis.
	DefaultRenderPrefix = "render:"

	// DefaultOGPrefix prefixes every OG-image key on disk.
	DefaultOGPrefix = "og:"

	// noEntity stands in for the entity id of page-level entries.
	noEntity = page.PageLevelID
)

// Key identifies one cached render. It is derived from the normalized request
// and never stored on its own.
type Key struct {
	Page     page.Page
	EntityID string
	Locale   string

	// Query is the cache-varying part of the normalized query.
	Query url.Values
}

// Ref returns the page instance the key belongs to.
func (k Key) Ref() page.Ref {
	return page.Ref{Page: k.Page, EntityID: k.EntityID}
}

// Body generates the deterministic key body without the layer prefix.
// Format: page:entity:locale:query
//
// Example:
//
//	flight-details:42:de:t=1700000000000
func (k Key) Body() string {
	parts := []string{
		scope(k.Ref()),
		url.QueryEscape(k.Locale),
		// Encode sorts by parameter name.
		k.Query.Encode(),
	}
	return strings.Join(parts, ":")
}

// String generates the rendered-page key with the default prefix.
func (k Key) String() string {
	return DefaultRenderPrefix + k.Body()
}

// scope is the key body shared by every entry of one page instance.
func scope(ref page.Ref) string {
	id := noEntity
	if ref.EntityID != "" {
		id = url.QueryEscape(ref.EntityID)
	}
	return ref.Page.String() + ":" + id
}

// ScopePrefix returns the key prefix matched by Evict for ref. A ref without
// an entity id covers every entry of the page.
func ScopePrefix(prefix string, ref page.Ref) string {
	if ref.EntityID == "" {
		return prefix + ref.Page.String() + ":"
	}
	return prefix + scope(ref) + ":"
}
