// Package policy declares, per page type, which request state may vary the
// render-cache key.
package policy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/skyvoyage/pagecache/pkg/page"
)

// VaryOption selects how a page's cache key is derived from the request.
type VaryOption int

const (
	// PathAndPredefinedVariants keys on path + locale + a finite set of
	// declared query variants. Undeclared parameters are stripped.
	PathAndPredefinedVariants VaryOption = iota

	// VaryByIDAndSystemParamsOnly ignores all query content except system
	// parameters, so arbitrary values (free-text search) share one entry.
	VaryByIDAndSystemParamsOnly

	// UseEntityChangeTimestamp keys on the page's authoritative timestamp,
	// carried in the TimestampParam query parameter.
	UseEntityChangeTimestamp
)

var varyOptionNames = map[VaryOption]string{
	PathAndPredefinedVariants:   "path-and-predefined-variants",
	VaryByIDAndSystemParamsOnly: "vary-by-id-and-system-params-only",
	UseEntityChangeTimestamp:    "use-entity-change-timestamp",
}

func (o VaryOption) String() string {
	if n, ok := varyOptionNames[o]; ok {
		return n
	}
	return fmt.Sprintf("vary-option(%d)", int(o))
}

// System query parameters understood on every page.
const (
	// TimestampParam carries the page timestamp (integer milliseconds).
	TimestampParam = "t"

	// PreviewParam switches preview mode on ("1"/"true") or explicitly off ("0"/"false").
	PreviewParam = "preview"

	// InternalParam marks requests generated by the site itself (SSR, warmup).
	InternalParam = "internal"
)

// ParamRule constrains one query parameter.
type ParamRule struct {
	Required bool

	// AllowedValues, when non-empty, is the closed set of accepted values.
	AllowedValues []string

	// DefaultValue is spliced in when a required parameter is missing.
	// Empty means no static default.
	DefaultValue string

	// Integer restricts values to non-negative decimal integers.
	Integer bool
}

// Allows reports whether v is acceptable for the rule.
func (r ParamRule) Allows(v string) bool {
	if r.Integer {
		if n, err := strconv.ParseInt(v, 10, 64); err != nil || n < 0 || strconv.FormatInt(n, 10) != v {
			return false
		}
	}
	if len(r.AllowedValues) == 0 {
		return true
	}
	for _, a := range r.AllowedValues {
		if a == v {
			return true
		}
	}
	return false
}

// Policy is the cache-vary declaration of one page.
type Policy struct {
	Page           page.Page
	VaryOption     VaryOption
	IdentityScoped bool
	Params         map[string]ParamRule
}

// Rule returns the rule for a parameter, including system parameters.
func (p Policy) Rule(name string) (ParamRule, bool) {
	r, ok := p.Params[name]
	return r, ok
}

// IsSystemParam reports whether name is accepted on every page regardless of its map.
func IsSystemParam(name string) bool {
	return name == PreviewParam || name == InternalParam
}

// IsRedundant reports whether a present parameter is not recognized by the page.
// Pages that vary only by id and system params accept any parameter.
func (p Policy) IsRedundant(name string) bool {
	if p.VaryOption == VaryByIDAndSystemParamsOnly || IsSystemParam(name) {
		return false
	}
	_, ok := p.Params[name]
	return !ok
}

// RequiredParams returns the names of required parameters in sorted order.
func (p Policy) RequiredParams() []string {
	var out []string
	for name, r := range p.Params {
		if r.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// VaryParams returns the parameters that participate in the cache key.
func (p Policy) VaryParams() []string {
	out := make([]string, 0, len(p.Params))
	for name := range p.Params {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry holds the static policy table, loaded once at process start.
type Registry struct {
	policies map[page.Page]Policy
}

// NewRegistry builds a registry. Timestamp pages receive an implicit required
// TimestampParam rule with no static default.
func NewRegistry(policies []Policy) (*Registry, error) {
	reg := &Registry{policies: make(map[page.Page]Policy, len(policies))}
	for _, p := range policies {
		if _, dup := reg.policies[p.Page]; dup {
			return nil, fmt.Errorf("duplicate policy for page %s", p.Page)
		}
		params := make(map[string]ParamRule, len(p.Params)+1)
		for name, r := range p.Params {
			if IsSystemParam(name) || name == TimestampParam {
				return nil, fmt.Errorf("page %s: %q is a reserved parameter", p.Page, name)
			}
			if r.DefaultValue != "" && !r.Allows(r.DefaultValue) {
				return nil, fmt.Errorf("page %s: default %q of %q is not an allowed value", p.Page, r.DefaultValue, name)
			}
			params[name] = r
		}
		if p.VaryOption == UseEntityChangeTimestamp {
			params[TimestampParam] = ParamRule{Required: true, Integer: true}
		}
		p.Params = params
		p.IdentityScoped = page.IsIdentityScoped(p.Page)
		reg.policies[p.Page] = p
	}
	return reg, nil
}

// Get returns the policy for a page. Pages without an explicit entry vary by
// path and locale only.
func (r *Registry) Get(p page.Page) Policy {
	if pol, ok := r.policies[p]; ok {
		return pol
	}
	return Policy{
		Page:           p,
		VaryOption:     PathAndPredefinedVariants,
		IdentityScoped: page.IsIdentityScoped(p),
		Params:         map[string]ParamRule{},
	}
}

// DefaultPolicies is the policy table of the travel site.
func DefaultPolicies() []Policy {
	return []Policy{
		{Page: page.Index, VaryOption: PathAndPredefinedVariants},
		{Page: page.Flights, VaryOption: PathAndPredefinedVariants},
		{Page: page.Stays, VaryOption: PathAndPredefinedVariants},
		{Page: page.FindFlights, VaryOption: VaryByIDAndSystemParamsOnly},
		{Page: page.FindStays, VaryOption: VaryByIDAndSystemParamsOnly},
		{Page: page.FlightDetails, VaryOption: UseEntityChangeTimestamp},
		{Page: page.StayDetails, VaryOption: UseEntityChangeTimestamp},
		{Page: page.Favourites, VaryOption: PathAndPredefinedVariants},
		{
			Page:       page.Account,
			VaryOption: PathAndPredefinedVariants,
			Params: map[string]ParamRule{
				"tab": {Required: true, AllowedValues: []string{"account", "history", "payment"}, DefaultValue: "account"},
			},
		},
		{
			Page:       page.Login,
			VaryOption: PathAndPredefinedVariants,
			Params: map[string]ParamRule{
				"mode": {AllowedValues: []string{"login", "forgot-password"}},
			},
		},
		{Page: page.Signup, VaryOption: PathAndPredefinedVariants},
		{Page: page.Privacy, VaryOption: PathAndPredefinedVariants},
	}
}

// DefaultRegistry returns the registry built from DefaultPolicies.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(DefaultPolicies())
	if err != nil {
		panic(err)
	}
	return reg
}
