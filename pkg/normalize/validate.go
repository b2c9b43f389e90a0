// Package normalize canonicalizes page requests so that semantically identical
// requests always map to the same render-cache key.
//
// The work is split in three layers:
//
//   - Validate classifies a query against a page policy (pure).
//   - Resolve turns the classification into a Decision: proceed with a
//     canonical query, redirect to it, or fail with a client error (pure).
//   - Normalizer.Middleware performs bypass checks, reads the authoritative
//     page timestamp, and applies the Decision to the HTTP exchange.
package normalize

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/skyvoyage/pagecache/pkg/policy"
)

// Kind is the outcome of validating a query against a page policy.
type Kind int

const (
	// OK means every present parameter is recognized and allowed.
	OK Kind = iota

	// RedundantParam means at least one present parameter is not declared for the page.
	RedundantParam

	// RequiredParamMissed means at least one required parameter is absent.
	RequiredParamMissed

	// ValueNotAllowed means a present parameter carries a value outside its allowed set.
	ValueNotAllowed
)

var kindNames = map[Kind]string{
	OK:                  "ok",
	RedundantParam:      "redundant-param",
	RequiredParamMissed: "required-param-missed",
	ValueNotAllowed:     "value-not-allowed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// systemValues are the accepted values of the preview and internal flags.
var systemValues = []string{"0", "1", "false", "true"}

// Result is the tagged outcome of Validate. Kind carries the dominant
// outcome; the lists carry every offending parameter so a caller can repair
// all of them in one pass.
type Result struct {
	Kind Kind

	Redundant  []string
	Missing    []string
	NotAllowed []string
}

// Validate classifies q against pol. When several conditions hold at once the
// Kind is chosen by precedence: ValueNotAllowed, then RequiredParamMissed, then
// RedundantParam.
func Validate(pol policy.Policy, q url.Values) Result {
	var res Result

	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if policy.IsSystemParam(name) {
			if !allowed(systemValues, q.Get(name)) {
				res.NotAllowed = append(res.NotAllowed, name)
			}
			continue
		}
		if pol.IsRedundant(name) {
			res.Redundant = append(res.Redundant, name)
			continue
		}
		if rule, ok := pol.Rule(name); ok {
			for _, v := range q[name] {
				if !rule.Allows(v) {
					res.NotAllowed = append(res.NotAllowed, name)
					break
				}
			}
		}
	}

	for _, name := range pol.RequiredParams() {
		if q.Get(name) == "" {
			res.Missing = append(res.Missing, name)
		}
	}

	switch {
	case len(res.NotAllowed) > 0:
		res.Kind = ValueNotAllowed
	case len(res.Missing) > 0:
		res.Kind = RequiredParamMissed
	case len(res.Redundant) > 0:
		res.Kind = RedundantParam
	default:
		res.Kind = OK
	}
	return res
}

func allowed(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// IsPreview reports whether the query switches preview mode on.
func IsPreview(q url.Values) bool {
	v := q.Get(policy.PreviewParam)
	return v == "1" || v == "true"
}

// IsPreviewDisabled reports whether the query carries the explicit
// "preview disabled" marker.
func IsPreviewDisabled(q url.Values) bool {
	if _, ok := q[policy.PreviewParam]; !ok {
		return false
	}
	v := q.Get(policy.PreviewParam)
	return v == "0" || v == "false"
}

// IsInternal reports whether the request was generated by the site itself.
func IsInternal(q url.Values) bool {
	v := q.Get(policy.InternalParam)
	return v == "1" || v == "true"
}
