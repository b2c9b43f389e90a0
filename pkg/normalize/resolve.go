package normalize

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/skyvoyage/pagecache/pkg/policy"
)

// Action is what the middleware does with a request.
type Action int

const (
	// Proceed hands the request to the renderer with the canonical query attached.
	Proceed Action = iota

	// Redirect sends the client to the canonical URL.
	Redirect

	// Fail marks the request context with a client error.
	Fail
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Redirect:
		return "redirect"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Redirect and repair reasons, also used as metric labels.
const (
	ReasonRedundantParam = "redundant-param"
	ReasonDuplicateValue = "duplicate-value"
	ReasonDefaultFilled  = "default-filled"
	ReasonTimestampFill  = "timestamp-filled"
	ReasonTimestampDrift = "timestamp-drift"
	ReasonStalePreview   = "stale-preview"
)

// Input is everything Resolve needs to canonicalize one query.
type Input struct {
	Policy policy.Policy
	Query  url.Values

	CachingEnabled bool

	// HasTimestamp is false when the authoritative timestamp could not be
	// determined (no entity id, store failure). Timestamp checks are skipped then.
	HasTimestamp bool
	Timestamp    int64
}

// Decision is the outcome of Resolve.
type Decision struct {
	Action Action

	// Query is the canonical query: the redirect target for Redirect, the
	// query handed to the renderer for Proceed.
	Query url.Values

	// Reasons lists every repair applied, in the order they were applied.
	Reasons []string

	// Err is set for Fail.
	Err *QueryError

	Validation Result
}

// Resolve computes the canonical form of in.Query. Every repair is folded into
// a single redirect target, so resolving the target again yields Proceed.
func Resolve(in Input) Decision {
	res := Validate(in.Policy, in.Query)
	d := Decision{Validation: res}

	if res.Kind == ValueNotAllowed {
		d.Action = Fail
		d.Err = &QueryError{Kind: ValueNotAllowed, Params: res.NotAllowed}
		return d
	}

	redundant := make(map[string]struct{}, len(res.Redundant))
	for _, name := range res.Redundant {
		redundant[name] = struct{}{}
	}

	canonical := make(url.Values, len(in.Query))
	for name, values := range in.Query {
		if _, drop := redundant[name]; drop {
			continue
		}
		// Duplicates collapse to the first value.
		canonical.Set(name, values[0])
		if len(values) > 1 {
			d.addReason(ReasonDuplicateValue)
		}
	}
	if len(res.Redundant) > 0 {
		d.addReason(ReasonRedundantParam)
	}

	timestampPage := in.Policy.VaryOption == policy.UseEntityChangeTimestamp
	ts := strconv.FormatInt(in.Timestamp, 10)

	var unresolved []string
	for _, name := range res.Missing {
		if timestampPage && name == policy.TimestampParam {
			switch {
			case !in.HasTimestamp:
				// Nothing to substitute; the page renders without a timestamp key.
			case in.CachingEnabled:
				canonical.Set(name, ts)
				d.addReason(ReasonTimestampFill)
			case IsInternal(in.Query):
				// Internally generated requests must carry the timestamp
				// themselves when caching is off.
				unresolved = append(unresolved, name)
			}
			continue
		}
		rule, _ := in.Policy.Rule(name)
		if rule.DefaultValue == "" {
			unresolved = append(unresolved, name)
			continue
		}
		canonical.Set(name, rule.DefaultValue)
		d.addReason(ReasonDefaultFilled)
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		d.Action = Fail
		d.Err = &QueryError{Kind: RequiredParamMissed, Params: unresolved}
		return d
	}

	if in.CachingEnabled {
		// The sentinel is canonical too: every t of a never-invalidated page
		// collapses onto t=0.
		if timestampPage && in.HasTimestamp {
			if cur := canonical.Get(policy.TimestampParam); cur != "" && cur != ts {
				canonical.Set(policy.TimestampParam, ts)
				d.addReason(ReasonTimestampDrift)
			}
		}
		if IsPreviewDisabled(canonical) {
			canonical.Del(policy.PreviewParam)
			d.addReason(ReasonStalePreview)
		}
	}

	d.Query = canonical
	if len(d.Reasons) > 0 {
		d.Action = Redirect
	} else {
		d.Action = Proceed
	}
	return d
}

func (d *Decision) addReason(r string) {
	for _, existing := range d.Reasons {
		if existing == r {
			return
		}
	}
	d.Reasons = append(d.Reasons, r)
}

// Reason returns the first repair applied, or the action name when none was.
func (d Decision) Reason() string {
	if len(d.Reasons) > 0 {
		return d.Reasons[0]
	}
	if d.Err != nil {
		return d.Err.Kind.String()
	}
	return d.Action.String()
}
