package segment

import (
	"time"

	"github.com/karibucrm/campaign-engine/internal/model"
)

// Matches reports whether the customer belongs to the audience defined by
// the rule set. Rules are folded left to right, each rule joined to the
// accumulated result by its declared conjunction (the first rule's
// conjunction is ignored). An empty rule set matches nobody.
func Matches(c model.Customer, rules []model.Rule) bool {
	if len(rules) == 0 {
		return false
	}
	result := matchRule(c, rules[0])
	for _, r := range rules[1:] {
		if r.Conjunction == model.ConjunctionOr {
			result = result || matchRule(c, r)
		} else {
			result = result && matchRule(c, r)
		}
	}
	return result
}

// matchRule fails closed: unknown operators and unresolvable field values
// evaluate to false.
func matchRule(c model.Customer, r model.Rule) bool {
	have, ok := fieldValue(c, r.Field)
	if !ok {
		return false
	}
	switch r.Operator {
	case model.OpGreater:
		cmp, ok := compare(have, r.Value)
		return ok && cmp > 0
	case model.OpLess:
		cmp, ok := compare(have, r.Value)
		return ok && cmp < 0
	case model.OpGreaterOrEqual:
		cmp, ok := compare(have, r.Value)
		return ok && cmp >= 0
	case model.OpLessOrEqual:
		cmp, ok := compare(have, r.Value)
		return ok && cmp <= 0
	case model.OpEqual:
		return equals(have, r.Value)
	case model.OpNotEqual:
		return !equals(have, r.Value)
	case model.OpBetween:
		bounds, ok := r.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, okLo := compare(have, bounds[0])
		hi, okHi := compare(have, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	default:
		return false
	}
}

func fieldValue(c model.Customer, f model.RuleField) (any, bool) {
	switch f {
	case model.FieldTotalSpent:
		return c.TotalSpent, true
	case model.FieldTotalOrders:
		return c.TotalOrders, true
	case model.FieldLastPurchaseDate:
		if c.LastPurchaseDate == nil {
			return nil, false
		}
		return *c.LastPurchaseDate, true
	case model.FieldCustomerSegment:
		return c.CustomerSegment, true
	default:
		return nil, false
	}
}

// compare orders the customer value against the rule value: -1, 0 or 1.
// Dates order as timestamps, everything else numerically.
func compare(have, want any) (int, bool) {
	if t, ok := have.(time.Time); ok {
		w, ok := asTime(want)
		if !ok {
			return 0, false
		}
		switch {
		case t.Before(w):
			return -1, true
		case t.After(w):
			return 1, true
		default:
			return 0, true
		}
	}
	h, okH := asFloat(have)
	w, okW := asFloat(want)
	if !okH || !okW {
		return 0, false
	}
	switch {
	case h < w:
		return -1, true
	case h > w:
		return 1, true
	default:
		return 0, true
	}
}

func equals(have, want any) bool {
	if h, ok := have.(string); ok {
		w, ok := want.(string)
		return ok && h == w
	}
	if t, ok := have.(time.Time); ok {
		w, ok := asTime(want)
		return ok && t.Equal(w)
	}
	cmp, ok := compare(have, want)
	return ok && cmp == 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// asTime accepts time values directly or RFC 3339 / YYYY-MM-DD strings,
// which is how rule values arrive from JSON.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
