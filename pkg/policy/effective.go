package policy

import (
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/token"
)

// effectivePolicy is the manifest narrowed by a capability token. A token
// can only restrict: allowed sets intersect, caps take the minimum,
// denylists union.
type effectivePolicy struct {
	AllowedActionTypes map[string]struct{}
	AllowedTools       map[string]struct{}
	Constraints        contracts.Constraints
}

func effectiveFromManifest(m *contracts.Manifest) *effectivePolicy {
	return &effectivePolicy{
		AllowedActionTypes: toSet(m.AllowedActionTypes),
		AllowedTools:       toSet(m.AllowedTools),
		Constraints:        m.Constraints,
	}
}

// narrow applies a verified capability token's claims to the policy.
func (e *effectivePolicy) narrow(c *token.CapabilityClaims) {
	if c.AllowedActionTypes != nil {
		e.AllowedActionTypes = intersect(e.AllowedActionTypes, toSet(c.AllowedActionTypes))
	}
	if c.AllowedTools != nil {
		e.AllowedTools = intersect(e.AllowedTools, toSet(c.AllowedTools))
	}
	if c.Constraints == nil {
		return
	}
	tc := c.Constraints

	if tc.MaxActionsPerDay != nil {
		if e.Constraints.MaxActionsPerDay == nil {
			e.Constraints.MaxActionsPerDay = tc.MaxActionsPerDay
		} else {
			merged := make(map[string]int64, len(e.Constraints.MaxActionsPerDay))
			for k, v := range e.Constraints.MaxActionsPerDay {
				merged[k] = v
			}
			for k, v := range tc.MaxActionsPerDay {
				if cur, ok := merged[k]; !ok || v < cur {
					merged[k] = v
				}
			}
			e.Constraints.MaxActionsPerDay = merged
		}
	}

	if tc.AmountCaps != nil {
		if e.Constraints.AmountCaps == nil {
			e.Constraints.AmountCaps = tc.AmountCaps
		} else {
			merged := make(map[string]decimal.Decimal, len(e.Constraints.AmountCaps))
			for k, v := range e.Constraints.AmountCaps {
				merged[k] = v
			}
			for k, v := range tc.AmountCaps {
				if cur, ok := merged[k]; !ok || v.LessThan(cur) {
					merged[k] = v
				}
			}
			e.Constraints.AmountCaps = merged
		}
	}

	if tc.CounterpartyAllowlist != nil {
		if e.Constraints.CounterpartyAllowlist == nil {
			e.Constraints.CounterpartyAllowlist = tc.CounterpartyAllowlist
		} else {
			both := intersect(toSet(e.Constraints.CounterpartyAllowlist), toSet(tc.CounterpartyAllowlist))
			e.Constraints.CounterpartyAllowlist = fromSet(both)
		}
	}
	if tc.CounterpartyDenylist != nil {
		e.Constraints.CounterpartyDenylist = append(
			e.Constraints.CounterpartyDenylist, tc.CounterpartyDenylist...)
	}
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func fromSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
