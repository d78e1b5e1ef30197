// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"net/netip"

	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/rules"
)

// Validator gates synthesized rules before they reach any adapter.
type Validator struct {
	protected []netip.Prefix
	pinned    []netip.Prefix
	maxScope  map[string]int // per action: minimum prefix bits allowed
}

// NewValidator parses the configured asset lists. Malformed prefixes
// are a startup error, not something to discover at enforcement time.
func NewValidator(cfg *config.OrchestratorConfig) (*Validator, error) {
	v := &Validator{maxScope: cfg.MaxScope}
	var err error
	if v.protected, err = parsePrefixes(cfg.ProtectedAssets); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "protected_assets")
	}
	if v.pinned, err = parsePrefixes(cfg.PinnedAllows); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "pinned_allows")
	}
	return v, nil
}

func parsePrefixes(specs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(specs))
	for _, s := range specs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// restrictive reports whether the action limits traffic.
func restrictive(a rules.Action) bool {
	switch a {
	case rules.Deny, rules.RateLimit, rules.Quarantine:
		return true
	}
	return false
}

// Validate rejects rules that target a protected asset, exceed the
// configured maximum scope, or contradict a pinned allow. Rejections
// are KindValidation errors carrying a "reason" attribute.
func (v *Validator) Validate(r *rules.UniversalRule) error {
	if !restrictive(r.Action) {
		return nil
	}

	if min, ok := v.maxScope[string(r.Action)]; ok {
		if !r.Match.SrcCIDR.IsValid() || r.Match.SrcCIDR.Bits() < min {
			return reject("max_scope", "rule %s is broader than /%d", r.RuleID, min)
		}
	}

	for _, p := range v.protected {
		if overlapsPrefix(r.Match.SrcCIDR, p) || overlapsPrefix(r.Match.DstCIDR, p) {
			return reject("protected_asset", "rule %s targets protected asset %s", r.RuleID, p)
		}
	}

	for _, p := range v.pinned {
		if overlapsPrefix(r.Match.SrcCIDR, p) {
			return reject("pinned_allow", "rule %s contradicts pinned allow %s", r.RuleID, p)
		}
	}
	return nil
}

func overlapsPrefix(a, b netip.Prefix) bool {
	return a.IsValid() && b.IsValid() && a.Overlaps(b)
}

func reject(reason, format string, args ...any) error {
	return errors.Attr(errors.Errorf(errors.KindValidation, format, args...), "reason", reason)
}

// RejectReason extracts the validation reason attribute, "invalid" if
// absent.
func RejectReason(err error) string {
	if r, ok := errors.GetAttributes(err)["reason"].(string); ok {
		return r
	}
	return "invalid"
}
