// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator turns policy decisions into universal firewall
// rules and drives the enforcement adapters through the rule lifecycle.
package orchestrator

import (
	"hash/fnv"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/policy"
	"grimm.is/netsentry/internal/rules"
)

// priorityJitterSpan spreads rules of the same action across a small
// priority range so same-aged rules have a stable total order.
const priorityJitterSpan = 16

// Synthesize maps a decision onto a universal rule. Allow and monitor
// decisions install nothing: allow is the default posture and monitor
// is observation only, so both return (nil, nil).
func Synthesize(dec *policy.Decision, cfg *config.OrchestratorConfig, now time.Time) (*rules.UniversalRule, error) {
	switch dec.Action {
	case policy.ActionAllow, policy.ActionMonitor:
		return nil, nil
	}
	if !dec.Action.Valid() {
		return nil, errors.Errorf(errors.KindValidation, "unknown action %q", dec.Action)
	}

	src, err := netip.ParseAddr(dec.SrcAddr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "decision %s has no enforceable source", dec.DecisionID)
	}
	host := netip.PrefixFrom(src, src.BitLen())

	r := &rules.UniversalRule{
		RuleID:            uuid.NewString(),
		Priority:          priorityFor(dec, cfg),
		TTL:               ttlFor(dec, cfg),
		OriginDecisionRef: dec.DecisionID,
		CreatedAt:         now.UTC(),
	}

	switch dec.Action {
	case policy.ActionDeny:
		// Deny narrows to the offending source host.
		r.Action = rules.Deny
		r.Match = rules.Match{SrcCIDR: host}
	case policy.ActionQuarantineShort, policy.ActionQuarantineLong:
		// Quarantine isolates the whole host; adapters mirror the
		// match onto the return direction.
		r.Action = rules.Quarantine
		r.Match = rules.Match{SrcCIDR: host}
	case policy.ActionRateLimitLow, policy.ActionRateLimitMed, policy.ActionRateLimitHigh:
		r.Action = rules.RateLimit
		r.RatePPS = dec.Parameters.RatePPS
		if r.RatePPS == 0 {
			r.RatePPS = dec.Action.RatePPS()
		}
		r.Match = rules.Match{SrcCIDR: host, Protocol: dec.Protocol}
		if dec.DstPort != 0 {
			r.Match.DstPorts = []uint16{dec.DstPort}
		}
	}
	return r, nil
}

// priorityFor is base_priority[action family] plus a deterministic
// jitter from the decision id, clamped to the uint16 priority space.
func priorityFor(dec *policy.Decision, cfg *config.OrchestratorConfig) uint16 {
	base := cfg.ActionPriority[dec.Action.Family()]
	h := fnv.New32a()
	h.Write([]byte(dec.DecisionID))
	p := base + int(h.Sum32()%priorityJitterSpan)
	if p < 0 {
		p = 0
	}
	if p > 65535 {
		p = 65535
	}
	return uint16(p)
}

// ttlFor resolves the rule lifetime: quarantine variants have their own
// table entries, rate limit variants share one, and an unset table entry
// falls back to the action's canonical duration.
func ttlFor(dec *policy.Decision, cfg *config.OrchestratorConfig) time.Duration {
	key := string(dec.Action)
	if dec.Action.Family() == "rate_limit" {
		key = "rate_limit"
	}
	if s, ok := cfg.TTL[key]; ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if d := dec.Action.QuarantineDuration(); d > 0 {
		return d
	}
	if dec.Parameters.Duration > 0 {
		return dec.Parameters.Duration
	}
	return 0
}
