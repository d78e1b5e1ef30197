// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules defines the vendor-neutral firewall rule model shared
// by the orchestrator and the enforcement adapters.
package rules

import (
	"net/netip"
	"time"
)

// Action is the rule-level action family. Rate and quarantine carry
// their parameters on the rule itself.
type Action string

const (
	Allow      Action = "allow"
	Deny       Action = "deny"
	RateLimit  Action = "rate_limit"
	Quarantine Action = "quarantine"
	Monitor    Action = "monitor"
)

// Outcome codes are stable wire values reported per adapter.
type Outcome string

const (
	OutcomeOK          Outcome = "OK"
	OutcomeTransient   Outcome = "TRANSIENT"
	OutcomePermanent   Outcome = "PERMANENT"
	OutcomeUnreachable Outcome = "UNREACHABLE"
)

// Lifecycle is the orchestrator-tracked rule state.
type Lifecycle string

const (
	StatePending    Lifecycle = "pending"
	StateApplying   Lifecycle = "applying"
	StateActive     Lifecycle = "active"
	StateFailed     Lifecycle = "failed"
	StateExpired    Lifecycle = "expired"
	StateRolledBack Lifecycle = "rolled_back"
)

// Match is the traffic selector of a universal rule. Zero-valued
// fields are wildcards.
type Match struct {
	SrcCIDR  netip.Prefix `json:"src_cidr,omitempty"`
	DstCIDR  netip.Prefix `json:"dst_cidr,omitempty"`
	Protocol string       `json:"protocol,omitempty"`
	DstPorts []uint16     `json:"dst_ports,omitempty"`
	SrcPorts []uint16     `json:"src_ports,omitempty"`
}

// Equal reports whether two matches select exactly the same traffic.
func (m Match) Equal(o Match) bool {
	return m.SrcCIDR == o.SrcCIDR &&
		m.DstCIDR == o.DstCIDR &&
		m.Protocol == o.Protocol &&
		portsEqual(m.DstPorts, o.DstPorts) &&
		portsEqual(m.SrcPorts, o.SrcPorts)
}

// Intersects reports whether the two matches can select a common
// packet. Wildcard fields intersect everything.
func (m Match) Intersects(o Match) bool {
	return prefixesIntersect(m.SrcCIDR, o.SrcCIDR) &&
		prefixesIntersect(m.DstCIDR, o.DstCIDR) &&
		protocolsIntersect(m.Protocol, o.Protocol) &&
		portsIntersect(m.DstPorts, o.DstPorts) &&
		portsIntersect(m.SrcPorts, o.SrcPorts)
}

// Key canonicalizes the match for dedup lookups.
func (m Match) Key() string {
	k := m.SrcCIDR.String() + ">" + m.DstCIDR.String() + "/" + m.Protocol
	for _, p := range m.DstPorts {
		k += ":" + itoa(p)
	}
	for _, p := range m.SrcPorts {
		k += ";" + itoa(p)
	}
	return k
}

func prefixesIntersect(a, b netip.Prefix) bool {
	if !a.IsValid() || !b.IsValid() {
		return true // wildcard
	}
	return a.Overlaps(b)
}

func protocolsIntersect(a, b string) bool {
	return a == "" || b == "" || a == b
}

func portsIntersect(a, b []uint16) bool {
	if len(a) == 0 || len(b) == 0 {
		return true // wildcard
	}
	set := make(map[uint16]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

func portsEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// UniversalRule is the vendor-neutral enforcement record. Immutable
// after acceptance; lifecycle lives in the orchestrator's state table.
type UniversalRule struct {
	RuleID            string        `json:"rule_id"`
	Match             Match         `json:"match"`
	Action            Action        `json:"action"`
	RatePPS           int           `json:"rate_pps,omitempty"`  // rate_limit only
	Priority          uint16        `json:"priority"`            // lower wins
	TTL               time.Duration `json:"ttl,omitempty"`
	OriginDecisionRef string        `json:"origin_decision_ref"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Expired reports whether the rule's TTL has elapsed at now.
func (r *UniversalRule) Expired(now time.Time) bool {
	return r.TTL > 0 && now.After(r.CreatedAt.Add(r.TTL))
}

// AdapterOutcome is one adapter's result for one rule operation.
type AdapterOutcome struct {
	Adapter  string    `json:"adapter"`
	Outcome  Outcome   `json:"outcome"`
	NativeID string    `json:"native_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
