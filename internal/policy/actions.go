// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy maps detections to enforcement actions.
package policy

import "time"

// Action is one of the fixed enforcement actions. The rate and
// quarantine variants are distinct actions so the agent artifact can
// weight them independently.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRateLimitLow    Action = "rate_limit_low"
	ActionRateLimitMed    Action = "rate_limit_med"
	ActionRateLimitHigh   Action = "rate_limit_high"
	ActionQuarantineShort Action = "quarantine_short"
	ActionQuarantineLong  Action = "quarantine_long"
	ActionMonitor         Action = "monitor"
)

// Actions lists the full action set in a stable order.
var Actions = []Action{
	ActionAllow,
	ActionDeny,
	ActionRateLimitLow,
	ActionRateLimitMed,
	ActionRateLimitHigh,
	ActionQuarantineShort,
	ActionQuarantineLong,
	ActionMonitor,
}

// Valid reports whether a is in the action set.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Family collapses the variants for conflict detection: two rate limits
// on the same match are the same family, a deny and an allow are not.
func (a Action) Family() string {
	switch a {
	case ActionRateLimitLow, ActionRateLimitMed, ActionRateLimitHigh:
		return "rate_limit"
	case ActionQuarantineShort, ActionQuarantineLong:
		return "quarantine"
	default:
		return string(a)
	}
}

// RatePPS returns the packets-per-second cap for rate-limit actions,
// 0 otherwise. A tighter cap corresponds to a more severe verdict.
func (a Action) RatePPS() int {
	switch a {
	case ActionRateLimitLow:
		return 1000
	case ActionRateLimitMed:
		return 100
	case ActionRateLimitHigh:
		return 10
	}
	return 0
}

// QuarantineDuration returns the isolation span for quarantine actions,
// 0 otherwise.
func (a Action) QuarantineDuration() time.Duration {
	switch a {
	case ActionQuarantineShort:
		return time.Hour
	case ActionQuarantineLong:
		return 24 * time.Hour
	}
	return 0
}

// Parameters carries action-specific knobs on a Decision.
type Parameters struct {
	RatePPS  int           `json:"rate_pps,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ParametersFor returns the canonical parameters for an action.
func ParametersFor(a Action) Parameters {
	return Parameters{
		RatePPS:  a.RatePPS(),
		Duration: a.QuarantineDuration(),
	}
}

// Decision is the agent's output for one detection. Immutable.
type Decision struct {
	DecisionID  string     `json:"decision_id"`
	DetectionID string     `json:"detection_id"`
	Action      Action     `json:"action"`
	Parameters  Parameters `json:"parameters"`
	Confidence  float64    `json:"confidence"`
	AgentID     string     `json:"agent_id"`
	SrcAddr     string     `json:"src_addr,omitempty"`
	DstAddr     string     `json:"dst_addr,omitempty"`
	DstPort     uint16     `json:"dst_port,omitempty"`
	Protocol    string     `json:"protocol,omitempty"`
	DecidedAt   time.Time  `json:"decided_at"`
}
