// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting delivers operator notifications for enforcement
// events. Delivery is best effort and never backpressures the
// pipeline: a full queue drops the alert and counts it.
package alerting

import (
	"time"

	"grimm.is/netsentry/internal/policy"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank orders severities for channel minimum filtering.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// SeverityFor derives alert severity from the enforcement action:
// traffic-destroying actions are critical, throttling warns, the rest
// informs.
func SeverityFor(action policy.Action) Severity {
	switch action.Family() {
	case "deny", "quarantine":
		return SeverityCritical
	case "rate_limit":
		return SeverityWarning
	}
	return SeverityInfo
}

// Alert is one operator notification.
type Alert struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Action      string    `json:"action,omitempty"`
	SrcAddr     string    `json:"src_addr,omitempty"`
	DetectionID string    `json:"detection_id,omitempty"`
	RuleID      string    `json:"rule_id,omitempty"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
	Data        any       `json:"data,omitempty"`
}
