// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline wires the detection stages together: feature
// vectors come off the bus, flow through the ensemble, the policy
// agent, and the orchestrator, and every decision lands in the audit
// trail. Offsets commit only after the audit write, so a crash replays
// rather than loses work; replays collapse in the orchestrator.
package pipeline

import (
	"context"
	"time"

	"grimm.is/netsentry/internal/alerting"
	"grimm.is/netsentry/internal/audit"
	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/orchestrator"
	"grimm.is/netsentry/internal/policy"
	"grimm.is/netsentry/internal/rules"
)

// Outcome is the result of pushing one vector through the full chain.
type Outcome struct {
	Detection *detect.Detection        `json:"detection"`
	Decision  *policy.Decision         `json:"decision,omitempty"`
	Rule      *orchestrator.RuleStatus `json:"rule,omitempty"`
}

// Pipeline owns the detect-decide-apply chain.
type Pipeline struct {
	bus      bus.Bus
	ensemble *detect.Ensemble
	agent    *policy.Agent
	orch     *orchestrator.Orchestrator
	trail    *audit.Store
	alerts   *alerting.Engine
	metrics  *metrics.Metrics
	logger   *logging.Logger

	now func() time.Time
}

// New wires the pipeline. The alerting engine may be nil when alerting
// is disabled.
func New(b bus.Bus, ens *detect.Ensemble, agent *policy.Agent, orch *orchestrator.Orchestrator,
	trail *audit.Store, alerts *alerting.Engine, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		bus:      b,
		ensemble: ens,
		agent:    agent,
		orch:     orch,
		trail:    trail,
		alerts:   alerts,
		metrics:  m,
		logger:   logging.WithComponent("pipeline"),
		now:      time.Now,
	}
	orch.SetNotifier(p.onRuleEvent)
	return p
}

// Run consumes the features topic until the context ends.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.bus.Subscribe(ctx, bus.TopicFeatures, "pipeline", func(ctx context.Context, msg bus.Message) error {
		vec, err := features.UnmarshalVector(msg.Payload)
		if err != nil {
			// Malformed payloads never become parseable; drop and count.
			p.metrics.RecordsDropped.WithLabelValues("pipeline").Inc()
			p.logger.Warn("Dropping undecodable feature vector", "error", err)
			return nil
		}
		_, err = p.Process(ctx, vec)
		if err != nil && errors.IsRetryable(err) {
			return err // redeliver
		}
		return nil
	})
}

// Process runs one vector through detection, decision, enforcement and
// audit. Degraded detections decide monitor and install nothing; the
// audit record is written in every path.
func (p *Pipeline) Process(ctx context.Context, vec *features.FeatureVector) (*Outcome, error) {
	stages := map[string]time.Time{"received": p.now().UTC()}

	det, err := p.ensemble.Detect(ctx, vec)
	if err != nil {
		p.metrics.RecordsDropped.WithLabelValues("detect").Inc()
		return nil, err
	}
	stages["detected"] = p.now().UTC()

	dec, err := p.agent.Decide(ctx, det, policy.Context{Now: p.now()})
	if err != nil {
		return &Outcome{Detection: det}, err
	}
	stages["decided"] = p.now().UTC()

	out := &Outcome{Detection: det, Decision: dec}

	status, applyErr := p.orch.HandleDecision(ctx, dec)
	if status != nil {
		stages["applied"] = p.now().UTC()
		out.Rule = status
	}

	p.append(det, dec, status, applyErr, stages)
	p.alertFor(det, dec, status, applyErr)

	if applyErr != nil && errors.GetKind(applyErr) != errors.KindValidation &&
		errors.GetKind(applyErr) != errors.KindConflict {
		return out, applyErr
	}
	return out, nil
}

func (p *Pipeline) append(det *detect.Detection, dec *policy.Decision,
	status *orchestrator.RuleStatus, applyErr error, stages map[string]time.Time) {
	rec := &audit.Record{
		DetectionID: det.DetectionID,
		SrcAddr:     det.Vector.Context.SrcAddr,
		Label:       string(det.AggregateLabel),
		Score:       audit.Score(det.AggregateScore),
		Detection:   det,
		Stages:      stages,
	}
	if dec != nil {
		rec.DecisionID = dec.DecisionID
		rec.Action = string(dec.Action)
		rec.Decision = dec
	}
	if status != nil {
		rec.RuleID = status.Rule.RuleID
		rec.Rule = status.Rule
		rec.RuleState = status.State
		rec.Outcomes = status.Outcomes
	}
	if applyErr != nil {
		rec.Reason = errors.GetKind(applyErr).String()
	}
	if err := p.trail.Append(rec); err != nil {
		p.logger.Error("Audit append failed", "detection", det.DetectionID, "error", err)
	}
}

func (p *Pipeline) alertFor(det *detect.Detection, dec *policy.Decision,
	status *orchestrator.RuleStatus, applyErr error) {
	if p.alerts == nil || dec == nil {
		return
	}

	severity := alerting.SeverityFor(dec.Action)
	message := "policy decision " + string(dec.Action)
	switch {
	case applyErr != nil && errors.GetKind(applyErr) == errors.KindValidation:
		severity, message = alerting.SeverityWarning, "rule rejected at validation"
	case status != nil && status.State == rules.StateFailed:
		severity, message = alerting.SeverityCritical, "rule failed on all adapters"
	case severity == alerting.SeverityInfo:
		// Allow and monitor decisions are audit-only.
		return
	}

	alert := alerting.Alert{
		Severity:    severity,
		Action:      string(dec.Action),
		SrcAddr:     det.Vector.Context.SrcAddr,
		DetectionID: det.DetectionID,
		Message:     message,
	}
	if status != nil {
		alert.RuleID = status.Rule.RuleID
	}
	p.alerts.Publish(alert)
}

// onRuleEvent records lifecycle edges that happen outside a decision's
// synchronous path, such as TTL expiry and operator rollback.
func (p *Pipeline) onRuleEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventStateChange:
		if ev.State != rules.StateExpired && ev.State != rules.StateRolledBack {
			return
		}
	case orchestrator.EventValidationReject, orchestrator.EventConflict:
		// Decision-path rejects are captured by the synchronous audit
		// record; only operator-submitted rules land here.
		if ev.Decision != nil {
			return
		}
	default:
		return
	}

	rec := &audit.Record{
		DetectionID: "rule:" + ev.Rule.RuleID,
		RuleID:      ev.Rule.RuleID,
		Rule:        ev.Rule,
		RuleState:   ev.State,
		Outcomes:    ev.Outcomes,
		Action:      string(ev.Rule.Action),
		Reason:      ev.Reason,
		CreatedAt:   ev.At,
	}
	if ev.Decision != nil {
		rec.DetectionID = ev.Decision.DetectionID
		rec.DecisionID = ev.Decision.DecisionID
	}
	if err := p.trail.Append(rec); err != nil {
		p.logger.Error("Audit append failed", "rule", ev.Rule.RuleID, "error", err)
	}
}

// Detect runs the ensemble only; the API uses it for one-shot scoring
// under a request budget.
func (p *Pipeline) Detect(ctx context.Context, vec *features.FeatureVector) (*detect.Detection, error) {
	return p.ensemble.Detect(ctx, vec)
}

// Decide runs the agent on an existing detection without enforcement.
func (p *Pipeline) Decide(ctx context.Context, det *detect.Detection) (*policy.Decision, error) {
	return p.agent.Decide(ctx, det, policy.Context{Now: p.now()})
}

// Orchestrator exposes the rule surface for the API.
func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator { return p.orch }

// Audit exposes the trail for the API.
func (p *Pipeline) Audit() *audit.Store { return p.trail }
