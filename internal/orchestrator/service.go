// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"sync"
	"time"

	"grimm.is/netsentry/internal/adapters"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/policy"
	"grimm.is/netsentry/internal/rules"
)

// Event is emitted at every rule lifecycle edge so the audit trail and
// alerting can observe the orchestrator without being in its call path.
type Event struct {
	Type     string                 `json:"type"`
	Decision *policy.Decision       `json:"decision,omitempty"`
	Rule     *rules.UniversalRule   `json:"rule,omitempty"`
	State    rules.Lifecycle        `json:"state,omitempty"`
	Outcomes []rules.AdapterOutcome `json:"outcomes,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	At       time.Time              `json:"at"`
}

// Event types.
const (
	EventStateChange      = "state_change"
	EventValidationReject = "validation_reject"
	EventConflict         = "conflict"
)

// Orchestrator owns the rule state table and the adapter fan-out.
type Orchestrator struct {
	cfg       *config.OrchestratorConfig
	store     *Store
	validator *Validator
	backends  []adapters.Adapter
	metrics   *metrics.Metrics
	logger    *logging.Logger

	notify func(Event)
	now    func() time.Time
}

// New builds the orchestrator over the given enforcement backends.
func New(cfg *config.OrchestratorConfig, backends []adapters.Adapter, m *metrics.Metrics) (*Orchestrator, error) {
	v, err := NewValidator(cfg)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     NewStore(),
		validator: v,
		backends:  backends,
		metrics:   m,
		logger:    logging.WithComponent("orchestrator"),
		notify:    func(Event) {},
		now:       time.Now,
	}, nil
}

// SetNotifier installs the lifecycle event observer. Must be called
// before the orchestrator starts handling decisions.
func (o *Orchestrator) SetNotifier(fn func(Event)) {
	if fn != nil {
		o.notify = fn
	}
}

// HandleDecision synthesizes, validates, and applies the rule for one
// decision. Allow and monitor decisions return (nil, nil): they are
// audited upstream but install nothing. Replaying a decision that
// already has a live rule returns that rule unchanged.
func (o *Orchestrator) HandleDecision(ctx context.Context, dec *policy.Decision) (*RuleStatus, error) {
	r, err := Synthesize(dec, o.cfg, o.now())
	if err != nil || r == nil {
		return nil, err
	}

	if existing, ok := o.store.ByOrigin(dec.DecisionID); ok {
		return existing, nil
	}

	status, err := o.apply(ctx, dec, r)
	if err != nil {
		return status, err
	}
	return status, nil
}

// ApplyRule validates and applies a pre-built rule. This is the
// synchronous operator surface; HandleDecision funnels into it.
func (o *Orchestrator) ApplyRule(ctx context.Context, r *rules.UniversalRule) (*RuleStatus, error) {
	return o.apply(ctx, nil, r)
}

func (o *Orchestrator) apply(ctx context.Context, dec *policy.Decision, r *rules.UniversalRule) (*RuleStatus, error) {
	if err := o.validator.Validate(r); err != nil {
		reason := RejectReason(err)
		o.metrics.ValidationRejects.WithLabelValues(reason).Inc()
		o.logger.Warn("Rule rejected at validation", "rule", r.RuleID, "reason", reason)
		o.notify(Event{Type: EventValidationReject, Decision: dec, Rule: r, Reason: reason, At: o.now()})
		return nil, err
	}

	if status, resolved, err := o.resolveConflicts(ctx, dec, r); resolved {
		return status, err
	}

	o.metrics.RulesSynthesized.Inc()
	o.store.Insert(r, o.now())
	o.transition(dec, r, rules.StatePending)

	return o.dispatchApply(ctx, dec, r)
}

// resolveConflicts implements the three-way conflict policy against
// the active rule set. It returns resolved=true when the candidate was
// consumed (deduped or superseded) without a fresh apply.
func (o *Orchestrator) resolveConflicts(ctx context.Context, dec *policy.Decision, r *rules.UniversalRule) (*RuleStatus, bool, error) {
	for _, active := range o.store.ActiveIntersecting(r.Match) {
		if !active.Rule.Match.Equal(r.Match) {
			// Overlapping but distinct matches coexist; the adapters
			// order them by priority.
			o.metrics.RuleConflicts.WithLabelValues("coexist").Inc()
			o.notify(Event{Type: EventConflict, Decision: dec, Rule: r, Reason: "coexist", At: o.now()})
			continue
		}

		if active.Rule.Action == r.Action {
			// Identical match and action: keep the installed rule,
			// extend its lifetime.
			o.store.BumpExpiry(active.Rule.RuleID, r.TTL, o.now())
			o.metrics.RuleConflicts.WithLabelValues("dedupe").Inc()
			o.notify(Event{Type: EventConflict, Decision: dec, Rule: active.Rule, Reason: "dedupe", At: o.now()})
			status, err := o.store.Get(active.Rule.RuleID)
			return status, true, err
		}

		// Identical match, conflicting action: lower priority number
		// wins. The loser is rolled back; on supersede the adapters
		// see the remove before the add.
		if r.Priority < active.Rule.Priority {
			o.metrics.RuleConflicts.WithLabelValues("superseded").Inc()
			o.notify(Event{Type: EventConflict, Decision: dec, Rule: active.Rule, Reason: "superseded", At: o.now()})
			if err := o.rollback(ctx, active); err != nil {
				o.logger.Warn("Superseded rule rollback incomplete", "rule", active.Rule.RuleID, "error", err)
			}
			continue
		}

		o.metrics.RuleConflicts.WithLabelValues("rejected").Inc()
		o.notify(Event{Type: EventConflict, Decision: dec, Rule: r, Reason: "rejected", At: o.now()})
		return nil, true, errors.Attr(
			errors.Errorf(errors.KindConflict, "rule %s loses to active rule %s", r.RuleID, active.Rule.RuleID),
			"winner", active.Rule.RuleID)
	}
	return nil, false, nil
}

// dispatchApply fans the rule out to every backend in parallel, with
// bounded per-backend retry. Any single success activates the rule.
func (o *Orchestrator) dispatchApply(ctx context.Context, dec *policy.Decision, r *rules.UniversalRule) (*RuleStatus, error) {
	o.setState(dec, r, rules.StateApplying)

	var wg sync.WaitGroup
	succeeded := make([]bool, len(o.backends))
	for i, backend := range o.backends {
		wg.Add(1)
		go func(i int, backend adapters.Adapter) {
			defer wg.Done()
			succeeded[i] = o.applyOne(ctx, backend, r)
		}(i, backend)
	}
	wg.Wait()

	anyOK := false
	for _, ok := range succeeded {
		anyOK = anyOK || ok
	}

	if anyOK {
		o.setState(dec, r, rules.StateActive)
	} else {
		o.setState(dec, r, rules.StateFailed)
		o.logger.Error("Rule failed on all adapters", "rule", r.RuleID, "action", string(r.Action))
	}

	status, err := o.store.Get(r.RuleID)
	if err != nil {
		return nil, err
	}
	if !anyOK {
		return status, errors.Errorf(errors.KindUnavailable, "rule %s failed on all adapters", r.RuleID)
	}
	return status, nil
}

// applyOne drives one backend through retry. Transient and unreachable
// outcomes retry with exponential backoff; permanent outcomes give up
// immediately. Every attempt's outcome lands in the status record.
func (o *Orchestrator) applyOne(ctx context.Context, backend adapters.Adapter, r *rules.UniversalRule) bool {
	maxAttempts := o.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.store.AddAttempt(r.RuleID)
		nativeID, err := backend.Apply(ctx, r)
		outcome := adapters.OutcomeFor(err)
		o.metrics.AdapterOutcomes.WithLabelValues(backend.Name(), string(outcome)).Inc()
		o.store.RecordOutcome(r.RuleID, rules.AdapterOutcome{
			Adapter:  backend.Name(),
			Outcome:  outcome,
			NativeID: nativeID,
			Detail:   detailOf(err),
			At:       o.now(),
		})

		switch outcome {
		case rules.OutcomeOK:
			return true
		case rules.OutcomePermanent:
			o.logger.Warn("Adapter rejected rule", "adapter", backend.Name(), "rule", r.RuleID, "error", err)
			return false
		}

		if attempt == maxAttempts {
			o.logger.Warn("Adapter retries exhausted", "adapter", backend.Name(), "rule", r.RuleID)
			return false
		}
		o.metrics.ApplyRetries.Inc()
		if !o.sleep(ctx, o.backoff(attempt)) {
			return false
		}
	}
	return false
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// backoff is base * 2^(attempt-1), capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := time.Duration(o.cfg.Retry.BaseMS) * time.Millisecond
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << (attempt - 1)
	if max := time.Duration(o.cfg.Retry.MaxMS) * time.Millisecond; max > 0 && d > max {
		d = max
	}
	return d
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Rollback removes a rule from every backend it reached, addressed by
// rule id or origin decision reference. Honored from any state except
// expired.
func (o *Orchestrator) Rollback(ctx context.Context, ref string) error {
	status, err := o.store.Get(ref)
	if err != nil {
		found := false
		for _, s := range o.store.List(Filter{Origin: ref}) {
			if s.State == rules.StateExpired || s.State == rules.StateRolledBack {
				continue
			}
			status, found = s, true
			break
		}
		if !found {
			return errors.Errorf(errors.KindNotFound, "no rule for %q", ref)
		}
	}
	if status.State == rules.StateExpired {
		return errors.Errorf(errors.KindConflict, "rule %s already expired", status.Rule.RuleID)
	}
	return o.rollback(ctx, status)
}

func (o *Orchestrator) rollback(ctx context.Context, status *RuleStatus) error {
	err := o.removeFromBackends(ctx, status)
	o.setState(nil, status.Rule, rules.StateRolledBack)
	o.metrics.RulesRolledBack.Inc()
	return err
}

// removeFromBackends undoes the rule on every backend that reported a
// native id. Remove errors are recorded but do not block the state
// transition; the expiry scanner re-drives removes for expired rules.
func (o *Orchestrator) removeFromBackends(ctx context.Context, status *RuleStatus) error {
	var firstErr error
	for _, backend := range o.backends {
		nativeID, ok := status.NativeIDs[backend.Name()]
		if !ok {
			continue
		}
		err := backend.Remove(ctx, nativeID)
		outcome := adapters.OutcomeFor(err)
		o.metrics.AdapterOutcomes.WithLabelValues(backend.Name(), string(outcome)).Inc()
		o.store.RecordOutcome(status.Rule.RuleID, rules.AdapterOutcome{
			Adapter: backend.Name(),
			Outcome: outcome,
			Detail:  detailOf(err),
			At:      o.now(),
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run drives the expiry scanner until the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.cfg.ExpiryIntervalDuration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ExpireDue(ctx)
		}
	}
}

// ExpireDue transitions every overdue active rule to expired and
// dispatches the adapter removes. Exposed for deterministic tests.
func (o *Orchestrator) ExpireDue(ctx context.Context) int {
	due := o.store.ExpiredActive(o.now())
	for _, status := range due {
		if err := o.removeFromBackends(ctx, status); err != nil {
			o.logger.Warn("Expiry remove incomplete", "rule", status.Rule.RuleID, "error", err)
		}
		o.setState(nil, status.Rule, rules.StateExpired)
		o.metrics.RulesExpired.Inc()
	}
	return len(due)
}

// GetRule returns the status for one rule id.
func (o *Orchestrator) GetRule(ruleID string) (*RuleStatus, error) {
	return o.store.Get(ruleID)
}

// ListRules returns rule statuses matching the filter.
func (o *Orchestrator) ListRules(f Filter) []*RuleStatus {
	return o.store.List(f)
}

func (o *Orchestrator) setState(dec *policy.Decision, r *rules.UniversalRule, state rules.Lifecycle) {
	if err := o.store.SetState(r.RuleID, state, o.now()); err != nil {
		return
	}
	o.transition(dec, r, state)
}

func (o *Orchestrator) transition(dec *policy.Decision, r *rules.UniversalRule, state rules.Lifecycle) {
	status, err := o.store.Get(r.RuleID)
	var outcomes []rules.AdapterOutcome
	if err == nil {
		outcomes = status.Outcomes
	}
	o.notify(Event{
		Type:     EventStateChange,
		Decision: dec,
		Rule:     r,
		State:    state,
		Outcomes: outcomes,
		At:       o.now(),
	})
	o.logger.Debug("Rule state", "rule", r.RuleID, "state", string(state))
}
