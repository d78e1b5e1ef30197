// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netsentry/internal/adapters"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/policy"
	"grimm.is/netsentry/internal/rules"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []rules.Lifecycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []rules.Lifecycle
	for _, ev := range l.events {
		if ev.Type == EventStateChange {
			out = append(out, ev.State)
		}
	}
	return out
}

func newOrch(t *testing.T, cfg *config.OrchestratorConfig, backends ...adapters.Adapter) (*Orchestrator, *metrics.Metrics, *eventLog) {
	t.Helper()
	m := metrics.NewMetrics()
	o, err := New(cfg, backends, m)
	require.NoError(t, err)
	log := &eventLog{}
	o.SetNotifier(log.add)
	return o, m, log
}

func TestHandleDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	sim := adapters.NewSim("sim")
	o, m, log := newOrch(t, testCfg(), sim)

	status, err := o.HandleDecision(ctx, testDec("d1", policy.ActionDeny, "203.0.113.7"))
	require.NoError(t, err)
	require.NotNil(t, status)

	assert.Equal(t, rules.StateActive, status.State)
	assert.Equal(t, []rules.Lifecycle{
		rules.StatePending, rules.StateApplying, rules.StateActive,
	}, log.states())

	_, installed := sim.Installed(status.Rule.RuleID)
	assert.True(t, installed)
	require.Len(t, status.Outcomes, 1)
	assert.Equal(t, rules.OutcomeOK, status.Outcomes[0].Outcome)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RulesSynthesized))
}

func TestHandleDecisionIdempotent(t *testing.T) {
	ctx := context.Background()
	sim := adapters.NewSim("sim")
	o, _, _ := newOrch(t, testCfg(), sim)

	dec := testDec("d1", policy.ActionDeny, "203.0.113.7")
	first, err := o.HandleDecision(ctx, dec)
	require.NoError(t, err)
	second, err := o.HandleDecision(ctx, dec)
	require.NoError(t, err)

	assert.Equal(t, first.Rule.RuleID, second.Rule.RuleID)
	applies, _ := sim.Counts()
	assert.Equal(t, 1, applies, "replaying a decision must not re-apply")
	assert.Len(t, o.ListRules(Filter{State: rules.StateActive}), 1)
}

func TestHandleDecisionAllowInstallsNothing(t *testing.T) {
	sim := adapters.NewSim("sim")
	o, _, _ := newOrch(t, testCfg(), sim)

	status, err := o.HandleDecision(context.Background(), testDec("d1", policy.ActionAllow, "10.0.0.5"))
	require.NoError(t, err)
	assert.Nil(t, status)
	applies, _ := sim.Counts()
	assert.Zero(t, applies)
}

func TestPartialAdapterFailure(t *testing.T) {
	ctx := context.Background()
	simA := adapters.NewSim("alpha")
	simB := adapters.NewSim("beta")
	simB.FailNext(adapters.Transient("busy"), adapters.Transient("busy"))
	o, m, log := newOrch(t, testCfg(), simA, simB)

	status, err := o.HandleDecision(ctx, testDec("d1", policy.ActionDeny, "203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, rules.StateActive, status.State)
	assert.Equal(t, []rules.Lifecycle{
		rules.StatePending, rules.StateApplying, rules.StateActive,
	}, log.states())

	// Both transient failures and the eventual success are on record.
	var transients, oks int
	for _, out := range status.Outcomes {
		switch out.Outcome {
		case rules.OutcomeTransient:
			transients++
		case rules.OutcomeOK:
			oks++
		}
	}
	assert.Equal(t, 2, transients)
	assert.Equal(t, 2, oks, "one success per adapter")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ApplyRetries))
}

func TestAllAdaptersFail(t *testing.T) {
	sim := adapters.NewSim("sim")
	sim.FailNext(adapters.Permanent("unsupported"))
	o, _, _ := newOrch(t, testCfg(), sim)

	status, err := o.HandleDecision(context.Background(), testDec("d1", policy.ActionDeny, "203.0.113.7"))
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.Equal(t, rules.StateFailed, status.State)
	assert.Empty(t, o.ListRules(Filter{State: rules.StateActive}))
}

func TestConflictDedupeBumpsExpiry(t *testing.T) {
	ctx := context.Background()
	sim := adapters.NewSim("sim")
	o, m, _ := newOrch(t, testCfg(), sim)

	first, err := o.HandleDecision(ctx, testDec("d1", policy.ActionDeny, "203.0.113.7"))
	require.NoError(t, err)
	second, err := o.HandleDecision(ctx, testDec("d2", policy.ActionDeny, "203.0.113.7"))
	require.NoError(t, err)

	assert.Equal(t, first.Rule.RuleID, second.Rule.RuleID)
	assert.False(t, second.ExpiresAt.Before(first.ExpiresAt))
	applies, _ := sim.Counts()
	assert.Equal(t, 1, applies)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RuleConflicts.WithLabelValues("dedupe")))
}

// opRecorder captures the order of adapter operations.
type opRecorder struct {
	adapters.Adapter
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) Apply(ctx context.Context, rule *rules.UniversalRule) (string, error) {
	r.mu.Lock()
	r.ops = append(r.ops, "apply:"+string(rule.Action))
	r.mu.Unlock()
	return r.Adapter.Apply(ctx, rule)
}

func (r *opRecorder) Remove(ctx context.Context, nativeID string) error {
	r.mu.Lock()
	r.ops = append(r.ops, "remove")
	r.mu.Unlock()
	return r.Adapter.Remove(ctx, nativeID)
}

func TestConflictSupersede(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{Adapter: adapters.NewSim("sim")}
	o, m, _ := newOrch(t, testCfg(), rec)

	match := rules.Match{
		SrcCIDR:  netip.MustParsePrefix("10.0.0.5/32"),
		Protocol: "tcp",
		DstPorts: []uint16{443},
	}
	allow := &rules.UniversalRule{
		RuleID: "allow-1", Match: match, Action: rules.Allow,
		Priority: 50, CreatedAt: time.Now().UTC(),
	}
	deny := &rules.UniversalRule{
		RuleID: "deny-1", Match: match, Action: rules.Deny,
		Priority: 10, TTL: time.Hour, CreatedAt: time.Now().UTC(),
	}

	allowStatus, err := o.ApplyRule(ctx, allow)
	require.NoError(t, err)
	require.Equal(t, rules.StateActive, allowStatus.State)

	denyStatus, err := o.ApplyRule(ctx, deny)
	require.NoError(t, err)
	assert.Equal(t, rules.StateActive, denyStatus.State)

	old, err := o.GetRule("allow-1")
	require.NoError(t, err)
	assert.Equal(t, rules.StateRolledBack, old.State)

	// The losing rule is removed before the winner is added.
	assert.Equal(t, []string{"apply:allow", "remove", "apply:deny"}, rec.ops)

	active := o.ListRules(Filter{State: rules.StateActive})
	require.Len(t, active, 1)
	assert.Equal(t, "deny-1", active[0].Rule.RuleID)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RuleConflicts.WithLabelValues("superseded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RulesRolledBack))
}

func TestConflictLowerPriorityCandidateRejected(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOrch(t, testCfg(), adapters.NewSim("sim"))

	match := rules.Match{SrcCIDR: netip.MustParsePrefix("10.0.0.5/32")}
	deny := &rules.UniversalRule{
		RuleID: "deny-1", Match: match, Action: rules.Deny,
		Priority: 10, CreatedAt: time.Now().UTC(),
	}
	allow := &rules.UniversalRule{
		RuleID: "allow-1", Match: match, Action: rules.Allow,
		Priority: 50, CreatedAt: time.Now().UTC(),
	}

	_, err := o.ApplyRule(ctx, deny)
	require.NoError(t, err)
	_, err = o.ApplyRule(ctx, allow)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	active := o.ListRules(Filter{State: rules.StateActive})
	require.Len(t, active, 1)
	assert.Equal(t, "deny-1", active[0].Rule.RuleID)
}

func TestOverlappingMatchesCoexist(t *testing.T) {
	ctx := context.Background()
	o, m, _ := newOrch(t, testCfg(), adapters.NewSim("sim"))

	_, err := o.ApplyRule(ctx, denyOn("203.0.113.0/24"))
	require.NoError(t, err)
	_, err = o.ApplyRule(ctx, denyOn("203.0.113.7/32"))
	require.NoError(t, err)

	assert.Len(t, o.ListRules(Filter{State: rules.StateActive}), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RuleConflicts.WithLabelValues("coexist")))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	sim := adapters.NewSim("sim")
	o, m, _ := newOrch(t, testCfg(), sim)

	now := time.Now().UTC()
	o.now = func() time.Time { return now }

	r := denyOn("203.0.113.7/32")
	r.TTL = time.Minute
	r.CreatedAt = now
	status, err := o.ApplyRule(ctx, r)
	require.NoError(t, err)
	require.Equal(t, rules.StateActive, status.State)

	assert.Zero(t, o.ExpireDue(ctx), "nothing is due before the ttl elapses")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, o.ExpireDue(ctx))

	got, err := o.GetRule(r.RuleID)
	require.NoError(t, err)
	assert.Equal(t, rules.StateExpired, got.State)
	_, installed := sim.Installed(r.RuleID)
	assert.False(t, installed, "expired rules must not match new traffic")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RulesExpired))

	// Expired rules stay queryable but cannot be rolled back.
	err = o.Rollback(ctx, r.RuleID)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
}

func TestRollbackByOriginRef(t *testing.T) {
	ctx := context.Background()
	sim := adapters.NewSim("sim")
	o, _, _ := newOrch(t, testCfg(), sim)

	status, err := o.HandleDecision(ctx, testDec("d1", policy.ActionDeny, "203.0.113.7"))
	require.NoError(t, err)

	require.NoError(t, o.Rollback(ctx, "d1"))

	got, err := o.GetRule(status.Rule.RuleID)
	require.NoError(t, err)
	assert.Equal(t, rules.StateRolledBack, got.State)
	_, installed := sim.Installed(status.Rule.RuleID)
	assert.False(t, installed)
}

func TestRollbackUnknownRef(t *testing.T) {
	o, _, _ := newOrch(t, testCfg(), adapters.NewSim("sim"))
	err := o.Rollback(context.Background(), "nope")
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}
