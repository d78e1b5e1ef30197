// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package adapters realizes universal rules on concrete enforcement
// backends behind one capability contract.
package adapters

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/rules"
)

// Adapter translates universal rules into one backend's native syntax.
// Implementations hold only connection resources and must be
// idempotent when the same rule_id is retried.
type Adapter interface {
	Name() string

	// Apply installs the rule and returns a native identifier. When the
	// backend cannot express the match in one native rule, the adapter
	// splits it and returns a compound identifier.
	Apply(ctx context.Context, rule *rules.UniversalRule) (string, error)

	// Remove uninstalls a previously applied rule by native identifier.
	// Removing an already absent rule is not an error.
	Remove(ctx context.Context, nativeID string) error

	// Query reports whether the native rule is currently installed.
	Query(ctx context.Context, nativeID string) (bool, error)

	// List returns all native identifiers this adapter installed.
	List(ctx context.Context) ([]string, error)
}

// OutcomeFor maps an operation error to the stable outcome taxonomy.
func OutcomeFor(err error) rules.Outcome {
	if err == nil {
		return rules.OutcomeOK
	}
	switch errors.GetKind(err) {
	case errors.KindUnavailable:
		return rules.OutcomeUnreachable
	case errors.KindTransient, errors.KindTimeout:
		return rules.OutcomeTransient
	}
	return rules.OutcomePermanent
}

// compoundSep joins native ids when one universal rule becomes several
// native rules.
const compoundSep = "+"

// Breaker pauses an adapter after consecutive unreachable failures and
// lets a periodic half-open probe bring it back. Transient and
// permanent errors pass through without tripping the circuit.
type Breaker struct {
	inner   Adapter
	cb      *gobreaker.CircuitBreaker[string]
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewBreaker wraps an adapter with unreachable-pause behavior.
func NewBreaker(inner Adapter, m *metrics.Metrics) *Breaker {
	b := &Breaker{
		inner:   inner,
		metrics: m,
		logger:  logging.WithComponent("adapter-breaker"),
	}
	b.cb = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// Only unreachable failures count against the circuit.
			return OutcomeFor(err) != rules.OutcomeUnreachable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Adapter circuit state changed", "adapter", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				m.AdapterPaused.WithLabelValues(name).Set(1)
			} else {
				m.AdapterPaused.WithLabelValues(name).Set(0)
			}
		},
	})
	return b
}

func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) Apply(ctx context.Context, rule *rules.UniversalRule) (string, error) {
	id, err := b.cb.Execute(func() (string, error) {
		return b.inner.Apply(ctx, rule)
	})
	return id, b.translate(err)
}

func (b *Breaker) Remove(ctx context.Context, nativeID string) error {
	_, err := b.cb.Execute(func() (string, error) {
		return "", b.inner.Remove(ctx, nativeID)
	})
	return b.translate(err)
}

func (b *Breaker) Query(ctx context.Context, nativeID string) (bool, error) {
	var present bool
	_, err := b.cb.Execute(func() (string, error) {
		var qerr error
		present, qerr = b.inner.Query(ctx, nativeID)
		return "", qerr
	})
	return present, b.translate(err)
}

func (b *Breaker) List(ctx context.Context) ([]string, error) {
	var ids []string
	_, err := b.cb.Execute(func() (string, error) {
		var lerr error
		ids, lerr = b.inner.List(ctx)
		return "", lerr
	})
	return ids, b.translate(err)
}

// Probe tests backend health while the circuit is open or half-open.
func (b *Breaker) Probe(ctx context.Context) error {
	_, err := b.List(ctx)
	return err
}

func (b *Breaker) translate(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Wrapf(err, errors.KindUnavailable, "adapter %s paused", b.inner.Name())
	}
	return err
}
