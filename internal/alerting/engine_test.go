// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/policy"
)

func testEngine(cfg *config.AlertingConfig) (*Engine, *metrics.Metrics) {
	m := metrics.NewMetrics()
	return NewEngine(cfg, m), m
}

func denyAlert(src string) Alert {
	return Alert{
		Severity: SeverityCritical,
		Action:   "deny",
		SrcAddr:  src,
		Message:  "threat detected",
		At:       time.Now().UTC(),
	}
}

func TestSeverityDerivation(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFor(policy.ActionDeny))
	assert.Equal(t, SeverityCritical, SeverityFor(policy.ActionQuarantineShort))
	assert.Equal(t, SeverityCritical, SeverityFor(policy.ActionQuarantineLong))
	assert.Equal(t, SeverityWarning, SeverityFor(policy.ActionRateLimitMed))
	assert.Equal(t, SeverityInfo, SeverityFor(policy.ActionMonitor))
	assert.Equal(t, SeverityInfo, SeverityFor(policy.ActionAllow))
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := &config.AlertingConfig{
		Enabled:     true,
		DedupWindow: "5m",
		Channels: []config.NotificationChannel{{
			Name: "hook", Type: "webhook", Enabled: true,
			WebhookURL: srv.URL,
			Headers:    map[string]string{"X-Token": "secret"},
		}},
	}
	e, m := testEngine(cfg)

	e.handle(denyAlert("203.0.113.7"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "deny", got[0].Action)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsPublished.WithLabelValues("critical")))
}

func TestDedupWithinWindow(t *testing.T) {
	cfg := &config.AlertingConfig{Enabled: true, DedupWindow: "5m", DedupKey: "src_action"}
	e, m := testEngine(cfg)
	base := time.Date(2026, 8, 25, 12, 1, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	e.handle(denyAlert("203.0.113.7"))
	e.handle(denyAlert("203.0.113.7"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsDeduped))

	// A different action on the same source is its own key.
	other := denyAlert("203.0.113.7")
	other.Action = "rate_limit_med"
	e.handle(other)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsDeduped))

	// The next bucket delivers again.
	base = base.Add(6 * time.Minute)
	e.handle(denyAlert("203.0.113.7"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsDeduped))
	assert.Len(t, e.History(), 3)
}

func TestAlertsReachBusTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemory(2, 16)
	t.Cleanup(func() { b.Close() })

	var mu sync.Mutex
	var got []bus.Message
	require.NoError(t, b.Subscribe(ctx, bus.TopicAlerts, "sinks", func(_ context.Context, msg bus.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	}))

	e, m := testEngine(&config.AlertingConfig{Enabled: true, DedupWindow: "5m"})
	e.SetBus(b)

	e.handle(denyAlert("203.0.113.7"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond, "the delivered alert must land on the alerts topic")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "203.0.113.7", got[0].Key, "alerts partition by source address")
	var a Alert
	require.NoError(t, json.Unmarshal(got[0].Payload, &a))
	assert.Equal(t, "deny", a.Action)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Zero(t, testutil.ToFloat64(m.SinkFailures.WithLabelValues("bus")))
}

func TestSuppressedAlertsStayOffBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemory(2, 16)
	t.Cleanup(func() { b.Close() })

	var mu sync.Mutex
	count := 0
	require.NoError(t, b.Subscribe(ctx, bus.TopicAlerts, "sinks", func(_ context.Context, _ bus.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	e, _ := testEngine(&config.AlertingConfig{Enabled: true, DedupWindow: "5m"})
	e.SetBus(b)
	base := time.Date(2026, 8, 25, 12, 1, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	e.handle(denyAlert("203.0.113.7"))
	e.handle(denyAlert("203.0.113.7"))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "deduplicated alerts must not reach the topic")
}

func TestMinSeverityFilter(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := &config.AlertingConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{{
			Name: "pager", Type: "webhook", Enabled: true,
			WebhookURL: srv.URL, MinSeverity: "critical",
		}},
	}
	e, _ := testEngine(cfg)

	warn := denyAlert("203.0.113.7")
	warn.Severity = SeverityWarning
	e.handle(warn)
	e.handle(denyAlert("203.0.113.8"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits, "below-minimum severities are filtered")
}

func TestSinkFailureCountedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &config.AlertingConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{{
			Name: "hook", Type: "webhook", Enabled: true, WebhookURL: srv.URL,
		}},
	}
	e, m := testEngine(cfg)

	e.handle(denyAlert("203.0.113.7"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkFailures.WithLabelValues("hook")))
	assert.Len(t, e.History(), 1, "the alert is still recorded")
}

func TestPublishDropsOnFullQueue(t *testing.T) {
	cfg := &config.AlertingConfig{Enabled: true}
	e, m := testEngine(cfg)

	// No worker is draining; overfill the queue.
	for i := 0; i < queueSize+5; i++ {
		e.Publish(denyAlert("203.0.113.7"))
	}
	assert.Equal(t, float64(5), testutil.ToFloat64(m.AlertsDropped))
}

func TestPublishDisabledIsNoop(t *testing.T) {
	e, m := testEngine(&config.AlertingConfig{Enabled: false})
	e.Publish(denyAlert("203.0.113.7"))
	assert.Zero(t, testutil.ToFloat64(m.AlertsDropped))
	assert.Empty(t, e.events)
}
