// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes Prometheus instrumentation for every counted
// event in the detection pipeline. Stages increment counters instead of
// failing upward; the hot path never returns errors for droppable work.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all netsentry Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest
	RecordsIngested prometheus.Counter
	ParseErrors     *prometheus.CounterVec // reason
	RecordsDeduped  prometheus.Counter
	DedupEvictions  prometheus.Counter
	PublishTimeouts *prometheus.CounterVec // topic
	RecordsDropped  *prometheus.CounterVec // stage

	// Feature engine
	LateRecords     prometheus.Counter
	WindowsOpened   prometheus.Counter
	WindowsClosed   *prometheus.CounterVec // kind
	WindowsEvicted  prometheus.Counter
	FeaturesEmitted prometheus.Counter

	// Detection
	DetectorFailures   *prometheus.CounterVec // detector
	Detections         *prometheus.CounterVec // label
	DegradedDetections prometheus.Counter

	// Policy agent
	Decisions      *prometheus.CounterVec // action
	AgentFallbacks prometheus.Counter

	// Orchestrator
	RulesSynthesized  prometheus.Counter
	ValidationRejects *prometheus.CounterVec // reason
	RuleConflicts     *prometheus.CounterVec // resolution
	RulesExpired      prometheus.Counter
	RulesRolledBack   prometheus.Counter
	ApplyRetries      prometheus.Counter

	// Adapters
	AdapterOutcomes *prometheus.CounterVec // adapter, outcome
	AdapterPaused   *prometheus.GaugeVec   // adapter

	// Alerting
	AlertsPublished *prometheus.CounterVec // severity
	AlertsDeduped   prometheus.Counter
	AlertsDropped   prometheus.Counter
	SinkFailures    *prometheus.CounterVec // sink

	// Audit
	AuditRecords prometheus.Counter
	AuditPurged  prometheus.Counter
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RecordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_records_ingested_total",
			Help: "Total number of records accepted by the normalizer",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_parse_errors_total",
			Help: "Total number of records dropped as malformed, by reason",
		}, []string{"reason"}),
		RecordsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_records_deduped_total",
			Help: "Total number of duplicate records suppressed at ingest",
		}),
		DedupEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_dedup_evictions_total",
			Help: "Total number of LRU evictions from the dedup cache",
		}),
		PublishTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_publish_timeouts_total",
			Help: "Total number of bus publish timeouts, by topic",
		}, []string{"topic"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_records_dropped_total",
			Help: "Total number of records dropped after retry exhaustion, by stage",
		}, []string{"stage"}),

		LateRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_late_records_total",
			Help: "Total number of records beyond allowed lateness",
		}),
		WindowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_windows_opened_total",
			Help: "Total number of aggregation windows opened",
		}),
		WindowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_windows_closed_total",
			Help: "Total number of aggregation windows closed, by kind",
		}, []string{"kind"}),
		WindowsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_windows_evicted_total",
			Help: "Total number of window keys evicted by the memory cap",
		}),
		FeaturesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_features_emitted_total",
			Help: "Total number of feature vectors emitted",
		}),

		DetectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_detector_failures_total",
			Help: "Total number of detector prediction failures, by detector",
		}, []string{"detector"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_detections_total",
			Help: "Total number of detections emitted, by aggregate label",
		}, []string{"label"}),
		DegradedDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_degraded_detections_total",
			Help: "Total number of detections emitted with partial detector failure",
		}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_decisions_total",
			Help: "Total number of policy decisions, by action",
		}, []string{"action"}),
		AgentFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_agent_fallbacks_total",
			Help: "Total number of decisions taken by the fallback rule table",
		}),

		RulesSynthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_rules_synthesized_total",
			Help: "Total number of universal rules synthesized from decisions",
		}),
		ValidationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_validation_rejects_total",
			Help: "Total number of rules rejected at validation, by reason",
		}, []string{"reason"}),
		RuleConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_rule_conflicts_total",
			Help: "Total number of rule conflicts detected, by resolution",
		}, []string{"resolution"}),
		RulesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_rules_expired_total",
			Help: "Total number of rules expired by the TTL scanner",
		}),
		RulesRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_rules_rolled_back_total",
			Help: "Total number of rules rolled back",
		}),
		ApplyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_apply_retries_total",
			Help: "Total number of adapter apply retries scheduled",
		}),

		AdapterOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_adapter_outcomes_total",
			Help: "Total number of adapter call outcomes, by adapter and code",
		}, []string{"adapter", "outcome"}),
		AdapterPaused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netsentry_adapter_paused",
			Help: "Whether an adapter is paused pending health probes (1 paused, 0 active)",
		}, []string{"adapter"}),

		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_alerts_published_total",
			Help: "Total number of alerts published to sinks, by severity",
		}, []string{"severity"}),
		AlertsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_alerts_deduped_total",
			Help: "Total number of alerts suppressed by dedup",
		}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_alerts_dropped_total",
			Help: "Total number of alerts dropped on full queue",
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_sink_failures_total",
			Help: "Total number of alert sink delivery failures, by sink",
		}, []string{"sink"}),

		AuditRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_audit_records_total",
			Help: "Total number of audit records written",
		}),
		AuditPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_audit_purged_total",
			Help: "Total number of audit records purged past retention",
		}),
	}

	m.registry.MustRegister(
		m.RecordsIngested, m.ParseErrors, m.RecordsDeduped, m.DedupEvictions,
		m.PublishTimeouts, m.RecordsDropped,
		m.LateRecords, m.WindowsOpened, m.WindowsClosed, m.WindowsEvicted,
		m.FeaturesEmitted,
		m.DetectorFailures, m.Detections, m.DegradedDetections,
		m.Decisions, m.AgentFallbacks,
		m.RulesSynthesized, m.ValidationRejects, m.RuleConflicts,
		m.RulesExpired, m.RulesRolledBack, m.ApplyRetries,
		m.AdapterOutcomes, m.AdapterPaused,
		m.AlertsPublished, m.AlertsDeduped, m.AlertsDropped, m.SinkFailures,
		m.AuditRecords, m.AuditPurged,
	)

	return m
}

// Handler returns the HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
