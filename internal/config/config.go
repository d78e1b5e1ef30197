// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration for the netsentry daemon.
package config

import (
	"time"

	"grimm.is/netsentry/internal/logging"
)

// Config is the root configuration document.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Logging      *LoggingConfig      `hcl:"logging,block" json:"logging,omitempty"`
	Syslog       *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
	Ingest       *IngestConfig       `hcl:"ingest,block" json:"ingest,omitempty"`
	Bus          *BusConfig          `hcl:"bus,block" json:"bus,omitempty"`
	Windows      []WindowSpec        `hcl:"window,block" json:"window,omitempty"`
	Features     *FeaturesConfig     `hcl:"features,block" json:"features,omitempty"`
	Ensemble     *EnsembleConfig     `hcl:"ensemble,block" json:"ensemble,omitempty"`
	Agent        *AgentConfig        `hcl:"agent,block" json:"agent,omitempty"`
	Orchestrator *OrchestratorConfig `hcl:"orchestrator,block" json:"orchestrator,omitempty"`
	Adapters     []AdapterConfig     `hcl:"adapter,block" json:"adapter,omitempty"`
	Audit        *AuditConfig        `hcl:"audit,block" json:"audit,omitempty"`
	Alerting     *AlertingConfig     `hcl:"alerting,block" json:"alerting,omitempty"`
	API          *APIConfig          `hcl:"api,block" json:"api,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `hcl:"level,optional" json:"level,omitempty"`
	Format string `hcl:"format,optional" json:"format,omitempty"`
}

// IngestConfig controls collector listeners and deduplication.
type IngestConfig struct {
	Listen         string `hcl:"listen,optional" json:"listen,omitempty"`
	Workers        int    `hcl:"workers,optional" json:"workers,omitempty"`
	DedupCacheSize int    `hcl:"dedup_cache_size,optional" json:"dedup_cache_size,omitempty"`
	PublishRetries int    `hcl:"publish_retries,optional" json:"publish_retries,omitempty"`
	PublishTimeout string `hcl:"publish_timeout,optional" json:"publish_timeout,omitempty"`
}

// BusConfig selects the event bus implementation.
type BusConfig struct {
	Kind       string `hcl:"kind,optional" json:"kind,omitempty"` // "memory" or "redis"
	Partitions int    `hcl:"partitions,optional" json:"partitions,omitempty"`
	BufferSize int    `hcl:"buffer_size,optional" json:"buffer_size,omitempty"`
	RedisAddr  string `hcl:"redis_addr,optional" json:"redis_addr,omitempty"`
}

// WindowSpec describes one aggregation window the feature engine maintains.
type WindowSpec struct {
	Kind  string `hcl:"kind,label" json:"kind"` // tumbling, sliding, session
	Key   string `hcl:"key,optional" json:"key,omitempty"` // src, src_dst_port
	Span  string `hcl:"span,optional" json:"span,omitempty"`
	Slide string `hcl:"slide,optional" json:"slide,omitempty"`
	Gap   string `hcl:"gap,optional" json:"gap,omitempty"`
}

// SpanDuration returns the parsed span.
func (w WindowSpec) SpanDuration() time.Duration {
	d, _ := time.ParseDuration(w.Span)
	return d
}

// SlideDuration returns the parsed slide interval.
func (w WindowSpec) SlideDuration() time.Duration {
	d, _ := time.ParseDuration(w.Slide)
	return d
}

// GapDuration returns the parsed session gap.
func (w WindowSpec) GapDuration() time.Duration {
	d, _ := time.ParseDuration(w.Gap)
	return d
}

// FeaturesConfig bounds feature engine memory and lateness tolerance.
type FeaturesConfig struct {
	AllowedLateness string `hcl:"allowed_lateness,optional" json:"allowed_lateness,omitempty"`
	PerKeyMemoryCap int    `hcl:"per_key_memory_cap,optional" json:"per_key_memory_cap,omitempty"`
	Shards          int    `hcl:"shards,optional" json:"shards,omitempty"`
}

// AllowedLatenessDuration returns the parsed lateness tolerance.
func (f *FeaturesConfig) AllowedLatenessDuration() time.Duration {
	d, _ := time.ParseDuration(f.AllowedLateness)
	return d
}

// EnsembleConfig locates detector artifacts and optional overrides.
// Weights and threshold normally come from the artifact manifest.
type EnsembleConfig struct {
	ArtifactDir string             `hcl:"artifact_dir" json:"artifact_dir"`
	Weights     map[string]float64 `hcl:"weights,optional" json:"weights,omitempty"`
	Threshold   float64            `hcl:"threshold,optional" json:"threshold,omitempty"`
	HotReload   bool               `hcl:"hot_reload,optional" json:"hot_reload,omitempty"`
}

// AgentConfig locates the policy artifact and score thresholds used by
// the fallback rule table.
type AgentConfig struct {
	ArtifactPath  string  `hcl:"artifact_path,optional" json:"artifact_path,omitempty"`
	GeoIPPath     string  `hcl:"geoip_path,optional" json:"geoip_path,omitempty"`
	HighThreshold float64 `hcl:"high_threshold,optional" json:"high_threshold,omitempty"`
	MedThreshold  float64 `hcl:"med_threshold,optional" json:"med_threshold,omitempty"`
	LowThreshold  float64 `hcl:"low_threshold,optional" json:"low_threshold,omitempty"`
}

// OrchestratorConfig controls rule synthesis, validation and retry.
type OrchestratorConfig struct {
	ActionPriority  map[string]int    `hcl:"action_priority,optional" json:"action_priority,omitempty"`
	MaxScope        map[string]int    `hcl:"max_scope,optional" json:"max_scope,omitempty"` // min prefix length per action
	TTL             map[string]string `hcl:"ttl,optional" json:"ttl,omitempty"`
	ProtectedAssets []string          `hcl:"protected_assets,optional" json:"protected_assets,omitempty"`
	PinnedAllows    []string          `hcl:"pinned_allows,optional" json:"pinned_allows,omitempty"`
	ExpiryInterval  string            `hcl:"expiry_interval,optional" json:"expiry_interval,omitempty"`
	Retry           *RetryConfig      `hcl:"retry,block" json:"retry,omitempty"`
}

// ExpiryIntervalDuration returns the parsed expiry scan interval.
func (o *OrchestratorConfig) ExpiryIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(o.ExpiryInterval)
	return d
}

// RetryConfig bounds adapter apply retries.
type RetryConfig struct {
	MaxAttempts int `hcl:"max_attempts,optional" json:"max_attempts,omitempty"`
	BaseMS      int `hcl:"base_ms,optional" json:"base_ms,omitempty"`
	MaxMS       int `hcl:"max_ms,optional" json:"max_ms,omitempty"`
}

// AdapterConfig declares one enforcement backend.
type AdapterConfig struct {
	Type    string            `hcl:"type,label" json:"type"` // sim, nftables, iptables, aws
	Enabled bool              `hcl:"enabled,optional" json:"enabled,omitempty"`
	Options map[string]string `hcl:"options,optional" json:"options,omitempty"`
}

// AuditConfig locates the audit trail store.
type AuditConfig struct {
	Path      string `hcl:"path,optional" json:"path,omitempty"`
	Retention string `hcl:"retention,optional" json:"retention,omitempty"`
}

// RetentionDuration returns the parsed audit retention horizon.
func (a *AuditConfig) RetentionDuration() time.Duration {
	d, _ := time.ParseDuration(a.Retention)
	return d
}

// AlertingConfig controls deduplication and delivery channels.
type AlertingConfig struct {
	Enabled     bool                  `hcl:"enabled,optional" json:"enabled,omitempty"`
	DedupWindow string                `hcl:"dedup_window,optional" json:"dedup_window,omitempty"`
	DedupKey    string                `hcl:"dedup_key,optional" json:"dedup_key,omitempty"`
	Channels    []NotificationChannel `hcl:"channel,block" json:"channel,omitempty"`
}

// DedupWindowDuration returns the parsed dedup bucket span.
func (a *AlertingConfig) DedupWindowDuration() time.Duration {
	d, _ := time.ParseDuration(a.DedupWindow)
	return d
}

// NotificationChannel describes one alert sink.
type NotificationChannel struct {
	Name       string            `hcl:"name,label" json:"name"`
	Type       string            `hcl:"type" json:"type"` // webhook, slack, email, log
	Enabled    bool              `hcl:"enabled,optional" json:"enabled,omitempty"`
	WebhookURL string            `hcl:"webhook_url,optional" json:"webhook_url,omitempty"`
	Headers    map[string]string `hcl:"headers,optional" json:"headers,omitempty"`
	MinSeverity string           `hcl:"min_severity,optional" json:"min_severity,omitempty"`

	SMTPHost     string       `hcl:"smtp_host,optional" json:"smtp_host,omitempty"`
	SMTPPort     int          `hcl:"smtp_port,optional" json:"smtp_port,omitempty"`
	SMTPUser     string       `hcl:"smtp_user,optional" json:"smtp_user,omitempty"`
	SMTPPassword SecureString `hcl:"smtp_password,optional" json:"smtp_password,omitempty"`
	From         string       `hcl:"from,optional" json:"from,omitempty"`
	To           []string     `hcl:"to,optional" json:"to,omitempty"`
}

// APIConfig controls the synchronous HTTP surface.
type APIConfig struct {
	Listen        string `hcl:"listen,optional" json:"listen,omitempty"`
	DetectBudget  string `hcl:"detect_budget,optional" json:"detect_budget,omitempty"`
}

// DetectBudgetDuration returns the parsed one-shot detection budget.
func (a *APIConfig) DetectBudgetDuration() time.Duration {
	d, _ := time.ParseDuration(a.DetectBudget)
	return d
}

// Default returns a fully-populated configuration with production
// defaults. Loaded files overlay on top of this.
func Default() *Config {
	return &Config{
		SchemaVersion: "1",
		Logging:       &LoggingConfig{Level: "info", Format: "text"},
		Ingest: &IngestConfig{
			Listen:         "127.0.0.1:9995",
			Workers:        4,
			DedupCacheSize: 65536,
			PublishRetries: 3,
			PublishTimeout: "2s",
		},
		Bus: &BusConfig{
			Kind:       "memory",
			Partitions: 8,
			BufferSize: 1024,
		},
		Windows: []WindowSpec{
			{Kind: "tumbling", Key: "src", Span: "60s"},
			{Kind: "sliding", Key: "src", Span: "300s", Slide: "60s"},
			{Kind: "session", Key: "src_dst_port", Gap: "120s"},
		},
		Features: &FeaturesConfig{
			AllowedLateness: "30s",
			PerKeyMemoryCap: 10000,
			Shards:          16,
		},
		Ensemble: &EnsembleConfig{
			ArtifactDir: "/var/lib/netsentry/artifacts",
			HotReload:   true,
		},
		Agent: &AgentConfig{
			HighThreshold: 0.85,
			MedThreshold:  0.65,
			LowThreshold:  0.4,
		},
		Orchestrator: &OrchestratorConfig{
			ActionPriority: map[string]int{
				"deny":       100,
				"quarantine": 200,
				"rate_limit": 400,
				"monitor":    600,
				"allow":      50,
			},
			MaxScope: map[string]int{
				"deny":       24,
				"quarantine": 32,
				"rate_limit": 24,
			},
			TTL: map[string]string{
				"deny":             "1h",
				"quarantine_short": "1h",
				"quarantine_long":  "24h",
				"rate_limit":       "1h",
			},
			ExpiryInterval: "10s",
			Retry: &RetryConfig{
				MaxAttempts: 5,
				BaseMS:      200,
				MaxMS:       30000,
			},
		},
		Adapters: []AdapterConfig{
			{Type: "sim", Enabled: true},
		},
		Audit: &AuditConfig{
			Path:      "/var/lib/netsentry/audit.db",
			Retention: "720h",
		},
		Alerting: &AlertingConfig{
			Enabled:     true,
			DedupWindow: "5m",
			DedupKey:    "src_action",
		},
		API: &APIConfig{
			Listen:       "127.0.0.1:8471",
			DetectBudget: "2s",
		},
	}
}
