// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/netsentry/internal/errors"
)

// Load reads an HCL configuration file, overlays it on the defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes configuration from bytes. The filename selects the
// HCL dialect (.hcl or .json).
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Errorf(errors.KindValidation, "invalid config: %v", errs)
	}
	return &cfg, nil
}

// applyDefaults fills every unset block from Default. Scalar zero values
// inside present blocks are defaulted individually where ambiguity is
// impossible.
func (c *Config) applyDefaults() {
	def := Default()

	if c.SchemaVersion == "" {
		c.SchemaVersion = def.SchemaVersion
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Ingest == nil {
		c.Ingest = def.Ingest
	} else {
		if c.Ingest.Workers == 0 {
			c.Ingest.Workers = def.Ingest.Workers
		}
		if c.Ingest.DedupCacheSize == 0 {
			c.Ingest.DedupCacheSize = def.Ingest.DedupCacheSize
		}
		if c.Ingest.PublishRetries == 0 {
			c.Ingest.PublishRetries = def.Ingest.PublishRetries
		}
		if c.Ingest.PublishTimeout == "" {
			c.Ingest.PublishTimeout = def.Ingest.PublishTimeout
		}
	}
	if c.Bus == nil {
		c.Bus = def.Bus
	} else {
		if c.Bus.Kind == "" {
			c.Bus.Kind = def.Bus.Kind
		}
		if c.Bus.Partitions == 0 {
			c.Bus.Partitions = def.Bus.Partitions
		}
		if c.Bus.BufferSize == 0 {
			c.Bus.BufferSize = def.Bus.BufferSize
		}
	}
	if len(c.Windows) == 0 {
		c.Windows = def.Windows
	}
	if c.Features == nil {
		c.Features = def.Features
	} else {
		if c.Features.AllowedLateness == "" {
			c.Features.AllowedLateness = def.Features.AllowedLateness
		}
		if c.Features.PerKeyMemoryCap == 0 {
			c.Features.PerKeyMemoryCap = def.Features.PerKeyMemoryCap
		}
		if c.Features.Shards == 0 {
			c.Features.Shards = def.Features.Shards
		}
	}
	if c.Ensemble == nil {
		c.Ensemble = def.Ensemble
	}
	if c.Agent == nil {
		c.Agent = def.Agent
	} else {
		if c.Agent.HighThreshold == 0 {
			c.Agent.HighThreshold = def.Agent.HighThreshold
		}
		if c.Agent.MedThreshold == 0 {
			c.Agent.MedThreshold = def.Agent.MedThreshold
		}
		if c.Agent.LowThreshold == 0 {
			c.Agent.LowThreshold = def.Agent.LowThreshold
		}
	}
	if c.Orchestrator == nil {
		c.Orchestrator = def.Orchestrator
	} else {
		if len(c.Orchestrator.ActionPriority) == 0 {
			c.Orchestrator.ActionPriority = def.Orchestrator.ActionPriority
		}
		if len(c.Orchestrator.MaxScope) == 0 {
			c.Orchestrator.MaxScope = def.Orchestrator.MaxScope
		}
		if len(c.Orchestrator.TTL) == 0 {
			c.Orchestrator.TTL = def.Orchestrator.TTL
		}
		if c.Orchestrator.ExpiryInterval == "" {
			c.Orchestrator.ExpiryInterval = def.Orchestrator.ExpiryInterval
		}
		if c.Orchestrator.Retry == nil {
			c.Orchestrator.Retry = def.Orchestrator.Retry
		}
	}
	if len(c.Adapters) == 0 {
		c.Adapters = def.Adapters
	}
	if c.Audit == nil {
		c.Audit = def.Audit
	} else {
		if c.Audit.Retention == "" {
			c.Audit.Retention = def.Audit.Retention
		}
	}
	if c.Alerting == nil {
		c.Alerting = def.Alerting
	} else {
		if c.Alerting.DedupWindow == "" {
			c.Alerting.DedupWindow = def.Alerting.DedupWindow
		}
		if c.Alerting.DedupKey == "" {
			c.Alerting.DedupKey = def.Alerting.DedupKey
		}
	}
	if c.API == nil {
		c.API = def.API
	} else {
		if c.API.Listen == "" {
			c.API.Listen = def.API.Listen
		}
		if c.API.DetectBudget == "" {
			c.API.DetectBudget = def.API.DetectBudget
		}
	}
}

// Validate returns all configuration errors found.
func (c *Config) Validate() []error {
	var errs []error

	checkDuration := func(field, val string, required bool) {
		if val == "" {
			if required {
				errs = append(errs, fmt.Errorf("%s is required", field))
			}
			return
		}
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, val))
		}
	}

	for i, w := range c.Windows {
		switch w.Kind {
		case "tumbling":
			checkDuration(fmt.Sprintf("window[%d].span", i), w.Span, true)
		case "sliding":
			checkDuration(fmt.Sprintf("window[%d].span", i), w.Span, true)
			checkDuration(fmt.Sprintf("window[%d].slide", i), w.Slide, true)
			if w.Span != "" && w.Slide != "" && w.SlideDuration() > w.SpanDuration() {
				errs = append(errs, fmt.Errorf("window[%d]: slide must not exceed span", i))
			}
		case "session":
			checkDuration(fmt.Sprintf("window[%d].gap", i), w.Gap, true)
		default:
			errs = append(errs, fmt.Errorf("window[%d]: unknown kind %q", i, w.Kind))
		}
		switch w.Key {
		case "", "src", "src_dst_port", "dst":
		default:
			errs = append(errs, fmt.Errorf("window[%d]: unknown key projection %q", i, w.Key))
		}
	}

	switch c.Bus.Kind {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("bus: redis_addr is required for kind redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus: unknown kind %q", c.Bus.Kind))
	}

	for i, a := range c.Adapters {
		switch a.Type {
		case "sim", "nftables", "iptables", "aws":
		default:
			errs = append(errs, fmt.Errorf("adapter[%d]: unknown type %q", i, a.Type))
		}
	}

	if !(c.Agent.HighThreshold > c.Agent.MedThreshold && c.Agent.MedThreshold > c.Agent.LowThreshold) {
		errs = append(errs, fmt.Errorf("agent: thresholds must satisfy high > med > low"))
	}

	checkDuration("ingest.publish_timeout", c.Ingest.PublishTimeout, true)
	checkDuration("features.allowed_lateness", c.Features.AllowedLateness, true)
	checkDuration("orchestrator.expiry_interval", c.Orchestrator.ExpiryInterval, true)
	checkDuration("audit.retention", c.Audit.Retention, true)
	checkDuration("alerting.dedup_window", c.Alerting.DedupWindow, true)
	checkDuration("api.detect_budget", c.API.DetectBudget, true)

	for action, ttl := range c.Orchestrator.TTL {
		checkDuration("orchestrator.ttl."+action, ttl, true)
	}

	if c.Ensemble.Threshold < 0 || c.Ensemble.Threshold > 1 {
		errs = append(errs, fmt.Errorf("ensemble: threshold must be within [0,1]"))
	}

	return errs
}

// ActionTTL returns the configured TTL for an action, zero if unset.
func (o *OrchestratorConfig) ActionTTL(action string) time.Duration {
	if v, ok := o.TTL[action]; ok {
		d, _ := time.ParseDuration(v)
		return d
	}
	return 0
}
