// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command netsentry runs the full detection daemon: flow ingest,
// windowed feature extraction, the detector ensemble, the policy agent,
// the rule orchestrator and the HTTP API, all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"grimm.is/netsentry/internal/adapters"
	"grimm.is/netsentry/internal/alerting"
	"grimm.is/netsentry/internal/api"
	"grimm.is/netsentry/internal/audit"
	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/flow"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/orchestrator"
	"grimm.is/netsentry/internal/pipeline"
	"grimm.is/netsentry/internal/policy"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "netsentry: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}
	logger := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	b, err := buildBus(cfg.Bus)
	if err != nil {
		return err
	}
	defer b.Close()

	ens, watcher, err := buildEnsemble(cfg.Ensemble, m)
	if err != nil {
		return err
	}

	agent, geo, err := buildAgent(cfg.Agent, m)
	if err != nil {
		return err
	}
	if geo != nil {
		defer geo.Close()
	}

	backends, err := buildAdapters(ctx, cfg.Adapters, m)
	if err != nil {
		return err
	}
	if len(backends) == 0 {
		return errors.New(errors.KindValidation, "no adapters enabled")
	}

	orch, err := orchestrator.New(cfg.Orchestrator, backends, m)
	if err != nil {
		return err
	}

	trail, err := audit.Open(cfg.Audit.Path, m)
	if err != nil {
		return err
	}
	defer trail.Close()

	var alerts *alerting.Engine
	if cfg.Alerting != nil && cfg.Alerting.Enabled {
		alerts = alerting.NewEngine(cfg.Alerting, m)
		alerts.SetBus(b)
	}

	ingest := flow.NewIngest(cfg.Ingest, b, m)

	engine, err := features.NewEngine(cfg.Features, cfg.Windows, b, m)
	if err != nil {
		return err
	}

	p := pipeline.New(b, ens, agent, orch, trail, alerts, m)
	server := api.NewServer(cfg.API, p, m)

	logger.Info("Starting netsentry",
		"bus", cfg.Bus.Kind,
		"adapters", adapterNames(backends),
		"listen", cfg.API.Listen)

	errc := make(chan error, 4)
	go func() { errc <- ingest.Serve(ctx) }()
	go func() { errc <- engine.Run(ctx) }()
	go func() { errc <- p.Run(ctx) }()
	go func() { errc <- server.Run(ctx) }()

	if alerts != nil {
		alerts.Start(ctx)
	}
	go orch.Run(ctx)
	go trail.Run(ctx, cfg.Audit.RetentionDuration(), time.Hour)
	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("Artifact watcher stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		// Give the stages a moment to drain in-flight work.
		time.Sleep(500 * time.Millisecond)
		return nil
	case err := <-errc:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, errors.Errorf(errors.KindValidation, "invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	lc := logging.DefaultConfig()
	if cfg.Logging != nil {
		lc.Level = cfg.Logging.Level
		lc.Format = cfg.Logging.Format
	}
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		w, err := logging.NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			return err
		}
		lc.Output = w
	}
	logging.SetDefault(logging.New(lc))
	return nil
}

func buildBus(cfg *config.BusConfig) (bus.Bus, error) {
	switch cfg.Kind {
	case "", "memory":
		return bus.NewMemory(cfg.Partitions, cfg.BufferSize), nil
	case "redis":
		return bus.NewRedis(cfg.RedisAddr, cfg.Partitions)
	}
	return nil, errors.Errorf(errors.KindValidation, "unknown bus kind %q", cfg.Kind)
}

// buildEnsemble loads the artifact bundle, seeding the directory with
// the built-in bundle on first start so a fresh install detects out of
// the box.
func buildEnsemble(cfg *config.EnsembleConfig, m *metrics.Metrics) (*detect.Ensemble, *detect.Watcher, error) {
	dir := cfg.ArtifactDir
	if _, err := os.Stat(filepath.Join(dir, "manifest.yaml")); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Wrap(err, errors.KindUnavailable, "artifact dir create failed")
		}
		if err := detect.WriteDefaultBundle(dir); err != nil {
			return nil, nil, err
		}
		logging.Info("Seeded default artifact bundle", "dir", dir)
	}

	snap, err := detect.LoadSnapshot(dir, cfg)
	if err != nil {
		return nil, nil, err
	}
	ens := detect.NewEnsemble(snap, m)

	var watcher *detect.Watcher
	if cfg.HotReload {
		watcher = detect.NewWatcher(dir, cfg, ens, m)
	}
	return ens, watcher, nil
}

func buildAgent(cfg *config.AgentConfig, m *metrics.Metrics) (*policy.Agent, *policy.GeoResolver, error) {
	var geo *policy.GeoResolver
	if cfg.GeoIPPath != "" {
		g, err := policy.NewGeoResolver(cfg.GeoIPPath)
		if err != nil {
			// Geo risk is an enrichment, not a dependency.
			logging.Warn("GeoIP database unavailable, continuing without geo risk", "path", cfg.GeoIPPath, "error", err)
		} else {
			geo = g
		}
	}

	agent, err := policy.NewAgent(cfg, geo, m)
	if err != nil {
		if geo != nil {
			geo.Close()
		}
		return nil, nil, err
	}
	return agent, geo, nil
}

func buildAdapters(ctx context.Context, cfgs []config.AdapterConfig, m *metrics.Metrics) ([]adapters.Adapter, error) {
	var out []adapters.Adapter
	for _, ac := range cfgs {
		if !ac.Enabled {
			continue
		}
		var (
			a   adapters.Adapter
			err error
		)
		switch ac.Type {
		case "sim":
			a = adapters.NewSim("sim")
		case "nftables":
			a = adapters.NewNFTables(ac.Options["table"])
		case "iptables":
			a = adapters.NewIPTables(ac.Options["binary"])
		case "aws":
			a, err = adapters.NewAWS(ctx, ac.Options["nacl_id"], ac.Options["region"])
		default:
			err = errors.Errorf(errors.KindValidation, "unknown adapter type %q", ac.Type)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, adapters.NewBreaker(a, m))
	}
	return out, nil
}

func adapterNames(backends []adapters.Adapter) string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	return strings.Join(names, ",")
}
