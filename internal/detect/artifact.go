// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
)

// Manifest describes one artifact bundle on disk.
type Manifest struct {
	Version       string             `yaml:"version"`
	FeatureSchema int                `yaml:"feature_schema"`
	Threshold     float64            `yaml:"threshold"`
	Detectors     []ManifestDetector `yaml:"detectors"`
}

// ManifestDetector names one detector artifact inside the bundle.
type ManifestDetector struct {
	ID     string  `yaml:"id"`
	Type   string  `yaml:"type"` // boosted, sequence, forest, autoencoder
	Weight float64 `yaml:"weight"`
	File   string  `yaml:"file"`
}

const manifestName = "manifest.yaml"

// LoadSnapshot reads an artifact bundle from dir. Config weights and
// threshold, when set, override the manifest.
func LoadSnapshot(dir string, cfg *config.EnsembleConfig) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "artifact manifest unreadable")
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "artifact manifest decode failed")
	}

	// A layout change is a breaking change; refuse mismatched majors.
	if m.FeatureSchema != features.SchemaMajor {
		return nil, errors.Errorf(errors.KindValidation,
			"artifact feature schema %d, engine requires %d", m.FeatureSchema, features.SchemaMajor)
	}
	if len(m.Detectors) == 0 {
		return nil, errors.New(errors.KindValidation, "artifact manifest lists no detectors")
	}

	snap := &Snapshot{
		Version:   m.Version,
		Weights:   make(map[string]float64, len(m.Detectors)),
		Threshold: m.Threshold,
	}
	if snap.Threshold <= 0 {
		snap.Threshold = 0.5
	}
	if cfg != nil && cfg.Threshold > 0 {
		snap.Threshold = cfg.Threshold
	}

	var weightSum float64
	for _, md := range m.Detectors {
		data, err := os.ReadFile(filepath.Join(dir, md.File))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindUnavailable, "detector artifact %s unreadable", md.ID)
		}

		var d Detector
		switch md.Type {
		case "boosted":
			d, err = NewBoosted(md.ID, data)
		case "sequence":
			d, err = NewSequence(md.ID, data)
		case "forest":
			d, err = NewForest(md.ID, data)
		case "autoencoder":
			d, err = NewAutoencoder(md.ID, data)
		default:
			return nil, errors.Errorf(errors.KindValidation, "unknown detector type %q", md.Type)
		}
		if err != nil {
			return nil, err
		}

		weight := md.Weight
		if cfg != nil {
			if w, ok := cfg.Weights[md.ID]; ok {
				weight = w
			}
		}
		if weight < 0 {
			return nil, errors.Errorf(errors.KindValidation, "detector %s has negative weight", md.ID)
		}

		snap.Detectors = append(snap.Detectors, d)
		snap.Weights[md.ID] = weight
		weightSum += weight
	}

	if weightSum == 0 {
		return nil, errors.New(errors.KindValidation, "artifact weights sum to zero")
	}
	// Normalize so stacking weights always sum to one.
	if math.Abs(weightSum-1) > 1e-9 {
		for id := range snap.Weights {
			snap.Weights[id] /= weightSum
		}
	}
	return snap, nil
}

// Watcher hot-reloads the ensemble when the artifact directory changes.
// A broken bundle is logged and skipped; the previous snapshot stays
// live.
type Watcher struct {
	dir      string
	cfg      *config.EnsembleConfig
	ensemble *Ensemble
	logger   *logging.Logger
	metrics  *metrics.Metrics

	// debounce coalesces the burst of events an artifact sync produces.
	debounce time.Duration
}

// NewWatcher creates a watcher for the artifact directory.
func NewWatcher(dir string, cfg *config.EnsembleConfig, e *Ensemble, m *metrics.Metrics) *Watcher {
	return &Watcher{
		dir:      dir,
		cfg:      cfg,
		ensemble: e,
		logger:   logging.WithComponent("artifact-watcher"),
		metrics:  m,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "fsnotify init failed")
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "artifact dir watch failed")
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Artifact watch error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	snap, err := LoadSnapshot(w.dir, w.cfg)
	if err != nil {
		w.logger.Error("Artifact reload failed, keeping current snapshot", "error", err)
		return
	}
	w.ensemble.Swap(snap)
	w.logger.Info("Artifacts reloaded", "version", snap.Version)
}
