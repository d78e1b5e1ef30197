// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
)

// Snapshot is one immutable ensemble configuration: detectors, their
// stacking weights and the decision threshold. Reloads build a new
// Snapshot and swap the pointer; in-flight detections keep the old one.
type Snapshot struct {
	Version   string
	Detectors []Detector
	Weights   map[string]float64
	Threshold float64
}

// Ensemble combines detector verdicts into a single Detection.
type Ensemble struct {
	snap    atomic.Pointer[Snapshot]
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewEnsemble wraps an initial snapshot.
func NewEnsemble(snap *Snapshot, m *metrics.Metrics) *Ensemble {
	e := &Ensemble{
		metrics: m,
		logger:  logging.WithComponent("ensemble"),
	}
	e.snap.Store(snap)
	return e
}

// Swap installs a new snapshot atomically.
func (e *Ensemble) Swap(snap *Snapshot) {
	old := e.snap.Swap(snap)
	e.logger.Info("Ensemble snapshot swapped", "old", old.Version, "new", snap.Version)
}

// Snapshot returns the current snapshot.
func (e *Ensemble) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Detect scores a vector through every detector and combines the
// verdicts by weighted stacking. A failing detector has its weight
// redistributed across the rest; if every detector fails the detection
// carries an unknown label and a NaN score for downstream to treat as
// monitor-only.
func (e *Ensemble) Detect(ctx context.Context, v *features.FeatureVector) (*Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.SchemaMajor != features.SchemaMajor {
		return nil, errors.Errorf(errors.KindValidation,
			"feature schema %d does not match engine schema %d", v.SchemaMajor, features.SchemaMajor)
	}

	snap := e.snap.Load()

	verdicts := make([]Verdict, 0, len(snap.Detectors))
	var weighted, usableWeight float64
	failed := 0

	for _, d := range snap.Detectors {
		verdict, err := d.Predict(ctx, v)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			e.metrics.DetectorFailures.WithLabelValues(d.ID()).Inc()
			e.logger.Warn("Detector failed", "detector", d.ID(), "error", err)
			continue
		}
		w := snap.Weights[d.ID()]
		weighted += w * verdict.Score
		usableWeight += w
		verdicts = append(verdicts, verdict)
	}

	det := &Detection{
		DetectionID: uuid.NewString(),
		Vector:      v,
		Verdicts:    verdicts,
		Degraded:    failed > 0,
		DecidedAt:   time.Now().UTC(),
	}

	if usableWeight == 0 {
		det.AggregateScore = math.NaN()
		det.AggregateLabel = LabelUnknown
	} else {
		// Redistribute lost weight proportionally across survivors.
		det.AggregateScore = weighted / usableWeight
		det.AggregateLabel = labelFor(det.AggregateScore, snap.Threshold)
	}

	e.metrics.Detections.WithLabelValues(string(det.AggregateLabel)).Inc()
	if det.Degraded {
		e.metrics.DegradedDetections.Inc()
	}
	return det, nil
}
