// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/metrics"
)

func TestLoadSnapshotDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	snap, err := LoadSnapshot(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, "builtin-1", snap.Version)
	assert.Equal(t, 0.5, snap.Threshold)
	assert.Len(t, snap.Detectors, 4)

	var sum float64
	for _, w := range snap.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.35, snap.Weights["boosted"], 1e-9)
}

func TestLoadSnapshotConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	snap, err := LoadSnapshot(dir, &config.EnsembleConfig{
		Threshold: 0.7,
		Weights:   map[string]float64{"boosted": 0.6, "sequence": 0.2, "forest": 0.1, "autoencoder": 0.1},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.7, snap.Threshold)
	assert.InDelta(t, 0.6, snap.Weights["boosted"], 1e-9)
}

func TestLoadSnapshotNormalizesWeights(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	snap, err := LoadSnapshot(dir, &config.EnsembleConfig{
		Weights: map[string]float64{"boosted": 2, "sequence": 1, "forest": 1, "autoencoder": 0},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, snap.Weights["boosted"], 1e-9)
	assert.Zero(t, snap.Weights["autoencoder"])
}

func TestLoadSnapshotSchemaMismatchFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	m := Manifest{Version: "bad", FeatureSchema: features.SchemaMajor + 1, Threshold: 0.5,
		Detectors: []ManifestDetector{{ID: "boosted", Type: "boosted", Weight: 1, File: "boosted.json"}}}
	data, err := yaml.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), data, 0o644))

	_, err = LoadSnapshot(dir, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLoadSnapshotMissingDir(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}

func TestLoadSnapshotUnknownDetectorType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	m := Manifest{Version: "bad", FeatureSchema: features.SchemaMajor, Threshold: 0.5,
		Detectors: []ManifestDetector{{ID: "x", Type: "transformer", Weight: 1, File: "boosted.json"}}}
	data, err := yaml.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), data, 0o644))

	_, err = LoadSnapshot(dir, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestWatcherHotReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	snap, err := LoadSnapshot(dir, nil)
	require.NoError(t, err)
	e := NewEnsemble(snap, metrics.NewMetrics())

	w := NewWatcher(dir, nil, e, metrics.NewMetrics())
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond) // let the watch register

	m := Manifest{Version: "builtin-2", FeatureSchema: features.SchemaMajor, Threshold: 0.5,
		Detectors: []ManifestDetector{
			{ID: "boosted", Type: "boosted", Weight: 0.5, File: "boosted.json"},
			{ID: "forest", Type: "forest", Weight: 0.5, File: "forest.json"},
		}}
	data, err := yaml.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), data, 0o644))

	require.Eventually(t, func() bool {
		return e.Snapshot().Version == "builtin-2"
	}, 3*time.Second, 50*time.Millisecond, "watcher should swap in the new bundle")
	assert.Len(t, e.Snapshot().Detectors, 2)
}

func TestWatcherKeepsOldSnapshotOnBrokenBundle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefaultBundle(dir))

	snap, err := LoadSnapshot(dir, nil)
	require.NoError(t, err)
	e := NewEnsemble(snap, metrics.NewMetrics())

	w := NewWatcher(dir, nil, e, metrics.NewMetrics())
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("{not yaml"), 0o644))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, "builtin-1", e.Snapshot().Version, "broken reload must not replace the live snapshot")
}
