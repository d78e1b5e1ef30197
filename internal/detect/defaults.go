// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
)

// WriteDefaultBundle writes a hand-tuned artifact bundle to dir. It
// ships with the daemon as a cold-start fallback and feeds the
// simulator; trained bundles replace it in production.
func WriteDefaultBundle(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "artifact dir create failed")
	}

	files := map[string]any{
		"boosted.json":     defaultBoosted(),
		"sequence.json":    defaultSequence(),
		"forest.json":      defaultForest(),
		"autoencoder.json": defaultAutoencoder(),
	}
	for name, params := range files {
		data, err := json.MarshalIndent(params, "", "  ")
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "artifact encode failed")
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "artifact write failed")
		}
	}

	manifest := Manifest{
		Version:       "builtin-1",
		FeatureSchema: features.SchemaMajor,
		Threshold:     0.5,
		Detectors: []ManifestDetector{
			{ID: "boosted", Type: "boosted", Weight: 0.35, File: "boosted.json"},
			{ID: "sequence", Type: "sequence", Weight: 0.25, File: "sequence.json"},
			{ID: "forest", Type: "forest", Weight: 0.20, File: "forest.json"},
			{ID: "autoencoder", Type: "autoencoder", Weight: 0.20, File: "autoencoder.json"},
		},
	}
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "manifest encode failed")
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "manifest write failed")
	}
	return nil
}

// defaultBoosted keys on the flood and scan signatures: one-sided SYN
// traffic, tiny flows, reset storms, port sweeps.
func defaultBoosted() boostedParams {
	return boostedParams{
		Bias:         -2.0,
		LearningRate: 1.0,
		Stumps: []Stump{
			{Slot: features.SlotSYNRatio, Threshold: 0.6, Left: 0, Right: 2.0},
			{Slot: features.SlotSYNACKImbalance, Threshold: 0.7, Left: 0, Right: 1.5},
			{Slot: features.SlotTinyFlowRatio, Threshold: 0.8, Left: 0, Right: 1.0},
			{Slot: features.SlotRSTRatio, Threshold: 0.3, Left: 0, Right: 1.2},
			{Slot: features.SlotDstPortEntropy, Threshold: 0.9, Left: 0, Right: 0.8},
			{Slot: features.SlotFanOutRatio, Threshold: 0.8, Left: 0, Right: 0.8},
			{Slot: features.SlotFlowCount, Threshold: 0.45, Left: 0, Right: 0.6},
		},
	}
}

// defaultSequence is deliberately mild; without training it mostly
// hovers near the midpoint and lets the other detectors lead.
func defaultSequence() sequenceParams {
	return sequenceParams{
		InputWeights:     []float64{0.6, -0.4},
		RecurrentWeights: [][]float64{{0.3, 0.1}, {-0.1, 0.3}},
		Bias:             []float64{-0.1, 0.05},
		OutputWeights:    []float64{0.5, -0.3},
		OutputBias:       0.0,
	}
}

// defaultForest isolates one-sided SYN profiles and port sweeps fast.
func defaultForest() forestParams {
	split := func(slot int, th float64) forestTree {
		return forestTree{Nodes: []forestNode{
			{Slot: slot, Threshold: th, Left: 1, Right: 2},
			{Left: -1, Right: -1, Size: 120},
			{Left: -1, Right: -1, Size: 2},
		}}
	}
	return forestParams{
		SampleSize: 256,
		Trees: []forestTree{
			split(features.SlotSYNRatio, 0.6),
			split(features.SlotSYNACKImbalance, 0.7),
			split(features.SlotTinyFlowRatio, 0.85),
			split(features.SlotFanOutRatio, 0.8),
		},
	}
}

// defaultAutoencoder reconstructs a typical benign slot profile from a
// constant code; distance from that profile drives the score.
func defaultAutoencoder() autoencoderParams {
	h := 4
	enc := make([][]float64, h)
	for i := range enc {
		enc[i] = make([]float64, features.SlotCount)
	}
	dec := make([][]float64, features.SlotCount)
	for j := range dec {
		dec[j] = make([]float64, h)
	}
	// Benign centroid per slot, matching the layout in vector.go.
	bias := []float64{
		0.25, 0.35, 0.40, 0.30, 0.32, // volumes
		0.45, 0.45, 0.30, 0.15, // ratios and spread
		0.50,                   // window fill
		0.15, 0.55, 0.10, 0.05, // flag mix
		0.20,       // syn/ack imbalance
		0.40, 0.10, // entropies
		0.20, 0.20, 0.15, // distinct counts, fan-out
		0.35,       // packet size
		0.10, 0.10, // gaps
		0.20, // tiny flows
	}
	return autoencoderParams{
		EncWeights: enc,
		EncBias:    make([]float64, h),
		DecWeights: dec,
		DecBias:    bias,
		ErrorScale: 0.05,
	}
}
