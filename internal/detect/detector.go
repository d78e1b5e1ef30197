// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package detect scores feature vectors through a heterogeneous
// detector ensemble loaded from model artifacts.
package detect

import (
	"context"
	"math"
	"time"

	"grimm.is/netsentry/internal/features"
)

// Label classifies an aggregate score.
type Label string

const (
	LabelBenign  Label = "benign"
	LabelThreat  Label = "threat"
	LabelUnknown Label = "unknown"
)

// Verdict is one detector's output for a vector. Immutable.
type Verdict struct {
	DetectorID    string             `json:"detector_id"`
	Score         float64            `json:"score"`      // [0,1]
	Label         Label              `json:"label"`
	Confidence    float64            `json:"confidence"` // [0,1]
	Contributions map[string]float64 `json:"contributions,omitempty"`
}

// Detection is the combined ensemble output. Immutable.
type Detection struct {
	DetectionID    string                  `json:"detection_id"`
	Vector         *features.FeatureVector `json:"vector"`
	Verdicts       []Verdict               `json:"verdicts"`
	AggregateScore float64                 `json:"aggregate_score"` // [0,1] or NaN
	AggregateLabel Label                   `json:"aggregate_label"`
	Degraded       bool                    `json:"degraded"`
	DecidedAt      time.Time               `json:"decided_at"`
}

// Detector scores one feature vector. Implementations are pure with
// respect to the vector; any internal state is warm-started from the
// artifact at load time.
type Detector interface {
	ID() string
	Predict(ctx context.Context, v *features.FeatureVector) (Verdict, error)
}

// sigmoid squashes a raw margin into [0,1].
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// scoreConfidence maps distance from the decision midpoint to [0,1].
func scoreConfidence(score float64) float64 {
	c := math.Abs(score-0.5) * 2
	if c > 1 {
		return 1
	}
	return c
}

func labelFor(score, threshold float64) Label {
	if math.IsNaN(score) {
		return LabelUnknown
	}
	if score >= threshold {
		return LabelThreat
	}
	return LabelBenign
}
