// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"encoding/json"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
)

// Stump is one boosted decision stump: route on a single slot and emit
// the corresponding margin contribution.
type Stump struct {
	Slot      int     `json:"slot"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`  // slot value < threshold
	Right     float64 `json:"right"` // slot value >= threshold
}

type boostedParams struct {
	Bias         float64 `json:"bias"`
	LearningRate float64 `json:"learning_rate"`
	Stumps       []Stump `json:"stumps"`
}

// Boosted is a gradient-boosted stump classifier warm-started from a
// trained artifact.
type Boosted struct {
	id     string
	params boostedParams
}

// NewBoosted parses a boosted artifact.
func NewBoosted(id string, artifact []byte) (*Boosted, error) {
	var p boostedParams
	if err := json.Unmarshal(artifact, &p); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "boosted artifact decode failed")
	}
	if len(p.Stumps) == 0 {
		return nil, errors.New(errors.KindValidation, "boosted artifact has no stumps")
	}
	if p.LearningRate == 0 {
		p.LearningRate = 1
	}
	for i, s := range p.Stumps {
		if s.Slot < 0 || s.Slot >= features.SlotCount {
			return nil, errors.Errorf(errors.KindValidation, "stump %d references slot %d", i, s.Slot)
		}
	}
	return &Boosted{id: id, params: p}, nil
}

func (b *Boosted) ID() string { return b.id }

func (b *Boosted) Predict(ctx context.Context, v *features.FeatureVector) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	margin := b.params.Bias
	contrib := make(map[string]float64)
	for _, s := range b.params.Stumps {
		out := s.Left
		if v.Slots[s.Slot] >= s.Threshold {
			out = s.Right
		}
		out *= b.params.LearningRate
		margin += out
		contrib[features.SlotNames[s.Slot]] += out
	}

	score := sigmoid(margin)
	return Verdict{
		DetectorID:    b.id,
		Score:         score,
		Label:         labelFor(score, 0.5),
		Confidence:    scoreConfidence(score),
		Contributions: contrib,
	}, nil
}
