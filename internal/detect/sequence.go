// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"encoding/json"
	"math"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
)

type sequenceParams struct {
	InputWeights     []float64   `json:"input_weights"`     // [hidden]
	RecurrentWeights [][]float64 `json:"recurrent_weights"` // [hidden][hidden]
	Bias             []float64   `json:"bias"`              // [hidden]
	OutputWeights    []float64   `json:"output_weights"`    // [hidden]
	OutputBias       float64     `json:"output_bias"`
}

// Sequence is a small recurrent scorer. It walks the vector slots in
// layout order, carrying a hidden state, so it reacts to the shape of
// the slot profile rather than individual magnitudes.
type Sequence struct {
	id     string
	params sequenceParams
}

// NewSequence parses a sequence artifact.
func NewSequence(id string, artifact []byte) (*Sequence, error) {
	var p sequenceParams
	if err := json.Unmarshal(artifact, &p); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "sequence artifact decode failed")
	}
	h := len(p.InputWeights)
	if h == 0 {
		return nil, errors.New(errors.KindValidation, "sequence artifact has no hidden units")
	}
	if len(p.Bias) != h || len(p.OutputWeights) != h || len(p.RecurrentWeights) != h {
		return nil, errors.New(errors.KindValidation, "sequence artifact dimensions disagree")
	}
	for _, row := range p.RecurrentWeights {
		if len(row) != h {
			return nil, errors.New(errors.KindValidation, "sequence artifact recurrent matrix is ragged")
		}
	}
	return &Sequence{id: id, params: p}, nil
}

func (s *Sequence) ID() string { return s.id }

func (s *Sequence) Predict(ctx context.Context, v *features.FeatureVector) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	h := len(s.params.InputWeights)
	state := make([]float64, h)
	next := make([]float64, h)

	for t := 0; t < features.SlotCount; t++ {
		x := v.Slots[t]
		for i := 0; i < h; i++ {
			sum := s.params.InputWeights[i]*x + s.params.Bias[i]
			for j := 0; j < h; j++ {
				sum += s.params.RecurrentWeights[i][j] * state[j]
			}
			next[i] = math.Tanh(sum)
		}
		state, next = next, state
	}

	margin := s.params.OutputBias
	for i := 0; i < h; i++ {
		margin += s.params.OutputWeights[i] * state[i]
	}

	score := sigmoid(margin)
	return Verdict{
		DetectorID: s.id,
		Score:      score,
		Label:      labelFor(score, 0.5),
		Confidence: scoreConfidence(score),
	}, nil
}
