// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"encoding/json"
	"math"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
)

type autoencoderParams struct {
	EncWeights [][]float64 `json:"enc_weights"` // [hidden][SlotCount]
	EncBias    []float64   `json:"enc_bias"`    // [hidden]
	DecWeights [][]float64 `json:"dec_weights"` // [SlotCount][hidden]
	DecBias    []float64   `json:"dec_bias"`    // [SlotCount]
	ErrorScale float64     `json:"error_scale"` // reconstruction MSE at score 0.63
}

// Autoencoder scores by reconstruction error: vectors far from the
// training manifold reconstruct poorly.
type Autoencoder struct {
	id     string
	params autoencoderParams
}

// NewAutoencoder parses an autoencoder artifact.
func NewAutoencoder(id string, artifact []byte) (*Autoencoder, error) {
	var p autoencoderParams
	if err := json.Unmarshal(artifact, &p); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "autoencoder artifact decode failed")
	}
	h := len(p.EncWeights)
	if h == 0 || len(p.EncBias) != h {
		return nil, errors.New(errors.KindValidation, "autoencoder encoder dimensions disagree")
	}
	for _, row := range p.EncWeights {
		if len(row) != features.SlotCount {
			return nil, errors.New(errors.KindValidation, "autoencoder encoder width mismatch")
		}
	}
	if len(p.DecWeights) != features.SlotCount || len(p.DecBias) != features.SlotCount {
		return nil, errors.New(errors.KindValidation, "autoencoder decoder dimensions disagree")
	}
	for _, row := range p.DecWeights {
		if len(row) != h {
			return nil, errors.New(errors.KindValidation, "autoencoder decoder width mismatch")
		}
	}
	if p.ErrorScale <= 0 {
		p.ErrorScale = 0.05
	}
	return &Autoencoder{id: id, params: p}, nil
}

func (a *Autoencoder) ID() string { return a.id }

func (a *Autoencoder) Predict(ctx context.Context, v *features.FeatureVector) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	h := len(a.params.EncBias)
	hidden := make([]float64, h)
	for i := 0; i < h; i++ {
		sum := a.params.EncBias[i]
		for j := 0; j < features.SlotCount; j++ {
			sum += a.params.EncWeights[i][j] * v.Slots[j]
		}
		hidden[i] = math.Max(0, sum) // relu
	}

	var mse float64
	contrib := make(map[string]float64)
	for j := 0; j < features.SlotCount; j++ {
		sum := a.params.DecBias[j]
		for i := 0; i < h; i++ {
			sum += a.params.DecWeights[j][i] * hidden[i]
		}
		diff := v.Slots[j] - sum
		sq := diff * diff
		mse += sq
		contrib[features.SlotNames[j]] = sq
	}
	mse /= features.SlotCount

	score := 1 - math.Exp(-mse/a.params.ErrorScale)
	return Verdict{
		DetectorID:    a.id,
		Score:         score,
		Label:         labelFor(score, 0.5),
		Confidence:    scoreConfidence(score),
		Contributions: contrib,
	}, nil
}
