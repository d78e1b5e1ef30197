// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"context"
	"encoding/json"
	"math"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
)

// forestNode is one node of an isolation tree. Left/Right index into
// the tree's node slice; -1 marks a leaf and Size is the number of
// training samples that reached it.
type forestNode struct {
	Slot      int     `json:"slot"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

type forestTree struct {
	Nodes []forestNode `json:"nodes"`
}

type forestParams struct {
	Trees      []forestTree `json:"trees"`
	SampleSize int          `json:"sample_size"`
}

// Forest is an isolation forest: anomalous vectors isolate in fewer
// splits, producing shorter paths and higher scores.
type Forest struct {
	id     string
	params forestParams
	cNorm  float64 // expected path length for the sample size
}

// NewForest parses an isolation forest artifact.
func NewForest(id string, artifact []byte) (*Forest, error) {
	var p forestParams
	if err := json.Unmarshal(artifact, &p); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "forest artifact decode failed")
	}
	if len(p.Trees) == 0 {
		return nil, errors.New(errors.KindValidation, "forest artifact has no trees")
	}
	if p.SampleSize < 2 {
		return nil, errors.New(errors.KindValidation, "forest artifact sample_size must be >= 2")
	}
	for ti, tree := range p.Trees {
		if len(tree.Nodes) == 0 {
			return nil, errors.Errorf(errors.KindValidation, "forest tree %d is empty", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return nil, errors.Errorf(errors.KindValidation, "forest tree %d node %d child out of range", ti, ni)
			}
			if n.Left >= 0 && (n.Slot < 0 || n.Slot >= features.SlotCount) {
				return nil, errors.Errorf(errors.KindValidation, "forest tree %d node %d references slot %d", ti, ni, n.Slot)
			}
		}
	}
	return &Forest{id: id, params: p, cNorm: avgPathLength(float64(p.SampleSize))}, nil
}

func (f *Forest) ID() string { return f.id }

func (f *Forest) Predict(ctx context.Context, v *features.FeatureVector) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	var total float64
	for _, tree := range f.params.Trees {
		total += pathLength(tree, v)
	}
	mean := total / float64(len(f.params.Trees))

	// Standard isolation forest anomaly score.
	score := math.Pow(2, -mean/f.cNorm)
	return Verdict{
		DetectorID: f.id,
		Score:      score,
		Label:      labelFor(score, 0.5),
		Confidence: scoreConfidence(score),
	}, nil
}

func pathLength(tree forestTree, v *features.FeatureVector) float64 {
	depth := 0.0
	idx := 0
	for {
		n := tree.Nodes[idx]
		if n.Left < 0 { // leaf
			return depth + avgPathLength(float64(n.Size))
		}
		depth++
		if v.Slots[n.Slot] < n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// avgPathLength is c(n), the expected unsuccessful-search path length
// of a BST over n samples.
func avgPathLength(n float64) float64 {
	if n < 2 {
		return 0
	}
	const euler = 0.5772156649
	return 2*(math.Log(n-1)+euler) - 2*(n-1)/n
}
