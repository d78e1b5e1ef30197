// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"encoding/json"
	"math"
)

// The aggregate score is NaN when every detector failed. JSON has no
// NaN, so it travels as null.

type detectionJSON Detection

type detectionWire struct {
	detectionJSON
	AggregateScore *float64 `json:"aggregate_score"`
}

func (d Detection) MarshalJSON() ([]byte, error) {
	w := detectionWire{detectionJSON: detectionJSON(d)}
	if !math.IsNaN(d.AggregateScore) {
		score := d.AggregateScore
		w.AggregateScore = &score
	}
	return json.Marshal(w)
}

func (d *Detection) UnmarshalJSON(data []byte) error {
	var w detectionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Detection(w.detectionJSON)
	if w.AggregateScore != nil {
		d.AggregateScore = *w.AggregateScore
	} else {
		d.AggregateScore = math.NaN()
	}
	return nil
}
