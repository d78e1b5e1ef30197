// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"math"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/policy"
	"grimm.is/netsentry/internal/rules"
)

func openTestStore(t *testing.T) (*Store, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), m)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, m
}

func sampleRecord(detectionID string) *Record {
	vec := &features.FeatureVector{
		SchemaMajor: features.SchemaMajor,
		Context: features.Context{
			WindowKey:  "203.0.113.7",
			WindowKind: "tumbling",
			SrcAddr:    "203.0.113.7",
			SensorID:   "edge-1",
		},
		EmittedAt: time.Now().UTC(),
	}
	vec.Slots[features.SlotSYNRatio] = 1.0

	det := &detect.Detection{
		DetectionID: detectionID,
		Vector:      vec,
		Verdicts: []detect.Verdict{{
			DetectorID:    "boosted",
			Score:         0.91,
			Label:         detect.LabelThreat,
			Confidence:    0.82,
			Contributions: map[string]float64{"syn_ratio": 2.0},
		}},
		AggregateScore: 0.88,
		AggregateLabel: detect.LabelThreat,
		DecidedAt:      time.Now().UTC(),
	}

	return &Record{
		DetectionID: detectionID,
		DecisionID:  "dec-1",
		RuleID:      "rule-1",
		SrcAddr:     "203.0.113.7",
		Action:      string(policy.ActionDeny),
		Label:       string(detect.LabelThreat),
		Score:       Score(0.88),
		Detection:   det,
		Decision: &policy.Decision{
			DecisionID:  "dec-1",
			DetectionID: detectionID,
			Action:      policy.ActionDeny,
			Confidence:  0.88,
			AgentID:     "fallback-table",
		},
		Rule: &rules.UniversalRule{
			RuleID:            "rule-1",
			Match:             rules.Match{SrcCIDR: netip.MustParsePrefix("203.0.113.7/32")},
			Action:            rules.Deny,
			Priority:          100,
			TTL:               time.Hour,
			OriginDecisionRef: "dec-1",
			CreatedAt:         time.Now().UTC(),
		},
		RuleState: rules.StateActive,
		Outcomes: []rules.AdapterOutcome{
			{Adapter: "sim", Outcome: rules.OutcomeTransient, Detail: "busy", At: time.Now().UTC()},
			{Adapter: "sim", Outcome: rules.OutcomeOK, NativeID: "rule-1", At: time.Now().UTC()},
		},
		Stages: map[string]time.Time{
			"detected": time.Now().UTC(),
			"decided":  time.Now().UTC(),
			"applied":  time.Now().UTC(),
		},
	}
}

func TestAppendAndQueryByDetection(t *testing.T) {
	s, m := openTestStore(t)

	require.NoError(t, s.Append(sampleRecord("det-1")))
	require.NoError(t, s.Append(sampleRecord("det-2")))

	recs, err := s.ByDetection("det-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "det-1", rec.DetectionID)
	assert.Equal(t, "deny", rec.Action)
	require.NotNil(t, rec.Score)
	assert.InDelta(t, 0.88, *rec.Score, 1e-9)

	// The full explanation chain survives the round trip.
	require.NotNil(t, rec.Detection)
	assert.InDelta(t, 1.0, rec.Detection.Vector.Slots[features.SlotSYNRatio], 1e-9)
	assert.Equal(t, 2.0, rec.Detection.Verdicts[0].Contributions["syn_ratio"])
	require.NotNil(t, rec.Rule)
	assert.Equal(t, rules.StateActive, rec.RuleState)
	require.Len(t, rec.Outcomes, 2)
	assert.Equal(t, rules.OutcomeTransient, rec.Outcomes[0].Outcome)
	assert.Equal(t, rules.OutcomeOK, rec.Outcomes[1].Outcome)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.AuditRecords))
}

func TestGetResolvesRuleID(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Append(sampleRecord("det-1")))

	recs, err := s.Get("rule-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "det-1", recs[0].DetectionID)

	recs, err = s.Get("det-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = s.Get("missing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDegradedDetectionRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	rec := &Record{
		DetectionID: "det-nan",
		Action:      string(policy.ActionMonitor),
		Label:       string(detect.LabelUnknown),
		Score:       Score(math.NaN()),
		Detection: &detect.Detection{
			DetectionID:    "det-nan",
			AggregateScore: math.NaN(),
			AggregateLabel: detect.LabelUnknown,
			Degraded:       true,
		},
	}
	require.NoError(t, s.Append(rec))

	recs, err := s.ByDetection("det-nan")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Score)
	assert.True(t, math.IsNaN(recs[0].Detection.AggregateScore))
	assert.Equal(t, detect.LabelUnknown, recs[0].Detection.AggregateLabel)
}

func TestPurgeRespectsRetention(t *testing.T) {
	s, m := openTestStore(t)

	old := sampleRecord("det-old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Append(old))
	require.NoError(t, s.Append(sampleRecord("det-new")))

	n, err := s.Purge(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.ByDetection("det-old")
	require.NoError(t, err)
	assert.Empty(t, recs)
	recs, err = s.ByDetection("det-new")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditPurged))
}
