// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"encoding/json"
	"math"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"

	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
)

// actionParams is one linear head of the policy artifact.
type actionParams struct {
	Weights []float64 `json:"weights"` // [StateSlots]
	Bias    float64   `json:"bias"`
}

type agentArtifact struct {
	AgentID string                  `json:"agent_id"`
	Actions map[Action]actionParams `json:"actions"`
}

// Agent maps a detection plus context to an enforcement action. The
// learned policy is a linear softmax over the state vector; given the
// same artifact and input the output is deterministic. Without an
// artifact, or when scoring fails, a threshold rule table takes over.
type Agent struct {
	id       string
	artifact *agentArtifact
	geo      *GeoResolver

	highThreshold float64
	medThreshold  float64
	lowThreshold  float64

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewAgent loads the policy artifact when configured. A missing
// artifact path is valid and selects the fallback table; a present but
// unloadable artifact is a startup error.
func NewAgent(cfg *config.AgentConfig, geo *GeoResolver, m *metrics.Metrics) (*Agent, error) {
	a := &Agent{
		id:            "fallback-table",
		geo:           geo,
		highThreshold: cfg.HighThreshold,
		medThreshold:  cfg.MedThreshold,
		lowThreshold:  cfg.LowThreshold,
		metrics:       m,
		logger:        logging.WithComponent("agent"),
	}

	if cfg.ArtifactPath != "" {
		art, err := loadAgentArtifact(cfg.ArtifactPath)
		if err != nil {
			return nil, err
		}
		a.artifact = art
		a.id = art.AgentID
	}
	return a, nil
}

func loadAgentArtifact(path string) (*agentArtifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "agent artifact unreadable")
	}
	var art agentArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "agent artifact decode failed")
	}
	if art.AgentID == "" {
		return nil, errors.New(errors.KindValidation, "agent artifact has no agent_id")
	}
	for _, action := range Actions {
		p, ok := art.Actions[action]
		if !ok {
			return nil, errors.Errorf(errors.KindValidation, "agent artifact missing action %q", action)
		}
		if len(p.Weights) != StateSlots {
			return nil, errors.Errorf(errors.KindValidation,
				"agent artifact action %q has %d weights, want %d", action, len(p.Weights), StateSlots)
		}
	}
	for action := range art.Actions {
		if !action.Valid() {
			return nil, errors.Errorf(errors.KindValidation, "agent artifact has unknown action %q", action)
		}
	}
	return &art, nil
}

// Decide emits the Decision for one detection. On caller cancellation
// it returns promptly without emitting.
func (a *Agent) Decide(ctx context.Context, det *detect.Detection, c Context) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	srcAddr := ""
	if det.Vector != nil {
		srcAddr = det.Vector.Context.SrcAddr
	}
	if c.GeoRisk == 0 && srcAddr != "" {
		if addr, err := netip.ParseAddr(srcAddr); err == nil {
			c.GeoRisk = a.geo.Risk(addr)
		}
	}

	var action Action
	var confidence float64
	agentID := a.id

	switch {
	case det.AggregateLabel == detect.LabelUnknown:
		// Total detector outage: observe, never enforce.
		action, confidence = ActionMonitor, 0.3
	case a.artifact != nil:
		action, confidence = a.score(BuildState(det, c))
	default:
		a.metrics.AgentFallbacks.Inc()
		action, confidence = a.fallback(det.AggregateScore)
	}

	dec := &Decision{
		DecisionID:  uuid.NewString(),
		DetectionID: det.DetectionID,
		Action:      action,
		Parameters:  ParametersFor(action),
		Confidence:  confidence,
		AgentID:     agentID,
		SrcAddr:     srcAddr,
		DstPort:     c.DstPort,
		Protocol:    c.Protocol,
		DecidedAt:   time.Now().UTC(),
	}
	a.metrics.Decisions.WithLabelValues(string(action)).Inc()
	return dec, nil
}

// score runs the linear softmax policy. Ties break by the stable action
// order so the mapping stays deterministic.
func (a *Agent) score(s StateVector) (Action, float64) {
	logits := make(map[Action]float64, len(Actions))
	maxLogit := math.Inf(-1)
	for _, action := range Actions {
		p := a.artifact.Actions[action]
		z := p.Bias
		for i := 0; i < StateSlots; i++ {
			z += p.Weights[i] * s[i]
		}
		logits[action] = z
		if z > maxLogit {
			maxLogit = z
		}
	}

	var denom float64
	for _, z := range logits {
		denom += math.Exp(z - maxLogit)
	}

	best := Actions[0]
	for _, action := range Actions[1:] {
		if logits[action] > logits[best] {
			best = action
		}
	}
	return best, math.Exp(logits[best]-maxLogit) / denom
}

// fallback is the threshold rule table used when no learned policy is
// available.
func (a *Agent) fallback(score float64) (Action, float64) {
	switch {
	case score >= a.highThreshold:
		return ActionDeny, 0.9
	case score >= a.medThreshold:
		return ActionRateLimitMed, 0.7
	case score >= a.lowThreshold:
		return ActionMonitor, 0.5
	}
	return ActionAllow, 0.6
}
