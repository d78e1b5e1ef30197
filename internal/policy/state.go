// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"math"
	"time"

	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/features"
)

// StateSlots is the fixed agent input width.
const StateSlots = 12

// State slot layout. Every slot is normalized to [0,1].
//
//	 0 threat_score          ensemble aggregate (0 when unknown)
//	 1 src_reputation        0 trusted .. 1 hostile
//	 2 asset_criticality     criticality of the targeted asset
//	 3 traffic_volume        bytes slot from the feature vector
//	 4 protocol_risk         tcp .3, udp .4, icmp .5, other .7
//	 5 port_risk             risk of the targeted service port
//	 6 historical_alerts     recent alert count, saturating at 10
//	 7 time_of_day_risk      off-hours activity scores higher
//	 8 detection_confidence  mean verdict confidence
//	 9 connection_frequency  flow count slot from the feature vector
//	10 payload_anomaly       reconstruction/flag anomaly blend
//	11 geo_risk              source geolocation risk
type StateVector [StateSlots]float64

const (
	StateThreatScore = iota
	StateSrcReputation
	StateAssetCriticality
	StateTrafficVolume
	StateProtocolRisk
	StatePortRisk
	StateHistoricalAlerts
	StateTimeOfDayRisk
	StateDetectionConfidence
	StateConnectionFrequency
	StatePayloadAnomaly
	StateGeoRisk
)

// Context is the side information the agent folds into the state
// vector. Callers fill what they know; zero values are safe defaults.
type Context struct {
	SrcReputation    float64
	AssetCriticality float64
	HistoricalAlerts int
	GeoRisk          float64
	Protocol         string
	DstPort          uint16
	Now              time.Time
}

// BuildState derives the agent input from a detection and its context.
func BuildState(det *detect.Detection, c Context) StateVector {
	var s StateVector

	if !math.IsNaN(det.AggregateScore) {
		s[StateThreatScore] = clamp01(det.AggregateScore)
	}
	s[StateSrcReputation] = clamp01(c.SrcReputation)
	s[StateAssetCriticality] = clamp01(c.AssetCriticality)
	s[StateProtocolRisk] = protocolRisk(c.Protocol)
	s[StatePortRisk] = portRisk(c.DstPort)
	s[StateHistoricalAlerts] = clamp01(float64(c.HistoricalAlerts) / 10)
	s[StateTimeOfDayRisk] = timeOfDayRisk(c.Now)
	s[StateGeoRisk] = clamp01(c.GeoRisk)

	if det.Vector != nil {
		s[StateTrafficVolume] = det.Vector.Slots[features.SlotBytesOut]
		s[StateConnectionFrequency] = det.Vector.Slots[features.SlotFlowCount]
		s[StatePayloadAnomaly] = clamp01(
			0.5*det.Vector.Slots[features.SlotSYNACKImbalance] +
				0.5*det.Vector.Slots[features.SlotTinyFlowRatio])
	}

	if len(det.Verdicts) > 0 {
		var sum float64
		for _, v := range det.Verdicts {
			sum += v.Confidence
		}
		s[StateDetectionConfidence] = clamp01(sum / float64(len(det.Verdicts)))
	}

	return s
}

func protocolRisk(proto string) float64 {
	switch proto {
	case "tcp":
		return 0.3
	case "udp":
		return 0.4
	case "icmp":
		return 0.5
	case "":
		return 0.3
	}
	return 0.7
}

// portRisk scores commonly attacked services highest.
func portRisk(port uint16) float64 {
	switch port {
	case 22, 23, 3389, 5900: // remote admin
		return 0.9
	case 445, 139, 135: // SMB and friends
		return 0.85
	case 1433, 3306, 5432, 6379, 27017: // databases
		return 0.8
	case 21, 25, 53: // legacy services
		return 0.6
	case 80, 443, 8080, 8443: // web
		return 0.4
	case 0:
		return 0.5
	}
	if port < 1024 {
		return 0.5
	}
	return 0.3
}

// timeOfDayRisk scores off-hours activity higher. A zero time scores
// neutral so synthetic detections are not biased.
func timeOfDayRisk(now time.Time) float64 {
	if now.IsZero() {
		return 0.5
	}
	h := now.Hour()
	switch {
	case h >= 9 && h < 18:
		return 0.2
	case h >= 6 && h < 9, h >= 18 && h < 23:
		return 0.5
	default: // deep night
		return 0.8
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
