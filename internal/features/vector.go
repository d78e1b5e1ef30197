// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package features maintains per-key aggregation windows over
// normalized flow records and emits fixed-layout feature vectors.
package features

import (
	"encoding/json"
	"time"
)

// SchemaMajor is the feature layout version. Detector artifacts declare
// the major they were trained against; a mismatch is fatal at load.
const SchemaMajor = 1

// SlotCount is the fixed vector length.
const SlotCount = 24

// Vector slot layout. Every slot is a float in [0,1]; counts are
// log-compressed so volumetric slots stay bounded.
//
//	 0 flow_count        log10(1+flows)/6
//	 1 bytes_in          log10(1+bytes)/12
//	 2 bytes_out         log10(1+bytes)/12
//	 3 packets_in        log10(1+pkts)/9
//	 4 packets_out       log10(1+pkts)/9
//	 5 bytes_in_ratio    bytes_in/(bytes_in+bytes_out)
//	 6 packets_in_ratio  pkts_in/(pkts_in+pkts_out)
//	 7 mean_flow_bytes   log10(1+mean)/12
//	 8 flow_bytes_stddev log10(1+stddev)/12
//	 9 window_fill       active span / window span
//	10 syn_ratio         syn/(total flags)
//	11 ack_ratio         ack/(total flags)
//	12 fin_ratio         fin/(total flags)
//	13 rst_ratio         rst/(total flags)
//	14 syn_ack_imbalance syn/(syn+ack), 0 when no flags
//	15 dst_port_entropy  H(dst_port)/log2(distinct ports), 0 if <2
//	16 protocol_entropy  H(protocol)/2
//	17 distinct_dst      log10(1+hosts)/4
//	18 distinct_ports    log10(1+ports)/4
//	19 fan_out_ratio     distinct dst hosts / flows
//	20 mean_packet_size  mean bytes per packet / 1500, clamped
//	21 gap_mean          mean inter-record gap / window span
//	22 gap_stddev        gap stddev / window span
//	23 tiny_flow_ratio   flows with <4 packets / flows
const (
	SlotFlowCount = iota
	SlotBytesIn
	SlotBytesOut
	SlotPacketsIn
	SlotPacketsOut
	SlotBytesInRatio
	SlotPacketsInRatio
	SlotMeanFlowBytes
	SlotFlowBytesStddev
	SlotWindowFill
	SlotSYNRatio
	SlotACKRatio
	SlotFINRatio
	SlotRSTRatio
	SlotSYNACKImbalance
	SlotDstPortEntropy
	SlotProtocolEntropy
	SlotDistinctDst
	SlotDistinctPorts
	SlotFanOutRatio
	SlotMeanPacketSize
	SlotGapMean
	SlotGapStddev
	SlotTinyFlowRatio
)

// SlotNames maps slot index to its documented name, in layout order.
var SlotNames = [SlotCount]string{
	"flow_count", "bytes_in", "bytes_out", "packets_in", "packets_out",
	"bytes_in_ratio", "packets_in_ratio", "mean_flow_bytes", "flow_bytes_stddev",
	"window_fill", "syn_ratio", "ack_ratio", "fin_ratio", "rst_ratio",
	"syn_ack_imbalance", "dst_port_entropy", "protocol_entropy", "distinct_dst",
	"distinct_ports", "fan_out_ratio", "mean_packet_size", "gap_mean",
	"gap_stddev", "tiny_flow_ratio",
}

// Context carries traceback identifiers alongside a vector. Opaque to
// detectors; the audit trail records it verbatim.
type Context struct {
	WindowKey   string    `json:"window_key"`
	WindowKind  string    `json:"window_kind"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SrcAddr     string    `json:"src_addr,omitempty"`
	SensorID    string    `json:"sensor_id,omitempty"`
	FlowIDs     []string  `json:"flow_ids,omitempty"` // bounded sample
}

// FeatureVector is the fixed-layout detector input. Immutable once
// emitted.
type FeatureVector struct {
	SchemaMajor int                `json:"schema_major"`
	Slots       [SlotCount]float64 `json:"slots"`
	Context     Context            `json:"context"`
	EmittedAt   time.Time          `json:"emitted_at"`
}

// Marshal encodes the vector for the features topic.
func (v *FeatureVector) Marshal() ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalVector decodes a features topic payload.
func UnmarshalVector(data []byte) (*FeatureVector, error) {
	var v FeatureVector
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
