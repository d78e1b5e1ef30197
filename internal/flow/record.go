// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow normalizes heterogeneous collector input into the
// CommonRecord every downstream stage consumes.
package flow

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/netip"
	"time"
)

// Protocol is the IP protocol of a flow.
type Protocol string

const (
	ProtoTCP   Protocol = "tcp"
	ProtoUDP   Protocol = "udp"
	ProtoICMP  Protocol = "icmp"
	ProtoOther Protocol = "other"
)

// Framing identifies the collector wire format a record arrived in.
type Framing string

const (
	FramingPacket   Framing = "packet"
	FramingFlowBin  Framing = "flow_bin"
	FramingFlowJSON Framing = "flow_json"
	FramingHost     Framing = "host_event"
)

// FlagCounts summarizes TCP flag observations over a flow.
type FlagCounts struct {
	SYN uint32 `json:"syn"`
	ACK uint32 `json:"ack"`
	FIN uint32 `json:"fin"`
	RST uint32 `json:"rst"`
	PSH uint32 `json:"psh"`
	URG uint32 `json:"urg"`
}

// CommonRecord is the normalized flow record. It is immutable after
// Normalize; downstream stages never mutate it.
type CommonRecord struct {
	SensorID string  `json:"sensor_id"`
	FlowID   string  `json:"flow_id"`
	Origin   Framing `json:"origin"`

	TStart time.Time `json:"t_start"`
	TEnd   time.Time `json:"t_end"`

	SrcAddr  netip.Addr `json:"src_addr"`
	SrcPort  uint16     `json:"src_port"`
	DstAddr  netip.Addr `json:"dst_addr"`
	DstPort  uint16     `json:"dst_port"`
	Protocol Protocol   `json:"protocol"`

	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`

	Flags FlagCounts `json:"flags"`
}

// DedupKey identifies a record for at-most-once admission within the
// dedup window.
func (r *CommonRecord) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", r.SensorID, r.FlowID, r.TEnd.UnixNano())
}

// Normalize canonicalizes a parsed record in place and returns it.
// Normalize is a fixed point: applying it twice yields the same record.
func Normalize(r *CommonRecord) *CommonRecord {
	if r.TEnd.Before(r.TStart) {
		r.TStart, r.TEnd = r.TEnd, r.TStart
	}
	if r.TStart.IsZero() {
		r.TStart = r.TEnd
	}
	switch r.Protocol {
	case ProtoTCP, ProtoUDP, ProtoICMP:
	default:
		r.Protocol = ProtoOther
	}
	if r.FlowID == "" {
		r.FlowID = syntheticFlowID(r)
	}
	if r.SensorID == "" {
		r.SensorID = "unknown"
	}
	return r
}

// syntheticFlowID derives a stable id from the 5-tuple and start time
// for framings that do not carry one.
func syntheticFlowID(r *CommonRecord) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d>%s:%d/%s@%d",
		r.SrcAddr, r.SrcPort, r.DstAddr, r.DstPort, r.Protocol, r.TStart.UnixNano())
	return fmt.Sprintf("%016x", h.Sum64())
}

// Marshal encodes the record for the bus.
func (r *CommonRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord decodes a bus payload back into a record.
func UnmarshalRecord(data []byte) (*CommonRecord, error) {
	var r CommonRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
