// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"encoding/binary"
	"encoding/json"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/netsentry/internal/errors"
)

// Parser turns one collector frame into a CommonRecord.
type Parser interface {
	Framing() Framing
	Parse(sensorID string, data []byte) (*CommonRecord, error)
}

// ParserFor returns the parser for a framing tag.
func ParserFor(f Framing) (Parser, error) {
	switch f {
	case FramingPacket:
		return PacketParser{}, nil
	case FramingFlowBin:
		return FlowBinaryParser{}, nil
	case FramingFlowJSON:
		return FlowJSONParser{}, nil
	case FramingHost:
		return HostEventParser{}, nil
	}
	return nil, errors.Errorf(errors.KindParse, "unknown framing %q", f)
}

// PacketParser decodes a single captured ethernet frame into a
// one-packet flow record.
type PacketParser struct{}

func (PacketParser) Framing() Framing { return FramingPacket }

func (PacketParser) Parse(sensorID string, data []byte) (*CommonRecord, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return nil, errors.Wrapf(errLayer.Error(), errors.KindParse, "packet decode failed")
	}

	rec := &CommonRecord{
		SensorID: sensorID,
		Origin:   FramingPacket,
		TEnd:     time.Now(),
		Protocol: ProtoOther,
	}

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		rec.SrcAddr, _ = netip.AddrFromSlice(ip.SrcIP)
		rec.DstAddr, _ = netip.AddrFromSlice(ip.DstIP)
		rec.BytesOut = uint64(ip.Length)
	case *layers.IPv6:
		rec.SrcAddr, _ = netip.AddrFromSlice(ip.SrcIP)
		rec.DstAddr, _ = netip.AddrFromSlice(ip.DstIP)
		rec.BytesOut = uint64(ip.Length)
	default:
		return nil, errors.New(errors.KindParse, "frame has no IP layer")
	}
	rec.PacketsOut = 1

	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		rec.Protocol = ProtoTCP
		rec.SrcPort = uint16(t.SrcPort)
		rec.DstPort = uint16(t.DstPort)
		if t.SYN {
			rec.Flags.SYN++
		}
		if t.ACK {
			rec.Flags.ACK++
		}
		if t.FIN {
			rec.Flags.FIN++
		}
		if t.RST {
			rec.Flags.RST++
		}
		if t.PSH {
			rec.Flags.PSH++
		}
		if t.URG {
			rec.Flags.URG++
		}
	case *layers.UDP:
		rec.Protocol = ProtoUDP
		rec.SrcPort = uint16(t.SrcPort)
		rec.DstPort = uint16(t.DstPort)
	default:
		if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
			rec.Protocol = ProtoICMP
		}
	}

	rec.TStart = rec.TEnd
	return rec, nil
}

// flowBinLen is the fixed size of one binary flow export record.
const flowBinLen = 72

// flowBinMagic marks the start of a binary export record.
const flowBinMagic = 0x4E53 // "NS"

// FlowBinaryParser decodes the 72-byte big-endian export record the
// edge collectors emit:
//
//	magic(2) version(1) proto(1) flow_id(8)
//	t_start_ms(8) t_end_ms(8)
//	src_ip4(4) dst_ip4(4) src_port(2) dst_port(2)
//	bytes_in(8) bytes_out(8) pkts_in(4) pkts_out(4)
//	syn(2) ack(2) fin(2) rst(2)
type FlowBinaryParser struct{}

func (FlowBinaryParser) Framing() Framing { return FramingFlowBin }

func (FlowBinaryParser) Parse(sensorID string, data []byte) (*CommonRecord, error) {
	if len(data) < flowBinLen {
		return nil, errors.Errorf(errors.KindParse, "short flow record: %d bytes", len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != flowBinMagic {
		return nil, errors.New(errors.KindParse, "bad flow record magic")
	}
	if data[2] != 1 {
		return nil, errors.Errorf(errors.KindParse, "unsupported flow record version %d", data[2])
	}

	var proto Protocol
	switch data[3] {
	case 6:
		proto = ProtoTCP
	case 17:
		proto = ProtoUDP
	case 1:
		proto = ProtoICMP
	default:
		proto = ProtoOther
	}

	src, _ := netip.AddrFromSlice(data[28:32])
	dst, _ := netip.AddrFromSlice(data[32:36])

	rec := &CommonRecord{
		SensorID:   sensorID,
		Origin:     FramingFlowBin,
		FlowID:     hexU64(binary.BigEndian.Uint64(data[4:12])),
		TStart:     time.UnixMilli(int64(binary.BigEndian.Uint64(data[12:20]))).UTC(),
		TEnd:       time.UnixMilli(int64(binary.BigEndian.Uint64(data[20:28]))).UTC(),
		SrcAddr:    src,
		DstAddr:    dst,
		SrcPort:    binary.BigEndian.Uint16(data[36:38]),
		DstPort:    binary.BigEndian.Uint16(data[38:40]),
		Protocol:   proto,
		BytesIn:    binary.BigEndian.Uint64(data[40:48]),
		BytesOut:   binary.BigEndian.Uint64(data[48:56]),
		PacketsIn:  uint64(binary.BigEndian.Uint32(data[56:60])),
		PacketsOut: uint64(binary.BigEndian.Uint32(data[60:64])),
		Flags: FlagCounts{
			SYN: uint32(binary.BigEndian.Uint16(data[64:66])),
			ACK: uint32(binary.BigEndian.Uint16(data[66:68])),
			FIN: uint32(binary.BigEndian.Uint16(data[68:70])),
			RST: uint32(binary.BigEndian.Uint16(data[70:72])),
		},
	}
	return rec, nil
}

// MarshalFlowBinary encodes a record in the binary export framing.
// Used by the simulator and round-trip tests.
func MarshalFlowBinary(r *CommonRecord) []byte {
	buf := make([]byte, flowBinLen)
	binary.BigEndian.PutUint16(buf[0:2], flowBinMagic)
	buf[2] = 1
	switch r.Protocol {
	case ProtoTCP:
		buf[3] = 6
	case ProtoUDP:
		buf[3] = 17
	case ProtoICMP:
		buf[3] = 1
	}
	binary.BigEndian.PutUint64(buf[4:12], parseHexU64(r.FlowID))
	binary.BigEndian.PutUint64(buf[12:20], uint64(r.TStart.UnixMilli()))
	binary.BigEndian.PutUint64(buf[20:28], uint64(r.TEnd.UnixMilli()))
	copy(buf[28:32], r.SrcAddr.AsSlice())
	copy(buf[32:36], r.DstAddr.AsSlice())
	binary.BigEndian.PutUint16(buf[36:38], r.SrcPort)
	binary.BigEndian.PutUint16(buf[38:40], r.DstPort)
	binary.BigEndian.PutUint64(buf[40:48], r.BytesIn)
	binary.BigEndian.PutUint64(buf[48:56], r.BytesOut)
	binary.BigEndian.PutUint32(buf[56:60], uint32(r.PacketsIn))
	binary.BigEndian.PutUint32(buf[60:64], uint32(r.PacketsOut))
	binary.BigEndian.PutUint16(buf[64:66], uint16(r.Flags.SYN))
	binary.BigEndian.PutUint16(buf[66:68], uint16(r.Flags.ACK))
	binary.BigEndian.PutUint16(buf[68:70], uint16(r.Flags.FIN))
	binary.BigEndian.PutUint16(buf[70:72], uint16(r.Flags.RST))
	return buf
}

// FlowJSONParser decodes one JSON flow object per frame.
type FlowJSONParser struct{}

func (FlowJSONParser) Framing() Framing { return FramingFlowJSON }

type jsonFlow struct {
	FlowID     string `json:"flow_id"`
	TStartMS   int64  `json:"t_start_ms"`
	TEndMS     int64  `json:"t_end_ms"`
	SrcAddr    string `json:"src_addr"`
	DstAddr    string `json:"dst_addr"`
	SrcPort    uint16 `json:"src_port"`
	DstPort    uint16 `json:"dst_port"`
	Protocol   string `json:"protocol"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
	SYN        uint32 `json:"syn"`
	ACK        uint32 `json:"ack"`
	FIN        uint32 `json:"fin"`
	RST        uint32 `json:"rst"`
}

func (FlowJSONParser) Parse(sensorID string, data []byte) (*CommonRecord, error) {
	var jf jsonFlow
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "flow json decode failed")
	}

	src, err := netip.ParseAddr(jf.SrcAddr)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "bad src_addr")
	}
	dst, err := netip.ParseAddr(jf.DstAddr)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "bad dst_addr")
	}

	return &CommonRecord{
		SensorID:   sensorID,
		Origin:     FramingFlowJSON,
		FlowID:     jf.FlowID,
		TStart:     time.UnixMilli(jf.TStartMS).UTC(),
		TEnd:       time.UnixMilli(jf.TEndMS).UTC(),
		SrcAddr:    src,
		DstAddr:    dst,
		SrcPort:    jf.SrcPort,
		DstPort:    jf.DstPort,
		Protocol:   Protocol(jf.Protocol),
		BytesIn:    jf.BytesIn,
		BytesOut:   jf.BytesOut,
		PacketsIn:  jf.PacketsIn,
		PacketsOut: jf.PacketsOut,
		Flags:      FlagCounts{SYN: jf.SYN, ACK: jf.ACK, FIN: jf.FIN, RST: jf.RST},
	}, nil
}

// HostEventParser decodes connection-table samples from host sensors.
type HostEventParser struct{}

func (HostEventParser) Framing() Framing { return FramingHost }

type hostEvent struct {
	TimestampMS int64  `json:"timestamp_ms"`
	LocalAddr   string `json:"local_addr"`
	LocalPort   uint16 `json:"local_port"`
	RemoteAddr  string `json:"remote_addr"`
	RemotePort  uint16 `json:"remote_port"`
	Protocol    string `json:"protocol"`
	Direction   string `json:"direction"` // inbound or outbound
	Bytes       uint64 `json:"bytes"`
	Packets     uint64 `json:"packets"`
}

func (HostEventParser) Parse(sensorID string, data []byte) (*CommonRecord, error) {
	var ev hostEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "host event decode failed")
	}

	local, err := netip.ParseAddr(ev.LocalAddr)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "bad local_addr")
	}
	remote, err := netip.ParseAddr(ev.RemoteAddr)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "bad remote_addr")
	}

	ts := time.UnixMilli(ev.TimestampMS).UTC()
	rec := &CommonRecord{
		SensorID: sensorID,
		Origin:   FramingHost,
		TStart:   ts,
		TEnd:     ts,
		Protocol: Protocol(ev.Protocol),
	}

	// The host sees its local endpoint; orient the tuple so src is the
	// initiating side.
	if ev.Direction == "inbound" {
		rec.SrcAddr, rec.SrcPort = remote, ev.RemotePort
		rec.DstAddr, rec.DstPort = local, ev.LocalPort
		rec.BytesIn, rec.PacketsIn = ev.Bytes, ev.Packets
	} else {
		rec.SrcAddr, rec.SrcPort = local, ev.LocalPort
		rec.DstAddr, rec.DstPort = remote, ev.RemotePort
		rec.BytesOut, rec.PacketsOut = ev.Bytes, ev.Packets
	}
	return rec, nil
}

func hexU64(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func parseHexU64(s string) uint64 {
	var v uint64
	for _, c := range s {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint64(c-'A') + 10
		}
	}
	return v
}
