// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netsentry/internal/errors"
)

func TestFlowBinaryRoundTrip(t *testing.T) {
	orig := sampleRecord()
	data := MarshalFlowBinary(orig)
	require.Len(t, data, flowBinLen)

	got, err := FlowBinaryParser{}.Parse("edge-1", data)
	require.NoError(t, err)

	assert.Equal(t, orig.FlowID, got.FlowID)
	assert.Equal(t, orig.TStart, got.TStart)
	assert.Equal(t, orig.TEnd, got.TEnd)
	assert.Equal(t, orig.SrcAddr, got.SrcAddr)
	assert.Equal(t, orig.DstAddr, got.DstAddr)
	assert.Equal(t, orig.SrcPort, got.SrcPort)
	assert.Equal(t, orig.DstPort, got.DstPort)
	assert.Equal(t, orig.Protocol, got.Protocol)
	assert.Equal(t, orig.BytesIn, got.BytesIn)
	assert.Equal(t, orig.BytesOut, got.BytesOut)
	assert.Equal(t, orig.PacketsIn, got.PacketsIn)
	assert.Equal(t, orig.PacketsOut, got.PacketsOut)
	assert.Equal(t, orig.Flags.SYN, got.Flags.SYN)
	assert.Equal(t, orig.Flags.RST, got.Flags.RST)
}

func TestFlowBinaryMalformed(t *testing.T) {
	p := FlowBinaryParser{}

	_, err := p.Parse("s", make([]byte, 10))
	assert.Equal(t, errors.KindParse, errors.GetKind(err), "short record")

	bad := MarshalFlowBinary(sampleRecord())
	bad[0] = 0xFF
	_, err = p.Parse("s", bad)
	assert.Equal(t, errors.KindParse, errors.GetKind(err), "bad magic")

	bad = MarshalFlowBinary(sampleRecord())
	bad[2] = 9
	_, err = p.Parse("s", bad)
	assert.Equal(t, errors.KindParse, errors.GetKind(err), "bad version")
}

func TestFlowJSONParse(t *testing.T) {
	data := []byte(`{
		"flow_id": "abc123",
		"t_start_ms": 1700000000000,
		"t_end_ms": 1700000002000,
		"src_addr": "198.51.100.9",
		"dst_addr": "10.1.2.3",
		"src_port": 40000,
		"dst_port": 22,
		"protocol": "tcp",
		"bytes_in": 512,
		"bytes_out": 2048,
		"packets_in": 4,
		"packets_out": 6,
		"syn": 1, "ack": 9, "fin": 0, "rst": 0
	}`)

	rec, err := FlowJSONParser{}.Parse("gw-2", data)
	require.NoError(t, err)
	assert.Equal(t, "gw-2", rec.SensorID)
	assert.Equal(t, "abc123", rec.FlowID)
	assert.Equal(t, uint16(22), rec.DstPort)
	assert.Equal(t, ProtoTCP, rec.Protocol)
	assert.Equal(t, uint32(1), rec.Flags.SYN)

	_, err = FlowJSONParser{}.Parse("gw-2", []byte("{not json"))
	assert.Equal(t, errors.KindParse, errors.GetKind(err))

	_, err = FlowJSONParser{}.Parse("gw-2", []byte(`{"src_addr":"nope","dst_addr":"10.0.0.1"}`))
	assert.Equal(t, errors.KindParse, errors.GetKind(err))
}

func TestHostEventOrientation(t *testing.T) {
	inbound := []byte(`{
		"timestamp_ms": 1700000000000,
		"local_addr": "10.0.0.5", "local_port": 443,
		"remote_addr": "203.0.113.7", "remote_port": 51000,
		"protocol": "tcp", "direction": "inbound",
		"bytes": 900, "packets": 7
	}`)

	rec, err := HostEventParser{}.Parse("host-a", inbound)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", rec.SrcAddr.String(), "remote side initiates inbound connections")
	assert.Equal(t, uint16(443), rec.DstPort)
	assert.Equal(t, uint64(900), rec.BytesIn)
	assert.Zero(t, rec.BytesOut)

	outbound := []byte(`{
		"timestamp_ms": 1700000000000,
		"local_addr": "10.0.0.5", "local_port": 51001,
		"remote_addr": "8.8.8.8", "remote_port": 53,
		"protocol": "udp", "direction": "outbound",
		"bytes": 120, "packets": 2
	}`)

	rec, err = HostEventParser{}.Parse("host-a", outbound)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", rec.SrcAddr.String())
	assert.Equal(t, uint16(53), rec.DstPort)
	assert.Equal(t, uint64(120), rec.BytesOut)
	assert.Zero(t, rec.BytesIn)
}

func TestParserForUnknownFraming(t *testing.T) {
	_, err := ParserFor("pcapng")
	assert.Equal(t, errors.KindParse, errors.GetKind(err))
}

func TestHexU64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xdeadbeef, ^uint64(0)} {
		assert.Equal(t, v, parseHexU64(hexU64(v)))
	}
}
