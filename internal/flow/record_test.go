// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *CommonRecord {
	return &CommonRecord{
		SensorID:   "edge-1",
		FlowID:     "00000000deadbeef",
		Origin:     FramingFlowBin,
		TStart:     time.UnixMilli(1_700_000_000_000).UTC(),
		TEnd:       time.UnixMilli(1_700_000_004_500).UTC(),
		SrcAddr:    netip.MustParseAddr("203.0.113.7"),
		SrcPort:    51234,
		DstAddr:    netip.MustParseAddr("10.0.0.5"),
		DstPort:    443,
		Protocol:   ProtoTCP,
		BytesIn:    1200,
		BytesOut:   34000,
		PacketsIn:  14,
		PacketsOut: 28,
		Flags:      FlagCounts{SYN: 1, ACK: 40, FIN: 2},
	}
}

func TestNormalizeFixedPoint(t *testing.T) {
	r := sampleRecord()
	r.TStart, r.TEnd = r.TEnd, r.TStart // arrives inverted
	r.Protocol = "sctp"
	r.FlowID = ""
	r.SensorID = ""

	Normalize(r)

	assert.True(t, r.TStart.Before(r.TEnd) || r.TStart.Equal(r.TEnd))
	assert.Equal(t, ProtoOther, r.Protocol)
	assert.NotEmpty(t, r.FlowID)
	assert.Equal(t, "unknown", r.SensorID)

	// Normalizing a normalized record changes nothing.
	before := *r
	Normalize(r)
	assert.Equal(t, before, *r)
}

func TestNormalizeSyntheticFlowIDStable(t *testing.T) {
	a := sampleRecord()
	a.FlowID = ""
	b := sampleRecord()
	b.FlowID = ""

	Normalize(a)
	Normalize(b)
	assert.Equal(t, a.FlowID, b.FlowID)

	c := sampleRecord()
	c.FlowID = ""
	c.SrcPort = 51235
	Normalize(c)
	assert.NotEqual(t, a.FlowID, c.FlowID)
}

func TestDedupKeyDistinguishesResends(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	b.TEnd = b.TEnd.Add(time.Second)
	assert.NotEqual(t, a.DedupKey(), b.DedupKey())
}

func TestRecordMarshalRoundTrip(t *testing.T) {
	r := sampleRecord()
	data, err := r.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestDedupLRU(t *testing.T) {
	d := NewDedup(2)

	dup, _ := d.Seen("a")
	assert.False(t, dup)
	dup, _ = d.Seen("a")
	assert.True(t, dup)

	d.Seen("b")
	_, evicted := d.Seen("c") // evicts "a"
	assert.True(t, evicted)
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, uint64(1), d.Evictions())

	dup, _ = d.Seen("a")
	assert.False(t, dup, "evicted key should be admitted again")
}

func TestDedupTouchRefreshesRecency(t *testing.T) {
	d := NewDedup(2)
	d.Seen("a")
	d.Seen("b")
	d.Seen("a") // touch, "b" is now oldest
	d.Seen("c") // evicts "b"

	dup, _ := d.Seen("a")
	assert.True(t, dup, "touched key should survive eviction")
}
