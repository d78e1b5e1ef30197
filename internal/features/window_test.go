// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netsentry/internal/flow"
)

func TestTrackerWelford(t *testing.T) {
	var tr Tracker
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		tr.Update(v)
	}
	assert.InDelta(t, 5.0, tr.Mean, 1e-9)
	assert.InDelta(t, 4.571428571, tr.Variance(), 1e-6)
	assert.InDelta(t, math.Sqrt(4.571428571), tr.StdDev(), 1e-6)
}

func TestTrackerDegenerate(t *testing.T) {
	var tr Tracker
	assert.Zero(t, tr.Variance())
	tr.Update(3)
	assert.Zero(t, tr.Variance(), "single sample has no variance")
}

func flowRec(src string, dstPort uint16, tEnd time.Time) *flow.CommonRecord {
	return &flow.CommonRecord{
		SensorID:   "edge-1",
		FlowID:     "f1",
		TStart:     tEnd.Add(-time.Second),
		TEnd:       tEnd,
		SrcAddr:    netip.MustParseAddr(src),
		SrcPort:    40000,
		DstAddr:    netip.MustParseAddr("10.0.0.5"),
		DstPort:    dstPort,
		Protocol:   flow.ProtoTCP,
		BytesIn:    100,
		BytesOut:   400,
		PacketsIn:  2,
		PacketsOut: 4,
		Flags:      flow.FlagCounts{SYN: 1, ACK: 5},
	}
}

func TestWindowAggregates(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000).UTC().Truncate(time.Minute)
	w := newWindow("203.0.113.7", KindTumbling, start, start.Add(time.Minute), time.Minute)

	for i := 0; i < 10; i++ {
		rec := flowRec("203.0.113.7", uint16(80+i%2), start.Add(time.Duration(i)*time.Second))
		w.Update(rec)
	}

	require.Equal(t, int64(10), w.Flows())
	v := w.Materialize(time.Now())

	assert.Equal(t, SchemaMajor, v.SchemaMajor)
	assert.Equal(t, "203.0.113.7", v.Context.SrcAddr)
	assert.Equal(t, "tumbling", v.Context.WindowKind)
	assert.Len(t, v.Context.FlowIDs, flowIDSampleCap)

	for i, s := range v.Slots {
		assert.GreaterOrEqual(t, s, 0.0, "slot %s", SlotNames[i])
		assert.LessOrEqual(t, s, 1.0, "slot %s", SlotNames[i])
	}

	// 100 in / 500 total per flow.
	assert.InDelta(t, 0.2, v.Slots[SlotBytesInRatio], 1e-9)
	// Two ports, uniform-ish spread.
	assert.Greater(t, v.Slots[SlotDstPortEntropy], 0.9)
	// One protocol: no entropy.
	assert.Zero(t, v.Slots[SlotProtocolEntropy])
	// SYN:ACK is 1:5 per record.
	assert.InDelta(t, 1.0/6.0, v.Slots[SlotSYNACKImbalance], 1e-9)
	// Single dst host over 10 flows.
	assert.InDelta(t, 0.1, v.Slots[SlotFanOutRatio], 1e-9)
}

func TestWindowSYNFloodSignature(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000).UTC().Truncate(time.Minute)
	w := newWindow("203.0.113.7", KindTumbling, start, start.Add(time.Minute), time.Minute)

	for i := 0; i < 200; i++ {
		rec := flowRec("203.0.113.7", 80, start.Add(time.Duration(i)*250*time.Millisecond))
		rec.Flags = flow.FlagCounts{SYN: 3}
		rec.PacketsIn, rec.PacketsOut = 0, 3
		rec.BytesIn, rec.BytesOut = 0, 180
		w.Update(rec)
	}

	v := w.Materialize(time.Now())
	assert.Equal(t, 1.0, v.Slots[SlotSYNRatio], "pure SYN traffic")
	assert.Equal(t, 1.0, v.Slots[SlotSYNACKImbalance])
	assert.Equal(t, 1.0, v.Slots[SlotTinyFlowRatio])
	assert.Zero(t, v.Slots[SlotACKRatio])
}

func TestEmptyWindowMaterializesZeros(t *testing.T) {
	w := newWindow("k", KindSliding, time.Now(), time.Now().Add(time.Minute), time.Minute)
	v := w.Materialize(time.Now())
	for i, s := range v.Slots {
		assert.Zero(t, s, "slot %s", SlotNames[i])
	}
}

func TestNormEntropy(t *testing.T) {
	uniform := map[uint16]int64{80: 5, 443: 5, 22: 5, 53: 5}
	assert.InDelta(t, 1.0, normEntropy(uniform, 20), 1e-9)

	single := map[uint16]int64{80: 20}
	assert.Zero(t, normEntropy(single, 20))

	skewed := map[uint16]int64{80: 19, 443: 1}
	got := normEntropy(skewed, 20)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 0.5)
}

func TestVectorMarshalRoundTrip(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000).UTC()
	w := newWindow("k", KindTumbling, start, start.Add(time.Minute), time.Minute)
	w.Update(flowRec("203.0.113.7", 80, start.Add(time.Second)))

	v := w.Materialize(start.Add(time.Minute))
	data, err := v.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalVector(data)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}
