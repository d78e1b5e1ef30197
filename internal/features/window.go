// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"math"
	"time"

	"grimm.is/netsentry/internal/flow"
)

// Kind orders window kinds for close tie-breaking.
type Kind int

const (
	KindTumbling Kind = iota
	KindSliding
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindTumbling:
		return "tumbling"
	case KindSliding:
		return "sliding"
	case KindSession:
		return "session"
	}
	return "unknown"
}

// Tracker keeps mean and variance with Welford's online algorithm, so
// windows never store per-record history.
type Tracker struct {
	Count int64
	Mean  float64
	M2    float64
}

// Update folds one value into the tracker.
func (t *Tracker) Update(v float64) {
	t.Count++
	delta := v - t.Mean
	t.Mean += delta / float64(t.Count)
	t.M2 += delta * (v - t.Mean)
}

// Variance returns the sample variance.
func (t *Tracker) Variance() float64 {
	if t.Count < 2 {
		return 0
	}
	return t.M2 / float64(t.Count-1)
}

// StdDev returns the sample standard deviation.
func (t *Tracker) StdDev() float64 {
	return math.Sqrt(t.Variance())
}

const flowIDSampleCap = 5

// Window is one open aggregation. Mutated only by its owning shard.
type Window struct {
	Key   string
	Kind  Kind
	Start time.Time
	End   time.Time // exclusive; session windows extend it on activity
	Span  time.Duration

	flows      int64
	bytesIn    uint64
	bytesOut   uint64
	packetsIn  uint64
	packetsOut uint64
	tinyFlows  int64

	flowBytes Tracker
	gaps      Tracker
	lastTEnd  time.Time
	firstTEnd time.Time

	flags flow.FlagCounts

	dstPorts  map[uint16]int64
	protocols map[flow.Protocol]int64
	dstHosts  map[string]struct{}

	sensorID string
	srcAddr  string
	flowIDs  []string
}

func newWindow(key string, kind Kind, start, end time.Time, span time.Duration) *Window {
	return &Window{
		Key:       key,
		Kind:      kind,
		Start:     start,
		End:       end,
		Span:      span,
		dstPorts:  make(map[uint16]int64),
		protocols: make(map[flow.Protocol]int64),
		dstHosts:  make(map[string]struct{}),
	}
}

// Update folds one record into the aggregates. Constant work per record.
func (w *Window) Update(rec *flow.CommonRecord) {
	if w.flows > 0 && rec.TEnd.After(w.lastTEnd) {
		w.gaps.Update(rec.TEnd.Sub(w.lastTEnd).Seconds())
	}
	if w.flows == 0 || rec.TEnd.Before(w.firstTEnd) {
		w.firstTEnd = rec.TEnd
	}
	if rec.TEnd.After(w.lastTEnd) {
		w.lastTEnd = rec.TEnd
	}

	w.flows++
	w.bytesIn += rec.BytesIn
	w.bytesOut += rec.BytesOut
	w.packetsIn += rec.PacketsIn
	w.packetsOut += rec.PacketsOut
	if rec.PacketsIn+rec.PacketsOut < 4 {
		w.tinyFlows++
	}

	w.flowBytes.Update(float64(rec.BytesIn + rec.BytesOut))

	w.flags.SYN += rec.Flags.SYN
	w.flags.ACK += rec.Flags.ACK
	w.flags.FIN += rec.Flags.FIN
	w.flags.RST += rec.Flags.RST
	w.flags.PSH += rec.Flags.PSH
	w.flags.URG += rec.Flags.URG

	w.dstPorts[rec.DstPort]++
	w.protocols[rec.Protocol]++
	w.dstHosts[rec.DstAddr.String()] = struct{}{}

	if w.sensorID == "" {
		w.sensorID = rec.SensorID
	}
	if w.srcAddr == "" {
		w.srcAddr = rec.SrcAddr.String()
	}
	if len(w.flowIDs) < flowIDSampleCap {
		w.flowIDs = append(w.flowIDs, rec.FlowID)
	}
}

// Flows returns the number of records folded in so far.
func (w *Window) Flows() int64 { return w.flows }

// Materialize produces the feature vector for a closed window.
func (w *Window) Materialize(now time.Time) *FeatureVector {
	v := &FeatureVector{
		SchemaMajor: SchemaMajor,
		EmittedAt:   now,
		Context: Context{
			WindowKey:   w.Key,
			WindowKind:  w.Kind.String(),
			WindowStart: w.Start,
			WindowEnd:   w.End,
			SrcAddr:     w.srcAddr,
			SensorID:    w.sensorID,
			FlowIDs:     w.flowIDs,
		},
	}
	if w.flows == 0 {
		return v
	}

	s := &v.Slots
	s[SlotFlowCount] = logNorm(float64(w.flows), 6)
	s[SlotBytesIn] = logNorm(float64(w.bytesIn), 12)
	s[SlotBytesOut] = logNorm(float64(w.bytesOut), 12)
	s[SlotPacketsIn] = logNorm(float64(w.packetsIn), 9)
	s[SlotPacketsOut] = logNorm(float64(w.packetsOut), 9)
	s[SlotBytesInRatio] = ratio(float64(w.bytesIn), float64(w.bytesIn+w.bytesOut))
	s[SlotPacketsInRatio] = ratio(float64(w.packetsIn), float64(w.packetsIn+w.packetsOut))
	s[SlotMeanFlowBytes] = logNorm(w.flowBytes.Mean, 12)
	s[SlotFlowBytesStddev] = logNorm(w.flowBytes.StdDev(), 12)

	if span := w.Span.Seconds(); span > 0 {
		active := w.lastTEnd.Sub(w.firstTEnd).Seconds()
		s[SlotWindowFill] = clamp01(active / span)
		s[SlotGapMean] = clamp01(w.gaps.Mean / span)
		s[SlotGapStddev] = clamp01(w.gaps.StdDev() / span)
	}

	totalFlags := float64(w.flags.SYN + w.flags.ACK + w.flags.FIN + w.flags.RST + w.flags.PSH + w.flags.URG)
	s[SlotSYNRatio] = ratio(float64(w.flags.SYN), totalFlags)
	s[SlotACKRatio] = ratio(float64(w.flags.ACK), totalFlags)
	s[SlotFINRatio] = ratio(float64(w.flags.FIN), totalFlags)
	s[SlotRSTRatio] = ratio(float64(w.flags.RST), totalFlags)
	s[SlotSYNACKImbalance] = ratio(float64(w.flags.SYN), float64(w.flags.SYN+w.flags.ACK))

	s[SlotDstPortEntropy] = normEntropy(w.dstPorts, w.flows)
	s[SlotProtocolEntropy] = clamp01(entropy(w.protocols, w.flows) / 2)
	s[SlotDistinctDst] = logNorm(float64(len(w.dstHosts)), 4)
	s[SlotDistinctPorts] = logNorm(float64(len(w.dstPorts)), 4)
	s[SlotFanOutRatio] = ratio(float64(len(w.dstHosts)), float64(w.flows))

	if pkts := w.packetsIn + w.packetsOut; pkts > 0 {
		s[SlotMeanPacketSize] = clamp01(float64(w.bytesIn+w.bytesOut) / float64(pkts) / 1500)
	}
	s[SlotTinyFlowRatio] = ratio(float64(w.tinyFlows), float64(w.flows))

	return v
}

func logNorm(v, scale float64) float64 {
	return clamp01(math.Log10(1+v) / scale)
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
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

// entropy computes Shannon entropy in bits over a count map.
func entropy[K comparable](counts map[K]int64, total int64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// normEntropy normalizes by the maximum entropy for the observed
// alphabet, so a uniform spread scores 1 regardless of cardinality.
func normEntropy[K comparable](counts map[K]int64, total int64) float64 {
	if len(counts) < 2 {
		return 0
	}
	return clamp01(entropy(counts, total) / math.Log2(float64(len(counts))))
}
