// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/metrics"
)

type vectorSink struct {
	mu      sync.Mutex
	vectors []*FeatureVector
}

func (s *vectorSink) collect(t *testing.T, ctx context.Context, b bus.Bus) {
	t.Helper()
	require.NoError(t, b.Subscribe(ctx, bus.TopicFeatures, "test", func(_ context.Context, msg bus.Message) error {
		v, err := UnmarshalVector(msg.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.vectors = append(s.vectors, v)
		s.mu.Unlock()
		return nil
	}))
}

func (s *vectorSink) wait(t *testing.T, n int) []*FeatureVector {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.vectors) >= n {
			out := append([]*FeatureVector(nil), s.vectors...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d vectors", n)
	return nil
}

func testEngine(t *testing.T, windows []config.WindowSpec) (*Engine, bus.Bus, *metrics.Metrics) {
	t.Helper()
	b := bus.NewMemory(4, 256)
	t.Cleanup(func() { b.Close() })
	m := metrics.NewMetrics()
	cfg := &config.FeaturesConfig{
		AllowedLateness: "30s",
		PerKeyMemoryCap: 64,
		Shards:          4,
	}
	e, err := NewEngine(cfg, windows, b, m)
	require.NoError(t, err)
	return e, b, m
}

func TestTumblingWindowBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, b, _ := testEngine(t, []config.WindowSpec{
		{Kind: "tumbling", Key: "src", Span: "60s"},
	})

	var sink vectorSink
	sink.collect(t, ctx, b)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	boundary := base.Add(time.Minute)

	// One nanosecond before the boundary lands in the closing window;
	// the record on the boundary opens the next and triggers the close.
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, boundary.Add(-time.Nanosecond))))
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, boundary)))

	vecs := sink.wait(t, 1)
	require.Len(t, vecs, 1)
	assert.Equal(t, base, vecs[0].Context.WindowStart)
	assert.Equal(t, boundary, vecs[0].Context.WindowEnd)
	assert.Greater(t, vecs[0].Slots[SlotFlowCount], 0.0)
}

func TestWindowAggregatesOnlyInRangeRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, b, _ := testEngine(t, []config.WindowSpec{
		{Kind: "tumbling", Key: "src", Span: "60s"},
	})

	var sink vectorSink
	sink.collect(t, ctx, b)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, base.Add(time.Duration(i)*time.Second))))
	}
	// Advance record time past the boundary to force the close.
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, base.Add(61*time.Second))))

	vecs := sink.wait(t, 1)
	// log10(1+5)/6, the sixth record is in the next window.
	assert.InDelta(t, 0.1296566, vecs[0].Slots[SlotFlowCount], 1e-4)
}

func TestSlidingWindowsOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, b, _ := testEngine(t, []config.WindowSpec{
		{Kind: "sliding", Key: "src", Span: "120s", Slide: "60s"},
	})

	var sink vectorSink
	sink.collect(t, ctx, b)

	base := time.Date(2026, 8, 25, 10, 0, 30, 0, time.UTC)
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, base)))
	// Jump far enough to close both overlapping windows.
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, base.Add(5*time.Minute))))

	vecs := sink.wait(t, 2)
	require.GreaterOrEqual(t, len(vecs), 2, "record belongs to two overlapping slides")
	assert.True(t, vecs[0].Context.WindowStart.Before(vecs[1].Context.WindowStart),
		"closes are ordered by start time")
}

func TestLateRecordDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, _, m := testEngine(t, []config.WindowSpec{
		{Kind: "tumbling", Key: "src", Span: "60s"},
	})

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, base.Add(2*time.Minute))))
	// 90s behind the watermark, beyond the 30s allowed lateness.
	require.NoError(t, e.Process(ctx, flowRec("203.0.113.7", 80, base.Add(30*time.Second))))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LateRecords))
}

func TestSessionWindowClosesOnGap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, b, _ := testEngine(t, []config.WindowSpec{
		{Kind: "session", Key: "src_dst_port", Gap: "120s"},
	})

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	e.wallNow = func() time.Time { return now }

	var sink vectorSink
	sink.collect(t, ctx, b)

	require.NoError(t, e.Process(ctx, flowRec("198.51.100.12", 22, now)))
	require.NoError(t, e.Process(ctx, flowRec("198.51.100.12", 22, now.Add(30*time.Second))))

	// Still inside the gap: nothing closes.
	e.Sweep(ctx)
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	assert.Empty(t, sink.vectors)
	sink.mu.Unlock()

	// Advance wall clock past the inactivity gap.
	now = now.Add(3 * time.Minute)
	e.Sweep(ctx)

	vecs := sink.wait(t, 1)
	assert.Equal(t, "session", vecs[0].Context.WindowKind)
	assert.Greater(t, vecs[0].Slots[SlotFlowCount], 0.0)
}

func TestKeyEvictionCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemory(4, 256)
	t.Cleanup(func() { b.Close() })
	m := metrics.NewMetrics()
	e, err := NewEngine(&config.FeaturesConfig{
		AllowedLateness: "30s",
		PerKeyMemoryCap: 4, // one key per shard
		Shards:          4,
	}, []config.WindowSpec{{Kind: "tumbling", Key: "src", Span: "60s"}}, b, m)
	require.NoError(t, err)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 64; i++ {
		src := netipAddr(i)
		require.NoError(t, e.Process(ctx, flowRec(src, 80, base.Add(time.Duration(i)*time.Millisecond))))
	}

	assert.Greater(t, testutil.ToFloat64(m.WindowsEvicted), 0.0,
		"cold keys past the memory cap are evicted")
}

func netipAddr(i int) string {
	return fmt.Sprintf("203.0.%d.7", i)
}

func TestUnknownWindowKindRejected(t *testing.T) {
	b := bus.NewMemory(1, 1)
	defer b.Close()
	_, err := NewEngine(&config.FeaturesConfig{Shards: 1, PerKeyMemoryCap: 1},
		[]config.WindowSpec{{Kind: "hopping", Span: "60s"}}, b, metrics.NewMetrics())
	assert.Error(t, err)
}
