// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/flow"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
)

// spec is one parsed window configuration.
type spec struct {
	kind  Kind
	key   string // projection: src, src_dst_port
	span  time.Duration
	slide time.Duration
	gap   time.Duration
}

// Engine consumes normalized records and emits feature vectors when
// windows close. Keys are sharded; each shard is single-writer.
type Engine struct {
	specs    []spec
	bus      bus.Bus
	metrics  *metrics.Metrics
	logger   *logging.Logger
	lateness time.Duration
	shards   []*shard

	// wallNow is swappable for session-gap tests.
	wallNow func() time.Time
}

type shard struct {
	mu        sync.Mutex
	keys      map[string]*keyState
	lru       *list.List // front = most recently touched
	watermark time.Time
	cap       int
}

type keyState struct {
	key          string
	windows      []openWindow
	lastActivity time.Time // wall clock, session gap only
	el           *list.Element
}

type openWindow struct {
	spec int
	w    *Window
}

// NewEngine builds the feature engine from parsed window specs.
func NewEngine(cfg *config.FeaturesConfig, windows []config.WindowSpec, b bus.Bus, m *metrics.Metrics) (*Engine, error) {
	specs := make([]spec, 0, len(windows))
	for _, w := range windows {
		s := spec{key: w.Key, span: w.SpanDuration(), slide: w.SlideDuration(), gap: w.GapDuration()}
		if s.key == "" {
			s.key = "src"
		}
		switch w.Kind {
		case "tumbling":
			s.kind = KindTumbling
		case "sliding":
			s.kind = KindSliding
		case "session":
			s.kind = KindSession
			s.span = s.gap
		default:
			return nil, errors.Errorf(errors.KindValidation, "unknown window kind %q", w.Kind)
		}
		specs = append(specs, s)
	}

	nShards := cfg.Shards
	if nShards <= 0 {
		nShards = 16
	}
	perShard := cfg.PerKeyMemoryCap / nShards
	if perShard <= 0 {
		perShard = 1
	}

	e := &Engine{
		specs:    specs,
		bus:      b,
		metrics:  m,
		logger:   logging.WithComponent("features"),
		lateness: cfg.AllowedLatenessDuration(),
		shards:   make([]*shard, nShards),
		wallNow:  time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			keys: make(map[string]*keyState),
			lru:  list.New(),
			cap:  perShard,
		}
	}
	return e, nil
}

// Run consumes the normalized topic until ctx is cancelled. A sweep
// ticker closes session windows and idle tumbling/sliding windows whose
// record-time boundary has passed.
func (e *Engine) Run(ctx context.Context) error {
	err := e.bus.Subscribe(ctx, bus.TopicNormalized, "features", func(hctx context.Context, msg bus.Message) error {
		rec, err := flow.UnmarshalRecord(msg.Payload)
		if err != nil {
			// Undecodable payloads would redeliver forever; drop them.
			e.metrics.RecordsDropped.WithLabelValues("features").Inc()
			e.logger.Warn("Dropped undecodable record", "error", err)
			return nil
		}
		return e.Process(hctx, rec)
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Process folds one record into every configured window and emits any
// vectors whose windows close as a result.
func (e *Engine) Process(ctx context.Context, rec *flow.CommonRecord) error {
	for i, sp := range e.specs {
		key := e.projectKey(sp, rec)
		sh := e.shardFor(key)

		closed := sh.ingest(e, i, sp, key, rec)
		if err := e.emitAll(ctx, closed); err != nil {
			return err
		}
	}
	return nil
}

// Sweep closes windows that can no longer receive records: session
// windows past their inactivity gap (wall clock) and time windows whose
// end is behind the shard watermark (record time).
func (e *Engine) Sweep(ctx context.Context) {
	now := e.wallNow()
	for _, sh := range e.shards {
		closed := sh.sweep(e, now)
		if err := e.emitAll(ctx, closed); err != nil {
			return
		}
	}
}

func (e *Engine) projectKey(sp spec, rec *flow.CommonRecord) string {
	switch sp.key {
	case "src_dst_port":
		return fmt.Sprintf("%s|%s:%d", rec.SrcAddr, rec.DstAddr, rec.DstPort)
	default:
		return rec.SrcAddr.String()
	}
}

func (e *Engine) shardFor(key string) *shard {
	return e.shards[bus.PartitionFor(key, len(e.shards))]
}

// ingest updates the shard under its lock and returns windows that
// closed, already detached and sorted for emission.
func (sh *shard) ingest(e *Engine, specIdx int, sp spec, key string, rec *flow.CommonRecord) []*Window {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Late records are dropped before they can reopen a closed window.
	if e.lateness > 0 && !sh.watermark.IsZero() && rec.TEnd.Before(sh.watermark.Add(-e.lateness)) {
		e.metrics.LateRecords.Inc()
		return nil
	}
	if rec.TEnd.After(sh.watermark) {
		sh.watermark = rec.TEnd
	}

	ks := sh.touch(e, key)
	ks.lastActivity = e.wallNow()

	for _, start := range windowStarts(sp, rec.TEnd) {
		ks.ensure(e, specIdx, sp, key, start).Update(rec)
	}

	return sh.closeReady(e, ks, time.Time{})
}

// touch moves key to the LRU front, creating it if needed and evicting
// the coldest key when the shard is at capacity.
func (sh *shard) touch(e *Engine, key string) *keyState {
	if ks, ok := sh.keys[key]; ok {
		sh.lru.MoveToFront(ks.el)
		return ks
	}

	if len(sh.keys) >= sh.cap {
		oldest := sh.lru.Back()
		if oldest != nil {
			victim := oldest.Value.(*keyState)
			sh.lru.Remove(oldest)
			delete(sh.keys, victim.key)
			for range victim.windows {
				e.metrics.WindowsEvicted.Inc()
			}
		}
	}

	ks := &keyState{key: key}
	ks.el = sh.lru.PushFront(ks)
	sh.keys[key] = ks
	return ks
}

// ensure returns the open window for (spec, start), creating it if
// absent. Session windows extend their end on activity instead.
func (ks *keyState) ensure(e *Engine, specIdx int, sp spec, key string, start time.Time) *Window {
	for _, ow := range ks.windows {
		if ow.spec != specIdx {
			continue
		}
		if sp.kind == KindSession {
			if start.After(ow.w.End) {
				ow.w.End = start.Add(sp.gap)
			}
			return ow.w
		}
		if ow.w.Start.Equal(start) {
			return ow.w
		}
	}

	var w *Window
	if sp.kind == KindSession {
		w = newWindow(key, KindSession, start, start.Add(sp.gap), sp.gap)
	} else {
		w = newWindow(key, sp.kind, start, start.Add(sp.span), sp.span)
	}
	ks.windows = append(ks.windows, openWindow{spec: specIdx, w: w})
	e.metrics.WindowsOpened.Inc()
	return w
}

// windowStarts returns the start times of every window of sp that the
// record's t_end falls in. A t_end exactly on a boundary belongs to the
// next window.
func windowStarts(sp spec, tEnd time.Time) []time.Time {
	switch sp.kind {
	case KindTumbling:
		return []time.Time{tEnd.Truncate(sp.span)}
	case KindSliding:
		var starts []time.Time
		for s := tEnd.Truncate(sp.slide); s.Add(sp.span).After(tEnd); s = s.Add(-sp.slide) {
			starts = append(starts, s)
		}
		return starts
	case KindSession:
		return []time.Time{tEnd}
	}
	return nil
}

// closeReady detaches windows eligible to close. Time windows close
// when their end is at or behind the shard watermark; session windows
// close when wall-clock now has passed their inactivity deadline.
// Concurrent closes order by kind (tumbling < sliding < session), then
// start ascending.
func (sh *shard) closeReady(e *Engine, ks *keyState, wallNow time.Time) []*Window {
	var closed []*Window
	kept := ks.windows[:0]
	for _, ow := range ks.windows {
		w := ow.w
		ready := false
		switch w.Kind {
		case KindSession:
			ready = !wallNow.IsZero() && wallNow.Sub(ks.lastActivity) >= w.Span
		default:
			ready = !w.End.After(sh.watermark)
		}
		if ready {
			closed = append(closed, w)
		} else {
			kept = append(kept, ow)
		}
	}
	ks.windows = kept

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Kind != closed[j].Kind {
			return closed[i].Kind < closed[j].Kind
		}
		return closed[i].Start.Before(closed[j].Start)
	})
	return closed
}

func (sh *shard) sweep(e *Engine, wallNow time.Time) []*Window {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var closed []*Window
	for el := sh.lru.Back(); el != nil; {
		ks := el.Value.(*keyState)
		prev := el.Prev()
		closed = append(closed, sh.closeReady(e, ks, wallNow)...)
		if len(ks.windows) == 0 {
			sh.lru.Remove(el)
			delete(sh.keys, ks.key)
		}
		el = prev
	}
	return closed
}

// emitAll publishes closed windows to the features topic, partitioned
// by window key.
func (e *Engine) emitAll(ctx context.Context, closed []*Window) error {
	for _, w := range closed {
		e.metrics.WindowsClosed.WithLabelValues(w.Kind.String()).Inc()
		if w.Flows() == 0 {
			continue
		}
		vec := w.Materialize(e.wallNow())
		payload, err := vec.Marshal()
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "vector marshal failed")
		}
		if err := e.bus.Publish(ctx, bus.TopicFeatures, w.Key, payload); err != nil {
			e.metrics.PublishTimeouts.WithLabelValues(bus.TopicFeatures).Inc()
			e.metrics.RecordsDropped.WithLabelValues("features").Inc()
			e.logger.Warn("Dropped feature vector", "key", w.Key, "error", err)
			continue
		}
		e.metrics.FeaturesEmitted.Inc()
	}
	return nil
}
