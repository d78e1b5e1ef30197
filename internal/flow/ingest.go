// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"net"
	"sync"
	"time"

	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
)

// Ingest accepts collector frames, normalizes them and publishes
// CommonRecords to the normalized topic partitioned by src_addr.
type Ingest struct {
	cfg     *config.IngestConfig
	bus     bus.Bus
	dedup   *Dedup
	metrics *metrics.Metrics
	logger  *logging.Logger

	publishTimeout time.Duration
}

// NewIngest creates the ingest stage.
func NewIngest(cfg *config.IngestConfig, b bus.Bus, m *metrics.Metrics) *Ingest {
	timeout, _ := time.ParseDuration(cfg.PublishTimeout)
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Ingest{
		cfg:            cfg,
		bus:            b,
		dedup:          NewDedup(cfg.DedupCacheSize),
		metrics:        m,
		logger:         logging.WithComponent("ingest"),
		publishTimeout: timeout,
	}
}

// Submit parses one collector frame and publishes the normalized
// record. Malformed frames and in-window duplicates are dropped and
// counted, never returned as pipeline failures.
func (in *Ingest) Submit(ctx context.Context, framing Framing, sensorID string, data []byte) error {
	parser, err := ParserFor(framing)
	if err != nil {
		in.metrics.ParseErrors.WithLabelValues("unknown_framing").Inc()
		return err
	}

	rec, err := parser.Parse(sensorID, data)
	if err != nil {
		in.metrics.ParseErrors.WithLabelValues(parseReason(err)).Inc()
		in.logger.Debug("Dropped malformed frame", "framing", framing, "sensor", sensorID, "error", err)
		return err
	}

	Normalize(rec)

	if dup, evicted := in.dedup.Seen(rec.DedupKey()); dup {
		in.metrics.RecordsDeduped.Inc()
		return nil
	} else if evicted {
		in.metrics.DedupEvictions.Inc()
	}

	if err := in.publish(ctx, rec); err != nil {
		// The record never made it onto the bus; a collector resend
		// must not be swallowed as a duplicate.
		in.dedup.Forget(rec.DedupKey())
		return err
	}
	return nil
}

// publish retries a bounded number of times on timeout, then drops the
// record and counts the loss. Loss is preferred over unbounded memory.
func (in *Ingest) publish(ctx context.Context, rec *CommonRecord) error {
	payload, err := rec.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "record marshal failed")
	}

	key := rec.SrcAddr.String()
	var lastErr error
	for attempt := 0; attempt <= in.cfg.PublishRetries; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, in.publishTimeout)
		lastErr = in.bus.Publish(pubCtx, bus.TopicNormalized, key, payload)
		cancel()
		if lastErr == nil {
			in.metrics.RecordsIngested.Inc()
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		in.metrics.PublishTimeouts.WithLabelValues(bus.TopicNormalized).Inc()

		// Bounded backoff between attempts.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}

	in.metrics.RecordsDropped.WithLabelValues("ingest").Inc()
	in.logger.Warn("Dropped record after publish retries", "src", rec.SrcAddr, "error", lastErr)
	return lastErr
}

// Serve reads binary flow export datagrams from the configured UDP
// listener until ctx is cancelled. Other framings arrive through the
// synchronous API surface.
func (in *Ingest) Serve(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", in.cfg.Listen)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "bad ingest listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "ingest listen failed")
	}

	in.logger.Info("Ingest listening", "addr", in.cfg.Listen, "workers", in.workerCount())
	return in.serve(ctx, conn)
}

type ingestFrame struct {
	sensor string
	data   []byte
}

// serve fans datagrams out to the configured worker pool so parsing
// and publishing never stall the read loop.
func (in *Ingest) serve(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	frames := make(chan ingestFrame, in.workerCount()*4)
	var wg sync.WaitGroup
	for i := 0; i < in.workerCount(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range frames {
				_ = in.Submit(ctx, FramingFlowBin, f.sensor, f.data)
			}
		}()
	}
	defer func() {
		close(frames)
		wg.Wait()
	}()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.logger.Warn("Ingest read failed", "error", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		// Sensor id defaults to the collector address until the frame
		// header says otherwise.
		select {
		case frames <- ingestFrame{sensor: raddr.IP.String(), data: frame}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (in *Ingest) workerCount() int {
	if in.cfg.Workers > 0 {
		return in.cfg.Workers
	}
	return 1
}

func parseReason(err error) string {
	var e *errors.Error
	if errors.As(err, &e) && len(e.Attributes) > 0 {
		if r, ok := e.Attributes["reason"].(string); ok {
			return r
		}
	}
	return "malformed"
}
