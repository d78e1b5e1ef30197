// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"sync"
	"time"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
)

// maxRedeliver bounds in-process redelivery attempts before a message
// is abandoned. External bus implementations keep messages pending
// instead.
const maxRedeliver = 3

// Memory is an in-process Bus backed by bounded per-partition channels.
// Producers block when a partition buffer is full; that is the
// backpressure signal upstream stages rely on.
type Memory struct {
	mu         sync.Mutex
	partitions int
	buffer     int
	topics     map[string]*memTopic
	logger     *logging.Logger
	closed     bool
}

type memTopic struct {
	groups map[string]*memGroup
	offset []int64 // next offset per partition
}

type memGroup struct {
	chans []chan Message
}

// NewMemory creates an in-process bus with the given partition count
// and per-partition buffer size.
func NewMemory(partitions, buffer int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		partitions: partitions,
		buffer:     buffer,
		topics:     make(map[string]*memTopic),
		logger:     logging.WithComponent("bus"),
	}
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			groups: make(map[string]*memGroup),
			offset: make([]int64, m.partitions),
		}
		m.topics[name] = t
	}
	return t
}

// Publish appends the record to every subscribed group's partition
// channel. Blocks while any group's partition is full.
func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New(errors.KindUnavailable, "bus closed")
	}
	t := m.topic(topic)
	part := PartitionFor(key, m.partitions)
	msg := Message{
		Topic:     topic,
		Partition: part,
		Offset:    t.offset[part],
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	t.offset[part]++
	groups := make([]*memGroup, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		select {
		case g.chans[part] <- msg:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindTimeout, "publish blocked on full partition")
		}
	}
	return nil
}

// Subscribe starts one consumer goroutine per partition for the group.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New(errors.KindUnavailable, "bus closed")
	}
	t := m.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{chans: make([]chan Message, m.partitions)}
		for i := range g.chans {
			g.chans[i] = make(chan Message, m.buffer)
		}
		t.groups[group] = g
	}
	m.mu.Unlock()

	for part := 0; part < m.partitions; part++ {
		ch := g.chans[part]
		go m.consume(ctx, ch, h)
	}
	return nil
}

func (m *Memory) consume(ctx context.Context, ch chan Message, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			m.deliver(ctx, msg, h)
		}
	}
}

// deliver invokes the handler with bounded redelivery on failure.
func (m *Memory) deliver(ctx context.Context, msg Message, h Handler) {
	var err error
	for attempt := 0; attempt < maxRedeliver; attempt++ {
		if err = h(ctx, msg); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	m.logger.Warn("Abandoning message after redelivery attempts",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
}

// Close marks the bus closed. In-flight consumers drain via their ctx.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
