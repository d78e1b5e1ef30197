// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bus defines the event bus contract the pipeline stages
// communicate through. Delivery is ordered within a partition and
// at-least-once: a handler that returns an error sees the message
// again, so consumers deduplicate by detection or rule id.
package bus

import (
	"context"
	"hash/fnv"
	"time"
)

// Topic names used by the pipeline.
const (
	TopicNormalized = "normalized"
	TopicFeatures   = "features"
	TopicAlerts     = "alerts"
)

// Message is one record on a topic partition.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Payload   []byte
	Timestamp time.Time
}

// Handler consumes one message. Returning nil commits the offset;
// returning an error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

// Bus is the transport between pipeline stages.
type Bus interface {
	// Publish appends a record to the partition selected by key.
	// It blocks while the partition is full and fails when ctx expires.
	Publish(ctx context.Context, topic, key string, payload []byte) error

	// Subscribe attaches a consumer group to a topic. Each partition is
	// delivered in order on a dedicated worker until ctx is cancelled.
	Subscribe(ctx context.Context, topic, group string, h Handler) error

	Close() error
}

// PartitionFor maps a key onto one of n partitions with FNV-1a, the
// same stable hash the ingest stage uses for src_addr affinity.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
