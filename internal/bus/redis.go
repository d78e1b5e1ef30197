// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
)

// Redis is a Bus backed by Redis Streams with consumer groups. Each
// (topic, partition) pair maps to one stream; unacked entries stay in
// the pending list, which gives at-least-once delivery across restarts.
type Redis struct {
	client     *redis.Client
	partitions int
	logger     *logging.Logger
	maxLen     int64
}

// NewRedis connects to the Redis instance at addr.
func NewRedis(addr string, partitions int) (*Redis, error) {
	if partitions <= 0 {
		partitions = 1
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "redis ping failed")
	}

	return &Redis{
		client:     client,
		partitions: partitions,
		logger:     logging.WithComponent("bus"),
		maxLen:     100000,
	}, nil
}

func streamName(topic string, partition int) string {
	return fmt.Sprintf("netsentry:%s:%d", topic, partition)
}

// Publish appends the record to the stream for the key's partition.
func (r *Redis) Publish(ctx context.Context, topic, key string, payload []byte) error {
	part := PartitionFor(key, r.partitions)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(topic, part),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"key":     key,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(err, errors.KindTimeout, "publish deadline exceeded")
		}
		return errors.Wrap(err, errors.KindUnavailable, "xadd failed")
	}
	return nil
}

// Subscribe creates the consumer group on every partition stream and
// starts one reader goroutine per partition.
func (r *Redis) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	for part := 0; part < r.partitions; part++ {
		stream := streamName(topic, part)
		err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return errors.Wrap(err, errors.KindUnavailable, "xgroup create failed")
		}
		go r.consume(ctx, topic, stream, group, part, h)
	}
	return nil
}

func (r *Redis) consume(ctx context.Context, topic, stream, group string, part int, h Handler) {
	consumer := fmt.Sprintf("%s-%d", group, part)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    64,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("XREADGROUP failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, sr := range res {
			for _, entry := range sr.Messages {
				msg := Message{
					Topic:     topic,
					Partition: part,
					Key:       asString(entry.Values["key"]),
					Payload:   []byte(asString(entry.Values["payload"])),
					Timestamp: time.Now(),
				}
				if err := h(ctx, msg); err != nil {
					// Leave unacked; the pending list redelivers.
					r.logger.Warn("Handler failed, leaving entry pending",
						"stream", stream, "id", entry.ID, "error", err)
					continue
				}
				if err := r.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
					r.logger.Warn("XACK failed", "stream", stream, "id", entry.ID, "error", err)
				}
			}
		}
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
