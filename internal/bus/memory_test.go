// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOrderingPerKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(4, 64)
	defer b.Close()

	var mu sync.Mutex
	got := make(map[string][]string)
	done := make(chan struct{})
	total := 0

	err := b.Subscribe(ctx, TopicNormalized, "test", func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got[msg.Key] = append(got[msg.Key], string(msg.Payload))
		total++
		if total == 40 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		for _, key := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"} {
			require.NoError(t, b.Publish(ctx, TopicNormalized, key, []byte(fmt.Sprintf("%s-%d", key, i))))
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for key, msgs := range got {
		require.Len(t, msgs, 10, "key %s", key)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf("%s-%d", key, i), m, "out of order for key %s", key)
		}
	}
}

func TestMemoryPublishBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1, 2)
	defer b.Close()

	// A subscriber that never finishes keeps the partition full.
	blockCtx, blockCancel := context.WithCancel(ctx)
	defer blockCancel()
	require.NoError(t, b.Subscribe(blockCtx, "t", "g", func(c context.Context, _ Message) error {
		<-c.Done()
		return c.Err()
	}))

	// First message is picked up by the blocked handler, the next two
	// fill the partition buffer.
	require.NoError(t, b.Publish(ctx, "t", "k", []byte("x")))
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Publish(ctx, "t", "k", []byte("x")))
	}

	pubCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := b.Publish(pubCtx, "t", "k", []byte("overflow"))
	assert.Error(t, err, "publish should fail once the partition is full and ctx expires")
}

func TestMemoryRedelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(1, 8)
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	require.NoError(t, b.Subscribe(ctx, "t", "g", func(_ context.Context, _ Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient")
		}
		close(done)
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("once")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestMemoryPublishAfterClose(t *testing.T) {
	b := NewMemory(1, 1)
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), "t", "k", nil)
	assert.Error(t, err)
}

func TestPartitionForStable(t *testing.T) {
	p1 := PartitionFor("203.0.113.7", 8)
	p2 := PartitionFor("203.0.113.7", 8)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 0, PartitionFor("anything", 1))
}
