// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"container/list"
	"sync"
)

// Dedup is a bounded LRU set over record dedup keys. At-least-once
// collectors re-send flows; within the window a duplicate is admitted
// exactly once.
type Dedup struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	index map[string]*list.Element

	evictions uint64
}

// NewDedup creates a cache holding at most capacity keys.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 1
	}
	return &Dedup{
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether key was already admitted, inserting it if not.
// When the cache is full the least recently used key is evicted first.
func (d *Dedup) Seen(key string) (dup bool, evicted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[key]; ok {
		d.order.MoveToFront(el)
		return true, false
	}

	if d.order.Len() >= d.cap {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
			d.evictions++
			evicted = true
		}
	}

	d.index[key] = d.order.PushFront(key)
	return false, evicted
}

// Forget removes key from the cache. Used when an admitted record is
// later dropped, so a collector resend can be admitted again.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.index[key]; ok {
		d.order.Remove(el)
		delete(d.index, key)
	}
}

// Len returns the number of cached keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Evictions returns the number of LRU evictions so far.
func (d *Dedup) Evictions() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictions
}
