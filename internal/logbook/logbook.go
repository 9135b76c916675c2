// Package logbook keeps a bounded, rolling per-session log of what each simulated
// session has done. It is purely observational: nothing in the control flow reads it.
package logbook

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is how many session keys a snapshot holds.
const DefaultCapacity = 30

// Entry is one session's accumulated log.
type Entry struct {
	Key          string
	Descriptions []string
}

// Sink receives the current snapshot after every record.
type Sink interface {
	Update(entries []Entry)
}

// Book is a rolling log keyed by session. Keys are ordered by when they were last
// touched; once the capacity is reached, recording a new key evicts the least
// recently touched one.
type Book struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []string]
	sink  Sink
}

// New returns a Book holding at most capacity keys. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int, sink Sink) *Book {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, []string](capacity)
	if err != nil {
		// Only returned for non-positive sizes.
		panic(err)
	}
	return &Book{cache: cache, sink: sink}
}

// Record appends description to key's log and marks key as most recently touched.
func (b *Book) Record(key, description string) {
	b.mu.Lock()
	prev, _ := b.cache.Peek(key)
	next := make([]string, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, description)
	// Remove first so an update moves the key to the newest position even if the
	// cache implementation only refreshes recency on Get.
	b.cache.Remove(key)
	b.cache.Add(key, next)
	var snap []Entry
	if b.sink != nil {
		snap = b.snapshotLocked()
	}
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.Update(snap)
	}
}

// Snapshot returns the retained entries, least recently touched first.
func (b *Book) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Len returns the number of retained keys.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Len()
}

func (b *Book) snapshotLocked() []Entry {
	keys := b.cache.Keys()
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		descs, ok := b.cache.Peek(k)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Key: k, Descriptions: append([]string(nil), descs...)})
	}
	return entries
}
