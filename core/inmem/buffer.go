package inmem

import (
	"net/url"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const shardCount = 64

type (
	// Batch holds rows that were not sent to ClickHouse yet.
	// Only Store mutates it; after TakeForFlush the caller owns it exclusively.
	Batch struct {
		CreatedAt time.Time
		Rows      []string
		Params    url.Values
	}

	shard struct {
		mu sync.Mutex
		v  map[string]*Batch
	}

	// Store maps batch key to Batch. Appends and takes for the same key are
	// linearized by the shard lock, different shards never contend.
	Store struct {
		now    func() time.Time
		shards [shardCount]shard
	}
)

// NewStore creates empty Store. now is used for Batch.CreatedAt (time.Now if nil).
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}

	s := &Store{now: now}
	for i := range s.shards {
		s.shards[i].v = make(map[string]*Batch)
	}
	return s
}

func (s *Store) shard(key string) *shard {
	return &s.shards[xxh3.HashString(key)%shardCount]
}

// AppendOrCreate appends rows to the batch for key, creating it with params if needed.
// Returns number of rows in the batch after append.
func (s *Store) AppendOrCreate(key string, rows []string, params url.Values) int {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.v[key]
	if !ok {
		b = &Batch{
			CreatedAt: s.now(),
			Rows:      make([]string, 0, len(rows)),
			Params:    params,
		}
		sh.v[key] = b
	}

	b.Rows = append(b.Rows, rows...)
	return len(b.Rows)
}

// TakeForFlush removes batch for key from the store and returns it.
func (s *Store) TakeForFlush(key string) (*Batch, bool) {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.v[key]
	if ok {
		delete(sh.v, key)
	}
	return b, ok
}

// TakeIfOlder works like TakeForFlush but only takes batch that was created at or before cutoff.
// Age check and removal happen under the same lock, so a batch re-created after
// a sweep snapshot is never taken early.
func (s *Store) TakeIfOlder(key string, cutoff time.Time) (*Batch, bool) {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.v[key]
	if !ok || b.CreatedAt.After(cutoff) {
		return nil, false
	}

	delete(sh.v, key)
	return b, true
}

// SnapshotKeys returns keys present at the moment of the call. Any of them may be
// flushed by someone else by the time caller gets to it.
func (s *Store) SnapshotKeys() []string {
	var keys []string

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key := range sh.v {
			keys = append(keys, key)
		}
		sh.mu.Unlock()
	}

	return keys
}

// Len returns number of batches.
func (s *Store) Len() int {
	var n int
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.v)
		sh.mu.Unlock()
	}
	return n
}

// Rows returns total number of buffered rows.
func (s *Store) Rows() int {
	var n int
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, b := range sh.v {
			n += len(b.Rows)
		}
		sh.mu.Unlock()
	}
	return n
}
