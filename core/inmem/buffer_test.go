package inmem

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAppendOrCreate(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(clock.Now)
	params := url.Values{"query": {"INSERT INTO t VALUES"}}

	if n := s.AppendOrCreate("k", []string{"a", "b"}, params); n != 2 {
		t.Fatalf("Expected 2 rows after first append, got %d", n)
	}

	created := clock.Now()
	clock.Advance(time.Second)

	if n := s.AppendOrCreate("k", []string{"c"}, url.Values{"query": {"other"}}); n != 3 {
		t.Fatalf("Expected 3 rows after second append, got %d", n)
	}

	b, ok := s.TakeForFlush("k")
	if !ok {
		t.Fatalf("Expected batch to be present")
	}

	if !b.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt must not change on append: got %s, want %s", b.CreatedAt, created)
	}

	if fmt.Sprint(b.Rows) != "[a b c]" {
		t.Errorf("Wrong rows: %v", b.Rows)
	}

	if b.Params.Get("query") != "INSERT INTO t VALUES" {
		t.Errorf("Params must be captured at creation, got %v", b.Params)
	}

	if _, ok := s.TakeForFlush("k"); ok {
		t.Errorf("Batch must be removed by TakeForFlush")
	}

	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d batches", s.Len())
	}
}

func TestAppendCopiesRows(t *testing.T) {
	s := NewStore(nil)
	rows := []string{"a", "b"}
	s.AppendOrCreate("k", rows, nil)
	rows[0] = "changed"

	b, _ := s.TakeForFlush("k")
	if b.Rows[0] != "a" {
		t.Errorf("Store must not alias caller rows, got %v", b.Rows)
	}
}

func TestTakeIfOlder(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(clock.Now)
	s.AppendOrCreate("k", []string{"a"}, nil)

	if _, ok := s.TakeIfOlder("k", clock.Now().Add(-time.Nanosecond)); ok {
		t.Fatalf("Batch created after cutoff must not be taken")
	}

	if _, ok := s.TakeIfOlder("k", clock.Now()); !ok {
		t.Fatalf("Batch created exactly at cutoff must be taken")
	}

	if _, ok := s.TakeIfOlder("missing", clock.Now()); ok {
		t.Errorf("Missing key must not be taken")
	}
}

func TestSnapshotKeysAndStats(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 100; i++ {
		s.AppendOrCreate(fmt.Sprintf("key%d", i), []string{"a", "b"}, nil)
	}

	keys := s.SnapshotKeys()
	sort.Strings(keys)

	if len(keys) != 100 {
		t.Fatalf("Expected 100 keys, got %d", len(keys))
	}

	if s.Len() != 100 || s.Rows() != 200 {
		t.Errorf("Wrong stats: %d batches, %d rows", s.Len(), s.Rows())
	}
}

// Appends racing with takes must not lose or duplicate rows, and rows of a single
// append must stay together and in order.
func TestConcurrentAppendAndTake(t *testing.T) {
	const (
		writers      = 8
		appendsEach  = 500
		rowsPerWrite = 3
	)

	s := NewStore(nil)

	var (
		mu    sync.Mutex
		taken []*Batch
		wg    sync.WaitGroup
		done  = make(chan struct{})
	)

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if b, ok := s.TakeForFlush("k"); ok {
				mu.Lock()
				taken = append(taken, b)
				mu.Unlock()
			}
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < appendsEach; i++ {
				rows := make([]string, rowsPerWrite)
				for j := range rows {
					rows[j] = fmt.Sprintf("%d:%d:%d", w, i, j)
				}
				s.AppendOrCreate("k", rows, nil)
			}
		}(w)
	}

	wg.Wait()
	close(done)

	mu.Lock()
	defer mu.Unlock()

	if b, ok := s.TakeForFlush("k"); ok {
		taken = append(taken, b)
	}

	seen := make(map[string]int)
	for _, b := range taken {
		if len(b.Rows)%rowsPerWrite != 0 {
			t.Fatalf("Batch has %d rows, appends were split", len(b.Rows))
		}

		for i := 0; i < len(b.Rows); i += rowsPerWrite {
			var w, n int
			fmt.Sscanf(b.Rows[i], "%d:%d:0", &w, &n)
			for j := 0; j < rowsPerWrite; j++ {
				if want := fmt.Sprintf("%d:%d:%d", w, n, j); b.Rows[i+j] != want {
					t.Fatalf("Rows of a single append are out of order: got %s, want %s", b.Rows[i+j], want)
				}
			}
		}

		for _, row := range b.Rows {
			seen[row]++
		}
	}

	if len(seen) != writers*appendsEach*rowsPerWrite {
		t.Fatalf("Lost rows: got %d distinct, want %d", len(seen), writers*appendsEach*rowsPerWrite)
	}

	for row, cnt := range seen {
		if cnt != 1 {
			t.Fatalf("Row %s was taken %d times", row, cnt)
		}
	}
}
