package testutil

import (
	"sync"
	"testing"
	"time"
)

func TestDeterministicClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := NewDeterministicClock(start, time.Second)

	if got := clock.Peek(); !got.Equal(start) {
		t.Fatalf("Peek() = %v, want %v", got, start)
	}
	if got := clock.Now(); !got.Equal(start) {
		t.Fatalf("first Now() = %v, want %v", got, start)
	}
	if got := clock.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("second Now() = %v, want %v", got, start.Add(time.Second))
	}
	if got := clock.Peek(); !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("Peek() after two reads = %v, want %v", got, start.Add(2*time.Second))
	}
}

func TestDeterministicClock_ConcurrentReadsAreUnique(t *testing.T) {
	clock := NewDeterministicClock(time.Unix(0, 0).UTC(), time.Nanosecond)

	const readers = 50
	var wg sync.WaitGroup
	results := make(chan time.Time, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- clock.Now()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, readers)
	for ts := range results {
		if seen[ts.UnixNano()] {
			t.Fatalf("duplicate reading %v", ts)
		}
		seen[ts.UnixNano()] = true
	}
}
