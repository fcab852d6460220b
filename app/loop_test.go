// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"sync"
	"testing"
	"time"

	"tideway.org/embedder"
)

func TestRelayFIFO(t *testing.T) {
	r := newRelay()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		r.post(func() { got = append(got, i) })
	}
	for _, fn := range r.drain() {
		fn()
	}
	if len(got) != 100 {
		t.Fatalf("drained %d callbacks", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestRelayWakeCoalesces(t *testing.T) {
	r := newRelay()
	for i := 0; i < 50; i++ {
		r.post(func() {})
	}
	// Any number of posts leaves exactly one wake token.
	select {
	case <-r.wake:
	default:
		t.Fatal("no wake token after posts")
	}
	select {
	case <-r.wake:
		t.Fatal("second wake token present")
	default:
	}
	if got := len(r.drain()); got != 50 {
		t.Fatalf("drained %d callbacks, want 50", got)
	}
}

func TestRelayPostConcurrent(t *testing.T) {
	r := newRelay()
	const goroutines = 8
	const perG = 200
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				r.post(func() {})
			}
		}()
	}
	wg.Wait()
	total := 0
	for {
		q := r.drain()
		if len(q) == 0 {
			break
		}
		total += len(q)
	}
	if total != goroutines*perG {
		t.Fatalf("drained %d callbacks, want %d", total, goroutines*perG)
	}
}

func TestTaskQueueOrdering(t *testing.T) {
	var q taskQueue
	now := time.Now()
	q.schedule(embedder.Task{Handle: 3}, now.Add(30*time.Millisecond))
	q.schedule(embedder.Task{Handle: 1}, now.Add(10*time.Millisecond))
	q.schedule(embedder.Task{Handle: 2}, now.Add(20*time.Millisecond))

	next, ok := q.next()
	if !ok || !next.Equal(now.Add(10*time.Millisecond)) {
		t.Fatalf("next = %v, %v", next, ok)
	}

	due := q.due(now.Add(20 * time.Millisecond))
	if len(due) != 2 || due[0].Handle != 1 || due[1].Handle != 2 {
		t.Fatalf("due = %v", due)
	}
	if due := q.due(now); due != nil {
		t.Fatalf("premature due = %v", due)
	}
	due = q.due(now.Add(time.Second))
	if len(due) != 1 || due[0].Handle != 3 {
		t.Fatalf("final due = %v", due)
	}
	if _, ok := q.next(); ok {
		t.Fatal("queue not empty after draining")
	}
}

func TestTaskQueueStableForEqualTargets(t *testing.T) {
	var q taskQueue
	at := time.Now()
	for i := uint64(0); i < 10; i++ {
		q.schedule(embedder.Task{Handle: i}, at)
	}
	due := q.due(at)
	for i, task := range due {
		if task.Handle != uint64(i) {
			t.Fatalf("equal-target tasks reordered: %v", due)
		}
	}
}
