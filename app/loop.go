// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"sort"
	"sync"
	"time"

	"tideway.org/embedder"
)

// relay carries callbacks from engine threads onto the platform
// goroutine. The queue is unbounded so posting never blocks an engine
// thread; the wake channel is buffered to one entry so any number of
// posts coalesce into a single loop iteration.
type relay struct {
	wake chan struct{}

	mu    sync.Mutex
	queue []func()
}

func newRelay() *relay {
	return &relay{wake: make(chan struct{}, 1)}
}

// post enqueues fn for the platform goroutine. Safe from any
// goroutine; never blocks beyond the queue append.
func (r *relay) post(fn func()) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drain takes the queued callbacks in FIFO order.
func (r *relay) drain() []func() {
	r.mu.Lock()
	q := r.queue
	r.queue = nil
	r.mu.Unlock()
	return q
}

// deferredTask is an engine task the platform runs at or after its
// target time.
type deferredTask struct {
	task   embedder.Task
	target time.Time
}

// taskQueue orders deferred engine tasks by target time. It is only
// touched from the platform goroutine.
type taskQueue struct {
	pending []deferredTask
}

func (q *taskQueue) schedule(task embedder.Task, target time.Time) {
	q.pending = append(q.pending, deferredTask{task: task, target: target})
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].target.Before(q.pending[j].target)
	})
}

// next returns the earliest target time, if any task is pending.
func (q *taskQueue) next() (time.Time, bool) {
	if len(q.pending) == 0 {
		return time.Time{}, false
	}
	return q.pending[0].target, true
}

// due pops every task whose target is at or before now.
func (q *taskQueue) due(now time.Time) []embedder.Task {
	n := 0
	for n < len(q.pending) && !q.pending[n].target.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]embedder.Task, n)
	for i := 0; i < n; i++ {
		out[i] = q.pending[i].task
	}
	q.pending = q.pending[n:]
	return out
}
