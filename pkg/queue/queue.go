/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue implements EventQueue (spec §4.C): a per-object FIFO with
// deduplication, at-most-one-in-flight-per-key exclusion, and rate-limited
// backoff. The eligibility/in-flight bookkeeping follows the classic
// client-go workqueue design (queue + dirty-set + processing-set, guarded by
// one mutex and a condition variable); the exponential backoff math is
// delegated to k8s.io/client-go/util/workqueue's item exponential failure rate
// limiter, the same package the teacher's internal/backoff.Backoff wraps. No
// jitter is added to the computed delay.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// Item describes one pending reconcile intent (spec §3, QueueItem entity).
type Item struct {
	Key    types.Key
	Attempt uint
	Reason  string
	// Forced is raised when a second event for an already-queued or in-flight
	// key arrives and is coalesced into the existing intent.
	Forced bool
}

// Outcome is passed to Done to decide what happens to key next.
type Outcome struct {
	// Requeue reinstates the key for reprocessing after Delay (zero means
	// "immediately eligible").
	Requeue bool
	Delay   time.Duration
	// RateLimited requests backoff-computed delay instead of Delay, and
	// advances the failure-attempt counter.
	RateLimited bool
}

type delayedEntry struct {
	key     types.Key
	readyAt time.Time
	index   int
}

type delayHeap []*delayedEntry

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayHeap) Push(x any)         { e := x.(*delayedEntry); e.index = len(*h); *h = append(*h, e) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the EventQueue implementation. The zero value is not usable; use New.
type Queue struct {
	mutex sync.Mutex
	cond  *sync.Cond

	// queue holds keys in strict arrival order that are eligible right now.
	queue []types.Key
	// queued tracks which keys are present in queue, so Add can coalesce.
	queued map[types.Key]*Item
	// processing holds keys currently checked out by Get and not yet Done.
	processing map[types.Key]struct{}
	// waiting holds keys that became eligible again while processing, so Get
	// does not hand out the same key twice concurrently (spec §4.C invariant).
	waiting map[types.Key]*Item

	delayed   delayHeap
	delayedBy map[types.Key]*delayedEntry
	delayTimer *time.Timer

	attempts map[types.Key]uint
	limiter  workqueue.TypedRateLimiter[types.Key]

	shuttingDown bool
}

// Options configures backoff bounds (spec §6 configuration surface:
// errorMinRequeueInterval / errorMaxRequeueInterval).
type Options struct {
	MinRequeueInterval time.Duration
	MaxRequeueInterval time.Duration
}

func New(opts Options) *Queue {
	if opts.MinRequeueInterval <= 0 {
		opts.MinRequeueInterval = 5 * time.Millisecond
	}
	if opts.MaxRequeueInterval <= 0 {
		opts.MaxRequeueInterval = 1000 * time.Second
	}
	q := &Queue{
		queued:     make(map[types.Key]*Item),
		processing: make(map[types.Key]struct{}),
		waiting:    make(map[types.Key]*Item),
		delayedBy:  make(map[types.Key]*delayedEntry),
		attempts:   make(map[types.Key]uint),
		limiter:    workqueue.NewTypedItemExponentialFailureRateLimiter[types.Key](opts.MinRequeueInterval, opts.MaxRequeueInterval),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

// Add schedules key for processing, or coalesces into an already-pending or
// in-flight intent by raising its Forced flag (spec §4.C, QueueItem invariant).
func (q *Queue) Add(key types.Key, reason string) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.addLocked(key, reason, 0)
}

// AddAfter schedules key to become eligible after delay.
func (q *Queue) AddAfter(key types.Key, delay time.Duration, reason string) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.addLocked(key, reason, delay)
}

// AddRateLimited schedules key with exponential backoff, min(max, min*2^n),
// where n is the number of earlier rate-limited requeues of key since its last
// Forget (spec §4.C). The delay carries no jitter.
func (q *Queue) AddRateLimited(key types.Key, reason string) {
	q.mutex.Lock()
	delay := q.limiter.When(key)
	q.mutex.Unlock()
	q.AddAfter(key, delay, reason)
}

func (q *Queue) addLocked(key types.Key, reason string, delay time.Duration) {
	if q.shuttingDown {
		return
	}

	if _, inFlight := q.processing[key]; inFlight {
		if item, ok := q.waiting[key]; ok {
			item.Forced = true
			if reason != "" {
				item.Reason = reason
			}
		} else {
			q.waiting[key] = &Item{Key: key, Reason: reason, Forced: true, Attempt: q.attempts[key]}
		}
		return
	}

	if delay > 0 {
		q.scheduleDelayed(key, reason, delay)
		return
	}

	if existing, ok := q.queued[key]; ok {
		existing.Forced = true
		if reason != "" {
			existing.Reason = reason
		}
		return
	}

	item := &Item{Key: key, Reason: reason, Attempt: q.attempts[key]}
	q.queued[key] = item
	q.queue = append(q.queue, key)
	q.cond.Signal()
}

func (q *Queue) scheduleDelayed(key types.Key, reason string, delay time.Duration) {
	readyAt := time.Now().Add(delay)
	if e, ok := q.delayedBy[key]; ok {
		if readyAt.Before(e.readyAt) {
			e.readyAt = readyAt
			heap.Fix(&q.delayed, e.index)
			q.rearmDelayTimer()
		}
		return
	}
	e := &delayedEntry{key: key, readyAt: readyAt}
	q.delayedBy[key] = e
	heap.Push(&q.delayed, e)
	_ = reason
	q.rearmDelayTimer()
}

// rearmDelayTimer must be called with mutex held; it arranges for
// promoteDue to run shortly after the next delayed item becomes ready.
func (q *Queue) rearmDelayTimer() {
	if len(q.delayed) == 0 {
		return
	}
	next := q.delayed[0].readyAt
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	if q.delayTimer != nil {
		q.delayTimer.Stop()
	}
	q.delayTimer = time.AfterFunc(d, q.promoteDue)
}

func (q *Queue) promoteDue() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	now := time.Now()
	for len(q.delayed) > 0 && !q.delayed[0].readyAt.After(now) {
		e := heap.Pop(&q.delayed).(*delayedEntry)
		delete(q.delayedBy, e.key)
		q.addLocked(e.key, "", 0)
	}
	q.rearmDelayTimer()
}

// Get blocks until a key is both eligible and not already in-flight, and
// returns its current queue item. It returns ok=false once the queue has been
// shut down (spec §5, cancellation: "get() returns a sentinel").
func (q *Queue) Get(ctx context.Context) (Item, bool) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mutex.Lock()
			q.cond.Broadcast()
			q.mutex.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	q.mutex.Lock()
	defer q.mutex.Unlock()
	for {
		if q.shuttingDown {
			return Item{}, false
		}
		if ctx.Err() != nil {
			return Item{}, false
		}
		if len(q.queue) > 0 {
			key := q.queue[0]
			q.queue = q.queue[1:]
			item := q.queued[key]
			delete(q.queued, key)
			q.processing[key] = struct{}{}
			return *item, true
		}
		q.cond.Wait()
	}
}

// Done releases the in-flight marker for key and applies outcome, matching
// spec §4.C / §4.E: success-no-requeue forgets, requeue-after reinstates with
// the given delay, rate-limited requeue advances the attempt counter.
func (q *Queue) Done(key types.Key, outcome Outcome) {
	q.mutex.Lock()
	delete(q.processing, key)
	waiting, hadWaiting := q.waiting[key]
	delete(q.waiting, key)
	q.mutex.Unlock()

	switch {
	case outcome.RateLimited:
		q.mutex.Lock()
		q.attempts[key]++
		q.mutex.Unlock()
		q.AddRateLimited(key, "retry")
	case outcome.Requeue:
		if outcome.Delay > 0 {
			q.AddAfter(key, outcome.Delay, "requeue-after")
		} else {
			q.Add(key, "requeue")
		}
	default:
		q.Forget(key)
	}

	// A second event coalesced while this key was in-flight must still be
	// honored even though the reconcile just completed cleanly.
	if hadWaiting && !outcome.RateLimited && !outcome.Requeue {
		q.mutex.Lock()
		q.addLocked(key, waiting.Reason, 0)
		if item, ok := q.queued[key]; ok {
			item.Forced = true
		}
		q.mutex.Unlock()
	}
}

// Forget clears the failure-attempt counter and backoff state for key,
// without affecting its current eligibility.
func (q *Queue) Forget(key types.Key) {
	q.mutex.Lock()
	delete(q.attempts, key)
	q.mutex.Unlock()
	q.limiter.Forget(key)
}

// Len reports the number of keys currently eligible but not yet dequeued,
// exposed for the QueueDepth gauge.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.queue)
}

// ShutDown makes every blocked and future Get call return immediately and
// rejects further Add calls. Safe to call more than once.
func (q *Queue) ShutDown() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.shuttingDown {
		return
	}
	q.shuttingDown = true
	if q.delayTimer != nil {
		q.delayTimer.Stop()
	}
	q.cond.Broadcast()
}
