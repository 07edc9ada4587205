// Package queue implements the saturation wait-queue: when global
// concurrency is full, non-SSE requests park here ordered by (priority,
// arrival) until a slot frees, the wait times out, or a higher-priority
// arrival preempts them.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
)

// driverInterval paces the admission driver between probe iterations.
const driverInterval = 10 * time.Millisecond

// Outcome is the resolution of one queue wait.
type Outcome int

const (
	OutcomeAcquired Outcome = iota
	OutcomeTimeout
	OutcomePreempted
)

// String returns the snake_case name used in logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeAcquired:
		return "acquired"
	case OutcomeTimeout:
		return "timeout"
	case OutcomePreempted:
		return "preempted"
	}
	return "unknown"
}

// SlotProber atomically claims one global concurrency slot when one is
// free. The queue calls it with the queue lock held; implementations
// must never call back into the queue. Implemented by the rate limiter.
type SlotProber interface {
	TryAcquireGlobalSlot() bool
}

// waiter is one parked request. done is closed exactly once, by whoever
// removes the waiter from the heap; preempted is set before the close
// and read only after it.
type waiter struct {
	userID    string
	priority  pylon.Priority
	rank      int
	enqueued  time.Time
	seq       uint64
	preempted bool
	done      chan struct{}
	index     int
}

// waiterHeap orders waiters by (priority rank, arrival time, sequence).
// The sequence number breaks wall-clock ties so admission stays FIFO
// within a priority class.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	if !h[i].enqueued.Equal(h[j].enqueued) {
		return h[i].enqueued.Before(h[j].enqueued)
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Queue is the priority wait-queue for globally saturated requests. One
// background driver goroutine runs while the heap is non-empty, probing
// the limiter for free slots and admitting waiters in heap order.
type Queue struct {
	mu      sync.Mutex
	waiters waiterHeap
	seq     uint64
	driving bool

	prober  SlotProber
	maxSize int
	timeout time.Duration

	// wake lets a release cut the driver's sleep short.
	wake chan struct{}
}

// New creates a queue that admits via prober, holds at most maxSize
// waiters, and resolves each wait within timeout. prober must be
// non-nil.
func New(prober SlotProber, maxSize int, timeout time.Duration) *Queue {
	return &Queue{
		prober:  prober,
		maxSize: maxSize,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue parks the request until a global slot is claimed for it, the
// queue timeout elapses, or a higher-priority arrival preempts it. A
// non-nil error means ctx was cancelled while waiting; no slot is held
// in that case. When the queue is full, HIGH and NORMAL arrivals evict
// the least-entitled strictly-lower-priority waiter; LOW arrivals and
// failed evictions resolve to OutcomeTimeout immediately.
//
// OutcomeAcquired means one global concurrency slot is already claimed;
// the caller must acquire its remaining counters with the global bump
// skipped, and must release as usual when done.
func (q *Queue) Enqueue(ctx context.Context, userID string, priority pylon.Priority) (Outcome, error) {
	w := &waiter{
		userID:   userID,
		priority: priority,
		rank:     priority.Rank(),
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}

	q.mu.Lock()
	var victim *waiter
	if q.waiters.Len() >= q.maxSize {
		if victim = q.preemptLocked(w.rank); victim == nil {
			q.mu.Unlock()
			return OutcomeTimeout, nil
		}
	}
	q.seq++
	w.seq = q.seq
	heap.Push(&q.waiters, w)
	if !q.driving {
		q.driving = true
		go q.drive()
	}
	q.mu.Unlock()

	if victim != nil {
		slog.Debug("queue waiter preempted",
			"user_id", victim.userID,
			"priority", string(victim.priority),
			"incoming_priority", string(priority))
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		if q.abandon(w) {
			return OutcomeTimeout, nil
		}
		// Resolved concurrently with the timer; honour the resolution so
		// a claimed slot is never dropped.
		<-w.done
	case <-ctx.Done():
		if q.abandon(w) {
			return OutcomeTimeout, ctx.Err()
		}
		<-w.done
	}

	if w.preempted {
		return OutcomePreempted, nil
	}
	return OutcomeAcquired, nil
}

// NotifySlotAvailable nudges the driver after a slot release so the next
// waiter is probed without waiting out the poll interval. Wired as the
// limiter's release notification.
func (q *Queue) NotifySlotAvailable() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// abandon removes w from the heap if it is still queued. It reports
// false when w was already resolved by the driver or a preemptor, in
// which case the caller must honour w's outcome instead.
func (q *Queue) abandon(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.index < 0 {
		return false
	}
	heap.Remove(&q.waiters, w.index)
	return true
}

// preemptLocked evicts and returns the least-entitled waiter whose
// priority is strictly lower than rank, or nil when no such waiter
// exists. Called with the queue lock held.
func (q *Queue) preemptLocked(rank int) *waiter {
	victim := -1
	for i, w := range q.waiters {
		if w.rank <= rank {
			continue
		}
		if victim < 0 || q.waiters.Less(victim, i) {
			victim = i
		}
	}
	if victim < 0 {
		return nil
	}
	w := q.waiters[victim]
	heap.Remove(&q.waiters, victim)
	w.preempted = true
	close(w.done)
	return w
}

// drive admits waiters while the heap is non-empty: each iteration
// probes the limiter for a free global slot (queue lock first, limiter
// lock inside the probe) and on success pops and signals the top waiter.
// It paces itself between iterations and exits once the heap drains;
// Enqueue starts it again on demand.
func (q *Queue) drive() {
	for {
		q.mu.Lock()
		if q.waiters.Len() == 0 {
			q.driving = false
			q.mu.Unlock()
			return
		}
		if q.prober.TryAcquireGlobalSlot() {
			w := heap.Pop(&q.waiters).(*waiter)
			close(w.done)
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-time.After(driverInterval):
		}
	}
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Size       int            `json:"size"`
	MaxSize    int            `json:"max_size"`
	ByPriority map[string]int `json:"by_priority"`
}

// Stats returns current occupancy, bucketed by priority. All three
// priority keys are always present.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	by := map[string]int{"high": 0, "normal": 0, "low": 0}
	for _, w := range q.waiters {
		by[priorityKey(w.rank)]++
	}
	return Stats{Size: q.waiters.Len(), MaxSize: q.maxSize, ByPriority: by}
}

func priorityKey(rank int) string {
	switch rank {
	case 0:
		return "high"
	case 2:
		return "low"
	}
	return "normal"
}
