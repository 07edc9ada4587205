package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
)

// fakeProber hands out a controllable number of global slots.
type fakeProber struct {
	mu    sync.Mutex
	slots int
}

func (p *fakeProber) TryAcquireGlobalSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots <= 0 {
		return false
	}
	p.slots--
	return true
}

func (p *fakeProber) grant(n int) {
	p.mu.Lock()
	p.slots += n
	p.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestQueue_ImmediateAcquire(t *testing.T) {
	t.Parallel()
	p := &fakeProber{slots: 1}
	q := New(p, 10, 5*time.Second)

	o, err := q.Enqueue(context.Background(), "user1", pylon.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if o != OutcomeAcquired {
		t.Fatalf("outcome = %v, want acquired", o)
	}
	if s := q.Stats(); s.Size != 0 {
		t.Errorf("queue size = %d after admission, want 0", s.Size)
	}
}

func TestQueue_AcquiredWhenSlotFrees(t *testing.T) {
	t.Parallel()
	p := &fakeProber{}
	q := New(p, 10, 5*time.Second)

	res := make(chan Outcome, 1)
	go func() {
		o, _ := q.Enqueue(context.Background(), "user1", pylon.PriorityNormal)
		res <- o
	}()
	waitFor(t, time.Second, func() bool { return q.Stats().Size == 1 })

	p.grant(1)
	q.NotifySlotAvailable()

	select {
	case o := <-res:
		if o != OutcomeAcquired {
			t.Fatalf("outcome = %v, want acquired", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not admitted after slot freed")
	}
}

func TestQueue_Timeout(t *testing.T) {
	t.Parallel()
	p := &fakeProber{}
	q := New(p, 10, 200*time.Millisecond)

	start := time.Now()
	o, err := q.Enqueue(context.Background(), "user1", pylon.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if o != OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", o)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Errorf("returned before the queue timeout: %v", time.Since(start))
	}
	if s := q.Stats(); s.Size != 0 {
		t.Errorf("queue size = %d after timeout, want 0", s.Size)
	}
}

func TestQueue_ContextCancelled(t *testing.T) {
	t.Parallel()
	p := &fakeProber{}
	q := New(p, 10, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := q.Enqueue(ctx, "user1", pylon.PriorityNormal)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancelled wait did not return promptly")
	}
	if s := q.Stats(); s.Size != 0 {
		t.Errorf("queue size = %d after cancel, want 0", s.Size)
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	t.Parallel()
	p := &fakeProber{}
	q := New(p, 10, 10*time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	admitted := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(order)
	}

	var wg sync.WaitGroup
	enqueue := func(label string, pr pylon.Priority) {
		wg.Go(func() {
			o, err := q.Enqueue(ctx, label, pr)
			if err != nil || o != OutcomeAcquired {
				t.Errorf("Enqueue(%s) = %v, %v; want acquired", label, o, err)
				return
			}
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		})
	}

	enqueue("low", pylon.PriorityLow)
	waitFor(t, time.Second, func() bool { return q.Stats().Size == 1 })
	enqueue("normal", pylon.PriorityNormal)
	waitFor(t, time.Second, func() bool { return q.Stats().Size == 2 })
	enqueue("high", pylon.PriorityHigh)
	waitFor(t, time.Second, func() bool { return q.Stats().Size == 3 })

	// Release slots one at a time; admission must follow priority, not
	// arrival.
	for i := 1; i <= 3; i++ {
		p.grant(1)
		waitFor(t, 2*time.Second, func() bool { return admitted() == i })
	}
	wg.Wait()

	want := []string{"high", "normal", "low"}
	for i, label := range want {
		if order[i] != label {
			t.Fatalf("admission order = %v, want %v", order, want)
		}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	t.Parallel()
	p := &fakeProber{}
	q := New(p, 10, 10*time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	admitted := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(order)
	}

	var wg sync.WaitGroup
	enqueue := func(label string) {
		wg.Go(func() {
			if o, err := q.Enqueue(ctx, label, pylon.PriorityNormal); err != nil || o != OutcomeAcquired {
				t.Errorf("Enqueue(%s) = %v, %v; want acquired", label, o, err)
				return
			}
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		})
	}

	enqueue("first")
	waitFor(t, time.Second, func() bool { return q.Stats().Size == 1 })
	enqueue("second")
	waitFor(t, time.Second, func() bool { return q.Stats().Size == 2 })

	for i := 1; i <= 2; i++ {
		p.grant(1)
		waitFor(t, 2*time.Second, func() bool { return admitted() == i })
	}
	wg.Wait()

	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("admission order = %v, want [first second]", order)
	}
}

func TestQueue_Preemption(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		waiting   pylon.Priority
		incoming  pylon.Priority
		preempted bool
	}{
		{"high evicts low", pylon.PriorityLow, pylon.PriorityHigh, true},
		{"normal evicts low", pylon.PriorityLow, pylon.PriorityNormal, true},
		{"high evicts normal", pylon.PriorityNormal, pylon.PriorityHigh, true},
		{"low never evicts", pylon.PriorityNormal, pylon.PriorityLow, false},
		{"equal never evicts", pylon.PriorityNormal, pylon.PriorityNormal, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &fakeProber{}
			q := New(p, 1, 5*time.Second) // room for exactly one waiter
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var wg sync.WaitGroup
			waiterRes := make(chan Outcome, 1)
			wg.Go(func() {
				o, _ := q.Enqueue(ctx, "waiter", tc.waiting)
				waiterRes <- o
			})
			waitFor(t, time.Second, func() bool { return q.Stats().Size == 1 })

			if tc.preempted {
				incomingRes := make(chan Outcome, 1)
				wg.Go(func() {
					o, _ := q.Enqueue(ctx, "incoming", tc.incoming)
					incomingRes <- o
				})

				select {
				case o := <-waiterRes:
					if o != OutcomePreempted {
						t.Errorf("waiter outcome = %v, want preempted", o)
					}
				case <-time.After(2 * time.Second):
					t.Fatal("waiter not preempted")
				}
				// The incoming request took the evicted spot.
				if s := q.Stats(); s.Size != 1 || s.ByPriority[priorityKey(tc.incoming.Rank())] != 1 {
					t.Errorf("stats after preemption = %+v", s)
				}
			} else {
				start := time.Now()
				o, err := q.Enqueue(ctx, "incoming", tc.incoming)
				if err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
				if o != OutcomeTimeout {
					t.Errorf("incoming outcome = %v, want immediate timeout", o)
				}
				if time.Since(start) > time.Second {
					t.Error("rejected arrival should not wait")
				}
				// The original waiter is untouched.
				if s := q.Stats(); s.Size != 1 || s.ByPriority[priorityKey(tc.waiting.Rank())] != 1 {
					t.Errorf("stats after rejection = %+v", s)
				}
			}

			cancel()
			wg.Wait()
		})
	}
}

func TestQueue_Stats(t *testing.T) {
	t.Parallel()
	p := &fakeProber{}
	q := New(p, 10, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i, pr := range []pylon.Priority{
		pylon.PriorityHigh, pylon.PriorityNormal, pylon.PriorityNormal, pylon.PriorityLow,
	} {
		wg.Go(func() { q.Enqueue(ctx, "user", pr) })
		waitFor(t, time.Second, func() bool { return q.Stats().Size == i+1 })
	}

	s := q.Stats()
	if s.Size != 4 || s.MaxSize != 10 {
		t.Errorf("size = %d/%d, want 4/10", s.Size, s.MaxSize)
	}
	want := map[string]int{"high": 1, "normal": 2, "low": 1}
	for k, n := range want {
		if s.ByPriority[k] != n {
			t.Errorf("by_priority[%s] = %d, want %d", k, s.ByPriority[k], n)
		}
	}

	cancel()
	wg.Wait()
	if s := q.Stats(); s.Size != 0 {
		t.Errorf("size = %d after cancel, want 0", s.Size)
	}
}

func TestQueue_ManyWaiters(t *testing.T) {
	t.Parallel()
	p := &fakeProber{slots: 10}
	q := New(p, 100, time.Second)
	ctx := context.Background()

	var acquired, timedOut atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			o, err := q.Enqueue(ctx, "user", pylon.PriorityNormal)
			if err != nil {
				t.Errorf("Enqueue: %v", err)
				return
			}
			switch o {
			case OutcomeAcquired:
				acquired.Add(1)
			case OutcomeTimeout:
				timedOut.Add(1)
			default:
				t.Errorf("unexpected outcome %v", o)
			}
		})
	}
	wg.Wait()

	if got := acquired.Load(); got != 10 {
		t.Errorf("acquired = %d, want 10", got)
	}
	if got := timedOut.Load(); got != 10 {
		t.Errorf("timed out = %d, want 10", got)
	}
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()
	if OutcomeAcquired.String() != "acquired" ||
		OutcomeTimeout.String() != "timeout" ||
		OutcomePreempted.String() != "preempted" {
		t.Error("outcome names changed; logs depend on them")
	}
}
