// Package ratelimit implements the multi-level admission limiter: concurrency,
// SSE-connection, and per-minute frequency ceilings at user, API, and global
// scope, backed by a single-mutex counter core.
package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
)

const (
	windowLength          = time.Minute
	frequencyPollInterval = 100 * time.Millisecond
)

// Decision classifies an admission check outcome.
type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionQueueRequired
	DecisionUserLimit
	DecisionAPILimit
	DecisionGlobalLimit
)

// String returns the snake_case name used in logs and metric labels.
func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionQueueRequired:
		return "queue_required"
	case DecisionUserLimit:
		return "user_limit_exceeded"
	case DecisionAPILimit:
		return "api_limit_exceeded"
	case DecisionGlobalLimit:
		return "global_limit_exceeded"
	}
	return "unknown"
}

// Verdict is a Decision plus its human-readable reason.
type Verdict struct {
	Decision Decision
	Message  string
}

// Allowed reports whether the request may proceed without queueing.
func (v Verdict) Allowed() bool { return v.Decision == DecisionAllowed }

var allowed = Verdict{Decision: DecisionAllowed}

func denied(d Decision, msg string) Verdict { return Verdict{Decision: d, Message: msg} }

// window is a tumbling per-minute frequency counter. Both reads and
// increments first reset the count when the window has gone stale.
type window struct {
	count int
	start time.Time
}

func (w *window) current(now time.Time) int {
	if now.Sub(w.start) >= windowLength {
		w.count = 0
		w.start = now
	}
	return w.count
}

func (w *window) increment(now time.Time) {
	if now.Sub(w.start) >= windowLength {
		w.count = 0
		w.start = now
	}
	w.count++
}

// RuleLoader fetches the per-user rate-limit override, nil when the user
// has none. Implemented by the credential store.
type RuleLoader interface {
	LoadUserRule(ctx context.Context, userID string) (*pylon.Rule, error)
}

// Limiter holds every admission counter and answers check/acquire/release
// for the dispatch pipeline. One mutex guards all state; the mutex is
// never held across I/O, and user-rule loading happens outside it.
type Limiter struct {
	mu sync.Mutex

	global      pylon.Rule
	defaultUser pylon.Rule
	rules       *Rules

	globalConcurrent int
	globalSSE        int
	globalRequests   window

	userConcurrent map[string]int
	userSSE        map[string]int
	userRequests   map[string]*window

	apiConcurrent map[string]int
	apiSSE        map[string]int
	apiRequests   map[string]*window

	userRules map[string]pylon.Rule // resolved cache

	loader RuleLoader

	// notify wakes the wait-queue after a non-SSE release. Setting it also
	// switches global-concurrency saturation from GlobalLimit to
	// QueueRequired.
	notify       func()
	queueEnabled bool
}

// New creates a Limiter enforcing settings. loader may be nil, in which
// case every user gets the default-user rule.
func New(settings Settings, loader RuleLoader) (*Limiter, error) {
	rules, err := CompileRules(settings.APIs, settings.Patterns)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		global:         settings.Global,
		defaultUser:    settings.DefaultUser,
		rules:          rules,
		loader:         loader,
		userConcurrent: make(map[string]int),
		userSSE:        make(map[string]int),
		userRequests:   make(map[string]*window),
		apiConcurrent:  make(map[string]int),
		apiSSE:         make(map[string]int),
		apiRequests:    make(map[string]*window),
		userRules:      make(map[string]pylon.Rule),
	}, nil
}

// SetNotify wires the queue wake-up invoked after every non-SSE release.
// A non-nil fn also makes Check report QueueRequired instead of
// GlobalLimitExceeded when global concurrency is saturated.
func (l *Limiter) SetNotify(fn func()) {
	l.mu.Lock()
	l.notify = fn
	l.queueEnabled = fn != nil
	l.mu.Unlock()
}

// Check evaluates a request against every ceiling without taking slots.
// Order: user frequency, user concurrency-or-SSE, API frequency, API
// concurrency-or-SSE, global frequency, global concurrency-or-SSE.
func (l *Limiter) Check(ctx context.Context, userID, apiID string, isSSE bool) Verdict {
	userRule := l.resolveUserRule(ctx, userID)
	apiRule := l.rules.Match(apiID)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if m := userRule.MaxRequestsPerMinute; m != nil && l.userWindow(userID).current(now) >= *m {
		return denied(DecisionUserLimit, "Your request rate limit exceeded")
	}
	if isSSE {
		if m := userRule.MaxSSEConnections; m != nil && l.userSSE[userID] >= *m {
			return denied(DecisionUserLimit, "Your SSE connection limit exceeded")
		}
	} else {
		if m := userRule.MaxConcurrent; m != nil && l.userConcurrent[userID] >= *m {
			return denied(DecisionUserLimit, "Your concurrent request limit exceeded")
		}
	}

	if apiRule != nil {
		if m := apiRule.MaxRequestsPerMinute; m != nil && l.apiWindow(apiID).current(now) >= *m {
			return denied(DecisionAPILimit, "API rate limit exceeded")
		}
		if isSSE {
			if m := apiRule.MaxSSEConnections; m != nil && l.apiSSE[apiID] >= *m {
				return denied(DecisionAPILimit, "API SSE connection limit exceeded")
			}
		} else {
			if m := apiRule.MaxConcurrent; m != nil && l.apiConcurrent[apiID] >= *m {
				return denied(DecisionAPILimit, "API concurrent request limit exceeded")
			}
		}
	}

	if m := l.global.MaxRequestsPerMinute; m != nil && l.globalRequests.current(now) >= *m {
		return denied(DecisionGlobalLimit, "System request rate limit exceeded")
	}
	if isSSE {
		if m := l.global.MaxSSEConnections; m != nil && l.globalSSE >= *m {
			return denied(DecisionGlobalLimit, "System SSE connection limit exceeded")
		}
	} else {
		if m := l.global.MaxConcurrent; m != nil && l.globalConcurrent >= *m {
			if l.queueEnabled {
				return denied(DecisionQueueRequired, "System at capacity, request queued")
			}
			return denied(DecisionGlobalLimit, "System busy, please try again later")
		}
	}

	return allowed
}

// Acquire takes slots after a successful check: the concurrency-or-SSE
// counter at each layer whose ceiling is defined, then all three
// frequency windows. skipGlobalConcurrent is set for queue-admitted
// requests, whose global slot the queue probe already claimed.
func (l *Limiter) Acquire(ctx context.Context, userID, apiID string, isSSE, skipGlobalConcurrent bool) {
	userRule := l.resolveUserRule(ctx, userID)
	apiRule := l.rules.Match(apiID)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if isSSE {
		if userRule.MaxSSEConnections != nil {
			l.userSSE[userID]++
		}
		if apiRule != nil && apiRule.MaxSSEConnections != nil {
			l.apiSSE[apiID]++
		}
		if l.global.MaxSSEConnections != nil {
			l.globalSSE++
		}
	} else {
		if userRule.MaxConcurrent != nil {
			l.userConcurrent[userID]++
		}
		if apiRule != nil && apiRule.MaxConcurrent != nil {
			l.apiConcurrent[apiID]++
		}
		if !skipGlobalConcurrent && l.global.MaxConcurrent != nil {
			l.globalConcurrent++
		}
	}

	l.userWindow(userID).increment(now)
	l.apiWindow(apiID).increment(now)
	l.globalRequests.increment(now)
}

// Release returns the slots taken by Acquire, flooring every counter at
// zero, then wakes the queue unless the request was SSE.
func (l *Limiter) Release(userID, apiID string, isSSE bool) {
	apiRule := l.rules.Match(apiID)

	l.mu.Lock()
	if isSSE {
		l.userSSE[userID] = max(0, l.userSSE[userID]-1)
		if apiRule != nil && apiRule.MaxSSEConnections != nil {
			l.apiSSE[apiID] = max(0, l.apiSSE[apiID]-1)
		}
		l.globalSSE = max(0, l.globalSSE-1)
	} else {
		l.userConcurrent[userID] = max(0, l.userConcurrent[userID]-1)
		if apiRule != nil && apiRule.MaxConcurrent != nil {
			l.apiConcurrent[apiID] = max(0, l.apiConcurrent[apiID]-1)
		}
		l.globalConcurrent = max(0, l.globalConcurrent-1)
	}
	notify := l.notify
	l.mu.Unlock()

	if !isSSE && notify != nil {
		notify()
	}
}

// IncrementAndCheckFrequency admits one SSE data event: it pre-checks
// every frequency ceiling and, only when all pass, bumps all three
// windows. Either all counters move or none do.
func (l *Limiter) IncrementAndCheckFrequency(ctx context.Context, userID, apiID string) Verdict {
	userRule := l.resolveUserRule(ctx, userID)
	apiRule := l.rules.Match(apiID)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if v := l.checkFrequencyLocked(userRule, apiRule, userID, apiID, now); !v.Allowed() {
		return v
	}
	l.userWindow(userID).increment(now)
	l.apiWindow(apiID).increment(now)
	l.globalRequests.increment(now)
	return allowed
}

// WaitForFrequencySlot polls every 100ms until the frequency ceilings
// would admit one more event. It reports how long it waited and whether
// a slot opened before timeout or ctx cancellation.
func (l *Limiter) WaitForFrequencySlot(ctx context.Context, userID, apiID string, timeout time.Duration) (time.Duration, bool) {
	start := time.Now()
	ticker := time.NewTicker(frequencyPollInterval)
	defer ticker.Stop()

	for time.Since(start) < timeout {
		if l.checkFrequency(ctx, userID, apiID).Allowed() {
			return time.Since(start), true
		}
		select {
		case <-ctx.Done():
			return time.Since(start), false
		case <-ticker.C:
		}
	}
	return time.Since(start), false
}

func (l *Limiter) checkFrequency(ctx context.Context, userID, apiID string) Verdict {
	userRule := l.resolveUserRule(ctx, userID)
	apiRule := l.rules.Match(apiID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkFrequencyLocked(userRule, apiRule, userID, apiID, time.Now())
}

func (l *Limiter) checkFrequencyLocked(userRule pylon.Rule, apiRule *pylon.Rule, userID, apiID string, now time.Time) Verdict {
	if m := userRule.MaxRequestsPerMinute; m != nil && l.userWindow(userID).current(now) >= *m {
		return denied(DecisionUserLimit, "Your request rate limit exceeded")
	}
	if apiRule != nil {
		if m := apiRule.MaxRequestsPerMinute; m != nil && l.apiWindow(apiID).current(now) >= *m {
			return denied(DecisionAPILimit, "API rate limit exceeded")
		}
	}
	if m := l.global.MaxRequestsPerMinute; m != nil && l.globalRequests.current(now) >= *m {
		return denied(DecisionGlobalLimit, "System request rate limit exceeded")
	}
	return allowed
}

// TryAcquireGlobalSlot atomically tests whether global concurrency has
// room and, if so, claims one slot. The queue driver uses this as its
// admission probe; it runs with the queue lock held, so it must never
// call back into the queue.
func (l *Limiter) TryAcquireGlobalSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.global.MaxConcurrent
	if m == nil {
		return true
	}
	if l.globalConcurrent < *m {
		l.globalConcurrent++
		return true
	}
	return false
}

// InvalidateUserRule drops the cached resolved rule for userID; the next
// check reloads it through the loader.
func (l *Limiter) InvalidateUserRule(userID string) {
	l.mu.Lock()
	delete(l.userRules, userID)
	l.mu.Unlock()
}

// resolveUserRule returns the effective rule for userID: the cached
// resolution if present, otherwise the loader's override merged
// field-wise over the default-user rule. Loader failures fall back to
// the default-user rule; the result is cached either way, so the
// fallback is logged once per cache fill.
func (l *Limiter) resolveUserRule(ctx context.Context, userID string) pylon.Rule {
	l.mu.Lock()
	rule, ok := l.userRules[userID]
	l.mu.Unlock()
	if ok {
		return rule
	}

	rule = l.defaultUser
	if l.loader != nil {
		override, err := l.loader.LoadUserRule(ctx, userID)
		if err != nil {
			slog.Warn("user rule load failed, using default",
				"user_id", userID, "error", err)
		} else {
			rule = rule.Merge(override)
		}
	}

	l.mu.Lock()
	l.userRules[userID] = rule
	l.mu.Unlock()
	return rule
}

func (l *Limiter) userWindow(userID string) *window {
	w, ok := l.userRequests[userID]
	if !ok {
		w = &window{start: time.Now()}
		l.userRequests[userID] = w
	}
	return w
}

func (l *Limiter) apiWindow(apiID string) *window {
	w, ok := l.apiRequests[apiID]
	if !ok {
		w = &window{start: time.Now()}
		l.apiRequests[apiID] = w
	}
	return w
}

// Snapshot is a consistent view of limiter state for monitoring.
type Snapshot struct {
	GlobalConcurrent         int            `json:"global_concurrent"`
	GlobalSSEConnections     int            `json:"global_sse_connections"`
	GlobalRequestsThisMinute int            `json:"global_requests_this_minute"`
	Users                    []UserActivity `json:"users"`
}

// UserActivity is the per-user slice of a Snapshot.
type UserActivity struct {
	UserID             string `json:"user_id"`
	Concurrent         int    `json:"concurrent"`
	SSEConnections     int    `json:"sse_connections"`
	RequestsThisMinute int    `json:"requests_this_minute"`
}

// Stats returns a snapshot of global counters and every user with
// non-zero activity, sorted by user ID.
func (l *Limiter) Stats() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	s := Snapshot{
		GlobalConcurrent:         l.globalConcurrent,
		GlobalSSEConnections:     l.globalSSE,
		GlobalRequestsThisMinute: l.globalRequests.current(now),
	}

	seen := make(map[string]bool, len(l.userConcurrent))
	for id := range l.userConcurrent {
		seen[id] = true
	}
	for id := range l.userSSE {
		seen[id] = true
	}
	for id := range l.userRequests {
		seen[id] = true
	}
	for id := range seen {
		u := UserActivity{
			UserID:         id,
			Concurrent:     l.userConcurrent[id],
			SSEConnections: l.userSSE[id],
		}
		if w := l.userRequests[id]; w != nil {
			u.RequestsThisMinute = w.current(now)
		}
		if u.Concurrent == 0 && u.SSEConnections == 0 && u.RequestsThisMinute == 0 {
			continue
		}
		s.Users = append(s.Users, u)
	}
	sort.Slice(s.Users, func(i, j int) bool { return s.Users[i].UserID < s.Users[j].UserID })
	return s
}
