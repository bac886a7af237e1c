// Package breaker implements the per-connection circuit breaker: four
// sliding-window counters (message flood, permission violation, spending
// exceeded, boundary probe) that force a connection back to full_manual
// autonomy when tripped.
package breaker

import (
	"sync"
	"time"
)

// Trigger names which counter tripped.
type Trigger string

const (
	TriggerMessageFlood        Trigger = "message_flood"
	TriggerPermissionViolation Trigger = "permission_violation"
	TriggerSpendingExceeded    Trigger = "spending_exceeded"
	TriggerBoundaryProbe       Trigger = "boundary_probe"
)

// Thresholds configures the count/window pair for one trigger.
type Thresholds struct {
	Count  int
	Window time.Duration
}

// Config holds the four sliding-window thresholds, defaulting to spec
// §4.7's values.
type Config struct {
	MessageFlood        Thresholds
	PermissionViolation Thresholds
	SpendingExceeded    Thresholds
	BoundaryProbe       Thresholds
}

// DefaultConfig returns the spec-mandated defaults: flood 50/60s,
// permission violation 5/300s, spending exceeded 5/300s, boundary probe
// 3/600s.
func DefaultConfig() Config {
	return Config{
		MessageFlood:        Thresholds{Count: 50, Window: 60 * time.Second},
		PermissionViolation: Thresholds{Count: 5, Window: 300 * time.Second},
		SpendingExceeded:    Thresholds{Count: 5, Window: 300 * time.Second},
		BoundaryProbe:       Thresholds{Count: 3, Window: 600 * time.Second},
	}
}

// ring is a manual sliding-window event counter: a slice of timestamps,
// pruned to the configured window on every access. Grounded on the
// teacher's token-bucket rate limiter (internal/hub/ratelimit.go) in
// spirit -- a lightweight, allocation-light counter rather than
// golang.org/x/time/rate's rate.Sometimes, which only samples, not
// counts within a window.
type ring struct {
	events []time.Time
}

func (r *ring) record(now time.Time, window time.Duration) int {
	r.prune(now, window)
	r.events = append(r.events, now)
	return len(r.events)
}

func (r *ring) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(r.events) && r.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = r.events[i:]
	}
}

// connectionCounters holds the four rings for one connection.
type connectionCounters struct {
	flood      ring
	permission ring
	spending   ring
	boundary   ring
}

// Breaker tracks sliding-window counters per connection address. A
// connection only trips once until the human re-upgrades its autonomy
// (which the store layer clears via Connection.SetAutonomy).
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	byConn map[string]*connectionCounters
}

// New creates a Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, byConn: make(map[string]*connectionCounters)}
}

func (b *Breaker) counters(address string) *connectionCounters {
	c, ok := b.byConn[address]
	if !ok {
		c = &connectionCounters{}
		b.byConn[address] = c
	}
	return c
}

// Result reports the outcome of evaluating all four counters for a
// connection after recording an event.
type Result struct {
	Tripped   bool
	Trigger   Trigger
	Count     int
	Threshold int
	Window    time.Duration
}

// RecordMessage records one inbound message toward the flood counter and
// evaluates all four counters, matching spec §4.7 step 4's
// "recordMessage(connection); then evaluate all four counters" sequence.
func (b *Breaker) RecordMessage(address string, now time.Time) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counters(address)
	count := c.flood.record(now, b.cfg.MessageFlood.Window)
	if res := tripCheck(TriggerMessageFlood, count, b.cfg.MessageFlood); res.Tripped {
		return res
	}
	return b.evaluateLocked(c, now)
}

// RecordPermissionViolation records a permission denial and evaluates
// all four counters.
func (b *Breaker) RecordPermissionViolation(address string, now time.Time) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counters(address)
	c.permission.record(now, b.cfg.PermissionViolation.Window)
	return b.evaluateLocked(c, now)
}

// RecordSpendingExceeded records a spending-cap breach and evaluates all
// four counters.
func (b *Breaker) RecordSpendingExceeded(address string, now time.Time) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counters(address)
	c.spending.record(now, b.cfg.SpendingExceeded.Window)
	return b.evaluateLocked(c, now)
}

// RecordBoundaryProbe records an information-boundary deny and evaluates
// all four counters.
func (b *Breaker) RecordBoundaryProbe(address string, now time.Time) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counters(address)
	c.boundary.record(now, b.cfg.BoundaryProbe.Window)
	return b.evaluateLocked(c, now)
}

func (b *Breaker) evaluateLocked(c *connectionCounters, now time.Time) Result {
	c.flood.prune(now, b.cfg.MessageFlood.Window)
	if res := tripCheck(TriggerMessageFlood, len(c.flood.events), b.cfg.MessageFlood); res.Tripped {
		return res
	}
	c.permission.prune(now, b.cfg.PermissionViolation.Window)
	if res := tripCheck(TriggerPermissionViolation, len(c.permission.events), b.cfg.PermissionViolation); res.Tripped {
		return res
	}
	c.spending.prune(now, b.cfg.SpendingExceeded.Window)
	if res := tripCheck(TriggerSpendingExceeded, len(c.spending.events), b.cfg.SpendingExceeded); res.Tripped {
		return res
	}
	c.boundary.prune(now, b.cfg.BoundaryProbe.Window)
	if res := tripCheck(TriggerBoundaryProbe, len(c.boundary.events), b.cfg.BoundaryProbe); res.Tripped {
		return res
	}
	return Result{}
}

func tripCheck(trigger Trigger, count int, t Thresholds) Result {
	if count < t.Count {
		return Result{}
	}
	return Result{Tripped: true, Trigger: trigger, Count: count, Threshold: t.Count, Window: t.Window}
}

// Reset clears all counters for a connection. Changing a connection's
// autonomy does not call it: that clears only the tripped flag, and the
// recorded events stay until they age out of their windows.
func (b *Breaker) Reset(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byConn, address)
}
