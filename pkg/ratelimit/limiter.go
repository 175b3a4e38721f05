// Package ratelimit implements composable admission-control policies for
// remote data sources and the client that gates operations through them.
//
// A Limiter is pure bookkeeping: it never sleeps and never spawns timers.
// Time is always passed in by the caller, which keeps limiters deterministic
// under test and lets Client serialize all mutations through one lock.
package ratelimit

import (
	"math"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
)

// Limiter is the uniform contract shared by all admission policies.
type Limiter interface {
	// Check reports whether an operation of the given weight may start now.
	Check(now time.Time, weight int) bool

	// Add records that an operation of the given weight started.
	Add(now time.Time, weight int)

	// Sub records that an operation of the given weight finished.
	Sub(now time.Time, weight int)

	// NextTry returns how long to wait before Check may succeed.
	// Zero means the wait is unknown and depends on a release elsewhere.
	NextTry(now time.Time, weight int) time.Duration
}

// Concurrence limits the number of operations in flight.
type Concurrence struct {
	maxConcurrence int
	pending        int
}

// NewConcurrence creates a concurrency limiter. A non-positive maximum would
// block forever and is rejected.
func NewConcurrence(maxConcurrence int) (*Concurrence, error) {
	if maxConcurrence <= 0 {
		return nil, fault.Config("max_concurrence", "must be positive")
	}
	return &Concurrence{maxConcurrence: maxConcurrence}, nil
}

// Check implements Limiter.
func (c *Concurrence) Check(_ time.Time, _ int) bool {
	return c.pending < max(c.maxConcurrence, 1)
}

// Add implements Limiter.
func (c *Concurrence) Add(_ time.Time, _ int) {
	c.pending++
}

// Sub implements Limiter.
func (c *Concurrence) Sub(_ time.Time, _ int) {
	if c.pending > 0 {
		c.pending--
	}
}

// NextTry implements Limiter. The caller has to re-check after a release.
func (c *Concurrence) NextTry(_ time.Time, _ int) time.Duration {
	return 0
}

// Pending returns the number of operations currently in flight.
func (c *Concurrence) Pending() int {
	return c.pending
}

// Sparse spreads `limit` operations evenly across `interval`.
//
// Each admitted weight unit locks one slot; slots unlock lazily as time
// passes, so there is no background refill timer.
type Sparse struct {
	interval    time.Duration
	limit       int
	fixedWeight int
	slot        time.Duration

	lockWeight int
	lastRefill time.Time
}

// NewSparse creates a sparse limiter allowing limit operations per interval.
// When fixedWeight is positive every Add locks fixedWeight slots regardless
// of the weight passed in.
func NewSparse(interval time.Duration, limit, fixedWeight int) (*Sparse, error) {
	if interval <= 0 {
		return nil, fault.Config("interval", "must be positive")
	}
	if limit <= 0 {
		return nil, fault.Config("limit", "must be positive")
	}
	if fixedWeight < 0 {
		return nil, fault.Config("fixed_weight", "must not be negative")
	}

	return &Sparse{
		interval:    interval,
		limit:       limit,
		fixedWeight: fixedWeight,
		slot:        slotInterval(interval, limit),
	}, nil
}

// slotInterval returns interval/limit rounded up to a hundredth of a millisecond.
func slotInterval(interval time.Duration, limit int) time.Duration {
	ms := float64(interval) / float64(time.Millisecond) / float64(limit)
	ms = math.Ceil(ms*100) / 100
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

// SlotInterval returns the spacing between two admitted weight units.
func (s *Sparse) SlotInterval() time.Duration {
	return s.slot
}

// LockWeight returns the number of slots still locked.
func (s *Sparse) LockWeight() int {
	return s.lockWeight
}

// updateState unlocks the slots that elapsed since the last refill.
func (s *Sparse) updateState(now time.Time) {
	if s.lastRefill.IsZero() {
		return
	}

	elapsed := now.Sub(s.lastRefill)
	if elapsed < 0 {
		return
	}

	slots := int(elapsed / s.slot)
	unlocked := min(slots, s.lockWeight)
	s.lockWeight -= unlocked
	s.lastRefill = s.lastRefill.Add(time.Duration(unlocked) * s.slot)

	if s.lockWeight == 0 && elapsed >= s.interval {
		s.lastRefill = time.Time{}
	}
}

// Check implements Limiter.
func (s *Sparse) Check(now time.Time, _ int) bool {
	s.updateState(now)
	return s.lockWeight == 0
}

// Add implements Limiter.
func (s *Sparse) Add(now time.Time, weight int) {
	s.updateState(now)
	if s.lastRefill.IsZero() {
		s.lastRefill = now
	}
	if s.fixedWeight > 0 {
		weight = s.fixedWeight
	}
	if weight > 0 {
		s.lockWeight += weight
	}
}

// Sub implements Limiter. Sparse slots unlock with time, not on release.
func (s *Sparse) Sub(_ time.Time, _ int) {}

// NextTry implements Limiter.
func (s *Sparse) NextTry(now time.Time, _ int) time.Duration {
	s.updateState(now)
	if s.lockWeight == 0 {
		return 0
	}
	wait := time.Duration(s.lockWeight)*s.slot - now.Sub(s.lastRefill)
	return max(wait, 0)
}

// Compose admits an operation only when every child admits it.
type Compose struct {
	limiters []Limiter
}

// NewCompose combines limiters with AND semantics.
func NewCompose(limiters ...Limiter) *Compose {
	return &Compose{limiters: limiters}
}

// Check implements Limiter. An empty composition always permits.
func (c *Compose) Check(now time.Time, weight int) bool {
	for _, l := range c.limiters {
		if !l.Check(now, weight) {
			return false
		}
	}
	return true
}

// Add implements Limiter.
func (c *Compose) Add(now time.Time, weight int) {
	for _, l := range c.limiters {
		l.Add(now, weight)
	}
}

// Sub implements Limiter.
func (c *Compose) Sub(now time.Time, weight int) {
	for _, l := range c.limiters {
		l.Sub(now, weight)
	}
}

// NextTry implements Limiter.
func (c *Compose) NextTry(now time.Time, weight int) time.Duration {
	var wait time.Duration
	for _, l := range c.limiters {
		wait = max(wait, l.NextTry(now, weight))
	}
	return wait
}

// Policy describes one limiter in configuration form.
type Policy struct {
	// Kind is "sparse" or "concurrence".
	Kind string `mapstructure:"kind"`

	// Interval and Limit configure sparse limiters.
	Interval time.Duration `mapstructure:"interval"`
	Limit    int           `mapstructure:"limit"`

	// FixedWeight overrides the per-request weight of sparse limiters.
	FixedWeight int `mapstructure:"fixed_weight"`

	// MaxConcurrence configures concurrence limiters.
	MaxConcurrence int `mapstructure:"max_concurrence"`
}

// FromPolicies builds a composed limiter from configuration.
func FromPolicies(policies []Policy) (*Compose, error) {
	limiters := make([]Limiter, 0, len(policies))
	for _, p := range policies {
		switch p.Kind {
		case "sparse":
			l, err := NewSparse(p.Interval, p.Limit, p.FixedWeight)
			if err != nil {
				return nil, err
			}
			limiters = append(limiters, l)
		case "concurrence":
			l, err := NewConcurrence(p.MaxConcurrence)
			if err != nil {
				return nil, err
			}
			limiters = append(limiters, l)
		default:
			return nil, fault.Config("kind", "unknown rate limit kind "+p.Kind)
		}
	}
	return NewCompose(limiters...), nil
}
