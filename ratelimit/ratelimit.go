// Package ratelimit throttles outbound API calls with a sliding window and
// reconciles the local estimate with server-reported limit headers.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultLimit is the Teamleader Focus quota per sliding window.
	DefaultLimit = 200
	// DefaultWindow is the length of the sliding window.
	DefaultWindow = time.Minute

	defaultThrottleThreshold = 0.70
	defaultMaxDelay          = 10 * time.Second
)

// Config holds the limiter settings.
type Config struct {
	// Limit is the request ceiling per window.
	Limit int
	// Window is the length of the trailing window.
	Window time.Duration
	// ThrottleThreshold is the usage fraction above which requests are
	// slowed down gradually instead of hitting the ceiling at full speed.
	ThrottleThreshold float64
	// MaxDelay caps any delay the limiter asks for. A caller that would
	// have to wait longer should fail instead of sleeping unboundedly.
	MaxDelay time.Duration
	Clock    clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Limit == 0 {
		c.Limit = DefaultLimit
	}
	if c.Limit < 0 {
		return trace.BadParameter("rate limit must be positive, got %v", c.Limit)
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Window < 0 {
		return trace.BadParameter("rate window must be positive, got %v", c.Window)
	}
	if c.ThrottleThreshold == 0 {
		c.ThrottleThreshold = defaultThrottleThreshold
	}
	if c.ThrottleThreshold < 0 || c.ThrottleThreshold > 1 {
		return trace.BadParameter("throttle threshold must be within [0, 1], got %v", c.ThrottleThreshold)
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Decision tells a caller whether to send now and how long to wait if not.
type Decision struct {
	// Proceed is true when the request may be sent immediately.
	Proceed bool
	// Delay is how long to wait before re-checking, capped at MaxDelay.
	Delay time.Duration
	// Remaining is the conservative remaining capacity. Zero or less means
	// the window is exhausted, not merely throttled.
	Remaining int
}

// Stats is a read-only snapshot for status reporting.
type Stats struct {
	RequestsMade      int
	Remaining         int
	UsagePercentage   float64
	SecondsUntilReset float64
}

// Limiter tracks request instants within a trailing window. All methods are
// safe for concurrent use.
type Limiter struct {
	conf  Config
	clock clockwork.Clock

	mu         sync.Mutex
	timestamps []time.Time
	// serverRemaining is the last X-RateLimit-Remaining observation,
	// -1 when unknown.
	serverRemaining  int
	serverObservedAt time.Time
	serverResetAt    time.Time
}

// NewLimiter creates a sliding-window limiter.
func NewLimiter(conf Config) (*Limiter, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		conf:            conf,
		clock:           conf.Clock,
		serverRemaining: -1,
	}, nil
}

// Allow decides whether a request may be sent now. It never blocks; the
// caller is expected to sleep for Delay and re-check once.
func (l *Limiter) Allow() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	remaining := l.remainingLocked(now)
	if remaining <= 0 {
		return Decision{
			Proceed:   false,
			Delay:     l.capDelay(l.untilCapacityLocked(now)),
			Remaining: remaining,
		}
	}

	// Usage is derived from the authoritative remaining, not the local
	// count, so a tight server observation throttles too.
	usage := float64(l.conf.Limit-remaining) / float64(l.conf.Limit)
	if usage < l.conf.ThrottleThreshold {
		return Decision{Proceed: true, Remaining: remaining}
	}

	// Above the threshold the delay grows linearly towards MaxDelay,
	// producing smooth backpressure instead of a cliff at the ceiling.
	scale := (usage - l.conf.ThrottleThreshold) / (1 - l.conf.ThrottleThreshold)
	delay := time.Duration(scale * float64(l.conf.MaxDelay))
	if delay <= 0 {
		return Decision{Proceed: true, Remaining: remaining}
	}
	return Decision{Proceed: false, Delay: l.capDelay(delay), Remaining: remaining}
}

// RecordRequest appends the current instant to the window. It is called
// right before dispatch so in-flight concurrent requests are all counted.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	l.timestamps = append(l.timestamps, now)
}

// ObserveResponseHeaders reconciles server-reported limit values. The server
// is trusted over the local estimate until the next observation ages out.
func (l *Limiter) ObserveResponseHeaders(remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if remaining >= 0 {
		l.serverRemaining = remaining
		l.serverObservedAt = l.clock.Now()
	}
	if !resetAt.IsZero() {
		l.serverResetAt = resetAt
	}
}

// Stats returns a snapshot of the current window state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	used := len(l.timestamps)
	remaining := l.remainingLocked(now)
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		RequestsMade:      used,
		Remaining:         remaining,
		UsagePercentage:   float64(l.conf.Limit-remaining) / float64(l.conf.Limit) * 100,
		SecondsUntilReset: l.untilCapacityLocked(now).Seconds(),
	}
}

// prune drops timestamps that left the trailing window. Entries never
// accumulate beyond one window's worth of requests.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.conf.Window)
	idx := 0
	for idx < len(l.timestamps) && !l.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[idx:]...)
	}
}

// remainingLocked is the conservative minimum of the local estimate and the
// last server observation, adjusted for requests sent since.
func (l *Limiter) remainingLocked(now time.Time) int {
	remaining := l.conf.Limit - len(l.timestamps)

	if l.serverRemaining >= 0 && now.Sub(l.serverObservedAt) < l.conf.Window {
		sentSince := 0
		for i := len(l.timestamps) - 1; i >= 0; i-- {
			if l.timestamps[i].Before(l.serverObservedAt) {
				break
			}
			sentSince++
		}
		if server := l.serverRemaining - sentSince; server < remaining {
			remaining = server
		}
	}
	return remaining
}

// untilCapacityLocked is how long until capacity frees up: when the oldest
// recorded request exits the window, or the server-announced reset if later.
func (l *Limiter) untilCapacityLocked(now time.Time) time.Duration {
	var wait time.Duration
	if len(l.timestamps) > 0 {
		wait = l.timestamps[0].Add(l.conf.Window).Sub(now)
	}
	if l.serverResetAt.After(now) {
		if serverWait := l.serverResetAt.Sub(now); serverWait > wait {
			wait = serverWait
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (l *Limiter) capDelay(d time.Duration) time.Duration {
	if d > l.conf.MaxDelay {
		return l.conf.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
