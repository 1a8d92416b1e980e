// Package ratelimit provides per-source rate limiting for alert ingestion.
// Each source (remote address or configured source id) gets a sliding
// one-minute window with a burst allowance on top of the sustained rate.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const window = time.Minute

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained per-source rate.
	RequestsPerMinute int

	// Burst allows this many extra requests above the sustained rate.
	Burst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Burst:             20,
	}
}

// Decision represents whether a request is allowed and why not.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks request rates per source.
type Limiter struct {
	config Config

	mu      sync.Mutex
	history map[string][]time.Time

	now func() time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	return &Limiter{
		config:  cfg,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow checks whether a request from the given source is permitted and,
// if so, records it.
func (l *Limiter) Allow(source string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(source, now)

	limit := l.config.RequestsPerMinute + l.config.Burst
	if len(l.history[source]) >= limit {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("rate limit reached (%d requests in last minute, max %d)", len(l.history[source]), limit),
		}
	}

	l.history[source] = append(l.history[source], now)
	return Decision{Allowed: true}
}

// Stats summarizes limiter state for metrics and status endpoints.
type Stats struct {
	Sources            int
	RequestsLastMinute int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	total := 0
	for source := range l.history {
		l.pruneLocked(source, now)
		total += len(l.history[source])
	}
	return Stats{
		Sources:            len(l.history),
		RequestsLastMinute: total,
	}
}

// pruneLocked drops records outside the window and forgets idle sources.
func (l *Limiter) pruneLocked(source string, now time.Time) {
	cutoff := now.Add(-window)
	times := l.history[source]
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == len(times) {
		delete(l.history, source)
		return
	}
	if i > 0 {
		l.history[source] = times[i:]
	}
}
