package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	clock := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 3, Burst: 1})

	for i := 0; i < 4; i++ {
		if d := l.Allow("10.0.0.1"); !d.Allowed {
			t.Fatalf("request %d denied: %s", i+1, d.Reason)
		}
	}

	d := l.Allow("10.0.0.1")
	if d.Allowed {
		t.Fatal("request above limit+burst must be denied")
	}
	if !strings.Contains(d.Reason, "rate limit reached") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1, Burst: 0})

	if d := l.Allow("edr"); !d.Allowed {
		t.Fatalf("edr denied: %s", d.Reason)
	}
	if d := l.Allow("edr"); d.Allowed {
		t.Fatal("second edr request must be denied")
	}
	if d := l.Allow("siem"); !d.Allowed {
		t.Fatalf("siem denied despite separate budget: %s", d.Reason)
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 1, Burst: 0})

	if d := l.Allow("src"); !d.Allowed {
		t.Fatalf("first request denied: %s", d.Reason)
	}
	if d := l.Allow("src"); d.Allowed {
		t.Fatal("second request inside window must be denied")
	}

	*clock = clock.Add(61 * time.Second)
	if d := l.Allow("src"); !d.Allowed {
		t.Fatalf("request after window denied: %s", d.Reason)
	}
}

func TestGetStatsPrunesIdleSources(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 10, Burst: 0})

	l.Allow("a")
	l.Allow("a")
	l.Allow("b")

	stats := l.GetStats()
	if stats.Sources != 2 || stats.RequestsLastMinute != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	*clock = clock.Add(2 * time.Minute)
	stats = l.GetStats()
	if stats.Sources != 0 || stats.RequestsLastMinute != 0 {
		t.Fatalf("stats after idle window = %+v", stats)
	}
}

func TestZeroConfigGetsDefaults(t *testing.T) {
	l := NewLimiter(Config{})
	if l.config.RequestsPerMinute != 120 {
		t.Fatalf("requests per minute = %d", l.config.RequestsPerMinute)
	}
}
