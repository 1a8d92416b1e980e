// Package maintenance runs the engine's background housekeeping sweeps:
// approval-queue expiry, retention purge, the durable metrics rollup, and
// SQLite WAL checkpoints. Tasks carry either a Go duration or a cron
// expression and are checked on a coarse ticker.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/metrics"
	"github.com/detectforge/responder/internal/store"
)

// expirySchedule is how often pending approvals are checked against their
// deadline. Queue deadlines are minutes-to-hours, so a minute is enough.
const expirySchedule = "1m"

// task is one recurring housekeeping job.
type task struct {
	name     string
	schedule string
	run      func(ctx context.Context, now time.Time) error

	createdAt time.Time
	lastRunAt *time.Time
}

// Options configures the maintenance runner.
type Options struct {
	Store   *store.Store
	Bus     *events.Bus
	Metrics *metrics.Set
	Logger  *zap.Logger

	// Schedule drives the retention purge, metrics rollup, and WAL
	// checkpoint (Go duration or cron expression, default "@hourly").
	// The approval expiry sweep always runs on its own minute cadence.
	Schedule string
	// RetentionDays is how long terminal executions, decided approvals,
	// and rollup samples are kept. Zero or negative disables the purge.
	// Audit entries are never pruned.
	RetentionDays int

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Runner owns the housekeeping loop. Start and Stop are safe to call more
// than once.
type Runner struct {
	store   *store.Store
	bus     *events.Bus
	metrics *metrics.Set
	logger  *zap.Logger
	now     func() time.Time

	retentionDays int

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	tasks  []*task
	wg     sync.WaitGroup

	// lastRollup anchors the next rollup window. Only the loop goroutine
	// touches it.
	lastRollup time.Time
}

// NewRunner builds a runner with the four built-in tasks.
func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schedule := strings.TrimSpace(opts.Schedule)
	if schedule == "" {
		schedule = "@hourly"
	}

	r := &Runner{
		store:         opts.Store,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		logger:        logger.Named("maintenance"),
		now:           now,
		retentionDays: opts.RetentionDays,
	}

	createdAt := now().UTC()
	r.tasks = []*task{
		{name: "approval-expiry", schedule: expirySchedule, run: r.sweepApprovals, createdAt: createdAt},
		{name: "retention-purge", schedule: schedule, run: r.pruneRetention, createdAt: createdAt},
		{name: "metrics-rollup", schedule: schedule, run: r.rollupMetrics, createdAt: createdAt},
		{name: "wal-checkpoint", schedule: schedule, run: r.checkpoint, createdAt: createdAt},
	}
	return r
}

// Start starts the housekeeping loop. It is safe to call Start multiple times.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.ticker = time.NewTicker(30 * time.Second)
	ticker := r.ticker
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runOnce(loopCtx, r.now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.runOnce(loopCtx, r.now().UTC())
			}
		}
	}()
}

// Stop stops the loop and waits for an in-flight sweep to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.ticker == nil {
		r.mu.Unlock()
		return
	}

	r.ticker.Stop()
	r.ticker = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Runner) runOnce(ctx context.Context, now time.Time) {
	if r.store == nil {
		return
	}

	for _, t := range r.tasks {
		due, err := isScheduleDue(t.schedule, t.lastRunAt, t.createdAt, now)
		if err != nil {
			r.logger.Warn("invalid task schedule",
				zap.String("task", t.name),
				zap.String("schedule", t.schedule),
				zap.Error(err),
			)
			continue
		}
		if !due {
			continue
		}

		ts := now
		t.lastRunAt = &ts
		if err := t.run(ctx, now); err != nil {
			r.logger.Warn("maintenance task failed", zap.String("task", t.name), zap.Error(err))
		}
	}
}

// sweepApprovals flips pending queue entries whose deadline passed to
// expired. The engine times out gates it is actively waiting on itself; this
// sweep catches L2 promotion entries and strays left by a restart.
func (r *Runner) sweepApprovals(ctx context.Context, now time.Time) error {
	expired, err := r.store.ExpireApprovals(ctx, now)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	for _, entry := range expired {
		r.metrics.RecordApproval(string(store.ApprovalExpired), entry.ExpiresAt.Sub(entry.RequestedAt))
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type:        events.ApprovalDecided,
				ExecutionID: entry.ExecutionID,
				Summary:     fmt.Sprintf("approval %s expired", entry.RequestID),
				Detail: map[string]any{
					"request_id": entry.RequestID,
					"step_id":    entry.StepID,
					"action":     string(entry.Action),
					"status":     string(store.ApprovalExpired),
				},
			})
		}
	}
	r.logger.Info("expired stale approvals", zap.Int("count", len(expired)))
	return nil
}

// pruneRetention deletes terminal executions, decided approvals, and rollup
// samples older than the retention window.
func (r *Runner) pruneRetention(ctx context.Context, now time.Time) error {
	if r.retentionDays <= 0 {
		return nil
	}
	cutoff := now.UTC().AddDate(0, 0, -r.retentionDays)
	res, err := r.store.PruneRetention(ctx, cutoff)
	if err != nil {
		return err
	}
	if res.Executions+res.Approvals+res.Metrics > 0 {
		r.logger.Info("retention purge",
			zap.Time("cutoff", cutoff),
			zap.Int64("executions", res.Executions),
			zap.Int64("approvals", res.Approvals),
			zap.Int64("metrics", res.Metrics),
		)
	}
	return nil
}

// rollupMetrics snapshots the window since the previous rollup into the
// durable metrics table. The first window after startup reaches one schedule
// period back.
func (r *Runner) rollupMetrics(ctx context.Context, now time.Time) error {
	since := r.lastRollup
	if since.IsZero() {
		since = now.Add(-time.Hour)
	}

	sum, err := r.store.Summarize(ctx, since)
	if err != nil {
		return err
	}

	at := now.UTC()
	for state, n := range sum.Executions {
		if err := r.store.RecordMetric(ctx, "executions", map[string]string{"state": string(state)}, float64(n), at); err != nil {
			return err
		}
	}
	for status, n := range sum.Approvals {
		if err := r.store.RecordMetric(ctx, "approvals", map[string]string{"status": string(status)}, float64(n), at); err != nil {
			return err
		}
	}
	if sum.StepsSucceeded > 0 {
		if err := r.store.RecordMetric(ctx, "steps", map[string]string{"outcome": "succeeded"}, float64(sum.StepsSucceeded), at); err != nil {
			return err
		}
	}
	if sum.StepsFailed > 0 {
		if err := r.store.RecordMetric(ctx, "steps", map[string]string{"outcome": "failed"}, float64(sum.StepsFailed), at); err != nil {
			return err
		}
	}
	if sum.AvgDurationMS > 0 {
		if err := r.store.RecordMetric(ctx, "avg_duration_ms", nil, float64(sum.AvgDurationMS), at); err != nil {
			return err
		}
	}

	r.lastRollup = now
	return nil
}

func (r *Runner) checkpoint(ctx context.Context, _ time.Time) error {
	return r.store.Checkpoint(ctx)
}

func isScheduleDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}
