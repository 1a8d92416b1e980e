package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/detectforge/responder/internal/execution"
)

// RecordMetric appends one rollup sample.
func (s *Store) RecordMetric(ctx context.Context, name string, labels map[string]string, value float64, at time.Time) error {
	lb, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	if labels == nil {
		lb = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics (name, labels, value, ts) VALUES (?, ?, ?, ?)`,
		name, string(lb), value, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("record metric %s: %w", name, err)
	}
	return nil
}

// MetricPoint is one stored rollup sample.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	At     time.Time         `json:"at"`
}

// MetricPoints returns samples for a metric since a cutoff, oldest-first.
func (s *Store) MetricPoints(ctx context.Context, name string, since time.Time) ([]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, labels, value, ts FROM metrics
		WHERE name = ? AND ts >= ?
		ORDER BY ts ASC`, name, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("load metric %s: %w", name, err)
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var (
			p      MetricPoint
			labels string
			ts     string
		)
		if err := rows.Scan(&p.Name, &labels, &p.Value, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &p.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
		if p.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary aggregates operational counters over a window, computed straight
// from the executions and approval_queue tables.
type Summary struct {
	Since          time.Time               `json:"since"`
	Executions     map[execution.State]int `json:"executions"`
	Approvals      map[ApprovalStatus]int  `json:"approvals"`
	AvgDurationMS  int64                   `json:"avg_duration_ms"`
	StepsSucceeded int                     `json:"steps_succeeded"`
	StepsFailed    int                     `json:"steps_failed"`
}

// Summarize builds a Summary for everything started at or after since (zero
// since means all time).
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	sum := &Summary{
		Since:      since.UTC(),
		Executions: map[execution.State]int{},
		Approvals:  map[ApprovalStatus]int{},
	}

	counts, err := s.CountExecutions(ctx, since)
	if err != nil {
		return nil, err
	}
	sum.Executions = counts

	query := `SELECT status, COUNT(*) FROM approval_queue`
	var args []any
	if !since.IsZero() {
		query += ` WHERE requested_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count approvals: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		sum.Approvals[ApprovalStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	avgQuery := `SELECT COALESCE(AVG(duration_ms), 0) FROM executions WHERE completed_at IS NOT NULL`
	avgArgs := []any{}
	if !since.IsZero() {
		avgQuery += ` AND started_at >= ?`
		avgArgs = append(avgArgs, formatTime(since))
	}
	var avg float64
	if err := s.db.QueryRowContext(ctx, avgQuery, avgArgs...).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	sum.AvgDurationMS = int64(avg)

	// Step outcomes live inside the results JSON; decode the window's rows.
	execs, err := s.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		return nil, err
	}
	for _, e := range execs {
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		for _, r := range e.Results {
			if r.Skipped {
				continue
			}
			if r.Success {
				sum.StepsSucceeded++
			} else {
				sum.StepsFailed++
			}
		}
	}
	return sum, nil
}

// RetentionResult reports what a retention sweep removed.
type RetentionResult struct {
	Executions int64 `json:"executions"`
	Approvals  int64 `json:"approvals"`
	Metrics    int64 `json:"metrics"`
}

// PruneRetention deletes terminal executions completed before cutoff, decided
// or expired approvals decided before cutoff, and metric samples older than
// cutoff. Audit entries are append-only and are never pruned.
func (s *Store) PruneRetention(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var result RetentionResult
	cut := formatTime(cutoff)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE completed_at IS NOT NULL AND completed_at < ?
		  AND state IN (?, ?, ?, ?)`,
		cut,
		string(execution.StateCompleted), string(execution.StateCancelled),
		string(execution.StateTimedOut), string(execution.StateRolledBack),
	)
	if err != nil {
		return result, fmt.Errorf("prune executions: %w", err)
	}
	result.Executions, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM approval_queue
		WHERE status != ? AND decided_at IS NOT NULL AND decided_at < ?`,
		string(ApprovalPending), cut,
	)
	if err != nil {
		return result, fmt.Errorf("prune approvals: %w", err)
	}
	result.Approvals, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM metrics WHERE ts < ?`, cut)
	if err != nil {
		return result, fmt.Errorf("prune metrics: %w", err)
	}
	result.Metrics, _ = res.RowsAffected()

	return result, nil
}
