package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/detectforge/responder/internal/actions"
)

// ApprovalStatus is the lifecycle of one queued approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExecuted ApprovalStatus = "executed"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalKind distinguishes what approving an entry does.
type ApprovalKind string

const (
	// ApprovalKindGate is a live L1 gate: the execution is suspended on it,
	// and the decision resumes the engine directly. No promotion runs.
	ApprovalKindGate ApprovalKind = "gate"
	// ApprovalKindPromotion is a simulated L2 write: approving it executes
	// the recorded step in production.
	ApprovalKindPromotion ApprovalKind = "promotion"
)

var (
	// ErrAlreadyDecided is returned when deciding a request that is no
	// longer pending.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrApprovalExpired is returned when a decision arrives after the
	// request's expiry. The late decision is recorded nowhere; the entry
	// flips to expired.
	ErrApprovalExpired = errors.New("approval expired")
)

// ApprovalEntry is one durable approval request: either a live L1 gate that
// outlasted its prompt, or a simulated L2 write queued for promotion.
type ApprovalEntry struct {
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	RunbookID   string         `json:"runbook_id,omitempty"`
	StepID      string         `json:"step_id"`
	StepName    string         `json:"step_name,omitempty"`
	Action      actions.Action `json:"action"`
	Kind        ApprovalKind   `json:"kind"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Simulation  map[string]any `json:"simulation,omitempty"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Approver    string         `json:"approver,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// EnqueueApproval persists a new pending request.
func (s *Store) EnqueueApproval(ctx context.Context, e *ApprovalEntry) error {
	if e.Status == "" {
		e.Status = ApprovalPending
	}
	if e.Kind == "" {
		e.Kind = ApprovalKindPromotion
	}
	params, err := json.Marshal(orEmpty(e.Parameters))
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	var simulation any
	if e.Simulation != nil {
		b, err := json.Marshal(e.Simulation)
		if err != nil {
			return fmt.Errorf("encode simulation: %w", err)
		}
		simulation = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_queue
			(request_id, execution_id, runbook_id, step_id, step_name, action, kind,
			 parameters, simulation, status, requested_at, expires_at,
			 approver, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.ExecutionID, e.RunbookID, e.StepID, e.StepName, string(e.Action), string(e.Kind),
		string(params), simulation, string(e.Status),
		formatTime(e.RequestedAt), formatTime(e.ExpiresAt),
		e.Approver, e.Reason, formatTimePtr(e.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue approval %s: %w", e.RequestID, err)
	}
	return nil
}

// GetApproval loads one request by id.
func (s *Store) GetApproval(ctx context.Context, requestID string) (*ApprovalEntry, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE request_id = ?`, requestID)
	e, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", requestID, ErrNotFound)
	}
	return e, err
}

// ListApprovals returns requests oldest-first, optionally filtered by status.
func (s *Store) ListApprovals(ctx context.Context, status ApprovalStatus, limit int) ([]*ApprovalEntry, error) {
	query := approvalSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY requested_at ASC, request_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalEntry
	for rows.Next() {
		e, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingApprovals returns all pending requests oldest-first.
func (s *Store) PendingApprovals(ctx context.Context) ([]*ApprovalEntry, error) {
	return s.ListApprovals(ctx, ApprovalPending, 0)
}

// DecideApproval records a human decision on a pending request. Deciding an
// entry past its expiry flips it to expired and returns ErrApprovalExpired;
// deciding a non-pending entry returns ErrAlreadyDecided.
func (s *Store) DecideApproval(ctx context.Context, requestID string, approve bool, approver, reason string, now time.Time) (*ApprovalEntry, error) {
	var decided *ApprovalEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, approvalSelect+` WHERE request_id = ?`, requestID)
		e, err := scanApproval(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("approval %s: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if e.Status != ApprovalPending {
			return fmt.Errorf("approval %s is %s: %w", requestID, e.Status, ErrAlreadyDecided)
		}

		nowUTC := now.UTC()
		if !e.ExpiresAt.IsZero() && !nowUTC.Before(e.ExpiresAt) {
			if err := setApprovalStatus(ctx, tx, requestID, ApprovalExpired, "", "", nowUTC); err != nil {
				return err
			}
			return fmt.Errorf("approval %s: %w", requestID, ErrApprovalExpired)
		}

		status := ApprovalDenied
		if approve {
			status = ApprovalApproved
		}
		if err := setApprovalStatus(ctx, tx, requestID, status, approver, reason, nowUTC); err != nil {
			return err
		}

		e.Status = status
		e.Approver = approver
		e.Reason = reason
		e.DecidedAt = &nowUTC
		decided = e
		return nil
	})
	return decided, err
}

// MarkExecuted promotes an approved entry to executed after its recorded
// step ran in production. Only approved entries qualify.
func (s *Store) MarkExecuted(ctx context.Context, requestID string, now time.Time) (*ApprovalEntry, error) {
	var promoted *ApprovalEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, approvalSelect+` WHERE request_id = ?`, requestID)
		e, err := scanApproval(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("approval %s: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if e.Status != ApprovalApproved {
			return fmt.Errorf("approval %s is %s, not approved: %w", requestID, e.Status, ErrAlreadyDecided)
		}
		if err := setApprovalStatus(ctx, tx, requestID, ApprovalExecuted, e.Approver, e.Reason, now.UTC()); err != nil {
			return err
		}
		e.Status = ApprovalExecuted
		promoted = e
		return nil
	})
	return promoted, err
}

// ExpireApprovals flips every pending request past its expiry to expired and
// returns the affected entries.
func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) ([]*ApprovalEntry, error) {
	nowUTC := now.UTC()
	var expired []*ApprovalEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			approvalSelect+` WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC`,
			string(ApprovalPending), formatTime(nowUTC),
		)
		if err != nil {
			return fmt.Errorf("select expiring approvals: %w", err)
		}
		for rows.Next() {
			e, err := scanApproval(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, e := range expired {
			if err := setApprovalStatus(ctx, tx, e.RequestID, ApprovalExpired, "", "", nowUTC); err != nil {
				return err
			}
			e.Status = ApprovalExpired
			t := nowUTC
			e.DecidedAt = &t
		}
		return nil
	})
	return expired, err
}

const approvalSelect = `
	SELECT request_id, execution_id, runbook_id, step_id, step_name, action, kind,
	       parameters, simulation, status, requested_at, expires_at,
	       approver, reason, decided_at
	FROM approval_queue`

func setApprovalStatus(ctx context.Context, tx *sql.Tx, requestID string, status ApprovalStatus, approver, reason string, decidedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE approval_queue
		SET status = ?, approver = ?, reason = ?, decided_at = ?
		WHERE request_id = ?`,
		string(status), approver, reason, formatTime(decidedAt), requestID,
	)
	if err != nil {
		return fmt.Errorf("update approval %s: %w", requestID, err)
	}
	return nil
}

func scanApproval(row rowScanner) (*ApprovalEntry, error) {
	var (
		e           ApprovalEntry
		action      string
		kind        string
		params      string
		simulation  sql.NullString
		status      string
		requestedAt string
		expiresAt   string
		decidedAt   sql.NullString
	)
	err := row.Scan(
		&e.RequestID, &e.ExecutionID, &e.RunbookID, &e.StepID, &e.StepName, &action, &kind,
		&params, &simulation, &status, &requestedAt, &expiresAt,
		&e.Approver, &e.Reason, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Action = actions.Action(action)
	e.Kind = ApprovalKind(kind)
	e.Status = ApprovalStatus(status)
	if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
		return nil, fmt.Errorf("approval %s: decode parameters: %w", e.RequestID, err)
	}
	if simulation.Valid && simulation.String != "" {
		if err := json.Unmarshal([]byte(simulation.String), &e.Simulation); err != nil {
			return nil, fmt.Errorf("approval %s: decode simulation: %w", e.RequestID, err)
		}
	}
	if e.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, fmt.Errorf("approval %s: requested_at: %w", e.RequestID, err)
	}
	if e.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("approval %s: expires_at: %w", e.RequestID, err)
	}
	if decidedAt.Valid && decidedAt.String != "" {
		t, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, fmt.Errorf("approval %s: decided_at: %w", e.RequestID, err)
		}
		e.DecidedAt = &t
	}
	return &e, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
