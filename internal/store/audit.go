package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/detectforge/responder/internal/audit"
)

// AppendAudit inserts entries outside any execution update. Most entries
// ride along with CreateExecution/UpdateExecution instead.
func (s *Store) AppendAudit(ctx context.Context, entries ...audit.Entry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertAuditEntries(ctx, tx, entries)
	})
}

func insertAuditEntries(ctx context.Context, tx *sql.Tx, entries []audit.Entry) error {
	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log
				(execution_id, sequence, timestamp, kind, payload, prev_hash, entry_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ExecutionID, e.Sequence, e.Timestamp, string(e.Kind),
			string(payload), e.PrevHash, e.EntryHash,
		)
		if err != nil {
			return fmt.Errorf("insert audit entry %s/%d: %w", e.ExecutionID, e.Sequence, err)
		}
	}
	return nil
}

// AuditTip returns the sequence and hash of the newest audit entry for an
// execution, or (0, "") when the chain is empty.
func (s *Store) AuditTip(ctx context.Context, executionID string) (int64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, entry_hash FROM audit_log
		WHERE execution_id = ?
		ORDER BY sequence DESC LIMIT 1`, executionID,
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit tip %s: %w", executionID, err)
	}
	return seq, hash, nil
}

// AuditEntries returns the full chain for an execution in sequence order.
func (s *Store) AuditEntries(ctx context.Context, executionID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, sequence, timestamp, kind, payload, prev_hash, entry_hash
		FROM audit_log
		WHERE execution_id = ?
		ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load audit %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			kind    string
			payload string
		)
		if err := rows.Scan(&e.ExecutionID, &e.Sequence, &e.Timestamp, &kind, &payload, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload %s/%d: %w", e.ExecutionID, e.Sequence, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyAudit re-derives the hash chain for an execution and reports the
// first break.
func (s *Store) VerifyAudit(ctx context.Context, executionID string) error {
	entries, err := s.AuditEntries(ctx, executionID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("audit %s: %w", executionID, ErrNotFound)
	}
	return audit.Verify(entries)
}

// ResumeAuditChain reconstructs a chain writer positioned after the last
// persisted entry for an execution. Used when resuming interrupted runs.
func (s *Store) ResumeAuditChain(ctx context.Context, executionID string) (*audit.Chain, error) {
	seq, hash, err := s.AuditTip(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return audit.NewChain(executionID), nil
	}
	return audit.ResumeChain(executionID, seq, hash), nil
}
