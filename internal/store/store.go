// Package store persists executions, the approval queue, the hash-chained
// audit log, and metric rollups in a single SQLite database. It is the only
// writer surface shared across executions; state transitions and their audit
// entries commit in one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/migration"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the engine database.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the database at dbPath, applies pragmas, backs the
// file up when a schema upgrade is pending, and migrates to the current
// schema.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migration.CheckVersion(db, schemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	current, err := migration.CurrentVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if current > 0 && current < schemaVersion {
		// Checkpoint so the backup copy is self-contained.
		_, _ = db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
		backup, err := migration.BackupDatabase(dbPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("backup before upgrade: %w", err)
		}
		if backup != "" {
			logger.Info("database backed up before schema upgrade",
				zap.String("backup", backup),
				zap.Int("from_version", current),
				zap.Int("to_version", schemaVersion),
			)
		}
	}
	if err := migration.NewRunner("engine", migrations, logger).Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: dbPath, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the raw handle for maintenance queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Checkpoint truncates the WAL file. Harmless on in-memory databases.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// CreateExecution inserts a new execution row and appends its initial audit
// entries in the same transaction.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution, entries ...audit.Entry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		contextJSON, resultsJSON, err := encodeExecution(exec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions
				(id, runbook_id, runbook_version, runbook_name, state, mode, level,
				 context, results, error, error_code, started_at, completed_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.RunbookID, exec.RunbookVersion, exec.RunbookName,
			string(exec.State), string(exec.Mode), string(exec.Level),
			contextJSON, resultsJSON, exec.Error, exec.ErrorCode,
			formatTime(exec.StartedAt), formatTimePtr(exec.CompletedAt), exec.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("insert execution %s: %w", exec.ID, err)
		}
		return insertAuditEntries(ctx, tx, entries)
	})
}

// UpdateExecution rewrites the execution row and appends the audit entries
// recording the change, atomically. A missing row returns ErrNotFound.
func (s *Store) UpdateExecution(ctx context.Context, exec *execution.Execution, entries ...audit.Entry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		contextJSON, resultsJSON, err := encodeExecution(exec)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE executions SET
				state = ?, mode = ?, level = ?, context = ?, results = ?,
				error = ?, error_code = ?, completed_at = ?, duration_ms = ?
			WHERE id = ?`,
			string(exec.State), string(exec.Mode), string(exec.Level),
			contextJSON, resultsJSON, exec.Error, exec.ErrorCode,
			formatTimePtr(exec.CompletedAt), exec.DurationMS, exec.ID,
		)
		if err != nil {
			return fmt.Errorf("update execution %s: %w", exec.ID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
		}
		return insertAuditEntries(ctx, tx, entries)
	})
}

// GetExecution loads one execution with its context snapshot and results.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, runbook_id, runbook_version, runbook_name, state, mode, level,
		       context, results, error, error_code, started_at, completed_at, duration_ms
		FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec, err
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	States    []execution.State
	RunbookID string
	// Since keeps only executions started at or after this instant. Zero
	// means no lower bound.
	Since  time.Time
	Limit  int
	Offset int
}

// ListExecutions returns executions newest-first, optionally filtered by
// state set, runbook, and start window.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*execution.Execution, error) {
	query := `
		SELECT id, runbook_id, runbook_version, runbook_name, state, mode, level,
		       context, results, error, error_code, started_at, completed_at, duration_ms
		FROM executions`
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if f.RunbookID != "" {
		where = append(where, "runbook_id = ?")
		args = append(args, f.RunbookID)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ActiveExecutions returns executions in non-terminal states. Used at startup
// to find runs interrupted by a crash.
func (s *Store) ActiveExecutions(ctx context.Context) ([]*execution.Execution, error) {
	var active []execution.State
	for _, st := range execution.States() {
		if !st.Terminal() {
			active = append(active, st)
		}
	}
	return s.ListExecutions(ctx, ExecutionFilter{States: active})
}

// CountExecutions returns the number of executions per state since a cutoff
// (zero cutoff counts everything).
func (s *Store) CountExecutions(ctx context.Context, since time.Time) (map[execution.State]int, error) {
	query := `SELECT state, COUNT(*) FROM executions`
	var args []any
	if !since.IsZero() {
		query += ` WHERE started_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` GROUP BY state`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := map[execution.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[execution.State(state)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*execution.Execution, error) {
	var (
		exec        execution.Execution
		state       string
		mode        string
		level       string
		contextJSON string
		resultsJSON string
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&exec.ID, &exec.RunbookID, &exec.RunbookVersion, &exec.RunbookName,
		&state, &mode, &level, &contextJSON, &resultsJSON,
		&exec.Error, &exec.ErrorCode, &startedAt, &completedAt, &exec.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	exec.State = execution.State(state)
	if exec.Mode, err = actions.ParseMode(mode); err != nil {
		return nil, fmt.Errorf("execution %s: %w", exec.ID, err)
	}
	if exec.Level, err = actions.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("execution %s: %w", exec.ID, err)
	}

	var snap map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &snap); err != nil {
		return nil, fmt.Errorf("execution %s: decode context: %w", exec.ID, err)
	}
	exec.Context = execution.FromSnapshot(snap)

	if err := json.Unmarshal([]byte(resultsJSON), &exec.Results); err != nil {
		return nil, fmt.Errorf("execution %s: decode results: %w", exec.ID, err)
	}

	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("execution %s: started_at: %w", exec.ID, err)
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("execution %s: completed_at: %w", exec.ID, err)
		}
		exec.CompletedAt = &t
	}
	return &exec, nil
}

func encodeExecution(exec *execution.Execution) (contextJSON, resultsJSON string, err error) {
	snap := map[string]any{}
	if exec.Context != nil {
		snap = exec.Context.Snapshot()
	}
	cb, err := json.Marshal(snap)
	if err != nil {
		return "", "", fmt.Errorf("encode context: %w", err)
	}
	results := exec.Results
	if results == nil {
		results = []execution.StepResult{}
	}
	rb, err := json.Marshal(results)
	if err != nil {
		return "", "", fmt.Errorf("encode results: %w", err)
	}
	return string(cb), string(rb), nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
