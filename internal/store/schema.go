package store

import (
	"database/sql"
	"fmt"

	"github.com/detectforge/responder/internal/migration"
)

// schemaVersion is the schema this binary writes. Opening a database with a
// newer version fails; an older version is backed up and migrated forward.
const schemaVersion = 3

var migrations = []migration.Migration{
	{
		Version:     1,
		Description: "create executions, approval_queue, audit_log, metrics",
		Up:          createBaseSchema,
	},
	{
		Version:     2,
		Description: "make audit_log append-only",
		Up:          createAuditTriggers,
	},
	{
		Version:     3,
		Description: "distinguish live gates from promotion entries",
		Up:          addApprovalKind,
	},
}

func createBaseSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id              TEXT PRIMARY KEY,
			runbook_id      TEXT NOT NULL,
			runbook_version TEXT NOT NULL DEFAULT '',
			runbook_name    TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL,
			mode            TEXT NOT NULL,
			level           TEXT NOT NULL,
			context         TEXT NOT NULL DEFAULT '{}',
			results         TEXT NOT NULL DEFAULT '[]',
			error           TEXT NOT NULL DEFAULT '',
			error_code      TEXT NOT NULL DEFAULT '',
			started_at      TEXT NOT NULL,
			completed_at    TEXT,
			duration_ms     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_runbook
			ON executions(runbook_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_state
			ON executions(state)`,

		`CREATE TABLE IF NOT EXISTS approval_queue (
			request_id   TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			runbook_id   TEXT NOT NULL DEFAULT '',
			step_id      TEXT NOT NULL,
			step_name    TEXT NOT NULL DEFAULT '',
			action       TEXT NOT NULL,
			parameters   TEXT NOT NULL DEFAULT '{}',
			simulation   TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			requested_at TEXT NOT NULL,
			expires_at   TEXT NOT NULL,
			approver     TEXT NOT NULL DEFAULT '',
			reason       TEXT NOT NULL DEFAULT '',
			decided_at   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_status
			ON approval_queue(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_execution
			ON approval_queue(execution_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			execution_id TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			timestamp    TEXT NOT NULL,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}',
			prev_hash    TEXT NOT NULL,
			entry_hash   TEXT NOT NULL,
			PRIMARY KEY (execution_id, sequence)
		)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			name   TEXT NOT NULL,
			labels TEXT NOT NULL DEFAULT '{}',
			value  REAL NOT NULL,
			ts     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name
			ON metrics(name, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

// Queue rows predating the kind column are all L2 promotions; live gates
// only started writing to the queue once the column existed.
func addApprovalKind(tx *sql.Tx) error {
	_, err := tx.Exec(`ALTER TABLE approval_queue
		ADD COLUMN kind TEXT NOT NULL DEFAULT 'promotion'`)
	if err != nil {
		return fmt.Errorf("add approval kind: %w", err)
	}
	return nil
}

// Audit entries are tamper-evident through hash chaining; the triggers make
// the table append-only so no writer surface can rewrite history.
func createAuditTriggers(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_update
			BEFORE UPDATE ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'audit_log is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
			BEFORE DELETE ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'audit_log is append-only');
		END`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}
