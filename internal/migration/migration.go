// Package migration provides SQLite schema versioning backed by the
// user_version pragma, an ordered migration runner, and backup-on-upgrade
// of the database file.
package migration

import (
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// CurrentVersion reads the user_version pragma. A fresh database reports 0.
func CurrentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// SetVersion stamps the user_version pragma. The pragma takes no bind
// parameters, so the value is formatted in.
func SetVersion(db *sql.DB, version int) error {
	if version < 0 {
		return fmt.Errorf("schema version %d is negative", version)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// CheckVersion refuses to run an old binary against a newer schema.
func CheckVersion(db *sql.DB, binaryVersion int) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"database schema version %d is newer than binary version %d (use a newer binary or restore from backup)",
			current, binaryVersion,
		)
	}
	return nil
}

// Migration describes a single schema change.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a human-readable summary.
	Description string
	// Up applies the migration inside tx.
	Up func(tx *sql.Tx) error
}

// Runner applies pending migrations in version order.
type Runner struct {
	store  string
	steps  []Migration
	logger *zap.Logger
}

// NewRunner creates a Runner for the named store. The slice is copied and
// sorted by Version.
func NewRunner(store string, steps []Migration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ordered := append([]Migration(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})
	return &Runner{store: store, steps: ordered, logger: logger}
}

// Migrate applies every migration above the database's current version.
// Each runs in its own transaction with the version stamp inside it, so a
// crash mid-migration leaves the previous version intact.
func (r *Runner) Migrate(db *sql.DB) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("runner[%s]: %w", r.store, err)
	}
	for _, step := range r.steps {
		if step.Version <= current {
			continue
		}
		if err := r.apply(db, step); err != nil {
			return err
		}
		current = step.Version
	}
	return nil
}

func (r *Runner) apply(db *sql.DB, step Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("runner[%s] begin v%d: %w", r.store, step.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := step.Up(tx); err != nil {
		return fmt.Errorf("runner[%s] apply v%d (%s): %w", r.store, step.Version, step.Description, err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, step.Version)); err != nil {
		return fmt.Errorf("runner[%s] stamp v%d: %w", r.store, step.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner[%s] commit v%d: %w", r.store, step.Version, err)
	}

	r.logger.Info("schema migration applied",
		zap.String("store", r.store),
		zap.Int("version", step.Version),
		zap.String("description", step.Description),
	)
	return nil
}
