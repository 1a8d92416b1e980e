package migration

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// BackupDatabase copies the database file at dbPath to a timestamped sibling
// before a schema upgrade and verifies the copy passes an integrity check.
// It returns the backup path. Callers should close all write transactions
// first.
func BackupDatabase(dbPath string) (string, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", nil // nothing to back up
	}

	stamp := strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339), ":", "-")
	backupPath := fmt.Sprintf("%s.bak.%s", dbPath, stamp)

	if err := copyFile(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("copy database to %s: %w", backupPath, err)
	}
	if err := verifyBackup(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("verify backup %s: %w", backupPath, err)
	}
	return backupPath, nil
}

// CleanOldBackups removes backups of dbPath older than maxAge. It returns
// the number of files removed.
func CleanOldBackups(dbPath string, maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(dbPath + ".bak.*")
	if err != nil {
		return 0, fmt.Errorf("list backups: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func verifyBackup(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
