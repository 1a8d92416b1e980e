package runbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/detectforge/responder/internal/actions"
)

// document is the YAML top-level wrapper.
type document struct {
	Runbook *Runbook `yaml:"runbook"`
}

type cacheEntry struct {
	runbook *Runbook
	modTime time.Time
}

// Loader parses and validates playbook YAML. File loads are cached by
// absolute path and refreshed when the file's mtime changes; string loads
// are never cached.
type Loader struct {
	mu     sync.Mutex
	cache  map[string]cacheEntry
	logger *zap.Logger
}

// NewLoader creates a Loader. A nil logger disables logging.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cache: make(map[string]cacheEntry), logger: logger}
}

// LoadFile parses and validates the playbook at path, serving repeated loads
// of an unchanged file from cache.
func (l *Loader) LoadFile(path string) (*Runbook, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}

	l.mu.Lock()
	if entry, ok := l.cache[abs]; ok && entry.modTime.Equal(info.ModTime()) {
		l.mu.Unlock()
		return entry.runbook, nil
	}
	l.mu.Unlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	rb, err := l.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	l.mu.Lock()
	l.cache[abs] = cacheEntry{runbook: rb, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug("playbook loaded",
		zap.String("path", abs),
		zap.String("runbook_id", rb.ID),
		zap.String("version", rb.Version),
	)
	return rb, nil
}

// LoadBytes parses and validates playbook YAML held in memory. Not cached.
func (l *Loader) LoadBytes(data []byte) (*Runbook, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc.Runbook == nil {
		return nil, &ValidationError{Issues: []string{"top-level runbook block is required"}}
	}
	if err := Validate(doc.Runbook); err != nil {
		return nil, err
	}
	return doc.Runbook, nil
}

// Invalidate drops a cached file entry, or the whole cache when path is "".
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if path == "" {
		l.cache = make(map[string]cacheEntry)
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		delete(l.cache, abs)
	}
}

// List scans dir for .yml/.yaml files and extracts lightweight metadata
// without full validation. Unreadable or unparsable files are skipped.
func (l *Loader) List(dir string) ([]Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir %s: %w", dir, err)
	}

	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Debug("skipping unreadable playbook", zap.String("path", path), zap.Error(err))
			continue
		}
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil || doc.Runbook == nil {
			l.logger.Debug("skipping unparsable playbook", zap.String("path", path))
			continue
		}

		rb := doc.Runbook
		level := rb.Config.AutomationLevel
		if parsed, err := actions.ParseLevel(string(level)); err == nil {
			level = parsed
		}
		out = append(out, Summary{
			Path:            path,
			ID:              rb.ID,
			Name:            rb.Metadata.Name,
			Version:         rb.Version,
			AutomationLevel: level,
			Steps:           len(rb.Steps),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// LoadDir fully loads and validates every playbook in dir, returning the
// valid ones and a map of per-file validation errors.
func (l *Loader) LoadDir(dir string) ([]*Runbook, map[string]error, error) {
	summaries, err := l.List(dir)
	if err != nil {
		return nil, nil, err
	}
	var books []*Runbook
	failures := make(map[string]error)
	for _, s := range summaries {
		rb, err := l.LoadFile(s.Path)
		if err != nil {
			failures[s.Path] = err
			continue
		}
		books = append(books, rb)
	}
	return books, failures, nil
}
