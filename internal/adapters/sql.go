package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"

	// Register the postgres and mysql drivers with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLDatabase describes one database the adapter can query.
type SQLDatabase struct {
	// Driver is "postgres" or "mysql".
	Driver string `json:"driver"`
	// DSN is the connection string. Secrets belong in the environment,
	// not in playbooks.
	DSN string `json:"dsn"`
	// MaxRows caps result rows (default 1000).
	MaxRows int `json:"max_rows"`
	// TimeoutSeconds bounds each query (default 30).
	TimeoutSeconds int `json:"timeout_seconds"`
}

// SQL executes read-only queries for query_siem and collect_logs. Writes are
// rejected before execution and the transaction itself is opened read-only,
// so enforcement does not rest on string matching alone.
type SQL struct {
	databases map[string]*SQLDatabase
	conns     map[string]*sql.DB
}

// NewSQL builds the adapter; databases arrive through Initialize.
func NewSQL() *SQL {
	return &SQL{
		databases: make(map[string]*SQLDatabase),
		conns:     make(map[string]*sql.DB),
	}
}

func (s *SQL) Name() string    { return "sql" }
func (s *SQL) Version() string { return "1.0.0" }

func (s *SQL) SupportedActions() []actions.Action {
	return []actions.Action{actions.QuerySIEM, actions.CollectLogs}
}

// Initialize expects config["databases"] mapping names to SQLDatabase
// fields.
func (s *SQL) Initialize(ctx context.Context, config map[string]any) error {
	raw, ok := config["databases"]
	if !ok {
		return errors.New("sql adapter requires a databases config block")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode databases config: %w", err)
	}
	var databases map[string]*SQLDatabase
	if err := json.Unmarshal(encoded, &databases); err != nil {
		return fmt.Errorf("decode databases config: %w", err)
	}
	if len(databases) == 0 {
		return errors.New("sql adapter requires at least one database")
	}
	for name, db := range databases {
		if db.DSN == "" {
			return fmt.Errorf("database %q has no dsn", name)
		}
		driver := db.Driver
		if driver == "postgres" || driver == "postgresql" {
			driver = "pgx"
		}
		if driver != "pgx" && driver != "mysql" {
			return fmt.Errorf("database %q: unsupported driver %q", name, db.Driver)
		}
		if db.MaxRows <= 0 {
			db.MaxRows = 1000
		}
		if db.TimeoutSeconds <= 0 {
			db.TimeoutSeconds = 30
		}
		conn, err := sql.Open(driver, db.DSN)
		if err != nil {
			return fmt.Errorf("open database %q: %w", name, err)
		}
		conn.SetMaxOpenConns(4)
		s.databases[name] = db
		s.conns[name] = conn
	}
	return nil
}

func (s *SQL) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsValidation: true, MaxConcurrency: 8}
}

func (s *SQL) ValidateParameters(act actions.Action, params map[string]any) error {
	if act != actions.QuerySIEM && act != actions.CollectLogs {
		return fmt.Errorf("unsupported action %q", act)
	}
	dbName, _ := params["database"].(string)
	query, _ := params["query"].(string)
	if dbName == "" {
		return errors.New("database is required")
	}
	if query == "" {
		return errors.New("query is required")
	}
	if _, ok := s.databases[dbName]; !ok {
		return fmt.Errorf("unknown database %q, available: %s", dbName, strings.Join(s.databaseNames(), ", "))
	}
	if !isReadQuery(query) {
		return fmt.Errorf("only read queries are allowed (SELECT, SHOW, DESCRIBE, EXPLAIN, WITH)")
	}
	if hasSuspiciousSQL(query) {
		return fmt.Errorf("query contains suspicious patterns (multiple statements or comments)")
	}
	return nil
}

func (s *SQL) Execute(ctx context.Context, req adapter.Request) (*adapter.Result, error) {
	if err := s.ValidateParameters(req.Action, req.Params); err != nil {
		return adapter.FailureResult(s.Name(), req, &adapter.Error{
			Code:      adapter.CodeBadParams,
			Message:   err.Error(),
			Adapter:   s.Name(),
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}

	dbName := req.Params["database"].(string)
	query := req.Params["query"].(string)

	switch req.Mode {
	case actions.ModeDryRun:
		return &adapter.Result{
			Success:  true,
			Action:   req.Action,
			Executor: s.Name(),
			Output:   map[string]any{"valid": true, "database": dbName},
			Metadata: map[string]any{"dry_run": true},
		}, nil
	case actions.ModeSimulation:
		return &adapter.Result{
			Success:  true,
			Action:   req.Action,
			Executor: s.Name(),
			Output:   map[string]any{"columns": []string{}, "rows": []map[string]any{}, "count": 0},
			Metadata: map[string]any{"simulated": true},
		}, nil
	}

	db := s.databases[dbName]
	conn := s.conns[dbName]
	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(db.TimeoutSeconds)*time.Second)
	defer cancel()

	tx, err := conn.BeginTx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return adapter.FailureResult(s.Name(), req, s.queryError(req, dbName, fmt.Errorf("begin read-only transaction: %w", err))), nil
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(queryCtx, query)
	if err != nil {
		return adapter.FailureResult(s.Name(), req, s.queryError(req, dbName, err)), nil
	}
	defer rows.Close()

	output, err := collectRows(rows, db.MaxRows)
	if err != nil {
		return adapter.FailureResult(s.Name(), req, s.queryError(req, dbName, err)), nil
	}
	return &adapter.Result{
		Success:  true,
		Action:   req.Action,
		Executor: s.Name(),
		Output:   output,
	}, nil
}

func (s *SQL) HealthCheck(ctx context.Context) adapter.Health {
	if len(s.conns) == 0 {
		return adapter.Health{Status: adapter.UnknownHealth, Message: "no databases configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed []string
	for name, conn := range s.conns {
		if err := conn.PingContext(pingCtx); err != nil {
			failed = append(failed, name)
		}
	}
	switch {
	case len(failed) == 0:
		return adapter.Health{Status: adapter.Healthy, Message: fmt.Sprintf("%d databases reachable", len(s.conns))}
	case len(failed) == len(s.conns):
		return adapter.Health{Status: adapter.Unhealthy, Message: "no databases reachable"}
	default:
		sort.Strings(failed)
		return adapter.Health{Status: adapter.Degraded, Message: "unreachable: " + strings.Join(failed, ", ")}
	}
}

func (s *SQL) Shutdown(ctx context.Context) error {
	var firstErr error
	for name, conn := range s.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database %q: %w", name, err)
		}
	}
	return firstErr
}

func (s *SQL) databaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *SQL) queryError(req adapter.Request, dbName string, err error) *adapter.Error {
	code := adapter.CodeAPI
	retryable := false
	if errors.Is(err, context.DeadlineExceeded) {
		code = adapter.CodeTimeout
		retryable = true
	}
	return &adapter.Error{
		Code:      code,
		Message:   fmt.Sprintf("database %q: %v", dbName, err),
		Adapter:   s.Name(),
		Action:    req.Action,
		Retryable: retryable,
		StepID:    req.StepID,
	}
}

// isReadQuery accepts only read statement prefixes. Unknown statements are
// rejected, not classified.
func isReadQuery(query string) bool {
	normalized := strings.TrimSpace(strings.ToUpper(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN", "WITH "} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// hasSuspiciousSQL flags multi-statement payloads and comment smuggling.
func hasSuspiciousSQL(query string) bool {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
	if strings.Contains(trimmed, ";") {
		return true
	}
	if strings.Contains(query, "--") || strings.Contains(query, "/*") {
		return true
	}
	return false
}

// collectRows materializes rows as structured data so later steps can
// template over columns instead of parsing text.
func collectRows(rows *sql.Rows, maxRows int) (map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	collected := make([]map[string]any, 0, 16)
	truncated := false
	for rows.Next() {
		if len(collected) >= maxRows {
			truncated = true
			break
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("scan row %d: %w", len(collected), err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case nil:
				row[col] = nil
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		collected = append(collected, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[string]any{
		"columns": columns,
		"rows":    collected,
		"count":   len(collected),
	}
	if truncated {
		out["truncated"] = true
	}
	return out, nil
}
