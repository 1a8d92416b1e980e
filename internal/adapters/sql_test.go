package adapters

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"

	_ "modernc.org/sqlite"
)

func TestSQLInitializeValidation(t *testing.T) {
	cases := []struct {
		name   string
		config map[string]any
		want   string
	}{
		{"missing block", map[string]any{}, "databases config block"},
		{"empty block", map[string]any{"databases": map[string]any{}}, "at least one database"},
		{
			"missing dsn",
			map[string]any{"databases": map[string]any{"siem": map[string]any{"driver": "postgres"}}},
			"no dsn",
		},
		{
			"unknown driver",
			map[string]any{"databases": map[string]any{"siem": map[string]any{"driver": "oracle", "dsn": "x"}}},
			"unsupported driver",
		},
	}
	for _, tc := range cases {
		err := NewSQL().Initialize(context.Background(), tc.config)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want containing %q", tc.name, err, tc.want)
		}
	}

	ok := map[string]any{"databases": map[string]any{
		"siem": map[string]any{"driver": "postgres", "dsn": "postgres://user:pw@localhost:5432/siem"},
		"logs": map[string]any{"driver": "mysql", "dsn": "user:pw@tcp(localhost:3306)/logs"},
	}}
	s := NewSQL()
	if err := s.Initialize(context.Background(), ok); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.databases["siem"].MaxRows != 1000 || s.databases["siem"].TimeoutSeconds != 30 {
		t.Fatalf("defaults not applied: %+v", s.databases["siem"])
	}
}

func TestSQLValidateParameters(t *testing.T) {
	s := NewSQL()
	if err := s.Initialize(context.Background(), map[string]any{"databases": map[string]any{
		"siem": map[string]any{"driver": "postgres", "dsn": "postgres://localhost/siem"},
	}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	reject := []struct {
		name   string
		params map[string]any
	}{
		{"missing database", map[string]any{"query": "SELECT 1"}},
		{"missing query", map[string]any{"database": "siem"}},
		{"unknown database", map[string]any{"database": "edr", "query": "SELECT 1"}},
		{"insert", map[string]any{"database": "siem", "query": "INSERT INTO t VALUES (1)"}},
		{"drop", map[string]any{"database": "siem", "query": "DROP TABLE events"}},
		{"multi statement", map[string]any{"database": "siem", "query": "SELECT 1; DROP TABLE events"}},
		{"comment", map[string]any{"database": "siem", "query": "SELECT 1 -- hidden"}},
	}
	for _, tc := range reject {
		if err := s.ValidateParameters(actions.QuerySIEM, tc.params); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}

	accept := []string{
		"SELECT host, count(*) FROM events GROUP BY host",
		"  select 1",
		"SHOW TABLES",
		"EXPLAIN SELECT 1",
		"WITH recent AS (SELECT 1) SELECT * FROM recent",
	}
	for _, q := range accept {
		if err := s.ValidateParameters(actions.CollectLogs, map[string]any{"database": "siem", "query": q}); err != nil {
			t.Errorf("%q rejected: %v", q, err)
		}
	}
}

func TestSQLDryRunAndSimulation(t *testing.T) {
	s := NewSQL()
	if err := s.Initialize(context.Background(), map[string]any{"databases": map[string]any{
		"siem": map[string]any{"driver": "postgres", "dsn": "postgres://localhost:1/unreachable"},
	}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	req := adapter.Request{
		Action: actions.QuerySIEM,
		Params: map[string]any{"database": "siem", "query": "SELECT 1"},
		Mode:   actions.ModeDryRun,
	}
	res, err := s.Execute(context.Background(), req)
	if err != nil || !res.Success {
		t.Fatalf("dry-run res=%+v err=%v", res, err)
	}
	if res.Metadata["dry_run"] != true {
		t.Fatalf("dry-run metadata = %v", res.Metadata)
	}

	req.Mode = actions.ModeSimulation
	res, err = s.Execute(context.Background(), req)
	if err != nil || !res.Success {
		t.Fatalf("simulation res=%+v err=%v", res, err)
	}
	out := res.Output.(map[string]any)
	if out["count"] != 0 || res.Metadata["simulated"] != true {
		t.Fatalf("simulation output=%v metadata=%v", out, res.Metadata)
	}
}

func TestCollectRows(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "rows.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE events (host TEXT, hits INTEGER, note TEXT)`,
		`INSERT INTO events VALUES ('web-01', 12, NULL)`,
		`INSERT INTO events VALUES ('web-02', 3, 'scanner')`,
		`INSERT INTO events VALUES ('db-01', 9, 'brute force')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	rows, err := db.Query(`SELECT host, hits, note FROM events ORDER BY host`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	out, err := collectRows(rows, 10)
	rows.Close()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out["count"] != 3 {
		t.Fatalf("count = %v", out["count"])
	}
	collected := out["rows"].([]map[string]any)
	if collected[0]["host"] != "db-01" || collected[0]["note"] != "brute force" {
		t.Fatalf("row 0 = %v", collected[0])
	}
	if collected[1]["note"] != nil {
		t.Fatalf("NULL not preserved: %v", collected[1])
	}
	if _, truncated := out["truncated"]; truncated {
		t.Fatal("unexpected truncation")
	}

	rows, err = db.Query(`SELECT host FROM events ORDER BY host`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	out, err = collectRows(rows, 2)
	rows.Close()
	if err != nil {
		t.Fatalf("collect capped: %v", err)
	}
	if out["count"] != 2 || out["truncated"] != true {
		t.Fatalf("capped output = %v", out)
	}
}

func TestIsReadQuery(t *testing.T) {
	if isReadQuery("UPDATE events SET hits = 0") {
		t.Fatal("update classified as read")
	}
	if isReadQuery("TRUNCATE events") {
		t.Fatal("truncate classified as read")
	}
	if !isReadQuery("select * from events") {
		t.Fatal("select rejected")
	}
	// Unknown statements fail closed.
	if isReadQuery("CALL run_cleanup()") {
		t.Fatal("unknown statement classified as read")
	}
}
