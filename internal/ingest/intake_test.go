package ingest

import (
	"strings"
	"testing"
)

func TestDecodeSingleObject(t *testing.T) {
	events, errs := Decode([]byte(`{"@timestamp":"2026-02-11T08:00:00Z","event":{"severity":50},"host":{"hostname":"db-01"}}`))
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(events) != 1 || events[0].Host.Hostname != "db-01" {
		t.Fatalf("events = %+v", events)
	}
}

func TestDecodePrettyPrintedObject(t *testing.T) {
	// Contains newlines but the first line is a lone brace, so the NDJSON
	// heuristic must not split it.
	doc := "{\n  \"@timestamp\": \"2026-02-11T08:00:00Z\",\n  \"event\": {\"severity\": 50}\n}\n"
	events, errs := Decode([]byte(doc))
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
}

func TestDecodeArray(t *testing.T) {
	doc := `[
		{"@timestamp":"2026-02-11T08:00:00Z","event":{"severity":10}},
		{"event":{"severity":20}},
		{"@timestamp":"2026-02-11T08:01:00Z","event":{"severity":30}}
	]`
	events, errs := Decode([]byte(doc))
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "item 1") {
		t.Fatalf("errs = %v", errs)
	}
}

func TestDecodeLines(t *testing.T) {
	doc := strings.Join([]string{
		`{"@timestamp":"2026-02-11T08:00:00Z","event":{"severity":10}}`,
		``,
		`{"@timestamp":"2026-02-11T08:01:00Z","event":{"severity":20}}`,
	}, "\n")
	events, errs := Decode([]byte(doc))
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestDecodeLinesKeepsValidItems(t *testing.T) {
	doc := strings.Join([]string{
		`{"@timestamp":"2026-02-11T08:00:00Z","event":{"severity":10}}`,
		`{"this line is broken`,
		`{"@timestamp":"2026-02-11T08:02:00Z","event":{"severity":30}}`,
	}, "\n")
	events, errs := Decode([]byte(doc))
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	msg := errs[0].Error()
	if !strings.Contains(msg, "line 2") || !strings.Contains(msg, `{"this line is broken`) {
		t.Fatalf("error = %q", msg)
	}
}

func TestDecodeLineErrorExcerptIsCapped(t *testing.T) {
	long := `{"bad` + strings.Repeat("x", 400)
	doc := `{"@timestamp":"2026-02-11T08:00:00Z","event":{}}` + "\n" + long
	events, errs := Decode([]byte(doc))
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	msg := errs[0].Error()
	if strings.Contains(msg, strings.Repeat("x", 201)) {
		t.Fatalf("excerpt not capped at 200 chars: %d bytes", len(msg))
	}
	if !strings.Contains(msg, strings.Repeat("x", 100)) {
		t.Fatalf("excerpt missing line prefix: %q", msg)
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	if _, errs := Decode([]byte("  \n  ")); len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
}

func TestReadFromReader(t *testing.T) {
	r := strings.NewReader(`{"@timestamp":"2026-02-11T08:00:00Z","event":{}}`)
	events, errs := Read(r)
	if len(errs) != 0 || len(events) != 1 {
		t.Fatalf("events = %d errs = %v", len(events), errs)
	}
}
