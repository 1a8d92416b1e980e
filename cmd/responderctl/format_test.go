package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestColorStatusInvisibleToWidth(t *testing.T) {
	colored := ColorStatus("completed")
	if colored == "completed" {
		t.Fatal("expected ANSI color around completed")
	}
	if visibleLen(colored) != len("completed") {
		t.Fatalf("visibleLen = %d, want %d", visibleLen(colored), len("completed"))
	}
}

func TestColorStatusPassThrough(t *testing.T) {
	if got := ColorStatus("idle"); got != "idle" {
		t.Fatalf("unknown status must pass through, got %q", got)
	}
}

func TestRenderTableAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []string{"ID", "STATE"}, [][]string{
		{"exec-1", ColorStatus("completed")},
		{"exec-22", ColorStatus("failed")},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, divider, two rows; got %d lines", len(lines))
	}
	// Every row pads to the same visible width.
	want := visibleLen(lines[0])
	for i, line := range lines[1:] {
		if visibleLen(line) != want {
			t.Errorf("line %d visible width = %d, want %d", i+1, visibleLen(line), want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abc…" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("abc", 4); got != "abc" {
		t.Fatalf("Truncate must not touch short strings, got %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Fatalf("Truncate(0) = %q", got)
	}
}

func TestFormatDurationMS(t *testing.T) {
	if got := FormatDurationMS(0); got != "-" {
		t.Fatalf("zero = %q", got)
	}
	if got := FormatDurationMS(850); got != "850ms" {
		t.Fatalf("850 = %q", got)
	}
	if got := FormatDurationMS(1500); got != "1.5s" {
		t.Fatalf("1500 = %q", got)
	}
}

func TestFormatTimeOrDash(t *testing.T) {
	if got := FormatTimeOrDash(time.Time{}); got != "-" {
		t.Fatalf("zero time = %q", got)
	}
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if got := FormatTimeOrDash(at); got != "2026-03-14 09:26:53" {
		t.Fatalf("formatted = %q", got)
	}
}
