package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/approval"
)

func TestVersionMetadataDefaults(t *testing.T) {
	if version != "dev" {
		t.Fatalf("expected default version %q, got %q", "dev", version)
	}
	if commit != "none" {
		t.Fatalf("expected default commit %q, got %q", "none", commit)
	}
	if date == "" {
		t.Fatal("expected default build date to be non-empty")
	}
}

func TestParseArgsGlobalFlags(t *testing.T) {
	t.Setenv("RESPONDER_API_TOKEN", "")
	t.Setenv("RESPONDER_AUTOMATION_LEVEL", "")

	cfg, command, rest, err := parseArgs([]string{
		"--server", "http://10.0.0.5:9090", "--json", "--dry-run",
		"--level", "L1", "--enable-l2", "queue", "list", "--status", "pending",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.server != "http://10.0.0.5:9090" {
		t.Fatalf("server = %q", cfg.server)
	}
	if !cfg.jsonOutput || !cfg.dryRun || !cfg.enableL2 {
		t.Fatalf("boolean flags not set: %+v", cfg)
	}
	if cfg.level != "L1" {
		t.Fatalf("level = %q", cfg.level)
	}
	if command != "queue" {
		t.Fatalf("command = %q", command)
	}
	if len(rest) != 3 || rest[0] != "list" || rest[1] != "--status" {
		t.Fatalf("rest = %v", rest)
	}
}

func TestParseArgsEnvDefaults(t *testing.T) {
	t.Setenv("RESPONDER_API_TOKEN", "tok-123")
	t.Setenv("RESPONDER_AUTOMATION_LEVEL", "L2")

	cfg, command, _, err := parseArgs([]string{"metrics"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.apiKey != "tok-123" {
		t.Fatalf("apiKey = %q", cfg.apiKey)
	}
	if cfg.level != "L2" {
		t.Fatalf("level = %q", cfg.level)
	}
	if command != "metrics" {
		t.Fatalf("command = %q", command)
	}
}

func TestParseArgsUnknownFlag(t *testing.T) {
	if _, _, _, err := parseArgs([]string{"--bogus", "run"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestParseArgsNoCommand(t *testing.T) {
	if _, _, _, err := parseArgs(nil); !errors.Is(err, errShowUsage) {
		t.Fatalf("expected errShowUsage, got %v", err)
	}
	if _, _, _, err := parseArgs([]string{"--json"}); !errors.Is(err, errShowUsage) {
		t.Fatalf("expected errShowUsage after flags only, got %v", err)
	}
}

func TestStepStatus(t *testing.T) {
	cases := []struct {
		success, skipped, rollback bool
		want                       string
	}{
		{true, false, false, "succeeded"},
		{false, false, false, "failed"},
		{false, true, false, "skipped"},
		{true, false, true, "rolled_back"},
		{false, false, true, "rollback_failed"},
	}
	for _, tc := range cases {
		if got := stepStatus(tc.success, tc.skipped, tc.rollback); got != tc.want {
			t.Errorf("stepStatus(%t,%t,%t) = %q, want %q",
				tc.success, tc.skipped, tc.rollback, got, tc.want)
		}
	}
}

func TestLooksLikePath(t *testing.T) {
	cases := []struct {
		target string
		want   bool
	}{
		{"containment/block-ip.yaml", true},
		{"block-ip.yaml", true},
		{"block-ip.yml", true},
		{"5f1c8a30-2d4b-4e6f-9a1c-7b3e5d9f0a21", false},
		{"ransomware-containment", false},
	}
	for _, tc := range cases {
		if got := looksLikePath(tc.target); got != tc.want {
			t.Errorf("looksLikePath(%q) = %t, want %t", tc.target, got, tc.want)
		}
	}
}

func TestTerminalPromptApprove(t *testing.T) {
	t.Setenv("USER", "riley")

	var out bytes.Buffer
	prompt := terminalPrompt(strings.NewReader("y\n"), &out)

	dec, err := prompt(context.Background(), approval.Details{
		StepID:     "step-01",
		StepName:   "Block attacker",
		Action:     actions.BlockIP,
		Parameters: map[string]any{"ip": "203.0.113.7"},
	})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !dec.Approved {
		t.Fatal("expected approval")
	}
	if dec.Approver != "riley" {
		t.Fatalf("approver = %q", dec.Approver)
	}
	rendered := out.String()
	if !strings.Contains(rendered, "Block attacker") {
		t.Fatalf("prompt output missing step name: %q", rendered)
	}
	if !strings.Contains(rendered, "approve? [y/N]") {
		t.Fatalf("prompt output missing question: %q", rendered)
	}
}

func TestTerminalPromptDefaultsToDeny(t *testing.T) {
	prompt := terminalPrompt(strings.NewReader("\n"), io.Discard)
	dec, err := prompt(context.Background(), approval.Details{
		StepID: "step-01",
		Action: actions.BlockIP,
	})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if dec.Approved {
		t.Fatal("empty answer must deny")
	}
}
