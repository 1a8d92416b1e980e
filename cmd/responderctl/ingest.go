package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/engine"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/ingest"
)

// runIngest feeds alerts from a file or stdin through playbook resolution,
// the same path webhook deliveries take. Input may be a single JSON object,
// a JSON array, or NDJSON; documents that fail to parse are reported on
// stderr and the rest still run.
func runIngest(ctx context.Context, cfg cliConfig, args []string) error {
	alertPath := "-"
	timeoutSec := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--alert", "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--alert requires a value")
			}
			alertPath = args[i+1]
			i++
		case "--timeout":
			if i+1 >= len(args) {
				return fmt.Errorf("--timeout requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--timeout must be a positive integer of seconds")
			}
			timeoutSec = n
			i++
		default:
			return fmt.Errorf("usage: responderctl ingest [--alert <file|->] [--timeout <sec>]")
		}
	}

	var level actions.Level
	if cfg.level != "" {
		parsed, err := actions.ParseLevel(cfg.level)
		if err != nil {
			return err
		}
		level = parsed
	}

	events, parseErrs := ingest.FromFile(alertPath)
	for _, perr := range parseErrs {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", perr)
	}
	if len(events) == 0 {
		return fmt.Errorf("no usable alerts in input")
	}

	eng, cleanup, err := newLocalEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Ctrl-C cancels the in-flight run and stops the batch.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	outcomes := make([]ingestOutcome, 0, len(events))
	completed := 0
	for i, ev := range events {
		req := engine.RunRequest{
			Alert:    ev,
			Level:    level,
			EnableL2: cfg.enableL2,
		}
		if cfg.dryRun {
			req.Mode = actions.ModeSimulation
		}
		if timeoutSec > 0 {
			req.TimeoutMS = int64(timeoutSec) * 1000
		}

		exec, err := eng.Run(runCtx, req)
		out := newIngestOutcome(alertLabel(ev, i), exec, err)
		if out.completed() {
			completed++
		}
		outcomes = append(outcomes, out)
		if runCtx.Err() != nil {
			break
		}
	}

	if cfg.jsonOutput {
		if err := PrintJSON(os.Stdout, map[string]any{
			"alerts":    outcomes,
			"count":     len(outcomes),
			"completed": completed,
			"skipped":   len(parseErrs),
		}); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(outcomes))
		for _, o := range outcomes {
			rows = append(rows, o.row())
		}
		RenderTable(os.Stdout, []string{"ALERT", "EXECUTION", "STATE", "DETAIL"}, rows)
		fmt.Printf("\nAlerts: %d  Completed: %d  Skipped: %d\n", len(outcomes), completed, len(parseErrs))
	}

	if err := runCtx.Err(); err != nil {
		return err
	}
	if failed := len(outcomes) - completed; failed > 0 || len(parseErrs) > 0 {
		return fmt.Errorf("completed %d of %d alerts (%d skipped)", completed, len(outcomes), len(parseErrs))
	}
	return nil
}

// ingestOutcome is the per-alert result runIngest reports.
type ingestOutcome struct {
	Alert       string   `json:"alert"`
	ExecutionID string   `json:"execution_id,omitempty"`
	State       string   `json:"state,omitempty"`
	Error       string   `json:"error,omitempty"`
	Suggested   string   `json:"suggested_runbook,omitempty"`
	Candidates  []string `json:"candidates,omitempty"`
}

func newIngestOutcome(label string, exec *execution.Execution, err error) ingestOutcome {
	out := ingestOutcome{Alert: label}
	var confirm *engine.ConfirmationError
	switch {
	case errors.As(err, &confirm):
		out.Error = confirm.Error()
		if confirm.Suggestion != nil {
			out.Suggested = confirm.Suggestion.RunbookID
		}
		out.Candidates = confirm.Candidates
	case err != nil:
		out.Error = err.Error()
	default:
		out.ExecutionID = exec.ID
		out.State = string(exec.State)
		out.Error = exec.Error
	}
	return out
}

func (o ingestOutcome) completed() bool {
	return o.State == string(execution.StateCompleted)
}

func (o ingestOutcome) row() []string {
	id := o.ExecutionID
	if id == "" {
		id = "-"
	}
	state := o.State
	if state == "" {
		state = "-"
	}
	detail := o.Error
	if o.Suggested != "" {
		detail = "suggested " + o.Suggested
	}
	return []string{
		Truncate(o.Alert, 26),
		Truncate(id, 22),
		ColorStatus(state),
		Truncate(detail, 44),
	}
}

// alertLabel names an alert in output: the detection rule when present,
// then the host, then its position in the input.
func alertLabel(ev *alert.Event, idx int) string {
	if p := ev.Pipeline; p != nil {
		if p.RuleName != "" {
			return p.RuleName
		}
		if p.RuleID != "" {
			return p.RuleID
		}
	}
	if ev.Host != nil && ev.Host.Hostname != "" {
		return ev.Host.Hostname
	}
	return fmt.Sprintf("alert %d", idx+1)
}
