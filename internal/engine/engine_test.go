package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
	"github.com/detectforge/responder/internal/adapters"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/approval"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/metrics"
	"github.com/detectforge/responder/internal/policy"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/store"
)

const readPlaybookID = "3c1f2a74-9b0e-4f6d-8a2b-5e7c90d1f3a4"

const readPlaybook = `
runbook:
  id: 3c1f2a74-9b0e-4f6d-8a2b-5e7c90d1f3a4
  version: "1.0.0"
  metadata:
    name: Log Sweep
    tags:
      - triage
  triggers:
    detection_sources:
      - siem
    mitre_techniques:
      - T1566
    platforms:
      - linux
  config:
    automation_level: L0
    max_execution_time: 60
  steps:
    - id: step-01
      name: Collect logs
      action: collect_logs
      executor: mock
      parameters:
        source: "{{ alert.host.hostname }}"
      on_error: halt
      timeout: 5
`

const gatePlaybookID = "7d94b2c1-5a3e-4c8f-9b6d-2e0f4a7c8b15"

const gatePlaybook = `
runbook:
  id: 7d94b2c1-5a3e-4c8f-9b6d-2e0f4a7c8b15
  version: "1.0.0"
  metadata:
    name: Host Containment
    tags:
      - containment
  triggers:
    detection_sources:
      - edr
    mitre_techniques:
      - T1566
    platforms:
      - linux
  config:
    automation_level: L1
    max_execution_time: 60
    requires_approval: true
  steps:
    - id: step-01
      name: Isolate host
      action: isolate_host
      executor: mock
      parameters:
        hostname: "{{ alert.host.hostname }}"
      on_error: halt
      timeout: 5
`

const l2PlaybookID = "b5e8d3a2-1c4f-4b9a-a7d0-6f2e8c9b0d13"

const l2Playbook = `
runbook:
  id: b5e8d3a2-1c4f-4b9a-a7d0-6f2e8c9b0d13
  version: "1.0.0"
  metadata:
    name: Sender Blocklist
    tags:
      - containment
  triggers:
    detection_sources:
      - siem
    mitre_techniques:
      - T1566
    platforms:
      - linux
  config:
    automation_level: L2
    max_execution_time: 60
    requires_approval: true
  steps:
    - id: step-01
      name: Block sender IP
      action: block_ip
      executor: mock
      parameters:
        ip: "203.0.113.7"
      on_error: halt
      timeout: 5
`

const rollbackPlaybookID = "e2a7c4d9-8b1f-42d3-b5a8-0c6e9f3d2b71"

const rollbackPlaybook = `
runbook:
  id: e2a7c4d9-8b1f-42d3-b5a8-0c6e9f3d2b71
  version: "1.0.0"
  metadata:
    name: Dropper Cleanup
    tags:
      - containment
  triggers:
    detection_sources:
      - edr
    mitre_techniques:
      - T1486
    platforms:
      - linux
  config:
    automation_level: L1
    max_execution_time: 60
    rollback_on_failure: true
  steps:
    - id: step-01
      name: Block sender
      action: block_ip
      executor: mock
      approval_required: false
      parameters:
        ip: "198.51.100.9"
      rollback:
        action: unblock_ip
        parameters:
          ip: "198.51.100.9"
        timeout: 5
      on_error: halt
      timeout: 5
    - id: step-02
      name: Isolate host
      action: isolate_host
      executor: mock
      approval_required: false
      parameters:
        hostname: web-01
      depends_on:
        - step-01
      rollback:
        action: restore_connectivity
        timeout: 5
      on_error: halt
      timeout: 5
    - id: step-03
      name: Purge dropper
      action: delete_file
      executor: flaky
      approval_required: false
      parameters:
        path: /tmp/dropper.bin
      depends_on:
        - step-02
      on_error: halt
      timeout: 5
`

const continuePlaybookID = "a1b2c3d4-e5f6-478a-9b0c-d1e2f3a4b5c6"

const continuePlaybook = `
runbook:
  id: a1b2c3d4-e5f6-478a-9b0c-d1e2f3a4b5c6
  version: "1.0.0"
  metadata:
    name: Account Triage
    tags:
      - triage
  triggers:
    detection_sources:
      - siem
    mitre_techniques:
      - T1078
    platforms:
      - linux
  config:
    automation_level: L0
    max_execution_time: 60
  steps:
    - id: step-01
      name: Query SIEM
      action: query_siem
      executor: flaky
      parameters:
        query: "user:mallory"
      on_error: continue
      timeout: 5
    - id: step-02
      name: Collect logs
      action: collect_logs
      executor: mock
      depends_on:
        - step-01
      on_error: halt
      timeout: 5
    - id: step-03
      name: Check reputation
      action: check_reputation
      executor: mock
      on_error: halt
      timeout: 5
`

const skipPlaybookID = "c9d8e7f6-a5b4-43c2-8d1e-0f9a8b7c6d5e"

const skipPlaybook = `
runbook:
  id: c9d8e7f6-a5b4-43c2-8d1e-0f9a8b7c6d5e
  version: "1.0.0"
  metadata:
    name: File Triage
    tags:
      - triage
  triggers:
    detection_sources:
      - edr
    mitre_techniques:
      - T1204
    platforms:
      - linux
  config:
    automation_level: L0
    max_execution_time: 60
  steps:
    - id: step-01
      name: Stat suspicious file
      action: collect_file_metadata
      executor: flaky
      on_error: skip
      timeout: 5
    - id: step-02
      name: Collect logs
      action: collect_logs
      executor: mock
      on_error: halt
      timeout: 5
`

const parallelPlaybookID = "f1e2d3c4-b5a6-4798-8a1b-2c3d4e5f6a7b"

const parallelPlaybook = `
runbook:
  id: f1e2d3c4-b5a6-4798-8a1b-2c3d4e5f6a7b
  version: "1.0.0"
  metadata:
    name: Wide Triage
    tags:
      - triage
  triggers:
    detection_sources:
      - siem
    mitre_techniques:
      - T1566
    platforms:
      - linux
  config:
    automation_level: L0
    max_execution_time: 60
    parallel_execution: true
  steps:
    - id: step-01
      name: Query SIEM
      action: query_siem
      executor: mock
      parameters:
        query: "host:web-01"
      on_error: halt
      timeout: 5
    - id: step-02
      name: Check reputation
      action: check_reputation
      executor: mock
      on_error: halt
      timeout: 5
`

const writeAtL0PlaybookID = "d4c3b2a1-f6e5-4d7c-8b9a-0a1b2c3d4e5f"

const writeAtL0Playbook = `
runbook:
  id: d4c3b2a1-f6e5-4d7c-8b9a-0a1b2c3d4e5f
  version: "1.0.0"
  metadata:
    name: Overreaching Checklist
    tags:
      - containment
  triggers:
    detection_sources:
      - edr
    mitre_techniques:
      - T1059
    platforms:
      - linux
  config:
    automation_level: L0
    max_execution_time: 60
  steps:
    - id: step-01
      name: Isolate host
      action: isolate_host
      executor: mock
      parameters:
        hostname: web-01
      on_error: halt
      timeout: 5
`

const resumePlaybookID = "0a9b8c7d-6e5f-4a3b-9c8d-7e6f5a4b3c2d"

const resumePlaybook = `
runbook:
  id: 0a9b8c7d-6e5f-4a3b-9c8d-7e6f5a4b3c2d
  version: "1.0.0"
  metadata:
    name: Two Stage Sweep
    tags:
      - triage
  triggers:
    detection_sources:
      - siem
    mitre_techniques:
      - T1110
    platforms:
      - linux
  config:
    automation_level: L0
    max_execution_time: 60
  steps:
    - id: step-01
      name: Collect logs
      action: collect_logs
      executor: mock
      on_error: halt
      timeout: 5
    - id: step-02
      name: Query SIEM
      action: query_siem
      executor: mock
      parameters:
        query: "host:web-01"
      depends_on:
        - step-01
      on_error: halt
      timeout: 5
`

type harness struct {
	eng  *Engine
	st   *store.Store
	mock *adapters.Mock
	reg  *adapter.Registry
	dir  string
}

func newHarness(t *testing.T, mods ...func(*Options)) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mock := adapters.NewMock()
	reg := adapter.NewRegistry(adapter.BreakerOptions{FailureThreshold: 100}, nil)
	if err := reg.Register(context.Background(), mock, nil); err != nil {
		t.Fatalf("register mock: %v", err)
	}

	h := &harness{st: st, mock: mock, reg: reg, dir: t.TempDir()}
	opts := Options{
		Store:       st,
		Registry:    reg,
		Metrics:     metrics.New(),
		PlaybookDir: h.dir,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	h.eng, err = New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

func (h *harness) writePlaybook(t *testing.T, name, doc string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.dir, name), []byte(doc), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}
}

func (h *harness) registerFlaky(t *testing.T) *adapters.Mock {
	t.Helper()
	flaky := adapters.NewMock().WithName("flaky")
	if err := h.reg.Register(context.Background(), flaky, nil); err != nil {
		t.Fatalf("register flaky: %v", err)
	}
	return flaky
}

func phishingAlert(t *testing.T) *alert.Event {
	t.Helper()
	ev, err := alert.Parse([]byte(`{
		"@timestamp": "2025-11-03T09:30:00Z",
		"event": {"kind": "alert", "severity": 70},
		"host": {"hostname": "web-01"},
		"threat": {"technique": [{"id": "T1566"}]}
	}`))
	if err != nil {
		t.Fatalf("parse alert: %v", err)
	}
	return ev
}

func waitTerminal(t *testing.T, st *store.Store, id string) *execution.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := st.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.State.Terminal() || exec.State == execution.StateFailed {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never settled", id)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func entriesOfKind(entries []audit.Entry, kind audit.Kind) []audit.Entry {
	var out []audit.Entry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestRunReadOnlyPlaybookCompletes(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "sweep.yaml", readPlaybook)
	h.mock.WithOutput(actions.CollectLogs, map[string]any{"event_count": 2})

	exec, err := h.eng.Run(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: readPlaybookID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}
	if len(exec.Results) != 1 || !exec.Results[0].Success {
		t.Fatalf("results = %+v", exec.Results)
	}

	got, ok := exec.Context.Lookup("steps.step-01.output.event_count")
	if !ok || got != 2 {
		t.Fatalf("step output in context = %v (found %v)", got, ok)
	}

	calls := h.mock.Calls()
	if len(calls) != 1 || calls[0].Params["source"] != "web-01" {
		t.Fatalf("adapter calls = %+v", calls)
	}

	entries, err := h.st.AuditEntries(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("audit entries: %v", err)
	}
	if len(entries) < 4 {
		t.Fatalf("audit chain too short: %d entries", len(entries))
	}
	if err := h.st.VerifyAudit(context.Background(), exec.ID); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
}

func TestRunApprovedWriteCompletes(t *testing.T) {
	var details approval.Details
	h := newHarness(t, func(o *Options) {
		o.Prompt = func(ctx context.Context, d approval.Details) (approval.Decision, error) {
			details = d
			time.Sleep(30 * time.Millisecond)
			return approval.Decision{Approved: true, Approver: "a"}, nil
		}
	})
	h.writePlaybook(t, "containment.yaml", gatePlaybook)
	h.mock.WithOutput(actions.IsolateHost, map[string]any{"status": "contained"})

	exec, err := h.eng.Run(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: gatePlaybookID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}

	res := exec.Results[0]
	if res.Approval == nil || res.Approval.Status != approval.StatusApproved || res.Approval.Approver != "a" {
		t.Fatalf("approval record = %+v", res.Approval)
	}
	if details.RequestID == "" || details.StepID != "step-01" || details.Parameters["hostname"] != "web-01" {
		t.Fatalf("prompt details = %+v", details)
	}
	if h.mock.ProductionCalls() != 1 {
		t.Fatalf("production calls = %d", h.mock.ProductionCalls())
	}

	entries, err := h.st.AuditEntries(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("audit entries: %v", err)
	}
	decisions := entriesOfKind(entries, audit.KindApprovalDecision)
	if len(decisions) != 1 {
		t.Fatalf("approval_decision entries = %d", len(decisions))
	}
	if decisions[0].Payload["approver"] != "a" || decisions[0].Payload["status"] != "approved" {
		t.Fatalf("decision payload = %+v", decisions[0].Payload)
	}

	pending, err := h.st.PendingApprovals(context.Background())
	if err != nil {
		t.Fatalf("pending approvals: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue entries = %d, want none for a live gate", len(pending))
	}
}

func TestRunApprovalExpiryHaltsExecution(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ApprovalTimeout = 50 * time.Millisecond
	})
	h.writePlaybook(t, "containment.yaml", gatePlaybook)

	exec, err := h.eng.Run(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: gatePlaybookID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateFailed {
		t.Fatalf("state = %s", exec.State)
	}
	if exec.ErrorCode != CodeApprovalExpired {
		t.Fatalf("error code = %q", exec.ErrorCode)
	}
	if !strings.Contains(exec.Error, "approval expired (halt)") {
		t.Fatalf("error = %q", exec.Error)
	}
	if n := len(h.mock.Calls()); n != 0 {
		t.Fatalf("adapter was called %d times before approval", n)
	}
}

func TestRunApprovalExpirySkipsStep(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ApprovalTimeout = 50 * time.Millisecond
		o.ApprovalBehavior = approval.BehaviorSkip
	})
	h.writePlaybook(t, "containment.yaml", gatePlaybook)

	exec, err := h.eng.Run(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: gatePlaybookID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}
	res := exec.Results[0]
	if !res.Skipped || res.Approval == nil || res.Approval.Status != approval.StatusExpired {
		t.Fatalf("result = %+v", res)
	}
	if n := len(h.mock.Calls()); n != 0 {
		t.Fatalf("adapter was called %d times for a skipped step", n)
	}
}

func TestRunDeniedApprovalFails(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Prompt = func(ctx context.Context, d approval.Details) (approval.Decision, error) {
			return approval.Decision{Approved: false, Approver: "b", Reason: "too risky"}, nil
		}
	})
	h.writePlaybook(t, "containment.yaml", gatePlaybook)

	exec, err := h.eng.Run(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: gatePlaybookID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateFailed || exec.ErrorCode != CodeApprovalDenied {
		t.Fatalf("state = %s, code = %q", exec.State, exec.ErrorCode)
	}
	if !strings.Contains(exec.Error, "denied by b") {
		t.Fatalf("error = %q", exec.Error)
	}
	if n := len(h.mock.Calls()); n != 0 {
		t.Fatalf("adapter was called %d times after denial", n)
	}
}

func TestRunL2SimulatesWritesAndPromotes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.writePlaybook(t, "blocklist.yaml", l2Playbook)

	exec, err := h.eng.Run(ctx, RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: l2PlaybookID,
		EnableL2:  true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}
	res := exec.Results[0]
	if !res.Success || res.Metadata["simulated"] != true {
		t.Fatalf("simulated result = %+v", res)
	}
	if h.mock.ProductionCalls() != 0 {
		t.Fatalf("L2 dispatched %d production calls", h.mock.ProductionCalls())
	}

	pending, err := h.st.PendingApprovals(ctx)
	if err != nil {
		t.Fatalf("pending approvals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("queue entries = %d", len(pending))
	}
	entry := pending[0]
	if entry.ExecutionID != exec.ID || entry.Action != actions.BlockIP {
		t.Fatalf("queue entry = %+v", entry)
	}
	if entry.Parameters["ip"] != "203.0.113.7" {
		t.Fatalf("queued parameters = %+v", entry.Parameters)
	}
	if len(entry.Simulation) == 0 {
		t.Fatalf("queue entry has no simulation preview")
	}

	if _, err := h.st.DecideApproval(ctx, entry.RequestID, true, "alice", "confirmed", time.Now()); err != nil {
		t.Fatalf("decide approval: %v", err)
	}
	promoted, err := h.eng.ExecuteApproved(ctx, entry.RequestID)
	if err != nil {
		t.Fatalf("ExecuteApproved: %v", err)
	}
	if !promoted.Success {
		t.Fatalf("promoted result = %+v", promoted)
	}
	if h.mock.ProductionCalls() != 1 {
		t.Fatalf("production calls after promotion = %d", h.mock.ProductionCalls())
	}

	final, err := h.st.GetApproval(ctx, entry.RequestID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if final.Status != store.ApprovalExecuted {
		t.Fatalf("final queue status = %s", final.Status)
	}
	if err := h.st.VerifyAudit(ctx, exec.ID); err != nil {
		t.Fatalf("verify audit after promotion: %v", err)
	}
}

func TestRunPolicyViolationFailsBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "overreach.yaml", writeAtL0Playbook)

	exec, err := h.eng.Run(context.Background(), RunRequest{RunbookID: writeAtL0PlaybookID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateFailed {
		t.Fatalf("state = %s", exec.State)
	}
	if exec.ErrorCode != policy.CodeInsufficientLevel {
		t.Fatalf("error code = %q", exec.ErrorCode)
	}
	if !strings.Contains(exec.Error, "requires level L1") {
		t.Fatalf("error = %q", exec.Error)
	}
	if n := len(h.mock.Calls()); n != 0 {
		t.Fatalf("adapter saw %d calls despite the policy failure", n)
	}

	entries, err := h.st.AuditEntries(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("audit entries: %v", err)
	}
	found := false
	for _, e := range entriesOfKind(entries, audit.KindSystem) {
		if e.Payload["event"] == "policy_check" && e.Payload["allowed"] == false {
			found = true
		}
	}
	if !found {
		t.Fatalf("no failed policy_check entry in audit")
	}
}

func TestRunContinueRecordsFailureAndProceeds(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "triage.yaml", continuePlaybook)
	flaky := h.registerFlaky(t)
	flaky.FailNext("api", false)

	exec, err := h.eng.Run(context.Background(), RunRequest{RunbookID: continuePlaybookID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateFailed || exec.ErrorCode != "api" {
		t.Fatalf("state = %s, code = %q", exec.State, exec.ErrorCode)
	}

	failed, ok := exec.ResultFor("step-01")
	if !ok || failed.Success || failed.Skipped {
		t.Fatalf("step-01 result = %+v", failed)
	}
	cascaded, ok := exec.ResultFor("step-02")
	if !ok || !cascaded.Skipped {
		t.Fatalf("step-02 result = %+v", cascaded)
	}
	independent, ok := exec.ResultFor("step-03")
	if !ok || !independent.Success {
		t.Fatalf("step-03 result = %+v", independent)
	}

	if h.mock.CallsFor(actions.CollectLogs) != 0 {
		t.Fatalf("step-02 dispatched despite its failed dependency")
	}
	if h.mock.CallsFor(actions.CheckReputation) != 1 {
		t.Fatalf("step-03 did not run")
	}
}

func TestRunSkipPolicyMarksStepSkipped(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "files.yaml", skipPlaybook)
	flaky := h.registerFlaky(t)
	flaky.FailNext("not_found", false)

	exec, err := h.eng.Run(context.Background(), RunRequest{RunbookID: skipPlaybookID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}
	skipped, ok := exec.ResultFor("step-01")
	if !ok || !skipped.Skipped || skipped.Error == nil {
		t.Fatalf("step-01 result = %+v", skipped)
	}
	rest, ok := exec.ResultFor("step-02")
	if !ok || !rest.Success {
		t.Fatalf("step-02 result = %+v", rest)
	}
}

func TestRunHaltRollsBackInReverseOrder(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "cleanup.yaml", rollbackPlaybook)
	flaky := h.registerFlaky(t)
	flaky.FailNext("api", false)

	exec, err := h.eng.Run(context.Background(), RunRequest{RunbookID: rollbackPlaybookID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateRolledBack {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}
	if exec.ErrorCode != "api" {
		t.Fatalf("error code = %q", exec.ErrorCode)
	}

	rollbacks := h.mock.Rollbacks()
	if len(rollbacks) != 2 {
		t.Fatalf("rollbacks = %d", len(rollbacks))
	}
	if rollbacks[0].Action != actions.RestoreConnectivity || rollbacks[1].Action != actions.UnblockIP {
		t.Fatalf("rollback order = %s, %s", rollbacks[0].Action, rollbacks[1].Action)
	}

	n := 0
	for _, r := range exec.Results {
		if r.Rollback {
			n++
			if !r.Success {
				t.Fatalf("rollback result failed: %+v", r)
			}
		}
	}
	if n != 2 {
		t.Fatalf("rollback results = %d", n)
	}
}

func TestRunTimesOut(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "sweep.yaml", readPlaybook)
	h.mock.WithLatency(400 * time.Millisecond)

	exec, err := h.eng.Run(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: readPlaybookID,
		TimeoutMS: 60,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateTimedOut {
		t.Fatalf("state = %s", exec.State)
	}
	if exec.ErrorCode != execution.CodeTimeout {
		t.Fatalf("error code = %q", exec.ErrorCode)
	}
	if !strings.Contains(exec.Error, "max execution time") {
		t.Fatalf("error = %q", exec.Error)
	}
}

func TestCancelStopsExecution(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "sweep.yaml", readPlaybook)
	h.mock.WithLatency(2 * time.Second)

	exec, err := h.eng.Start(context.Background(), RunRequest{
		Alert:     phishingAlert(t),
		RunbookID: readPlaybookID,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "step dispatch", func() bool { return len(h.mock.Calls()) > 0 })

	if err := h.eng.Cancel(exec.ID, "operator stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final := waitTerminal(t, h.st, exec.ID)
	if final.State != execution.StateCancelled {
		t.Fatalf("state = %s", final.State)
	}
	if final.ErrorCode != execution.CodeCancelled || final.Error != "operator stop" {
		t.Fatalf("code = %q, error = %q", final.ErrorCode, final.Error)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.Cancel("nope", ""); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunParallelLevel(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "wide.yaml", parallelPlaybook)

	exec, err := h.eng.Run(context.Background(), RunRequest{RunbookID: parallelPlaybookID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", exec.State, exec.Error)
	}
	if len(exec.Results) != 2 {
		t.Fatalf("results = %d", len(exec.Results))
	}
	if h.mock.CallsFor(actions.QuerySIEM) != 1 || h.mock.CallsFor(actions.CheckReputation) != 1 {
		t.Fatalf("calls = %+v", h.mock.Calls())
	}
}

func TestDependencyLevels(t *testing.T) {
	steps := []runbook.Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	levels, err := dependencyLevels(steps)
	if err != nil {
		t.Fatalf("dependencyLevels: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("levels = %d", len(levels))
	}
	if len(levels[0]) != 1 || levels[0][0].ID != "a" {
		t.Fatalf("level 0 = %+v", levels[0])
	}
	if len(levels[1]) != 2 || levels[1][0].ID != "b" || levels[1][1].ID != "c" {
		t.Fatalf("level 1 = %+v", levels[1])
	}
	if len(levels[2]) != 1 || levels[2][0].ID != "d" {
		t.Fatalf("level 2 = %+v", levels[2])
	}

	if _, err := dependencyLevels([]runbook.Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}); err == nil || !strings.Contains(err.Error(), "dependency cycle") {
		t.Fatalf("cycle error = %v", err)
	}

	if _, err := dependencyLevels([]runbook.Step{
		{ID: "a", DependsOn: []string{"ghost"}},
	}); err == nil || !strings.Contains(err.Error(), "unknown step") {
		t.Fatalf("unknown dep error = %v", err)
	}

	if levels, err := dependencyLevels(nil); err != nil || levels != nil {
		t.Fatalf("empty input: %v, %v", levels, err)
	}
}

func seedInterrupted(t *testing.T, h *harness, rbID, name string, state execution.State, results ...execution.StepResult) *execution.Execution {
	t.Helper()
	now := time.Now()
	exec := execution.New(rbID, "1.0.0", name, actions.ModeProduction, actions.L0, execution.NewContext(nil, nil, nil), now)
	chain := audit.NewChain(exec.ID)
	var entries []audit.Entry

	transition := func(next execution.State) {
		from := exec.State
		if err := exec.Transition(next, now); err != nil {
			t.Fatalf("seed transition: %v", err)
		}
		entry, err := chain.Append(audit.KindStateTransition, map[string]any{
			"from": string(from),
			"to":   string(next),
		}, now)
		if err != nil {
			t.Fatalf("seed audit: %v", err)
		}
		entries = append(entries, entry)
	}
	transition(execution.StatePlanning)
	if state != execution.StatePlanning {
		transition(state)
	}
	for _, res := range results {
		exec.RecordResult(res)
	}
	if err := h.st.CreateExecution(context.Background(), exec, entries...); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return exec
}

func TestRecoverStartupFailsInterruptedExecutions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seeded := seedInterrupted(t, h, readPlaybookID, "Log Sweep", execution.StatePlanning)

	report, err := h.eng.RecoverStartup(ctx, false)
	if err != nil {
		t.Fatalf("RecoverStartup: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != seeded.ID {
		t.Fatalf("report = %+v", report)
	}

	exec, err := h.st.GetExecution(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.State != execution.StateFailed || exec.ErrorCode != execution.CodeRecovered {
		t.Fatalf("state = %s, code = %q", exec.State, exec.ErrorCode)
	}
	if err := h.st.VerifyAudit(ctx, seeded.ID); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.writePlaybook(t, "twostage.yaml", resumePlaybook)

	now := time.Now().UTC()
	seeded := seedInterrupted(t, h, resumePlaybookID, "Two Stage Sweep", execution.StateExecuting,
		execution.StepResult{
			StepID:      "step-01",
			Action:      actions.CollectLogs,
			Executor:    "mock",
			Success:     true,
			Output:      map[string]any{"event_count": 5},
			StartedAt:   now,
			CompletedAt: now,
		})

	if err := h.eng.Resume(ctx, seeded.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final := waitTerminal(t, h.st, seeded.ID)
	if final.State != execution.StateCompleted {
		t.Fatalf("state = %s, error = %s", final.State, final.Error)
	}
	if h.mock.CallsFor(actions.CollectLogs) != 0 {
		t.Fatalf("completed step re-ran")
	}
	if h.mock.CallsFor(actions.QuerySIEM) != 1 {
		t.Fatalf("remaining step did not run")
	}

	entries, err := h.st.AuditEntries(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("audit entries: %v", err)
	}
	resumed := false
	for _, e := range entriesOfKind(entries, audit.KindSystem) {
		if e.Payload["event"] == "resume" {
			resumed = true
		}
	}
	if !resumed {
		t.Fatalf("no resume entry in audit")
	}
	if err := h.st.VerifyAudit(ctx, seeded.ID); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
}

func TestResolveRunbookRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	h.writePlaybook(t, "sweep.yaml", readPlaybook)
	h.writePlaybook(t, "wide.yaml", parallelPlaybook)

	_, err := h.eng.Run(context.Background(), RunRequest{Alert: phishingAlert(t)})
	var confirm *ConfirmationError
	if !errors.As(err, &confirm) {
		t.Fatalf("err = %v", err)
	}
	if len(confirm.Candidates) != 2 {
		t.Fatalf("candidates = %+v", confirm.Candidates)
	}
}

func TestResolveRunbookNoMatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Run(context.Background(), RunRequest{Alert: phishingAlert(t)})
	if !errors.Is(err, ErrNoRunbook) {
		t.Fatalf("err = %v", err)
	}
}
