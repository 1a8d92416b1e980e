package policy

import (
	"strings"
	"testing"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/runbook"
)

func testPolicy() *Policy {
	riskCap := 5
	return &Policy{
		Name: "test",
		Rules: []Rule{
			{
				Action:       string(actions.CollectLogs),
				MinLevel:     actions.L0,
				AllowedModes: []actions.Mode{actions.ModeProduction, actions.ModeSimulation, actions.ModeDryRun},
			},
			{
				Action:           string(actions.IsolateHost),
				MinLevel:         actions.L1,
				RequiresApproval: true,
				AllowedModes:     []actions.Mode{actions.ModeProduction, actions.ModeSimulation, actions.ModeDryRun},
				AdminOverride:    true,
			},
			{
				Action:           string(actions.DeleteFile),
				MinLevel:         actions.L1,
				RequiresApproval: true,
				AllowedModes:     []actions.Mode{actions.ModeSimulation, actions.ModeDryRun},
				MaxRiskScore:     &riskCap,
			},
		},
	}
}

func hasViolation(res Result, code string) bool {
	for _, v := range res.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestLookupExactThenCatchAll(t *testing.T) {
	p := testPolicy()
	p.Rules = append(p.Rules, Rule{Action: "*", MinLevel: actions.L2, AllowedModes: allModes})

	if r := p.Lookup(actions.CollectLogs); r == nil || r.Action != string(actions.CollectLogs) {
		t.Fatalf("exact lookup = %+v", r)
	}
	if r := p.Lookup(actions.BlockIP); r == nil || r.Action != "*" {
		t.Fatalf("catch-all lookup = %+v", r)
	}
}

func TestCheckNoMatchingRule(t *testing.T) {
	p := testPolicy()
	res := p.Check(Request{Action: actions.BlockIP, Level: actions.L1, Mode: actions.ModeProduction})
	if res.Allowed {
		t.Fatal("unmatched action must be denied")
	}
	if !hasViolation(res, CodeNoMatchingRule) {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestCheckAllowsRead(t *testing.T) {
	p := testPolicy()
	res := p.Check(Request{Action: actions.CollectLogs, Level: actions.L0, Mode: actions.ModeProduction})
	if !res.Allowed || len(res.Violations) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.RequiresApproval {
		t.Fatal("read rule does not require approval")
	}
}

func TestCheckInsufficientLevel(t *testing.T) {
	p := testPolicy()
	res := p.Check(Request{Action: actions.IsolateHost, Level: actions.L0, Mode: actions.ModeProduction})
	if res.Allowed {
		t.Fatal("L0 request against L1 rule must be denied")
	}
	if !hasViolation(res, CodeInsufficientLevel) {
		t.Fatalf("violations = %+v", res.Violations)
	}
	if res.RequiredLevel != actions.L1 {
		t.Fatalf("required level = %s", res.RequiredLevel)
	}
}

func TestCheckModeNotAllowed(t *testing.T) {
	p := testPolicy()
	res := p.Check(Request{Action: actions.DeleteFile, Level: actions.L1, Mode: actions.ModeProduction})
	if res.Allowed {
		t.Fatal("production delete_file must be denied")
	}
	if !hasViolation(res, CodeModeNotAllowed) {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestCheckRiskScore(t *testing.T) {
	p := testPolicy()

	high := 8.0
	res := p.Check(Request{Action: actions.DeleteFile, Level: actions.L1, Mode: actions.ModeSimulation, RiskScore: &high})
	if res.Allowed || !hasViolation(res, CodeRiskScoreExceeded) {
		t.Fatalf("result = %+v", res)
	}

	low := 3.0
	res = p.Check(Request{Action: actions.DeleteFile, Level: actions.L1, Mode: actions.ModeSimulation, RiskScore: &low})
	if !res.Allowed {
		t.Fatalf("result = %+v", res)
	}

	// Absent risk score skips the cap entirely.
	res = p.Check(Request{Action: actions.DeleteFile, Level: actions.L1, Mode: actions.ModeSimulation})
	if !res.Allowed {
		t.Fatalf("result = %+v", res)
	}
}

func TestCheckL2ProductionWriteBlocked(t *testing.T) {
	p := Builtin()

	res := p.Check(Request{Action: actions.BlockIP, Level: actions.L2, Mode: actions.ModeProduction})
	if res.Allowed {
		t.Fatal("L2 production write must be blocked")
	}
	if !hasViolation(res, CodeL2ProductionWriteBlocked) {
		t.Fatalf("violations = %+v", res.Violations)
	}

	// Simulation at L2 is the sanctioned path.
	res = p.Check(Request{Action: actions.BlockIP, Level: actions.L2, Mode: actions.ModeSimulation})
	if !res.Allowed {
		t.Fatalf("result = %+v", res)
	}

	// Reads are unaffected by the guard.
	res = p.Check(Request{Action: actions.QuerySIEM, Level: actions.L2, Mode: actions.ModeProduction})
	if !res.Allowed {
		t.Fatalf("result = %+v", res)
	}
}

func TestAdminOverrideDowngradesViolations(t *testing.T) {
	p := testPolicy()

	res := p.Check(Request{Action: actions.IsolateHost, Level: actions.L0, Mode: actions.ModeProduction, Admin: true})
	if !res.Allowed {
		t.Fatal("admin override should allow")
	}
	if len(res.Violations) == 0 {
		t.Fatal("violations must be kept, downgraded")
	}
	for _, v := range res.Violations {
		if v.Severity != SeverityWarning {
			t.Fatalf("violation %s severity = %s, want warning", v.Code, v.Severity)
		}
	}

	// No override on rules that do not opt in.
	res = p.Check(Request{Action: actions.DeleteFile, Level: actions.L0, Mode: actions.ModeSimulation, Admin: true})
	if res.Allowed {
		t.Fatal("delete_file rule has no admin_override")
	}
}

func TestAdminOverrideKeepsL2GuardVisible(t *testing.T) {
	p := Builtin()

	res := p.Check(Request{Action: actions.IsolateHost, Level: actions.L2, Mode: actions.ModeProduction, Admin: true})
	if !res.Allowed {
		// Builtin isolate_host carries admin_override.
		t.Fatalf("result = %+v", res)
	}
	found := false
	for _, v := range res.Violations {
		if v.Code == CodeL2ProductionWriteBlocked && v.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected downgraded l2_production_write_blocked, got %+v", res.Violations)
	}
}

// Raising the level never revokes permission, except through the
// L2-production-write guard.
func TestPolicyMonotonicInLevel(t *testing.T) {
	p := Builtin()
	levels := []actions.Level{actions.L0, actions.L1, actions.L2}

	for _, a := range actions.All() {
		for _, mode := range allModes {
			for i, lvl := range levels {
				if !p.Check(Request{Action: a, Level: lvl, Mode: mode}).Allowed {
					continue
				}
				for _, higher := range levels[i+1:] {
					res := p.Check(Request{Action: a, Level: higher, Mode: mode})
					if res.Allowed {
						continue
					}
					if higher == actions.L2 && mode == actions.ModeProduction && actions.IsWrite(a) {
						continue // the sanctioned exception
					}
					t.Fatalf("action %s mode %s: allowed at %s but denied at %s", a, mode, lvl, higher)
				}
			}
		}
	}
}

func TestValidateL2Enabled(t *testing.T) {
	if v := ValidateL2Enabled(false, actions.L2); v == nil || v.Code != CodeL2FlagRequired {
		t.Fatalf("violation = %+v", v)
	}
	if v := ValidateL2Enabled(true, actions.L2); v != nil {
		t.Fatalf("violation = %+v", v)
	}
	if v := ValidateL2Enabled(false, actions.L1); v != nil {
		t.Fatalf("violation = %+v", v)
	}
}

func TestCheckStepsShortCircuitsWithoutL2Flag(t *testing.T) {
	p := Builtin()
	steps := []runbook.Step{
		{ID: "a", Action: actions.CollectLogs},
		{ID: "b", Action: actions.BlockIP},
	}

	checks := p.CheckSteps(steps, actions.L2, actions.ModeSimulation, false, nil, false)
	if len(checks) != 2 {
		t.Fatalf("checks = %d", len(checks))
	}
	for _, c := range checks {
		if c.Result.Allowed {
			t.Fatalf("step %s should be denied", c.StepID)
		}
		if !hasViolation(c.Result, CodeL2FlagRequired) {
			t.Fatalf("step %s violations = %+v", c.StepID, c.Result.Violations)
		}
	}
	if Allowed(checks) {
		t.Fatal("Allowed should be false")
	}
}

func TestCheckStepsPasses(t *testing.T) {
	p := Builtin()
	steps := []runbook.Step{
		{ID: "a", Action: actions.CollectLogs},
		{ID: "b", Action: actions.IsolateHost},
	}

	checks := p.CheckSteps(steps, actions.L1, actions.ModeProduction, false, nil, false)
	if !Allowed(checks) {
		t.Fatalf("checks = %+v", checks)
	}
}

func TestBuiltinCoversEveryAction(t *testing.T) {
	p := Builtin()
	for _, a := range actions.All() {
		rule := p.Lookup(a)
		if rule == nil {
			t.Fatalf("no rule for %s", a)
		}
		if rule.Action == "*" {
			t.Fatalf("action %s fell through to catch-all", a)
		}
	}
	if r := p.Lookup(actions.Action("made_up")); r == nil || r.Action != "*" {
		t.Fatal("unknown action should hit catch-all")
	}
}

func TestDefaultSingletonReset(t *testing.T) {
	t.Cleanup(ResetDefault)

	first := Default()
	if first == nil || first.Name != "builtin-default" {
		t.Fatalf("default = %+v", first)
	}

	custom := testPolicy()
	SetDefault(custom)
	if Default() != custom {
		t.Fatal("SetDefault not honored")
	}

	ResetDefault()
	if Default() == custom {
		t.Fatal("ResetDefault should restore builtin")
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
name: custom
description: test policy
rules:
  - action: collect_logs
    min_level: l0
    allowed_modes: [production, dry-run]
  - action: "*"
    min_level: L2
    requires_approval: true
    allowed_modes: [simulation]
    max_risk_score: 5
`
	p, err := ParseYAML([]byte(doc))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if p.Rules[0].MinLevel != actions.L0 {
		t.Fatalf("min_level = %s", p.Rules[0].MinLevel)
	}
	if p.Rules[0].AllowedModes[1] != actions.ModeDryRun {
		t.Fatalf("modes = %+v", p.Rules[0].AllowedModes)
	}
}

func TestParseYAMLRejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		frag string
	}{
		{"no name", "rules: [{action: wait, min_level: L0, allowed_modes: [production]}]", "name"},
		{"no rules", "name: x", "no rules"},
		{"bad action", "name: x\nrules: [{action: explode, min_level: L0, allowed_modes: [production]}]", "unknown action"},
		{"bad level", "name: x\nrules: [{action: wait, min_level: L9, allowed_modes: [production]}]", "level"},
		{"no modes", "name: x\nrules: [{action: wait, min_level: L0}]", "allowed_modes"},
		{"bad risk", "name: x\nrules: [{action: wait, min_level: L0, allowed_modes: [production], max_risk_score: 99}]", "1-10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.frag) {
				t.Fatalf("err = %v, want fragment %q", err, tt.frag)
			}
		})
	}
}
