// Package policy evaluates automation policy rules for action dispatch:
// per-action minimum level, approval requirement, allowed modes, risk caps,
// the L2 production write guard, and admin override downgrades. Violations
// are data, not errors; callers branch on stable codes.
package policy

import (
	"fmt"
	"sync"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/runbook"
)

// Violation codes.
const (
	CodeNoMatchingRule           = "no_matching_rule"
	CodeInsufficientLevel        = "insufficient_level"
	CodeModeNotAllowed           = "mode_not_allowed"
	CodeRiskScoreExceeded        = "risk_score_exceeded"
	CodeL2ProductionWriteBlocked = "l2_production_write_blocked"
	CodeL2FlagRequired           = "l2_flag_required"
)

// Violation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Violation is one policy check failure.
type Violation struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Rule is one policy rule. Action is an enumerated action or "*" as the
// catch-all; lookup is first-exact-match then "*".
type Rule struct {
	Action           string         `json:"action" yaml:"action"`
	MinLevel         actions.Level  `json:"min_level" yaml:"min_level"`
	RequiresApproval bool           `json:"requires_approval" yaml:"requires_approval"`
	AllowedModes     []actions.Mode `json:"allowed_modes" yaml:"allowed_modes"`
	MaxRiskScore     *int           `json:"max_risk_score,omitempty" yaml:"max_risk_score,omitempty"`
	AdminOverride    bool           `json:"admin_override,omitempty" yaml:"admin_override,omitempty"`
}

// Policy is an ordered rule list.
type Policy struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []Rule `json:"rules" yaml:"rules"`
}

// Request is one policy question: may this action run at this level in this
// mode.
type Request struct {
	Action    actions.Action
	Level     actions.Level
	Mode      actions.Mode
	RiskScore *float64
	Admin     bool
}

// Result is the answer, with every violation that fired. When an admin
// override applies, Allowed is true and the violations are downgraded to
// warnings rather than dropped.
type Result struct {
	Allowed          bool           `json:"allowed"`
	Action           actions.Action `json:"action"`
	RequestedLevel   actions.Level  `json:"requested_level"`
	RequiredLevel    actions.Level  `json:"required_level,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Violations       []Violation    `json:"violations,omitempty"`
}

// Lookup returns the rule for an action: first exact match, then the "*"
// catch-all, else nil.
func (p *Policy) Lookup(action actions.Action) *Rule {
	var fallback *Rule
	for i := range p.Rules {
		switch p.Rules[i].Action {
		case string(action):
			return &p.Rules[i]
		case "*":
			if fallback == nil {
				fallback = &p.Rules[i]
			}
		}
	}
	return fallback
}

// Check evaluates the ordered policy checks for one request.
func (p *Policy) Check(req Request) Result {
	res := Result{
		Action:         req.Action,
		RequestedLevel: req.Level,
	}

	rule := p.Lookup(req.Action)
	if rule == nil {
		res.Violations = append(res.Violations, Violation{
			Code:     CodeNoMatchingRule,
			Message:  fmt.Sprintf("no policy rule matches action %q", req.Action),
			Severity: SeverityError,
		})
		return res
	}
	res.RequiredLevel = rule.MinLevel
	res.RequiresApproval = rule.RequiresApproval

	if !req.Level.AtLeast(rule.MinLevel) {
		res.Violations = append(res.Violations, Violation{
			Code:     CodeInsufficientLevel,
			Message:  fmt.Sprintf("action %q requires level %s, requested %s", req.Action, rule.MinLevel, req.Level),
			Severity: SeverityError,
		})
	}

	modeOK := false
	for _, m := range rule.AllowedModes {
		if m == req.Mode {
			modeOK = true
			break
		}
	}
	if !modeOK {
		res.Violations = append(res.Violations, Violation{
			Code:     CodeModeNotAllowed,
			Message:  fmt.Sprintf("mode %q is not allowed for action %q", req.Mode, req.Action),
			Severity: SeverityError,
		})
	}

	if rule.MaxRiskScore != nil && req.RiskScore != nil && *req.RiskScore > float64(*rule.MaxRiskScore) {
		res.Violations = append(res.Violations, Violation{
			Code:     CodeRiskScoreExceeded,
			Message:  fmt.Sprintf("risk score %.1f exceeds cap %d for action %q", *req.RiskScore, *rule.MaxRiskScore, req.Action),
			Severity: SeverityError,
		})
	}

	if req.Level == actions.L2 && req.Mode == actions.ModeProduction && actions.IsWrite(req.Action) {
		res.Violations = append(res.Violations, Violation{
			Code:     CodeL2ProductionWriteBlocked,
			Message:  fmt.Sprintf("write action %q cannot run in production at L2; it must be simulated and queued", req.Action),
			Severity: SeverityError,
		})
	}

	if len(res.Violations) > 0 && req.Admin && rule.AdminOverride {
		res.Allowed = true
		for i := range res.Violations {
			if res.Violations[i].Severity == SeverityError {
				res.Violations[i].Severity = SeverityWarning
			}
		}
		return res
	}

	res.Allowed = len(res.Violations) == 0
	return res
}

// ValidateL2Enabled gates L2 runs behind the explicit opt-in flag.
func ValidateL2Enabled(enabled bool, level actions.Level) *Violation {
	if level == actions.L2 && !enabled {
		return &Violation{
			Code:     CodeL2FlagRequired,
			Message:  "automation level L2 requires the explicit enable-l2 flag",
			Severity: SeverityError,
		}
	}
	return nil
}

// StepCheck pairs a step id with its policy result.
type StepCheck struct {
	StepID string `json:"step_id"`
	Result Result `json:"result"`
}

// CheckSteps batch-validates every step of a playbook before execution. If
// level is L2 and the opt-in flag is off, every step short-circuits with
// l2_flag_required.
func (p *Policy) CheckSteps(steps []runbook.Step, level actions.Level, mode actions.Mode, l2Enabled bool, riskScore *float64, admin bool) []StepCheck {
	out := make([]StepCheck, 0, len(steps))

	if v := ValidateL2Enabled(l2Enabled, level); v != nil {
		for _, step := range steps {
			out = append(out, StepCheck{
				StepID: step.ID,
				Result: Result{
					Action:         step.Action,
					RequestedLevel: level,
					Violations:     []Violation{*v},
				},
			})
		}
		return out
	}

	for _, step := range steps {
		out = append(out, StepCheck{
			StepID: step.ID,
			Result: p.Check(Request{
				Action:    step.Action,
				Level:     level,
				Mode:      mode,
				RiskScore: riskScore,
				Admin:     admin,
			}),
		})
	}
	return out
}

// Allowed reports whether every step check passed.
func Allowed(checks []StepCheck) bool {
	for _, c := range checks {
		if !c.Result.Allowed {
			return false
		}
	}
	return true
}

var (
	defaultMu     sync.RWMutex
	defaultPolicy *Policy
)

// Default returns the process-wide policy, installing the builtin one on
// first use.
func Default() *Policy {
	defaultMu.RLock()
	p := defaultPolicy
	defaultMu.RUnlock()
	if p != nil {
		return p
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPolicy == nil {
		defaultPolicy = Builtin()
	}
	return defaultPolicy
}

// SetDefault replaces the process-wide policy.
func SetDefault(p *Policy) {
	defaultMu.Lock()
	defaultPolicy = p
	defaultMu.Unlock()
}

// ResetDefault restores the builtin policy on next use. Tests call this.
func ResetDefault() {
	defaultMu.Lock()
	defaultPolicy = nil
	defaultMu.Unlock()
}
