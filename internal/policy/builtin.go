package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/detectforge/responder/internal/actions"
)

var allModes = []actions.Mode{actions.ModeProduction, actions.ModeSimulation, actions.ModeDryRun}

// destructive writes get a risk cap and no admin override.
var destructive = map[actions.Action]struct{}{
	actions.DeleteFile:    {},
	actions.ExecuteScript: {},
	actions.KillProcess:   {},
}

// Builtin returns the default policy: read actions run at any level without
// approval, write actions need L1 and approval, destructive writes carry a
// risk cap, and unknown actions fall through to a simulate-only catch-all.
func Builtin() *Policy {
	p := &Policy{
		Name:        "builtin-default",
		Description: "reads at L0+, approval-gated writes at L1+, destructive writes risk-capped",
	}

	for _, a := range actions.All() {
		if !actions.IsWrite(a) {
			p.Rules = append(p.Rules, Rule{
				Action:       string(a),
				MinLevel:     actions.L0,
				AllowedModes: allModes,
			})
			continue
		}

		rule := Rule{
			Action:           string(a),
			MinLevel:         actions.L1,
			RequiresApproval: true,
			AllowedModes:     allModes,
			AdminOverride:    true,
		}
		if _, ok := destructive[a]; ok {
			riskCap := 7
			rule.MaxRiskScore = &riskCap
			rule.AdminOverride = false
		}
		p.Rules = append(p.Rules, rule)
	}

	// Unknown actions are classified as writes and may never touch
	// production through the catch-all.
	p.Rules = append(p.Rules, Rule{
		Action:           "*",
		MinLevel:         actions.L2,
		RequiresApproval: true,
		AllowedModes:     []actions.Mode{actions.ModeSimulation, actions.ModeDryRun},
	})
	return p
}

// ParseYAML decodes and sanity-checks a policy document, for operators who
// replace the builtin rules.
func ParseYAML(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if len(p.Rules) == 0 {
		return nil, fmt.Errorf("policy %q has no rules", p.Name)
	}
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.Action == "" {
			return nil, fmt.Errorf("rules[%d]: action is required", i)
		}
		if rule.Action != "*" && !actions.Valid(actions.Action(rule.Action)) {
			return nil, fmt.Errorf("rules[%d]: unknown action %q", i, rule.Action)
		}
		lvl, err := actions.ParseLevel(string(rule.MinLevel))
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rule.MinLevel = lvl
		if len(rule.AllowedModes) == 0 {
			return nil, fmt.Errorf("rules[%d]: allowed_modes is required", i)
		}
		for j, m := range rule.AllowedModes {
			mode, err := actions.ParseMode(string(m))
			if err != nil {
				return nil, fmt.Errorf("rules[%d].allowed_modes[%d]: %w", i, j, err)
			}
			rule.AllowedModes[j] = mode
		}
		if rule.MaxRiskScore != nil && (*rule.MaxRiskScore < 1 || *rule.MaxRiskScore > 10) {
			return nil, fmt.Errorf("rules[%d]: max_risk_score must be 1-10", i)
		}
	}
	return &p, nil
}
