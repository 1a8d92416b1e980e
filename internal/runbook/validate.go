package runbook

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/detectforge/responder/internal/actions"
)

var techniquePattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// Severity band names accepted in triggers.severities.
var knownSeverities = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "critical": {},
}

// ValidationError aggregates schema validation issues.
type ValidationError struct {
	Issues []string `json:"issues"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

// Validate normalizes and validates a runbook: schema constraints first,
// then the structural invariants (unique step ids, dependency existence,
// acyclicity, L2 approval rule). All issues are collected and returned
// together.
func Validate(rb *Runbook) error {
	if rb == nil {
		return &ValidationError{Issues: []string{"runbook is required"}}
	}

	normalize(rb)

	issues := make([]string, 0)

	if rb.ID == "" {
		issues = append(issues, "id is required")
	} else if u, err := uuid.Parse(rb.ID); err != nil || u.Version() != 4 {
		issues = append(issues, "id must be a UUIDv4")
	}
	if rb.Version == "" {
		issues = append(issues, "version is required")
	}

	issues = append(issues, validateMetadata(rb.Metadata)...)
	issues = append(issues, validateTriggers(rb.Triggers)...)
	issues = append(issues, validateConfig(rb.Config)...)

	if len(rb.Steps) == 0 {
		issues = append(issues, "steps must contain at least one step")
	}
	if len(rb.Steps) > 50 {
		issues = append(issues, "steps must contain at most 50 steps")
	}

	stepIDs := make(map[string]struct{}, len(rb.Steps))
	for idx := range rb.Steps {
		step := &rb.Steps[idx]
		prefix := fmt.Sprintf("steps[%d]", idx)

		if step.ID == "" {
			issues = append(issues, prefix+".id is required")
		} else if _, exists := stepIDs[step.ID]; exists {
			issues = append(issues, fmt.Sprintf("%s.id %q must be unique", prefix, step.ID))
		} else {
			stepIDs[step.ID] = struct{}{}
		}

		issues = append(issues, validateStep(prefix, step)...)
	}

	// Dependency existence, then acyclicity over the ids that do exist.
	for idx := range rb.Steps {
		prefix := fmt.Sprintf("steps[%d]", idx)
		for _, dep := range rb.Steps[idx].DependsOn {
			if _, ok := stepIDs[dep]; !ok {
				issues = append(issues, fmt.Sprintf("%s.depends_on references unknown step %q", prefix, dep))
			}
		}
	}
	if cycle := findCycle(rb.Steps); cycle != "" {
		issues = append(issues, "Circular dependency detected: "+cycle)
	}

	if rb.Config.AutomationLevel == actions.L2 && !rb.Config.RequiresApproval {
		issues = append(issues, "config.requires_approval must be true when automation_level is L2")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func normalize(rb *Runbook) {
	rb.ID = strings.TrimSpace(rb.ID)
	rb.Version = strings.TrimSpace(rb.Version)
	rb.Metadata.Author = strings.TrimSpace(rb.Metadata.Author)

	if lvl, err := actions.ParseLevel(string(rb.Config.AutomationLevel)); err == nil {
		rb.Config.AutomationLevel = lvl
	}

	for idx := range rb.Steps {
		step := &rb.Steps[idx]
		step.ID = strings.TrimSpace(step.ID)
		step.Name = strings.TrimSpace(step.Name)
		step.Executor = strings.TrimSpace(step.Executor)
		step.Action = actions.Action(strings.TrimSpace(string(step.Action)))
		for i := range step.DependsOn {
			step.DependsOn[i] = strings.TrimSpace(step.DependsOn[i])
		}
		if step.OnError != "" {
			step.OnError = OnError(strings.ToLower(strings.TrimSpace(string(step.OnError))))
		}
	}
}

func validateMetadata(m Metadata) []string {
	issues := make([]string, 0)

	if m.Name == "" {
		issues = append(issues, "metadata.name is required")
	} else {
		if strings.TrimSpace(m.Name) != m.Name {
			issues = append(issues, "metadata.name must not have leading or trailing whitespace")
		}
		if n := len(m.Name); n < 3 || n > 100 {
			issues = append(issues, "metadata.name must be 3-100 characters")
		}
	}

	for _, field := range []struct {
		name, value string
	}{{"metadata.created", m.Created}, {"metadata.updated", m.Updated}} {
		if field.value == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, field.value); err != nil {
			issues = append(issues, field.name+" must be an ISO-8601 timestamp")
		}
	}

	if len(m.Tags) < 1 || len(m.Tags) > 20 {
		issues = append(issues, "metadata.tags must contain 1-20 tags")
	}
	for idx, tag := range m.Tags {
		if n := len(tag); n < 2 || n > 50 {
			issues = append(issues, fmt.Sprintf("metadata.tags[%d] must be 2-50 characters", idx))
		}
	}

	for idx, ref := range m.References {
		if _, err := url.ParseRequestURI(ref); err != nil {
			issues = append(issues, fmt.Sprintf("metadata.references[%d] must be a valid URL", idx))
		}
	}
	return issues
}

func validateTriggers(t Triggers) []string {
	issues := make([]string, 0)

	if len(t.DetectionSources) == 0 {
		issues = append(issues, "triggers.detection_sources must contain at least one source")
	}
	if len(t.MitreTechniques) == 0 {
		issues = append(issues, "triggers.mitre_techniques must contain at least one technique")
	}
	for idx, technique := range t.MitreTechniques {
		if !techniquePattern.MatchString(technique) {
			issues = append(issues, fmt.Sprintf("triggers.mitre_techniques[%d] %q must match T####(.###)?", idx, technique))
		}
	}
	if len(t.Platforms) == 0 {
		issues = append(issues, "triggers.platforms must contain at least one platform")
	}
	for idx, sev := range t.Severities {
		if _, ok := knownSeverities[strings.ToLower(sev)]; !ok {
			issues = append(issues, fmt.Sprintf("triggers.severities[%d] must be one of: low, medium, high, critical", idx))
		}
	}
	return issues
}

func validateConfig(c Config) []string {
	issues := make([]string, 0)

	if _, err := actions.ParseLevel(string(c.AutomationLevel)); err != nil {
		issues = append(issues, "config.automation_level must be one of: L0, L1, L2")
	}
	if c.MaxExecutionTime < 60 || c.MaxExecutionTime > 3600 {
		issues = append(issues, "config.max_execution_time must be 60-3600 seconds")
	}
	if c.ApprovalTimeout != 0 && (c.ApprovalTimeout < 300 || c.ApprovalTimeout > 7200) {
		issues = append(issues, "config.approval_timeout must be 300-7200 seconds")
	}
	return issues
}

func validateStep(prefix string, step *Step) []string {
	issues := make([]string, 0)

	if step.Name == "" {
		issues = append(issues, prefix+".name is required")
	}
	if step.Action == "" {
		issues = append(issues, prefix+".action is required")
	} else if !actions.Valid(step.Action) {
		issues = append(issues, fmt.Sprintf("%s.action %q is not a known action", prefix, step.Action))
	}
	if step.Executor == "" {
		issues = append(issues, prefix+".executor is required")
	}

	switch step.OnError {
	case OnErrorHalt, OnErrorContinue, OnErrorSkip:
	case "":
		issues = append(issues, prefix+".on_error is required")
	default:
		issues = append(issues, prefix+".on_error must be one of: halt, continue, skip")
	}

	if step.Timeout < 5 || step.Timeout > 600 {
		issues = append(issues, prefix+".timeout must be 5-600 seconds")
	}

	if step.Rollback != nil {
		if step.Rollback.Action == "" {
			issues = append(issues, prefix+".rollback.action is required when rollback is configured")
		} else if !actions.Valid(step.Rollback.Action) {
			issues = append(issues, fmt.Sprintf("%s.rollback.action %q is not a known action", prefix, step.Rollback.Action))
		}
		if step.Rollback.Timeout < 5 || step.Rollback.Timeout > 600 {
			issues = append(issues, prefix+".rollback.timeout must be 5-600 seconds")
		}
		if step.Rollback.OnError != "" && step.Rollback.OnError != OnErrorHalt &&
			step.Rollback.OnError != OnErrorContinue && step.Rollback.OnError != OnErrorSkip {
			issues = append(issues, prefix+".rollback.on_error must be one of: halt, continue, skip")
		}
	}
	return issues
}

// findCycle runs DFS with a recursion-stack set over the depends_on graph and
// returns a printable cycle path, or "" when the graph is acyclic. Unknown
// dependency ids are ignored here; existence is checked separately.
func findCycle(steps []Step) string {
	deps := make(map[string][]string, len(steps))
	known := make(map[string]struct{}, len(steps))
	for i := range steps {
		known[steps[i].ID] = struct{}{}
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if _, ok := known[dep]; ok {
				deps[steps[i].ID] = append(deps[steps[i].ID], dep)
			}
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case inStack:
				// Trim the stack to the cycle start for the message.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				return strings.Join(append(stack[start:], dep), " -> ")
			case unvisited:
				if cycle := visit(dep); cycle != "" {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return ""
	}

	for i := range steps {
		id := steps[i].ID
		if state[id] == unvisited {
			if cycle := visit(id); cycle != "" {
				return cycle
			}
		}
	}
	return ""
}
