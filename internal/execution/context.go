package execution

import (
	"strconv"
	"strings"
)

// Context is the layered data visible to step parameter templates. Four
// layers: the triggering alert, completed step outputs, runbook-local
// variables, and the (read-only) process environment.
//
// A Context is immutable. Mutators return a new snapshot sharing unchanged
// layers with the old one; the engine holds the tip and persists the snapshot
// each StepResult was produced against.
type Context struct {
	alert map[string]any
	steps map[string]any
	vars  map[string]any
	env   map[string]string
}

// NewContext builds the initial snapshot for an execution. env may be nil, in
// which case template resolution falls through to the process environment.
func NewContext(alertDoc map[string]any, vars map[string]any, env map[string]string) *Context {
	return &Context{
		alert: alertDoc,
		steps: map[string]any{},
		vars:  copyMap(vars),
		env:   env,
	}
}

// WithStepOutput returns a snapshot with steps.<id>.output set. The alert,
// vars, and env layers are shared; the steps layer is copied.
func (c *Context) WithStepOutput(stepID string, output any) *Context {
	steps := make(map[string]any, len(c.steps)+1)
	for k, v := range c.steps {
		steps[k] = v
	}
	steps[stepID] = map[string]any{"output": output}
	return &Context{alert: c.alert, steps: steps, vars: c.vars, env: c.env}
}

// WithVar returns a snapshot with one runbook-local variable set.
func (c *Context) WithVar(key string, value any) *Context {
	vars := make(map[string]any, len(c.vars)+1)
	for k, v := range c.vars {
		vars[k] = v
	}
	vars[key] = value
	return &Context{alert: c.alert, steps: c.steps, vars: vars, env: c.env}
}

// Lookup resolves a dotted path against the four layers. The first segment
// names the layer; the rest walk nested maps and numeric slice indexes.
func (c *Context) Lookup(path string) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || c == nil {
		return nil, false
	}

	var root any
	switch segments[0] {
	case "alert":
		root = anyMap(c.alert)
	case "steps":
		root = anyMap(c.steps)
	case "context":
		root = anyMap(c.vars)
	case "env":
		if c.env == nil {
			return nil, false
		}
		if len(segments) != 2 {
			return nil, false
		}
		v, ok := c.env[segments[1]]
		return v, ok
	default:
		return nil, false
	}

	return walk(root, segments[1:])
}

func walk(node any, segments []string) (any, bool) {
	for _, seg := range segments {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			node = v[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// StepOutput returns steps.<id>.output if the step has published one.
func (c *Context) StepOutput(stepID string) (any, bool) {
	return c.Lookup("steps." + stepID + ".output")
}

// Snapshot renders the context as plain JSON-shaped data for persistence.
func (c *Context) Snapshot() map[string]any {
	snap := map[string]any{
		"alert":   c.alert,
		"steps":   c.steps,
		"context": c.vars,
	}
	if c.env != nil {
		env := make(map[string]any, len(c.env))
		for k, v := range c.env {
			env[k] = v
		}
		snap["env"] = env
	}
	return snap
}

// FromSnapshot rebuilds a context from a persisted snapshot.
func FromSnapshot(snap map[string]any) *Context {
	c := &Context{steps: map[string]any{}, vars: map[string]any{}}
	if m, ok := snap["alert"].(map[string]any); ok {
		c.alert = m
	}
	if m, ok := snap["steps"].(map[string]any); ok {
		c.steps = m
	}
	if m, ok := snap["context"].(map[string]any); ok {
		c.vars = m
	}
	if m, ok := snap["env"].(map[string]any); ok {
		env := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
		c.env = env
	}
	return c
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
