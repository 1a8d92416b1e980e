// Package adapters holds the builtin reference adapters: a deterministic
// mock for tests and simulation, an HTTP executor, a read-only SQL executor,
// and a notification fan-out. They are the in-tree implementations of the
// adapter contract; vendor integrations live out of tree.
package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
)

// Mock is a deterministic in-memory adapter. It answers every action with
// canned output, records every request, and can be scripted with queued
// responses. Each Execute pops the script first, then falls back to canned
// output.
type Mock struct {
	mu       sync.Mutex
	name     string
	acts     []actions.Action
	outputs  map[actions.Action]any
	script   []scripted
	required map[actions.Action][]string
	latency  time.Duration
	health   adapter.Health
	maxConc  int

	initialized bool
	calls       []adapter.Request
	rollbacks   []adapter.Request
}

type scripted struct {
	res *adapter.Result
	err error
}

// NewMock builds a mock that supports every known action.
func NewMock() *Mock {
	return &Mock{
		name:     "mock",
		acts:     actions.All(),
		outputs:  make(map[actions.Action]any),
		required: defaultRequiredParams(),
		health:   adapter.Health{Status: adapter.Healthy, Message: "mock"},
	}
}

// WithName overrides the registry name.
func (m *Mock) WithName(name string) *Mock {
	m.name = name
	return m
}

// WithActions narrows the supported action set.
func (m *Mock) WithActions(acts ...actions.Action) *Mock {
	m.acts = acts
	return m
}

// WithOutput sets the canned output for an action.
func (m *Mock) WithOutput(act actions.Action, out any) *Mock {
	m.outputs[act] = out
	return m
}

// WithLatency makes every call take at least d.
func (m *Mock) WithLatency(d time.Duration) *Mock {
	m.latency = d
	return m
}

// WithHealth overrides the health probe answer.
func (m *Mock) WithHealth(h adapter.Health) *Mock {
	m.health = h
	return m
}

// WithMaxConcurrency sets the advertised in-flight ceiling.
func (m *Mock) WithMaxConcurrency(n int) *Mock {
	m.maxConc = n
	return m
}

// Enqueue scripts the next response. Scripted responses are consumed in
// order before canned output resumes.
func (m *Mock) Enqueue(res *adapter.Result, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scripted{res: res, err: err})
	return m
}

// FailNext scripts one structured failure with the given code.
func (m *Mock) FailNext(code string, retryable bool) *Mock {
	return m.Enqueue(&adapter.Result{
		Success: false,
		Error: &adapter.Error{
			Code:      code,
			Message:   "scripted failure",
			Adapter:   m.name,
			Retryable: retryable,
		},
	}, nil)
}

func (m *Mock) Name() string    { return m.name }
func (m *Mock) Version() string { return "1.0.0" }

func (m *Mock) SupportedActions() []actions.Action { return m.acts }

func (m *Mock) Initialize(ctx context.Context, config map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *Mock) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsValidation: true,
		SupportsRollback:   true,
		MaxConcurrency:     m.maxConc,
	}
}

func (m *Mock) HealthCheck(ctx context.Context) adapter.Health { return m.health }

func (m *Mock) ValidateParameters(act actions.Action, params map[string]any) error {
	for _, key := range m.required[act] {
		v, ok := params[key]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("missing required parameter %q for %s", key, act)
		}
	}
	return nil
}

func (m *Mock) Execute(ctx context.Context, req adapter.Request) (*adapter.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var next *scripted
	if len(m.script) > 0 {
		s := m.script[0]
		m.script = m.script[1:]
		next = &s
	}
	m.mu.Unlock()

	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if next != nil {
		if next.res != nil {
			next.res.Action = req.Action
			if next.res.Error != nil {
				next.res.Error.Action = req.Action
				next.res.Error.StepID = req.StepID
			}
		}
		return next.res, next.err
	}

	if err := m.ValidateParameters(req.Action, req.Params); err != nil {
		return adapter.FailureResult(m.name, req, &adapter.Error{
			Code:      adapter.CodeBadParams,
			Message:   err.Error(),
			Adapter:   m.name,
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}

	res := &adapter.Result{
		Success:  true,
		Action:   req.Action,
		Executor: m.name,
		Output:   m.cannedOutput(req.Action, req.Params),
	}
	switch req.Mode {
	case actions.ModeDryRun:
		res.Output = map[string]any{"valid": true, "action": string(req.Action)}
		res.Metadata = map[string]any{"dry_run": true}
	case actions.ModeSimulation:
		res.Metadata = map[string]any{"simulated": true}
	}
	return res, nil
}

// Rollback records the compensation request and reports success.
func (m *Mock) Rollback(ctx context.Context, req adapter.Request) (*adapter.Result, error) {
	m.mu.Lock()
	m.rollbacks = append(m.rollbacks, req)
	m.mu.Unlock()
	return &adapter.Result{
		Success:  true,
		Action:   req.Action,
		Executor: m.name,
		Output:   map[string]any{"rolled_back": true, "action": string(req.Action)},
	}, nil
}

// Calls returns every execute request seen so far.
func (m *Mock) Calls() []adapter.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapter.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Rollbacks returns every rollback request seen so far.
func (m *Mock) Rollbacks() []adapter.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapter.Request, len(m.rollbacks))
	copy(out, m.rollbacks)
	return out
}

// CallsFor counts execute requests for one action.
func (m *Mock) CallsFor(act actions.Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Action == act {
			n++
		}
	}
	return n
}

// ProductionCalls counts execute requests dispatched in production mode.
func (m *Mock) ProductionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Mode == actions.ModeProduction {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and any unconsumed script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.rollbacks = nil
	m.script = nil
}

func (m *Mock) cannedOutput(act actions.Action, params map[string]any) any {
	if out, ok := m.outputs[act]; ok {
		return out
	}
	out := map[string]any{"action": string(act), "status": "ok"}
	if len(params) > 0 {
		out["params"] = params
	}
	return out
}

func defaultRequiredParams() map[actions.Action][]string {
	return map[actions.Action][]string{
		actions.QuerySIEM:     {"query"},
		actions.IsolateHost:   {"hostname"},
		actions.BlockIP:       {"ip"},
		actions.BlockDomain:   {"domain"},
		actions.CreateTicket:  {"title"},
		actions.NotifyAnalyst: {"message"},
		actions.NotifyOncall:  {"message"},
		actions.DeleteFile:    {"path"},
		actions.KillProcess:   {"process"},
		actions.ExecuteScript: {"script"},
	}
}
