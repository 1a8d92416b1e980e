// Package engine is the orchestrator: it resolves an alert to a runbook,
// enforces policy, schedules steps across dependency levels, gates writes
// behind approvals, queues L2 writes as simulated promotions, and drives
// the execution state machine with an atomically persisted audit chain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/approval"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/executor"
	"github.com/detectforge/responder/internal/llm"
	"github.com/detectforge/responder/internal/metrics"
	"github.com/detectforge/responder/internal/policy"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/signing"
	"github.com/detectforge/responder/internal/store"
)

// Stable engine-level error codes beyond the execution package's own.
const (
	CodeApprovalDenied  = "approval_denied"
	CodeApprovalExpired = "approval_expired"
	CodeNoRunbook       = "no_runbook"
)

// l2QueueTTL is how long a queued L2 promotion stays actionable.
const l2QueueTTL = 24 * time.Hour

// ErrNoRunbook means resolution found nothing to run.
var ErrNoRunbook = errors.New("no runbook matched alert")

// ErrNotActive means the execution is not currently running in this process.
var ErrNotActive = errors.New("execution not active")

// ConfirmationError carries an advisory runbook suggestion that a human must
// confirm before execution. The caller re-submits with an explicit id.
type ConfirmationError struct {
	Suggestion *llm.Suggestion
	Candidates []string
}

func (e *ConfirmationError) Error() string {
	if e.Suggestion != nil {
		return fmt.Sprintf("runbook selection requires confirmation: suggested %s (%s)",
			e.Suggestion.RunbookID, e.Suggestion.Confidence)
	}
	return fmt.Sprintf("runbook selection requires confirmation: %d candidates", len(e.Candidates))
}

// RunRequest is one orchestration request: an alert plus selection and
// execution options.
type RunRequest struct {
	// Alert is the triggering event. Required unless RunbookPath selects a
	// playbook directly and the playbook needs no alert fields.
	Alert *alert.Event
	// RunbookID selects a playbook by id from the playbook directory.
	RunbookID string
	// RunbookPath loads a playbook file directly, bypassing resolution.
	RunbookPath string
	// Mode defaults to production.
	Mode actions.Mode
	// Level overrides the playbook's automation_level when set.
	Level actions.Level
	// EnableL2 is the explicit opt-in required to run at L2.
	EnableL2 bool
	// Admin enables policy admin overrides.
	Admin bool
	// TimeoutMS overrides the playbook's max_execution_time when positive.
	TimeoutMS int64
	// Vars seed the execution context under the context layer.
	Vars map[string]any
}

// Options configure an Engine.
type Options struct {
	Store    *store.Store
	Registry *adapter.Registry
	Loader   *runbook.Loader
	Policy   *policy.Policy
	Executor *executor.Executor
	Bus      *events.Bus
	Metrics  *metrics.Set
	Advisor  *llm.Advisor
	// Prompt is the approval transport. Nil blocks until timeout, so the
	// gate's timeout behavior decides.
	Prompt approval.PromptFunc
	Logger *zap.Logger
	// PlaybookDir is searched during runbook resolution.
	PlaybookDir string
	// MaxParallel is the engine-wide ceiling on concurrent steps within one
	// execution level. Zero means 4.
	MaxParallel int
	// ApprovalBehavior picks the gate timeout outcome (default halt).
	ApprovalBehavior approval.Behavior
	// ApprovalTimeout is the gate wait for playbooks that set no
	// approval_timeout of their own (default 5 minutes).
	ApprovalTimeout time.Duration
	// Signer, when set, receipts L2 promotions in the audit payload.
	Signer *signing.Signer
	Now    func() time.Time
}

// Engine orchestrates executions end to end.
type Engine struct {
	store    *store.Store
	registry *adapter.Registry
	loader   *runbook.Loader
	policy   *policy.Policy
	exec     *executor.Executor
	bus      *events.Bus
	metrics  *metrics.Set
	advisor  *llm.Advisor
	prompt   approval.PromptFunc
	logger   *zap.Logger

	playbookDir      string
	maxParallel      int
	approvalBehavior approval.Behavior
	approvalTimeout  time.Duration
	signer           *signing.Signer
	now              func() time.Time

	mu     sync.Mutex
	active map[string]*controller
	wg     sync.WaitGroup
}

// New builds an Engine. Store is required; everything else has defaults.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = adapter.Default()
	}
	if opts.Loader == nil {
		opts.Loader = runbook.NewLoader(opts.Logger)
	}
	if opts.Policy == nil {
		opts.Policy = policy.Default()
	}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.Options{
			Registry: opts.Registry,
			Logger:   opts.Logger,
		})
	}
	if opts.Prompt == nil {
		opts.Prompt = blockingPrompt
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.ApprovalBehavior == "" {
		opts.ApprovalBehavior = approval.BehaviorHalt
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = approval.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:            opts.Store,
		registry:         opts.Registry,
		loader:           opts.Loader,
		policy:           opts.Policy,
		exec:             opts.Executor,
		bus:              opts.Bus,
		metrics:          opts.Metrics,
		advisor:          opts.Advisor,
		prompt:           opts.Prompt,
		logger:           opts.Logger,
		playbookDir:      opts.PlaybookDir,
		maxParallel:      opts.MaxParallel,
		approvalBehavior: opts.ApprovalBehavior,
		approvalTimeout:  opts.ApprovalTimeout,
		signer:           opts.Signer,
		now:              opts.Now,
		active:           map[string]*controller{},
	}, nil
}

// blockingPrompt is the default approval transport: nobody to ask, so it
// waits for the gate's own timeout.
func blockingPrompt(ctx context.Context, _ approval.Details) (approval.Decision, error) {
	<-ctx.Done()
	return approval.Decision{}, ctx.Err()
}

// Run executes a request to completion and returns the finished execution.
// The returned error covers resolution and persistence failures only; a
// failed execution is a result, not an error.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*execution.Execution, error) {
	rs, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	rs.run(ctx, nil)
	return rs.exec, nil
}

// Start persists the execution in planning state and continues it in the
// background. The returned execution carries the id a caller needs to
// follow progress.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*execution.Execution, error) {
	rs, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rs.run(context.WithoutCancel(ctx), nil)
	}()
	return rs.exec, nil
}

// prepare resolves, validates, persists the planning row, and registers the
// execution controller. After prepare succeeds the execution exists durably.
func (e *Engine) prepare(ctx context.Context, req RunRequest) (*runState, error) {
	rb, resolvedBy, err := e.resolveRunbook(ctx, req)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = actions.ModeProduction
	}
	level := req.Level
	if level == "" {
		level = rb.Config.AutomationLevel
	}

	var alertDoc map[string]any
	if req.Alert != nil {
		alertDoc = req.Alert.Raw()
	}
	ectx := execution.NewContext(alertDoc, req.Vars, nil)

	now := e.now()
	exec := execution.New(rb.ID, rb.Version, rb.Metadata.Name, mode, level, ectx, now)
	if err := exec.Transition(execution.StatePlanning, now); err != nil {
		return nil, err
	}

	chain := audit.NewChain(exec.ID)
	transitionEntry, err := chain.Append(audit.KindStateTransition, map[string]any{
		"from": string(execution.StateIdle),
		"to":   string(execution.StatePlanning),
	}, now)
	if err != nil {
		return nil, err
	}
	startEntry, err := chain.Append(audit.KindSystem, map[string]any{
		"event":       "start",
		"runbook_id":  rb.ID,
		"mode":        string(mode),
		"level":       string(level),
		"resolved_by": resolvedBy,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateExecution(ctx, exec, transitionEntry, startEntry); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}
	e.metrics.RecordAuditEntries(2)

	deadline := rb.Config.MaxExecutionDuration()
	if req.TimeoutMS > 0 {
		deadline = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	rs := &runState{
		e:          e,
		req:        req,
		rb:         rb,
		exec:       exec,
		chain:      chain,
		level:      level,
		mode:       mode,
		resolvedBy: resolvedBy,
	}
	rs.ctrl = e.register(exec.ID, deadline)

	e.logger.Info("execution planned",
		zap.String("execution_id", exec.ID),
		zap.String("runbook_id", rb.ID),
		zap.String("mode", string(mode)),
		zap.String("level", string(level)),
		zap.String("resolved_by", resolvedBy),
	)
	return rs, nil
}

// resolveRunbook implements the selection ladder: explicit path, explicit id
// (including the detection pipeline's suggested_runbook), unique technique
// match, then advisory LLM suggestion that a human must confirm.
func (e *Engine) resolveRunbook(ctx context.Context, req RunRequest) (*runbook.Runbook, string, error) {
	if req.RunbookPath != "" {
		rb, err := e.loader.LoadFile(req.RunbookPath)
		if err != nil {
			return nil, "", err
		}
		return rb, "path", nil
	}

	books, loadErrs, err := e.loader.LoadDir(e.playbookDir)
	if err != nil {
		return nil, "", fmt.Errorf("load playbook dir: %w", err)
	}
	for path, lerr := range loadErrs {
		e.logger.Warn("skipping invalid playbook", zap.String("path", path), zap.Error(lerr))
	}

	byID := func(id string) *runbook.Runbook {
		for _, rb := range books {
			if rb.ID == id {
				return rb
			}
		}
		return nil
	}

	if req.RunbookID != "" {
		if rb := byID(req.RunbookID); rb != nil {
			return rb, "explicit", nil
		}
		return nil, "", fmt.Errorf("runbook %q not found in %s", req.RunbookID, e.playbookDir)
	}
	if req.Alert == nil {
		return nil, "", errors.New("no runbook selector and no alert to match")
	}
	if hint := req.Alert.SuggestedRunbook(); hint != "" {
		if rb := byID(hint); rb != nil {
			return rb, "pipeline", nil
		}
		e.logger.Warn("pipeline suggested unknown runbook", zap.String("runbook_id", hint))
	}

	matches := runbook.MatchByTechnique(books, req.Alert)
	if len(matches) == 1 {
		return matches[0], "technique", nil
	}

	candidates := matches
	if len(candidates) == 0 {
		candidates = books
	}
	if len(candidates) == 0 {
		return nil, "", ErrNoRunbook
	}

	confirm := &ConfirmationError{}
	for _, rb := range candidates {
		confirm.Candidates = append(confirm.Candidates, rb.ID)
	}
	if e.advisor.Enabled() {
		llmCandidates := make([]llm.Candidate, 0, len(candidates))
		for _, rb := range candidates {
			llmCandidates = append(llmCandidates, llm.Candidate{
				ID:         rb.ID,
				Name:       rb.Metadata.Name,
				Techniques: rb.Triggers.MitreTechniques,
			})
		}
		suggestion, serr := e.advisor.SuggestRunbook(ctx, req.Alert, llmCandidates)
		if serr != nil {
			e.logger.Warn("llm suggestion failed", zap.Error(serr))
		} else {
			confirm.Suggestion = suggestion
		}
	}
	return nil, "", confirm
}

// Cancel requests cooperative cancellation of an active execution.
func (e *Engine) Cancel(executionID, reason string) error {
	e.mu.Lock()
	ctrl, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", executionID, ErrNotActive)
	}
	if reason == "" {
		reason = "cancel requested"
	}
	ctrl.abort(abortCancel, reason)
	return nil
}

// Active returns the ids of executions currently running in this process.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown aborts every active execution and waits for them to settle or
// for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, ctrl := range e.active {
		ctrl.abort(abortCancel, "engine shutdown")
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) register(executionID string, deadline time.Duration) *controller {
	ctrl := &controller{executionID: executionID}
	if deadline > 0 {
		ctrl.timer = time.AfterFunc(deadline, func() {
			ctrl.abort(abortTimeout, fmt.Sprintf("max execution time %s exceeded", deadline))
		})
	}
	e.mu.Lock()
	e.active[executionID] = ctrl
	e.mu.Unlock()
	return ctrl
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	ctrl, ok := e.active[executionID]
	delete(e.active, executionID)
	e.mu.Unlock()
	if ok && ctrl.timer != nil {
		ctrl.timer.Stop()
	}
}

func (e *Engine) publish(t events.EventType, executionID, summary string, detail any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:        t,
		ExecutionID: executionID,
		Summary:     summary,
		Detail:      detail,
	})
}

// Abort kinds, in the order they map onto terminal states.
type abortKind int

const (
	abortNone abortKind = iota
	abortCancel
	abortTimeout
)

// controller tracks one active execution: its cooperative abort flag and
// the execution-level deadline timer. The first abort wins.
type controller struct {
	executionID string
	timer       *time.Timer

	mu     sync.Mutex
	kind   abortKind
	reason string
	cancel context.CancelFunc
}

func (c *controller) abort(kind abortKind, reason string) {
	c.mu.Lock()
	if c.kind != abortNone {
		c.mu.Unlock()
		return
	}
	c.kind = kind
	c.reason = reason
	cancel := c.cancel
	c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// bind attaches the run context's cancel func so an abort interrupts
// in-flight waits. If an abort already happened, cancel fires immediately.
func (c *controller) bind(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	fired := c.kind != abortNone
	c.mu.Unlock()
	if fired {
		cancel()
	}
}

func (c *controller) shouldAbort() (abortKind, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind, c.reason
}

// riskScore extracts the alert's risk score for policy checks, nil when the
// alert carries none.
func riskScore(ev *alert.Event) *float64 {
	if ev == nil || ev.Event == nil || ev.Event.RiskScore <= 0 {
		return nil
	}
	v := ev.Event.RiskScore
	return &v
}

// violationSummary flattens failed step checks into one error message.
func violationSummary(checks []policy.StepCheck) (code, message string) {
	var parts []string
	for _, c := range checks {
		if c.Result.Allowed {
			continue
		}
		for _, v := range c.Result.Violations {
			if v.Severity != policy.SeverityError {
				continue
			}
			if code == "" {
				code = v.Code
			}
			parts = append(parts, fmt.Sprintf("step %s: %s", c.StepID, v.Message))
		}
	}
	if code == "" {
		code = policy.CodeNoMatchingRule
	}
	return code, strings.Join(parts, "; ")
}

// requestID mints ids for approval requests.
func requestID() string {
	return uuid.NewString()
}
