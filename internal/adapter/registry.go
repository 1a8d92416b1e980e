package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/actions"
)

// BreakerOptions tune the per-adapter circuit breaker.
type BreakerOptions struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive successes required in half-open
	// before the breaker closes again.
	SuccessThreshold int
}

// DefaultBreakerOptions returns the stock breaker tuning.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	def := DefaultBreakerOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = def.ResetTimeout
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = def.SuccessThreshold
	}
	return o
}

type entry struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
	// sem bounds in-flight calls when the adapter declares MaxConcurrency.
	sem chan struct{}
}

// Registry routes actions to registered adapters. Every dispatch passes
// through the adapter's circuit breaker and concurrency ceiling.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*entry
	byAction map[actions.Action][]string
	breaker  BreakerOptions
	logger   *zap.Logger
}

// NewRegistry builds an empty registry. A nil logger disables logging.
func NewRegistry(breaker BreakerOptions, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]*entry),
		byAction: make(map[actions.Action][]string),
		breaker:  breaker.withDefaults(),
		logger:   logger,
	}
}

// Register initializes the adapter and makes it routable. Names are unique;
// re-registering a live name is an error.
func (r *Registry) Register(ctx context.Context, a Adapter, config map[string]any) error {
	name := a.Name()
	if name == "" {
		return errors.New("adapter name must not be empty")
	}

	r.mu.Lock()
	if _, ok := r.adapters[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.mu.Unlock()

	// Initialize outside the lock so a slow adapter does not stall routing.
	if err := a.Initialize(ctx, config); err != nil {
		return fmt.Errorf("initialize adapter %q: %w", name, err)
	}

	e := &entry{
		adapter: a,
		breaker: r.newBreaker(name),
	}
	if caps := a.Capabilities(); caps.MaxConcurrency > 0 {
		e.sem = make(chan struct{}, caps.MaxConcurrency)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = e
	for _, act := range a.SupportedActions() {
		r.byAction[act] = append(r.byAction[act], name)
		sort.Strings(r.byAction[act])
	}
	r.logger.Info("adapter registered",
		zap.String("adapter", name),
		zap.String("version", a.Version()),
		zap.Int("actions", len(a.SupportedActions())))
	return nil
}

// Unregister shuts the adapter down (when it can) and removes it.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.adapters[name]
	if ok {
		delete(r.adapters, name)
		for act, names := range r.byAction {
			r.byAction[act] = removeString(names, name)
			if len(r.byAction[act]) == 0 {
				delete(r.byAction, act)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("adapter %q not registered", name)
	}
	if s, ok := e.adapter.(Shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			r.logger.Warn("adapter shutdown failed", zap.String("adapter", name), zap.Error(err))
		}
	}
	r.logger.Info("adapter unregistered", zap.String("adapter", name))
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Names lists registered adapter names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForAction lists adapters that support the action, sorted by name.
func (r *Registry) ForAction(act actions.Action) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byAction[act]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// ValidateParameters runs the named adapter's parameter validation.
func (r *Registry) ValidateParameters(name string, act actions.Action, params map[string]any) error {
	a, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("adapter %q not registered", name)
	}
	if !Supports(a, act) {
		return fmt.Errorf("adapter %q does not support action %q", name, act)
	}
	return a.ValidateParameters(act, params)
}

// Execute dispatches one request through the adapter's concurrency ceiling
// and circuit breaker. Structured failures come back inside the Result; the
// error return carries transport-level failures and breaker rejections.
func (r *Registry) Execute(ctx context.Context, name string, req Request) (*Result, error) {
	r.mu.RLock()
	e, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", name)
	}
	if !Supports(e.adapter, req.Action) {
		return FailureResult(name, req, &Error{
			Code:      CodeBadParams,
			Message:   fmt.Sprintf("action %q not supported", req.Action),
			Adapter:   name,
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	raw, err := e.breaker.Execute(func() (any, error) {
		res, execErr := e.adapter.Execute(ctx, req)
		if execErr != nil {
			return nil, execErr
		}
		if res != nil && res.Error != nil && res.Error.Retryable {
			// Transient structured failures count against the breaker but
			// the result still travels back to the caller.
			return res, res.Error
		}
		return res, nil
	})
	elapsed := time.Since(start).Milliseconds()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return FailureResult(name, req, &Error{
			Code:      CodeCircuitOpen,
			Message:   fmt.Sprintf("adapter %q circuit open", name),
			Adapter:   name,
			Action:    req.Action,
			Retryable: true,
			StepID:    req.StepID,
		}), nil
	}

	res, _ := raw.(*Result)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("adapter %q returned no result", name)
		}
		return nil, err
	}
	if res.DurationMS == 0 {
		res.DurationMS = elapsed
	}
	if res.Executor == "" {
		res.Executor = name
	}
	return res, nil
}

// Rollback invokes the adapter's compensation path.
func (r *Registry) Rollback(ctx context.Context, name string, req Request) (*Result, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", name)
	}
	rb, ok := a.(Rollbacker)
	if !ok {
		return nil, fmt.Errorf("adapter %q does not support rollback", name)
	}
	return rb.Rollback(ctx, req)
}

// BreakerState exposes the adapter's breaker state for health reporting.
func (r *Registry) BreakerState(name string) (gobreaker.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[name]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return e.breaker.State(), true
}

// HealthCheckAll probes every adapter concurrently and returns a snapshot
// keyed by adapter name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]Health {
	r.mu.RLock()
	targets := make(map[string]Adapter, len(r.adapters))
	for name, e := range r.adapters {
		targets[name] = e.adapter
	}
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]Health, len(targets))
	)
	for name, a := range targets {
		wg.Add(1)
		go func(name string, a Adapter) {
			defer wg.Done()
			start := time.Now()
			h := a.HealthCheck(ctx)
			if h.Status == "" {
				h.Status = UnknownHealth
			}
			if h.LatencyMS == 0 {
				h.LatencyMS = time.Since(start).Milliseconds()
			}
			if h.CheckedAt.IsZero() {
				h.CheckedAt = time.Now().UTC()
			}
			mu.Lock()
			out[name] = h
			mu.Unlock()
		}(name, a)
	}
	wg.Wait()
	return out
}

// ShutdownAll shuts every adapter down best-effort and empties the registry.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.adapters
	r.adapters = make(map[string]*entry)
	r.byAction = make(map[actions.Action][]string)
	r.mu.Unlock()

	for name, e := range entries {
		if s, ok := e.adapter.(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				r.logger.Warn("adapter shutdown failed", zap.String("adapter", name), zap.Error(err))
			}
		}
	}
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	opts := r.breaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(opts.SuccessThreshold),
		Timeout:     opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(opts.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("adapter circuit state change",
				zap.String("adapter", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, s := range in {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Process-wide default registry.
var (
	defaultMu       sync.RWMutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultMu.RLock()
	r := defaultRegistry
	defaultMu.RUnlock()
	if r != nil {
		return r
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(DefaultBreakerOptions(), nil)
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// ResetDefault clears the process-wide registry. Intended for tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = nil
}
