// Package runbook defines the declarative playbook schema, its YAML loader
// with per-path caching, structural validation including dependency-graph
// checks, and alert→runbook trigger matching.
package runbook

import (
	"time"

	"github.com/detectforge/responder/internal/actions"
)

// Runbook is one declarative playbook: trigger conditions, execution config,
// and an ordered list of steps forming a dependency DAG.
type Runbook struct {
	ID       string   `yaml:"id" json:"id"`
	Version  string   `yaml:"version" json:"version"`
	Metadata Metadata `yaml:"metadata" json:"metadata"`
	Triggers Triggers `yaml:"triggers" json:"triggers"`
	Config   Config   `yaml:"config" json:"config"`
	Steps    []Step   `yaml:"steps" json:"steps"`
}

// Metadata describes the playbook for humans and inventory tooling.
type Metadata struct {
	Name       string   `yaml:"name" json:"name"`
	Author     string   `yaml:"author,omitempty" json:"author,omitempty"`
	Created    string   `yaml:"created,omitempty" json:"created,omitempty"`
	Updated    string   `yaml:"updated,omitempty" json:"updated,omitempty"`
	Tags       []string `yaml:"tags" json:"tags"`
	References []string `yaml:"references,omitempty" json:"references,omitempty"`
}

// Triggers describe which alerts this playbook responds to.
type Triggers struct {
	DetectionSources []string `yaml:"detection_sources" json:"detection_sources"`
	MitreTechniques  []string `yaml:"mitre_techniques" json:"mitre_techniques"`
	Platforms        []string `yaml:"platforms" json:"platforms"`
	Severities       []string `yaml:"severities,omitempty" json:"severities,omitempty"`
}

// Config is the execution configuration block.
type Config struct {
	AutomationLevel   actions.Level `yaml:"automation_level" json:"automation_level"`
	MaxExecutionTime  int           `yaml:"max_execution_time" json:"max_execution_time"` // seconds
	RequiresApproval  bool          `yaml:"requires_approval" json:"requires_approval"`
	ApprovalTimeout   int           `yaml:"approval_timeout,omitempty" json:"approval_timeout,omitempty"` // seconds
	ParallelExecution bool          `yaml:"parallel_execution,omitempty" json:"parallel_execution,omitempty"`
	RollbackOnFailure bool          `yaml:"rollback_on_failure,omitempty" json:"rollback_on_failure,omitempty"`
}

// MaxExecutionDuration returns the execution deadline as a duration.
func (c Config) MaxExecutionDuration() time.Duration {
	return time.Duration(c.MaxExecutionTime) * time.Second
}

// ApprovalTimeoutDuration returns the approval wait, defaulting to 5 minutes
// when the playbook does not set one.
func (c Config) ApprovalTimeoutDuration() time.Duration {
	if c.ApprovalTimeout <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ApprovalTimeout) * time.Second
}

// OnError selects the step failure policy.
type OnError string

const (
	OnErrorHalt     OnError = "halt"
	OnErrorContinue OnError = "continue"
	OnErrorSkip     OnError = "skip"
)

// Step is one action invocation in the playbook DAG.
type Step struct {
	ID               string         `yaml:"id" json:"id"`
	Name             string         `yaml:"name" json:"name"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Action           actions.Action `yaml:"action" json:"action"`
	Executor         string         `yaml:"executor" json:"executor"`
	Parameters       map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	ApprovalRequired *bool          `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	Rollback         *Rollback      `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	OnError          OnError        `yaml:"on_error" json:"on_error"`
	Timeout          int            `yaml:"timeout" json:"timeout"` // seconds, 5-600
	DependsOn        []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition        string         `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// TimeoutDuration returns the per-step timeout as a duration.
func (s Step) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// Rollback is the compensating action a step declares for use when a later
// step fails.
type Rollback struct {
	Action     actions.Action `yaml:"action" json:"action"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Timeout    int            `yaml:"timeout" json:"timeout"` // seconds, 5-600
	OnError    OnError        `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// StepByID returns the step with the given id.
func (r *Runbook) StepByID(id string) (*Step, bool) {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// Summary is the lightweight listing view of a playbook file: enough for an
// inventory table without running full validation.
type Summary struct {
	Path            string        `json:"path"`
	ID              string        `json:"id,omitempty"`
	Name            string        `json:"name,omitempty"`
	Version         string        `json:"version,omitempty"`
	AutomationLevel actions.Level `json:"automation_level,omitempty"`
	Steps           int           `json:"steps"`
}
