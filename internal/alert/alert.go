// Package alert defines the normalized alert event the detection pipeline
// hands to the engine, and its minimum-validity check. The engine never
// rejects unknown fields: the raw document travels with the parsed form so
// playbook templates can reference anything the producer sent.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds the detection pipeline emits.
const (
	KindAlert  = "alert"
	KindEvent  = "event"
	KindMetric = "metric"
)

// Event is a normalized detection event.
type Event struct {
	Timestamp string `json:"@timestamp"`
	Event     *Core  `json:"event"`

	Host        *Host     `json:"host,omitempty"`
	Source      *Endpoint `json:"source,omitempty"`
	Destination *Endpoint `json:"destination,omitempty"`
	Process     *Process  `json:"process,omitempty"`
	File        *File     `json:"file,omitempty"`
	User        *User     `json:"user,omitempty"`
	Threat      *Threat   `json:"threat,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Pipeline    *Pipeline `json:"x-detectforge,omitempty"`

	raw map[string]any
}

// Core is the mandatory event block.
type Core struct {
	Kind      string   `json:"kind,omitempty"`
	Category  []string `json:"category,omitempty"`
	Type      []string `json:"type,omitempty"`
	Severity  float64  `json:"severity,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	RiskScore float64  `json:"risk_score,omitempty"`
}

// Host describes the affected host.
type Host struct {
	Hostname string   `json:"hostname,omitempty"`
	IP       []string `json:"ip,omitempty"`
	OS       string   `json:"os,omitempty"`
	ID       string   `json:"id,omitempty"`
}

// Endpoint is one side of a network flow.
type Endpoint struct {
	IP     string `json:"ip,omitempty"`
	Port   int    `json:"port,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Process describes the offending process.
type Process struct {
	Name        string `json:"name,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Executable  string `json:"executable,omitempty"`
	CommandLine string `json:"command_line,omitempty"`
}

// File describes the offending file.
type File struct {
	Name string            `json:"name,omitempty"`
	Path string            `json:"path,omitempty"`
	Size int64             `json:"size,omitempty"`
	Hash map[string]string `json:"hash,omitempty"`
}

// User describes the implicated account.
type User struct {
	Name   string `json:"name,omitempty"`
	ID     string `json:"id,omitempty"`
	Domain string `json:"domain,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Threat carries ATT&CK mapping and an optional indicator.
type Threat struct {
	Framework string      `json:"framework,omitempty"`
	Technique []Reference `json:"technique,omitempty"`
	Tactic    []Reference `json:"tactic,omitempty"`
	Indicator *Indicator  `json:"indicator,omitempty"`
}

// Reference is an id+name pair (technique or tactic).
type Reference struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Indicator is an observed IOC.
type Indicator struct {
	Type        string `json:"type,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// Pipeline is the optional x-detectforge metadata block.
type Pipeline struct {
	RuleID           string `json:"rule_id,omitempty"`
	RuleName         string `json:"rule_name,omitempty"`
	RuleVersion      string `json:"rule_version,omitempty"`
	GeneratedAt      string `json:"generated_at,omitempty"`
	Confidence       string `json:"confidence,omitempty"`
	SuggestedRunbook string `json:"suggested_runbook,omitempty"`
}

var (
	// ErrMissingTimestamp means @timestamp is absent, empty, or not a string.
	ErrMissingTimestamp = errors.New("alert missing @timestamp")
	// ErrMissingEvent means the event block is absent or not an object.
	ErrMissingEvent = errors.New("alert missing event object")
)

// Parse decodes a single JSON alert document and applies the minimum-validity
// check: @timestamp must be a non-empty string and event must be an object.
// Everything else is optional; unknown fields are preserved in Raw.
func Parse(data []byte) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	if err := checkMinimum(raw); err != nil {
		return nil, err
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	ev.raw = raw
	return &ev, nil
}

// FromMap builds an Event from an already-decoded JSON document, applying
// the same minimum-validity check as Parse. The document itself becomes the
// raw layer seen by templates. Array intake hands items over as maps.
func FromMap(doc map[string]any) (*Event, error) {
	if err := checkMinimum(doc); err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	ev.raw = doc
	return &ev, nil
}

func checkMinimum(raw map[string]any) error {
	ts, ok := raw["@timestamp"].(string)
	if !ok || ts == "" {
		return ErrMissingTimestamp
	}
	if _, ok := raw["event"].(map[string]any); !ok {
		return ErrMissingEvent
	}
	return nil
}

// Raw returns the decoded document as generic JSON. The returned map is the
// event's own copy; callers treat it as read-only.
func (e *Event) Raw() map[string]any {
	if e.raw == nil && e != nil {
		// Events constructed in code rather than parsed still need a raw view
		// for template resolution.
		data, err := json.Marshal(e)
		if err != nil {
			return map[string]any{}
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return map[string]any{}
		}
		e.raw = raw
	}
	return e.raw
}

// Severity returns the event severity, 0 when unset.
func (e *Event) Severity() float64 {
	if e.Event == nil {
		return 0
	}
	return e.Event.Severity
}

// TechniqueIDs returns the ATT&CK technique ids on the threat block.
func (e *Event) TechniqueIDs() []string {
	if e.Threat == nil {
		return nil
	}
	ids := make([]string, 0, len(e.Threat.Technique))
	for _, t := range e.Threat.Technique {
		if t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// SuggestedRunbook returns the pipeline's runbook hint, empty when absent.
func (e *Event) SuggestedRunbook() string {
	if e.Pipeline == nil {
		return ""
	}
	return e.Pipeline.SuggestedRunbook
}
