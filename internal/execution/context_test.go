package execution

import (
	"reflect"
	"testing"
)

func testAlertDoc() map[string]any {
	return map[string]any{
		"@timestamp": "2026-03-14T08:12:44Z",
		"event":      map[string]any{"severity": float64(73)},
		"host":       map[string]any{"hostname": "ws-0419", "ip": []any{"10.20.4.19", "fe80::1"}},
	}
}

func TestContextLookup(t *testing.T) {
	ctx := NewContext(testAlertDoc(), map[string]any{"ticket": "IR-2209"}, map[string]string{"REGION": "eu-1"})

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"alert.host.hostname", "ws-0419", true},
		{"alert.event.severity", float64(73), true},
		{"alert.host.ip.0", "10.20.4.19", true},
		{"alert.host.ip.1", "fe80::1", true},
		{"alert.host.ip.7", nil, false},
		{"alert.missing", nil, false},
		{"context.ticket", "IR-2209", true},
		{"context.other", nil, false},
		{"env.REGION", "eu-1", true},
		{"env.ABSENT", nil, false},
		{"nosuchlayer.x", nil, false},
	}
	for _, tt := range cases {
		got, ok := ctx.Lookup(tt.path)
		if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Lookup(%q) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestContextCopyOnWrite(t *testing.T) {
	base := NewContext(testAlertDoc(), nil, nil)

	next := base.WithStepOutput("step-01", map[string]any{"event_count": float64(2)})
	if next == base {
		t.Fatal("WithStepOutput must return a new snapshot")
	}

	// New snapshot sees the output, old one does not.
	if v, ok := next.Lookup("steps.step-01.output.event_count"); !ok || v != float64(2) {
		t.Errorf("new snapshot lookup = (%v, %v)", v, ok)
	}
	if _, ok := base.Lookup("steps.step-01.output"); ok {
		t.Error("old snapshot sees new output")
	}

	// Successors layer on top without disturbing predecessors.
	third := next.WithStepOutput("step-02", "done")
	if v, ok := third.Lookup("steps.step-01.output.event_count"); !ok || v != float64(2) {
		t.Errorf("predecessor output lost: (%v, %v)", v, ok)
	}
	if _, ok := next.Lookup("steps.step-02.output"); ok {
		t.Error("sibling snapshot contaminated")
	}

	withVar := third.WithVar("verdict", "contained")
	if v, ok := withVar.Lookup("context.verdict"); !ok || v != "contained" {
		t.Errorf("var lookup = (%v, %v)", v, ok)
	}
	if _, ok := third.Lookup("context.verdict"); ok {
		t.Error("WithVar mutated parent")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := NewContext(testAlertDoc(), map[string]any{"k": "v"}, map[string]string{"A": "1"})
	ctx = ctx.WithStepOutput("s1", map[string]any{"n": float64(3)})

	restored := FromSnapshot(ctx.Snapshot())

	for _, path := range []string{"alert.host.hostname", "steps.s1.output.n", "context.k", "env.A"} {
		want, _ := ctx.Lookup(path)
		got, ok := restored.Lookup(path)
		if !ok || !reflect.DeepEqual(got, want) {
			t.Errorf("restored Lookup(%q) = (%v, %v), want %v", path, got, ok, want)
		}
	}
}

func TestRecordResultAdvancesContext(t *testing.T) {
	e := &Execution{State: StateExecuting, Context: NewContext(testAlertDoc(), nil, nil)}

	e.RecordResult(StepResult{StepID: "s1", Success: true, Output: map[string]any{"hits": float64(2)}})
	if v, ok := e.Context.Lookup("steps.s1.output.hits"); !ok || v != float64(2) {
		t.Errorf("context not advanced: (%v, %v)", v, ok)
	}

	// Failed and skipped results do not publish output.
	e.RecordResult(StepResult{StepID: "s2", Success: false, Output: "partial"})
	if _, ok := e.Context.Lookup("steps.s2.output"); ok {
		t.Error("failed step published output")
	}
	e.RecordResult(StepResult{StepID: "s3", Success: true, Skipped: true})
	if _, ok := e.Context.Lookup("steps.s3.output"); ok {
		t.Error("skipped step published output")
	}

	if _, ok := e.ResultFor("s2"); !ok {
		t.Error("ResultFor lost s2")
	}
}
