package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/engine"
	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/security"
	"github.com/detectforge/responder/internal/store"
)

// defaultListLimit bounds unpaginated list responses.
const defaultListLimit = 100

// longPollCeiling caps the events route wait.
const longPollCeiling = 60 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   s.version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// ── Executions ───────────────────────────────────────────────

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ExecutionFilter{
		RunbookID: q.Get("runbook"),
		Limit:     defaultListLimit,
	}
	for _, raw := range strings.Split(q.Get("state"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st := execution.State(strings.ToLower(raw))
		if !execution.Known(st) {
			writeJSONError(w, http.StatusBadRequest, "invalid_state",
				fmt.Sprintf("unknown state %q", raw))
			return
		}
		f.States = append(f.States, st)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}
	since, ok := s.parseWindow(w, q)
	if !ok {
		return
	}
	f.Since = since

	execs, err := s.store.ListExecutions(r.Context(), f)
	if err != nil {
		s.internalError(w, "list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, executionDetail(exec))
}

func (s *Server) handleExecutionAudit(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}

	entries, err := s.store.AuditEntries(r.Context(), exec.ID)
	if err != nil {
		s.internalError(w, "load audit", err)
		return
	}

	resp := map[string]any{
		"execution_id": exec.ID,
		"entries":      entries,
		"count":        len(entries),
	}
	if q := r.URL.Query().Get("verify"); q == "1" || q == "true" {
		if err := s.store.VerifyAudit(r.Context(), exec.ID); err != nil {
			resp["verified"] = false
			resp["verify_error"] = err.Error()
		} else {
			resp["verified"] = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExecutionEvents long-polls the audit tail. after=N returns entries
// with sequence > N; when there are none and the execution is still live,
// the handler waits for bus activity on the execution before re-reading,
// up to the timeout.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var after int64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_after", "after must be a non-negative integer")
			return
		}
		after = n
	}
	wait := 25 * time.Second
	if raw := q.Get("timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a non-negative integer of seconds")
			return
		}
		wait = time.Duration(n) * time.Second
		if wait > longPollCeiling {
			wait = longPollCeiling
		}
	}

	entries, err := s.auditTail(r, exec.ID, after)
	if err != nil {
		s.internalError(w, "load audit", err)
		return
	}

	if len(entries) == 0 && wait > 0 && !exec.State.Terminal() && s.bus != nil {
		subID := "api-events-" + uuid.NewString()
		ch := s.bus.Subscribe(subID)
		defer s.bus.Unsubscribe(subID)

		timer := time.NewTimer(wait)
		defer timer.Stop()
	poll:
		for {
			select {
			case evt, open := <-ch:
				if !open {
					break poll
				}
				if evt.ExecutionID == exec.ID {
					break poll
				}
			case <-timer.C:
				break poll
			case <-r.Context().Done():
				return
			}
		}
		if entries, err = s.auditTail(r, exec.ID, after); err != nil {
			s.internalError(w, "load audit", err)
			return
		}
		// State may have advanced while we waited.
		if fresh, err := s.store.GetExecution(r.Context(), exec.ID); err == nil {
			exec = fresh
		}
	}

	next := after
	if n := len(entries); n > 0 {
		next = entries[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": exec.ID,
		"state":        exec.State,
		"entries":      entries,
		"next":         next,
	})
}

func (s *Server) auditTail(r *http.Request, executionID string, after int64) ([]audit.Entry, error) {
	entries, err := s.store.AuditEntries(r.Context(), executionID)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	if err := s.engine.Cancel(exec.ID, body.Reason); err != nil {
		if errors.Is(err, engine.ErrNotActive) {
			writeJSONError(w, http.StatusConflict, "not_active",
				fmt.Sprintf("execution %s is not active (state %s)", exec.ID, exec.State))
			return
		}
		s.internalError(w, "cancel execution", err)
		return
	}

	s.logger.Info("cancellation requested",
		zap.String("execution_id", exec.ID), zap.String("reason", body.Reason))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": exec.ID,
		"status":       "cancelling",
	})
}

// ── Approvals ────────────────────────────────────────────────

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := store.ApprovalStatus(r.URL.Query().Get("status"))
	entries, err := s.store.ListApprovals(r.Context(), status, defaultListLimit)
	if err != nil {
		s.internalError(w, "list approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "approval not found")
			return
		}
		s.internalError(w, "get approval", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type decisionBody struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")

	var body decisionBody
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.Approver == "" {
		writeJSONError(w, http.StatusBadRequest, "approver_required", "approver is required")
		return
	}

	decided, err := s.store.DecideApproval(r.Context(), requestID, true, body.Approver, body.Reason, s.now())
	if err != nil {
		s.writeDecisionError(w, err)
		return
	}

	// A live gate needs no promotion: the suspended execution polls the
	// queue and resumes with the decision.
	if decided.Kind == store.ApprovalKindGate {
		writeJSON(w, http.StatusOK, map[string]any{"approval": decided})
		return
	}

	// Promotion: the recorded step runs in production. A failure leaves
	// the entry approved so the operator can retry.
	result, err := s.engine.ExecuteApproved(r.Context(), requestID)
	if err != nil {
		s.logger.Error("promotion failed",
			zap.String("request_id", requestID), zap.Error(err))
		entry, _ := s.store.GetApproval(r.Context(), requestID)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    security.ErrorMessage(err.Error()),
			"code":     "promotion_failed",
			"approval": entry,
		})
		return
	}

	entry, err := s.store.GetApproval(r.Context(), requestID)
	if err != nil {
		s.internalError(w, "reload approval", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval": entry,
		"result":   result,
	})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")

	var body decisionBody
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.Approver == "" {
		writeJSONError(w, http.StatusBadRequest, "approver_required", "approver is required")
		return
	}

	entry, err := s.store.DecideApproval(r.Context(), requestID, false, body.Approver, body.Reason, s.now())
	if err != nil {
		s.writeDecisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": entry})
}

// handleExpireApprovals sweeps the queue immediately instead of waiting for
// the next maintenance pass. Pending entries past their deadline flip to
// expired.
func (s *Server) handleExpireApprovals(w http.ResponseWriter, r *http.Request) {
	expired, err := s.store.ExpireApprovals(r.Context(), s.now())
	if err != nil {
		s.internalError(w, "expire approvals", err)
		return
	}

	for _, entry := range expired {
		s.metrics.RecordApproval(string(entry.Status), entry.ExpiresAt.Sub(entry.RequestedAt))
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:        events.ApprovalDecided,
				ExecutionID: entry.ExecutionID,
				Summary:     fmt.Sprintf("approval %s expired", entry.RequestID),
				Detail: map[string]any{
					"request_id": entry.RequestID,
					"step_id":    entry.StepID,
					"action":     entry.Action,
					"status":     entry.Status,
				},
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expired": expired,
		"count":   len(expired),
	})
}

func (s *Server) writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "approval not found")
	case errors.Is(err, store.ErrAlreadyDecided):
		writeJSONError(w, http.StatusConflict, "already_decided", err.Error())
	case errors.Is(err, store.ErrApprovalExpired):
		writeJSONError(w, http.StatusGone, "expired", err.Error())
	default:
		s.internalError(w, "decide approval", err)
	}
}

// ── Runbooks ─────────────────────────────────────────────────

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.loader.List(s.playbookDir)
	if err != nil {
		s.internalError(w, "list runbooks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runbooks": summaries,
		"count":    len(summaries),
	})
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	summaries, err := s.loader.List(s.playbookDir)
	if err != nil {
		s.internalError(w, "list runbooks", err)
		return
	}
	for _, sum := range summaries {
		if sum.ID != id {
			continue
		}
		rb, err := s.loader.LoadFile(sum.Path)
		if err != nil {
			var verr *runbook.ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"error":  "runbook fails validation",
					"code":   "invalid_runbook",
					"issues": verr.Issues,
				})
				return
			}
			s.internalError(w, "load runbook", err)
			return
		}
		writeJSON(w, http.StatusOK, rb)
		return
	}
	writeJSONError(w, http.StatusNotFound, "not_found", "runbook not found")
}

// handleValidateRunbook validates a YAML document posted as the request
// body, the same check `responderctl validate` runs on a local file.
func (s *Server) handleValidateRunbook(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "cannot read request body")
		return
	}
	if len(data) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be runbook YAML")
		return
	}

	rb, err := s.loader.LoadBytes(data)
	if err != nil {
		var verr *runbook.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"valid":  false,
				"issues": verr.Issues,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":  false,
			"issues": []string{security.ErrorMessage(err.Error())},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"runbook": map[string]any{
			"id":               rb.ID,
			"name":             rb.Metadata.Name,
			"version":          rb.Version,
			"automation_level": rb.Config.AutomationLevel,
			"steps":            len(rb.Steps),
		},
	})
}

// ── Metrics ──────────────────────────────────────────────────

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	since, ok := s.parseWindow(w, r.URL.Query())
	if !ok {
		return
	}

	summary, err := s.store.Summarize(r.Context(), since)
	if err != nil {
		s.internalError(w, "summarize", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// parseWindow reads the shared since/window query parameters. A zero return
// with ok=true means no bound was requested; ok=false means the response has
// already been written.
func (s *Server) parseWindow(w http.ResponseWriter, q url.Values) (time.Time, bool) {
	switch {
	case q.Get("since") != "":
		t, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_since", "since must be RFC3339")
			return time.Time{}, false
		}
		return t, true
	case q.Get("window") != "":
		d, err := time.ParseDuration(q.Get("window"))
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_window", "window must be a positive duration")
			return time.Time{}, false
		}
		return s.now().Add(-d), true
	}
	return time.Time{}, true
}

// ── Helpers ──────────────────────────────────────────────────

func (s *Server) loadExecution(w http.ResponseWriter, r *http.Request) (*execution.Execution, bool) {
	exec, err := s.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "execution not found")
			return nil, false
		}
		s.internalError(w, "get execution", err)
		return nil, false
	}
	return exec, true
}

// executionDetail augments the serialized execution with its context
// layers, which the row form keeps out of JSON.
func executionDetail(exec *execution.Execution) map[string]any {
	detail := map[string]any{
		"execution_id":    exec.ID,
		"runbook_id":      exec.RunbookID,
		"runbook_version": exec.RunbookVersion,
		"runbook_name":    exec.RunbookName,
		"state":           exec.State,
		"mode":            exec.Mode,
		"level":           exec.Level,
		"results":         exec.Results,
		"started_at":      exec.StartedAt,
	}
	if exec.Error != "" {
		detail["error"] = exec.Error
		detail["error_code"] = exec.ErrorCode
	}
	if exec.CompletedAt != nil {
		detail["completed_at"] = exec.CompletedAt
		detail["duration_ms"] = exec.DurationMS
	}
	if exec.Context != nil {
		detail["context"] = exec.Context.Snapshot()
	}
	return detail
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, "internal",
		security.ErrorMessage(err.Error()))
}
