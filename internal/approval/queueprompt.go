package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/store"
)

// defaultPollInterval is how often a queued gate checks for its decision.
const defaultPollInterval = 2 * time.Second

// QueuePrompt returns a PromptFunc backed by the durable approval queue. The
// gate request is parked as a pending entry; operators decide it through the
// REST queue routes or the MCP decide_approval tool, and the poll loop
// carries the decision back into the suspended execution. A gate that times
// out leaves its entry pending for the maintenance sweep to expire.
//
// poll <= 0 uses the default two-second interval.
func QueuePrompt(st *store.Store, poll time.Duration, logger *zap.Logger) PromptFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return func(ctx context.Context, d Details) (Decision, error) {
		entry := &store.ApprovalEntry{
			RequestID:   d.RequestID,
			ExecutionID: d.ExecutionID,
			RunbookID:   d.RunbookID,
			StepID:      d.StepID,
			StepName:    d.StepName,
			Action:      d.Action,
			Kind:        store.ApprovalKindGate,
			Parameters:  d.Parameters,
			Status:      store.ApprovalPending,
			RequestedAt: time.Now().UTC(),
			ExpiresAt:   d.ExpiresAt,
		}
		if err := st.EnqueueApproval(ctx, entry); err != nil {
			return Decision{}, fmt.Errorf("queue gate request: %w", err)
		}
		logger.Info("approval gate queued",
			zap.String("request_id", d.RequestID),
			zap.String("execution_id", d.ExecutionID),
			zap.String("step_id", d.StepID),
			zap.Time("expires_at", d.ExpiresAt),
		)

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			case <-ticker.C:
			}

			cur, err := st.GetApproval(ctx, d.RequestID)
			if err != nil {
				if ctx.Err() != nil {
					return Decision{}, ctx.Err()
				}
				logger.Warn("gate poll failed",
					zap.String("request_id", d.RequestID), zap.Error(err))
				continue
			}
			switch cur.Status {
			case store.ApprovalApproved:
				return Decision{Approved: true, Approver: cur.Approver, Reason: cur.Reason}, nil
			case store.ApprovalDenied:
				return Decision{Approved: false, Approver: cur.Approver, Reason: cur.Reason}, nil
			default:
				// Pending, or the sweep expired it right at the deadline;
				// the gate's own timer settles that race.
			}
		}
	}
}
