package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
)

// slackAPI is the slice of the Slack client the adapter uses. Tests stub it.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Notify delivers notify_analyst, notify_oncall, and send_email. Analyst and
// oncall messages go to Slack when a token is configured, otherwise to the
// generic webhook. Email always relays through the webhook.
type Notify struct {
	slack          slackAPI
	webhookURL     string
	webhookClient  *http.Client
	defaultChannel string
	oncallChannel  string
}

// NewNotify builds the adapter; transports arrive through Initialize.
func NewNotify() *Notify {
	return &Notify{
		webhookClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *Notify) Name() string    { return "notify" }
func (n *Notify) Version() string { return "1.0.0" }

func (n *Notify) SupportedActions() []actions.Action {
	return []actions.Action{actions.NotifyAnalyst, actions.NotifyOncall, actions.SendEmail}
}

// Initialize reads slack_token, default_channel, oncall_channel, and
// webhook_url. At least one transport must be configured.
func (n *Notify) Initialize(ctx context.Context, config map[string]any) error {
	token, _ := config["slack_token"].(string)
	n.webhookURL, _ = config["webhook_url"].(string)
	n.defaultChannel, _ = config["default_channel"].(string)
	n.oncallChannel, _ = config["oncall_channel"].(string)
	if n.oncallChannel == "" {
		n.oncallChannel = n.defaultChannel
	}
	if token != "" {
		n.slack = slack.New(token)
	}
	if n.slack == nil && n.webhookURL == "" {
		return errors.New("notify adapter requires slack_token or webhook_url")
	}
	if n.slack != nil && n.defaultChannel == "" {
		return errors.New("notify adapter requires default_channel with slack_token")
	}
	return nil
}

func (n *Notify) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsValidation: true, MaxConcurrency: 4}
}

func (n *Notify) ValidateParameters(act actions.Action, params map[string]any) error {
	switch act {
	case actions.NotifyAnalyst, actions.NotifyOncall:
		if msg, _ := params["message"].(string); msg == "" {
			return errors.New("message is required")
		}
	case actions.SendEmail:
		if to, _ := params["to"].(string); to == "" {
			return errors.New("to is required")
		}
		if subject, _ := params["subject"].(string); subject == "" {
			return errors.New("subject is required")
		}
	default:
		return fmt.Errorf("unsupported action %q", act)
	}
	return nil
}

func (n *Notify) Execute(ctx context.Context, req adapter.Request) (*adapter.Result, error) {
	if err := n.ValidateParameters(req.Action, req.Params); err != nil {
		return adapter.FailureResult(n.Name(), req, &adapter.Error{
			Code:      adapter.CodeBadParams,
			Message:   err.Error(),
			Adapter:   n.Name(),
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}

	switch req.Mode {
	case actions.ModeDryRun:
		return &adapter.Result{
			Success:  true,
			Action:   req.Action,
			Executor: n.Name(),
			Output:   map[string]any{"valid": true},
			Metadata: map[string]any{"dry_run": true},
		}, nil
	case actions.ModeSimulation:
		return &adapter.Result{
			Success:  true,
			Action:   req.Action,
			Executor: n.Name(),
			Output:   map[string]any{"delivered": true, "transport": "none"},
			Metadata: map[string]any{"simulated": true},
		}, nil
	}

	switch req.Action {
	case actions.SendEmail:
		return n.sendWebhook(ctx, req, map[string]any{
			"kind":    "email",
			"to":      req.Params["to"],
			"subject": req.Params["subject"],
			"body":    req.Params["body"],
		})
	default:
		return n.sendMessage(ctx, req)
	}
}

func (n *Notify) sendMessage(ctx context.Context, req adapter.Request) (*adapter.Result, error) {
	message, _ := req.Params["message"].(string)
	channel, _ := req.Params["channel"].(string)
	if channel == "" {
		channel = n.defaultChannel
		if req.Action == actions.NotifyOncall {
			channel = n.oncallChannel
		}
	}

	if n.slack == nil {
		return n.sendWebhook(ctx, req, map[string]any{
			"kind":    "message",
			"channel": channel,
			"message": message,
		})
	}

	_, ts, err := n.slack.PostMessageContext(ctx, channel, slack.MsgOptionText(message, false))
	if err != nil {
		return adapter.FailureResult(n.Name(), req, n.slackError(req, err)), nil
	}
	return &adapter.Result{
		Success:  true,
		Action:   req.Action,
		Executor: n.Name(),
		Output: map[string]any{
			"delivered": true,
			"transport": "slack",
			"channel":   channel,
			"timestamp": ts,
		},
	}, nil
}

func (n *Notify) sendWebhook(ctx context.Context, req adapter.Request, payload map[string]any) (*adapter.Result, error) {
	if n.webhookURL == "" {
		return adapter.FailureResult(n.Name(), req, &adapter.Error{
			Code:      adapter.CodeAPI,
			Message:   "webhook_url not configured",
			Adapter:   n.Name(),
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.webhookClient.Do(httpReq)
	if err != nil {
		code := adapter.CodeAPI
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = adapter.CodeTimeout
		}
		return adapter.FailureResult(n.Name(), req, &adapter.Error{
			Code:      code,
			Message:   fmt.Sprintf("webhook delivery: %v", err),
			Adapter:   n.Name(),
			Action:    req.Action,
			Retryable: true,
			StepID:    req.StepID,
		}), nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if apiErr := classifyStatus(resp, n.Name(), req); apiErr != nil {
		apiErr.Message = fmt.Sprintf("webhook returned %s", resp.Status)
		return adapter.FailureResult(n.Name(), req, apiErr), nil
	}
	return &adapter.Result{
		Success:  true,
		Action:   req.Action,
		Executor: n.Name(),
		Output:   map[string]any{"delivered": true, "transport": "webhook"},
	}, nil
}

// slackError maps Slack client failures to structured errors. Rate limits
// carry the server's retry-after hint.
func (n *Notify) slackError(req adapter.Request, err error) *adapter.Error {
	e := &adapter.Error{
		Message: err.Error(),
		Adapter: n.Name(),
		Action:  req.Action,
		StepID:  req.StepID,
	}
	var rateLimited *slack.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		e.Code = adapter.CodeRateLimit
		e.Retryable = true
		e.RetryAfterMS = rateLimited.RetryAfter.Milliseconds()
	case err.Error() == "invalid_auth" || err.Error() == "not_authed" || err.Error() == "token_revoked":
		e.Code = adapter.CodeAuth
	case err.Error() == "channel_not_found":
		e.Code = adapter.CodeNotFound
	default:
		e.Code = adapter.CodeAPI
		e.Retryable = true
	}
	return e
}

func (n *Notify) HealthCheck(ctx context.Context) adapter.Health {
	if n.slack == nil {
		if n.webhookURL == "" {
			return adapter.Health{Status: adapter.UnknownHealth, Message: "no transport configured"}
		}
		return adapter.Health{Status: adapter.Healthy, Message: "webhook only"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	if _, err := n.slack.AuthTestContext(probeCtx); err != nil {
		return adapter.Health{Status: adapter.Unhealthy, Message: err.Error()}
	}
	return adapter.Health{
		Status:    adapter.Healthy,
		Message:   "slack auth ok",
		LatencyMS: time.Since(start).Milliseconds(),
	}
}
