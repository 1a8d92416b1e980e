// Package ingest is the alert front door. It exposes the webhook receiver
// the detection pipeline posts to and the stdin/file intake the CLI uses,
// normalizes documents through the alert package, and hands accepted events
// to the orchestrator callback.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/engine"
	"github.com/detectforge/responder/internal/ratelimit"
	"github.com/detectforge/responder/internal/security"
	"github.com/detectforge/responder/internal/signing"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "x-detectforge-signature"

// maxBodyBytes caps an alert document posted to the webhook.
const maxBodyBytes = 1 << 20

// SubmitFunc hands an accepted alert to the orchestrator and returns the
// execution id that now tracks it.
type SubmitFunc func(ctx context.Context, ev *alert.Event) (string, error)

// Options configure the webhook server.
type Options struct {
	// Addr is the listen address, host:port.
	Addr string
	// Secret enables signature verification when non-empty.
	Secret string
	// Submit receives each accepted alert. Required.
	Submit SubmitFunc
	// Limiter throttles per-source request rates. Nil disables limiting.
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
	Now     func() time.Time
}

// Server receives alerts over HTTP and forwards them to the orchestrator.
type Server struct {
	signer  *signing.Signer
	submit  SubmitFunc
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time

	httpServer *http.Server
}

// response is the webhook's uniform JSON envelope.
type response struct {
	Success     bool     `json:"success"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Error       string   `json:"error,omitempty"`
	Candidates  []string `json:"candidates,omitempty"`
}

// New builds the webhook server. It does not start listening; call Run.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		submit:  opts.Submit,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if opts.Secret != "" {
		s.signer = signing.NewSigner([]byte(opts.Secret))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("/", s.handleUnknown)

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.recoverer(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, wrapped with panic recovery.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("webhook listening",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("signature_required", s.signer != nil),
		zap.Bool("rate_limited", s.limiter != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeResponse(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResponse(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}

	source := sourceAddr(r)
	if s.limiter != nil {
		if d := s.limiter.Allow(source); !d.Allowed {
			s.logger.Warn("alert rejected by rate limiter",
				zap.String("source", source), zap.String("reason", d.Reason))
			writeResponse(w, http.StatusTooManyRequests, response{Error: d.Reason})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeResponse(w, http.StatusBadRequest, response{Error: "cannot read request body"})
		return
	}
	if len(body) > maxBodyBytes {
		writeResponse(w, http.StatusRequestEntityTooLarge, response{Error: "request body too large"})
		return
	}

	// Signature check runs over the raw body, before any parsing, so a
	// forged document never reaches the decoder.
	if s.signer != nil {
		if err := s.signer.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
			s.logger.Warn("alert rejected: invalid signature", zap.String("source", source))
			writeResponse(w, http.StatusUnauthorized, response{Error: "Invalid signature"})
			return
		}
	}

	ev, err := alert.Parse(body)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, response{Error: security.ErrorMessage(err.Error())})
		return
	}

	execID, err := s.submit(r.Context(), ev)
	if err != nil {
		var confirm *engine.ConfirmationError
		switch {
		case errors.As(err, &confirm):
			writeResponse(w, http.StatusConflict, response{
				Error:      confirm.Error(),
				Candidates: confirm.Candidates,
			})
		case errors.Is(err, engine.ErrNoRunbook):
			writeResponse(w, http.StatusUnprocessableEntity, response{Error: err.Error()})
		default:
			s.logger.Error("alert submission failed",
				zap.String("source", source), zap.Error(err))
			writeResponse(w, http.StatusInternalServerError,
				response{Error: security.ErrorMessage(err.Error())})
		}
		return
	}

	s.logger.Info("alert accepted",
		zap.String("source", source),
		zap.String("execution_id", execID),
	)
	writeResponse(w, http.StatusOK, response{Success: true, ExecutionID: execID})
}

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusNotFound, response{Error: "not found"})
}

// recoverer converts handler panics into 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", v), zap.String("path", r.URL.Path))
				writeResponse(w, http.StatusInternalServerError, response{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeResponse(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// sourceAddr identifies the caller for rate limiting, the remote host
// without its ephemeral port.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
