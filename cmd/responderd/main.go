// Responder daemon: alert ingestion, runbook orchestration, and the
// operator API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/detectforge/responder/internal/adapter"
	"github.com/detectforge/responder/internal/adapters"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/api"
	"github.com/detectforge/responder/internal/approval"
	"github.com/detectforge/responder/internal/config"
	"github.com/detectforge/responder/internal/engine"
	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/ingest"
	"github.com/detectforge/responder/internal/llm"
	"github.com/detectforge/responder/internal/maintenance"
	"github.com/detectforge/responder/internal/mcpserver"
	"github.com/detectforge/responder/internal/metrics"
	"github.com/detectforge/responder/internal/ratelimit"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/signing"
	"github.com/detectforge/responder/internal/store"
	"github.com/detectforge/responder/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath string
		resume     bool
		mcpStdio   bool
	)
	flag.StringVar(&configPath, "config", "", "path to the JSON config file (env vars override)")
	flag.BoolVar(&resume, "resume", false, "resume interrupted executions instead of failing them")
	flag.BoolVar(&mcpStdio, "mcp-stdio", false, "serve MCP over stdio instead of the HTTP listeners")
	flag.Parse()

	// A .env next to the binary is a dev convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "responderd: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, mcpStdio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "responderd: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.OTELEndpoint != "" {
		shutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTELEndpoint, version)
		if err != nil {
			logger.Warn("tracing disabled", zap.String("endpoint", cfg.OTELEndpoint), zap.Error(err))
		} else {
			logger.Info("tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Warn("trace flush failed", zap.Error(err))
				}
			}()
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			logger.Fatal("create db dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	st, err := store.Open(cfg.DBPath, logger.Named("store"))
	if err != nil {
		logger.Fatal("open store", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	bus := events.NewBus(64)
	set := metrics.New()
	loader := runbook.NewLoader(logger.Named("runbook"))

	registry := adapter.NewRegistry(adapter.DefaultBreakerOptions(), logger.Named("adapter"))
	registerAdapters(ctx, registry, cfg.AdapterDir, logger)

	var advisor *llm.Advisor
	if cfg.HasLLM() {
		provider, err := llm.NewProvider(cfg.LLM.Provider, llm.ProviderConfig{
			Endpoint:       cfg.LLM.Endpoint,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		})
		if err != nil {
			logger.Warn("llm advisor disabled", zap.String("provider", cfg.LLM.Provider), zap.Error(err))
		} else {
			advisor = llm.NewAdvisor(provider, cfg.LLM.MaxTokens, logger.Named("llm"), set)
			logger.Info("llm advisor enabled",
				zap.String("provider", provider.Name()),
				zap.String("model", cfg.LLM.Model))
		}
	}

	var signer *signing.Signer
	if cfg.HasWebhookSecret() {
		signer = signing.NewSigner([]byte(cfg.Webhook.Secret))
	}

	eng, err := engine.New(engine.Options{
		Store:       st,
		Registry:    registry,
		Loader:      loader,
		Bus:         bus,
		Metrics:     set,
		Advisor:     advisor,
		Prompt:      approval.QueuePrompt(st, 0, logger.Named("approval")),
		Logger:      logger.Named("engine"),
		PlaybookDir: cfg.PlaybookDir,
		MaxParallel: cfg.Engine.MaxParallel,
		Signer:      signer,
	})
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}

	mcpserver.Version = version
	mcpSrv := mcpserver.New(st, eng, loader, cfg.PlaybookDir, logger)

	// Stdio mode turns the process into an MCP sidecar against the shared
	// database. The HTTP listeners, recovery sweep, and maintenance loop
	// belong to the long-running daemon, not here.
	if mcpStdio {
		if err := mcpSrv.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("mcp stdio transport failed", zap.Error(err))
		}
		return
	}

	if report, err := eng.RecoverStartup(ctx, resume); err != nil {
		logger.Warn("startup recovery incomplete", zap.Error(err))
	} else if len(report.Failed)+len(report.Resumed) == 0 {
		logger.Info("no interrupted executions found")
	}

	tokenHash := cfg.APITokenHash
	if tokenHash == "" && cfg.APIToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.APIToken), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash api token", zap.Error(err))
		}
		tokenHash = string(hash)
	}
	if tokenHash == "" {
		logger.Warn("api auth disabled: mutating routes accept unauthenticated requests")
	}

	apiSrv := api.New(api.Options{
		Addr:        cfg.ListenAddr,
		Store:       st,
		Engine:      eng,
		Loader:      loader,
		PlaybookDir: cfg.PlaybookDir,
		Metrics:     set,
		Bus:         bus,
		TokenHash:   tokenHash,
		Version:     version,
		MCP:         mcpSrv.Handler(),
		Logger:      logger.Named("api"),
	})

	webhook := ingest.New(ingest.Options{
		Addr:   cfg.Webhook.Addr(),
		Secret: cfg.Webhook.Secret,
		Submit: func(ctx context.Context, ev *alert.Event) (string, error) {
			exec, err := eng.Start(ctx, engine.RunRequest{
				Alert:    ev,
				EnableL2: cfg.EnableL2,
			})
			if err != nil {
				return "", err
			}
			return exec.ID, nil
		},
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Logger: logger.Named("ingest"),
	})

	maint := maintenance.NewRunner(maintenance.Options{
		Store:         st,
		Bus:           bus,
		Metrics:       set,
		Logger:        logger,
		Schedule:      cfg.Maintenance.Schedule,
		RetentionDays: cfg.Maintenance.RetentionDays,
	})
	maint.Start(ctx)

	logger.Info("starting responder",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
		zap.String("api_addr", cfg.ListenAddr),
		zap.String("webhook_addr", cfg.Webhook.Addr()),
		zap.String("playbook_dir", cfg.PlaybookDir),
		zap.Bool("l2_enabled", cfg.EnableL2),
		zap.Bool("llm_advisor", advisor != nil),
		zap.Strings("adapters", registry.Names()),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- apiSrv.Run(ctx) }()
	go func() { errCh <- webhook.Run(ctx) }()

	remaining := 2
	select {
	case err := <-errCh:
		remaining--
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
		cancel()
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	// Both listeners stop on ctx; wait for their graceful drain before
	// tearing down what their handlers still use.
	for ; remaining > 0; remaining-- {
		if err := <-errCh; err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}

	maint.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions still active at shutdown", zap.Error(err))
	}
	registry.ShutdownAll(shutdownCtx)
}

// newLogger builds the production zap logger at the configured level. In
// stdio MCP mode everything goes to stderr; stdout belongs to the protocol.
func newLogger(level string, stderrOnly bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	if stderrOnly {
		zcfg.OutputPaths = []string{"stderr"}
	}
	return zcfg.Build()
}

// registerAdapters wires the built-in adapters, each configured from
// <dir>/<name>.yaml. Mock and http register even without a file; sql and
// notify need credentials, so a missing file skips them. A bad config warns
// and moves on rather than holding up the rest of the daemon.
func registerAdapters(ctx context.Context, registry *adapter.Registry, dir string, logger *zap.Logger) {
	register := func(a adapter.Adapter, required bool) {
		cfg, found, err := loadAdapterConfig(dir, a.Name())
		if err != nil {
			logger.Warn("adapter config unreadable",
				zap.String("adapter", a.Name()), zap.Error(err))
			return
		}
		if !found && required {
			logger.Info("adapter skipped: no config",
				zap.String("adapter", a.Name()),
				zap.String("path", filepath.Join(dir, a.Name()+".yaml")))
			return
		}
		if err := registry.Register(ctx, a, cfg); err != nil {
			logger.Warn("adapter registration failed",
				zap.String("adapter", a.Name()), zap.Error(err))
		}
	}

	register(adapters.NewMock(), false)
	register(adapters.NewHTTP(), false)
	register(adapters.NewSQL(), true)
	register(adapters.NewNotify(), true)
}

// loadAdapterConfig reads <dir>/<name>.yaml. A missing file is not an error.
func loadAdapterConfig(dir, name string) (map[string]any, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s.yaml: %w", name, err)
	}
	return cfg, true, nil
}
