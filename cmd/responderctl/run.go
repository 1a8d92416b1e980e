package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
	"github.com/detectforge/responder/internal/adapters"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/approval"
	"github.com/detectforge/responder/internal/config"
	"github.com/detectforge/responder/internal/engine"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/store"
)

// runRun executes a playbook in-process against the shared database. The
// daemon is not involved; approval gates are answered at the terminal.
func runRun(ctx context.Context, cfg cliConfig, args []string) error {
	var (
		alertPath  string
		timeoutSec int
	)
	positional := make([]string, 0, 1)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--alert", "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--alert requires a value")
			}
			alertPath = args[i+1]
			i++
		case "--timeout":
			if i+1 >= len(args) {
				return fmt.Errorf("--timeout requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--timeout must be a positive integer of seconds")
			}
			timeoutSec = n
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 1 {
		return fmt.Errorf("usage: responderctl run [--alert <file|->] [--timeout <sec>] <playbook-path-or-id>")
	}
	target := positional[0]

	var level actions.Level
	if cfg.level != "" {
		parsed, err := actions.ParseLevel(cfg.level)
		if err != nil {
			return err
		}
		level = parsed
	}

	var ev *alert.Event
	if alertPath != "" {
		data, err := readInput(alertPath)
		if err != nil {
			return err
		}
		ev, err = alert.Parse(data)
		if err != nil {
			return fmt.Errorf("parse alert: %w", err)
		}
	}

	eng, cleanup, err := newLocalEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	req := engine.RunRequest{
		Alert:    ev,
		Level:    level,
		EnableL2: cfg.enableL2,
	}
	if cfg.dryRun {
		req.Mode = actions.ModeSimulation
	}
	if timeoutSec > 0 {
		req.TimeoutMS = int64(timeoutSec) * 1000
	}
	if looksLikePath(target) {
		req.RunbookPath = target
	} else {
		req.RunbookID = target
	}

	// Ctrl-C cancels the run cleanly instead of killing it mid-step.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	exec, err := eng.Run(runCtx, req)
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		if err := PrintJSON(os.Stdout, exec); err != nil {
			return err
		}
	} else {
		printRunResult(exec)
	}

	if exec.State != execution.StateCompleted {
		return fmt.Errorf("execution %s %s", exec.ID, exec.State)
	}
	return nil
}

func printRunResult(exec *execution.Execution) {
	fmt.Printf("Execution: %s\n", exec.ID)
	fmt.Printf("Runbook: %s (%s %s)\n", exec.RunbookName, exec.RunbookID, exec.RunbookVersion)
	fmt.Printf("State: %s\n", ColorStatus(string(exec.State)))
	fmt.Printf("Mode: %s\n", exec.Mode)
	fmt.Printf("Level: %s\n", exec.Level)
	if exec.Error != "" {
		fmt.Printf("Error: %s (%s)\n", exec.Error, exec.ErrorCode)
	}
	if exec.DurationMS > 0 {
		fmt.Printf("Duration: %s\n", FormatDurationMS(exec.DurationMS))
	}
	if len(exec.Results) == 0 {
		return
	}

	fmt.Println()
	rows := make([][]string, 0, len(exec.Results))
	for _, r := range exec.Results {
		rows = append(rows, []string{
			Truncate(r.StepID, 24),
			string(r.Action),
			r.Executor,
			ColorStatus(stepStatus(r.Success, r.Skipped, r.Rollback)),
			strconv.Itoa(r.Attempts),
			FormatDurationMS(r.DurationMS),
		})
	}
	RenderTable(os.Stdout, stepHeaders(), rows)
}

// terminalPrompt answers approval gates from the operator's keyboard. The
// prompt goes to stderr so --json output stays parseable.
func terminalPrompt(in io.Reader, out io.Writer) approval.PromptFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, d approval.Details) (approval.Decision, error) {
		step := d.StepID
		if d.StepName != "" {
			step = d.StepName
		}
		fmt.Fprintf(out, "\napproval required: %s (%s)\n", step, d.Action)
		if d.RiskLevel != "" {
			fmt.Fprintf(out, "risk: %s\n", d.RiskLevel)
		}
		if len(d.Parameters) > 0 {
			params, _ := json.Marshal(d.Parameters)
			fmt.Fprintf(out, "parameters: %s\n", params)
		}
		fmt.Fprint(out, "approve? [y/N]: ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return approval.Decision{}, fmt.Errorf("read decision: %w", err)
		}
		if ctx.Err() != nil {
			return approval.Decision{}, ctx.Err()
		}

		approver := os.Getenv("USER")
		if approver == "" {
			approver = "operator"
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "y" || answer == "yes" {
			return approval.Decision{Approved: true, Approver: approver, Reason: "approved at terminal"}, nil
		}
		return approval.Decision{Approved: false, Approver: approver, Reason: "denied at terminal"}, nil
	}
}

// newLocalEngine wires the in-process engine that run and ingest share:
// the daemon's database and adapter set, with approval gates answered at
// the terminal. cleanup releases the store and adapters in reverse order.
func newLocalEngine(ctx context.Context, cfg cliConfig) (*engine.Engine, func(), error) {
	conf := config.LoadFromEnv()
	logger, err := newRunLogger(cfg.verbose)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(conf.DBPath, logger.Named("store"))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	registry := adapter.NewRegistry(adapter.DefaultBreakerOptions(), logger.Named("adapter"))
	registerLocalAdapters(ctx, registry, conf.AdapterDir, logger)

	eng, err := engine.New(engine.Options{
		Store:       st,
		Registry:    registry,
		Loader:      runbook.NewLoader(logger.Named("runbook")),
		Prompt:      terminalPrompt(os.Stdin, os.Stderr),
		Logger:      logger.Named("engine"),
		PlaybookDir: conf.PlaybookDir,
	})
	if err != nil {
		registry.ShutdownAll(context.Background())
		_ = st.Close()
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("build engine: %w", err)
	}

	cleanup := func() {
		registry.ShutdownAll(context.Background())
		_ = st.Close()
		_ = logger.Sync()
	}
	return eng, cleanup, nil
}

// newRunLogger keeps local runs quiet unless -v asks for the engine's own
// logging.
func newRunLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopmentConfig().Build()
}

// registerLocalAdapters mirrors the daemon's adapter set so local runs route
// actions the same way. sql and notify need a config file to be useful and
// stay out until one exists under dir.
func registerLocalAdapters(ctx context.Context, registry *adapter.Registry, dir string, logger *zap.Logger) {
	register := func(a adapter.Adapter, required bool) {
		config, found, err := loadAdapterConfig(dir, a.Name())
		if err != nil {
			logger.Warn("adapter config unreadable",
				zap.String("adapter", a.Name()), zap.Error(err))
			return
		}
		if !found && required {
			return
		}
		if err := registry.Register(ctx, a, config); err != nil {
			logger.Warn("adapter registration failed",
				zap.String("adapter", a.Name()), zap.Error(err))
		}
	}

	register(adapters.NewMock(), false)
	register(adapters.NewHTTP(), false)
	register(adapters.NewSQL(), true)
	register(adapters.NewNotify(), true)
}

func loadAdapterConfig(dir, name string) (map[string]any, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, true, fmt.Errorf("parse %s.yaml: %w", name, err)
	}
	return config, true, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// looksLikePath decides whether the run target names a file or a playbook id.
func looksLikePath(target string) bool {
	if strings.ContainsAny(target, `/\`) {
		return true
	}
	switch strings.ToLower(filepath.Ext(target)) {
	case ".yaml", ".yml":
		return true
	}
	_, err := os.Stat(target)
	return err == nil
}
