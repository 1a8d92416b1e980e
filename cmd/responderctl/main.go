package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/detectforge/responder/internal/config"
	"github.com/detectforge/responder/internal/packs"
	"github.com/detectforge/responder/internal/runbook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultServer = "http://localhost:8080"
)

type cliConfig struct {
	server     string
	apiKey     string
	jsonOutput bool
	verbose    bool
	dryRun     bool
	level      string
	enableL2   bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.apiKey)
	ctx := context.Background()

	switch command {
	case "validate":
		err = runValidate(cfg, args)
	case "run":
		err = runRun(ctx, cfg, args)
	case "ingest":
		err = runIngest(ctx, cfg, args)
	case "queue":
		err = runQueue(ctx, client, cfg, args)
	case "executions":
		err = runExecutions(ctx, client, cfg, args)
	case "metrics":
		err = runMetrics(ctx, client, cfg, args)
	case "coverage":
		err = runCoverage(ctx, client, cfg, args)
	case "packs":
		err = runPacks(ctx, cfg, args)
	case "version":
		fmt.Printf("responderctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server: defaultServer,
		apiKey: os.Getenv("RESPONDER_API_TOKEN"),
		level:  os.Getenv("RESPONDER_AUTOMATION_LEVEL"),
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		case "--verbose", "-v":
			cfg.verbose = true
			idx++
		case "--dry-run":
			cfg.dryRun = true
			idx++
		case "--level":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--level requires a value")
			}
			cfg.level = args[idx+1]
			idx += 2
		case "--enable-l2":
			cfg.enableL2 = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: responderctl [flags] <command>

Flags:
  --server, -s <url>   Daemon address (default http://localhost:8080)
  --api-key <token>    Bearer token (default $RESPONDER_API_TOKEN)
  --json               Emit JSON instead of tables
  --verbose, -v        Show engine logs during local runs
  --dry-run            Force simulation mode on local runs
  --level <L0|L1|L2>   Automation level override for local runs
  --enable-l2          Allow fully autonomous L2 runs

Commands:
  validate <path>           Check a playbook file
  run [--alert <file|->] [--timeout <sec>] <playbook>
                            Execute a playbook locally
  ingest [--alert <file|->] [--timeout <sec>]
                            Resolve and run alerts from a file or stdin
  queue list [--status <status>]
  queue inspect <request-id>
  queue approve <request-id> --approver <name> [--reason <text>]
  queue deny <request-id> --approver <name> [--reason <text>]
  queue expire              Expire overdue pending entries now
  executions list [--state <state>] [--window <dur>] [--limit <n>]
  executions get <id>
  executions audit <id> [--verify]
  executions cancel <id> [--reason <text>]
  metrics [--window <dur>]  Execution and approval summary
  coverage [--window <dur>] [--dir <dir>]
                            Playbook trigger coverage and recent use
  packs pull <ref> [--dir <dir>]
  packs push <ref> [--dir <dir>]
  version
`)
}

func runValidate(cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: responderctl validate <path>")
	}
	path := args[0]

	loader := runbook.NewLoader(nil)
	rb, err := loader.LoadFile(path)
	var verr *runbook.ValidationError
	if errors.As(err, &verr) {
		if cfg.jsonOutput {
			if jerr := PrintJSON(os.Stdout, map[string]any{"valid": false, "issues": verr.Issues}); jerr != nil {
				return jerr
			}
		} else {
			fmt.Printf("%s: invalid\n", path)
			for _, issue := range verr.Issues {
				fmt.Printf("  - %s\n", issue)
			}
		}
		return fmt.Errorf("%d validation issues", len(verr.Issues))
	}
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, map[string]any{
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

	fmt.Printf("%s: %s\n", path, ColorStatus("valid"))
	fmt.Printf("ID: %s\n", rb.ID)
	fmt.Printf("Name: %s\n", rb.Metadata.Name)
	fmt.Printf("Version: %s\n", rb.Version)
	fmt.Printf("Level: %s\n", rb.Config.AutomationLevel)
	fmt.Printf("Steps: %d\n", len(rb.Steps))
	return nil
}

func runQueue(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: responderctl queue list|inspect|approve|deny|expire")
	}

	switch args[0] {
	case "list":
		status := ""
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--status":
				if i+1 >= len(args) {
					return fmt.Errorf("--status requires a value")
				}
				status = args[i+1]
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}

		resp, err := client.Approvals(ctx, status)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		headers := []string{"REQUEST", "EXECUTION", "STEP", "ACTION", "KIND", "STATUS", "EXPIRES"}
		rows := make([][]string, 0, len(resp.Approvals))
		for _, a := range resp.Approvals {
			rows = append(rows, []string{
				Truncate(a.RequestID, 22),
				Truncate(a.ExecutionID, 14),
				Truncate(a.StepID, 16),
				a.Action,
				a.Kind,
				ColorStatus(a.Status),
				FormatTimeOrDash(a.ExpiresAt),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d entries\n", resp.Count)
		return nil

	case "inspect":
		if len(args) != 2 {
			return fmt.Errorf("usage: responderctl queue inspect <request-id>")
		}
		entry, err := client.Approval(ctx, args[1])
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, entry)
		}
		printApproval(entry)
		return nil

	case "approve", "deny":
		verb := args[0]
		if len(args) < 2 || strings.HasPrefix(args[1], "-") {
			return fmt.Errorf("usage: responderctl queue %s <request-id> --approver <name> [--reason <text>]", verb)
		}
		requestID := args[1]
		approver := ""
		reason := ""
		for i := 2; i < len(args); i++ {
			switch args[i] {
			case "--approver":
				if i+1 >= len(args) {
					return fmt.Errorf("--approver requires a value")
				}
				approver = args[i+1]
				i++
			case "--reason":
				if i+1 >= len(args) {
					return fmt.Errorf("--reason requires a value")
				}
				reason = args[i+1]
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		if approver == "" {
			return fmt.Errorf("--approver is required")
		}

		var resp *DecisionResponse
		var err error
		if verb == "approve" {
			resp, err = client.Approve(ctx, requestID, approver, reason)
		} else {
			resp, err = client.Deny(ctx, requestID, approver, reason)
		}
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		printApproval(&resp.Approval)
		if resp.Result != nil {
			status := stepStatus(resp.Result.Success, resp.Result.Skipped, resp.Result.Rollback)
			fmt.Printf("\nPromoted: %s %s (%s)\n",
				resp.Result.StepID, ColorStatus(status), FormatDurationMS(resp.Result.DurationMS))
		}
		return nil

	case "expire":
		if len(args) != 1 {
			return fmt.Errorf("usage: responderctl queue expire")
		}
		resp, err := client.ExpireApprovals(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}
		for _, a := range resp.Expired {
			fmt.Printf("expired %s (%s %s)\n", a.RequestID, a.Action, a.StepID)
		}
		fmt.Printf("Total: %d expired\n", resp.Count)
		return nil

	default:
		return fmt.Errorf("unknown queue command: %s", args[0])
	}
}

func printApproval(a *ApprovalEntry) {
	fmt.Printf("Request: %s\n", a.RequestID)
	fmt.Printf("Execution: %s\n", a.ExecutionID)
	if a.RunbookID != "" {
		fmt.Printf("Runbook: %s\n", a.RunbookID)
	}
	step := a.StepID
	if a.StepName != "" {
		step = fmt.Sprintf("%s (%s)", a.StepName, a.StepID)
	}
	fmt.Printf("Step: %s\n", step)
	fmt.Printf("Action: %s\n", a.Action)
	fmt.Printf("Kind: %s\n", a.Kind)
	fmt.Printf("Status: %s\n", ColorStatus(a.Status))
	fmt.Printf("Requested: %s\n", FormatTimeOrDash(a.RequestedAt))
	fmt.Printf("Expires: %s\n", FormatTimeOrDash(a.ExpiresAt))
	if a.Approver != "" {
		fmt.Printf("Approver: %s\n", a.Approver)
	}
	if a.Reason != "" {
		fmt.Printf("Reason: %s\n", a.Reason)
	}
	if a.DecidedAt != nil {
		fmt.Printf("Decided: %s\n", FormatTimeOrDash(*a.DecidedAt))
	}
	if len(a.Parameters) > 0 {
		fmt.Println("Parameters:")
		_ = PrintJSON(os.Stdout, a.Parameters)
	}
	if len(a.Simulation) > 0 {
		fmt.Println("Simulation:")
		_ = PrintJSON(os.Stdout, a.Simulation)
	}
}

func runExecutions(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: responderctl executions list|get|audit|cancel")
	}

	switch args[0] {
	case "list":
		query := url.Values{}
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--state":
				if i+1 >= len(args) {
					return fmt.Errorf("--state requires a value")
				}
				query.Set("state", args[i+1])
				i++
			case "--window":
				if i+1 >= len(args) {
					return fmt.Errorf("--window requires a value")
				}
				query.Set("window", args[i+1])
				i++
			case "--limit":
				if i+1 >= len(args) {
					return fmt.Errorf("--limit requires a value")
				}
				if _, err := strconv.Atoi(args[i+1]); err != nil {
					return fmt.Errorf("--limit must be an integer")
				}
				query.Set("limit", args[i+1])
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}

		resp, err := client.Executions(ctx, query)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		headers := []string{"ID", "RUNBOOK", "STATE", "MODE", "LEVEL", "STARTED", "DURATION"}
		rows := make([][]string, 0, len(resp.Executions))
		for _, e := range resp.Executions {
			name := e.RunbookName
			if name == "" {
				name = e.RunbookID
			}
			rows = append(rows, []string{
				Truncate(e.ID, 22),
				Truncate(name, 26),
				ColorStatus(e.State),
				e.Mode,
				e.Level,
				FormatTimeOrDash(e.StartedAt),
				FormatDurationMS(e.DurationMS),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d executions\n", resp.Count)
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: responderctl executions get <id>")
		}
		exec, err := client.Execution(ctx, args[1])
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, exec)
		}
		printExecutionDetail(exec)
		return nil

	case "audit":
		id := ""
		verify := false
		for i := 1; i < len(args); i++ {
			if args[i] == "--verify" {
				verify = true
				continue
			}
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if id != "" {
				return fmt.Errorf("usage: responderctl executions audit <id> [--verify]")
			}
			id = args[i]
		}
		if id == "" {
			return fmt.Errorf("usage: responderctl executions audit <id> [--verify]")
		}

		resp, err := client.Audit(ctx, id, verify)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		headers := []string{"SEQ", "TIMESTAMP", "KIND", "HASH"}
		rows := make([][]string, 0, len(resp.Entries))
		for _, e := range resp.Entries {
			rows = append(rows, []string{
				strconv.FormatInt(e.Sequence, 10),
				e.Timestamp,
				e.Kind,
				Truncate(e.EntryHash, 13),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d entries\n", resp.Count)
		if resp.Verified != nil {
			if *resp.Verified {
				fmt.Printf("Chain: %s\n", ColorStatus("verified"))
			} else {
				fmt.Printf("Chain: %s (%s)\n", ColorStatus("broken"), resp.VerifyError)
			}
		}
		return nil

	case "cancel":
		if len(args) < 2 || strings.HasPrefix(args[1], "-") {
			return fmt.Errorf("usage: responderctl executions cancel <id> [--reason <text>]")
		}
		id := args[1]
		reason := ""
		for i := 2; i < len(args); i++ {
			switch args[i] {
			case "--reason":
				if i+1 >= len(args) {
					return fmt.Errorf("--reason requires a value")
				}
				reason = args[i+1]
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}

		resp, err := client.CancelExecution(ctx, id, reason)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}
		fmt.Printf("Execution: %s\n", resp.ExecutionID)
		fmt.Printf("Status: %s\n", resp.Status)
		return nil

	default:
		return fmt.Errorf("unknown executions command: %s", args[0])
	}
}

func printExecutionDetail(e *Execution) {
	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("Runbook: %s (%s %s)\n", e.RunbookName, e.RunbookID, e.RunbookVersion)
	fmt.Printf("State: %s\n", ColorStatus(e.State))
	fmt.Printf("Mode: %s\n", e.Mode)
	fmt.Printf("Level: %s\n", e.Level)
	fmt.Printf("Started: %s\n", FormatTimeOrDash(e.StartedAt))
	if e.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", FormatTimeOrDash(*e.CompletedAt))
		fmt.Printf("Duration: %s\n", FormatDurationMS(e.DurationMS))
	}
	if e.Error != "" {
		fmt.Printf("Error: %s (%s)\n", e.Error, e.ErrorCode)
	}
	if len(e.Results) == 0 {
		return
	}

	fmt.Println()
	rows := make([][]string, 0, len(e.Results))
	for _, r := range e.Results {
		rows = append(rows, []string{
			Truncate(r.StepID, 24),
			r.Action,
			r.Executor,
			ColorStatus(stepStatus(r.Success, r.Skipped, r.Rollback)),
			strconv.Itoa(r.Attempts),
			FormatDurationMS(r.DurationMS),
		})
	}
	RenderTable(os.Stdout, stepHeaders(), rows)
}

func stepHeaders() []string {
	return []string{"STEP", "ACTION", "EXECUTOR", "STATUS", "ATTEMPTS", "DURATION"}
}

func stepStatus(success, skipped, rollback bool) string {
	switch {
	case skipped:
		return "skipped"
	case rollback && success:
		return "rolled_back"
	case rollback:
		return "rollback_failed"
	case success:
		return "succeeded"
	default:
		return "failed"
	}
}

func runMetrics(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	window := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--window", "-w":
			if i+1 >= len(args) {
				return fmt.Errorf("--window requires a value")
			}
			window = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	summary, err := client.MetricsSummary(ctx, window)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, summary)
	}

	if !summary.Since.IsZero() {
		fmt.Printf("Since: %s\n\n", FormatTimeOrDash(summary.Since))
	}

	RenderTable(os.Stdout, []string{"STATE", "EXECUTIONS"}, countRows(summary.Executions))
	fmt.Println()
	RenderTable(os.Stdout, []string{"STATUS", "APPROVALS"}, countRows(summary.Approvals))
	fmt.Println()
	fmt.Printf("Avg duration: %s\n", FormatDurationMS(summary.AvgDurationMS))
	fmt.Printf("Steps succeeded: %d\n", summary.StepsSucceeded)
	fmt.Printf("Steps failed: %d\n", summary.StepsFailed)
	return nil
}

func countRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{ColorStatus(k), strconv.Itoa(counts[k])})
	}
	return rows
}

type coverageRow struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Level      string   `json:"automation_level"`
	Techniques []string `json:"mitre_techniques,omitempty"`
	Sources    []string `json:"detection_sources,omitempty"`
	Runs       int      `json:"runs"`
}

// runCoverage reads playbook triggers locally and joins them with the
// daemon's recent executions, so an operator can see which techniques have
// automation and whether it actually fires.
func runCoverage(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	window := ""
	dir := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--window", "-w":
			if i+1 >= len(args) {
				return fmt.Errorf("--window requires a value")
			}
			window = args[i+1]
			i++
		case "--dir":
			if i+1 >= len(args) {
				return fmt.Errorf("--dir requires a value")
			}
			dir = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if dir == "" {
		dir = config.LoadFromEnv().PlaybookDir
	}

	loader := runbook.NewLoader(nil)
	books, problems, err := loader.LoadDir(dir)
	if err != nil {
		return err
	}

	// Execution counts are best effort: coverage of the playbook dir is
	// still useful when the daemon is down.
	runs := map[string]int{}
	query := url.Values{}
	if window != "" {
		query.Set("window", window)
	}
	if resp, err := client.Executions(ctx, query); err != nil {
		fmt.Fprintf(os.Stderr, "execution counts unavailable: %v\n", err)
	} else {
		for _, e := range resp.Executions {
			runs[e.RunbookID]++
		}
	}

	coverage := make([]coverageRow, 0, len(books))
	techniques := map[string]struct{}{}
	for _, rb := range books {
		coverage = append(coverage, coverageRow{
			ID:         rb.ID,
			Name:       rb.Metadata.Name,
			Level:      string(rb.Config.AutomationLevel),
			Techniques: rb.Triggers.MitreTechniques,
			Sources:    rb.Triggers.DetectionSources,
			Runs:       runs[rb.ID],
		})
		for _, t := range rb.Triggers.MitreTechniques {
			techniques[strings.ToUpper(t)] = struct{}{}
		}
	}

	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, map[string]any{
			"playbooks":          coverage,
			"count":              len(coverage),
			"techniques_covered": len(techniques),
			"invalid_files":      len(problems),
		})
	}

	headers := []string{"RUNBOOK", "LEVEL", "TECHNIQUES", "SOURCES", "RUNS"}
	rows := make([][]string, 0, len(coverage))
	for _, c := range coverage {
		rows = append(rows, []string{
			Truncate(c.Name, 28),
			c.Level,
			Truncate(strings.Join(c.Techniques, ","), 28),
			Truncate(strings.Join(c.Sources, ","), 22),
			strconv.Itoa(c.Runs),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Printf("\nPlaybooks: %d  Techniques covered: %d\n", len(coverage), len(techniques))
	if len(problems) > 0 {
		fmt.Printf("Skipped: %d files failed validation\n", len(problems))
	}
	return nil
}

func runPacks(ctx context.Context, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: responderctl packs pull|push <ref>")
	}
	verb := args[0]
	if verb != "pull" && verb != "push" {
		return fmt.Errorf("unknown packs command: %s", verb)
	}
	if len(args) < 2 || strings.HasPrefix(args[1], "-") {
		return fmt.Errorf("usage: responderctl packs %s <ref>", verb)
	}
	rawRef := args[1]

	dir := ""
	plainHTTP := false
	username := ""
	password := ""
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			if i+1 >= len(args) {
				return fmt.Errorf("--dir requires a value")
			}
			dir = args[i+1]
			i++
		case "--plain-http":
			plainHTTP = true
		case "--username":
			if i+1 >= len(args) {
				return fmt.Errorf("--username requires a value")
			}
			username = args[i+1]
			i++
		case "--password":
			if i+1 >= len(args) {
				return fmt.Errorf("--password requires a value")
			}
			password = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if dir == "" {
		dir = config.LoadFromEnv().PlaybookDir
	}

	ref, err := packs.ParseRef(rawRef)
	if err != nil {
		return err
	}
	client := packs.NewClient().WithPlainHTTP(plainHTTP)
	if username != "" {
		client = client.WithAuth(username, password)
	}

	if verb == "push" {
		result, err := client.Push(ctx, dir, ref)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, result)
		}
		fmt.Printf("Pushed: %s\n", result.Ref)
		fmt.Printf("Digest: %s\n", result.Digest)
		fmt.Printf("Files: %d\n", len(result.Files))
		return nil
	}

	pulled, err := client.PullToDir(ctx, ref, dir)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, pulled)
	}
	fmt.Printf("Pulled: %s\n", pulled.Ref)
	fmt.Printf("Digest: %s\n", pulled.Digest)
	fmt.Printf("Pack: %s %s\n", pulled.Manifest.Name, pulled.Manifest.Version)
	fmt.Printf("Files: %d -> %s\n", len(pulled.Manifest.Files), dir)
	for _, f := range pulled.Manifest.Files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}
