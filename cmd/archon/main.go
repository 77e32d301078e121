// Command archon is the operator surface for the execution kernel: chain
// verification, evidence export, autonomy state inspection, panic
// clearance, and dry-run decisions. The serving path lives elsewhere;
// this binary only ever talks to the stores.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/ember6784/archon-ai/pkg/audit"
	"github.com/ember6784/archon-ai/pkg/autonomy"
	"github.com/ember6784/archon-ai/pkg/config"
	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/intent"
	"github.com/ember6784/archon-ai/pkg/kernel"
	"github.com/ember6784/archon-ai/pkg/rbac"
	"github.com/ember6784/archon-ai/pkg/registry"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "state":
		return runState(args[2:], stdout, stderr)
	case "clear":
		return runClear(args[2:], stdout, stderr)
	case "liveness":
		return runLiveness(args[2:], stdout, stderr)
	case "simulate":
		return runSimulate(args[2:], stdout, stderr)
	case "metrics":
		return runMetrics(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "archon %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sArchon Kernel %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sAgents propose. The kernel disposes.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  archon <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "AUDIT CHAIN")
	printCommand(w, "verify", "Verify the hash chain (--from, --to, --json)")
	printCommand(w, "export", "Export an evidence bundle (--from, --to, --out)")
	printCommand(w, "metrics", "Aggregate decision statistics from the chain")

	printSection(w, "AUTONOMY")
	printCommand(w, "state", "Show the persisted autonomy state")
	printCommand(w, "liveness", "Record an operator liveness signal")
	printCommand(w, "clear", "Clear a panic with an operator credential")

	printSection(w, "UTILITIES")
	printCommand(w, "simulate", "Dry-run a decision from a request file")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// openStore selects a chain store per config and flag overrides.
func openStore(cfg *config.Config, backend, path string) (audit.Store, func(), error) {
	if backend == "" {
		backend = cfg.AuditBackend
	}
	if path == "" {
		path = cfg.SQLitePath
	}
	switch backend {
	case config.AuditMemory:
		return audit.NewMemoryStore(), func() {}, nil
	case config.AuditSQLite:
		db, err := audit.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		store, err := audit.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	case config.AuditPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := audit.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", backend)
	}
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		backend    string
		dbPath     string
		from, to   uint64
		jsonOutput bool
	)
	cmd.StringVar(&backend, "backend", "", "Audit backend (memory|sqlite|postgres)")
	cmd.StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Uint64Var(&from, "from", 0, "First sequence to verify (default: genesis)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to verify (default: head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	store, closeStore, err := openStore(config.Load(), backend, dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 2
	}
	defer closeStore()

	log, err := audit.NewLog(ctx, store, nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening log: %v\n", err)
		return 2
	}
	seq, head := log.Head()

	verifyErr := log.VerifyChain(ctx, from, to)
	if jsonOutput {
		result := map[string]any{
			"head_sequence": seq,
			"head_digest":   head,
			"valid":         verifyErr == nil,
		}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if verifyErr != nil {
		fmt.Fprintf(stdout, "%sCHAIN BROKEN%s %v\n", ColorBold+ColorRed, ColorReset, verifyErr)
	} else {
		fmt.Fprintf(stdout, "%sCHAIN OK%s %d records, head %s\n",
			ColorBold+ColorGreen, ColorReset, seq, head)
	}
	if verifyErr != nil {
		return 1
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		backend  string
		dbPath   string
		from, to uint64
		outPath  string
	)
	cmd.StringVar(&backend, "backend", "", "Audit backend (memory|sqlite|postgres)")
	cmd.StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Uint64Var(&from, "from", 0, "First sequence to export (default: genesis)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to export (default: head)")
	cmd.StringVar(&outPath, "out", "", "Output file (default: archive sink from environment)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	store, closeStore, err := openStore(config.Load(), backend, dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 2
	}
	defer closeStore()

	log, err := audit.NewLog(ctx, store, nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening log: %v\n", err)
		return 2
	}

	bundle, err := log.ExportBundle(ctx, from, to)
	if err != nil {
		fmt.Fprintf(stderr, "Error exporting bundle: %v\n", err)
		return 1
	}

	if outPath != "" {
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Error encoding bundle: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath, data, 0o640); err != nil {
			fmt.Fprintf(stderr, "Error writing bundle: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Bundle written: %s (%d records, digest %s)\n",
			outPath, len(bundle.Records), bundle.BundleDigest)
		return 0
	}

	sink, err := audit.NewSinkFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening archive sink: %v\n", err)
		return 2
	}
	location, err := sink.Archive(ctx, bundle)
	if err != nil {
		fmt.Fprintf(stderr, "Error archiving bundle: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Bundle archived: %s (%d records)\n", location, len(bundle.Records))
	return 0
}

func runState(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("state", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		statePath  string
		jsonOutput bool
	)
	cmd.StringVar(&statePath, "state", "", "Autonomy state file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output state as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if statePath == "" {
		statePath = config.Load().StatePath
	}

	store, err := autonomy.NewFileStore(statePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening state: %v\n", err)
		return 2
	}
	state, err := store.Load(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error loading state: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(state, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	levelColor := ColorGreen
	switch state.Level {
	case "AMBER":
		levelColor = ColorYellow
	case "RED", "BLACK":
		levelColor = ColorRed
	}
	fmt.Fprintf(stdout, "Level:     %s%s%s\n", ColorBold+levelColor, state.Level, ColorReset)
	if state.Panic {
		fmt.Fprintf(stdout, "Panic:     %sACTIVE%s (clearance required)\n", ColorBold+ColorRed, ColorReset)
	}
	fmt.Fprintf(stdout, "Since:     %s\n", state.Since.Format(time.RFC3339))
	fmt.Fprintf(stdout, "Cycle:     %d\n", state.Cycle)
	fmt.Fprintf(stdout, "Liveness:  %s\n", state.LastLiveness.Format(time.RFC3339))
	fmt.Fprintf(stdout, "Backlog:   %d\n", state.Backlog)
	fmt.Fprintf(stdout, "Criticals: %d\n", len(state.Criticals))
	return 0
}

// buildMachine wires a machine over the persisted state and the
// configured audit backend so operator actions land on the chain.
func buildMachine(ctx context.Context, cfg *config.Config, statePath string, clearance *autonomy.ClearanceValidator, stderr io.Writer) (*autonomy.Machine, func(), int) {
	if statePath == "" {
		statePath = cfg.StatePath
	}
	stateStore, err := autonomy.NewFileStore(statePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening state: %v\n", err)
		return nil, nil, 2
	}
	chainStore, closeStore, err := openStore(cfg, "", "")
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return nil, nil, 2
	}
	log, err := audit.NewLog(ctx, chainStore, nil, nil)
	if err != nil {
		closeStore()
		fmt.Fprintf(stderr, "Error opening log: %v\n", err)
		return nil, nil, 2
	}

	mcfg := autonomy.DefaultConfig()
	mcfg.AmberAfter = cfg.AmberAfter
	mcfg.RedAfter = cfg.RedAfter
	mcfg.PanicThreshold = cfg.PanicThreshold

	machine, err := autonomy.NewMachine(ctx, mcfg, nil, stateStore, log, clearance, nil)
	if err != nil {
		closeStore()
		fmt.Fprintf(stderr, "Error restoring machine: %v\n", err)
		return nil, nil, 2
	}
	return machine, closeStore, 0
}

func runLiveness(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("liveness", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		statePath string
		operator  string
		note      string
	)
	cmd.StringVar(&statePath, "state", "", "Autonomy state file")
	cmd.StringVar(&operator, "operator", "", "Operator identity (REQUIRED)")
	cmd.StringVar(&note, "note", "", "Optional note for the audit record")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if operator == "" {
		fmt.Fprintln(stderr, "Error: --operator is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	machine, closeStore, code := buildMachine(ctx, config.Load(), statePath, nil, stderr)
	if code != 0 {
		return code
	}
	defer closeStore()

	machine.RecordLiveness(ctx, operator, note)
	snap := machine.Snapshot()
	fmt.Fprintf(stdout, "Liveness recorded for %s (level %s)\n", operator, snap.Level)
	return 0
}

func runClear(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("clear", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		statePath    string
		token        string
		ceremonyPath string
	)
	cmd.StringVar(&statePath, "state", "", "Autonomy state file")
	cmd.StringVar(&token, "token", "", "Scoped operator bearer token")
	cmd.StringVar(&ceremonyPath, "ceremony", "", "Signed clearance request JSON file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if token == "" && ceremonyPath == "" {
		fmt.Fprintln(stderr, "Error: one of --token or --ceremony is required")
		cmd.Usage()
		return 2
	}

	validator := autonomy.NewClearanceValidator(autonomy.DefaultClearancePolicy(), nil)
	if secret := os.Getenv("ARCHON_CLEARANCE_SECRET"); secret != "" {
		validator.UseTokenManager(autonomy.NewTokenManager([]byte(secret), nil))
	} else if token != "" {
		fmt.Fprintln(stderr, "Error: ARCHON_CLEARANCE_SECRET is not set; token clearance unavailable")
		return 2
	}

	grant := autonomy.ClearanceGrant{Token: token}
	if ceremonyPath != "" {
		data, err := os.ReadFile(ceremonyPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading ceremony: %v\n", err)
			return 2
		}
		var req autonomy.ClearanceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			fmt.Fprintf(stderr, "Error parsing ceremony: %v\n", err)
			return 2
		}
		grant.Ceremony = &req
	}

	ctx := context.Background()
	machine, closeStore, code := buildMachine(ctx, config.Load(), statePath, validator, stderr)
	if code != 0 {
		return code
	}
	defer closeStore()

	if err := machine.ClearPanic(ctx, grant); err != nil {
		fmt.Fprintf(stderr, "%sClearance rejected:%s %v\n", ColorBold+ColorRed, ColorReset, err)
		return 1
	}
	snap := machine.Snapshot()
	fmt.Fprintf(stdout, "%sPanic cleared.%s Level is now %s.\n",
		ColorBold+ColorGreen, ColorReset, snap.Level)
	return 0
}

func runSimulate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		requestPath string
		role        string
		contractDir string
	)
	cmd.StringVar(&requestPath, "request", "", "Request JSON file (REQUIRED)")
	cmd.StringVar(&role, "role", string(rbac.RoleAdmin), "Role to bind the requesting agent to")
	cmd.StringVar(&contractDir, "contracts", "", "Extra contract manifests to load")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if requestPath == "" {
		fmt.Fprintln(stderr, "Error: --request is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(requestPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading request: %v\n", err)
		return 2
	}
	var wire struct {
		Agent        string         `json:"agent"`
		Operation    string         `json:"operation"`
		RiskCategory string         `json:"risk_category"`
		Payload      map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		fmt.Fprintf(stderr, "Error parsing request: %v\n", err)
		return 2
	}
	risk, err := contracts.ParseRiskCategory(wire.RiskCategory)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	req, err := contracts.NewOperationRequest(wire.Agent, wire.Operation, risk, wire.Payload, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error building request: %v\n", err)
		return 2
	}

	// A dry run decides against throwaway in-memory state; nothing it
	// does is persisted or enforced.
	ctx := context.Background()
	log, err := audit.NewLog(ctx, audit.NewMemoryStore(), nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	machine, err := autonomy.NewMachine(ctx, autonomy.DefaultConfig(), nil, nil, log, nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	library := intent.NewLibrary(log, nil)
	if contractDir != "" {
		if err := library.LoadDir(ctx, contractDir); err != nil {
			fmt.Fprintf(stderr, "Error loading contracts: %v\n", err)
			return 2
		}
	}
	checker, err := intent.NewChecker(nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg := registry.New(library, nil)
	if err := registry.RegisterDefaults(reg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	auth := rbac.NewStaticAuthorizer()
	if err := auth.Bind(req.Agent, rbac.Role(role)); err != nil {
		fmt.Fprintf(stderr, "Error binding role: %v\n", err)
		return 2
	}

	k, err := kernel.New(kernel.Deps{
		Registry:   reg,
		Authorizer: auth,
		Machine:    machine,
		Library:    library,
		Checker:    checker,
		Audit:      log,
	}, kernel.Config{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	decision, err := k.Decide(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error deciding: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(decision, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if decision.Verdict == contracts.VerdictDeny {
		return 1
	}
	return 0
}

func runMetrics(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("metrics", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		backend    string
		dbPath     string
		jsonOutput bool
	)
	cmd.StringVar(&backend, "backend", "", "Audit backend (memory|sqlite|postgres)")
	cmd.StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	store, closeStore, err := openStore(config.Load(), backend, dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 2
	}
	defer closeStore()

	log, err := audit.NewLog(ctx, store, nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening log: %v\n", err)
		return 2
	}
	seq, _ := log.Head()

	verdicts := map[string]int{}
	reasons := map[string]int{}
	var total int
	err = store.Range(ctx, 1, seq, func(rec *contracts.DecisionRecord) error {
		total++
		if rec.Verdict != "" {
			verdicts[rec.Verdict]++
		}
		if rec.Reason != "" {
			reasons[string(rec.Reason)]++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error reading chain: %v\n", err)
		return 1
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{
			"records":  total,
			"verdicts": verdicts,
			"reasons":  reasons,
		}, "", "  ")
		fmt.Fprintln(stdout, string(out))
		return 0
	}
	fmt.Fprintf(stdout, "%sRecords:%s %d\n", ColorBold, ColorReset, total)
	for _, v := range []string{"APPROVE", "DENY", "ESCALATE"} {
		if n := verdicts[v]; n > 0 {
			fmt.Fprintf(stdout, "  %-9s %d\n", v, n)
		}
	}
	for reason, n := range reasons {
		fmt.Fprintf(stdout, "  %-22s %d\n", reason, n)
	}
	return 0
}
