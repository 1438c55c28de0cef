// Command research is the thin operator CLI for the deep-research run
// orchestrator: flag parsing and stdout rendering only, per spec §1's
// framing that the operator CLI surface is out of scope for the core.
// Adapted from cmd/factory/main.go's flag.Bool subcommand-switch idiom;
// the kanban-board/dashboard/agent-spawning flags are gone, replaced by
// run-lifecycle flags (-init, -tick, -run-to-finalize, -status, -watchdog,
// -index, -report, -serve); -run names the run they operate on.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/driver"
	"github.com/madhatter5501/deepresearch/internal/gates"
	"github.com/madhatter5501/deepresearch/internal/manifest"
	"github.com/madhatter5501/deepresearch/internal/orchestrator"
	"github.com/madhatter5501/deepresearch/internal/runroot"
	"github.com/madhatter5501/deepresearch/internal/sqlindex"
	"github.com/madhatter5501/deepresearch/internal/telemetry"
	"github.com/madhatter5501/deepresearch/internal/wave"
	"github.com/madhatter5501/deepresearch/internal/watchdog"
	"github.com/madhatter5501/deepresearch/internal/web"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed loading .env: %v\n", err)
	}

	var (
		runsDir     = flag.String("runs-dir", "./runs", "Parent directory holding run roots")
		runID       = flag.String("run", "", "Run id to operate on")
		topic       = flag.String("topic", "", "Research topic, required with -init")
		maxTicks    = flag.Int("max-ticks", 20, "Max ticks for -run-to-finalize")
		leaseSecs   = flag.Int("lease-seconds", 60, "Run lock lease duration")
		holderID    = flag.String("holder", "cli", "Lock holder id")
		addr        = flag.String("addr", ":8080", "Listen address for -serve")
		showVersion = flag.Bool("version", false, "Show version")

		doInit     = flag.Bool("init", false, "Bootstrap a new run")
		doTick     = flag.Bool("tick", false, "Execute a single orchestrator tick")
		doRun      = flag.Bool("run-to-finalize", false, "Repeat ticks up to -max-ticks or until finalize")
		doStatus   = flag.Bool("status", false, "Print manifest + gates for -run")
		doWatchdog = flag.Bool("watchdog", false, "Run one watchdog timeout check")
		doServe    = flag.Bool("serve", false, "Start the read-only status server")
		doIndex    = flag.Bool("index", false, "Rebuild the secondary SQL index from logs/")
		doReport   = flag.Bool("report", false, "Print a per-run activity summary from the SQL index")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("research %s (commit: %s)\n", version, gitCommit)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clk := clock.System{}

	switch {
	case *doInit:
		runInit(logger, clk, *runsDir, *runID, *topic)
	case *doTick:
		runTick(logger, clk, *runsDir, *runID, *leaseSecs, *holderID)
	case *doRun:
		runToFinalize(logger, clk, *runsDir, *runID, *maxTicks, *leaseSecs, *holderID)
	case *doStatus:
		runStatus(*runsDir, *runID)
	case *doWatchdog:
		runWatchdog(logger, clk, *runsDir, *runID)
	case *doIndex:
		runIndex(*runsDir, *runID)
	case *doReport:
		runReport(*runsDir, *runID)
	case *doServe:
		runServe(logger, *addr, *runsDir)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runRootFor(runsDir, runID string) string {
	return filepath.Join(runsDir, runID)
}

func openStores(root string, clk clock.Clock) (*manifest.Store, *gates.Store, *audit.Log) {
	auditLog := audit.New(root)
	arena, err := runroot.Open(root, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open run root: %v\n", err)
		os.Exit(1)
	}
	manifestStore := manifest.New(arena.ManifestPath(), auditLog, clk)
	gatesStore := gates.New(arena.GatesPath(), auditLog, clk)
	return manifestStore, gatesStore, auditLog
}

func requireRunID(runID string) {
	if runID == "" {
		fmt.Fprintln(os.Stderr, "error: -run is required")
		os.Exit(2)
	}
}

// defaultPerspectives is the fixed perspective set the CLI plans every run
// with; the perspectives stage writes it to perspectives.json. No flag,
// -init included, supplies a different set.
func defaultPerspectives() []wave.Perspective {
	contract := wave.PromptContract{MaxSources: 10, MaxWords: 1500}
	return []wave.Perspective{
		{ID: "market", Name: "Market landscape", Track: wave.TrackStandard, AgentType: "researcher", PromptContract: contract},
		{ID: "technical", Name: "Technical feasibility", Track: wave.TrackStandard, AgentType: "researcher", PromptContract: contract},
		{ID: "risk", Name: "Risk and compliance", Track: wave.TrackIndependent, AgentType: "researcher", PromptContract: contract},
	}
}

func runInit(logger *slog.Logger, clk clock.Clock, runsDir, runID, topic string) {
	requireRunID(runID)
	if topic == "" {
		fmt.Fprintln(os.Stderr, "error: -topic is required with -init")
		os.Exit(2)
	}

	root := runRootFor(runsDir, runID)
	arena, err := runroot.Create(runsDir, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create run root: %v\n", err)
		os.Exit(1)
	}

	auditLog := audit.New(root)
	manifestStore := manifest.New(arena.ManifestPath(), auditLog, clk)
	gatesStore := gates.New(arena.GatesPath(), auditLog, clk)

	m := &manifest.Manifest{
		RunID:  runID,
		Status: manifest.StatusRunning,
		Stage:  manifest.StageState{Current: manifest.StageInit},
		Query: manifest.Query{
			Mode:        manifest.ModeStandard,
			Sensitivity: manifest.SensitivityNormal,
			Constraints: manifest.Constraints{OptionC: manifest.OptionC{Enabled: true}},
		},
		Limits: manifest.Limits{
			MaxWave1Agents: 5, MaxWave2Agents: 3,
			MaxSummaryKB: 32, MaxTotalSummaryKB: 256, MaxReviewIterations: 2,
		},
		Artifacts: manifest.Artifacts{Root: arena.Root()},
	}
	if err := manifestStore.Bootstrap(m); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap manifest: %v\n", err)
		os.Exit(1)
	}
	if err := gatesStore.Bootstrap(gates.NewDocument(runID)); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap gates: %v\n", err)
		os.Exit(1)
	}

	logger.Info("research: run initialized", "run_id", runID, "root", root, "topic", topic)
	fmt.Printf("initialized run %s at %s\n", runID, root)
}

func buildPipeline(root string, clk clock.Clock) *orchestrator.Pipeline {
	arena, err := runroot.Open(root, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open run root: %v\n", err)
		os.Exit(1)
	}
	return &orchestrator.Pipeline{
		Arena:        arena,
		Driver:       driver.NewHalting(map[string]string{}),
		Perspectives: defaultPerspectives(),
		Scope: wave.ScopeContract{
			Topic: "unspecified", Depth: "standard", TimeBudget: "P1D",
			CitationPosture: "strict", Deliverable: "synthesis report",
		},
		Clock: clk,
	}
}

func buildDeps(logger *slog.Logger, clk clock.Clock, root, runID string, leaseSeconds int, holderID string) (orchestrator.Deps, *orchestrator.Pipeline) {
	manifestStore, gatesStore, auditLog := openStores(root, clk)
	pipeline := buildPipeline(root, clk)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	recorder := telemetry.NewRecorder(pipeline.Arena.TicksLogPath(), pipeline.Arena.TelemetryLogPath(), clk, metrics)

	deps := orchestrator.Deps{
		RunRoot:       root,
		RunID:         runID,
		ManifestStore: manifestStore,
		GatesStore:    gatesStore,
		ArtifactExists: func(relPath string) bool {
			_, err := os.Stat(filepath.Join(root, relPath))
			return err == nil
		},
		Handlers:     pipeline.Handlers(),
		Telemetry:    recorder,
		Audit:        auditLog,
		Clock:        clk,
		LeaseSeconds: leaseSeconds,
		HolderID:     holderID,
	}
	return deps, pipeline
}

func runTick(logger *slog.Logger, clk clock.Clock, runsDir, runID string, leaseSeconds int, holderID string) {
	requireRunID(runID)
	root := runRootFor(runsDir, runID)
	deps, _ := buildDeps(logger, clk, root, runID, leaseSeconds, holderID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := orchestrator.Tick(ctx, deps)
	printTickResult(result, err)
	if err != nil {
		os.Exit(1)
	}
}

func runToFinalize(logger *slog.Logger, clk clock.Clock, runsDir, runID string, maxTicks, leaseSeconds int, holderID string) {
	requireRunID(runID)
	root := runRootFor(runsDir, runID)
	deps, _ := buildDeps(logger, clk, root, runID, leaseSeconds, holderID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	results, err := orchestrator.RunToStage(ctx, deps, manifest.StageFinalize, maxTicks)
	for _, r := range results {
		printTickResult(r, nil)
	}
	if err != nil {
		printErr(err)
		os.Exit(1)
	}
}

func printTickResult(result *orchestrator.Result, err *apperr.Error) {
	if err != nil {
		printErr(err)
		return
	}
	if result.Blocked != nil {
		printErr(result.Blocked)
		return
	}
	fmt.Printf("ok: %s -> %s (inputs_digest=%s)\n", result.Decision.From, result.Decision.To, result.Decision.InputsDigest)
}

func printErr(err *apperr.Error) {
	envelope := map[string]any{"ok": false, "error": map[string]any{"code": string(err.Code), "message": err.Message, "details": err.Details}}
	data, _ := json.MarshalIndent(envelope, "", "  ")
	fmt.Println(string(data))
}

func runStatus(runsDir, runID string) {
	requireRunID(runID)
	root := runRootFor(runsDir, runID)
	manifestStore, gatesStore, _ := openStores(root, clock.System{})

	m, err := manifestStore.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read manifest: %v\n", err)
		os.Exit(1)
	}
	g, err := gatesStore.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read gates: %v\n", err)
		os.Exit(1)
	}

	data, _ := json.MarshalIndent(map[string]any{"manifest": m, "gates": g}, "", "  ")
	fmt.Println(string(data))
}

func runWatchdog(logger *slog.Logger, clk clock.Clock, runsDir, runID string) {
	requireRunID(runID)
	root := runRootFor(runsDir, runID)
	manifestStore, _, _ := openStores(root, clk)
	arena, err := runroot.Open(root, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open run root: %v\n", err)
		os.Exit(1)
	}

	m, err := manifestStore.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read manifest: %v\n", err)
		os.Exit(1)
	}

	result, werr := watchdog.Check(m, manifestStore, arena.TimeoutCheckpointPath(), watchdog.DefaultStageTimeouts, clk.Now(), "", "")
	if werr != nil {
		fmt.Fprintf(os.Stderr, "watchdog check failed: %v\n", werr)
		os.Exit(1)
	}
	if result.TimedOut {
		logger.Warn("research: stage timed out", "run_id", runID, "stage", result.Stage, "elapsed_s", result.ElapsedS)
		fmt.Printf("timeout: stage=%s elapsed_s=%.0f\n", result.Stage, result.ElapsedS)
		return
	}
	fmt.Printf("ok: stage=%s elapsed_s=%.0f\n", result.Stage, result.ElapsedS)
}

func runIndex(runsDir, runID string) {
	requireRunID(runID)
	root := runRootFor(runsDir, runID)
	arena, err := runroot.Open(root, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open run root: %v\n", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(root, "metrics", "index.sqlite")
	db, err := sqlindex.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open index: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Rebuild(arena.AuditLogPath(), arena.TicksLogPath()); err != nil {
		fmt.Fprintf(os.Stderr, "rebuild index: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("rebuilt index at %s\n", dbPath)
}

func runReport(runsDir, runID string) {
	requireRunID(runID)
	root := runRootFor(runsDir, runID)
	dbPath := filepath.Join(root, "metrics", "index.sqlite")
	db, err := sqlindex.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open index: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	summary, err := db.Summarize(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "summarize: %v\n", err)
		os.Exit(1)
	}
	data, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(data))
}

func runServe(logger *slog.Logger, addr, runsDir string) {
	resolve := func(runID string) (*manifest.Store, *gates.Store, bool) {
		root := runRootFor(runsDir, runID)
		if _, err := os.Stat(root); err != nil {
			return nil, nil, false
		}
		manifestStore, gatesStore, _ := openStores(root, clock.System{})
		return manifestStore, gatesStore, true
	}

	server := web.NewServer(addr, resolve, logger)
	server.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	if err := server.GracefulShutdown(); err != nil {
		logger.Error("research: server shutdown error", "error", err)
	}
}
