// Package runroot models a run's directory as an owning arena: every file
// artifact is addressed as (root, relative path) rather than by an absolute
// string passed around loosely, which is how spec §9's "cyclic references"
// design note (manifest -> artifacts.root -> manifest path) is resolved —
// the Arena is the single place that knows the root, and every other
// component asks it for paths instead of reconstructing them.
package runroot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/madhatter5501/deepresearch/internal/pathguard"
)

// Standard top-level layout, named directly from spec §3/§6.
const (
	ManifestFile     = "manifest.json"
	GatesFile        = "gates.json"
	PerspectivesFile = "perspectives.json"
	PivotFile        = "pivot.json"

	Wave1Dir     = "wave-1"
	Wave2Dir     = "wave-2"
	CitationsDir = "citations"
	SummariesDir = "summaries"
	SynthesisDir = "synthesis"
	ReviewDir    = "review"
	ReportsDir   = "reports"
	RetryDir     = "retry"
	LogsDir      = "logs"
	MetricsDir   = "metrics"
	OperatorDir  = "operator"
)

// Arena owns a single run root: it validates every relative path through a
// pathguard.Guard before handing back an absolute path.
type Arena struct {
	RunID string
	guard *pathguard.Guard
}

// Create makes a new run root directory (and its fixed subdirectories) for
// runID under parentDir, and returns an Arena for it.
func Create(parentDir, runID string) (*Arena, error) {
	root := filepath.Join(parentDir, runID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	for _, d := range []string{Wave1Dir, Wave2Dir, CitationsDir, SummariesDir, SynthesisDir, ReviewDir, ReportsDir, RetryDir, LogsDir, MetricsDir, OperatorDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, err
		}
	}
	return Open(root, runID)
}

// Open returns an Arena for an existing run root directory.
func Open(root, runID string) (*Arena, error) {
	g, err := pathguard.New(root)
	if err != nil {
		return nil, err
	}
	return &Arena{RunID: runID, guard: g}, nil
}

// Root returns the arena's resolved absolute run root.
func (a *Arena) Root() string { return a.guard.Root() }

// Guard exposes the underlying PathGuard for components that need to
// validate operator- or driver-supplied relative paths directly.
func (a *Arena) Guard() *pathguard.Guard { return a.guard }

// Path resolves a run-root-relative path to an absolute path, validated by
// PathGuard. Invalid paths, including an empty argument list (which joins
// to ""), return an error via the returned (string, error) pair from the
// underlying guard — callers that know their segments are safe literals
// (e.g. runroot.ManifestFile) may use MustPath instead.
func (a *Arena) Path(segments ...string) (string, error) {
	return a.guard.Resolve(filepath.Join(segments...))
}

// MustPath resolves a path built entirely from package constants (never
// operator or driver input) and panics if PathGuard somehow rejects it —
// a programming-error backstop, not a runtime validation path.
func (a *Arena) MustPath(segments ...string) string {
	p, err := a.Path(segments...)
	if err != nil {
		panic("runroot: invalid internal path: " + err.Error())
	}
	return p
}

// ManifestPath, GatesPath, PerspectivesPath, PivotPath are convenience
// accessors for the fixed top-level documents.
func (a *Arena) ManifestPath() string     { return a.MustPath(ManifestFile) }
func (a *Arena) GatesPath() string        { return a.MustPath(GatesFile) }
func (a *Arena) PerspectivesPath() string { return a.MustPath(PerspectivesFile) }
func (a *Arena) PivotPath() string        { return a.MustPath(PivotFile) }

// WaveDir returns the directory for wave n (1 or 2).
func (a *Arena) WaveDir(n int) string {
	if n == 2 {
		return a.MustPath(Wave2Dir)
	}
	return a.MustPath(Wave1Dir)
}

// AuditLogPath, TicksLogPath, TelemetryLogPath, LockPath are the fixed
// files under logs/.
func (a *Arena) AuditLogPath() string     { return a.MustPath(LogsDir, "audit.jsonl") }
func (a *Arena) TicksLogPath() string     { return a.MustPath(LogsDir, "ticks.jsonl") }
func (a *Arena) TelemetryLogPath() string { return a.MustPath(LogsDir, "telemetry.jsonl") }
func (a *Arena) LockPath() string         { return a.MustPath(LogsDir, "run.lock") }
func (a *Arena) TimeoutCheckpointPath() string {
	return a.MustPath(LogsDir, "timeout-checkpoint.md")
}
func (a *Arena) FallbackSummaryPath() string { return a.MustPath(LogsDir, "fallback-summary.md") }

// HaltDir, HaltLatestPath, HaltTickPath implement the operator halt
// contract's numbered-and-latest files (spec §6).
func (a *Arena) HaltDir() string       { return a.MustPath(OperatorDir, "halt") }
func (a *Arena) HaltLatestPath() string { return a.MustPath(OperatorDir, "halt", "latest.json") }
func (a *Arena) HaltTickPath(tickIndex int) string {
	return a.MustPath(OperatorDir, "halt", tickName(tickIndex))
}

func tickName(tickIndex int) string {
	return fmt.Sprintf("tick-%04d.json", tickIndex)
}
