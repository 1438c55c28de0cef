// Package watchdog implements watchdog_check, the per-stage timeout
// detector (spec §4.12). Grounded in background.go's periodic
// background-agent sweep pattern (BackgroundAgentManager.runAgentLoop:
// wake on a ticker, call one small run function, act on the result),
// retargeted from worktree-pool bookkeeping to stage-timeout detection.
package watchdog

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

// StageTimeouts maps a stage to its maximum allowed dwell time.
type StageTimeouts map[manifest.Stage]time.Duration

// DefaultStageTimeouts are the fixed per-stage budgets spec §4.12 names:
// init 120s; wave stages (perspectives, wave1, pivot, wave2) 900s;
// summaries/synthesis 600s; review 300s; finalize 60s. citations is
// grouped with the wave stages as the nearest-specified bucket since the
// spec's prose does not name it explicitly.
var DefaultStageTimeouts = StageTimeouts{
	manifest.StageInit:         120 * time.Second,
	manifest.StagePerspectives: 900 * time.Second,
	manifest.StageWave1:        900 * time.Second,
	manifest.StagePivot:        900 * time.Second,
	manifest.StageWave2:        900 * time.Second,
	manifest.StageCitations:    900 * time.Second,
	manifest.StageSummaries:    600 * time.Second,
	manifest.StageSynthesis:    600 * time.Second,
	manifest.StageReview:       300 * time.Second,
	manifest.StageFinalize:     60 * time.Second,
}

// Result is the outcome of one Check call.
type Result struct {
	TimedOut bool
	Paused   bool
	Stage    manifest.Stage
	ElapsedS float64
}

// Check implements watchdog_check: compute elapsed_s = now -
// stage.last_progress_at. If manifest.status == paused, return
// {timed_out:false, paused:true} without mutation. Otherwise, if elapsed_s
// exceeds the stage's timeout, write logs/timeout-checkpoint.md, apply
// status=failed plus a timeout failure entry via store (so the mutation
// goes through the same revision/audit path as every other manifest
// write), and return {timed_out:true}.
func Check(m *manifest.Manifest, store *manifest.Store, checkpointPath string, timeouts StageTimeouts, now time.Time, lastKnownSubtask, nextSteps string) (Result, error) {
	if m.Status == manifest.StatusPaused {
		return Result{Paused: true}, nil
	}
	if m.Status.Terminal() {
		return Result{}, nil
	}

	timeout, ok := timeouts[m.Stage.Current]
	if !ok {
		timeout = DefaultStageTimeouts[m.Stage.Current]
	}

	lastProgress, err := time.Parse(time.RFC3339, m.Stage.LastProgressAt)
	if err != nil {
		return Result{}, fmt.Errorf("watchdog: parse last_progress_at %q: %w", m.Stage.LastProgressAt, err)
	}

	elapsed := now.Sub(lastProgress)
	if elapsed <= timeout {
		return Result{Stage: m.Stage.Current, ElapsedS: elapsed.Seconds()}, nil
	}

	checkpoint := renderCheckpoint(m.Stage.Current, elapsed, lastKnownSubtask, nextSteps)
	if err := os.WriteFile(checkpointPath, []byte(checkpoint), 0o644); err != nil {
		return Result{}, fmt.Errorf("watchdog: write checkpoint: %w", err)
	}

	patch := manifest.Patch{
		"status": string(manifest.StatusFailed),
		"failures": append(failuresAsPatch(m.Failures), map[string]any{
			"kind":      "timeout",
			"stage":     string(m.Stage.Current),
			"message":   fmt.Sprintf("timeout after %ds", int(elapsed.Seconds())),
			"retryable": false,
			"ts":        clock.ISO8601UTC(now),
		}),
	}
	if _, werr := store.Write(m.RunID, patch, intPtr(m.Revision), "watchdog_timeout"); werr != nil {
		if appErr, ok := werr.(*apperr.Error); ok {
			return Result{}, appErr
		}
		return Result{}, werr
	}

	return Result{TimedOut: true, Stage: m.Stage.Current, ElapsedS: elapsed.Seconds()}, nil
}

func intPtr(v int) *int { return &v }

func failuresAsPatch(failures []manifest.Failure) []map[string]any {
	out := make([]map[string]any, 0, len(failures))
	for _, f := range failures {
		out = append(out, map[string]any{
			"kind": f.Kind, "stage": f.Stage, "message": f.Message,
			"retryable": f.Retryable, "ts": f.TS, "extra": f.Extra,
		})
	}
	return out
}

func renderCheckpoint(stage manifest.Stage, elapsed time.Duration, lastKnownSubtask, nextSteps string) string {
	return fmt.Sprintf(
		"# Timeout Checkpoint\n\n- stage: %s\n- elapsed_seconds: %d\n- last_known_subtask: %s\n- next_steps: %s\n",
		stage, int(elapsed.Seconds()), lastKnownSubtask, nextSteps,
	)
}

// ParseCadence validates a cron-style sweep cadence expression, returning
// a descriptive error if malformed. The returned schedule is what Loop
// takes, so a malformed cadence fails before the first sweep, mirroring
// marcus-qen-legator's scheduler.go use of robfig/cron/v3 to validate its
// reconciliation cadence ahead of the first tick.
func ParseCadence(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("watchdog: invalid cron cadence %q: %w", expr, err)
	}
	return sched, nil
}

// Loop runs Check on an interval derived from a parsed cron.Schedule until
// stop is closed, invoking onResult after every sweep. Grounded directly
// in background.go's runAgentLoop shape: compute next wake time, sleep via
// a timer, invoke the work function, repeat.
func Loop(sched cron.Schedule, loadManifest func() (*manifest.Manifest, error), store *manifest.Store, checkpointPath string, timeouts StageTimeouts, clk clock.Clock, onResult func(Result, error), stop <-chan struct{}) {
	now := clk.Now()
	next := sched.Next(now)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			m, err := loadManifest()
			if err != nil {
				onResult(Result{}, err)
			} else {
				res, checkErr := Check(m, store, checkpointPath, timeouts, clk.Now(), "", "")
				onResult(res, checkErr)
			}
			now := clk.Now()
			next := sched.Next(now)
			timer.Reset(next.Sub(now))
		}
	}
}
