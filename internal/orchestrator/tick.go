// Package orchestrator implements the single-step tick executor (spec
// §4.10). It directly generalizes orchestrator.go's runCycle
// (lock -> reload -> dispatch by status -> save) into one deterministic
// step instead of an infinite ticker loop. A tick does no fan-out: the
// stage handler runs on the calling goroutine, and the run lock, not an
// in-process mutex, keeps ticks of one run from overlapping.
package orchestrator

import (
	"context"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/gates"
	"github.com/madhatter5501/deepresearch/internal/manifest"
	"github.com/madhatter5501/deepresearch/internal/runlock"
	"github.com/madhatter5501/deepresearch/internal/stage"
	"github.com/madhatter5501/deepresearch/internal/telemetry"
)

// StageOutcome is what a StageHandler reports after doing its stage's
// work: the gate updates to persist and the facts StageAdvance needs to
// evaluate the transition out of this stage.
type StageOutcome struct {
	GateUpdates   map[gates.ID]gates.Update
	InputsDigest  string
	DigestInputs  map[string]string

	RequestedNext      manifest.Stage
	Wave2Count         int
	Wave2PlanSatisfied bool
	PivotWave2Required bool
	ReviewDecision     string
	ReviewIteration    int
}

// StageHandler executes the work for one stage: invoking the driver (or
// skipping it under idempotence, per spec §4.10 step 4), writing
// artifacts via JsonStore, and reporting back what StageAdvance needs.
// Variants differ only in how they source wave outputs (fixture vs live
// driver vs post-pivot/post-summaries dispatch), per spec §4.10.
type StageHandler interface {
	Execute(ctx context.Context, m *manifest.Manifest) (StageOutcome, *apperr.Error)
}

// Deps bundles every collaborator a Tick call needs.
type Deps struct {
	RunRoot        string
	RunID          string
	ManifestStore  *manifest.Store
	GatesStore     *gates.Store
	ArtifactExists func(relPath string) bool
	Handlers       map[manifest.Stage]StageHandler
	Telemetry      *telemetry.Recorder
	Audit          *audit.Log
	Clock          clock.Clock
	LeaseSeconds   int
	HolderID       string
}

// Result is one tick's outcome.
type Result struct {
	Decision *stage.Decision
	Blocked  *apperr.Error
}

// Tick executes spec §4.10's common tick loop once. It returns a Result
// on success (including a successful typed block surfaced unchanged via
// Result.Blocked) or an error for conditions that prevent even starting
// the tick (lock contention, lifecycle halt states).
func Tick(ctx context.Context, deps Deps) (*Result, *apperr.Error) {
	lock, lockErr := runlock.Acquire(runlock.Options{
		RunRoot:      deps.RunRoot,
		RunID:        deps.RunID,
		LeaseSeconds: deps.LeaseSeconds,
		Reason:       "tick",
		HolderID:     deps.HolderID,
		Audit:        deps.Audit,
		Clock:        deps.Clock,
	})
	if lockErr != nil {
		if appErr, ok := lockErr.(*apperr.Error); ok {
			return nil, appErr
		}
		return nil, apperr.New(apperr.CodeLockHeld, lockErr.Error(), nil)
	}
	defer lock.Release()

	m, err := deps.ManifestStore.Read()
	if err != nil {
		return nil, apperr.New(apperr.CodeMissingArtifact, "failed reading manifest: "+err.Error(), nil)
	}

	switch m.Status {
	case manifest.StatusPaused:
		return nil, apperr.New(apperr.CodePaused, "run is paused", map[string]any{"run_id": m.RunID})
	case manifest.StatusCancelled:
		return nil, apperr.New(apperr.CodeCancelled, "run is cancelled", map[string]any{"run_id": m.RunID})
	}
	if m.Status.Terminal() {
		return nil, apperr.New(apperr.CodeAlreadyTerminated, "run already terminated", map[string]any{"run_id": m.RunID, "status": string(m.Status)})
	}

	started := deps.Clock.Now()
	if deps.Telemetry != nil {
		_ = deps.Telemetry.TickStart(m.RunID, string(m.Stage.Current))
	}

	handler, ok := deps.Handlers[m.Stage.Current]
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidArgs, "no stage handler registered for "+string(m.Stage.Current), nil)
	}

	outcome, blockErr := handler.Execute(ctx, m)
	if blockErr != nil {
		if deps.Telemetry != nil {
			_ = deps.Telemetry.TickFinish(m.RunID, string(m.Stage.Current), string(blockErr.Code), deps.Clock.Now().Sub(started), blockErr.Details)
		}
		return &Result{Blocked: blockErr}, nil
	}

	gatesDoc, err := deps.GatesStore.Read()
	if err != nil {
		return nil, apperr.New(apperr.CodeMissingArtifact, "failed reading gates: "+err.Error(), nil)
	}

	if len(outcome.GateUpdates) > 0 {
		rev := gatesDoc.Revision
		gatesDoc, err = deps.GatesStore.Write(m.RunID, outcome.GateUpdates, &rev, outcome.InputsDigest, "tick:"+string(m.Stage.Current))
		if err != nil {
			if appErr, ok := err.(*apperr.Error); ok {
				return &Result{Blocked: appErr}, nil
			}
			return nil, apperr.New(apperr.CodeDriverError, err.Error(), nil)
		}
	}

	// finalize has no outgoing edge: its handler's own tick marks the run
	// completed directly rather than going through StageAdvance, which
	// only ever fires when the arriving stage still has work to dispatch.
	if m.Stage.Current == manifest.StageFinalize {
		rev := m.Revision
		if _, werr := deps.ManifestStore.Write(m.RunID, manifest.Patch{"status": string(manifest.StatusCompleted)}, &rev, "finalize"); werr != nil {
			if appErr, ok := werr.(*apperr.Error); ok {
				return &Result{Blocked: appErr}, nil
			}
			return nil, apperr.New(apperr.CodeDriverError, werr.Error(), nil)
		}
		if deps.Telemetry != nil {
			_ = deps.Telemetry.TickFinish(m.RunID, string(m.Stage.Current), "ok", deps.Clock.Now().Sub(started), map[string]any{"to": string(manifest.StageFinalize)})
		}
		return &Result{Decision: &stage.Decision{From: manifest.StageFinalize, To: manifest.StageFinalize}}, nil
	}

	decision, advErr := stage.Advance(stage.Input{
		Manifest:                 m,
		Gates:                    gatesDoc,
		ArtifactExists:           deps.ArtifactExists,
		Wave2Count:               outcome.Wave2Count,
		Wave2PlanSatisfied:       outcome.Wave2PlanSatisfied,
		PivotWave2Required:       outcome.PivotWave2Required,
		ReviewDecision:           outcome.ReviewDecision,
		ReviewIteration:          outcome.ReviewIteration,
		RequestedNext:            outcome.RequestedNext,
		ExpectedManifestRevision: &m.Revision,
		Reason:                   "tick",
		DigestInputs:             outcome.DigestInputs,
	})
	if advErr != nil {
		if deps.Telemetry != nil {
			_ = deps.Telemetry.TickFinish(m.RunID, string(m.Stage.Current), string(advErr.Code), deps.Clock.Now().Sub(started), advErr.Details)
		}
		return &Result{Blocked: advErr}, nil
	}

	now := clock.ISO8601UTC(deps.Clock.Now())
	patch := manifest.Patch{
		"stage": map[string]any{
			"current":          string(decision.To),
			"last_progress_at": now,
			"history": append(historyAsPatch(m.Stage.History), map[string]any{
				"from": string(decision.From), "to": string(decision.To), "ts": now,
				"reason": "tick", "inputs_digest": decision.InputsDigest, "gates_revision": gatesDoc.Revision,
			}),
		},
	}
	// a review->synthesis transition is a revise loop: bump the gate E
	// retry count so the next review tick's iteration check (and the cap
	// StageAdvance enforces) sees the attempt that just happened.
	if decision.From == manifest.StageReview && decision.To == manifest.StageSynthesis {
		patch["metrics"] = map[string]any{
			"retry_counts": map[string]any{"E": outcome.ReviewIteration + 1},
		}
	}

	rev := m.Revision
	if _, werr := deps.ManifestStore.Write(m.RunID, patch, &rev, "stage_advance:"+string(decision.From)+"->"+string(decision.To)); werr != nil {
		if appErr, ok := werr.(*apperr.Error); ok {
			return &Result{Blocked: appErr}, nil
		}
		return nil, apperr.New(apperr.CodeDriverError, werr.Error(), nil)
	}

	if deps.Telemetry != nil {
		_ = deps.Telemetry.TickFinish(m.RunID, string(m.Stage.Current), "ok", deps.Clock.Now().Sub(started), map[string]any{"to": string(decision.To)})
	}

	return &Result{Decision: decision}, nil
}

func historyAsPatch(h []manifest.StageHistoryEntry) []map[string]any {
	out := make([]map[string]any, 0, len(h))
	for _, e := range h {
		out = append(out, map[string]any{
			"from": string(e.From), "to": string(e.To), "ts": e.TS,
			"reason": e.Reason, "inputs_digest": e.InputsDigest, "gates_revision": e.GatesRevision,
		})
	}
	return out
}

// RunToStage repeats Tick up to maxTicks times, stopping when the target
// stage is reached or a typed block is returned (spec §4.10: "…_run_live /
// _run_post_… variants repeat the tick up to max_ticks").
func RunToStage(ctx context.Context, deps Deps, target manifest.Stage, maxTicks int) ([]*Result, *apperr.Error) {
	var results []*Result
	for i := 0; i < maxTicks; i++ {
		res, err := Tick(ctx, deps)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Blocked != nil {
			return results, nil
		}
		if res.Decision != nil && res.Decision.To == target {
			return results, nil
		}
	}
	return results, nil
}
