// Package stage implements the stage graph and the StageAdvance transition
// authority (spec §4.5). It generalizes the teacher's orchestrator.go
// status-machine (StatusApproved -> StatusRefining -> ... -> StatusDone,
// dispatched by a switch over ticket status) from a per-ticket enum into a
// run-wide stage graph, replacing orchestrator.go's "log and skip" failure
// style with typed, inspectable block results.
package stage

import "github.com/madhatter5501/deepresearch/internal/manifest"

// Edge is one legal (from, to) transition in the graph.
type Edge struct {
	From manifest.Stage
	To   manifest.Stage
}

// Graph lists every legal transition, matching spec §4.5's table. "init",
// "pivot" and "review" are the three stages with more than one legal next
// stage; init has no single default (the caller names perspectives or
// wave1), and for pivot and review the choice is resolved at Advance time
// by reading pivot.json's wave2_required flag and the review bundle's
// decision respectively.
var Graph = []Edge{
	{manifest.StageInit, manifest.StagePerspectives},
	{manifest.StageInit, manifest.StageWave1},
	{manifest.StagePerspectives, manifest.StageWave1},
	{manifest.StageWave1, manifest.StagePivot},
	{manifest.StagePivot, manifest.StageWave2},
	{manifest.StagePivot, manifest.StageCitations},
	{manifest.StageWave2, manifest.StageCitations},
	{manifest.StageCitations, manifest.StageSummaries},
	{manifest.StageSummaries, manifest.StageSynthesis},
	{manifest.StageSynthesis, manifest.StageReview},
	{manifest.StageReview, manifest.StageFinalize},
	{manifest.StageReview, manifest.StageSynthesis},
}

// Legal reports whether (from, to) is a listed edge.
func Legal(from, to manifest.Stage) bool {
	for _, e := range Graph {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// CandidatesFrom returns every legal "to" stage reachable from from.
func CandidatesFrom(from manifest.Stage) []manifest.Stage {
	var out []manifest.Stage
	for _, e := range Graph {
		if e.From == from {
			out = append(out, e.To)
		}
	}
	return out
}

// DefaultNext resolves the default "to" stage for from when the caller
// supplies no requested_next, given the extra signals stage.pivot and
// stage.review need (spec §4.5 table): wave2Required decides pivot's
// branch, reviewDecision decides review's branch. Stages with exactly one
// outgoing edge ignore both arguments.
func DefaultNext(from manifest.Stage, wave2Required bool, reviewDecision string) (manifest.Stage, bool) {
	switch from {
	case manifest.StagePivot:
		if wave2Required {
			return manifest.StageWave2, true
		}
		return manifest.StageCitations, true
	case manifest.StageReview:
		if reviewDecision == "PASS" {
			return manifest.StageFinalize, true
		}
		return manifest.StageSynthesis, true
	default:
		cands := CandidatesFrom(from)
		if len(cands) == 1 {
			return cands[0], true
		}
		return "", false
	}
}
