package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/gates"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

// Input bundles every fact StageAdvance needs to evaluate preconditions,
// read ahead of time by the caller (the orchestrator tick) so this package
// stays a pure function of its arguments rather than doing its own file IO
// — mirroring how orchestrator.go's status dispatch is handed an
// already-loaded ticket rather than re-reading the board itself.
type Input struct {
	Manifest *manifest.Manifest
	Gates    *gates.Document

	// ArtifactExists reports whether a run-root-relative path exists.
	ArtifactExists func(relPath string) bool

	Wave2Count          int
	Wave2PlanSatisfied  bool
	PivotWave2Required  bool
	ReviewDecision      string // "PASS" or "CHANGES_REQUIRED", read from review-bundle.json
	ReviewIteration     int

	RequestedNext          manifest.Stage
	ExpectedManifestRevision *int
	Reason                   string

	// DigestInputs are caller-supplied hashes of the relevant file
	// contents for the transition being evaluated (e.g. sha256 of
	// wave-review.json, gates.json bytes). StageAdvance folds them,
	// together with (from, to, gates.revision), into inputs_digest so
	// repeated calls over identical filesystem state are byte-identical
	// (spec §4.5 step 6, §8 invariant G).
	DigestInputs map[string]string
}

// Decision is a successful StageAdvance outcome.
type Decision struct {
	From         manifest.Stage
	To           manifest.Stage
	InputsDigest string
}

// Advance evaluates preconditions for a stage transition and either
// returns the Decision to apply (caller persists it via manifest.Store.Write)
// or a typed *apperr.Error block (spec §4.5 steps 2-6).
func Advance(in Input) (*Decision, *apperr.Error) {
	m := in.Manifest

	if in.ExpectedManifestRevision != nil && *in.ExpectedManifestRevision != m.Revision {
		return nil, apperr.New(apperr.CodeRevisionMismatch, "manifest revision mismatch", map[string]any{
			"expected": *in.ExpectedManifestRevision,
			"actual":   m.Revision,
		})
	}

	if !m.Query.Constraints.OptionC.Enabled {
		return nil, apperr.New(apperr.CodeDisabled, "stage advance disabled by manifest-level kill switch", map[string]any{
			"run_id": m.RunID,
		})
	}

	from := m.Stage.Current

	var to manifest.Stage
	if in.RequestedNext != "" {
		if !Legal(from, in.RequestedNext) {
			return nil, apperr.New(apperr.CodeLifecycleRuleViolation, "requested_next is not a legal transition from "+string(from), map[string]any{
				"from": string(from), "requested_next": string(in.RequestedNext),
			})
		}
		to = in.RequestedNext
	} else {
		resolved, ok := DefaultNext(from, in.PivotWave2Required, in.ReviewDecision)
		if !ok {
			return nil, apperr.New(apperr.CodeLifecycleRuleViolation, "no default next stage from "+string(from), map[string]any{"from": string(from)})
		}
		to = resolved
	}

	if blockErr := evaluatePrecondition(in, from, to); blockErr != nil {
		blockErr.Details = withDigest(blockErr.Details, digest(from, to, in))
		return nil, blockErr
	}

	return &Decision{From: from, To: to, InputsDigest: digest(from, to, in)}, nil
}

func evaluatePrecondition(in Input, from, to manifest.Stage) *apperr.Error {
	m := in.Manifest
	switch {
	case from == manifest.StageInit && to == manifest.StageWave1:
		if !in.ArtifactExists("perspectives.json") {
			return missingArtifact(from, to, "perspectives.json")
		}
	case from == manifest.StageInit && to == manifest.StagePerspectives:
		// no precondition: always legal to move into the perspectives stage.
	case from == manifest.StagePerspectives && to == manifest.StageWave1:
		if !in.ArtifactExists("perspectives.json") {
			return missingArtifact(from, to, "perspectives.json")
		}
	case from == manifest.StageWave1 && to == manifest.StagePivot:
		if !in.ArtifactExists("wave-1/wave-review.json") {
			return missingArtifact(from, to, "wave-1/wave-review.json")
		}
		if !in.Gates.Pass(gates.GateB) {
			return gateBlocked(from, to, gates.GateB)
		}
	case from == manifest.StagePivot && to == manifest.StageWave2:
		if !in.ArtifactExists("pivot.json") {
			return missingArtifact(from, to, "pivot.json")
		}
	case from == manifest.StagePivot && to == manifest.StageCitations:
		if !in.ArtifactExists("pivot.json") {
			return missingArtifact(from, to, "pivot.json")
		}
	case from == manifest.StageWave2 && to == manifest.StageCitations:
		if in.Wave2Count < 1 || !in.Wave2PlanSatisfied {
			return missingArtifact(from, to, "wave-2/*.md")
		}
		if in.Wave2Count > m.Limits.MaxWave2Agents {
			return apperr.New(apperr.CodeWaveCapExceeded, "wave-2 fan-out exceeds max_wave2_agents", map[string]any{
				"cap": m.Limits.MaxWave2Agents, "count": in.Wave2Count, "stage": string(from),
			})
		}
	case from == manifest.StageCitations && to == manifest.StageSummaries:
		if !in.ArtifactExists("citations/citations.jsonl") {
			return missingArtifact(from, to, "citations/citations.jsonl")
		}
		if !in.Gates.Pass(gates.GateC) {
			return gateBlocked(from, to, gates.GateC)
		}
	case from == manifest.StageSummaries && to == manifest.StageSynthesis:
		if !in.ArtifactExists("summaries/summary-pack.json") {
			return missingArtifact(from, to, "summaries/summary-pack.json")
		}
		if !in.Gates.Pass(gates.GateD) {
			return gateBlocked(from, to, gates.GateD)
		}
	case from == manifest.StageSynthesis && to == manifest.StageReview:
		if !in.ArtifactExists("synthesis/final-synthesis.md") {
			return missingArtifact(from, to, "synthesis/final-synthesis.md")
		}
	case from == manifest.StageReview && to == manifest.StageFinalize:
		if !in.ArtifactExists("review/review-bundle.json") {
			return missingArtifact(from, to, "review/review-bundle.json")
		}
		if !in.Gates.Pass(gates.GateE) {
			return gateBlocked(from, to, gates.GateE)
		}
	case from == manifest.StageReview && to == manifest.StageSynthesis:
		if !in.ArtifactExists("review/review-bundle.json") {
			return missingArtifact(from, to, "review/review-bundle.json")
		}
		if in.ReviewIteration >= m.Limits.MaxReviewIterations {
			return apperr.New(apperr.CodeReviewCapExceeded, "review loop would exceed max_review_iterations", map[string]any{
				"cap": m.Limits.MaxReviewIterations, "count": in.ReviewIteration,
			})
		}
	}
	return nil
}

func missingArtifact(from, to manifest.Stage, file string) *apperr.Error {
	return apperr.New(apperr.CodeMissingArtifact, "required artifact "+file+" is missing", map[string]any{
		"from": string(from), "to": string(to), "file": file,
	})
}

func gateBlocked(from, to manifest.Stage, gate gates.ID) *apperr.Error {
	return apperr.New(apperr.CodeGateBlocked, "required gate "+string(gate)+" is not passing", map[string]any{
		"from": string(from), "to": string(to), "gate": string(gate),
	})
}

func withDigest(details map[string]any, d string) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details["decision"] = map[string]any{"inputs_digest": d}
	return details
}

// digest computes a deterministic sha256 over (from, to, gates.revision,
// sorted DigestInputs) so two consecutive Advance calls over identical
// filesystem state return byte-identical digests (spec §4.5 step 6).
func digest(from, to manifest.Stage, in Input) string {
	keys := make([]string, 0, len(in.DigestInputs))
	for k := range in.DigestInputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, map[string]string{"key": k, "value": in.DigestInputs[k]})
	}

	payload := map[string]any{
		"from":           string(from),
		"to":             string(to),
		"gates_revision": in.Gates.Revision,
		"inputs":         ordered,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// json.Marshal of this shape cannot fail; this path exists only to
		// satisfy the compiler's error check.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
