package review

import (
	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

// Action is revision_control's output action.
type Action string

const (
	ActionAdvance  Action = "advance"
	ActionRevise   Action = "revise"
	ActionEscalate Action = "escalate"
)

// RevisionDecision is revision_control's output (spec §4.8).
type RevisionDecision struct {
	Action Action         `json:"action"`
	Next   manifest.Stage `json:"next"`
}

// Control implements revision_control: given the review bundle's
// decision, Gate E's pass/fail, the current review iteration, and the
// run's max_review_iterations cap, decide whether to advance to finalize,
// revise back into synthesis, or escalate (spec §4.8).
//
//   decision=PASS ∧ GateE=pass           -> action=advance, next=finalize
//   decision=CHANGES_REQUIRED ∧ iter<cap -> action=revise,  next=synthesis
//   iteration >= cap                     -> action=escalate, next=review
func Control(bundleDecision Decision, gateEPass bool, iteration, maxReviewIterations int) RevisionDecision {
	if iteration >= maxReviewIterations {
		return RevisionDecision{Action: ActionEscalate, Next: manifest.StageReview}
	}
	if bundleDecision == DecisionPass && gateEPass {
		return RevisionDecision{Action: ActionAdvance, Next: manifest.StageFinalize}
	}
	return RevisionDecision{Action: ActionRevise, Next: manifest.StageSynthesis}
}

// CheckReviewCap is the REVIEW_CAP_EXCEEDED block StageAdvance emits on
// the advance attempt following an escalate decision (spec §4.6: "emit
// REVIEW_CAP_EXCEEDED from StageAdvance on the next advance attempt").
func CheckReviewCap(iteration, maxReviewIterations int) *apperr.Error {
	if iteration >= maxReviewIterations {
		return apperr.New(apperr.CodeReviewCapExceeded, "review loop would exceed max_review_iterations", map[string]any{
			"cap": maxReviewIterations, "count": iteration,
		})
	}
	return nil
}
