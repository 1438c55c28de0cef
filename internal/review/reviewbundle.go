package review

import "github.com/madhatter5501/deepresearch/internal/apperr"

// Decision is review_factory_run's decision field.
type Decision string

const (
	DecisionPass            Decision = "PASS"
	DecisionChangesRequired Decision = "CHANGES_REQUIRED"
)

// Finding is one review-bundle.json finding.
type Finding struct {
	Section string `json:"section"`
	Issue   string `json:"issue"`
	Note    string `json:"note,omitempty"`
}

// Directive is one review-bundle.json directive (a concrete ask for the
// next synthesis revision).
type Directive struct {
	Target string `json:"target"`
	Action string `json:"action"`
}

const maxBundleEntries = 100

// Bundle is the review/review-bundle.json document (spec §4.8).
type Bundle struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	Decision      Decision    `json:"decision"`
	Findings      []Finding   `json:"findings"`
	Directives    []Directive `json:"directives"`
}

// BuildBundle truncates findings/directives to 100 entries each (spec
// §4.8: "findings[], directives[] truncated to 100") and rejects any
// decision value outside {PASS, CHANGES_REQUIRED}.
func BuildBundle(runID string, decision Decision, findings []Finding, directives []Directive) (*Bundle, *apperr.Error) {
	if decision != DecisionPass && decision != DecisionChangesRequired {
		return nil, apperr.New(apperr.CodeInvalidReviewBundle, "review bundle decision must be PASS or CHANGES_REQUIRED", map[string]any{
			"decision": string(decision),
		})
	}

	if len(findings) > maxBundleEntries {
		findings = findings[:maxBundleEntries]
	}
	if len(directives) > maxBundleEntries {
		directives = directives[:maxBundleEntries]
	}

	return &Bundle{
		SchemaVersion: "review_bundle.v1",
		RunID:         runID,
		Decision:      decision,
		Findings:      findings,
		Directives:    directives,
	}, nil
}
