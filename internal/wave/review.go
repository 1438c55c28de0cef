package wave

import (
	"sort"
	"strconv"
)

// PerspectiveResult is one perspective's review outcome.
type PerspectiveResult struct {
	PerspectiveID string `json:"perspective_id"`
	OK            bool   `json:"ok"`
	BlockingCode  string `json:"blocking_error_code,omitempty"`
	Note          string `json:"note,omitempty"`
}

// RetryDirective asks the next tick to replay one perspective.
type RetryDirective struct {
	PerspectiveID     string `json:"perspective_id"`
	Action            string `json:"action"`
	ChangeNote        string `json:"change_note"`
	BlockingErrorCode string `json:"blocking_error_code"`
}

// ReviewResult is the wave-review.json document (spec §4.6: "produce
// {ok, pass, validated, failed, results[], retry_directives[], report}").
type ReviewResult struct {
	OK              bool                `json:"ok"`
	Pass            bool                `json:"pass"`
	Validated       int                 `json:"validated"`
	Failed          int                 `json:"failed"`
	Results         []PerspectiveResult `json:"results"`
	RetryDirectives []RetryDirective    `json:"retry_directives"`
	Report          string              `json:"report"`
}

const defaultMaxFailures = 100

// Review consolidates per-perspective ingest outcomes into a
// ReviewResult, processing perspectives in stable (lexicographic) id
// order so the result is deterministic for fixed inputs (spec §4.6:
// "Deterministic for fixed inputs"). maxFailures caps retry_directives at
// 100 by default, per spec's "(default 100)".
func Review(results []PerspectiveResult, maxFailures int) ReviewResult {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}

	sorted := make([]PerspectiveResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PerspectiveID < sorted[j].PerspectiveID })

	validated, failed := 0, 0
	var directives []RetryDirective
	for _, r := range sorted {
		if r.OK {
			validated++
			continue
		}
		failed++
		if len(directives) < maxFailures {
			directives = append(directives, RetryDirective{
				PerspectiveID:     r.PerspectiveID,
				Action:            "retry",
				ChangeNote:        r.Note,
				BlockingErrorCode: r.BlockingCode,
			})
		}
	}

	return ReviewResult{
		OK:              true,
		Pass:            failed == 0,
		Validated:       validated,
		Failed:          failed,
		Results:         sorted,
		RetryDirectives: directives,
		Report:          renderReport(sorted, validated, failed),
	}
}

func renderReport(results []PerspectiveResult, validated, failed int) string {
	report := "# Wave-1 Review\n\n"
	report += "Validated: " + strconv.Itoa(validated) + ", Failed: " + strconv.Itoa(failed) + "\n\n"
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "failed: " + r.BlockingCode
		}
		report += "- " + r.PerspectiveID + ": " + status + "\n"
	}
	return report
}
