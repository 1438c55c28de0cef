// Package gatee computes Gate E from synthesis/final-synthesis.md and
// citations.jsonl (spec §4.9). gate_e_evaluate and gate_e_reports in the
// spec must emit identical metric values; here that is enforced by
// construction — Evaluate is the single function both the gate update and
// the reports/gate-e-*.json files are built from.
package gatee

import (
	"regexp"
	"strings"
)

// Metrics are Gate E's persisted metrics (spec §4.9). ReportSectionsPresent
// is a percentage (0..100), matching both gate_e_evaluate and
// gate_e_reports.
type Metrics struct {
	UncitedNumericClaims   int     `json:"uncited_numeric_claims"`
	ReportSectionsPresent  float64 `json:"report_sections_present"`
	DuplicateCitationRate  float64 `json:"duplicate_citation_rate"`
	CitationUtilizationRate float64 `json:"citation_utilization_rate"`
}

// Status is Gate E's evaluated pass/fail, plus any soft warnings.
type Status struct {
	Pass     bool
	Warnings []string
	Metrics  Metrics
}

var numericClaimRe = regexp.MustCompile(`\d+(\.\d+)?%?|[$€£]\s?\d+(\.\d+)?`)
var cidMentionRe = regexp.MustCompile(`\[@(cid_[0-9a-f]+)\]`)

// RequiredSections mirrors review.RequiredSynthesisSections; duplicated
// here (rather than imported) to keep gatee dependency-free of the
// review package, since the two evolve independently in the spec.
var RequiredSections = []string{"Summary", "Key Findings", "Evidence", "Caveats"}

// splitSentences is a conservative sentence splitter: split on '.', '!',
// '?' followed by whitespace or end of string. Good enough for the
// numeric-claim-citation scan; it does not need to handle abbreviations
// perfectly since a false sentence boundary only ever makes the check
// stricter (more, smaller sentences to individually cite).
var sentenceSplitRe = regexp.MustCompile(`(?s).+?(?:[.!?](?:\s+|$)|$)`)

func splitSentences(s string) []string {
	matches := sentenceSplitRe.FindAllString(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.TrimSpace(m) != "" {
			out = append(out, m)
		}
	}
	return out
}

func sectionsPresent(markdown string) (present int, total int) {
	total = len(RequiredSections)
	for _, want := range RequiredSections {
		if strings.Contains(markdown, "## "+want) {
			present++
		}
	}
	return present, total
}

// Evaluate computes Gate E per spec §4.9:
//   - Hard: uncited_numeric_claims must be 0 (a sentence containing a
//     numeric claim is cited iff it contains [@cid_...]);
//     report_sections_present must be 100.
//   - Soft warnings (never flip status when hard metrics pass):
//     HIGH_DUPLICATE_CITATION_RATE if duplicate_citation_rate > 0.2;
//     LOW_CITATION_UTILIZATION if citation_utilization_rate < 0.5.
//     (Paywalled citations count as validated in utilization.)
func Evaluate(synthesisMD string, totalCitations, validatedOrPaywalledCitations int, citedCIDCounts map[string]int) Status {
	uncited := 0
	for _, sentence := range splitSentences(synthesisMD) {
		if numericClaimRe.MatchString(sentence) && !cidMentionRe.MatchString(sentence) {
			uncited++
		}
	}

	present, total := sectionsPresent(synthesisMD)
	sectionsPct := 0.0
	if total > 0 {
		sectionsPct = 100.0 * float64(present) / float64(total)
	}

	var utilization float64
	if totalCitations > 0 {
		utilization = float64(validatedOrPaywalledCitations) / float64(totalCitations)
	}

	totalMentions := 0
	duplicateMentions := 0
	for _, count := range citedCIDCounts {
		totalMentions += count
		if count > 1 {
			duplicateMentions += count - 1
		}
	}
	var dupRate float64
	if totalMentions > 0 {
		dupRate = float64(duplicateMentions) / float64(totalMentions)
	}

	metrics := Metrics{
		UncitedNumericClaims:    uncited,
		ReportSectionsPresent:   sectionsPct,
		DuplicateCitationRate:   dupRate,
		CitationUtilizationRate: utilization,
	}

	pass := uncited == 0 && sectionsPct == 100.0

	var warnings []string
	if dupRate > 0.2 {
		warnings = append(warnings, "HIGH_DUPLICATE_CITATION_RATE")
	}
	if utilization < 0.5 {
		warnings = append(warnings, "LOW_CITATION_UTILIZATION")
	}

	return Status{Pass: pass, Warnings: warnings, Metrics: metrics}
}
