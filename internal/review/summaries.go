// Package review implements summary_pack_build, synthesis_write,
// review_factory_run, and revision_control (spec §4.8). Grounded in
// orchestrator_prd.go's PM-synthesis step (ConversationRound.PMSynthesis)
// and orchestrator.go's createSignoffReport. The review bundle's
// decision/findings/directives are passed to BuildBundle as structured
// values; nothing in this package parses them out of agent markdown.
package review

import (
	"regexp"
	"strings"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

// Summary is one entry of summaries/summary-pack.json.
type Summary struct {
	PerspectiveID  string   `json:"perspective_id"`
	Body           string   `json:"body"`
	CitedCIDs      []string `json:"cited_cids"`
	EstimatedTokens int     `json:"estimated_tokens"`
}

// Pack is the summary-pack.json document (spec §4.8).
type Pack struct {
	SchemaVersion        string    `json:"schema_version"`
	Summaries            []Summary `json:"summaries"`
	TotalEstimatedTokens int       `json:"total_estimated_tokens"`
	Limits               struct {
		MaxSummaryKB      int `json:"max_summary_kb"`
		MaxTotalSummaryKB int `json:"max_total_summary_kb"`
	} `json:"limits"`
}

var cidMentionRe = regexp.MustCompile(`\[@(cid_[0-9a-f]+)\]`)
var rawURLRe = regexp.MustCompile(`https?://\S+`)

// estimateTokens approximates token count as words / 0.75, the common
// rough ratio used when no tokenizer is wired in.
func estimateTokens(body string) int {
	words := len(strings.Fields(body))
	return int(float64(words) / 0.75)
}

// BuildSummaryPack implements summary_pack_build (spec §4.8): every
// summary must carry at least one [@cid_...] mention; a raw URL in the
// body is rejected; per-summary and total size budgets are enforced in
// KB.
func BuildSummaryPack(bodies map[string]string, maxSummaryKB, maxTotalSummaryKB int) (*Pack, *apperr.Error) {
	pack := &Pack{SchemaVersion: "summary_pack.v1"}
	pack.Limits.MaxSummaryKB = maxSummaryKB
	pack.Limits.MaxTotalSummaryKB = maxTotalSummaryKB

	totalKB := 0
	for perspectiveID, body := range bodies {
		if rawURLRe.MatchString(stripCitedURLs(body)) {
			return nil, apperr.New(apperr.CodeRawURLNotAllowed, "raw URL found in summary body", map[string]any{
				"perspective_id": perspectiveID,
			})
		}
		mentions := cidMentionRe.FindAllStringSubmatch(body, -1)
		if len(mentions) == 0 {
			return nil, apperr.New(apperr.CodeMissingCIDMention, "summary must cite at least one [@cid_...]", map[string]any{
				"perspective_id": perspectiveID,
			})
		}

		kb := len(body) / 1024
		if kb > maxSummaryKB {
			return nil, apperr.New(apperr.CodeInvalidArgs, "summary exceeds max_summary_kb", map[string]any{
				"perspective_id": perspectiveID, "kb": kb, "max": maxSummaryKB,
			})
		}
		totalKB += kb

		cids := make([]string, 0, len(mentions))
		seen := map[string]bool{}
		for _, m := range mentions {
			if !seen[m[1]] {
				seen[m[1]] = true
				cids = append(cids, m[1])
			}
		}

		pack.Summaries = append(pack.Summaries, Summary{
			PerspectiveID:   perspectiveID,
			Body:            body,
			CitedCIDs:       cids,
			EstimatedTokens: estimateTokens(body),
		})
	}

	if totalKB > maxTotalSummaryKB {
		return nil, apperr.New(apperr.CodeInvalidArgs, "total summaries exceed max_total_summary_kb", map[string]any{
			"kb": totalKB, "max": maxTotalSummaryKB,
		})
	}

	for _, s := range pack.Summaries {
		pack.TotalEstimatedTokens += s.EstimatedTokens
	}

	return pack, nil
}

// stripCitedURLs removes [@cid_...] tokens before scanning for raw URLs so
// a cid like "cid_abcdef" is never mistaken for a raw URL.
func stripCitedURLs(body string) string {
	return cidMentionRe.ReplaceAllString(body, "")
}
