package wave

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

// Gap is one parsed "## Gaps" bullet (spec §4.6: "parses ## Gaps as one
// bullet per line with (Pn) priority marker"). ID distinguishes multiple
// gaps from the same perspective (spec §8 scenario E: "gap_ids: [gap_p1_2,
// gap_p1_1]").
type Gap struct {
	ID            string `json:"id"`
	PerspectiveID string `json:"perspective_id"`
	Priority      string `json:"priority"`
	Text          string `json:"text"`
	Ordinal       int    `json:"ordinal"`
}

// WaveOneOutput is one sorted wave-1 output entry in the pivot decision.
type WaveOneOutput struct {
	PerspectiveID string `json:"perspective_id"`
}

// PivotDecisionBlock carries the wave2 branch decision. RuleHit names the
// rule that produced wave2_required=true (spec §8 scenario E:
// `rule_hit="Wave2Required.P0"`); empty when wave2_required is false.
type PivotDecisionBlock struct {
	Wave2Required bool     `json:"wave2_required"`
	Wave2GapIDs   []string `json:"wave2_gap_ids"`
	RuleHit       string   `json:"rule_hit,omitempty"`
}

// Wave2RequiredP0Rule is the rule_hit value for a pivot decision driven
// by a P0 gap.
const Wave2RequiredP0Rule = "Wave2Required.P0"

// PivotDecision is the pivot.json document (spec §4.6).
type PivotDecision struct {
	SchemaVersion string              `json:"schema_version"`
	Wave1         struct {
		Outputs []WaveOneOutput `json:"outputs"`
	} `json:"wave1"`
	Gaps     []Gap               `json:"gaps"`
	Decision PivotDecisionBlock  `json:"decision"`
}

var gapLineRe = regexp.MustCompile(`^- (.*?)\s*\((P[0-2])\)\s*$`)

// ParseGaps extracts the bullet list under "## Gaps" from one perspective's
// wave-1 markdown. A gap line that doesn't carry a trailing (Pn) marker is
// malformed (spec §4.6: "malformed gaps -> GAPS_PARSE_FAILED").
func ParseGaps(perspectiveID, markdown string) ([]Gap, *apperr.Error) {
	secs := sections(markdown)
	body, ok := secs["Gaps"]
	if !ok {
		return nil, apperr.New(apperr.CodeMissingRequiredSection, "missing Gaps section", map[string]any{
			"perspective_id": perspectiveID,
		})
	}

	var gaps []Gap
	ordinal := 1
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m := gapLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			return nil, apperr.New(apperr.CodeGapsParseFailed, "gap line missing priority marker", map[string]any{
				"perspective_id": perspectiveID, "line": trimmed,
			})
		}
		gaps = append(gaps, Gap{
			ID:            fmt.Sprintf("gap_%s_%d", perspectiveID, ordinal),
			PerspectiveID: perspectiveID,
			Priority:      m[2],
			Text:          m[1],
			Ordinal:       ordinal,
		})
		ordinal++
	}
	return gaps, nil
}

func priorityRank(p string) int {
	switch p {
	case "P0":
		return 0
	case "P1":
		return 1
	case "P2":
		return 2
	default:
		return 3
	}
}

// BuildPivotDecision reads each wave-1 output (already gathered by the
// caller as perspectiveID -> markdown, in whatever order), validates
// contract compliance, parses gaps, and produces the sorted pivot
// decision. wave1ContractMet must be computed by the caller from the
// wave-review result (spec §4.6: "Non-compliant wave-1 ->
// WAVE1_CONTRACT_NOT_MET").
func BuildPivotDecision(outputs map[string]string, wave1ContractMet bool) (*PivotDecision, *apperr.Error) {
	if !wave1ContractMet {
		return nil, apperr.New(apperr.CodeWave1ContractNotMet, "wave-1 contract not met, cannot compute pivot decision", nil)
	}

	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var allGaps []Gap
	waveOutputs := make([]WaveOneOutput, 0, len(ids))
	for _, id := range ids {
		waveOutputs = append(waveOutputs, WaveOneOutput{PerspectiveID: id})
		gaps, err := ParseGaps(id, outputs[id])
		if err != nil {
			return nil, err
		}
		allGaps = append(allGaps, gaps...)
	}

	sort.SliceStable(allGaps, func(i, j int) bool {
		a, b := allGaps[i], allGaps[j]
		if priorityRank(a.Priority) != priorityRank(b.Priority) {
			return priorityRank(a.Priority) < priorityRank(b.Priority)
		}
		if a.PerspectiveID != b.PerspectiveID {
			return a.PerspectiveID < b.PerspectiveID
		}
		return a.Ordinal < b.Ordinal
	})

	wave2Required := false
	var gapIDs []string
	for _, g := range allGaps {
		if g.Priority == "P0" {
			wave2Required = true
			gapIDs = append(gapIDs, g.ID)
		}
	}

	block := PivotDecisionBlock{Wave2Required: wave2Required, Wave2GapIDs: gapIDs}
	if wave2Required {
		block.RuleHit = Wave2RequiredP0Rule
	}

	decision := &PivotDecision{SchemaVersion: "pivot_decision.v1", Gaps: allGaps}
	decision.Wave1.Outputs = waveOutputs
	decision.Decision = block
	return decision, nil
}
