package review

import (
	"regexp"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

// RequiredSynthesisSections are the sections synthesis_write must emit in
// order (spec §4.8).
var RequiredSynthesisSections = []string{"Summary", "Key Findings", "Evidence", "Caveats"}

var headingRe = regexp.MustCompile(`(?m)^## (.+)$`)

// WriteSynthesis validates that body contains the required sections in
// order and that every [@cid_x] reference appears in knownCIDs, returning
// the validated markdown unchanged (spec §4.8 synthesis_write).
func WriteSynthesis(body string, knownCIDs map[string]bool) (string, *apperr.Error) {
	matches := headingRe.FindAllStringSubmatch(body, -1)
	headings := make([]string, 0, len(matches))
	for _, m := range matches {
		headings = append(headings, m[1])
	}

	idx := 0
	for _, required := range RequiredSynthesisSections {
		found := false
		for idx < len(headings) {
			if headings[idx] == required {
				found = true
				idx++
				break
			}
			idx++
		}
		if !found {
			return "", apperr.New(apperr.CodeMissingRequiredSection, "missing required synthesis section "+required, map[string]any{
				"section": required,
			})
		}
	}

	for _, m := range cidMentionRe.FindAllStringSubmatch(body, -1) {
		if !knownCIDs[m[1]] {
			return "", apperr.New(apperr.CodeUnknownCID, "synthesis references unknown citation "+m[1], map[string]any{
				"cid": m[1],
			})
		}
	}

	return body, nil
}
