package wave

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

// ScopeContract is the fixed set of facts every wave-1 prompt states
// (spec §4.6: "Scope Contract, Platform Requirements, Tool Policy...").
type ScopeContract struct {
	Topic         string   `json:"topic"`
	Depth         string   `json:"depth"`
	TimeBudget    string   `json:"time_budget"`
	CitationPosture string `json:"citation_posture"`
	Deliverable   string   `json:"deliverable"`
	Questions     []string `json:"questions"`
	NonGoals      []string `json:"non_goals"`
	ToolsPrimary   []string `json:"tools_primary"`
	ToolsSecondary []string `json:"tools_secondary"`
	ToolsForbidden []string `json:"tools_forbidden"`
}

// PlanRequest bundles BuildPlan's inputs (spec §3: wave plan document
// fields plus the per-entry output_md/gap_id spec §3 requires).
type PlanRequest struct {
	RunID        string
	GeneratedAt  string
	WaveDir      string // "wave-1" or "wave-2"; prefixes each entry's output_md
	Perspectives []Perspective
	Limits       manifest.Limits
	Scope        ScopeContract
	// GapIDs maps perspective_id -> gap_id for a wave-2 plan (spec §3:
	// "For wave-2, also gap_id and entries ordered by ascending gap_id").
	// Left nil for a wave-1 plan.
	GapIDs map[string]string
}

// BuildPlan generates one byte-deterministic prompt per perspective. Wave-1
// entries sort by perspective_id; wave-2 entries (req.GapIDs non-nil) sort
// by ascending gap_id instead (spec §3). It rejects a perspective set
// larger than limits.MaxWave1Agents before generating anything (spec
// §4.6: "Exceeds max_wave1_agents -> WAVE_CAP_EXCEEDED").
func BuildPlan(req PlanRequest) (*Plan, *apperr.Error) {
	if len(req.Perspectives) > req.Limits.MaxWave1Agents {
		return nil, apperr.New(apperr.CodeWaveCapExceeded, "wave fan-out exceeds max_wave1_agents", map[string]any{
			"cap": req.Limits.MaxWave1Agents, "count": len(req.Perspectives),
		})
	}

	sorted := make([]Perspective, len(req.Perspectives))
	copy(sorted, req.Perspectives)
	if len(req.GapIDs) > 0 {
		sort.Slice(sorted, func(i, j int) bool { return req.GapIDs[sorted[i].ID] < req.GapIDs[sorted[j].ID] })
	} else {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	}

	entries := make([]PlanEntry, 0, len(sorted))
	for _, p := range sorted {
		md := renderPrompt(p, req.Scope)
		entries = append(entries, PlanEntry{
			PerspectiveID: p.ID,
			AgentType:     p.AgentType,
			OutputMD:      req.WaveDir + "/" + p.ID + ".md",
			PromptMD:      md,
			PromptDigest:  sha256Hex(md),
			GapID:         req.GapIDs[p.ID],
		})
	}

	plan := &Plan{
		SchemaVersion: "wave1.plan.v1",
		RunID:         req.RunID,
		GeneratedAt:   req.GeneratedAt,
		Entries:       entries,
	}
	plan.InputsDigest = inputsDigest(sorted, req.Limits, req.Scope)
	return plan, nil
}

// renderPrompt builds the wave-1 prompt markdown with sections in the
// fixed order spec §4.6 requires: Scope Contract, Platform Requirements,
// Tool Policy (Primary/Secondary/Forbidden), Questions, Non-goals,
// Deliverable/Time-budget/Depth/Citation-posture.
func renderPrompt(p Perspective, scope ScopeContract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Wave-1 Prompt: %s\n\n", p.Name)

	b.WriteString("## Scope Contract\n\n")
	fmt.Fprintf(&b, "- Topic: %s\n", scope.Topic)
	fmt.Fprintf(&b, "- Perspective: %s (%s)\n", p.Name, p.ID)
	fmt.Fprintf(&b, "- Max sources: %d\n", p.PromptContract.MaxSources)
	fmt.Fprintf(&b, "- Max words: %d\n\n", p.PromptContract.MaxWords)

	b.WriteString("## Platform Requirements\n\n")
	b.WriteString("- Output must be a single markdown document.\n")
	b.WriteString("- Required sections: Findings, Sources, Gaps.\n\n")

	b.WriteString("## Tool Policy\n\n")
	b.WriteString("### Primary\n\n")
	writeBullets(&b, scope.ToolsPrimary)
	b.WriteString("\n### Secondary\n\n")
	writeBullets(&b, scope.ToolsSecondary)
	b.WriteString("\n### Forbidden\n\n")
	writeBullets(&b, scope.ToolsForbidden)
	b.WriteString("\n")

	b.WriteString("## Questions\n\n")
	writeBullets(&b, scope.Questions)
	b.WriteString("\n")

	b.WriteString("## Non-goals\n\n")
	writeBullets(&b, scope.NonGoals)
	b.WriteString("\n")

	b.WriteString("## Deliverable\n\n")
	fmt.Fprintf(&b, "- Deliverable: %s\n", scope.Deliverable)
	fmt.Fprintf(&b, "- Time-budget: %s\n", scope.TimeBudget)
	fmt.Fprintf(&b, "- Depth: %s\n", scope.Depth)
	fmt.Fprintf(&b, "- Citation-posture: %s\n", scope.CitationPosture)

	return b.String()
}

func writeBullets(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- (none)\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// inputsDigest pins the plan's determinism to sha256(canonical(perspectives
// ∪ limits ∪ scope)) as spec §4.6 requires.
func inputsDigest(sortedPerspectives []Perspective, limits manifest.Limits, scope ScopeContract) string {
	payload := map[string]any{
		"perspectives": sortedPerspectives,
		"limits":       limits,
		"scope":        scope,
	}
	b, _ := json.Marshal(payload)
	return sha256Hex(string(b))
}
