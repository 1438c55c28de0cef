// Package wave implements the wave-1/wave-2 fan-out pipeline: plan
// generation, output ingest, review, retry, and the pivot decision (spec
// §4.6). Grounded in orchestrator_prd.go's multi-round collaborative PRD
// conversation machinery — ConversationRound/ExpertInput/PRDConversation
// already encode "fan out a prompt to several named roles, collect
// structured markdown responses, decide whether another round is needed";
// this package generalizes that engine from PRD experts to research
// perspectives.
package wave

// PromptContract pins one perspective's output budget (spec §3:
// perspectives.json `prompt_contract: { max_words, max_sources,
// tool_budget, must_include_sections[] }`).
type PromptContract struct {
	MaxWords            int      `json:"max_words"`
	MaxSources          int      `json:"max_sources"`
	ToolBudget          int      `json:"tool_budget,omitempty"`
	MustIncludeSections []string `json:"must_include_sections,omitempty"`
}

// Perspective is one research angle to fan a wave-1 prompt out to (spec
// §3: perspectives.json entries, `{ id, title, track, agent_type,
// prompt_contract }`). ID matches `^[A-Za-z0-9_-]+$` — no path segments.
type Perspective struct {
	ID             string         `json:"id"`
	Name           string         `json:"title"`
	Track          string         `json:"track"`
	AgentType      string         `json:"agent_type"`
	PromptContract PromptContract `json:"prompt_contract"`
}

// Perspective tracks (spec §3: `track ∈ {standard, independent}`).
const (
	TrackStandard    = "standard"
	TrackIndependent = "independent"
)

// PlanEntry is one wave prompt, byte-deterministic for identical inputs
// (spec §3: wave plan `entries[]`, `{ perspective_id, agent_type,
// output_md, prompt_md, prompt_digest }`, plus `gap_id` for wave-2).
type PlanEntry struct {
	PerspectiveID string `json:"perspective_id"`
	AgentType     string `json:"agent_type"`
	OutputMD      string `json:"output_md"`
	PromptMD      string `json:"prompt_md"`
	PromptDigest  string `json:"prompt_digest"`
	GapID         string `json:"gap_id,omitempty"`
}

// Plan is the full wave-1 (or wave-2) plan document (spec §3:
// `wave-<n>/wave<n>-plan.json = { schema_version, run_id, generated_at,
// inputs_digest, entries[] }`).
type Plan struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	GeneratedAt   string      `json:"generated_at"`
	InputsDigest  string      `json:"inputs_digest"`
	Entries       []PlanEntry `json:"entries"`
}

// Output is one agent-produced markdown for a perspective, as handed back
// by the driver (spec §4.6 "Wave output ingest").
type Output struct {
	PerspectiveID string
	Markdown      string
}

// SchemaVersionWaveOutputMeta is the sidecar's schema_version (spec §3:
// "wave-output-meta.v1").
const SchemaVersionWaveOutputMeta = "wave-output-meta.v1"

// SidecarMeta accompanies each ingested wave-<n>/<pid>.md (spec §3:
// `<pid>.meta.json = { schema_version, perspective_id, agent_type,
// output_md, prompt_digest="sha256:<hex>", agent_run_id, created_at,
// retry_count, source_input_path }`).
type SidecarMeta struct {
	SchemaVersion   string `json:"schema_version"`
	PerspectiveID   string `json:"perspective_id"`
	AgentType       string `json:"agent_type"`
	OutputMD        string `json:"output_md"`
	PromptDigest    string `json:"prompt_digest"`
	AgentRunID      string `json:"agent_run_id"`
	CreatedAt       string `json:"created_at"`
	RetryCount      int    `json:"retry_count"`
	SourceInputPath string `json:"source_input_path"`
	WordCount       int    `json:"word_count"`
	SourcesCount    int    `json:"sources_count"`
}
