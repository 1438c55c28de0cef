// Package manifest owns manifest.json, the run's central authoritative
// state (spec §3/§4.3). It generalizes kanban/state.go's in-memory,
// mutex-guarded, file-persisted State into a revision-tracked store whose
// writes are optimistic-locked instead of merely "dirty and saved".
package manifest

import "github.com/madhatter5501/deepresearch/internal/jsonstore"

const SchemaVersion = "manifest.v1"

// Status is the run's overall lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether status accepts no further mutation (spec §3
// invariants: "status=terminal ⇒ no further mutations accepted").
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Stage is one of the 10 positions in the lifecycle graph (spec §4.5).
type Stage string

const (
	StageInit         Stage = "init"
	StagePerspectives Stage = "perspectives"
	StageWave1        Stage = "wave1"
	StagePivot        Stage = "pivot"
	StageWave2        Stage = "wave2"
	StageCitations    Stage = "citations"
	StageSummaries    Stage = "summaries"
	StageSynthesis    Stage = "synthesis"
	StageReview       Stage = "review"
	StageFinalize     Stage = "finalize"
)

// AllStages lists every valid stage value, in graph order.
var AllStages = []Stage{
	StageInit, StagePerspectives, StageWave1, StagePivot, StageWave2,
	StageCitations, StageSummaries, StageSynthesis, StageReview, StageFinalize,
}

func (s Stage) Valid() bool {
	for _, v := range AllStages {
		if v == s {
			return true
		}
	}
	return false
}

// StageHistoryEntry records one transition (spec §3: stage.history[i]).
type StageHistoryEntry struct {
	From          Stage  `json:"from"`
	To            Stage  `json:"to"`
	TS            string `json:"ts"`
	Reason        string `json:"reason"`
	InputsDigest  string `json:"inputs_digest"`
	GatesRevision int    `json:"gates_revision"`
}

// StageState is the manifest's stage tracking block.
type StageState struct {
	Current        Stage               `json:"current"`
	StartedAt      string              `json:"started_at"`
	LastProgressAt string              `json:"last_progress_at"`
	History        []StageHistoryEntry `json:"history"`
}

// Mode and Sensitivity are the query's enum fields.
type Mode string

const (
	ModeQuick    Mode = "quick"
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
)

type Sensitivity string

const (
	SensitivityNormal     Sensitivity = "normal"
	SensitivityRestricted Sensitivity = "restricted"
	SensitivityNoWeb      Sensitivity = "no_web"
)

// OptionC is the manifest-level kill switch StageAdvance consults (spec
// §4.5 step 3, §9 open question — the manifest-level flag is authoritative,
// the env-flag variant is a deprecated path this repo does not implement).
type OptionC struct {
	Enabled bool `json:"enabled"`
}

// DeepResearchFlags carries the citations-validation-mode precedence input
// (spec §4.7): manifest.query.constraints.deep_research_flags takes
// precedence over run-config.effective.citations, which takes precedence
// over an unset default.
type DeepResearchFlags struct {
	OnlineDryRun  *bool    `json:"online_dry_run,omitempty"`
	Endpoints     []string `json:"endpoints,omitempty"`
	IncludeWave2  *bool    `json:"include_wave2,omitempty"`
}

// Constraints holds the query's constraint block. OptionC and
// DeepResearchFlags are the two paths the core reads explicitly.
type Constraints struct {
	OptionC           OptionC            `json:"option_c"`
	DeepResearchFlags *DeepResearchFlags `json:"deep_research_flags,omitempty"`
}

// Query describes the run's research parameters.
type Query struct {
	Mode        Mode        `json:"mode"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Constraints Constraints `json:"constraints"`
}

// Limits holds the clamped run limits (spec §3: clamped on write).
type Limits struct {
	MaxWave1Agents      int `json:"max_wave1_agents"`
	MaxWave2Agents      int `json:"max_wave2_agents"`
	MaxSummaryKB        int `json:"max_summary_kb"`
	MaxTotalSummaryKB   int `json:"max_total_summary_kb"`
	MaxReviewIterations int `json:"max_review_iterations"`
}

// Clamp enforces spec §3's bounds in place: wave caps to [1,50], kb to
// [1,100000], reviews to >=0.
func (l *Limits) Clamp() {
	l.MaxWave1Agents = clampInt(l.MaxWave1Agents, 1, 50)
	l.MaxWave2Agents = clampInt(l.MaxWave2Agents, 1, 50)
	l.MaxSummaryKB = clampInt(l.MaxSummaryKB, 1, 100000)
	l.MaxTotalSummaryKB = clampInt(l.MaxTotalSummaryKB, 1, 100000)
	if l.MaxReviewIterations < 0 {
		l.MaxReviewIterations = 0
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RetryCounts tracks per-gate retry attempts for gates B through E.
type RetryCounts struct {
	B int `json:"B"`
	C int `json:"C"`
	D int `json:"D"`
	E int `json:"E"`
}

// RetryHistoryEntry records one retry_record call.
type RetryHistoryEntry struct {
	GateID     string `json:"gate_id"`
	Attempt    int    `json:"attempt"`
	ChangeNote string `json:"change_note"`
	Reason     string `json:"reason"`
	TS         string `json:"ts"`
}

// Metrics is the manifest's retry bookkeeping block.
type Metrics struct {
	RetryCounts  RetryCounts         `json:"retry_counts"`
	RetryHistory []RetryHistoryEntry `json:"retry_history"`
}

// ArtifactPaths is a free-form map of named relative paths (e.g.
// wave1_dir, wave2_dir, wave_review_report_file). Every value must resolve
// inside Root; Store.Write enforces this via PathGuard.
type ArtifactPaths map[string]string

// Artifacts describes where the run's files live.
type Artifacts struct {
	Root  string        `json:"root"`
	Paths ArtifactPaths `json:"paths"`
}

// Failure is one entry in the manifest's append-only failures list.
type Failure struct {
	Kind      string         `json:"kind"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	TS        string         `json:"ts"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Manifest is the full manifest.json document.
type Manifest struct {
	SchemaVersion string     `json:"schema_version"`
	RunID         string     `json:"run_id"`
	Revision      int        `json:"revision"`
	CreatedAt     string     `json:"created_at"`
	Status        Status     `json:"status"`
	Stage         StageState `json:"stage"`
	Query         Query      `json:"query"`
	Limits        Limits     `json:"limits"`
	Metrics       Metrics    `json:"metrics"`
	Artifacts     Artifacts  `json:"artifacts"`
	Failures      []Failure  `json:"failures"`
}

// ImmutableFields lists the JSON keys manifest_write must reject if a
// patch attempts to touch them (spec §4.3 step 2).
var ImmutableFields = []string{"run_id", "schema_version", "revision", "created_at", "artifacts.root"}

// Validate checks a decoded manifest document against spec §3's
// invariants, returning JSONPath-qualified violations.
func Validate(doc map[string]any) []jsonstore.ValidationError {
	var errs []jsonstore.ValidationError

	if v, _ := doc["schema_version"].(string); v != SchemaVersion {
		errs = append(errs, jsonstore.ValidationError{Path: "$.schema_version", Message: "must be " + SchemaVersion})
	}
	if v, _ := doc["run_id"].(string); v == "" {
		errs = append(errs, jsonstore.ValidationError{Path: "$.run_id", Message: "must be non-empty"})
	}
	rev, ok := doc["revision"].(float64)
	if !ok || rev < 1 {
		errs = append(errs, jsonstore.ValidationError{Path: "$.revision", Message: "must be a positive integer"})
	}

	status, _ := doc["status"].(string)
	switch Status(status) {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		errs = append(errs, jsonstore.ValidationError{Path: "$.status", Message: "invalid status " + status})
	}

	stage, _ := doc["stage"].(map[string]any)
	if stage == nil {
		errs = append(errs, jsonstore.ValidationError{Path: "$.stage", Message: "required"})
	} else {
		current, _ := stage["current"].(string)
		if !Stage(current).Valid() {
			errs = append(errs, jsonstore.ValidationError{Path: "$.stage.current", Message: "invalid stage " + current})
		}
	}

	artifacts, _ := doc["artifacts"].(map[string]any)
	if artifacts == nil {
		errs = append(errs, jsonstore.ValidationError{Path: "$.artifacts", Message: "required"})
	} else {
		root, _ := artifacts["root"].(string)
		if root == "" {
			errs = append(errs, jsonstore.ValidationError{Path: "$.artifacts.root", Message: "must be non-empty"})
		} else if !isAbs(root) {
			errs = append(errs, jsonstore.ValidationError{Path: "$.artifacts.root", Message: "must be absolute"})
		}
	}

	return errs
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}
