// Package driver defines the agent driver contract the core consumes
// (spec §6: "runAgent(...) -> {markdown}"), plus the two implementations
// the core ships: Fixture (deterministic, in-process, used by tests and
// dry runs) and Halting (the always-halt implementation used whenever no
// live network driver is wired, which per this repo's scope is always —
// network transport for agent calls is an explicit Non-goal). Grounded in
// the teacher's agents package boundary: orchestrator.go never talks to a
// provider directly, it calls through an injected interface, exactly the
// shape Runner generalizes here.
package driver

import (
	"context"
	"sort"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

// Request is one runAgent invocation's input (spec §6).
type Request struct {
	RunID         string
	Stage         string
	PerspectiveID string
	AgentType     string
	PromptMD      string
	PromptDigest  string
}

// Response is runAgent's output.
type Response struct {
	Markdown string
}

// Runner is the consumed agent driver contract. Implementations MUST
// return deterministic content for identical inputs and MUST NOT access
// the run root directly (spec §6).
type Runner interface {
	RunAgent(ctx context.Context, req Request) (Response, error)
}

// Fixture is a deterministic, in-process Runner backed by a canned
// perspective -> markdown map, for tests and dry runs.
type Fixture struct {
	Canned map[string]string
}

// NewFixture returns a Fixture serving canned markdown keyed by
// perspective id.
func NewFixture(canned map[string]string) *Fixture {
	return &Fixture{Canned: canned}
}

func (f *Fixture) RunAgent(ctx context.Context, req Request) (Response, error) {
	md, ok := f.Canned[req.PerspectiveID]
	if !ok {
		return Response{}, apperr.New(apperr.CodePerspectiveNotFound, "no fixture markdown for perspective", map[string]any{
			"perspective_id": req.PerspectiveID,
		})
	}
	return Response{Markdown: md}, nil
}

// MissingPerspective names one perspective the Halting driver could not
// serve, for the halt contract's missing_perspectives list.
type MissingPerspective struct {
	PerspectiveID string `json:"perspective_id"`
	PromptPath    string `json:"prompt_path"`
	PromptDigest  string `json:"prompt_digest"`
}

// Halting is the Runner used whenever no live agent transport is wired
// (always, in this repo). Every call fails with RUN_AGENT_REQUIRED; it
// also accumulates the perspectives it was asked for, so the caller can
// assemble the halt contract's missing_perspectives list.
type Halting struct {
	promptPaths map[string]string
	missing     []MissingPerspective
}

// NewHalting returns a Halting driver. promptPaths maps perspective id to
// the run-root-relative path of its wave prompt, used to populate the
// halt contract.
func NewHalting(promptPaths map[string]string) *Halting {
	return &Halting{promptPaths: promptPaths}
}

func (h *Halting) RunAgent(ctx context.Context, req Request) (Response, error) {
	h.missing = append(h.missing, MissingPerspective{
		PerspectiveID: req.PerspectiveID,
		PromptPath:    h.promptPaths[req.PerspectiveID],
		PromptDigest:  req.PromptDigest,
	})
	return Response{}, apperr.New(apperr.CodeRunAgentRequired, "external agent run is required to proceed", map[string]any{
		"stage": req.Stage, "perspective_id": req.PerspectiveID,
	})
}

// MissingPerspectives returns every perspective requested so far, sorted
// by perspective id, for byte-deterministic halt contracts.
func (h *Halting) MissingPerspectives() []MissingPerspective {
	out := make([]MissingPerspective, len(h.missing))
	copy(out, h.missing)
	sort.Slice(out, func(i, j int) bool { return out[i].PerspectiveID < out[j].PerspectiveID })
	return out
}

// HaltContract is the operator/halt/*.json document (spec §6).
type HaltContract struct {
	SchemaVersion string `json:"schema_version"`
	TickIndex     int    `json:"tick_index"`
	Error         struct {
		Code    string `json:"code"`
		Details struct {
			Stage               string               `json:"stage"`
			MissingPerspectives []MissingPerspective `json:"missing_perspectives"`
		} `json:"details"`
	} `json:"error"`
	NextCommands []string `json:"next_commands"`
}

// BuildHaltContract assembles the halt contract the core writes when it
// cannot proceed without an external agent run.
func BuildHaltContract(tickIndex int, stage string, missing []MissingPerspective, nextCommands []string) *HaltContract {
	hc := &HaltContract{SchemaVersion: "halt.v1", TickIndex: tickIndex, NextCommands: nextCommands}
	hc.Error.Code = string(apperr.CodeRunAgentRequired)
	hc.Error.Details.Stage = stage
	hc.Error.Details.MissingPerspectives = missing
	return hc
}
