// Package gates owns gates.json, the six quality gates A-F (spec §3/§4.4).
// It is the sibling of internal/manifest: same file-store, revision-
// tracked, audited idiom, generalized from kanban/state.go, applied to a
// different document shape.
package gates

import (
	"time"

	"github.com/madhatter5501/deepresearch/internal/jsonstore"
)

const SchemaVersion = "gates.v1"

// ID identifies one of the six gates.
type ID string

const (
	GateA ID = "A"
	GateB ID = "B"
	GateC ID = "C"
	GateD ID = "D"
	GateE ID = "E"
	GateF ID = "F"
)

// AllGateIDs lists every gate, in spec order.
var AllGateIDs = []ID{GateA, GateB, GateC, GateD, GateE, GateF}

// HardGates are gates for which status=warn is forbidden.
var HardGates = map[ID]bool{GateA: true, GateB: true, GateC: true, GateD: true, GateE: true}

// Status is a gate's evaluation status.
type Status string

const (
	StatusPending Status = "pending"
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusWarn    Status = "warn"
)

// Gate is a single gate's state.
type Gate struct {
	Status    Status         `json:"status"`
	Hard      bool           `json:"hard"`
	CheckedAt string         `json:"checked_at,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Notes     string         `json:"notes,omitempty"`
}

// Document is the full gates.json document.
type Document struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Revision      int            `json:"revision"`
	InputsDigest  string         `json:"inputs_digest"`
	Gates         map[ID]*Gate   `json:"gates"`
}

// NewDocument returns a freshly initialized gates.json for runID, every
// gate pending.
func NewDocument(runID string) *Document {
	d := &Document{SchemaVersion: SchemaVersion, RunID: runID, Revision: 1, Gates: map[ID]*Gate{}}
	for _, id := range AllGateIDs {
		d.Gates[id] = &Gate{Status: StatusPending, Hard: HardGates[id]}
	}
	return d
}

// Pass reports whether gate id is currently passing.
func (d *Document) Pass(id ID) bool {
	g, ok := d.Gates[id]
	return ok && g.Status == StatusPass
}

// Update is a partial update to a single gate (spec §4.4: "update is a
// partial mapping of gate id -> {status, checked_at, metrics?, artifacts?,
// warnings?, notes?}").
type Update struct {
	Status    Status
	CheckedAt string
	Metrics   map[string]any
	Artifacts []string
	Warnings  []string
	Notes     string
}

// ValidateCheckedAt reports whether s parses as RFC3339 (ISO-8601 UTC).
func ValidateCheckedAt(s string) bool {
	if s == "" {
		return false
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

// Validate checks a decoded gates.json document.
func Validate(doc map[string]any) []jsonstore.ValidationError {
	var errs []jsonstore.ValidationError

	if v, _ := doc["schema_version"].(string); v != SchemaVersion {
		errs = append(errs, jsonstore.ValidationError{Path: "$.schema_version", Message: "must be " + SchemaVersion})
	}
	if v, _ := doc["run_id"].(string); v == "" {
		errs = append(errs, jsonstore.ValidationError{Path: "$.run_id", Message: "must be non-empty"})
	}
	if rev, ok := doc["revision"].(float64); !ok || rev < 1 {
		errs = append(errs, jsonstore.ValidationError{Path: "$.revision", Message: "must be a positive integer"})
	}

	gatesRaw, _ := doc["gates"].(map[string]any)
	for _, id := range AllGateIDs {
		gv, ok := gatesRaw[string(id)]
		if !ok {
			errs = append(errs, jsonstore.ValidationError{Path: "$.gates." + string(id), Message: "required"})
			continue
		}
		g, ok := gv.(map[string]any)
		if !ok {
			errs = append(errs, jsonstore.ValidationError{Path: "$.gates." + string(id), Message: "must be an object"})
			continue
		}
		status, _ := g["status"].(string)
		switch Status(status) {
		case StatusPending, StatusPass, StatusFail, StatusWarn:
		default:
			errs = append(errs, jsonstore.ValidationError{Path: "$.gates." + string(id) + ".status", Message: "invalid status " + status})
		}
		if HardGates[id] && Status(status) == StatusWarn {
			errs = append(errs, jsonstore.ValidationError{Path: "$.gates." + string(id) + ".status", Message: "hard gate cannot warn"})
		}
		if Status(status) == StatusPass || Status(status) == StatusFail {
			checkedAt, _ := g["checked_at"].(string)
			if !ValidateCheckedAt(checkedAt) {
				errs = append(errs, jsonstore.ValidationError{Path: "$.gates." + string(id) + ".checked_at", Message: "required ISO-8601 UTC timestamp when status is pass/fail"})
			}
		}
	}

	return errs
}
