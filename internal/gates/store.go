package gates

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/jsonstore"
)

// Store owns gates.json for a single run root.
type Store struct {
	mu    sync.Mutex
	path  string
	audit *audit.Log
	clk   clock.Clock
}

// New creates a Store for gates.json at path.
func New(path string, auditLog *audit.Log, clk clock.Clock) *Store {
	return &Store{path: path, audit: auditLog, clk: clk}
}

// Bootstrap writes the initial gates.json for a new run.
func (s *Store) Bootstrap(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.SchemaVersion = SchemaVersion
	if doc.Revision == 0 {
		doc.Revision = 1
	}
	if err := jsonstore.Write(s.path, doc, Validate); err != nil {
		return err
	}
	revAfter := doc.Revision
	return s.audit.Append(doc.RunID, audit.KindGatesWrite, "bootstrap", s.clk.Now(), nil, &revAfter, nil)
}

// Read loads the current gates.json.
func (s *Store) Read() (*Document, error) {
	var d Document
	if err := jsonstore.Read(s.path, &d, Validate); err != nil {
		return nil, err
	}
	return &d, nil
}

// Write applies a partial update to one or more gates (spec §4.4). On
// success the document's revision increments, inputs_digest is persisted,
// and one audit record is appended; on audit failure the write reverts.
func (s *Store) Write(runID string, updates map[ID]Update, expectedRevision *int, inputsDigest, reason string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previousBytes, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("gates: read current: %w", err)
	}
	var current Document
	if err := json.Unmarshal(previousBytes, &current); err != nil {
		return nil, fmt.Errorf("gates: decode current: %w", err)
	}

	if expectedRevision != nil && *expectedRevision != current.Revision {
		return nil, apperr.New(apperr.CodeRevisionMismatch, "gates revision mismatch", map[string]any{
			"expected": *expectedRevision,
			"actual":   current.Revision,
		})
	}

	if current.Gates == nil {
		current.Gates = map[ID]*Gate{}
	}
	for id, u := range updates {
		if !validGateID(id) {
			return nil, apperr.New(apperr.CodeInvalidArgs, "unknown gate id "+string(id), map[string]any{"gate": string(id)})
		}
		if HardGates[id] && u.Status == StatusWarn {
			return nil, apperr.New(apperr.CodeLifecycleRuleViolation, "hard gate "+string(id)+" cannot be set to warn", map[string]any{"gate": string(id)})
		}
		if (u.Status == StatusPass || u.Status == StatusFail) && !ValidateCheckedAt(u.CheckedAt) {
			return nil, apperr.New(apperr.CodeLifecycleRuleViolation, "checked_at required (ISO-8601 UTC) when status is pass/fail", map[string]any{"gate": string(id), "status": string(u.Status)})
		}
		g := current.Gates[id]
		if g == nil {
			g = &Gate{Hard: HardGates[id]}
			current.Gates[id] = g
		}
		g.Status = u.Status
		g.CheckedAt = u.CheckedAt
		if u.Metrics != nil {
			g.Metrics = u.Metrics
		}
		if u.Artifacts != nil {
			g.Artifacts = u.Artifacts
		}
		if u.Warnings != nil {
			g.Warnings = u.Warnings
		}
		if u.Notes != "" {
			g.Notes = u.Notes
		}
	}

	revBefore := current.Revision
	current.Revision = current.Revision + 1
	current.InputsDigest = inputsDigest

	if err := jsonstore.Write(s.path, &current, Validate); err != nil {
		return nil, err
	}

	revAfter := current.Revision
	if err := s.audit.Append(runID, audit.KindGatesWrite, reason, s.clk.Now(), &revBefore, &revAfter, map[string]any{"inputs_digest": inputsDigest}); err != nil {
		_ = os.WriteFile(s.path, previousBytes, 0o644)
		return nil, fmt.Errorf("gates: audit append failed, write reverted: %w", err)
	}

	return &current, nil
}

func validGateID(id ID) bool {
	for _, g := range AllGateIDs {
		if g == id {
			return true
		}
	}
	return false
}
