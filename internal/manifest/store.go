package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/jsonstore"
	"github.com/madhatter5501/deepresearch/internal/pathguard"
)

// Store owns manifest.json for a single run root. It generalizes
// kanban/state.go's sync.RWMutex-guarded State into a revision-tracked,
// optimistically-locked store: every write supplies the revision it
// expects to be replacing, and every write appends exactly one audit
// record or reverts (spec §4.2/§4.3, invariant 2 in §8).
type Store struct {
	mu     sync.Mutex
	path   string
	audit  *audit.Log
	clk    clock.Clock
}

// New creates a Store for manifest.json at path, auditing to auditLog,
// using clk for all "now" timestamps.
func New(path string, auditLog *audit.Log, clk clock.Clock) *Store {
	return &Store{path: path, audit: auditLog, clk: clk}
}

// Bootstrap writes the initial manifest.json for a brand-new run. It does
// not go through Write's optimistic-lock path since there is no prior
// revision to compare against.
func (s *Store) Bootstrap(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.SchemaVersion = SchemaVersion
	if m.Revision == 0 {
		m.Revision = 1
	}
	m.Limits.Clamp()
	now := clock.ISO8601UTC(s.clk.Now())
	if m.CreatedAt == "" {
		m.CreatedAt = now
	}
	if m.Stage.StartedAt == "" {
		m.Stage.StartedAt = now
	}
	if m.Stage.LastProgressAt == "" {
		m.Stage.LastProgressAt = now
	}

	if err := jsonstore.Write(s.path, m, validatorFunc); err != nil {
		return err
	}
	return s.audit.Append(m.RunID, audit.KindManifestWrite, "bootstrap", s.clk.Now(), nil, intPtr(m.Revision), nil)
}

// Read loads the current manifest.json.
func (s *Store) Read() (*Manifest, error) {
	var m Manifest
	if err := jsonstore.Read(s.path, &m, validatorFunc); err != nil {
		return nil, err
	}
	return &m, nil
}

// Patch is a JSON-merge-patch-style document: a nested map whose leaves
// replace the corresponding field in the current manifest. A null leaf
// deletes the field (RFC 7396 semantics, implemented directly since no
// library in the example pack performs JSON merge patching — the nearest
// candidate, evanphx/json-patch/v5, arrives only as an indirect transitive
// of unrelated controller-runtime plumbing in the pack, never imported by
// any repo's own code).
type Patch map[string]any

// Write applies patch to the manifest currently at expectedRevision,
// rejects any patch touching an immutable field, validates the merged
// document, and persists it with revision+1, appending exactly one audit
// record. If the audit append fails, the JSON write is reverted (spec §4.2,
// §8 invariant 2).
func (s *Store) Write(runID string, patch Patch, expectedRevision *int, reason string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previousBytes, readErr := os.ReadFile(s.path)
	if readErr != nil {
		return nil, fmt.Errorf("manifest: read current: %w", readErr)
	}

	var current Manifest
	if err := json.Unmarshal(previousBytes, &current); err != nil {
		return nil, fmt.Errorf("manifest: decode current: %w", err)
	}

	if current.Status.Terminal() {
		return nil, apperr.New(apperr.CodeAlreadyTerminated, "manifest status is terminal, no further mutations accepted", map[string]any{"status": string(current.Status)})
	}

	if expectedRevision != nil && *expectedRevision != current.Revision {
		return nil, apperr.New(apperr.CodeRevisionMismatch, "manifest revision mismatch", map[string]any{
			"expected": *expectedRevision,
			"actual":   current.Revision,
		})
	}

	if field := firstImmutableTouch(patch); field != "" {
		return nil, apperr.New(apperr.CodeImmutableField, "patch touches immutable field "+field, map[string]any{"field": field})
	}

	var currentDoc map[string]any
	if err := json.Unmarshal(previousBytes, &currentDoc); err != nil {
		return nil, fmt.Errorf("manifest: decode current as map: %w", err)
	}
	merged := mergePatch(currentDoc, map[string]any(patch))

	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal merged: %w", err)
	}
	var next Manifest
	if err := json.Unmarshal(mergedBytes, &next); err != nil {
		return nil, fmt.Errorf("manifest: decode merged: %w", err)
	}

	next.Revision = current.Revision + 1
	next.Limits.Clamp()

	if violations := Validate(merged); len(violations) > 0 {
		var details []map[string]any
		for _, v := range violations {
			details = append(details, map[string]any{"path": v.Path, "message": v.Message})
		}
		return nil, apperr.New(apperr.CodeSchemaValidationFailed, violations[0].String(), map[string]any{"violations": details})
	}

	if len(next.Artifacts.Paths) > 0 {
		guard, gerr := pathguard.New(next.Artifacts.Root)
		if gerr != nil {
			return nil, gerr
		}
		for _, rel := range next.Artifacts.Paths {
			if _, perr := guard.Resolve(rel); perr != nil {
				return nil, perr
			}
		}
	}

	if err := jsonstore.Write(s.path, &next, validatorFunc); err != nil {
		return nil, err
	}

	revBefore := current.Revision
	revAfter := next.Revision
	if err := s.audit.Append(runID, audit.KindManifestWrite, reason, s.clk.Now(), &revBefore, &revAfter, nil); err != nil {
		// Roll back: the write is reverted so an unaudited mutation is
		// never observable (spec §4.2, §8 invariant 2).
		_ = os.WriteFile(s.path, previousBytes, 0o644)
		return nil, fmt.Errorf("manifest: audit append failed, write reverted: %w", err)
	}

	return &next, nil
}

func validatorFunc(doc map[string]any) []jsonstore.ValidationError {
	return Validate(doc)
}

func intPtr(v int) *int { return &v }

// firstImmutableTouch returns the first immutable field path the patch
// attempts to set, or "" if none.
func firstImmutableTouch(patch Patch) string {
	for _, field := range ImmutableFields {
		if patchTouches(map[string]any(patch), strings.Split(field, ".")) {
			return field
		}
	}
	return ""
}

func patchTouches(node map[string]any, segments []string) bool {
	if len(segments) == 0 {
		return false
	}
	v, ok := node[segments[0]]
	if !ok {
		return false
	}
	if len(segments) == 1 {
		return true
	}
	child, ok := v.(map[string]any)
	if !ok {
		return false
	}
	return patchTouches(child, segments[1:])
}

// mergePatch applies an RFC-7396-style JSON merge patch: patch values of
// nil delete the key, nested maps merge recursively, everything else
// replaces wholesale.
func mergePatch(target map[string]any, patch map[string]any) map[string]any {
	if target == nil {
		target = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(target, k)
			continue
		}
		if patchMap, ok := v.(map[string]any); ok {
			existing, _ := target[k].(map[string]any)
			target[k] = mergePatch(existing, patchMap)
			continue
		}
		target[k] = v
	}
	return target
}
