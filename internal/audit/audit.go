// Package audit implements the append-only JSONL audit trail every
// state-mutating action must record (spec §4.2).
//
// Grounded in agents/audit.go's StoreAuditLogger, which records
// {id, run_id, ticket_id, agent, event_type, event_data, created_at}
// entries for every agent interaction. This generalizes the same
// "structured entry, JSON-encoded, append-only" shape to general run
// mutations, trading the SQLite sink for a JSONL file sink (the SQLite
// table becomes a derived secondary index, see internal/sqlindex).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the audit event kinds named in spec §4.2 and used
// elsewhere in the core (retry records, lock steals, ...).
type Kind string

const (
	KindManifestWrite Kind = "manifest_write"
	KindGatesWrite    Kind = "gates_write"
	KindRetryRecord   Kind = "retry_record"
	KindLockAcquired  Kind = "lock_acquired"
	KindLockStolen    Kind = "lock_stolen"
	KindLockReleased  Kind = "lock_released"
	KindStageAdvance  Kind = "stage_advance"
	KindWaveIngest    Kind = "wave_output_ingest"
	KindCitations     Kind = "citations_write"
	KindWatchdog      Kind = "watchdog_checkpoint"
)

// Entry is one line of logs/audit.jsonl.
type Entry struct {
	ID               string         `json:"id"`
	Kind             Kind           `json:"kind"`
	Reason           string         `json:"reason"`
	TS               string         `json:"ts"`
	RunID            string         `json:"run_id"`
	RevisionBefore   *int           `json:"revision_before,omitempty"`
	RevisionAfter    *int           `json:"revision_after,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Log appends entries to a single run root's logs/audit.jsonl.
type Log struct {
	path string
}

// New returns a Log writing to <artifactsRoot>/logs/audit.jsonl. The
// destination always follows the resolved artifacts.root, never a stale
// legacy run root (spec §4.3: "when the user relocates artifacts.root, the
// legacy logs/ directory must NOT receive further appends").
func New(artifactsRoot string) *Log {
	return &Log{path: filepath.Join(artifactsRoot, "logs", "audit.jsonl")}
}

// Append writes one audit entry. It fsyncs before returning so a caller
// that just committed a JSON write can treat a successful Append as durable
// before reporting its own operation as successful.
func (l *Log) Append(runID string, kind Kind, reason string, now time.Time, revisionBefore, revisionAfter *int, extra map[string]any) error {
	entry := Entry{
		ID:             uuid.NewString(),
		Kind:           kind,
		Reason:         reason,
		TS:             now.UTC().Format(time.RFC3339Nano),
		RunID:          runID,
		RevisionBefore: revisionBefore,
		RevisionAfter:  revisionAfter,
		Extra:          extra,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("audit: mkdir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: write %s: %w", l.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: fsync %s: %w", l.path, err)
	}
	return nil
}

// Path returns the underlying JSONL file path.
func (l *Log) Path() string { return l.path }
