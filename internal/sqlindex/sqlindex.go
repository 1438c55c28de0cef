// Package sqlindex adapts the teacher's internal/db connection-opening and
// migration idiom (db.Open: WAL mode, foreign keys on, a schema_migrations
// version table, ordered migration strings) into a derived, rebuildable
// secondary index over logs/audit.jsonl and logs/ticks.jsonl (spec §4.14).
// The JSON files remain the single source of truth; this index exists only
// so `cmd/research report` can run SQL queries instead of scanning JSONL.
package sqlindex

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the secondary-index SQLite connection.
type DB struct {
	*sql.DB
	path string
}

const migration1 = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT,
	ts TEXT NOT NULL,
	revision_before INTEGER,
	revision_after INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_events_run_id ON audit_events(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);

CREATE TABLE IF NOT EXISTS tick_events (
	run_id TEXT NOT NULL,
	ts TEXT NOT NULL,
	phase TEXT NOT NULL,
	stage TEXT NOT NULL,
	result TEXT
);
CREATE INDEX IF NOT EXISTS idx_tick_events_run_id ON tick_events(run_id);
CREATE INDEX IF NOT EXISTS idx_tick_events_stage ON tick_events(stage);
`

// Open opens or creates the secondary index database at dbPath, enabling
// WAL mode and applying migrations — the same sequence db.Open followed
// for the teacher's primary store.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlindex: create dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlindex: open: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlindex: enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlindex: enable foreign keys: %w", err)
	}

	d := &DB{DB: conn, path: dbPath}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("sqlindex: create migrations table: %w", err)
	}
	var version int
	if err := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("sqlindex: read migration version: %w", err)
	}
	if version < 1 {
		if _, err := d.Exec(migration1); err != nil {
			return fmt.Errorf("sqlindex: apply migration 1: %w", err)
		}
		if _, err := d.Exec(`INSERT INTO schema_migrations (version) VALUES (1)`); err != nil {
			return fmt.Errorf("sqlindex: record migration 1: %w", err)
		}
	}
	return nil
}

type auditRow struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	Kind           string `json:"kind"`
	Reason         string `json:"reason"`
	TS             string `json:"ts"`
	RevisionBefore *int   `json:"revision_before"`
	RevisionAfter  *int   `json:"revision_after"`
}

type tickRow struct {
	RunID  string `json:"run_id"`
	TS     string `json:"ts"`
	Phase  string `json:"phase"`
	Stage  string `json:"stage"`
	Result string `json:"result"`
}

// Rebuild truncates audit_events/tick_events and replays auditPath and
// ticksPath in full, making this index a pure function of the JSONL
// ledgers (spec §4.14: "rebuilt by replaying the JSONL ledgers").
func (d *DB) Rebuild(auditPath, ticksPath string) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("sqlindex: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM audit_events`); err != nil {
		return fmt.Errorf("sqlindex: clear audit_events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tick_events`); err != nil {
		return fmt.Errorf("sqlindex: clear tick_events: %w", err)
	}

	if err := replayJSONL(auditPath, func(line []byte) error {
		var r auditRow
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO audit_events (id, run_id, kind, reason, ts, revision_before, revision_after) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunID, r.Kind, r.Reason, r.TS, r.RevisionBefore, r.RevisionAfter)
		return err
	}); err != nil {
		return fmt.Errorf("sqlindex: replay audit log: %w", err)
	}

	if err := replayJSONL(ticksPath, func(line []byte) error {
		var r tickRow
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO tick_events (run_id, ts, phase, stage, result) VALUES (?, ?, ?, ?, ?)`,
			r.RunID, r.TS, r.Phase, r.Stage, r.Result)
		return err
	}); err != nil {
		return fmt.Errorf("sqlindex: replay ticks log: %w", err)
	}

	return tx.Commit()
}

func replayJSONL(path string, handle func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// RunSummary aggregates one run's audit/tick activity for operator
// reporting (cmd/research report).
type RunSummary struct {
	RunID      string
	TickCount  int
	AuditCount int
	LastTick   string
}

// Summarize queries the index for a per-run summary.
func (d *DB) Summarize(runID string) (RunSummary, error) {
	summary := RunSummary{RunID: runID}
	row := d.QueryRow(`SELECT COUNT(*), COALESCE(MAX(ts), '') FROM tick_events WHERE run_id = ?`, runID)
	if err := row.Scan(&summary.TickCount, &summary.LastTick); err != nil {
		return summary, fmt.Errorf("sqlindex: summarize ticks: %w", err)
	}
	row = d.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE run_id = ?`, runID)
	if err := row.Scan(&summary.AuditCount); err != nil {
		return summary, fmt.Errorf("sqlindex: summarize audit: %w", err)
	}
	return summary, nil
}
