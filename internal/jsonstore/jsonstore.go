// Package jsonstore provides atomic, schema-validated read/write of the
// structured JSON documents that make up a run root (manifest.json,
// gates.json, perspectives.json, wave plans, sidecars, ...).
//
// Grounded in kanban/state.go's Save(): marshal with indent, write to a
// ".tmp" sibling, fsync, then os.Rename into place. This package lifts that
// idiom out of the kanban-specific State type so every document in the run
// root — not just the board — gets the same atomic-write and canonical-form
// guarantees.
package jsonstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ValidationError is a single schema violation, reported with a JSONPath so
// callers can build SCHEMA_VALIDATION_FAILED error details (spec §4.3).
type ValidationError struct {
	Path    string
	Message string
}

func (v ValidationError) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validator inspects a decoded document and returns every violation found.
// A nil or empty return means the document is valid.
type Validator func(doc map[string]any) []ValidationError

// Write canonicalizes value (2-space indent, single trailing newline),
// validates it if validator is non-nil, and writes it atomically to path:
// marshal -> write "<path>.tmp" -> fsync -> os.Rename over path.
//
// Validation runs against the canonical JSON re-decoded into a generic map
// so Validator implementations see exactly what will be persisted,
// independent of how the caller's Go struct marshals.
func Write(path string, value any, validator Validator) error {
	canonical, err := Canonicalize(value)
	if err != nil {
		return fmt.Errorf("jsonstore: canonicalize %s: %w", path, err)
	}

	if validator != nil {
		var doc map[string]any
		if err := json.Unmarshal(canonical, &doc); err != nil {
			return fmt.Errorf("jsonstore: decode for validation %s: %w", path, err)
		}
		if errs := validator(doc); len(errs) > 0 {
			return &SchemaError{Path: path, Violations: errs}
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonstore: mkdir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonstore: open temp %s: %w", tmp, err)
	}
	if _, err := f.Write(canonical); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jsonstore: write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jsonstore: fsync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonstore: close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonstore: rename %s: %w", path, err)
	}
	return nil
}

// Canonicalize renders value as indent-2 JSON with exactly one trailing
// newline — the canonical form every document in the run root must match.
func Canonicalize(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	// json.Encoder.Encode already appends exactly one "\n"; re-assert it
	// so callers passing pre-serialized bytes through Canonicalize (e.g.
	// re-validating a read) get the same guarantee.
	out := bytes.TrimRight(buf.Bytes(), "\n")
	out = append(out, '\n')
	return out, nil
}

// Read decodes path into dst and, if validator is non-nil, validates the
// decoded document before returning.
func Read(path string, dst any, validator Validator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if validator != nil {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("jsonstore: decode for validation %s: %w", path, err)
		}
		if errs := validator(doc); len(errs) > 0 {
			return &SchemaError{Path: path, Violations: errs}
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("jsonstore: decode %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SchemaError is returned by Write/Read when validation fails.
type SchemaError struct {
	Path       string
	Violations []ValidationError
}

func (e *SchemaError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("jsonstore: %s: schema validation failed", e.Path)
	}
	return fmt.Sprintf("jsonstore: %s: %s", e.Path, e.Violations[0].String())
}
