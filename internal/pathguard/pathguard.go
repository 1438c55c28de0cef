// Package pathguard validates every filesystem path the orchestrator core
// touches lies inside a run root, rejecting traversal and symlink escapes.
// Grounded in the teacher's git/worktree.go, which already resolves worktree
// paths to absolute form and refuses to operate outside the repo root before
// shelling out to git; this generalizes that idiom into a standalone guard
// used by every component that reads or writes run-root-relative paths.
package pathguard

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

// Guard validates paths against a fixed run root.
type Guard struct {
	root string // absolute, symlink-resolved run root
}

// New creates a Guard rooted at root. root itself is resolved to an
// absolute, symlink-free canonical path; root must already exist.
func New(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidWaveDir, "cannot resolve run root", map[string]any{"root": root, "cause": err.Error()})
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidWaveDir, "run root does not exist or is unreachable", map[string]any{"root": abs, "cause": err.Error()})
	}
	return &Guard{root: resolved}, nil
}

// Root returns the guard's resolved run root.
func (g *Guard) Root() string { return g.root }

// Resolve validates a relative path supplied as input (a manifest path, an
// artifact path, an operator-provided path) and returns its absolute form.
// It rejects:
//   - absolute paths ("starting with /")
//   - ".." segments
//   - paths that resolve to "." (empty relative component)
//   - paths whose resolved, symlink-followed target escapes the root
func (g *Guard) Resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return "", apperr.New(apperr.CodePathTraversal, "empty or dot path", map[string]any{"path": rel})
	}
	if filepath.IsAbs(rel) {
		return "", apperr.New(apperr.CodePathTraversal, "absolute path not allowed", map[string]any{"path": rel})
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", apperr.New(apperr.CodePathTraversal, "path contains a .. segment", map[string]any{"path": rel})
		}
	}
	clean := filepath.Clean(rel)
	if clean == "." {
		return "", apperr.New(apperr.CodePathTraversal, "empty or dot path", map[string]any{"path": rel})
	}

	candidate := filepath.Join(g.root, clean)

	// Resolve as far as possible: walk up from the deepest existing
	// ancestor, following any symlinks, then re-append the remaining
	// (not-yet-created) suffix. This lets PathGuard validate paths that
	// don't exist yet (e.g. a file about to be written) while still
	// catching a symlinked intermediate directory that escapes root.
	resolvedAncestor, remainder, err := resolveExistingAncestor(candidate)
	if err != nil {
		return "", apperr.New(apperr.CodeInvalidWaveDir, "cannot resolve path", map[string]any{"path": rel, "cause": err.Error()})
	}

	full := resolvedAncestor
	if remainder != "" {
		full = filepath.Join(resolvedAncestor, remainder)
	}

	if !isDescendant(g.root, resolvedAncestor) {
		return "", apperr.New(apperr.CodeWaveDirSymlink, "path resolves outside run root via symlink", map[string]any{"path": rel, "resolved": resolvedAncestor})
	}

	return full, nil
}

// ResolveDir is like Resolve but additionally requires the target, if it
// exists, to be a real directory and not a symlink to one outside root —
// the specific WAVE_DIR_SYMLINK / INVALID_WAVE_DIR failure modes named in
// spec §4.1 for wave directories and fixture directories.
func (g *Guard) ResolveDir(rel string) (string, error) {
	full, err := g.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, statErr := os.Lstat(full)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return full, nil
		}
		return "", apperr.New(apperr.CodeInvalidWaveDir, "cannot stat path", map[string]any{"path": rel, "cause": statErr.Error()})
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(full)
		if err != nil || !isDescendant(g.root, target) {
			return "", apperr.New(apperr.CodeWaveDirSymlink, "directory is a symlink escaping run root", map[string]any{"path": rel})
		}
	}
	if !info.IsDir() {
		return "", apperr.New(apperr.CodeInvalidWaveDir, "expected a directory", map[string]any{"path": rel})
	}
	return full, nil
}

// resolveExistingAncestor walks up from path until it finds a segment that
// exists, evaluates symlinks on that existing prefix, and returns the
// resolved prefix plus the remaining (non-existent) suffix.
func resolveExistingAncestor(path string) (resolved string, remainder string, err error) {
	cur := path
	var suffix []string
	for {
		if _, statErr := os.Lstat(cur); statErr == nil {
			resolvedCur, evalErr := filepath.EvalSymlinks(cur)
			if evalErr != nil {
				return "", "", evalErr
			}
			rem := filepath.Join(suffix...)
			return resolvedCur, rem, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Hit filesystem root without finding anything that exists.
			return parent, filepath.Join(suffix...), nil
		}
		suffix = append([]string{filepath.Base(cur)}, suffix...)
		cur = parent
	}
}

// isDescendant reports whether candidate is root or a descendant of root.
func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}
