// Package web provides the minimal read-only run-status HTTP surface
// (spec §6: GET /runs/{id}/manifest, GET /runs/{id}/gates). Adapted from
// the teacher's web.Server: the struct-held *http.Server and
// *slog.Logger fields and the NewServer/Start/Shutdown lifecycle survive;
// the teacher's HTML dashboard, SSE push, and wizard flow do not, since
// they are an authenticated/rendering surface this spec's Non-goals
// explicitly exclude ("Rendering HTML reports, authentication"). This
// server never takes the run lock — spec §5: "Readers... do NOT take the
// lock".
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/madhatter5501/deepresearch/internal/gates"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

// RunResolver locates the manifest/gates stores for a run id. The caller
// (cmd/research) owns the mapping from run id to run root.
type RunResolver func(runID string) (*manifest.Store, *gates.Store, bool)

// Server is the read-only status server.
type Server struct {
	resolver RunResolver
	logger   *slog.Logger
	server   *http.Server
}

// NewServer builds a Server listening on addr, resolving runs via
// resolve.
func NewServer(addr string, resolve RunResolver, logger *slog.Logger) *Server {
	s := &Server{resolver: resolve, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/runs/", s.handleRuns)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background; callers shut down via Shutdown.
func (s *Server) Start() {
	s.logger.Info("web: starting status server", "addr", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web: server exited", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	runID, resource := parts[0], parts[1]

	manifestStore, gatesStore, ok := s.resolver(runID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch resource {
	case "manifest":
		s.writeManifest(w, manifestStore)
	case "gates":
		s.writeGates(w, gatesStore)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writeManifest(w http.ResponseWriter, store *manifest.Store) {
	m, err := store.Read()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) writeGates(w http.ResponseWriter, store *gates.Store) {
	doc, err := store.Read()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, doc)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Warn("web: read failed", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]any{"code": "READ_FAILED", "message": err.Error()}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// shutdownTimeout is the grace period cmd/research grants Shutdown.
const shutdownTimeout = 5 * time.Second

// GracefulShutdown is a convenience wrapper around Shutdown with a fixed
// timeout, matching the teacher's server.go shutdown idiom.
func (s *Server) GracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("web: graceful shutdown: %w", err)
	}
	return nil
}
