package web_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/gates"
	"github.com/madhatter5501/deepresearch/internal/manifest"
	"github.com/madhatter5501/deepresearch/internal/web"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func seededStores(t *testing.T) (*manifest.Store, *gates.Store) {
	root := t.TempDir()
	clk := clock.Fixed{At: time.Now()}
	mStore := manifest.New(filepath.Join(root, "manifest.json"), audit.New(root), clk)
	m := &manifest.Manifest{RunID: "run-1", Status: manifest.StatusRunning, Stage: manifest.StageState{Current: manifest.StageInit}, Artifacts: manifest.Artifacts{Root: root}}
	if err := mStore.Bootstrap(m); err != nil {
		t.Fatal(err)
	}
	gStore := gates.New(filepath.Join(root, "gates.json"), audit.New(root), clk)
	if err := gStore.Bootstrap(gates.NewDocument("run-1")); err != nil {
		t.Fatal(err)
	}
	return mStore, gStore
}

func TestServerServesManifestAndGatesForKnownRun(t *testing.T) {
	g := NewWithT(t)
	mStore, gStore := seededStores(t)
	addr := "127.0.0.1:18791"
	srv := web.NewServer(addr, func(runID string) (*manifest.Store, *gates.Store, bool) {
		if runID != "run-1" {
			return nil, nil, false
		}
		return mStore, gStore, true
	}, testLogger())

	srv.Start()
	defer srv.GracefulShutdown()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/runs/run-1/manifest")
	g.Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
	body, _ := io.ReadAll(resp.Body)
	var m manifest.Manifest
	g.Expect(json.Unmarshal(body, &m)).To(Succeed())
	g.Expect(m.RunID).To(Equal("run-1"))

	resp2, err := http.Get("http://" + addr + "/runs/run-1/gates")
	g.Expect(err).NotTo(HaveOccurred())
	defer resp2.Body.Close()
	g.Expect(resp2.StatusCode).To(Equal(http.StatusOK))
}

func TestServerReturns404ForUnknownRun(t *testing.T) {
	g := NewWithT(t)
	addr := "127.0.0.1:18792"
	srv := web.NewServer(addr, func(string) (*manifest.Store, *gates.Store, bool) {
		return nil, nil, false
	}, testLogger())
	srv.Start()
	defer srv.GracefulShutdown()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/runs/ghost/manifest")
	g.Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
}

func TestServerRejectsNonGETMethod(t *testing.T) {
	g := NewWithT(t)
	mStore, gStore := seededStores(t)
	addr := "127.0.0.1:18793"
	srv := web.NewServer(addr, func(string) (*manifest.Store, *gates.Store, bool) {
		return mStore, gStore, true
	}, testLogger())
	srv.Start()
	defer srv.GracefulShutdown()
	time.Sleep(50 * time.Millisecond)

	req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/runs/run-1/manifest", nil)
	resp, err := http.DefaultClient.Do(req)
	g.Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
}

func TestGracefulShutdownStopsServerWithinTimeout(t *testing.T) {
	g := NewWithT(t)
	addr := "127.0.0.1:18794"
	srv := web.NewServer(addr, func(string) (*manifest.Store, *gates.Store, bool) {
		return nil, nil, false
	}, testLogger())
	srv.Start()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.Expect(srv.Shutdown(ctx)).To(Succeed())
}
