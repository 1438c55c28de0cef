package manifest_test

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

func newTestStore(t *testing.T) (*manifest.Store, string) {
	root := t.TempDir()
	path := filepath.Join(root, "manifest.json")
	auditLog := audit.New(root)
	clk := clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return manifest.New(path, auditLog, clk), root
}

func bootstrapped(t *testing.T) *manifest.Store {
	store, _ := newTestStore(t)
	g := NewWithT(t)
	m := &manifest.Manifest{
		RunID:  "run-1",
		Status: manifest.StatusRunning,
		Stage:  manifest.StageState{Current: manifest.StageInit},
		Query: manifest.Query{
			Mode:        manifest.ModeStandard,
			Sensitivity: manifest.SensitivityNormal,
			Constraints: manifest.Constraints{OptionC: manifest.OptionC{Enabled: true}},
		},
		Limits:    manifest.Limits{MaxWave1Agents: 5, MaxWave2Agents: 3, MaxSummaryKB: 32, MaxTotalSummaryKB: 256, MaxReviewIterations: 2},
		Artifacts: manifest.Artifacts{Root: "/tmp/run-1"},
	}
	g.Expect(store.Bootstrap(m)).To(Succeed())
	return store
}

func TestBootstrapSetsRevisionOneAndTimestamps(t *testing.T) {
	g := NewWithT(t)
	store := bootstrapped(t)

	m, err := store.Read()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(m.Revision).To(Equal(1))
	g.Expect(m.SchemaVersion).To(Equal(manifest.SchemaVersion))
	g.Expect(m.CreatedAt).NotTo(BeEmpty())
	g.Expect(m.Stage.StartedAt).NotTo(BeEmpty())
}

func TestWriteIncrementsRevisionAndAppliesPatch(t *testing.T) {
	g := NewWithT(t)
	store := bootstrapped(t)

	m, _ := store.Read()
	rev := m.Revision
	updated, err := store.Write(m.RunID, manifest.Patch{"stage": map[string]any{"current": string(manifest.StagePerspectives)}}, &rev, "advance")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(updated.Revision).To(Equal(rev + 1))
	g.Expect(updated.Stage.Current).To(Equal(manifest.StagePerspectives))
}

func TestWriteRejectsStaleRevision(t *testing.T) {
	g := NewWithT(t)
	store := bootstrapped(t)

	m, _ := store.Read()
	stale := m.Revision - 1
	if stale < 0 {
		stale = 0
	}
	_, err := store.Write(m.RunID, manifest.Patch{"stage": map[string]any{"current": string(manifest.StageWave1)}}, &stale, "advance")
	g.Expect(err).To(HaveOccurred())
	appErr, ok := err.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodeRevisionMismatch))
}

func TestWriteRejectsImmutableFieldTouch(t *testing.T) {
	g := NewWithT(t)
	store := bootstrapped(t)

	m, _ := store.Read()
	rev := m.Revision
	_, err := store.Write(m.RunID, manifest.Patch{"run_id": "some-other-run"}, &rev, "tamper")
	g.Expect(err).To(HaveOccurred())
	appErr, ok := err.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodeImmutableField))
}

func TestWriteRejectsMutationOnTerminalRun(t *testing.T) {
	g := NewWithT(t)
	store := bootstrapped(t)

	m, _ := store.Read()
	rev := m.Revision
	_, err := store.Write(m.RunID, manifest.Patch{"status": string(manifest.StatusCompleted)}, &rev, "finish")
	g.Expect(err).NotTo(HaveOccurred())

	m2, _ := store.Read()
	rev2 := m2.Revision
	_, err = store.Write(m.RunID, manifest.Patch{"stage": map[string]any{"current": string(manifest.StageFinalize)}}, &rev2, "post-terminal")
	g.Expect(err).To(HaveOccurred())
	appErr, ok := err.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodeAlreadyTerminated))
}

func TestLimitsClampOnBootstrap(t *testing.T) {
	g := NewWithT(t)
	store, _ := newTestStore(t)

	m := &manifest.Manifest{
		RunID:  "run-clamp",
		Status: manifest.StatusRunning,
		Stage:  manifest.StageState{Current: manifest.StageInit},
		Limits: manifest.Limits{MaxWave1Agents: 0, MaxWave2Agents: 1000, MaxSummaryKB: -5, MaxTotalSummaryKB: 1, MaxReviewIterations: -3},
		Artifacts: manifest.Artifacts{Root: "/tmp/run-clamp"},
	}
	g.Expect(store.Bootstrap(m)).To(Succeed())

	got, err := store.Read()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got.Limits.MaxWave1Agents).To(Equal(1))
	g.Expect(got.Limits.MaxWave2Agents).To(Equal(50))
	g.Expect(got.Limits.MaxSummaryKB).To(Equal(1))
	g.Expect(got.Limits.MaxReviewIterations).To(Equal(0))
}
