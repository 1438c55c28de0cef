package runroot_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/runroot"
)

func TestCreateMakesFixedSubdirectories(t *testing.T) {
	g := NewWithT(t)

	parent := t.TempDir()
	arena, err := runroot.Create(parent, "run-1")
	g.Expect(err).NotTo(HaveOccurred())

	for _, d := range []string{
		runroot.Wave1Dir, runroot.Wave2Dir, runroot.CitationsDir, runroot.SummariesDir,
		runroot.SynthesisDir, runroot.ReviewDir, runroot.ReportsDir, runroot.RetryDir,
		runroot.LogsDir, runroot.MetricsDir, runroot.OperatorDir,
	} {
		info, statErr := os.Stat(filepath.Join(arena.Root(), d))
		g.Expect(statErr).NotTo(HaveOccurred())
		g.Expect(info.IsDir()).To(BeTrue())
	}
}

func TestFixedDocumentAccessorsResolveUnderRoot(t *testing.T) {
	g := NewWithT(t)

	arena, err := runroot.Create(t.TempDir(), "run-2")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(arena.ManifestPath()).To(Equal(filepath.Join(arena.Root(), runroot.ManifestFile)))
	g.Expect(arena.GatesPath()).To(Equal(filepath.Join(arena.Root(), runroot.GatesFile)))
	g.Expect(arena.PerspectivesPath()).To(Equal(filepath.Join(arena.Root(), runroot.PerspectivesFile)))
	g.Expect(arena.PivotPath()).To(Equal(filepath.Join(arena.Root(), runroot.PivotFile)))
}

func TestWaveDirSelectsOneOrTwo(t *testing.T) {
	g := NewWithT(t)

	arena, err := runroot.Create(t.TempDir(), "run-3")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(arena.WaveDir(1)).To(Equal(filepath.Join(arena.Root(), runroot.Wave1Dir)))
	g.Expect(arena.WaveDir(2)).To(Equal(filepath.Join(arena.Root(), runroot.Wave2Dir)))
}

func TestHaltTickPathIsZeroPadded(t *testing.T) {
	g := NewWithT(t)

	arena, err := runroot.Create(t.TempDir(), "run-4")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(arena.HaltTickPath(7)).To(Equal(filepath.Join(arena.Root(), runroot.OperatorDir, "halt", "tick-0007.json")))
}

func TestOpenOnExistingRootSucceeds(t *testing.T) {
	g := NewWithT(t)

	parent := t.TempDir()
	_, err := runroot.Create(parent, "run-5")
	g.Expect(err).NotTo(HaveOccurred())

	reopened, err := runroot.Open(filepath.Join(parent, "run-5"), "run-5")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(reopened.RunID).To(Equal("run-5"))
}

func TestOpenOnMissingRootFails(t *testing.T) {
	g := NewWithT(t)

	_, err := runroot.Open(filepath.Join(t.TempDir(), "never-created"), "run-6")
	g.Expect(err).To(HaveOccurred())
}
