package pathguard_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/pathguard"
)

func TestResolveAcceptsPathInsideRoot(t *testing.T) {
	g := NewWithT(t)

	root := t.TempDir()
	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	full, rerr := guard.Resolve("manifest.json")
	g.Expect(rerr).NotTo(HaveOccurred())
	g.Expect(full).To(Equal(filepath.Join(guard.Root(), "manifest.json")))
}

func TestResolveRejectsAbsolutePath(t *testing.T) {
	g := NewWithT(t)

	root := t.TempDir()
	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	_, rerr := guard.Resolve("/etc/passwd")
	g.Expect(rerr).To(HaveOccurred())
	appErr, ok := rerr.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodePathTraversal))
}

func TestResolveRejectsDotDotEscape(t *testing.T) {
	g := NewWithT(t)

	root := t.TempDir()
	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	_, rerr := guard.Resolve("../escape.json")
	g.Expect(rerr).To(HaveOccurred())
	appErr, ok := rerr.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodePathTraversal))
}

func TestResolveRejectsEmptyAndDotPaths(t *testing.T) {
	g := NewWithT(t)

	root := t.TempDir()
	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	for _, rel := range []string{"", "."} {
		_, rerr := guard.Resolve(rel)
		g.Expect(rerr).To(HaveOccurred())
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	g := NewWithT(t)

	outside := t.TempDir()
	root := t.TempDir()
	g.Expect(os.Symlink(outside, filepath.Join(root, "escape-link"))).To(Succeed())

	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	_, rerr := guard.Resolve(filepath.Join("escape-link", "file.json"))
	g.Expect(rerr).To(HaveOccurred())
	appErr, ok := rerr.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodeWaveDirSymlink))
}

func TestResolveDirRejectsFileAsDir(t *testing.T) {
	g := NewWithT(t)

	root := t.TempDir()
	g.Expect(os.WriteFile(filepath.Join(root, "not-a-dir"), []byte("x"), 0o644)).To(Succeed())

	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	_, rerr := guard.ResolveDir("not-a-dir")
	g.Expect(rerr).To(HaveOccurred())
	appErr, ok := rerr.(*apperr.Error)
	g.Expect(ok).To(BeTrue())
	g.Expect(appErr.Code).To(Equal(apperr.CodeInvalidWaveDir))
}

func TestResolveDirAllowsNonexistentPath(t *testing.T) {
	g := NewWithT(t)

	root := t.TempDir()
	guard, err := pathguard.New(root)
	g.Expect(err).NotTo(HaveOccurred())

	full, rerr := guard.ResolveDir("wave-1")
	g.Expect(rerr).NotTo(HaveOccurred())
	g.Expect(full).To(Equal(filepath.Join(guard.Root(), "wave-1")))
}

func TestNewRejectsMissingRoot(t *testing.T) {
	g := NewWithT(t)

	_, err := pathguard.New(filepath.Join(t.TempDir(), "does-not-exist"))
	g.Expect(err).To(HaveOccurred())
}
