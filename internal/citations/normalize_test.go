package citations_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/citations"
)

func TestNormalizeLowercasesSchemeAndHost(t *testing.T) {
	g := NewWithT(t)
	out, err := citations.Normalize("HTTPS://Example.COM/Path")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("https://example.com/Path"))
}

func TestNormalizeStripsTrailingSlashAndFragment(t *testing.T) {
	g := NewWithT(t)
	out, err := citations.Normalize("https://example.com/path/#section")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("https://example.com/path"))
}

func TestNormalizeDropsUTMParamsAndSortsQueryKeys(t *testing.T) {
	g := NewWithT(t)
	out, err := citations.Normalize("https://example.com/path?z=1&utm_source=x&a=2")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("https://example.com/path?a=2&z=1"))
}

func TestNormalizeCoalescesDuplicateQueryKeysLastWins(t *testing.T) {
	g := NewWithT(t)
	out, err := citations.Normalize("https://example.com/path?a=1&a=2")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("https://example.com/path?a=2"))
}

func TestCIDIsStableForIdenticalInput(t *testing.T) {
	g := NewWithT(t)
	c1 := citations.CID("https://example.com/path")
	c2 := citations.CID("https://example.com/path")
	g.Expect(c1).To(Equal(c2))
	g.Expect(c1).To(HavePrefix("cid_"))
}

func TestIsPrivateOrLocalDetectsLoopbackAndLocalhost(t *testing.T) {
	g := NewWithT(t)
	g.Expect(citations.IsPrivateOrLocal("https://localhost/x")).To(BeTrue())
	g.Expect(citations.IsPrivateOrLocal("https://127.0.0.1/x")).To(BeTrue())
	g.Expect(citations.IsPrivateOrLocal("https://10.0.0.5/x")).To(BeTrue())
	g.Expect(citations.IsPrivateOrLocal("https://example.com/x")).To(BeFalse())
}
