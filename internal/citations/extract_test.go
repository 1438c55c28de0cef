package citations_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/citations"
)

func TestExtractFindsURLsInSourcesSectionOnly(t *testing.T) {
	g := NewWithT(t)
	md := "# Report\n\n## Findings\n\n- https://ignored.example.com/x\n\n## Sources\n\n- https://example.com/a\n- https://example.com/b\n"
	docs := []citations.WaveMarkdown{{Wave: "wave-1", PerspectiveID: "risk", Markdown: md}}

	urls, foundBy := citations.Extract(docs, false)
	g.Expect(urls).To(Equal([]string{"https://example.com/a", "https://example.com/b"}))
	g.Expect(foundBy["https://example.com/a"]).To(HaveLen(1))
	g.Expect(foundBy["https://example.com/a"][0].PerspectiveID).To(Equal("risk"))
}

func TestExtractDeduplicatesAcrossDocuments(t *testing.T) {
	g := NewWithT(t)
	md1 := "## Sources\n\n- https://example.com/a\n"
	md2 := "## Sources\n\n- https://example.com/a\n"
	docs := []citations.WaveMarkdown{
		{Wave: "wave-1", PerspectiveID: "risk", Markdown: md1},
		{Wave: "wave-1", PerspectiveID: "market", Markdown: md2},
	}
	urls, foundBy := citations.Extract(docs, false)
	g.Expect(urls).To(Equal([]string{"https://example.com/a"}))
	g.Expect(foundBy["https://example.com/a"]).To(HaveLen(2))
}

func TestExtractExcludesWave2WhenNotIncluded(t *testing.T) {
	g := NewWithT(t)
	docs := []citations.WaveMarkdown{
		{Wave: "wave-2", PerspectiveID: "risk", Markdown: "## Sources\n\n- https://example.com/a\n"},
	}
	urls, _ := citations.Extract(docs, false)
	g.Expect(urls).To(BeEmpty())

	urls, _ = citations.Extract(docs, true)
	g.Expect(urls).To(Equal([]string{"https://example.com/a"}))
}
