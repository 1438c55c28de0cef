package citations

import (
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// WaveMarkdown is one wave's markdown output keyed by perspective id, for
// a given wave label ("wave-1" or "wave-2").
type WaveMarkdown struct {
	Wave          string
	PerspectiveID string
	Markdown      string
}

// Extract scans the Sources section of each wave markdown, collecting
// unique raw URLs (sorted lexicographically) and a found-by index mapping
// each raw URL to every (wave, perspective_id, ordinal, source_line) it
// was seen in (spec §4.7 Extract). includeWave2 gates whether wave-2
// documents are scanned at all.
func Extract(docs []WaveMarkdown, includeWave2 bool) ([]string, map[string][]FoundByRecord) {
	foundBy := map[string][]FoundByRecord{}
	seen := map[string]bool{}

	for _, d := range docs {
		if d.Wave == "wave-2" && !includeWave2 {
			continue
		}
		urls := sourceURLsInSection(d.Markdown)
		for ordinal, entry := range urls {
			url, line := entry[0], entry[1]
			seen[url] = true
			foundBy[url] = append(foundBy[url], FoundByRecord{
				Wave: d.Wave, PerspectiveID: d.PerspectiveID, Ordinal: ordinal, SourceLine: line,
			})
		}
	}

	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, foundBy
}

// sourceURLsInSection walks the goldmark AST for the document, returning
// one [url, sourceLine] pair per list item under the "Sources" heading, in
// document order.
func sourceURLsInSection(markdown string) [][2]string {
	md := goldmark.New()
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var out [][2]string
	inSources := false

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if _, ok := n.(*ast.Heading); ok {
			heading := strings.TrimSpace(plainText(n, src))
			inSources = strings.EqualFold(heading, "Sources")
			return ast.WalkContinue, nil
		}
		if inSources {
			if _, ok := n.(*ast.ListItem); ok {
				line := strings.TrimSpace(plainText(n, src))
				if url := extractURL(line); url != "" {
					out = append(out, [2]string{url, "- " + line})
				}
				return ast.WalkSkipChildren, nil
			}
		}
		return ast.WalkContinue, nil
	})

	return out
}

// plainText concatenates every *ast.Text leaf under n, in document order.
func plainText(n ast.Node, src []byte) string {
	var b strings.Builder
	ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func extractURL(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
		if sp := strings.IndexAny(line, " \t"); sp >= 0 {
			return line[:sp]
		}
		return line
	}
	return ""
}
