package citations

import (
	"fmt"
	"sort"
	"strings"
)

// statusOrder ranks a citation's status for Render's grouping pass; ties
// within a status are broken by cid.
var statusOrder = map[Status]int{
	StatusValid: 0, StatusPaywalled: 1, StatusInvalid: 2,
	StatusBlocked: 3, StatusMismatch: 4, StatusUncategorized: 5,
}

// Render produces citations-rendered.md: one "## cid_<hex>" heading block
// per citation (spec §4.7 Render: "each `## cid_<hex>` heading block"),
// ordered by status then sorted by cid within each status, carrying
// status, normalized_url, optional title/publisher, and notes.
func Render(citations []Citation) string {
	sorted := make([]Citation, len(citations))
	copy(sorted, citations)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if statusOrder[a.Status] != statusOrder[b.Status] {
			return statusOrder[a.Status] < statusOrder[b.Status]
		}
		return a.CID < b.CID
	})

	var b strings.Builder
	b.WriteString("# Citations\n\n")
	for _, c := range sorted {
		fmt.Fprintf(&b, "## %s\n\n", c.CID)
		fmt.Fprintf(&b, "- status: %s\n", c.Status)
		fmt.Fprintf(&b, "- normalized_url: %s\n", c.NormalizedURL)
		if c.Title != "" {
			fmt.Fprintf(&b, "- title: %s\n", c.Title)
		}
		if c.Publisher != "" {
			fmt.Fprintf(&b, "- publisher: %s\n", c.Publisher)
		}
		if c.Notes != "" {
			fmt.Fprintf(&b, "- notes: %s\n", c.Notes)
		}
		b.WriteString("\n")
	}
	return b.String()
}
