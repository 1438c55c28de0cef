package gatee_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/gatee"
)

func completeSynthesis(body string) string {
	return "## Summary\n\n" + body + "\n\n## Key Findings\n\nx\n\n## Evidence\n\nx\n\n## Caveats\n\nx\n"
}

func TestEvaluatePassesWhenAllNumericClaimsCitedAndSectionsComplete(t *testing.T) {
	g := NewWithT(t)
	md := completeSynthesis("Revenue grew 42% [@cid_abc123] last year.")
	status := gatee.Evaluate(md, 2, 2, map[string]int{"cid_abc123": 1})
	g.Expect(status.Pass).To(BeTrue())
	g.Expect(status.Metrics.UncitedNumericClaims).To(Equal(0))
	g.Expect(status.Metrics.ReportSectionsPresent).To(Equal(100.0))
}

func TestEvaluateFailsOnUncitedNumericClaim(t *testing.T) {
	g := NewWithT(t)
	md := completeSynthesis("Revenue grew 42% with no citation at all.")
	status := gatee.Evaluate(md, 2, 2, map[string]int{})
	g.Expect(status.Pass).To(BeFalse())
	g.Expect(status.Metrics.UncitedNumericClaims).To(BeNumerically(">", 0))
}

func TestEvaluateFailsWhenSectionMissing(t *testing.T) {
	g := NewWithT(t)
	md := "## Summary\n\nno numeric claims here.\n\n## Evidence\n\nx\n\n## Caveats\n\nx\n"
	status := gatee.Evaluate(md, 0, 0, nil)
	g.Expect(status.Pass).To(BeFalse())
	g.Expect(status.Metrics.ReportSectionsPresent).To(BeNumerically("<", 100.0))
}

func TestEvaluateWarnsOnHighDuplicateCitationRate(t *testing.T) {
	g := NewWithT(t)
	md := completeSynthesis("No numeric claims here.")
	status := gatee.Evaluate(md, 10, 10, map[string]int{"cid_abc123": 10})
	g.Expect(status.Pass).To(BeTrue())
	g.Expect(status.Warnings).To(ContainElement("HIGH_DUPLICATE_CITATION_RATE"))
}

func TestEvaluateWarnsOnLowCitationUtilization(t *testing.T) {
	g := NewWithT(t)
	md := completeSynthesis("No numeric claims here.")
	status := gatee.Evaluate(md, 10, 1, map[string]int{"cid_abc123": 1})
	g.Expect(status.Warnings).To(ContainElement("LOW_CITATION_UTILIZATION"))
}

func TestEvaluateWarningsNeverFlipPassingStatus(t *testing.T) {
	g := NewWithT(t)
	md := completeSynthesis("No numeric claims here.")
	status := gatee.Evaluate(md, 10, 1, map[string]int{"cid_abc123": 10})
	g.Expect(status.Pass).To(BeTrue())
	g.Expect(status.Warnings).NotTo(BeEmpty())
}
