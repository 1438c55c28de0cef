package review_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/review"
)

func TestBuildSummaryPackCollectsCitedCIDs(t *testing.T) {
	g := NewWithT(t)
	bodies := map[string]string{"risk": "Risk is high [@cid_abc123] and confirmed [@cid_abc123] and [@cid_def456]."}
	pack, err := review.BuildSummaryPack(bodies, 10, 10)
	g.Expect(err).To(BeNil())
	g.Expect(pack.Summaries).To(HaveLen(1))
	g.Expect(pack.Summaries[0].CitedCIDs).To(ConsistOf("cid_abc123", "cid_def456"))
	g.Expect(pack.TotalEstimatedTokens).To(BeNumerically(">", 0))
}

func TestBuildSummaryPackRejectsRawURL(t *testing.T) {
	g := NewWithT(t)
	bodies := map[string]string{"risk": "See https://example.com/a [@cid_abc123]"}
	_, err := review.BuildSummaryPack(bodies, 10, 10)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeRawURLNotAllowed))
}

func TestBuildSummaryPackRejectsMissingCIDMention(t *testing.T) {
	g := NewWithT(t)
	bodies := map[string]string{"risk": "No citation here at all."}
	_, err := review.BuildSummaryPack(bodies, 10, 10)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeMissingCIDMention))
}

func TestBuildSummaryPackEnforcesPerSummaryKBBudget(t *testing.T) {
	g := NewWithT(t)
	big := ""
	for i := 0; i < 2000; i++ {
		big += "word "
	}
	bodies := map[string]string{"risk": big + "[@cid_abc123]"}
	_, err := review.BuildSummaryPack(bodies, 1, 100)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeInvalidArgs))
}

func TestBuildSummaryPackEnforcesTotalKBBudget(t *testing.T) {
	g := NewWithT(t)
	medium := ""
	for i := 0; i < 400; i++ {
		medium += "word "
	}
	bodies := map[string]string{
		"risk":   medium + "[@cid_abc123]",
		"market": medium + "[@cid_def456]",
	}
	_, err := review.BuildSummaryPack(bodies, 10, 1)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeInvalidArgs))
}
