package wave_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/wave"
)

func TestReviewSortsResultsAndComputesPass(t *testing.T) {
	g := NewWithT(t)
	results := []wave.PerspectiveResult{
		{PerspectiveID: "risk", OK: true},
		{PerspectiveID: "market", OK: true},
	}
	out := wave.Review(results, 0)
	g.Expect(out.Pass).To(BeTrue())
	g.Expect(out.Validated).To(Equal(2))
	g.Expect(out.Failed).To(Equal(0))
	g.Expect(out.Results[0].PerspectiveID).To(Equal("market"))
	g.Expect(out.RetryDirectives).To(BeEmpty())
}

func TestReviewBuildsRetryDirectivesForFailures(t *testing.T) {
	g := NewWithT(t)
	results := []wave.PerspectiveResult{
		{PerspectiveID: "risk", OK: false, BlockingCode: "TOO_MANY_WORDS", Note: "trim it"},
		{PerspectiveID: "market", OK: true},
	}
	out := wave.Review(results, 0)
	g.Expect(out.Pass).To(BeFalse())
	g.Expect(out.Failed).To(Equal(1))
	g.Expect(out.RetryDirectives).To(HaveLen(1))
	g.Expect(out.RetryDirectives[0].PerspectiveID).To(Equal("risk"))
	g.Expect(out.RetryDirectives[0].BlockingErrorCode).To(Equal("TOO_MANY_WORDS"))
}

func TestReviewCapsRetryDirectivesAtMaxFailures(t *testing.T) {
	g := NewWithT(t)
	results := []wave.PerspectiveResult{
		{PerspectiveID: "a", OK: false},
		{PerspectiveID: "b", OK: false},
		{PerspectiveID: "c", OK: false},
	}
	out := wave.Review(results, 2)
	g.Expect(out.Failed).To(Equal(3))
	g.Expect(out.RetryDirectives).To(HaveLen(2))
}

func TestReviewReportMentionsEachPerspective(t *testing.T) {
	g := NewWithT(t)
	results := []wave.PerspectiveResult{{PerspectiveID: "risk", OK: false, BlockingCode: "X"}}
	out := wave.Review(results, 0)
	g.Expect(out.Report).To(ContainSubstring("risk"))
	g.Expect(out.Report).To(ContainSubstring("failed: X"))
}
