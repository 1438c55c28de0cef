package review_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/review"
)

func validSynthesis() string {
	return "## Summary\n\nbody [@cid_abc123]\n\n## Key Findings\n\nbody\n\n## Evidence\n\nbody\n\n## Caveats\n\nbody\n"
}

func TestWriteSynthesisAcceptsSectionsInOrder(t *testing.T) {
	g := NewWithT(t)
	out, err := review.WriteSynthesis(validSynthesis(), map[string]bool{"cid_abc123": true})
	g.Expect(err).To(BeNil())
	g.Expect(out).To(Equal(validSynthesis()))
}

func TestWriteSynthesisRejectsMissingSection(t *testing.T) {
	g := NewWithT(t)
	md := "## Summary\n\nbody\n\n## Evidence\n\nbody\n\n## Caveats\n\nbody\n"
	_, err := review.WriteSynthesis(md, map[string]bool{})
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeMissingRequiredSection))
}

func TestWriteSynthesisRejectsOutOfOrderSections(t *testing.T) {
	g := NewWithT(t)
	md := "## Key Findings\n\nbody\n\n## Summary\n\nbody\n\n## Evidence\n\nbody\n\n## Caveats\n\nbody\n"
	_, err := review.WriteSynthesis(md, map[string]bool{})
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeMissingRequiredSection))
}

func TestWriteSynthesisRejectsUnknownCID(t *testing.T) {
	g := NewWithT(t)
	_, err := review.WriteSynthesis(validSynthesis(), map[string]bool{"cid_other": true})
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeUnknownCID))
}
