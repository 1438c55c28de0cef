package wave_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/wave"
)

func TestNewRetryDirectivesDocIsUnconsumed(t *testing.T) {
	g := NewWithT(t)
	doc := wave.NewRetryDirectivesDoc([]wave.RetryDirective{{PerspectiveID: "risk"}})
	g.Expect(doc.ConsumedAt).To(BeNil())
	g.Expect(doc.SchemaVersion).To(Equal("wave1.retry_directives.v1"))
}

func TestCheckRetryCapUsesDefaultWhenUnset(t *testing.T) {
	g := NewWithT(t)
	g.Expect(wave.CheckRetryCap("B", 1, 0)).To(BeNil())
	err := wave.CheckRetryCap("B", 2, 0)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeRetryCapExceeded))
}

func TestCheckRetryCapHonorsExplicitMax(t *testing.T) {
	g := NewWithT(t)
	g.Expect(wave.CheckRetryCap("C", 4, 5)).To(BeNil())
	err := wave.CheckRetryCap("C", 5, 5)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeRetryCapExceeded))
}

func TestFilterForRetryReturnsOnlyListedPerspectives(t *testing.T) {
	g := NewWithT(t)
	all := []wave.Perspective{{ID: "risk"}, {ID: "market"}, {ID: "technical"}}
	doc := wave.NewRetryDirectivesDoc([]wave.RetryDirective{{PerspectiveID: "market"}})
	got := wave.FilterForRetry(doc, all)
	g.Expect(got).To(HaveLen(1))
	g.Expect(got[0].ID).To(Equal("market"))
}

func TestFilterForRetryReturnsNilWhenAlreadyConsumed(t *testing.T) {
	g := NewWithT(t)
	consumedAt := "2026-01-01T00:00:00Z"
	doc := wave.NewRetryDirectivesDoc([]wave.RetryDirective{{PerspectiveID: "market"}})
	doc.ConsumedAt = &consumedAt
	got := wave.FilterForRetry(doc, []wave.Perspective{{ID: "market"}})
	g.Expect(got).To(BeNil())
}

func TestFilterForRetryReturnsNilForNilDoc(t *testing.T) {
	g := NewWithT(t)
	g.Expect(wave.FilterForRetry(nil, []wave.Perspective{{ID: "market"}})).To(BeNil())
}
