package citations_test

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/citations"
)

func TestValidateOfflineUsesFixtureStatus(t *testing.T) {
	g := NewWithT(t)
	fixtures := map[string]citations.FixtureEntry{
		"https://example.com/a": {NormalizedURL: "https://example.com/a", Status: citations.StatusValid, Title: "A"},
	}
	out, err := citations.ValidateOffline([]string{"https://example.com/a"}, fixtures)
	g.Expect(err).To(BeNil())
	g.Expect(out).To(HaveLen(1))
	g.Expect(out[0].Status).To(Equal(citations.StatusValid))
	g.Expect(out[0].Title).To(Equal("A"))
}

func TestValidateOfflineRejectsMissingFixture(t *testing.T) {
	g := NewWithT(t)
	_, err := citations.ValidateOffline([]string{"https://example.com/a"}, map[string]citations.FixtureEntry{})
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeInvalidArgs))
}

func TestValidateOfflineBlocksPrivateTargetsRegardlessOfFixture(t *testing.T) {
	g := NewWithT(t)
	fixtures := map[string]citations.FixtureEntry{
		"https://localhost/x": {NormalizedURL: "https://localhost/x", Status: citations.StatusValid},
	}
	out, err := citations.ValidateOffline([]string{"https://localhost/x"}, fixtures)
	g.Expect(err).To(BeNil())
	g.Expect(out[0].Status).To(Equal(citations.StatusInvalid))
	g.Expect(out[0].Notes).To(ContainSubstring("SSRF"))
}

func TestValidateOnlineDryRunBlocksPrivateTargets(t *testing.T) {
	g := NewWithT(t)
	ladder := citations.NewLadder(nil)
	out, blocked := citations.ValidateOnlineDryRun([]string{"https://localhost/x"}, ladder)
	g.Expect(out).To(HaveLen(1))
	g.Expect(out[0].Status).To(Equal(citations.StatusInvalid))
	g.Expect(blocked).To(BeEmpty())
}

func TestValidateOnlineDryRunMarksFullyTrippedLadderAsBlocked(t *testing.T) {
	g := NewWithT(t)
	ladder := citations.NewLadder([]citations.Endpoint{
		{Name: "direct", Call: func(string) (citations.LadderStepResult, error) {
			return citations.LadderStepResult{}, errors.New("boom")
		}},
	})
	for i := 0; i < 3; i++ {
		ladder.Run("https://example.com/a")
	}
	out, blocked := citations.ValidateOnlineDryRun([]string{"https://example.com/a"}, ladder)
	g.Expect(out[0].Status).To(Equal(citations.StatusBlocked))
	g.Expect(blocked).To(ConsistOf("https://example.com/a"))
}

func TestValidateOnlineDryRunRunsLadderForPublicTargets(t *testing.T) {
	g := NewWithT(t)
	ladder := citations.NewLadder([]citations.Endpoint{
		{Name: "direct", Call: func(string) (citations.LadderStepResult, error) {
			return citations.LadderStepResult{Step: "direct", Status: "skipped"}, nil
		}},
	})
	out, blocked := citations.ValidateOnlineDryRun([]string{"https://example.com/a"}, ladder)
	g.Expect(blocked).To(BeEmpty())
	g.Expect(out[0].Status).To(Equal(citations.StatusUncategorized))
	g.Expect(out[0].Notes).To(ContainSubstring("1 ladder steps"))
}

func TestValidateOnlineReplayReconstitutesCapturedResults(t *testing.T) {
	g := NewWithT(t)
	captured := map[string]citations.Citation{
		"https://example.com/a": {CID: "cid_x", NormalizedURL: "https://example.com/a", Status: citations.StatusValid},
	}
	out, err := citations.ValidateOnlineReplay([]string{"https://example.com/a"}, captured)
	g.Expect(err).To(BeNil())
	g.Expect(out[0].CID).To(Equal("cid_x"))
}

func TestValidateOnlineReplayMarksMismatchedCapture(t *testing.T) {
	g := NewWithT(t)
	captured := map[string]citations.Citation{
		"https://example.com/a": {CID: "cid_wrong", NormalizedURL: "https://example.com/a", Status: citations.StatusValid},
	}
	out, err := citations.ValidateOnlineReplay([]string{"https://example.com/a"}, captured)
	g.Expect(err).To(BeNil())
	g.Expect(out[0].Status).To(Equal(citations.StatusMismatch))
}

func TestValidateOnlineReplayRejectsUncapturedURL(t *testing.T) {
	g := NewWithT(t)
	_, err := citations.ValidateOnlineReplay([]string{"https://example.com/a"}, map[string]citations.Citation{})
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeInvalidArgs))
}

func TestLadderTripsBreakerAfterConsecutiveFailures(t *testing.T) {
	g := NewWithT(t)
	calls := 0
	ladder := citations.NewLadder([]citations.Endpoint{
		{Name: "flaky", Call: func(string) (citations.LadderStepResult, error) {
			calls++
			return citations.LadderStepResult{}, errors.New("boom")
		}},
	})
	for i := 0; i < 3; i++ {
		res := ladder.Run("https://example.com/a")
		g.Expect(res[0].Status).To(Equal("blocked"))
	}
	res := ladder.Run("https://example.com/a")
	g.Expect(res[0].Status).To(Equal("blocked"))
	g.Expect(calls).To(Equal(3))
}
