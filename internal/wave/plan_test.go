package wave_test

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/manifest"
	"github.com/madhatter5501/deepresearch/internal/wave"
)

func scope() wave.ScopeContract {
	return wave.ScopeContract{
		Topic:         "quantum annealing",
		Depth:         "standard",
		TimeBudget:    "2h",
		CitationPosture: "strict",
		Deliverable:   "brief",
		Questions:     []string{"what are the tradeoffs?"},
		NonGoals:      []string{"hardware benchmarking"},
		ToolsPrimary:   []string{"web_search"},
		ToolsSecondary: []string{"calculator"},
		ToolsForbidden: []string{"code_exec"},
	}
}

func perspectives() []wave.Perspective {
	contract := wave.PromptContract{MaxSources: 5, MaxWords: 500}
	return []wave.Perspective{
		{ID: "risk", Name: "Risk", Track: wave.TrackIndependent, AgentType: "researcher", PromptContract: contract},
		{ID: "market", Name: "Market", Track: wave.TrackStandard, AgentType: "researcher", PromptContract: contract},
	}
}

func planReq(overrides ...func(*wave.PlanRequest)) wave.PlanRequest {
	req := wave.PlanRequest{
		RunID: "run-1", GeneratedAt: "2026-07-31T00:00:00Z", WaveDir: "wave-1",
		Perspectives: perspectives(), Limits: manifest.Limits{MaxWave1Agents: 5}, Scope: scope(),
	}
	for _, o := range overrides {
		o(&req)
	}
	return req
}

func TestBuildPlanSortsEntriesByPerspectiveID(t *testing.T) {
	g := NewWithT(t)
	plan, err := wave.BuildPlan(planReq())
	g.Expect(err).To(BeNil())
	g.Expect(plan.Entries).To(HaveLen(2))
	g.Expect(plan.Entries[0].PerspectiveID).To(Equal("market"))
	g.Expect(plan.Entries[1].PerspectiveID).To(Equal("risk"))
	g.Expect(plan.RunID).To(Equal("run-1"))
	g.Expect(plan.GeneratedAt).To(Equal("2026-07-31T00:00:00Z"))
	g.Expect(plan.Entries[0].OutputMD).To(Equal("wave-1/market.md"))
	g.Expect(plan.Entries[0].AgentType).To(Equal("researcher"))
}

func TestBuildPlanSortsWave2EntriesByAscendingGapID(t *testing.T) {
	g := NewWithT(t)
	req := planReq(func(r *wave.PlanRequest) {
		r.WaveDir = "wave-2"
		r.GapIDs = map[string]string{"risk": "gap_risk_2", "market": "gap_market_1"}
	})
	plan, err := wave.BuildPlan(req)
	g.Expect(err).To(BeNil())
	g.Expect(plan.Entries[0].PerspectiveID).To(Equal("market"))
	g.Expect(plan.Entries[0].GapID).To(Equal("gap_market_1"))
	g.Expect(plan.Entries[1].PerspectiveID).To(Equal("risk"))
	g.Expect(plan.Entries[1].GapID).To(Equal("gap_risk_2"))
}

func TestBuildPlanRejectsExceedingWaveCap(t *testing.T) {
	g := NewWithT(t)
	_, err := wave.BuildPlan(planReq(func(r *wave.PlanRequest) { r.Limits.MaxWave1Agents = 1 }))
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeWaveCapExceeded))
}

func TestBuildPlanIsByteDeterministic(t *testing.T) {
	g := NewWithT(t)
	p1, err1 := wave.BuildPlan(planReq())
	p2, err2 := wave.BuildPlan(planReq())
	g.Expect(err1).To(BeNil())
	g.Expect(err2).To(BeNil())
	g.Expect(p1.Entries[0].PromptMD).To(Equal(p2.Entries[0].PromptMD))
	g.Expect(p1.Entries[0].PromptDigest).To(Equal(p2.Entries[0].PromptDigest))
	g.Expect(p1.InputsDigest).To(Equal(p2.InputsDigest))
}

func TestBuildPlanChangesDigestWhenScopeChanges(t *testing.T) {
	g := NewWithT(t)
	p1, _ := wave.BuildPlan(planReq())
	p2, _ := wave.BuildPlan(planReq(func(r *wave.PlanRequest) { r.Scope.Topic = "something else" }))
	g.Expect(p1.InputsDigest).NotTo(Equal(p2.InputsDigest))
}

func TestBuildPlanPromptIncludesFixedSections(t *testing.T) {
	g := NewWithT(t)
	plan, err := wave.BuildPlan(planReq())
	g.Expect(err).To(BeNil())
	md := plan.Entries[0].PromptMD
	g.Expect(md).To(ContainSubstring("## Scope Contract"))
	g.Expect(md).To(ContainSubstring("## Platform Requirements"))
	g.Expect(md).To(ContainSubstring("## Tool Policy"))
	g.Expect(md).To(ContainSubstring("## Questions"))
	g.Expect(md).To(ContainSubstring("## Non-goals"))
	g.Expect(md).To(ContainSubstring("## Deliverable"))
}
