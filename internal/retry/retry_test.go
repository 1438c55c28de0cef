package retry_test

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/manifest"
	"github.com/madhatter5501/deepresearch/internal/retry"
)

func bootstrappedStore(t *testing.T) (*manifest.Store, *manifest.Manifest) {
	root := t.TempDir()
	path := filepath.Join(root, "manifest.json")
	store := manifest.New(path, audit.New(root), clock.Fixed{At: time.Now()})
	m := &manifest.Manifest{
		RunID:  "run-1",
		Status: manifest.StatusRunning,
		Stage:  manifest.StageState{Current: manifest.StageWave1},
		Query:  manifest.Query{Constraints: manifest.Constraints{OptionC: manifest.OptionC{Enabled: true}}},
		Limits: manifest.Limits{MaxWave1Agents: 1, MaxWave2Agents: 1, MaxSummaryKB: 1, MaxTotalSummaryKB: 1},
		Artifacts: manifest.Artifacts{Root: root},
	}
	if err := store.Bootstrap(m); err != nil {
		t.Fatal(err)
	}
	got, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}
	return store, got
}

func TestRecordIncrementsCountAndHistory(t *testing.T) {
	g := NewWithT(t)
	store, m := bootstrappedStore(t)
	clk := clock.Fixed{At: time.Now()}

	result, err := retry.Record(store, m, "B", 3, "fix missing section", clk)
	g.Expect(err).To(BeNil())
	g.Expect(result.RetryCount).To(Equal(1))

	updated, rerr := store.Read()
	g.Expect(rerr).NotTo(HaveOccurred())
	g.Expect(updated.Metrics.RetryCounts.B).To(Equal(1))
	g.Expect(updated.Metrics.RetryHistory).To(HaveLen(1))
	g.Expect(updated.Metrics.RetryHistory[0].GateID).To(Equal("B"))
}

func TestRecordExhaustsAtMaxRetries(t *testing.T) {
	g := NewWithT(t)
	store, m := bootstrappedStore(t)
	clk := clock.Fixed{At: time.Now()}

	_, err := retry.Record(store, m, "C", 1, "first attempt", clk)
	g.Expect(err).To(BeNil())

	m2, _ := store.Read()
	_, err = retry.Record(store, m2, "C", 1, "second attempt", clk)
	g.Expect(err).NotTo(BeNil())
	g.Expect(err.Code).To(Equal(apperr.CodeRetryExhausted))

	final, _ := store.Read()
	g.Expect(final.Metrics.RetryCounts.C).To(Equal(1))
}

func TestRecordTracksGatesIndependently(t *testing.T) {
	g := NewWithT(t)
	store, m := bootstrappedStore(t)
	clk := clock.Fixed{At: time.Now()}

	_, err := retry.Record(store, m, "D", 5, "tweak", clk)
	g.Expect(err).To(BeNil())

	updated, _ := store.Read()
	_, err = retry.Record(store, updated, "E", 5, "tweak-e", clk)
	g.Expect(err).To(BeNil())

	final, _ := store.Read()
	g.Expect(final.Metrics.RetryCounts.D).To(Equal(1))
	g.Expect(final.Metrics.RetryCounts.E).To(Equal(1))
}
