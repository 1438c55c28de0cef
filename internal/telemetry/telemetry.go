// Package telemetry implements the tick ledger (logs/ticks.jsonl) and
// telemetry event stream (logs/telemetry.jsonl), plus live Prometheus
// gauges/counters for introspection (spec §4.10, §4.13). The JSONL ledger
// idiom is the teacher's own append-only-log style (audit.go); the
// Prometheus surface is grounded in jordigilh-kubernaut and
// marcus-qen-legator, both of which expose a prometheus.Registry over
// their own tick/reconciliation counters.
package telemetry

import (
	"encoding/json"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/madhatter5501/deepresearch/internal/clock"
)

// TickEvent is one row of logs/ticks.jsonl (spec §4.10 step 3/8: "tick
// ledger phase=start/finish").
type TickEvent struct {
	RunID   string         `json:"run_id"`
	TS      string         `json:"ts"`
	Phase   string         `json:"phase"`
	Stage   string         `json:"stage"`
	Result  string         `json:"result,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StageEvent is one row of logs/telemetry.jsonl (spec §4.10: "emit
// telemetry.stage_started / telemetry.stage_finished").
type StageEvent struct {
	RunID string         `json:"run_id"`
	TS    string         `json:"ts"`
	Kind  string         `json:"kind"`
	Stage string         `json:"stage"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Recorder appends to both JSONL ledgers and updates the Prometheus
// metrics registered for the process.
type Recorder struct {
	ticksPath     string
	telemetryPath string
	clk           clock.Clock
	metrics       *Metrics
}

// NewRecorder returns a Recorder writing to the given paths.
func NewRecorder(ticksPath, telemetryPath string, clk clock.Clock, metrics *Metrics) *Recorder {
	return &Recorder{ticksPath: ticksPath, telemetryPath: telemetryPath, clk: clk, metrics: metrics}
}

func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// TickStart records phase="start" for a tick and emits stage_started.
func (r *Recorder) TickStart(runID, stage string) error {
	now := r.clk.Now()
	if r.metrics != nil {
		r.metrics.TicksTotal.WithLabelValues(stage).Inc()
	}
	if err := appendJSONL(r.telemetryPath, StageEvent{RunID: runID, TS: clock.ISO8601UTC(now), Kind: "stage_started", Stage: stage}); err != nil {
		return err
	}
	return appendJSONL(r.ticksPath, TickEvent{RunID: runID, TS: clock.ISO8601UTC(now), Phase: "start", Stage: stage})
}

// TickFinish records phase="finish" with result, emits stage_finished,
// and observes the stage duration.
func (r *Recorder) TickFinish(runID, stage, result string, duration time.Duration, details map[string]any) error {
	now := r.clk.Now()
	if r.metrics != nil {
		r.metrics.StageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
		if result != "ok" {
			r.metrics.TickBlocksTotal.WithLabelValues(stage, result).Inc()
		}
	}
	if err := appendJSONL(r.telemetryPath, StageEvent{RunID: runID, TS: clock.ISO8601UTC(now), Kind: "stage_finished", Stage: stage, Extra: details}); err != nil {
		return err
	}
	return appendJSONL(r.ticksPath, TickEvent{RunID: runID, TS: clock.ISO8601UTC(now), Phase: "finish", Stage: stage, Result: result, Details: details})
}

// Metrics are the process-wide Prometheus collectors, registered once per
// process and shared across runs. Their labels are stage, code and gate;
// none carries a run id, so values from different runs are summed
// together. Recorder updates TicksTotal, TickBlocksTotal and
// StageDurationSeconds; RetryCounts and GatePassTotal are registered but
// nothing in this module sets them.
type Metrics struct {
	TicksTotal           *prometheus.CounterVec
	TickBlocksTotal      *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	RetryCounts          *prometheus.GaugeVec
	GatePassTotal        *prometheus.CounterVec
}

// NewMetrics constructs and registers the telemetry collectors against
// reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch", Name: "ticks_total", Help: "Total orchestrator ticks started, by stage.",
		}, []string{"stage"}),
		TickBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch", Name: "tick_blocks_total", Help: "Total typed blocks returned from a tick, by stage and code.",
		}, []string{"stage", "code"}),
		StageDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepresearch", Name: "stage_duration_seconds", Help: "Stage processing duration, by stage.",
		}, []string{"stage"}),
		RetryCounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deepresearch", Name: "retry_counts", Help: "Current retry count, by gate.",
		}, []string{"gate"}),
		GatePassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch", Name: "gate_pass_total", Help: "Total gate evaluations, by gate and status.",
		}, []string{"gate", "status"}),
	}
	reg.MustRegister(m.TicksTotal, m.TickBlocksTotal, m.StageDurationSeconds, m.RetryCounts, m.GatePassTotal)
	return m
}
