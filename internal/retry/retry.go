// Package retry implements retry_record, the generic per-gate retry
// counter shared by gates B through E (spec §4.6, §8 scenario C). It
// generalizes the single-gate retry bookkeeping spec §4.6 describes for
// Gate B to every hard gate that can trigger a retry loop.
package retry

import (
	"fmt"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/clock"
	"github.com/madhatter5501/deepresearch/internal/manifest"
)

// Result is retry_record's successful outcome.
type Result struct {
	RetryCount int
}

func countFor(counts manifest.RetryCounts, gateID string) int {
	switch gateID {
	case "B":
		return counts.B
	case "C":
		return counts.C
	case "D":
		return counts.D
	case "E":
		return counts.E
	default:
		return 0
	}
}

// Record increments manifest.metrics.retry_counts.<gateID>, appends a
// retry_history entry, and returns the new count — unless the gate has
// already reached maxRetries, in which case it mutates nothing and
// returns RETRY_EXHAUSTED (spec §8 scenario C: the count stays at its
// capped value on the exhausted call).
func Record(store *manifest.Store, m *manifest.Manifest, gateID string, maxRetries int, reason string, clk clock.Clock) (*Result, *apperr.Error) {
	current := countFor(m.Metrics.RetryCounts, gateID)
	if current >= maxRetries {
		return nil, apperr.New(apperr.CodeRetryExhausted, "retry count for gate "+gateID+" already at max_retries", map[string]any{
			"retry_count": current, "max_retries": maxRetries,
		})
	}

	attempt := current + 1
	now := clk.Now()
	auditReason := fmt.Sprintf("retry_record(%s#%d): %s", gateID, attempt, reason)

	patch := manifest.Patch{
		"metrics": map[string]any{
			"retry_counts": map[string]any{gateID: attempt},
			"retry_history": append(historyAsPatch(m.Metrics.RetryHistory), map[string]any{
				"gate_id":     gateID,
				"attempt":     attempt,
				"change_note": reason,
				"reason":      reason,
				"ts":          clock.ISO8601UTC(now),
			}),
		},
	}

	rev := m.Revision
	if _, err := store.Write(m.RunID, patch, &rev, auditReason); err != nil {
		if appErr, ok := err.(*apperr.Error); ok {
			return nil, appErr
		}
		return nil, apperr.New(apperr.CodeDriverError, err.Error(), nil)
	}

	return &Result{RetryCount: attempt}, nil
}

func historyAsPatch(h []manifest.RetryHistoryEntry) []map[string]any {
	out := make([]map[string]any, 0, len(h))
	for _, e := range h {
		out = append(out, map[string]any{
			"gate_id": e.GateID, "attempt": e.Attempt, "change_note": e.ChangeNote,
			"reason": e.Reason, "ts": e.TS,
		})
	}
	return out
}
