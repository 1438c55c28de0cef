package wave

import "github.com/madhatter5501/deepresearch/internal/apperr"

// RetryDirectivesDoc is the retry/retry-directives.json document (spec
// §4.6: "write retry/retry-directives.json with
// schema_version=wave1.retry_directives.v1 and consumed_at=null").
type RetryDirectivesDoc struct {
	SchemaVersion string           `json:"schema_version"`
	ConsumedAt    *string          `json:"consumed_at"`
	Directives    []RetryDirective `json:"directives"`
}

// NewRetryDirectivesDoc wraps directives in an unconsumed document.
func NewRetryDirectivesDoc(directives []RetryDirective) *RetryDirectivesDoc {
	return &RetryDirectivesDoc{
		SchemaVersion: "wave1.retry_directives.v1",
		ConsumedAt:    nil,
		Directives:    directives,
	}
}

const defaultMaxRetries = 2

// CheckRetryCap reports RETRY_CAP_EXCEEDED once retryCount (the gate's
// manifest.metrics.retry_counts.* value, already incremented for this
// failed attempt) reaches maxRetries (default 2, spec §4.6).
func CheckRetryCap(gateID string, retryCount, maxRetries int) *apperr.Error {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryCount >= maxRetries {
		return apperr.New(apperr.CodeRetryCapExceeded, "retry count for gate "+gateID+" reached max_retries", map[string]any{
			"gate_id": gateID, "retry_count": retryCount, "max_retries": maxRetries,
		})
	}
	return nil
}

// FilterForRetry returns only the perspectives named in an unconsumed
// RetryDirectivesDoc, so the next tick replays exactly (and only) the
// listed perspectives through the driver (spec §4.6: "the next tick
// detects the unconsumed directive and replays only listed perspectives").
func FilterForRetry(doc *RetryDirectivesDoc, all []Perspective) []Perspective {
	if doc == nil || doc.ConsumedAt != nil {
		return nil
	}
	wanted := map[string]bool{}
	for _, d := range doc.Directives {
		wanted[d.PerspectiveID] = true
	}
	var out []Perspective
	for _, p := range all {
		if wanted[p.ID] {
			out = append(out, p)
		}
	}
	return out
}
