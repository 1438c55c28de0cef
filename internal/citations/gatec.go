package citations

// GateCMetrics is persisted in Gate C's update (spec §4.7: "Metrics
// persisted in the gate update").
type GateCMetrics struct {
	ValidatedURLRate   float64 `json:"validated_url_rate"`
	InvalidURLRate     float64 `json:"invalid_url_rate"`
	UncategorizedRate  float64 `json:"uncategorized_url_rate"`
	Total              int     `json:"total"`
}

// EvaluateGateC computes Gate C's pass/fail per spec §4.7:
// validated_url_rate = (valid + paywalled) / total; pass if >= 0.9 AND
// invalid_url_rate <= 0.1 AND uncategorized_url_rate == 0.
func EvaluateGateC(citations []Citation) (pass bool, metrics GateCMetrics) {
	total := len(citations)
	if total == 0 {
		return false, GateCMetrics{}
	}

	var valid, paywalled, invalid, uncategorized int
	for _, c := range citations {
		switch c.Status {
		case StatusValid:
			valid++
		case StatusPaywalled:
			paywalled++
		case StatusInvalid, StatusBlocked, StatusMismatch:
			invalid++
		case StatusUncategorized:
			uncategorized++
		}
	}

	metrics = GateCMetrics{
		ValidatedURLRate:  float64(valid+paywalled) / float64(total),
		InvalidURLRate:    float64(invalid) / float64(total),
		UncategorizedRate: float64(uncategorized) / float64(total),
		Total:             total,
	}

	pass = metrics.ValidatedURLRate >= 0.9 && metrics.InvalidURLRate <= 0.1 && metrics.UncategorizedRate == 0
	return pass, metrics
}
