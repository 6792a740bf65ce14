package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	VerifiedRequests int64   `json:"verified_requests"`
	VerifiedRate     float64 `json:"verified_rate"`
	AverageDistance  float64 `json:"average_distance"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:    aggregation.TotalCount,
		VerifiedRequests: aggregation.VerifiedCount,
		AverageDistance:  aggregation.AverageDistance,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.VerifiedRate = float64(aggregation.VerifiedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
