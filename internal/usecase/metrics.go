package usecase

import (
	"context"
	"errors"
)

// ErrMetricsUnavailable is returned when run accounting is disabled.
var ErrMetricsUnavailable = errors.New("run accounting is not configured")

// MetricsSummary represents aggregated frame run statistics.
type MetricsSummary struct {
	TotalRuns        int64   `json:"total_runs"`
	FaceFoundRuns    int64   `json:"face_found_runs"`
	FaceFoundRate    float64 `json:"face_found_rate"`
	FailedModelCalls int64   `json:"failed_model_calls"`
	ThrottledRuns    int64   `json:"throttled_runs"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates frame metrics from persisted run logs.
func (uc *FrameUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrMetricsUnavailable
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRuns:        aggregation.TotalCount,
		FaceFoundRuns:    aggregation.FaceFoundCount,
		FailedModelCalls: aggregation.FailedModelCount,
		ThrottledRuns:    aggregation.ThrottledCount,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.FaceFoundRate = float64(aggregation.FaceFoundCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
