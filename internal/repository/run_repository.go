package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camoverride/emotion-detector/internal/retry"
)

// Run outcomes stored in RunLog.Outcome.
const (
	OutcomeOK          = "ok"
	OutcomeDecodeError = "decode_error"
	OutcomeThrottled   = "throttled"
	OutcomeError       = "error"
)

// RunLog is the operational record of one frame run. It never holds frame data,
// crops, labels, scores or anything identifying the client.
type RunLog struct {
	ID              uint      `gorm:"primaryKey"`
	RunID           string    `gorm:"column:run_id;uniqueIndex;size:64"`
	RequestType     string    `gorm:"column:request_type;size:64;index"`
	Outcome         string    `gorm:"column:outcome;size:32"`
	FaceFound       bool      `gorm:"column:face_found"`
	FieldsDelivered int       `gorm:"column:fields_delivered"`
	ModelsFailed    int       `gorm:"column:models_failed"`
	LatencyMs       int64     `gorm:"column:latency_ms"`
	CreatedAt       time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (RunLog) TableName() string {
	return "frame_runs"
}

// RunAggregation holds summary statistics over all recorded runs.
type RunAggregation struct {
	TotalCount       int64
	FaceFoundCount   int64
	FailedModelCount int64
	ThrottledCount   int64
	AverageLatencyMs float64
}

// RunRepository persists frame run logs through gorm.
type RunRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewRunRepository creates a new repository instance.
func NewRunRepository(db *gorm.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:     db,
		logger: logger.Named("run_repository"),
		retry: retry.Policy{
			Attempts:       3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
	}
}

// AutoMigrate ensures the schema is available.
func (r *RunRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&RunLog{})
	})
}

// SaveRun persists one run log entry.
func (r *RunRepository) SaveRun(ctx context.Context, log *RunLog) error {
	return r.executeWithRetry(ctx, "repository.save_run", log.RunID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarises every recorded run.
func (r *RunRepository) AggregateMetrics(ctx context.Context) (*RunAggregation, error) {
	var row struct {
		TotalCount       int64
		FaceFoundCount   int64
		FailedModelCount int64
		ThrottledCount   int64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&RunLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN face_found THEN 1 ELSE 0 END), 0) AS face_found_count,
				COALESCE(SUM(models_failed), 0) AS failed_model_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS throttled_count,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`, OutcomeThrottled).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &RunAggregation{
		TotalCount:       row.TotalCount,
		FaceFoundCount:   row.FaceFoundCount,
		FailedModelCount: row.FailedModelCount,
		ThrottledCount:   row.ThrottledCount,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *RunRepository) executeWithRetry(ctx context.Context, operation, runID string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, runID, retry.IsTransient, fn)
}
