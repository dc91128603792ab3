package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/frame"
	"github.com/camoverride/emotion-detector/internal/logging"
	"github.com/camoverride/emotion-detector/internal/pipeline"
	"github.com/camoverride/emotion-detector/internal/repository"
	"github.com/camoverride/emotion-detector/internal/retry"
)

// ErrThrottled is returned when a client sends more frames per second than allowed.
var ErrThrottled = errors.New("frame rate limit exceeded")

// Pipeline runs one frame through decode, location and prediction.
type Pipeline interface {
	Run(ctx context.Context, runID, requestType, payload string) (*pipeline.FrameResult, error)
}

// RunRepository defines the persistence operations needed by the use case.
type RunRepository interface {
	SaveRun(ctx context.Context, log *repository.RunLog) error
	AggregateMetrics(ctx context.Context) (*repository.RunAggregation, error)
}

// FrameRequest is one inbound frame. ClientKey identifies the sender for throttling;
// it is a connection id or the remote address.
type FrameRequest struct {
	ClientKey   string
	RequestType string
	Payload     string
}

// FrameOutcome pairs a pipeline result with the run id it was processed under.
type FrameOutcome struct {
	RunID  string
	Result *pipeline.FrameResult
}

// Options configure the frame use case. Zero values disable throttling and the run
// timeout.
type Options struct {
	FramesPerSecond int
	RunTimeout      time.Duration
}

// FrameUseCase encapsulates the per-frame flow around the pipeline.
type FrameUseCase struct {
	pipeline        Pipeline
	repo            RunRepository
	counter         Counter
	logger          *zap.Logger
	framesPerSecond int
	runTimeout      time.Duration
	recordTimeout   time.Duration
	redisRetry      retry.Policy
	now             func() time.Time
}

// NewFrameUseCase constructs a new use case instance. repo and counter may be nil.
func NewFrameUseCase(p Pipeline, repo RunRepository, counter Counter, logger *zap.Logger, opts Options) *FrameUseCase {
	return &FrameUseCase{
		pipeline:        p,
		repo:            repo,
		counter:         counter,
		logger:          logger.Named("frame_usecase"),
		framesPerSecond: opts.FramesPerSecond,
		runTimeout:      opts.RunTimeout,
		recordTimeout:   2 * time.Second,
		redisRetry: retry.Policy{
			Attempts:       3,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
		},
		now: time.Now,
	}
}

// ProcessFrame throttles, runs and records one frame.
func (uc *FrameUseCase) ProcessFrame(ctx context.Context, req FrameRequest) (*FrameOutcome, error) {
	runID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.process_frame", runID)
	started := uc.now()

	log := &repository.RunLog{
		RunID:       runID,
		RequestType: req.RequestType,
		CreatedAt:   started.UTC(),
	}

	if err := uc.throttle(ctx, runID, req.ClientKey, started); err != nil {
		if errors.Is(err, ErrThrottled) {
			log.Outcome = repository.OutcomeThrottled
			uc.record(ctx, log, started)
		}
		return nil, err
	}

	runCtx := ctx
	if uc.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, uc.runTimeout)
		defer cancel()
	}

	result, err := uc.pipeline.Run(runCtx, runID, req.RequestType, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, frame.ErrDecode):
			log.Outcome = repository.OutcomeDecodeError
			opLogger.Info("frame dropped", zap.Error(err))
		case errors.Is(err, pipeline.ErrUnknownRequestType):
			return nil, err
		default:
			log.Outcome = repository.OutcomeError
			opLogger.Warn("frame run failed", zap.Error(err))
		}
		uc.record(ctx, log, started)
		return nil, err
	}

	log.Outcome = repository.OutcomeOK
	log.FaceFound = result.FaceFound
	log.FieldsDelivered = len(result.Fields)
	log.ModelsFailed = len(result.Failures)
	uc.record(ctx, log, started)

	return &FrameOutcome{RunID: runID, Result: result}, nil
}

// throttle counts the frame against the client's current second. Redis failures
// let the frame through.
func (uc *FrameUseCase) throttle(ctx context.Context, runID, clientKey string, now time.Time) error {
	if uc.counter == nil || uc.framesPerSecond <= 0 {
		return nil
	}
	key := fmt.Sprintf("frames:%s:%d", clientKey, now.Unix())

	var count int64
	err := uc.redisRetry.Do(ctx, uc.logger, "throttle.incr", runID, retry.IsTransient, func() error {
		n, err := uc.counter.Incr(ctx, key, 2*time.Second)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.throttle", runID).Warn("throttle unavailable, admitting frame", zap.Error(err))
		return nil
	}
	if count > int64(uc.framesPerSecond) {
		return logging.NewOperationError("usecase.throttle", runID, ErrThrottled)
	}
	return nil
}

func (uc *FrameUseCase) record(ctx context.Context, log *repository.RunLog, started time.Time) {
	if uc.repo == nil {
		return
	}
	log.LatencyMs = uc.now().Sub(started).Milliseconds()

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.recordTimeout)
	defer cancel()
	if err := uc.repo.SaveRun(recordCtx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_run", log.RunID).Error("failed to persist run log", zap.Error(err))
	}
}
