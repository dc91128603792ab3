// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/logging"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Do calls fn until it succeeds, retryable rejects its error, ctx ends or the
// attempts run out. Failures are wrapped in a logging.OperationError.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, operation, runID string, retryable func(error) bool, fn func() error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.InitialBackoff
	opLogger := logging.WithOperation(logger, operation, runID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, runID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !retryable(err) || ctx.Err() != nil || attempt == attempts-1 {
			opLogger.Warn("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, runID, err)
		}
		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, runID, err)
}

// IsTransient reports timeouts and temporary network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
