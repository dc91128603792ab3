// Package pipeline runs decode, face location, normalization and prediction for one
// frame and assembles the per-connection result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/face"
	"github.com/camoverride/emotion-detector/internal/frame"
	"github.com/camoverride/emotion-detector/internal/logging"
	"github.com/camoverride/emotion-detector/internal/predict"
	"github.com/camoverride/emotion-detector/internal/retry"
)

// ErrUnknownRequestType is returned for request types missing from the table.
var ErrUnknownRequestType = errors.New("unknown request type")

// Predictor performs one inference call.
type Predictor interface {
	Predict(ctx context.Context, t face.Tensor, ep predict.Endpoint) (predict.Prediction, error)
}

// Model binds a prediction endpoint to the profile its input is normalized with.
type Model struct {
	Name     string
	Endpoint predict.Endpoint
	Profile  face.Profile
}

// RequestType names the models one request runs and whether it returns the box.
type RequestType struct {
	Name        string
	Models      []string
	BoundingBox bool
}

// Options tune decoding and the predict retry policy.
type Options struct {
	MaxFrameBytes  int
	MaxFramePixels int
	RetryAttempts  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Coordinator is built once at startup. Its tables are never modified afterwards,
// so concurrent Run calls share nothing mutable.
type Coordinator struct {
	decoder   frame.Decoder
	locator   face.Locator
	predictor Predictor
	models    map[string]Model
	requests  map[string]RequestType
	logger    *zap.Logger
	retry     retry.Policy
}

// New validates the tables and builds a coordinator.
func New(locator face.Locator, predictor Predictor, models []Model, requests []RequestType, logger *zap.Logger, opts Options) (*Coordinator, error) {
	c := &Coordinator{
		decoder:   frame.Decoder{MaxBytes: opts.MaxFrameBytes, MaxPixels: opts.MaxFramePixels},
		locator:   locator,
		predictor: predictor,
		models:    make(map[string]Model, len(models)),
		requests:  make(map[string]RequestType, len(requests)),
		logger:    logger.Named("pipeline"),
		retry: retry.Policy{
			Attempts:       max(opts.RetryAttempts, 1),
			InitialBackoff: opts.InitialBackoff,
			MaxBackoff:     opts.MaxBackoff,
		},
	}
	if c.retry.InitialBackoff <= 0 {
		c.retry.InitialBackoff = 25 * time.Millisecond
	}
	if c.retry.MaxBackoff < c.retry.InitialBackoff {
		c.retry.MaxBackoff = c.retry.InitialBackoff
	}

	for _, m := range models {
		if err := m.Profile.Validate(); err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
		c.models[m.Name] = m
	}
	for _, rt := range requests {
		if len(rt.Models) == 0 && !rt.BoundingBox {
			return nil, fmt.Errorf("request type %s produces no output", rt.Name)
		}
		for _, name := range rt.Models {
			if _, ok := c.models[name]; !ok {
				return nil, fmt.Errorf("request type %s references unknown model %s", rt.Name, name)
			}
		}
		c.requests[rt.Name] = rt
	}
	return c, nil
}

// HasRequestType reports whether the request type is configured.
func (c *Coordinator) HasRequestType(name string) bool {
	_, ok := c.requests[name]
	return ok
}

type modelOutcome struct {
	prediction predict.Prediction
	err        error
}

// Run processes one frame. Decode failures and unknown request types abort the run;
// a missing face and failing models degrade the result instead.
func (c *Coordinator) Run(ctx context.Context, runID, requestType, payload string) (*FrameResult, error) {
	rt, ok := c.requests[requestType]
	if !ok {
		return nil, logging.NewOperationError("pipeline.lookup", runID, fmt.Errorf("%w: %q", ErrUnknownRequestType, requestType))
	}
	opLogger := logging.WithOperation(c.logger, "pipeline.run", runID).With(zap.String("request_type", rt.Name))

	buf, err := c.decoder.Decode(payload)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.decode", runID, err)
	}

	result := &FrameResult{RequestType: rt.Name}
	rect, err := face.SelectLargest(c.locator.Locate(buf))
	if errors.Is(err, face.ErrNoFaceFound) {
		opLogger.Debug("no face in frame", zap.Int("width", buf.Width), zap.Int("height", buf.Height))
		if rt.BoundingBox {
			result.Box = &face.Rect{}
		}
		return result, nil
	}
	result.FaceFound = true
	if rt.BoundingBox {
		box := rect
		result.Box = &box
	}
	if len(rt.Models) == 0 {
		return result, nil
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.Canceled):
		return nil, logging.NewOperationError("pipeline.run", runID, err)
	case err != nil:
		// The run deadline passed during detection. The box stands; every model is
		// reported as failed.
		result.Failures = make(map[string]error, len(rt.Models))
		for _, name := range rt.Models {
			result.Failures[name] = logging.NewOperationError("pipeline.predict."+name, runID, err)
		}
		opLogger.Warn("run deadline passed before prediction", zap.Strings("models", rt.Models))
		return result, nil
	}

	outcomes := make([]modelOutcome, len(rt.Models))
	var wg sync.WaitGroup
	for i, name := range rt.Models {
		wg.Add(1)
		go func(i int, m Model) {
			defer wg.Done()
			outcomes[i] = c.runModel(ctx, runID, buf, rect, m)
		}(i, c.models[name])
	}
	wg.Wait()

	for i, o := range outcomes {
		name := rt.Models[i]
		if o.err != nil {
			if result.Failures == nil {
				result.Failures = make(map[string]error)
			}
			result.Failures[name] = o.err
			opLogger.Warn("model omitted from frame result", zap.String("model", name), zap.Error(o.err))
			continue
		}
		result.Fields = append(result.Fields, o.prediction.Fields...)
	}
	return result, nil
}

func (c *Coordinator) runModel(ctx context.Context, runID string, buf *frame.PixelBuffer, rect face.Rect, m Model) modelOutcome {
	tensor, err := face.Normalize(buf, rect, m.Profile)
	if err != nil {
		return modelOutcome{err: logging.NewOperationError("pipeline.normalize."+m.Name, runID, err)}
	}
	pred, err := c.predictWithRetry(ctx, runID, m, tensor)
	return modelOutcome{prediction: pred, err: err}
}

// predictWithRetry retries unreachable endpoints with exponential backoff. Other
// prediction errors are returned immediately.
func (c *Coordinator) predictWithRetry(ctx context.Context, runID string, m Model, t face.Tensor) (predict.Prediction, error) {
	var pred predict.Prediction
	err := c.retry.Do(ctx, c.logger, "pipeline.predict."+m.Name, runID, isUnreachable, func() error {
		var err error
		pred, err = c.predictor.Predict(ctx, t, m.Endpoint)
		return err
	})
	if err != nil {
		return predict.Prediction{}, err
	}
	return pred, nil
}

func isUnreachable(err error) bool {
	return errors.Is(err, predict.ErrEndpointUnreachable)
}
