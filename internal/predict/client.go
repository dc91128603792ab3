package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/face"
)

const (
	// DefaultTimeout bounds a single predict call.
	DefaultTimeout = 3 * time.Second
	// SignatureName is the serving signature every request targets.
	SignatureName = "serving_default"

	maxResponseBytes = 4 << 20
)

// Client performs predict calls. It does not retry.
type Client struct {
	httpClient *http.Client
	decoders   Registry
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient builds a client using the given decoders. A non-positive timeout falls
// back to DefaultTimeout.
func NewClient(decoders Registry, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		decoders:   decoders,
		timeout:    timeout,
		logger:     logger.Named("predict_client"),
	}
}

type predictRequest struct {
	SignatureName string          `json:"signature_name"`
	Instances     [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions json.RawMessage `json:"predictions"`
	Error       string          `json:"error"`
}

// Predict sends the tensor to the endpoint and decodes the reply with the decoder
// registered for the endpoint's model name.
func (c *Client) Predict(ctx context.Context, t face.Tensor, ep Endpoint) (Prediction, error) {
	decoder, err := c.decoders.Lookup(ep.ModelName)
	if err != nil {
		return Prediction{}, err
	}
	want := [4]int{1, ep.InputShape[0], ep.InputShape[1], ep.InputShape[2]}
	if t.Shape != want || len(t.Data) != want[1]*want[2]*want[3] {
		return Prediction{}, fmt.Errorf("%w: %s expects %v, got %v", ErrShapeMismatch, ep.ModelName, want, t.Shape)
	}

	body, err := json.Marshal(predictRequest{SignatureName: SignatureName, Instances: t.Nested()})
	if err != nil {
		return Prediction{}, err
	}

	data, status, err := c.do(ctx, http.MethodPost, ep.PredictURL(), body)
	if err != nil {
		c.logger.Debug("predict call failed", zap.String("model", ep.ModelName), zap.Error(err))
		return Prediction{}, err
	}

	var parsed predictResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if status != http.StatusOK {
		return Prediction{}, fmt.Errorf("%w: status %d: %s", ErrMalformedResponse, status, parsed.Error)
	}
	if len(parsed.Predictions) == 0 || string(parsed.Predictions) == "null" {
		return Prediction{}, fmt.Errorf("%w: missing predictions", ErrMalformedResponse)
	}
	return decoder.Decode(parsed.Predictions)
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

// ModelStatus reports whether any version of the endpoint's model is AVAILABLE.
func (c *Client) ModelStatus(ctx context.Context, ep Endpoint) (bool, error) {
	data, status, err := c.do(ctx, http.MethodGet, ep.StatusURL(), nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, nil
	}
	var parsed modelStatusResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	for _, v := range parsed.ModelVersionStatus {
		if strings.EqualFold(v.State, "AVAILABLE") {
			return true, nil
		}
	}
	return false, nil
}

// do performs one request under the client timeout. Transport failures and 5xx
// replies map to ErrEndpointUnreachable.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEndpointUnreachable, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEndpointUnreachable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", ErrEndpointUnreachable, resp.StatusCode)
	}
	return data, resp.StatusCode, nil
}
