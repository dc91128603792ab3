// Package predict calls versioned model-serving endpoints and decodes their score
// vectors into labelled fields.
package predict

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

var (
	// ErrEndpointUnreachable covers connection failures, timeouts and 5xx replies.
	ErrEndpointUnreachable = errors.New("prediction endpoint unreachable")
	// ErrMalformedResponse is returned when the reply lacks the expected predictions.
	ErrMalformedResponse = errors.New("malformed prediction response")
	// ErrUnknownModel is returned for model names without a registered decoder.
	ErrUnknownModel = errors.New("unknown model")
	// ErrShapeMismatch is returned before any I/O when a tensor does not fit the endpoint.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// Endpoint fully describes one model-serving endpoint. InputShape is the expected
// per-instance shape (height, width, channels).
type Endpoint struct {
	Host       string
	Port       int
	Version    int
	ModelName  string
	InputShape [3]int
}

func (e Endpoint) base() string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   fmt.Sprintf("/v%d/models/%s", e.Version, e.ModelName),
	}
	return u.String()
}

// PredictURL is the REST predict URL of the endpoint.
func (e Endpoint) PredictURL() string {
	return e.base() + ":predict"
}

// StatusURL is the model status URL of the endpoint.
func (e Endpoint) StatusURL() string {
	return e.base()
}

// Validate checks the endpoint for missing fields.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return errors.New("endpoint host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", e.Port)
	}
	if e.Version <= 0 {
		return fmt.Errorf("endpoint version %d must be positive", e.Version)
	}
	if e.ModelName == "" {
		return errors.New("endpoint model name is required")
	}
	return nil
}
