package predict

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/face"
)

func endpointFor(t *testing.T, server *httptest.Server, model string, shape [3]int) Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}
	return Endpoint{Host: host, Port: port, Version: 1, ModelName: model, InputShape: shape}
}

func zeroTensor(h, w, c int) face.Tensor {
	return face.Tensor{Shape: [4]int{1, h, w, c}, Data: make([]float32, h*w*c)}
}

func TestPredictEmotionDecodesArgmax(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions": [[0.1, 0.1, 0.1, 0.6, 0.05, 0.025, 0.025]]}`))
	}))
	defer server.Close()

	client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())
	ep := endpointFor(t, server, "emotion_model", [3]int{48, 48, 1})

	pred, err := client.Predict(context.Background(), zeroTensor(48, 48, 1), ep)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got := pred.Map()["emotion"]; got != "happy" {
		t.Fatalf("expected happy, got %v", got)
	}
	if gotPath != "/v1/models/emotion_model:predict" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if string(gotBody["signature_name"]) != `"serving_default"` {
		t.Fatalf("unexpected signature %s", gotBody["signature_name"])
	}
	var instances [][][][]float32
	if err := json.Unmarshal(gotBody["instances"], &instances); err != nil {
		t.Fatalf("failed to decode instances: %v", err)
	}
	if len(instances) != 1 || len(instances[0]) != 48 || len(instances[0][0]) != 48 || len(instances[0][0][0]) != 1 {
		t.Fatal("unexpected instance dimensions")
	}
}

func TestPredictAgeGenderMultiHead(t *testing.T) {
	age := make([]float64, AgeClasses)
	age[34] = 1
	reply, _ := json.Marshal(map[string]any{
		"predictions": []map[string][]float64{{"dense": {0.9, 0.1}, "dense_1": age}},
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(reply)
	}))
	defer server.Close()

	client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())
	ep := endpointFor(t, server, "age_gender_model", [3]int{64, 64, 3})

	pred, err := client.Predict(context.Background(), zeroTensor(64, 64, 3), ep)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	got := pred.Map()
	if got["gender"] != "female" || got["age"] != 34 {
		t.Fatalf("expected female/34, got %v", got)
	}
}

func TestPredictMalformedResponses(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"missing predictions": {http.StatusOK, `{"outputs": [[1, 0]]}`},
		"not json":            {http.StatusOK, `<html>oops</html>`},
		"wrong length":        {http.StatusOK, `{"predictions": [[0.5, 0.5]]}`},
		"empty instances":     {http.StatusOK, `{"predictions": []}`},
		"client error":        {http.StatusBadRequest, `{"error": "bad input"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())
			_, err := client.Predict(context.Background(), zeroTensor(48, 48, 1), endpointFor(t, server, "emotion_model", [3]int{48, 48, 1}))
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestPredictUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ep := endpointFor(t, server, "emotion_model", [3]int{48, 48, 1})
	server.Close()

	client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())
	_, err := client.Predict(context.Background(), zeroTensor(48, 48, 1), ep)
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Fatalf("expected ErrEndpointUnreachable, got %v", err)
	}
}

func TestPredictServerErrorIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())
	_, err := client.Predict(context.Background(), zeroTensor(48, 48, 1), endpointFor(t, server, "emotion_model", [3]int{48, 48, 1}))
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Fatalf("expected ErrEndpointUnreachable, got %v", err)
	}
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(DefaultRegistry(), 50*time.Millisecond, zap.NewNop())
	start := time.Now()
	_, err := client.Predict(context.Background(), zeroTensor(48, 48, 1), endpointFor(t, server, "emotion_model", [3]int{48, 48, 1}))
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Fatalf("expected ErrEndpointUnreachable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout was not enforced")
	}
}

func TestPredictFailsFastWithoutIO(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()
	client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())

	_, err := client.Predict(context.Background(), zeroTensor(48, 48, 1), endpointFor(t, server, "mystery_model", [3]int{48, 48, 1}))
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}

	_, err = client.Predict(context.Background(), zeroTensor(64, 64, 3), endpointFor(t, server, "emotion_model", [3]int{48, 48, 1}))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no requests, got %d", calls)
	}
}

func TestModelStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/emotion_model" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"model_version_status": [{"version": "1", "state": "AVAILABLE"}]}`))
	}))
	defer server.Close()

	client := NewClient(DefaultRegistry(), time.Second, zap.NewNop())
	ready, err := client.ModelStatus(context.Background(), endpointFor(t, server, "emotion_model", [3]int{48, 48, 1}))
	if err != nil || !ready {
		t.Fatalf("expected ready model, got %v, %v", ready, err)
	}
	ready, err = client.ModelStatus(context.Background(), endpointFor(t, server, "age_model", [3]int{48, 48, 1}))
	if err != nil || ready {
		t.Fatalf("expected unavailable model, got %v, %v", ready, err)
	}
}

func TestEndpointURLs(t *testing.T) {
	ep := Endpoint{Host: "localhost", Port: 8080, Version: 1, ModelName: "emotion_model"}
	if got := ep.PredictURL(); got != "http://localhost:8080/v1/models/emotion_model:predict" {
		t.Fatalf("unexpected predict url %q", got)
	}
	if err := ep.Validate(); err != nil {
		t.Fatalf("expected valid endpoint, got %v", err)
	}
	if err := (Endpoint{Host: "x", Port: 0, Version: 1, ModelName: "m"}).Validate(); err == nil {
		t.Fatal("expected invalid port error")
	}
}
