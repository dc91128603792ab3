package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const testCascade = `<?xml version="1.0"?>
<opencv_storage>
<cascade type_id="opencv-cascade-classifier"><stageType>BOOST</stageType>
  <featureType>HAAR</featureType>
  <height>8</height>
  <width>8</width>
  <stages>
    <_>
      <stageThreshold>0.</stageThreshold>
      <weakClassifiers>
        <_>
          <internalNodes>0 -1 0 -1.</internalNodes>
          <leafValues>1. -1.</leafValues></_></weakClassifiers></_></stages>
  <features>
    <_>
      <rects>
        <_>0 0 8 8 -1.</_>
        <_>2 2 4 4 4.</_></rects></_></features></cascade>
</opencv_storage>
`

func writeTestImage(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 96, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 96; x++ {
			c := color.RGBA{R: 255, G: 255, B: 255, A: 255}
			if x >= 36 && x < 60 && y >= 36 && y < 60 {
				c = color.RGBA{A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	path := filepath.Join(dir, "face.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	return path
}

func TestAnalyzeCommandPrintsEvents(t *testing.T) {
	modelServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/emotion_model:predict" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"predictions": [[0.05, 0.05, 0.1, 0.6, 0.1, 0.05, 0.05]]}`))
	}))
	defer modelServer.Close()
	_, port, err := net.SplitHostPort(modelServer.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	t.Setenv("MODEL_SERVER_HOST", "127.0.0.1")
	t.Setenv("MODEL_SERVER_PORT", port)

	dir := t.TempDir()
	cascadePath := filepath.Join(dir, "cascade.xml")
	if err := os.WriteFile(cascadePath, []byte(testCascade), 0o600); err != nil {
		t.Fatalf("failed to write cascade: %v", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	cfg := `
detector:
  cascade: ` + strconv.Quote(cascadePath) + `
  min_size: 24
  min_neighbors: 2
models:
  emotion_model:
    profile:
      width: 48
      height: 48
      channels: grayscale
requests:
  emotion_box:
    models: [emotion_model]
    bounding_box: true
`
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"analyze", "--config", configPath, "--type", "emotion_box", "--image", writeTestImage(t, dir)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	var result analyzeOutput
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode output %q: %v", out.String(), err)
	}
	if !result.FaceFound || len(result.Events) != 2 {
		t.Fatalf("unexpected output %+v", result)
	}
	if result.Events[0].Name != "emotion_response" || result.Events[0].Payload["data"] != "happy" {
		t.Fatalf("unexpected emotion event %+v", result.Events[0])
	}
	if result.Events[1].Name != "bb_response" {
		t.Fatalf("unexpected box event %+v", result.Events[1])
	}
}

func TestAnalyzeCommandRejectsUnknownRequestType(t *testing.T) {
	dir := t.TempDir()
	cascadePath := filepath.Join(dir, "cascade.xml")
	if err := os.WriteFile(cascadePath, []byte(testCascade), 0o600); err != nil {
		t.Fatalf("failed to write cascade: %v", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("detector:\n  cascade: "+strconv.Quote(cascadePath)+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"analyze", "--config", configPath, "--type", "horoscope", "--image", writeTestImage(t, dir)})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown request type") {
		t.Fatalf("expected unknown request type error, got %v", err)
	}
}
