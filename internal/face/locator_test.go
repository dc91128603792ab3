package face

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCascade(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write cascade: %v", err)
	}
	return path
}

func TestNewLocatorDispatchesOnBackend(t *testing.T) {
	haarPath := writeCascade(t, []byte(darkCenterCascade))
	pigoPath := writeCascade(t, singleTreeCascade(1, 0))

	for _, backend := range []string{BackendHaar, ""} {
		l, err := NewLocator(backend, haarPath, DefaultDetectorParams())
		if err != nil {
			t.Fatalf("backend %q: unexpected error %v", backend, err)
		}
		if _, ok := l.(*HaarLocator); !ok {
			t.Fatalf("backend %q: expected *HaarLocator, got %T", backend, l)
		}
	}

	l, err := NewLocator(BackendPigo, pigoPath, DefaultDetectorParams())
	if err != nil {
		t.Fatalf("pigo backend: unexpected error %v", err)
	}
	if _, ok := l.(*PigoLocator); !ok {
		t.Fatalf("expected *PigoLocator, got %T", l)
	}
}

func TestNewLocatorErrors(t *testing.T) {
	haarPath := writeCascade(t, []byte(darkCenterCascade))

	if _, err := NewLocator("dlib", haarPath, DefaultDetectorParams()); err == nil || !strings.Contains(err.Error(), "unknown detector backend") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
	if _, err := NewLocator(BackendHaar, filepath.Join(t.TempDir(), "missing.xml"), DefaultDetectorParams()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing file error, got %v", err)
	}
	if _, err := NewLocator(BackendHaar, haarPath, DetectorParams{ScaleFactor: 1.1}); err == nil {
		t.Fatal("expected invalid params to be rejected")
	}
	if _, err := NewLocator(BackendPigo, haarPath, DefaultDetectorParams()); !errors.Is(err, ErrInvalidCascade) {
		t.Fatalf("expected XML cascade to be rejected by pigo, got %v", err)
	}
	if _, err := NewLocator(BackendHaar, writeCascade(t, singleTreeCascade(1, 0)), DefaultDetectorParams()); !errors.Is(err, ErrInvalidCascade) {
		t.Fatalf("expected binary cascade to be rejected by haar, got %v", err)
	}
}
