// Package testutil holds helpers shared by tests of more than one package:
// rendered synthetic clips, throwaway diagnostics stores and HTTP checks.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/diagnostics"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// Get serves a GET for path on h and returns the recorded response.
func Get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// GetJSON is Get followed by decoding a 200 response body into v.
func GetJSON(t *testing.T, h http.Handler, path string, v interface{}) {
	t.Helper()
	rec := Get(t, h, path)
	AssertStatusCode(t, rec.Code, http.StatusOK)
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v\nbody: %s", path, err, rec.Body.String())
	}
}

// SyntheticFrames renders every frame of cfg up front.
func SyntheticFrames(t *testing.T, cfg frames.SyntheticConfig) ([]scan.Frame, *frames.SyntheticSource) {
	t.Helper()
	src := frames.NewSyntheticSource(cfg)
	out := make([]scan.Frame, 0, cfg.Frames)
	for i := 0; i < cfg.Frames; i++ {
		f, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("synthetic frame %d: %v", i+1, err)
		}
		out = append(out, f)
	}
	return out, src
}

// TempStore opens a migrated diagnostics store in a temp dir and closes it
// when the test ends.
func TempStore(t *testing.T) *diagnostics.Store {
	t.Helper()
	s, err := diagnostics.OpenStore(filepath.Join(t.TempDir(), "diagnostics.db"), 64)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
