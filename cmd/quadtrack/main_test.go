package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/quadtrack/internal/config"
	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/engine"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
	"github.com/banshee-data/quadtrack/internal/scan/remote"
)

func TestFlagDefaults(t *testing.T) {
	if *listen != ":8081" {
		t.Errorf("expected listen default :8081, got %q", *listen)
	}
	if *orientation != "upright" {
		t.Errorf("expected orientation default upright, got %q", *orientation)
	}
	if *synthetic != 0 || *framesDir != "" {
		t.Errorf("expected no frame source by default, got synthetic=%d frames=%q", *synthetic, *framesDir)
	}
	if *remoteURL != "" || *grpcAddr != "" || *dbPath != "" {
		t.Error("expected optional outputs to be disabled by default")
	}
}

func TestLoadTuningDefaults(t *testing.T) {
	tuning, err := loadTuning("")
	if err != nil {
		t.Fatalf("loadTuning: %v", err)
	}
	if got := tuning.GetConfidenceThreshold(); got != 0.3 {
		t.Errorf("GetConfidenceThreshold() = %v, want 0.3", got)
	}
	if _, err := loadTuning("missing.json"); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestControllerConfigFromTuning(t *testing.T) {
	tuning := config.DefaultTuningConfig()
	cfg := controllerConfig(tuning)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("controller config from defaults should validate: %v", err)
	}
	if cfg.CompletionQueueSize != 64 || !cfg.RefinementEnabled {
		t.Errorf("unexpected controller config %+v", cfg)
	}

	det := detectorConfig(tuning)
	if det.MaxResults != 8 || det.MaxDimension != 640 {
		t.Errorf("unexpected detector config %+v", det)
	}
	if _, err := engine.NewDetector(det); err != nil {
		t.Errorf("detector config from defaults should validate: %v", err)
	}
}

func TestBuildEmitterHonoursPreview(t *testing.T) {
	tuning := config.DefaultTuningConfig()
	w, h := 400.0, 900.0
	tuning.PreviewWidth, tuning.PreviewHeight = &w, &h

	e, err := buildEmitter(tuning, scan.Size{Width: 1920, Height: 1080})
	if err != nil {
		t.Fatalf("buildEmitter: %v", err)
	}
	if got := e.Transform().Preview(); got != (scan.Size{Width: 400, Height: 900}) {
		t.Errorf("preview = %+v, want 400x900", got)
	}
	if _, err := buildEmitter(tuning, scan.Size{}); err == nil {
		t.Error("expected error for empty capture size")
	}
}

func TestBuildSourceSynthetic(t *testing.T) {
	old := *synthetic
	*synthetic = 3
	defer func() { *synthetic = old }()

	src, capture, err := buildSource(config.DefaultTuningConfig(), scan.OrientationRotatedLeft)
	if err != nil {
		t.Fatalf("buildSource: %v", err)
	}
	if capture != (scan.Size{Width: 320, Height: 240}) {
		t.Errorf("capture = %+v, want 320x240", capture)
	}
	f, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Orientation != scan.OrientationRotatedLeft {
		t.Errorf("frame orientation = %v, want rotated-left", f.Orientation)
	}
}

func TestBuildEngineLocalAndRemote(t *testing.T) {
	tuning := config.DefaultTuningConfig()

	det, tr, closeFn, err := buildEngine(tuning, "")
	if err != nil {
		t.Fatalf("buildEngine local: %v", err)
	}
	closeFn()
	if _, ok := det.(*engine.Detector); !ok {
		t.Errorf("expected bundled detector, got %T", det)
	}

	local, localTracker, err := localEngine(tuning)
	if err != nil {
		t.Fatalf("localEngine: %v", err)
	}
	srv := httptest.NewServer(remote.NewHandler(local, localTracker))
	defer srv.Close()

	det, tr, closeFn, err = buildEngine(tuning, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("buildEngine remote: %v", err)
	}
	defer closeFn()
	if _, ok := tr.(*remote.Client); !ok {
		t.Errorf("expected remote tracker, got %T", tr)
	}

	src := frames.NewSyntheticSource(frames.DefaultSyntheticConfig(1))
	f, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obs, err := det.Detect(ctx, f)
	if err != nil {
		t.Fatalf("remote Detect: %v", err)
	}
	if len(obs) != 1 {
		t.Errorf("expected the synthetic card, got %d observations", len(obs))
	}
}

func TestSetLogWritersGatesDiag(t *testing.T) {
	var buf bytes.Buffer
	setLogWriters(&buf, false, false)
	defer setLogWriters(nil, false, false)

	d := frames.NewDispatcher(frames.DispatcherConfig{})
	if err := d.Run(context.Background(), frames.NewSliceSource(), func(context.Context, scan.Frame) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("diag output should be disabled, got %q", buf.String())
	}
}
