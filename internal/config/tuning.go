// Package config loads the tuning file shared by the quadtrack binary and
// tests. Every key is optional; getters fall back to the built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the flat JSON tuning schema.
type TuningConfig struct {
	// Controller
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	RefinementEnabled   *bool    `json:"refinement_enabled,omitempty"`
	RefinementMargin    *float64 `json:"refinement_margin,omitempty"`
	MinRefinementIoU    *float64 `json:"min_refinement_iou,omitempty"`
	CompletionQueueSize *int     `json:"completion_queue_size,omitempty"`

	// Frames
	MaxFrameRate  *float64 `json:"max_frame_rate,omitempty"`
	FrameInterval *string  `json:"frame_interval,omitempty"` // duration string like "33ms"

	// Geometry
	CaptureWidth   *float64 `json:"capture_width,omitempty"`
	CaptureHeight  *float64 `json:"capture_height,omitempty"`
	ViewportWidth  *float64 `json:"viewport_width,omitempty"`
	ViewportHeight *float64 `json:"viewport_height,omitempty"`
	PreviewWidth   *float64 `json:"preview_width,omitempty"`
	PreviewHeight  *float64 `json:"preview_height,omitempty"`

	// Bundled engine
	DetectorMinArea      *float64 `json:"detector_min_area,omitempty"`
	DetectorTolerance    *float64 `json:"detector_tolerance,omitempty"`
	DetectorMaxResults   *int     `json:"detector_max_results,omitempty"`
	DetectorMaxDimension *int     `json:"detector_max_dimension,omitempty"`
	DetectorInvert       *bool    `json:"detector_invert,omitempty"`
	TrackerSearchMargin  *float64 `json:"tracker_search_margin,omitempty"`

	// Remote engine
	RemoteTimeout *string `json:"remote_timeout,omitempty"`

	// Diagnostics and monitoring
	DiagnosticsQueueSize *int `json:"diagnostics_queue_size,omitempty"`
	HistoryLength        *int `json:"history_length,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field set to its
// default. It matches config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		ConfidenceThreshold:  ptrFloat64(0.3),
		RefinementEnabled:    ptrBool(true),
		RefinementMargin:     ptrFloat64(0.1),
		MinRefinementIoU:     ptrFloat64(0.3),
		CompletionQueueSize:  ptrInt(64),
		MaxFrameRate:         ptrFloat64(0),
		FrameInterval:        ptrString("0s"),
		CaptureWidth:         ptrFloat64(1920),
		CaptureHeight:        ptrFloat64(1080),
		ViewportWidth:        ptrFloat64(390),
		ViewportHeight:       ptrFloat64(844),
		DetectorMinArea:      ptrFloat64(0.01),
		DetectorTolerance:    ptrFloat64(0.75),
		DetectorMaxResults:   ptrInt(8),
		DetectorMaxDimension: ptrInt(640),
		DetectorInvert:       ptrBool(false),
		TrackerSearchMargin:  ptrFloat64(0.1),
		RemoteTimeout:        ptrString("2s"),
		DiagnosticsQueueSize: ptrInt(256),
		HistoryLength:        ptrInt(300),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file (.json only, at
// most 1 MiB). Omitted fields stay nil and read as defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up towards the repository root. It panics when the file cannot
// be found, so it is meant for tests.
func MustLoadDefaultConfig() *TuningConfig {
	prefix := ""
	for i := 0; i < 5; i++ {
		if cfg, err := LoadTuningConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
		prefix += "../"
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the ranges of every field that is set.
func (c *TuningConfig) Validate() error {
	if c.ConfidenceThreshold != nil {
		if v := *c.ConfidenceThreshold; v <= 0 || v >= 1 {
			return fmt.Errorf("confidence_threshold must be in (0,1), got %f", v)
		}
	}
	if err := checkUnit("refinement_margin", c.RefinementMargin, 0.5); err != nil {
		return err
	}
	if err := checkUnit("min_refinement_iou", c.MinRefinementIoU, 1); err != nil {
		return err
	}
	if err := checkUnit("detector_min_area", c.DetectorMinArea, 1); err != nil {
		return err
	}
	if err := checkUnit("detector_tolerance", c.DetectorTolerance, 1); err != nil {
		return err
	}
	if err := checkUnit("tracker_search_margin", c.TrackerSearchMargin, 0.5); err != nil {
		return err
	}
	if c.MaxFrameRate != nil && *c.MaxFrameRate < 0 {
		return fmt.Errorf("max_frame_rate must be non-negative, got %f", *c.MaxFrameRate)
	}

	for name, v := range map[string]*float64{
		"capture_width":   c.CaptureWidth,
		"capture_height":  c.CaptureHeight,
		"viewport_width":  c.ViewportWidth,
		"viewport_height": c.ViewportHeight,
		"preview_width":   c.PreviewWidth,
		"preview_height":  c.PreviewHeight,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	if (c.PreviewWidth == nil) != (c.PreviewHeight == nil) {
		return fmt.Errorf("preview_width and preview_height must be set together")
	}

	for name, v := range map[string]*int{
		"completion_queue_size":  c.CompletionQueueSize,
		"detector_max_results":   c.DetectorMaxResults,
		"diagnostics_queue_size": c.DiagnosticsQueueSize,
		"history_length":         c.HistoryLength,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.DetectorMaxDimension != nil && *c.DetectorMaxDimension < 16 {
		return fmt.Errorf("detector_max_dimension must be at least 16, got %d", *c.DetectorMaxDimension)
	}

	for name, v := range map[string]*string{
		"frame_interval": c.FrameInterval,
		"remote_timeout": c.RemoteTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

func checkUnit(name string, v *float64, max float64) error {
	if v != nil && (*v < 0 || *v > max) {
		return fmt.Errorf("%s must be between 0 and %g, got %f", name, max, *v)
	}
	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetConfidenceThreshold returns confidence_threshold or 0.3.
func (c *TuningConfig) GetConfidenceThreshold() float64 {
	return getFloat(c.ConfidenceThreshold, 0.3)
}

// GetRefinementEnabled returns refinement_enabled or true.
func (c *TuningConfig) GetRefinementEnabled() bool { return getBool(c.RefinementEnabled, true) }

// GetRefinementMargin returns refinement_margin or 0.1.
func (c *TuningConfig) GetRefinementMargin() float64 { return getFloat(c.RefinementMargin, 0.1) }

// GetMinRefinementIoU returns min_refinement_iou or 0.3.
func (c *TuningConfig) GetMinRefinementIoU() float64 { return getFloat(c.MinRefinementIoU, 0.3) }

// GetCompletionQueueSize returns completion_queue_size or 64.
func (c *TuningConfig) GetCompletionQueueSize() int { return getInt(c.CompletionQueueSize, 64) }

// GetMaxFrameRate returns max_frame_rate; 0 means unlimited.
func (c *TuningConfig) GetMaxFrameRate() float64 { return getFloat(c.MaxFrameRate, 0) }

// GetFrameInterval returns the source pacing interval; 0 means as fast as
// frames can be read.
func (c *TuningConfig) GetFrameInterval() time.Duration { return getDuration(c.FrameInterval, 0) }

// GetCaptureSize returns the capture resolution, 1920×1080 by default.
func (c *TuningConfig) GetCaptureSize() (w, h float64) {
	return getFloat(c.CaptureWidth, 1920), getFloat(c.CaptureHeight, 1080)
}

// GetViewportSize returns the viewport size, 390×844 by default.
func (c *TuningConfig) GetViewportSize() (w, h float64) {
	return getFloat(c.ViewportWidth, 390), getFloat(c.ViewportHeight, 844)
}

// GetPreviewSize returns a pinned preview size, or ok=false to derive it
// by aspect-fill.
func (c *TuningConfig) GetPreviewSize() (w, h float64, ok bool) {
	if c.PreviewWidth == nil || c.PreviewHeight == nil {
		return 0, 0, false
	}
	return *c.PreviewWidth, *c.PreviewHeight, true
}

// GetDetectorMinArea returns detector_min_area or 0.01.
func (c *TuningConfig) GetDetectorMinArea() float64 { return getFloat(c.DetectorMinArea, 0.01) }

// GetDetectorTolerance returns detector_tolerance or 0.75.
func (c *TuningConfig) GetDetectorTolerance() float64 { return getFloat(c.DetectorTolerance, 0.75) }

// GetDetectorMaxResults returns detector_max_results or 8.
func (c *TuningConfig) GetDetectorMaxResults() int { return getInt(c.DetectorMaxResults, 8) }

// GetDetectorMaxDimension returns detector_max_dimension or 640.
func (c *TuningConfig) GetDetectorMaxDimension() int { return getInt(c.DetectorMaxDimension, 640) }

// GetDetectorInvert returns detector_invert or false.
func (c *TuningConfig) GetDetectorInvert() bool { return getBool(c.DetectorInvert, false) }

// GetTrackerSearchMargin returns tracker_search_margin or 0.1.
func (c *TuningConfig) GetTrackerSearchMargin() float64 {
	return getFloat(c.TrackerSearchMargin, 0.1)
}

// GetRemoteTimeout returns remote_timeout or 2s.
func (c *TuningConfig) GetRemoteTimeout() time.Duration {
	return getDuration(c.RemoteTimeout, 2*time.Second)
}

// GetDiagnosticsQueueSize returns diagnostics_queue_size or 256.
func (c *TuningConfig) GetDiagnosticsQueueSize() int { return getInt(c.DiagnosticsQueueSize, 256) }

// GetHistoryLength returns history_length or 300.
func (c *TuningConfig) GetHistoryLength() int { return getInt(c.HistoryLength, 300) }
