package geometry

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCapture is returned when the capture resolution is missing.
	ErrEmptyCapture = errors.New("capture resolution is empty")
	// ErrEmptyViewport is returned when the viewport has no area.
	ErrEmptyViewport = errors.New("viewport is empty")
)

// ConfigurationError reports geometry that is unavailable or unusable at
// setup time. It is the only pipeline error that is surfaced to callers as
// a hard failure.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("geometry configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
