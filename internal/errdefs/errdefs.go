// Package errdefs defines the error taxonomy shared by the planner, the
// extraction pipeline and the encoder.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError reports a malformed request or configuration. It is raised
// before any extraction task is created.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigError for field with a formatted reason.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that no recording segment covers an instant.
type NotFoundError struct {
	Camera  string
	Instant time.Time
	Dir     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no recording for camera %q at %s (searched %s)",
		e.Camera, e.Instant.Format(time.RFC3339), e.Dir)
}

// ExtractionError reports that a located file could not be decoded at the
// requested offset.
type ExtractionError struct {
	Index  int64
	Camera string
	File   string
	Offset time.Duration
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract index %d camera %q from %s at %s: %v",
		e.Index, e.Camera, e.File, e.Offset, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// AssemblyGapError aborts a run when an expected output index will never be
// filled.
type AssemblyGapError struct {
	Index   int64
	Camera  string
	Instant time.Time
	Err     error
}

func (e *AssemblyGapError) Error() string {
	msg := fmt.Sprintf("gap at index %d", e.Index)
	if e.Camera != "" {
		msg += fmt.Sprintf(" camera %q", e.Camera)
	}
	if !e.Instant.IsZero() {
		msg += " second " + e.Instant.Format("2006-01-02T15:04:05")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssemblyGapError) Unwrap() error { return e.Err }

// EncodeError wraps a failure of the external encoder.
type EncodeError struct {
	Output string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Output, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// IsNotFound reports whether err contains a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConfig reports whether err contains a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Reason returns a short label for err, used for metrics and manifests.
func Reason(err error) string {
	var (
		nf  *NotFoundError
		ex  *ExtractionError
		gap *AssemblyGapError
		enc *EncodeError
		cfg *ConfigError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &gap):
		return "gap"
	case errors.As(err, &ex):
		return "extraction"
	case errors.As(err, &enc):
		return "encode"
	case errors.As(err, &cfg):
		return "config"
	default:
		return "other"
	}
}
