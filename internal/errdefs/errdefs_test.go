package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestReason(t *testing.T) {
	nf := &NotFoundError{Camera: "front", Instant: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{nf, "not_found"},
		{&ExtractionError{Index: 3, Err: nf}, "not_found"},
		{&ExtractionError{Index: 3, Err: errors.New("decode")}, "extraction"},
		{&AssemblyGapError{Index: 2}, "gap"},
		{fmt.Errorf("wrapped: %w", &EncodeError{Output: "a.mp4", Err: errors.New("x")}), "encode"},
		{Configf("start", "must be before end"), "config"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestAssemblyGapErrorNamesSecond(t *testing.T) {
	err := &AssemblyGapError{
		Index:   125,
		Camera:  "front",
		Instant: time.Date(2024, 3, 1, 12, 2, 5, 0, time.UTC),
		Err:     &NotFoundError{Camera: "front"},
	}

	msg := err.Error()
	for _, want := range []string{"index 125", `"front"`, "2024-03-01T12:02:05"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if !IsNotFound(err) {
		t.Error("gap error should unwrap to NotFoundError")
	}
}

func TestConfigErrorFormatting(t *testing.T) {
	err := Configf("cameras", "at least one camera is required")
	if err.Error() != "config: cameras: at least one camera is required" {
		t.Errorf("unexpected message: %s", err)
	}
	if !IsConfig(fmt.Errorf("request: %w", err)) {
		t.Error("IsConfig should see through wrapping")
	}
}
