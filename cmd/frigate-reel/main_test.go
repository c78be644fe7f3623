package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/engine"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

func TestOutputTarget(t *testing.T) {
	dir := t.TempDir()

	cfg, key, err := outputTarget(storage.Config{Backend: "local", LocalDir: ".", Prefix: "reels/"}, filepath.Join(dir, "porch.mp4"))
	if err != nil {
		t.Fatalf("outputTarget: %v", err)
	}
	if cfg.LocalDir != dir || key != "porch.mp4" || cfg.Prefix != "" {
		t.Errorf("local target = %+v key %q", cfg, key)
	}

	cfg, key, err = outputTarget(storage.Config{Backend: "s3", Bucket: "b", Prefix: "reels/"}, "daily/porch.mp4")
	if err != nil {
		t.Fatalf("outputTarget: %v", err)
	}
	if cfg.Prefix != "reels/" || key != "daily/porch.mp4" {
		t.Errorf("bucket target = %+v key %q", cfg, key)
	}

	cfg, key, _ = outputTarget(storage.Config{Backend: "local", LocalDir: "/srv"}, "")
	if cfg.LocalDir != "/srv" || key != "" {
		t.Errorf("no output should leave config alone, got %+v key %q", cfg, key)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("run: %w", context.Canceled), 130},
		{errdefs.Configf("fps", "must be positive"), 2},
		{&errdefs.NotFoundError{Camera: "front"}, 3},
		{fmt.Errorf("disk on fire"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRangeFlags(t *testing.T) {
	zone := time.UTC
	tests := []struct {
		name    string
		flags   rangeFlags
		want    time.Duration
		wantErr bool
	}{
		{name: "end", flags: rangeFlags{start: "2024-01-08T08:00", end: "2024-01-08T10:00"}, want: 2 * time.Hour},
		{name: "span", flags: rangeFlags{start: "2024-01-08T08:00", span: "90s"}, want: 90 * time.Second},
		{name: "both", flags: rangeFlags{start: "2024-01-08T08:00", end: "2024-01-08T10:00", span: "1h"}, wantErr: true},
		{name: "neither", flags: rangeFlags{start: "2024-01-08T08:00"}, wantErr: true},
		{name: "reversed", flags: rangeFlags{start: "2024-01-08T10:00", end: "2024-01-08T08:00"}, wantErr: true},
		{name: "bad start", flags: rangeFlags{start: "yesterday", span: "1h"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.flags.timeRange(zone, "span")
			if tt.wantErr {
				if !errdefs.IsConfig(err) {
					t.Fatalf("expected ConfigError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("timeRange: %v", err)
			}
			if r.Duration() != tt.want {
				t.Errorf("duration = %s, want %s", r.Duration(), tt.want)
			}
		})
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &engine.Result{
		RunID:     "abc",
		Outputs:   map[string]string{"front": "file:///out/front.mp4", "back": "file:///out/back.mp4"},
		Manifest:  "file:///out/m.json",
		Positions: 1800,
		Dropped:   []timeline.Drop{{Reason: "not_found"}, {Reason: "not_found"}, {Reason: "extraction"}},
	})
	out := buf.String()

	if strings.Index(out, "back") > strings.Index(out, "front") {
		t.Errorf("outputs not sorted:\n%s", out)
	}
	if !strings.Contains(out, "dropped      3 (extraction=1, not_found=2)") {
		t.Errorf("missing drop summary:\n%s", out)
	}
}
