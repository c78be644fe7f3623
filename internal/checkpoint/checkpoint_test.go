package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cp")

	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := m.Load(ctx, "daily"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	want := &Checkpoint{
		Job:              "daily",
		LastCompletedDay: "2024-01-07",
		RunID:            "run-1",
		UpdatedAt:        time.Date(2024, 1, 8, 0, 5, 0, 0, time.UTC),
	}
	if err := m.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load(ctx, "daily")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastCompletedDay != want.LastCompletedDay || got.RunID != want.RunID || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("loaded %+v, want %+v", got, want)
	}

	// Jobs are independent.
	if _, err := m.Load(ctx, "weekly"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint for another job, got %v", err)
	}

	// No temp file is left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected one checkpoint file, found %d", len(entries))
	}
}

func TestJobNamesStayInDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Save(ctx, &Checkpoint{Job: "../escape", LastCompletedDay: "2024-01-01"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoint____escape.json")); err != nil {
		t.Errorf("expected sanitized file name: %v", err)
	}
}

func TestNoopManager(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Save(ctx, &Checkpoint{Job: "daily", LastCompletedDay: "2024-01-07"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := m.Load(ctx, "daily"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("noop manager should never return a checkpoint, got %v", err)
	}
}

func TestCompleted(t *testing.T) {
	cp := &Checkpoint{LastCompletedDay: "2024-01-07"}
	tests := []struct {
		day  string
		want bool
	}{
		{"2024-01-06", true},
		{"2024-01-07", true},
		{"2024-01-08", false},
	}
	for _, tt := range tests {
		if got := cp.Completed(tt.day); got != tt.want {
			t.Errorf("Completed(%s) = %v, want %v", tt.day, got, tt.want)
		}
	}

	var none *Checkpoint
	if none.Completed("2024-01-01") {
		t.Error("nil checkpoint should complete nothing")
	}
}
