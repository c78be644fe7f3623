package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "db", "reels.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func manifest(runID string, created time.Time) *storage.Manifest {
	start := time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)
	return &storage.Manifest{
		RunID:   runID,
		Mode:    "clip",
		Layout:  "grid",
		Cameras: []string{"front", "back"},
		Range:   storage.RangeInfo{Start: start, End: start.Add(10 * time.Minute)},
		Outputs: map[string]storage.OutputInfo{
			"grid": {File: "grid.mp4", URI: "file:///out/grid.mp4", Checksum: "sha256:cc", ByteSize: 1234, Units: 600},
		},
		Positions: 600,
		Dropped:   []timeline.Drop{},
		Producer:  storage.ProducerInfo{Name: "frigate-reel", Version: "v0.1.0", GitSHA: "abc"},
		CreatedAt: created,
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)

	base := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := c.RecordRun(ctx, "file:///out/"+id+".json", manifest(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("RecordRun %s: %v", id, err)
		}
	}

	runs, err := c.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[1].RunID != "run-b" {
		t.Errorf("order = %s, %s; want newest first", runs[0].RunID, runs[1].RunID)
	}

	r := runs[0]
	if r.Mode != "clip" || r.Layout != "grid" || len(r.Cameras) != 2 || r.Positions != 600 {
		t.Errorf("run = %+v", r)
	}
	if !r.Start.Equal(time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %s", r.Start)
	}
	if len(r.Outputs) != 1 || r.Outputs[0].Name != "grid" || r.Outputs[0].Units != 600 || r.Outputs[0].ByteSize != 1234 {
		t.Errorf("outputs = %+v", r.Outputs)
	}
}

func TestRecordRunReplaces(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)

	m := manifest("run-a", time.Now())
	if err := c.RecordRun(ctx, "file:///out/a.json", m); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	m.Outputs = map[string]storage.OutputInfo{
		"front": {URI: "file:///out/front.mp4"},
		"back":  {URI: "file:///out/back.mp4"},
	}
	if err := c.RecordRun(ctx, "file:///out/a.json", m); err != nil {
		t.Fatalf("RecordRun again: %v", err)
	}

	runs, err := c.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 || len(runs[0].Outputs) != 2 {
		t.Fatalf("expected one run with two outputs, got %+v", runs)
	}
	if runs[0].Outputs[0].Name != "back" {
		t.Errorf("outputs should be sorted by name, got %s first", runs[0].Outputs[0].Name)
	}
}

func TestRebind(t *testing.T) {
	c := &Catalog{postgres: true}
	if got := c.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	c.postgres = false
	if got := c.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Driver: "mysql"}).Validate(); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}); err == nil {
		t.Error("expected error for empty dsn")
	}
}
