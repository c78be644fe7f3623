package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/assemble"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/pipeline"
	"github.com/withObsrvr/frigate-reel/internal/recordings"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// fakeWriter stands in for an encoder. Finish writes a file recording how
// many units it received.
type fakeWriter struct {
	path     string
	units    int
	finished bool
	aborted  bool
}

func (w *fakeWriter) WriteFrame(ctx context.Context, jpeg []byte) error {
	w.units++
	return nil
}

func (w *fakeWriter) AppendSegment(ctx context.Context, camera, path string) error {
	w.units++
	return os.Remove(path)
}

func (w *fakeWriter) Finish(ctx context.Context) error {
	w.finished = true
	return os.WriteFile(w.path, []byte(fmt.Sprintf("%d units", w.units)), 0644)
}

func (w *fakeWriter) Abort() {
	w.aborted = true
	os.Remove(w.path)
}

type fakeBackend struct {
	frame      []byte
	failCamera string
	failSample int64
	extracted  atomic.Int64

	mu      sync.Mutex
	writers []*fakeWriter
}

func newFakeBackend(t *testing.T) *fakeBackend {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return &fakeBackend{frame: buf.Bytes(), failSample: -1}
}

func (b *fakeBackend) Extractor(workDir string) pipeline.Extractor {
	return pipeline.ExtractorFunc(func(ctx context.Context, task timeline.Task) (pipeline.Output, error) {
		b.extracted.Add(1)
		if task.Camera == b.failCamera && task.Sample == b.failSample {
			return pipeline.Output{}, errors.New("corrupt segment")
		}
		if task.Mode == timeline.ModeSegment {
			p := filepath.Join(workDir, fmt.Sprintf("%s_%08d.ts", task.Camera, task.Index))
			if err := os.WriteFile(p, []byte(task.Camera), 0644); err != nil {
				return pipeline.Output{}, err
			}
			return pipeline.Output{SegmentPath: p}, nil
		}
		return pipeline.Output{Frame: b.frame}, nil
	})
}

func (b *fakeBackend) newWriter(path string) *fakeWriter {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &fakeWriter{path: path}
	b.writers = append(b.writers, w)
	return w
}

func (b *fakeBackend) FrameWriter(ctx context.Context, out FrameOutput) (assemble.FrameWriter, error) {
	return b.newWriter(out.Path), nil
}

func (b *fakeBackend) SegmentWriter(ctx context.Context, out SegmentOutput) (assemble.SegmentWriter, error) {
	return b.newWriter(out.Path), nil
}

func (b *fakeBackend) Describe() string { return "fake" }

var start = time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)

// writeMinutes creates one empty segment per minute for camera in [from, to).
func writeMinutes(t *testing.T, l *recordings.Locator, camera string, from, to time.Time) {
	t.Helper()
	for at := from; at.Before(to); at = at.Add(time.Minute) {
		p := l.Path(camera, at)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

type fixture struct {
	loc      *recordings.Locator
	backend  *fakeBackend
	storeDir string
	workDir  string
	engine   *Engine
}

func newFixture(t *testing.T, cameras ...string) *fixture {
	t.Helper()
	f := &fixture{
		loc:      recordings.New(t.TempDir(), time.UTC),
		backend:  newFakeBackend(t),
		storeDir: t.TempDir(),
		workDir:  t.TempDir(),
	}
	for _, c := range cameras {
		writeMinutes(t, f.loc, c, start, start.Add(10*time.Minute))
	}
	store, err := storage.NewLocalStore(f.storeDir, "", false)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	f.engine = New(f.loc, f.backend, store, Options{Workers: 4, WorkDir: f.workDir})
	return f
}

func (f *fixture) timelapse(t *testing.T, layout timeline.Layout, output string, cameras ...string) TimelapseRequest {
	t.Helper()
	r, err := timeline.NewTimeRange(start, start.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	return TimelapseRequest{
		TimelapseRequest: timeline.TimelapseRequest{
			Cameras:        cameras,
			Range:          r,
			OutputDuration: 10 * time.Second,
			FPS:            1,
			Layout:         layout,
		},
		Output: output,
	}
}

func (f *fixture) clip(t *testing.T, d time.Duration, output string, cameras ...string) ClipRequest {
	t.Helper()
	r, err := timeline.NewTimeRange(start, start.Add(d))
	if err != nil {
		t.Fatal(err)
	}
	return ClipRequest{
		ClipRequest: timeline.ClipRequest{Cameras: cameras, Range: r, Layout: timeline.LayoutSeparate},
		Output:      output,
	}
}

func (f *fixture) published(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.storeDir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *fixture) assertWorkDirClean(t *testing.T) {
	t.Helper()
	entries, _ := os.ReadDir(f.workDir)
	if len(entries) != 0 {
		t.Errorf("run dir left behind: %v", entries)
	}
}

func readManifest(t *testing.T, path string) storage.Manifest {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m storage.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return m
}

func TestTimelapseSeparatePublishesEveryCamera(t *testing.T) {
	f := newFixture(t, "front", "back")
	if err := os.Remove(f.loc.Path("back", start.Add(3*time.Minute))); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Timelapse(context.Background(), f.timelapse(t, timeline.LayoutSeparate, "", "front", "back"))
	if err != nil {
		t.Fatalf("Timelapse failed: %v", err)
	}
	if res.Positions != 10 || len(res.Outputs) != 2 {
		t.Errorf("positions %d outputs %v", res.Positions, res.Outputs)
	}

	for _, name := range []string{"front_20240108_0800.mp4", "back_20240108_0800.mp4", "timelapse_20240108_0800.manifest.json"} {
		if _, err := os.Stat(filepath.Join(f.storeDir, name)); err != nil {
			t.Errorf("%s not published: %v", name, err)
		}
	}
	if len(f.published(t)) != 3 {
		t.Errorf("unexpected store contents %v", f.published(t))
	}

	m := readManifest(t, filepath.Join(f.storeDir, "timelapse_20240108_0800.manifest.json"))
	if m.RunID != res.RunID || m.Mode != "timelapse" || m.Requested != 10 || m.Positions != 10 {
		t.Errorf("manifest header %+v", m)
	}
	if m.Outputs["front"].Units != 10 || m.Outputs["back"].Units != 9 {
		t.Errorf("units front=%d back=%d", m.Outputs["front"].Units, m.Outputs["back"].Units)
	}
	if m.Outputs["front"].Checksum == "" || m.Outputs["front"].ByteSize == 0 {
		t.Errorf("front output info %+v", m.Outputs["front"])
	}
	if len(m.Dropped) != 1 || m.Dropped[0].Camera != "back" || m.Dropped[0].Sample != 3 || m.Dropped[0].Reason != timeline.DropNotFound {
		t.Errorf("dropped %+v", m.Dropped)
	}
	f.assertWorkDirClean(t)
}

func TestTimelapseGridWithExplicitOutput(t *testing.T) {
	f := newFixture(t, "front", "back")
	f.backend.failCamera = "back"
	f.backend.failSample = 5

	res, err := f.engine.Timelapse(context.Background(), f.timelapse(t, timeline.LayoutGrid, "lobby", "front", "back"))
	if err != nil {
		t.Fatalf("Timelapse failed: %v", err)
	}
	if _, ok := res.Outputs[assemble.GridKey]; !ok {
		t.Fatalf("outputs %v", res.Outputs)
	}

	m := readManifest(t, filepath.Join(f.storeDir, "lobby.mp4.manifest.json"))
	if m.Outputs[assemble.GridKey].File != "lobby.mp4" || m.Outputs[assemble.GridKey].Units != 10 {
		t.Errorf("grid output %+v", m.Outputs[assemble.GridKey])
	}
	if m.Missing != string(timeline.MissingPlaceholder) {
		t.Errorf("missing policy %q", m.Missing)
	}
	if len(m.Dropped) != 1 || m.Dropped[0].Reason != timeline.DropExtractionFailed || m.Dropped[0].Index != 5 {
		t.Errorf("dropped %+v", m.Dropped)
	}
}

func TestClipPublishesSingleOutput(t *testing.T) {
	f := newFixture(t, "front")

	res, err := f.engine.Clip(context.Background(), f.clip(t, 2*time.Minute, "door.mp4", "front"))
	if err != nil {
		t.Fatalf("Clip failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(f.storeDir, "door.mp4"))
	if err != nil {
		t.Fatalf("clip not published: %v", err)
	}
	if string(data) != "120 units" {
		t.Errorf("clip content %q, want 120 units", data)
	}
	if res.Manifest == "" || len(res.Dropped) != 0 {
		t.Errorf("result %+v", res)
	}
	f.assertWorkDirClean(t)
}

func TestClipGapPublishesNothing(t *testing.T) {
	f := newFixture(t, "front", "back")
	f.backend.failCamera = "back"
	f.backend.failSample = 30

	_, err := f.engine.Clip(context.Background(), f.clip(t, 2*time.Minute, "", "front", "back"))
	var gap *errdefs.AssemblyGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected AssemblyGapError, got %v", err)
	}
	if gap.Index != 30 || gap.Camera != "back" || !gap.Instant.Equal(start.Add(30*time.Second)) {
		t.Errorf("gap %+v", gap)
	}
	if got := f.published(t); len(got) != 0 {
		t.Errorf("nothing may be published, got %v", got)
	}
	for _, w := range f.backend.writers {
		if w.finished || !w.aborted {
			t.Errorf("writer %s finished=%v aborted=%v", w.path, w.finished, w.aborted)
		}
	}
	f.assertWorkDirClean(t)
}

func TestClipMissingFootageFailsBeforeExtraction(t *testing.T) {
	f := newFixture(t, "front")
	if err := os.Remove(f.loc.Path("front", start.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Clip(context.Background(), f.clip(t, 2*time.Minute, "", "front"))
	var gap *errdefs.AssemblyGapError
	if !errors.As(err, &gap) || gap.Index != 60 {
		t.Fatalf("expected gap at 60, got %v", err)
	}
	if n := f.backend.extracted.Load(); n != 0 {
		t.Errorf("%d tasks extracted, want 0", n)
	}
}

func TestExistingOutputFailsFast(t *testing.T) {
	f := newFixture(t, "front")
	if err := os.WriteFile(filepath.Join(f.storeDir, "front_20240108_0800.mp4"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Timelapse(context.Background(), f.timelapse(t, timeline.LayoutSeparate, "", "front"))
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if n := f.backend.extracted.Load(); n != 0 {
		t.Errorf("%d tasks extracted, want 0", n)
	}
	data, _ := os.ReadFile(filepath.Join(f.storeDir, "front_20240108_0800.mp4"))
	if string(data) != "old" {
		t.Error("existing output was modified")
	}
}

func TestCanceledRunPublishesNothing(t *testing.T) {
	f := newFixture(t, "front")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.engine.Timelapse(ctx, f.timelapse(t, timeline.LayoutSeparate, "", "front")); err == nil {
		t.Fatal("expected an error from a canceled run")
	}
	if got := f.published(t); len(got) != 0 {
		t.Errorf("nothing may be published, got %v", got)
	}
	f.assertWorkDirClean(t)
}

func TestProgressReported(t *testing.T) {
	f := newFixture(t, "front")
	var last, total atomic.Int64
	f.engine.opts.OnProgress = func(done, n int64) {
		last.Store(done)
		total.Store(n)
	}
	if _, err := f.engine.Timelapse(context.Background(), f.timelapse(t, timeline.LayoutSeparate, "", "front")); err != nil {
		t.Fatalf("Timelapse failed: %v", err)
	}
	if last.Load() != 10 || total.Load() != 10 {
		t.Errorf("progress %d/%d, want 10/10", last.Load(), total.Load())
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	uris []string
	runs []string
	err  error
}

func (r *fakeRecorder) RecordRun(ctx context.Context, uri string, m *storage.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
	r.runs = append(r.runs, m.RunID)
	return r.err
}

func TestRecordersSeePublishedRuns(t *testing.T) {
	f := newFixture(t, "front")
	ok := &fakeRecorder{}
	broken := &fakeRecorder{err: errors.New("catalog down")}
	f.engine.opts.Recorders = []Recorder{broken, ok}

	res, err := f.engine.Clip(context.Background(), f.clip(t, time.Minute, "", "front"))
	if err != nil {
		t.Fatalf("a failing recorder must not fail the run: %v", err)
	}
	if len(ok.runs) != 1 || ok.runs[0] != res.RunID || ok.uris[0] != res.Manifest {
		t.Errorf("recorder saw %v %v, want %s %s", ok.runs, ok.uris, res.RunID, res.Manifest)
	}

	// Failed runs are not recorded.
	if _, err := f.engine.Clip(context.Background(), f.clip(t, time.Minute, "", "front")); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if len(ok.runs) != 1 {
		t.Errorf("failed run was recorded")
	}
}

func TestOutputKeys(t *testing.T) {
	e := New(recordings.New(t.TempDir(), time.UTC), nil, nil, Options{})
	r, _ := timeline.NewTimeRange(start, start.Add(time.Hour))

	tests := []struct {
		name         string
		cameras      []string
		layout       timeline.Layout
		output       string
		wantKeys     map[string]string
		wantManifest string
		wantErr      bool
	}{
		{
			name:         "single camera",
			cameras:      []string{"front"},
			wantKeys:     map[string]string{"front": "front_20240108_0800.mp4"},
			wantManifest: "front_20240108_0800.mp4.manifest.json",
		},
		{
			name:         "separate",
			cameras:      []string{"front", "back"},
			layout:       timeline.LayoutSeparate,
			wantKeys:     map[string]string{"front": "front_20240108_0800.mp4", "back": "back_20240108_0800.mp4"},
			wantManifest: "timelapse_20240108_0800.manifest.json",
		},
		{
			name:         "grid",
			cameras:      []string{"front", "back"},
			layout:       timeline.LayoutGrid,
			wantKeys:     map[string]string{assemble.GridKey: "grid_20240108_0800.mp4"},
			wantManifest: "grid_20240108_0800.mp4.manifest.json",
		},
		{
			name:         "explicit output",
			cameras:      []string{"front"},
			output:       "daily/front.mp4",
			wantKeys:     map[string]string{"front": "daily/front.mp4"},
			wantManifest: "daily/front.mp4.manifest.json",
		},
		{
			name:    "explicit output with several videos",
			cameras: []string{"front", "back"},
			output:  "both.mp4",
			wantErr: true,
		},
		{
			name:    "no cameras",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		keys, manifest, err := e.outputKeys("timelapse", tt.cameras, tt.layout, r, tt.output)
		if tt.wantErr {
			if !errdefs.IsConfig(err) {
				t.Errorf("%s: expected ConfigError, got %v", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if manifest != tt.wantManifest {
			t.Errorf("%s: manifest %q, want %q", tt.name, manifest, tt.wantManifest)
		}
		if len(keys) != len(tt.wantKeys) {
			t.Errorf("%s: keys %v, want %v", tt.name, keys, tt.wantKeys)
			continue
		}
		for k, v := range tt.wantKeys {
			if keys[k] != v {
				t.Errorf("%s: key %s = %q, want %q", tt.name, k, keys[k], v)
			}
		}
	}
}
