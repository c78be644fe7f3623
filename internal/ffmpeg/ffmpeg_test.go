package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH")
	}
}

func TestStreamOutputParsesProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=12",
		"fps=24.5",
		"bitrate= 512.3kbits/s",
		"out_time=00:00:00.500000",
		"speed=2.01x",
		"progress=continue",
		"[mp4 @ 0x1] something went wrong",
		"frame=24",
		"progress=end",
	}, "\n")

	var got []Progress
	var logs []string
	streamOutput(strings.NewReader(input), func(p *Progress) { got = append(got, *p) }, func(l string) { logs = append(logs, l) })

	if len(got) != 2 {
		t.Fatalf("got %d progress blocks, want 2", len(got))
	}
	first := got[0]
	if first.Frame != 12 || first.FPS != 24.5 || first.Bitrate != "512.3kbits/s" || first.Time != "00:00:00.500000" || first.Speed != "2.01x" || first.Done {
		t.Errorf("unexpected first block %+v", first)
	}
	if got[1].Frame != 24 || !got[1].Done {
		t.Errorf("unexpected last block %+v", got[1])
	}
	if len(logs) != 1 || !strings.Contains(logs[0], "went wrong") {
		t.Errorf("log lines = %q", logs)
	}
}

func TestConcatLineEscapesQuotes(t *testing.T) {
	got := concatLine("/data/it's here/a.ts")
	want := `file '/data/it'\''s here/a.ts'` + "\n"
	if got != want {
		t.Errorf("concatLine = %q, want %q", got, want)
	}
}

func TestFrameArgs(t *testing.T) {
	got := strings.Join(frameArgs("/r/01.05.mp4", 2500*time.Millisecond), " ")
	want := "-ss 2.500 -i /r/01.05.mp4 -frames:v 1 -q:v 2 -f image2pipe -c:v mjpeg pipe:1"
	if got != want {
		t.Errorf("frameArgs = %q, want %q", got, want)
	}
}

func TestSegmentArgs(t *testing.T) {
	got := strings.Join(segmentArgs("/r/a.mp4", 3*time.Second, time.Second, "/w/a.ts"), " ")
	want := "-ss 3.000 -i /r/a.mp4 -t 1.000 -an -c:v libx264 -preset ultrafast -crf 18 -pix_fmt yuv420p -f mpegts /w/a.ts"
	if got != want {
		t.Errorf("segmentArgs = %q, want %q", got, want)
	}
	if strings.Contains(got, "-c copy") {
		t.Error("segments must not be stream copied")
	}
}

func TestEncoderArgs(t *testing.T) {
	tests := []struct {
		name string
		hw   HWAccel
		vf   string
		want string
	}{
		{"software", Software, "", "-c:v libx264 -preset fast -crf 30 -pix_fmt yuv420p"},
		{"software scaled", Software, evenScale, "-vf " + evenScale + " -c:v libx264 -preset fast -crf 30 -pix_fmt yuv420p"},
		{"qsv", HWAccel{Type: HWAccelQSV, Encoder: "h264_qsv"}, "", "-c:v h264_qsv -preset fast -global_quality 30 -pix_fmt nv12"},
		{"vaapi", HWAccel{Type: HWAccelVAAPI, Encoder: "h264_vaapi"}, evenScale, "-vf " + evenScale + ",format=nv12,hwupload -c:v h264_vaapi -qp 30"},
	}
	for _, tt := range tests {
		if got := strings.Join(encoderArgs(tt.hw, "", 0, tt.vf), " "); got != tt.want {
			t.Errorf("%s: encoderArgs = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestFrameEncodeArgsVAAPIDeviceFirst(t *testing.T) {
	hw, _ := ParseHWAccel("vaapi")
	args := frameEncodeArgs(FrameEncoderOptions{Output: "out.mp4", FPS: 30}, hw, "pipe:0")
	if args[0] != "-vaapi_device" || args[1] != DefaultVAAPIDevice {
		t.Errorf("device must precede inputs: %v", args)
	}
	if args[len(args)-1] != "out.mp4" {
		t.Errorf("output must be last: %v", args)
	}
}

func TestParseHWAccel(t *testing.T) {
	if hw, ok := ParseHWAccel("none"); !ok || hw.Hardware() {
		t.Errorf("none = %+v, %v", hw, ok)
	}
	if hw, ok := ParseHWAccel("QSV"); !ok || hw.Encoder != "h264_qsv" {
		t.Errorf("qsv = %+v, %v", hw, ok)
	}
	if _, ok := ParseHWAccel("auto"); ok {
		t.Error("auto should ask for detection")
	}
}

func TestSegmentEncoderGridArgs(t *testing.T) {
	dir := t.TempDir()
	e := NewWithPath("ffmpeg", 0)
	s, err := e.NewSegmentEncoder(SegmentEncoderOptions{
		Output:  filepath.Join(dir, "grid.mp4"),
		Cameras: []string{"front", "back"},
		WorkDir: dir,
		HW:      HWAccel{Type: HWAccelVAAPI, Encoder: "h264_vaapi"},
	})
	if err != nil {
		t.Fatalf("NewSegmentEncoder failed: %v", err)
	}
	defer s.Abort()

	args := strings.Join(s.finishArgs(s.opts.HW), " ")
	if strings.Contains(args, "vaapi") {
		t.Errorf("grid clip should not use VA-API: %s", args)
	}
	if strings.Count(args, "-f concat") != 2 {
		t.Errorf("expected one concat input per camera: %s", args)
	}
	if !strings.Contains(args, "xstack=inputs=2:layout=0_0|w0_0[out]") || !strings.Contains(args, "-map [out]") {
		t.Errorf("missing xstack graph: %s", args)
	}
}

func TestSegmentEncoderRejectsUnevenCameras(t *testing.T) {
	dir := t.TempDir()
	s, err := NewWithPath("ffmpeg", 0).NewSegmentEncoder(SegmentEncoderOptions{
		Output:  filepath.Join(dir, "grid.mp4"),
		Cameras: []string{"front", "back"},
	})
	if err != nil {
		t.Fatalf("NewSegmentEncoder failed: %v", err)
	}
	seg := filepath.Join(dir, "front_0.ts")
	os.WriteFile(seg, []byte("x"), 0644)
	if err := s.AppendSegment(context.Background(), "front", seg); err != nil {
		t.Fatalf("AppendSegment failed: %v", err)
	}
	if err := s.AppendSegment(context.Background(), "side", seg); err == nil {
		t.Error("expected error for unknown camera")
	}

	err = s.Finish(context.Background())
	var ee *errdefs.EncodeError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EncodeError, got %v", err)
	}
	if _, err := os.Stat(seg); !os.IsNotExist(err) {
		t.Error("segment should be removed after Finish")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned: %v", entries)
	}
}

// makeRecording writes a short test clip with a keyframe every second.
func makeRecording(t *testing.T, path string, seconds int) {
	t.Helper()
	makeRecordingGOP(t, path, seconds, 10)
}

// makeRecordingGOP writes a 10fps test clip with a keyframe every gop frames.
func makeRecordingGOP(t *testing.T, path string, seconds, gop int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc2=size=160x120:rate=10",
		"-t", strconv.Itoa(seconds),
		"-c:v", "libx264", "-preset", "ultrafast", "-g", strconv.Itoa(gop), "-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0", "-pix_fmt", "yuv420p", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("cannot create test recording: %v: %s", err, out)
	}
}

// countFrames decodes path with ffprobe and returns its video frame count.
func countFrames(t *testing.T, path string) int {
	t.Helper()
	out, err := exec.Command("ffprobe", "-v", "error", "-count_frames", "-select_streams", "v:0",
		"-show_entries", "stream=nb_read_frames", "-of", "csv=p=0", path).Output()
	if err != nil {
		t.Skipf("ffprobe unavailable: %v", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		t.Fatalf("parse frame count %q: %v", out, err)
	}
	return n
}

func TestExtractFrameIntegration(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "00.00.mp4")
	makeRecording(t, src, 5)

	e, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := e.ExtractFrame(context.Background(), src, 2*time.Second)
	if err != nil {
		t.Fatalf("ExtractFrame failed: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("frame is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 120 {
		t.Errorf("frame size %dx%d", b.Dx(), b.Dy())
	}

	if _, err := e.ExtractFrame(context.Background(), src, 30*time.Second); err == nil {
		t.Error("expected an error past the end of the file")
	}
}

func TestTaskExtractorMissingFile(t *testing.T) {
	x := &TaskExtractor{Exec: NewWithPath("ffmpeg", 0), WorkDir: t.TempDir()}
	_, err := x.Extract(context.Background(), timeline.Task{Index: 4, Camera: "front", SourceFile: "/nonexistent/00.00.mp4"})
	var xe *errdefs.ExtractionError
	if !errors.As(err, &xe) || xe.Index != 4 || xe.Camera != "front" {
		t.Fatalf("expected ExtractionError for index 4, got %v", err)
	}
}

func TestEncodersIntegration(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.mp4")
	makeRecording(t, src, 4)

	e, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Timelapse from frames
	out := filepath.Join(dir, "timelapse.mp4")
	enc, err := e.NewFrameEncoder(ctx, FrameEncoderOptions{Output: out, FPS: 5, Preset: "ultrafast"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		frame, err := e.ExtractFrame(ctx, src, time.Duration(i)*time.Second)
		if err != nil {
			enc.Abort()
			t.Fatalf("ExtractFrame %d failed: %v", i, err)
		}
		if err := enc.WriteFrame(ctx, frame); err != nil {
			enc.Abort()
			t.Fatalf("WriteFrame %d failed: %v", i, err)
		}
	}
	if err := enc.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("timelapse output missing: %v", err)
	}

	// Clip from segments
	clip := filepath.Join(dir, "clip.mp4")
	seg, err := e.NewSegmentEncoder(SegmentEncoderOptions{Output: clip, Cameras: []string{"rec"}, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	x := &TaskExtractor{Exec: e, WorkDir: dir}
	for i := 0; i < 3; i++ {
		res, err := x.Extract(ctx, timeline.Task{
			Index: int64(i), Camera: "rec", SourceFile: src,
			Offset: time.Duration(i) * time.Second, Duration: time.Second, Mode: timeline.ModeSegment,
		})
		if err != nil {
			seg.Abort()
			t.Fatalf("segment %d failed: %v", i, err)
		}
		if err := seg.AppendSegment(ctx, "rec", res.SegmentPath); err != nil {
			t.Fatal(err)
		}
	}
	if err := seg.Finish(ctx); err != nil {
		t.Fatalf("clip Finish failed: %v", err)
	}
	if info, err := os.Stat(clip); err != nil || info.Size() == 0 {
		t.Fatalf("clip output missing: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.ts"))
	if len(matches) != 0 {
		t.Errorf("segments left behind: %v", matches)
	}
}

func TestClipPiecesDoNotOverlap(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "00.00.mp4")
	// One keyframe every 5s, so a keyframe-bound cut at 1s would reach back to 0s.
	makeRecordingGOP(t, src, 6, 50)

	e, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	clip := filepath.Join(dir, "clip.mp4")
	seg, err := e.NewSegmentEncoder(SegmentEncoderOptions{Output: clip, Cameras: []string{"rec"}, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	x := &TaskExtractor{Exec: e, WorkDir: dir}
	for i := 1; i <= 3; i++ {
		res, err := x.Extract(ctx, timeline.Task{
			Index: int64(i), Camera: "rec", SourceFile: src,
			Offset: time.Duration(i) * time.Second, Duration: time.Second, Mode: timeline.ModeSegment,
		})
		if err != nil {
			seg.Abort()
			t.Fatalf("segment %d failed: %v", i, err)
		}
		if n := countFrames(t, res.SegmentPath); n < 9 || n > 11 {
			seg.Abort()
			t.Fatalf("segment %d has %d frames, want 10", i, n)
		}
		if err := seg.AppendSegment(ctx, "rec", res.SegmentPath); err != nil {
			t.Fatal(err)
		}
	}
	if err := seg.Finish(ctx); err != nil {
		t.Fatalf("clip Finish failed: %v", err)
	}
	if n := countFrames(t, clip); n < 29 || n > 31 {
		t.Errorf("clip has %d frames, want 30 for three seconds at 10fps", n)
	}
}
