package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/grid"
)

// FrameEncoderOptions configures a streaming still-frame encode.
type FrameEncoderOptions struct {
	Output     string
	FPS        float64
	Preset     string
	CRF        int
	HW         HWAccel
	SpoolDir   string // holds a copy of the frames so a failed hardware encode can be redone in software
	OnProgress ProgressFunc
}

// FrameEncoder feeds JPEG frames to ffmpeg's stdin as they arrive and writes
// an H.264 MP4.
type FrameEncoder struct {
	exec   *Executor
	opts   FrameEncoderOptions
	log    *slog.Logger
	cancel context.CancelFunc
	pw     *io.PipeWriter
	done   chan error

	spool    *os.File
	hwFailed bool
	frames   int

	waitOnce sync.Once
	waitErr  error
}

func frameEncodeArgs(opts FrameEncoderOptions, hw HWAccel, input string) []string {
	fps := strconv.FormatFloat(opts.FPS, 'f', -1, 64)
	args := hwInputArgs(hw)
	args = append(args,
		"-f", "image2pipe",
		"-framerate", fps,
		"-c:v", "mjpeg",
		"-i", input,
	)
	args = append(args, encoderArgs(hw, opts.Preset, opts.CRF, evenScale)...)
	return append(args, "-r", fps, "-an", "-movflags", "+faststart", "-f", "mp4", opts.Output)
}

// NewFrameEncoder starts ffmpeg and returns an encoder ready for frames.
func (e *Executor) NewFrameEncoder(ctx context.Context, opts FrameEncoderOptions) (*FrameEncoder, error) {
	if opts.Output == "" {
		return nil, errdefs.Configf("output", "output path is required")
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.HW.Encoder == "" {
		opts.HW = Software
	}

	f := &FrameEncoder{
		exec: e,
		opts: opts,
		log:  e.log.With("output", opts.Output),
	}

	if opts.HW.Hardware() {
		dir := opts.SpoolDir
		if dir == "" {
			dir = filepath.Dir(opts.Output)
		}
		spool, err := os.CreateTemp(dir, "frames-*.mjpeg")
		if err != nil {
			return nil, fmt.Errorf("create frame spool: %w", err)
		}
		f.spool = spool
	}

	f.start(ctx)
	return f, nil
}

func (f *FrameEncoder) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	f.cancel = cancel
	f.pw = pw
	f.done = make(chan error, 1)

	args := frameEncodeArgs(f.opts, f.opts.HW, "pipe:0")
	go func() {
		err := f.exec.Run(ctx, RunOptions{Args: args, Stdin: pr, ProgressHandler: f.opts.OnProgress})
		// Unblock any writer if ffmpeg exits early.
		pr.CloseWithError(errEncoderExited)
		f.done <- err
	}()
}

var errEncoderExited = errors.New("encoder exited")

// Frames returns the number of frames written so far.
func (f *FrameEncoder) Frames() int {
	return f.frames
}

// WriteFrame appends one JPEG frame to the output.
func (f *FrameEncoder) WriteFrame(ctx context.Context, jpeg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.spool != nil {
		if _, err := f.spool.Write(jpeg); err != nil {
			return &errdefs.EncodeError{Output: f.opts.Output, Err: fmt.Errorf("spool frame: %w", err)}
		}
	}
	f.frames++

	if f.hwFailed {
		return nil
	}
	if _, err := f.pw.Write(jpeg); err != nil {
		if f.spool != nil {
			// The hardware encoder died; keep spooling and redo it in software at Finish.
			f.log.Warn("hardware encoder stopped, will fall back to software", "encoder", f.opts.HW.Encoder)
			f.hwFailed = true
			return nil
		}
		return &errdefs.EncodeError{Output: f.opts.Output, Err: f.wait()}
	}
	return nil
}

func (f *FrameEncoder) wait() error {
	f.waitOnce.Do(func() {
		f.waitErr = <-f.done
		if f.waitErr == nil && f.hwFailed {
			f.waitErr = errEncoderExited
		}
	})
	return f.waitErr
}

// Finish closes the input and waits for ffmpeg to write the output.
func (f *FrameEncoder) Finish(ctx context.Context) error {
	defer f.cleanupSpool()
	f.pw.Close()
	err := f.wait()
	f.cancel()

	if f.frames == 0 {
		os.Remove(f.opts.Output)
		return &errdefs.EncodeError{Output: f.opts.Output, Err: errors.New("no frames were written")}
	}

	if err != nil && f.spool != nil && ctx.Err() == nil && (f.hwFailed || isExitError(err)) {
		f.log.Warn("hardware encode failed, retrying in software", "encoder", f.opts.HW.Encoder, "error", err)
		err = f.softwareFromSpool(ctx)
	}
	if err != nil {
		os.Remove(f.opts.Output)
		return &errdefs.EncodeError{Output: f.opts.Output, Err: err}
	}

	f.log.Info("frames encoded", "frames", f.frames, "fps", f.opts.FPS)
	return nil
}

func (f *FrameEncoder) softwareFromSpool(ctx context.Context) error {
	if err := f.spool.Sync(); err != nil {
		return fmt.Errorf("sync frame spool: %w", err)
	}
	args := frameEncodeArgs(f.opts, Software, f.spool.Name())
	return f.exec.Run(ctx, RunOptions{Args: args, ProgressHandler: f.opts.OnProgress})
}

// Abort stops ffmpeg and removes anything written.
func (f *FrameEncoder) Abort() {
	f.cancel()
	f.pw.CloseWithError(context.Canceled)
	f.wait()
	f.cleanupSpool()
	os.Remove(f.opts.Output)
}

func (f *FrameEncoder) cleanupSpool() {
	if f.spool == nil {
		return
	}
	f.spool.Close()
	os.Remove(f.spool.Name())
	f.spool = nil
}

// SegmentEncoderOptions configures a clip assembled from extracted segments.
type SegmentEncoderOptions struct {
	Output   string
	Cameras  []string // more than one camera stacks them in a grid
	WorkDir  string
	Reencode bool // re-encode the joined clip with Preset instead of copying
	Preset   string
	CRF      int
	HW       HWAccel
	CellW    int
	CellH    int

	OnProgress ProgressFunc
}

// SegmentEncoder collects segments into per-camera concat lists and joins
// them when the clip is complete.
type SegmentEncoder struct {
	exec     *Executor
	opts     SegmentEncoderOptions
	log      *slog.Logger
	lists    map[string]*os.File
	counts   map[string]int
	segments []string
}

// NewSegmentEncoder prepares the concat lists. No process runs until Finish.
func (e *Executor) NewSegmentEncoder(opts SegmentEncoderOptions) (*SegmentEncoder, error) {
	if opts.Output == "" {
		return nil, errdefs.Configf("output", "output path is required")
	}
	if len(opts.Cameras) == 0 {
		return nil, errdefs.Configf("cameras", "at least one camera is required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Dir(opts.Output)
	}
	if opts.HW.Encoder == "" {
		opts.HW = Software
	}

	s := &SegmentEncoder{
		exec:   e,
		opts:   opts,
		log:    e.log.With("output", opts.Output),
		lists:  make(map[string]*os.File, len(opts.Cameras)),
		counts: make(map[string]int, len(opts.Cameras)),
	}
	for _, camera := range opts.Cameras {
		f, err := os.CreateTemp(opts.WorkDir, "concat-"+camera+"-*.txt")
		if err != nil {
			s.Abort()
			return nil, fmt.Errorf("create concat list: %w", err)
		}
		s.lists[camera] = f
	}
	return s, nil
}

// concatLine quotes path for the concat demuxer.
func concatLine(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file '" + strings.ReplaceAll(path, "'", `'\''`) + "'\n"
}

// AppendSegment adds the next segment of camera. The encoder takes ownership
// of the file.
func (s *SegmentEncoder) AppendSegment(ctx context.Context, camera, path string) error {
	list, ok := s.lists[camera]
	if !ok {
		return fmt.Errorf("camera %q is not part of this clip", camera)
	}
	s.segments = append(s.segments, path)
	if _, err := list.WriteString(concatLine(path)); err != nil {
		return &errdefs.EncodeError{Output: s.opts.Output, Err: fmt.Errorf("append to concat list: %w", err)}
	}
	s.counts[camera]++
	return nil
}

// Segments returns how many segments camera has received.
func (s *SegmentEncoder) Segments(camera string) int {
	return s.counts[camera]
}

func (s *SegmentEncoder) finishArgs(hw HWAccel) []string {
	var args []string
	if len(s.opts.Cameras) == 1 {
		list := s.lists[s.opts.Cameras[0]].Name()
		if s.opts.Reencode {
			args = append(args, hwInputArgs(hw)...)
		}
		args = append(args, "-f", "concat", "-safe", "0", "-i", list)
		if s.opts.Reencode {
			args = append(args, encoderArgs(hw, s.opts.Preset, s.opts.CRF, evenScale)...)
		} else {
			args = append(args, "-c", "copy")
		}
		return append(args, "-an", "-movflags", "+faststart", "-f", "mp4", s.opts.Output)
	}

	// A filter graph rules out the VA-API upload filter.
	if hw.Type == HWAccelVAAPI {
		hw = Software
	}
	args = append(args, hwInputArgs(hw)...)
	for _, camera := range s.opts.Cameras {
		args = append(args, "-f", "concat", "-safe", "0", "-i", s.lists[camera].Name())
	}
	args = append(args,
		"-filter_complex", grid.FilterComplex(len(s.opts.Cameras), s.opts.CellW, s.opts.CellH),
		"-map", "[out]",
	)
	args = append(args, encoderArgs(hw, s.opts.Preset, s.opts.CRF, "")...)
	return append(args, "-an", "-movflags", "+faststart", "-f", "mp4", s.opts.Output)
}

// Finish joins the segments into the output.
func (s *SegmentEncoder) Finish(ctx context.Context) error {
	defer s.cleanup()

	for camera, list := range s.lists {
		if err := list.Close(); err != nil {
			return &errdefs.EncodeError{Output: s.opts.Output, Err: fmt.Errorf("close concat list for %s: %w", camera, err)}
		}
	}
	want := s.counts[s.opts.Cameras[0]]
	if want == 0 {
		return &errdefs.EncodeError{Output: s.opts.Output, Err: errors.New("no segments were written")}
	}
	for _, camera := range s.opts.Cameras[1:] {
		if s.counts[camera] != want {
			return &errdefs.EncodeError{Output: s.opts.Output,
				Err: fmt.Errorf("camera %s has %d segments, %s has %d", camera, s.counts[camera], s.opts.Cameras[0], want)}
		}
	}

	hw := s.opts.HW
	err := s.exec.Run(ctx, RunOptions{Args: s.finishArgs(hw), ProgressHandler: s.opts.OnProgress})
	usesEncoder := s.opts.Reencode || len(s.opts.Cameras) > 1
	if err != nil && usesEncoder && hw.Hardware() && ctx.Err() == nil && isExitError(err) {
		s.log.Warn("hardware encode failed, retrying in software", "encoder", hw.Encoder, "error", err)
		err = s.exec.Run(ctx, RunOptions{Args: s.finishArgs(Software), ProgressHandler: s.opts.OnProgress})
	}
	if err != nil {
		os.Remove(s.opts.Output)
		return &errdefs.EncodeError{Output: s.opts.Output, Err: err}
	}

	s.log.Info("clip assembled", "segments", want, "cameras", len(s.opts.Cameras))
	return nil
}

// Abort removes the lists, the segments and any partial output.
func (s *SegmentEncoder) Abort() {
	for _, list := range s.lists {
		list.Close()
	}
	s.cleanup()
	os.Remove(s.opts.Output)
}

func (s *SegmentEncoder) cleanup() {
	for _, list := range s.lists {
		os.Remove(list.Name())
	}
	for _, seg := range s.segments {
		os.Remove(seg)
	}
	s.segments = nil
}
