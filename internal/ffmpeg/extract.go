package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/pipeline"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// ErrNoFrame is returned when ffmpeg exits cleanly without producing a
// frame, typically because the offset lies past the end of the file.
var ErrNoFrame = errors.New("no frame decoded at offset")

// seconds formats d for -ss and -t.
func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func frameArgs(file string, offset time.Duration) []string {
	return []string{
		"-ss", seconds(offset),
		"-i", file,
		"-frames:v", "1",
		"-q:v", fmt.Sprintf("%d", FrameQuality),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"pipe:1",
	}
}

// Segment pieces are always cut on exact frames. A stream copy starts at the
// keyframe before -ss, so adjacent one-second pieces would repeat footage.
// Every piece shares one encoding, which lets the clip be joined with
// -c copy.
const (
	SegmentPreset = "ultrafast"
	SegmentCRF    = 18
)

func segmentArgs(file string, offset, dur time.Duration, out string) []string {
	args := []string{
		"-ss", seconds(offset),
		"-i", file,
		"-t", seconds(dur),
		"-an",
	}
	args = append(args, encoderArgs(Software, SegmentPreset, SegmentCRF, "")...)
	return append(args, "-f", "mpegts", out)
}

// ExtractFrame seeks to offset in file and returns one JPEG frame.
func (e *Executor) ExtractFrame(ctx context.Context, file string, offset time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Run(ctx, RunOptions{Args: frameArgs(file, offset), Stdout: &buf}); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, ErrNoFrame
	}
	return buf.Bytes(), nil
}

// ExtractSegment cuts exactly dur of footage starting at offset in file into
// out as MPEG-TS.
func (e *Executor) ExtractSegment(ctx context.Context, file string, offset, dur time.Duration, out string) error {
	if err := e.Run(ctx, RunOptions{Args: segmentArgs(file, offset, dur, out)}); err != nil {
		os.Remove(out)
		return err
	}
	info, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("segment output: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(out)
		return ErrNoFrame
	}
	return nil
}

// TaskExtractor runs planned tasks through an Executor. Segments are written
// into WorkDir and owned by whoever receives the result.
type TaskExtractor struct {
	Exec    *Executor
	WorkDir string
}

var _ pipeline.Extractor = (*TaskExtractor)(nil)

// Extract performs one frame or segment task.
func (x *TaskExtractor) Extract(ctx context.Context, task timeline.Task) (pipeline.Output, error) {
	wrap := func(err error) error {
		return &errdefs.ExtractionError{
			Index:  task.Index,
			Camera: task.Camera,
			File:   task.SourceFile,
			Offset: task.Offset,
			Err:    err,
		}
	}

	if _, err := os.Stat(task.SourceFile); err != nil {
		return pipeline.Output{}, wrap(err)
	}

	switch task.Mode {
	case timeline.ModeSegment:
		out := filepath.Join(x.WorkDir, fmt.Sprintf("%s_%08d.ts", task.Camera, task.Index))
		if err := x.Exec.ExtractSegment(ctx, task.SourceFile, task.Offset, task.Duration, out); err != nil {
			return pipeline.Output{}, wrap(err)
		}
		return pipeline.Output{SegmentPath: out}, nil
	default:
		frame, err := x.Exec.ExtractFrame(ctx, task.SourceFile, task.Offset)
		if err != nil {
			return pipeline.Output{}, wrap(err)
		}
		return pipeline.Output{Frame: frame}, nil
	}
}
