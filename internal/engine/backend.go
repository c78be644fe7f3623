package engine

import (
	"context"

	"github.com/withObsrvr/frigate-reel/internal/assemble"
	"github.com/withObsrvr/frigate-reel/internal/ffmpeg"
	"github.com/withObsrvr/frigate-reel/internal/pipeline"
)

// FrameOutput describes one timelapse video.
type FrameOutput struct {
	Path    string
	FPS     float64
	WorkDir string
}

// SegmentOutput describes one clip video. More than one camera means a grid.
type SegmentOutput struct {
	Path    string
	Cameras []string
	WorkDir string
}

// Backend extracts footage and encodes outputs. The engine asks for a fresh
// extractor per run so intermediate files land in that run's work dir.
type Backend interface {
	Extractor(workDir string) pipeline.Extractor
	FrameWriter(ctx context.Context, out FrameOutput) (assemble.FrameWriter, error)
	SegmentWriter(ctx context.Context, out SegmentOutput) (assemble.SegmentWriter, error)
	// Describe names the encoder in manifests.
	Describe() string
}

// FFmpegBackend runs extraction and encoding through ffmpeg.
type FFmpegBackend struct {
	Exec     *ffmpeg.Executor
	HW       ffmpeg.HWAccel
	Preset   string
	CRF      int
	Reencode bool
	CellW    int
	CellH    int

	// OnEncodeProgress receives ffmpeg progress for the final encodes.
	OnEncodeProgress ffmpeg.ProgressFunc
}

var _ Backend = (*FFmpegBackend)(nil)

// Extractor returns a task extractor writing segments into workDir.
func (b *FFmpegBackend) Extractor(workDir string) pipeline.Extractor {
	return &ffmpeg.TaskExtractor{Exec: b.Exec, WorkDir: workDir}
}

// FrameWriter starts a streaming frame encoder.
func (b *FFmpegBackend) FrameWriter(ctx context.Context, out FrameOutput) (assemble.FrameWriter, error) {
	return b.Exec.NewFrameEncoder(ctx, ffmpeg.FrameEncoderOptions{
		Output:     out.Path,
		FPS:        out.FPS,
		Preset:     b.Preset,
		CRF:        b.CRF,
		HW:         b.HW,
		SpoolDir:   out.WorkDir,
		OnProgress: b.OnEncodeProgress,
	})
}

// SegmentWriter prepares a concat encoder.
func (b *FFmpegBackend) SegmentWriter(ctx context.Context, out SegmentOutput) (assemble.SegmentWriter, error) {
	return b.Exec.NewSegmentEncoder(ffmpeg.SegmentEncoderOptions{
		Output:     out.Path,
		Cameras:    out.Cameras,
		WorkDir:    out.WorkDir,
		Reencode:   b.Reencode,
		Preset:     b.Preset,
		CRF:        b.CRF,
		HW:         b.HW,
		CellW:      b.CellW,
		CellH:      b.CellH,
		OnProgress: b.OnEncodeProgress,
	})
}

// Describe returns the video encoder in use.
func (b *FFmpegBackend) Describe() string {
	if b.HW.Encoder == "" {
		return ffmpeg.Software.Encoder
	}
	return b.HW.Encoder
}
