// Package ffmpeg drives the ffmpeg binary to seek into recordings and to
// encode the assembled output.
package ffmpeg

import "io"

// Progress represents ffmpeg progress data
type Progress struct {
	Frame   int
	FPS     float64
	Bitrate string
	Time    string
	Speed   string
	Done    bool
}

// ProgressFunc is called once per progress block reported by ffmpeg.
type ProgressFunc func(*Progress)

// RunOptions configures ffmpeg execution
type RunOptions struct {
	Args            []string
	Stdin           io.Reader // optional input stream (pipe:0)
	Stdout          io.Writer // optional output stream (pipe:1), otherwise logged
	ProgressHandler ProgressFunc
	LogHandler      func(line string)
}

// Default encoding settings
const (
	DefaultCRF        = 30
	DefaultPreset     = "fast"
	DefaultVideoCodec = "libx264"
	DefaultFPS        = 30
	DefaultPixFmt     = "yuv420p"
	FrameQuality      = 2 // mjpeg -q:v for extracted frames
)
