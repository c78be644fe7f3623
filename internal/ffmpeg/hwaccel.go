package ffmpeg

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HWAccelType represents the type of hardware acceleration available
type HWAccelType string

const (
	HWAccelNone  HWAccelType = "none"
	HWAccelQSV   HWAccelType = "qsv"   // Intel Quick Sync Video
	HWAccelVAAPI HWAccelType = "vaapi" // Linux VA-API
)

// DefaultVAAPIDevice is the render node probed for VA-API.
const DefaultVAAPIDevice = "/dev/dri/renderD128"

// HWAccel describes the H.264 encoder to use for the output.
type HWAccel struct {
	Type    HWAccelType
	Encoder string
	Device  string
}

// Software is the libx264 fallback.
var Software = HWAccel{Type: HWAccelNone, Encoder: DefaultVideoCodec}

// Hardware reports whether the encoder runs on a GPU.
func (h HWAccel) Hardware() bool {
	return h.Type != HWAccelNone && h.Type != ""
}

// ParseHWAccel maps a configured name to an encoder. "auto" and "" return
// ok=false so the caller runs detection.
func ParseHWAccel(name string) (HWAccel, bool) {
	switch strings.ToLower(name) {
	case "none", "software", "cpu":
		return Software, true
	case "qsv":
		return HWAccel{Type: HWAccelQSV, Encoder: "h264_qsv"}, true
	case "vaapi":
		return HWAccel{Type: HWAccelVAAPI, Encoder: "h264_vaapi", Device: DefaultVAAPIDevice}, true
	}
	return HWAccel{}, false
}

var (
	detectOnce sync.Once
	detected   HWAccel
)

// DetectHWAccel probes ffmpeg for a working hardware H.264 encoder, trying
// QSV then VA-API, and falls back to libx264. The result is cached for the
// life of the process.
func (e *Executor) DetectHWAccel(ctx context.Context) HWAccel {
	detectOnce.Do(func() {
		detected = e.detect(ctx)
		e.log.Info("hardware acceleration", "type", detected.Type, "encoder", detected.Encoder)
	})
	return detected
}

func (e *Executor) detect(ctx context.Context) HWAccel {
	encoders, err := exec.CommandContext(ctx, e.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		e.log.Warn("failed to list ffmpeg encoders", "error", err)
		return Software
	}

	candidates := []HWAccel{
		{Type: HWAccelQSV, Encoder: "h264_qsv"},
		{Type: HWAccelVAAPI, Encoder: "h264_vaapi", Device: DefaultVAAPIDevice},
	}
	for _, hw := range candidates {
		if !strings.Contains(string(encoders), hw.Encoder) {
			continue
		}
		if e.testEncode(ctx, hw) {
			return hw
		}
		e.log.Debug("hardware test encode failed", "encoder", hw.Encoder)
	}
	return Software
}

// testEncode runs a one second synthetic encode with hw.
func (e *Executor) testEncode(ctx context.Context, hw HWAccel) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, hwInputArgs(hw)...)
	args = append(args, "-f", "lavfi", "-i", "testsrc2=duration=1:size=320x240:rate=1")
	args = append(args, encoderArgs(hw, DefaultPreset, DefaultCRF, "")...)
	args = append(args, "-f", "null", "-")

	return exec.CommandContext(ctx, e.ffmpegPath, args...).Run() == nil
}

// hwInputArgs are global options that must precede the inputs.
func hwInputArgs(hw HWAccel) []string {
	if hw.Type == HWAccelVAAPI {
		device := hw.Device
		if device == "" {
			device = DefaultVAAPIDevice
		}
		return []string{"-vaapi_device", device}
	}
	return nil
}

// evenScale rounds frame sizes down to even numbers, which yuv420p needs.
const evenScale = "scale=trunc(iw/2)*2:trunc(ih/2)*2"

// encoderArgs selects the codec and quality settings for hw. vf is an
// optional simple filter applied before encoding; it must be empty when the
// command already carries a -filter_complex.
func encoderArgs(hw HWAccel, preset string, crf int, vf string) []string {
	if preset == "" {
		preset = DefaultPreset
	}
	if crf <= 0 {
		crf = DefaultCRF
	}
	q := strconv.Itoa(crf)

	var args []string
	switch hw.Type {
	case HWAccelQSV:
		if vf != "" {
			args = append(args, "-vf", vf)
		}
		return append(args, "-c:v", "h264_qsv", "-preset", preset, "-global_quality", q, "-pix_fmt", "nv12")
	case HWAccelVAAPI:
		upload := "format=nv12,hwupload"
		if vf != "" {
			upload = vf + "," + upload
		}
		return append(args, "-vf", upload, "-c:v", "h264_vaapi", "-qp", q)
	}
	if vf != "" {
		args = append(args, "-vf", vf)
	}
	return append(args, "-c:v", DefaultVideoCodec, "-preset", preset, "-crf", q, "-pix_fmt", DefaultPixFmt)
}
