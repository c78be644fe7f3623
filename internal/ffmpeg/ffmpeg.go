package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/withObsrvr/frigate-reel/internal/logging"
)

// stderrTail is how many trailing ffmpeg log lines are kept for errors.
const stderrTail = 8

// Executor handles all ffmpeg operations with progress streaming
type Executor struct {
	log        *slog.Logger
	ffmpegPath string
	threads    int
}

// New creates an executor for the ffmpeg found in PATH.
func New(threads int) (*Executor, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return NewWithPath(ffmpegPath, threads), nil
}

// NewWithPath creates an executor for a specific ffmpeg binary.
func NewWithPath(ffmpegPath string, threads int) *Executor {
	return &Executor{
		log:        logging.Component("ffmpeg"),
		ffmpegPath: ffmpegPath,
		threads:    threads,
	}
}

// Path returns the ffmpeg binary in use.
func (e *Executor) Path() string {
	return e.ffmpegPath
}

// baseArgs are placed before the caller's arguments.
func (e *Executor) baseArgs() []string {
	args := []string{"-y", "-hide_banner", "-nostdin", "-nostats", "-loglevel", "error"}
	if e.threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", e.threads))
	}
	return append(args, "-progress", "pipe:2")
}

// Run executes ffmpeg with the given arguments and streams progress
func (e *Executor) Run(ctx context.Context, opts RunOptions) error {
	if len(opts.Args) == 0 {
		return fmt.Errorf("no arguments provided")
	}

	args := e.baseArgs()
	if opts.Stdin != nil {
		// -nostdin would stop ffmpeg from reading pipe:0.
		args = removeArg(args, "-nostdin")
	}
	args = append(args, opts.Args...)

	e.log.Debug("executing ffmpeg", "args", args)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	cmd.Stdin = opts.Stdin

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	var stdout io.ReadCloser
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to create stdout pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	tail := newLineTail(stderrTail)

	// Stream stderr (progress + logs)
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamOutput(stderr, opts.ProgressHandler, func(line string) {
			tail.add(line)
			if opts.LogHandler != nil {
				opts.LogHandler(line)
			}
		})
	}()

	// Stream stdout
	if stdout != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				if opts.LogHandler != nil {
					opts.LogHandler(scanner.Text())
				}
			}
		}()
	}

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("ffmpeg execution failed: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg execution failed: %w", err)
	}

	e.log.Debug("ffmpeg execution completed")
	return nil
}

// progressKeys are the key=value lines ffmpeg writes with -progress.
var progressKeys = map[string]bool{
	"frame": true, "fps": true, "bitrate": true, "total_size": true,
	"out_time_us": true, "out_time_ms": true, "out_time": true,
	"dup_frames": true, "drop_frames": true, "speed": true, "progress": true,
	"stream_0_0_q": true,
}

// streamOutput parses ffmpeg output and calls handlers. Progress lines go to
// progressHandler, everything else to logHandler.
func streamOutput(r io.Reader, progressHandler ProgressFunc, logHandler func(string)) {
	scanner := bufio.NewScanner(r)
	progressData := &Progress{}

	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok || !progressKeys[key] {
			if logHandler != nil && strings.TrimSpace(line) != "" {
				logHandler(line)
			}
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "frame":
			fmt.Sscanf(value, "%d", &progressData.Frame)
		case "fps":
			fmt.Sscanf(value, "%f", &progressData.FPS)
		case "bitrate":
			progressData.Bitrate = value
		case "out_time":
			progressData.Time = value
		case "speed":
			progressData.Speed = value
		case "progress":
			// End of progress block
			progressData.Done = value == "end"
			if progressHandler != nil {
				progressHandler(progressData)
			}
			progressData = &Progress{}
		}
	}
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}

func removeArg(args []string, drop string) []string {
	out := args[:0:0]
	for _, a := range args {
		if a != drop {
			out = append(out, a)
		}
	}
	return out
}

// isExitError reports whether err came from ffmpeg exiting non-zero.
func isExitError(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}
