// Package pipeline runs a plan's extraction tasks on a worker pool and hands
// the results to a sink strictly in output order.
package pipeline

import (
	"context"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// Output is what one extraction produced. Frame tasks fill Frame with a JPEG
// image, segment tasks fill SegmentPath with a file the caller owns.
type Output struct {
	Frame       []byte
	SegmentPath string
}

// Extractor pulls one frame or segment out of a recording.
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, task timeline.Task) (Output, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, task timeline.Task) (Output, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, task timeline.Task) (Output, error) {
	return f(ctx, task)
}

// Result is returned from workers to the sequencer.
type Result struct {
	Task    timeline.Task
	Output  Output
	Err     error // *errdefs.ExtractionError when set
	Elapsed time.Duration
}

// OK reports whether the extraction succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Unit is one output position with every camera's result, in the plan's
// camera order. Cameras the planner dropped at this position are absent.
type Unit struct {
	Index   int64
	Instant time.Time
	Results []Result
}

// Result returns the result for camera.
func (u Unit) Result(camera string) (Result, bool) {
	for _, r := range u.Results {
		if r.Task.Camera == camera {
			return r, true
		}
	}
	return Result{}, false
}

// Failed returns the results whose extraction failed.
func (u Unit) Failed() []Result {
	var out []Result
	for _, r := range u.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Sink consumes units in ascending index order. Emit is only ever called
// from the sequencer goroutine.
type Sink interface {
	Emit(ctx context.Context, u Unit) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Unit) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, u Unit) error {
	return f(ctx, u)
}
