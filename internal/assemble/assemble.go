// Package assemble turns ordered extraction units into encoder input,
// applying the missing-footage policy of each run mode.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/grid"
	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/metrics"
	"github.com/withObsrvr/frigate-reel/internal/pipeline"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// FrameWriter receives JPEG frames in output order.
type FrameWriter interface {
	WriteFrame(ctx context.Context, jpeg []byte) error
	Finish(ctx context.Context) error
	Abort()
}

// SegmentWriter receives segment files in output order and takes ownership
// of them.
type SegmentWriter interface {
	AppendSegment(ctx context.Context, camera, path string) error
	Finish(ctx context.Context) error
	Abort()
}

// GridKey names the combined output in Outputs and Written.
const GridKey = "grid"

// Outputs holds the writers for one run. Which fields are needed depends on
// the plan's mode and layout.
type Outputs struct {
	Frames       map[string]FrameWriter // timelapse, separate
	GridFrames   FrameWriter            // timelapse, grid
	Composer     *grid.Composer         // timelapse, grid
	Segments     map[string]SegmentWriter
	GridSegments SegmentWriter
}

// Assembler is the pipeline sink. It is driven from the sequencer goroutine
// only; Finish and Abort are called once the pipeline has returned.
type Assembler struct {
	plan   *timeline.Plan
	out    Outputs
	labels metrics.Labels
	log    *slog.Logger

	dropped []timeline.Drop
	written map[string]int
	emitted int64
}

var _ pipeline.Sink = (*Assembler)(nil)

// New checks that out has a writer for every output plan will produce.
func New(plan *timeline.Plan, out Outputs) (*Assembler, error) {
	isGrid := plan.Layout == timeline.LayoutGrid
	missing := func(what string) error {
		return fmt.Errorf("assemble: missing %s for %s %s run", what, plan.Layout, plan.Mode)
	}

	switch {
	case plan.Mode == timeline.ModeFrame && isGrid:
		if out.GridFrames == nil || out.Composer == nil {
			return nil, missing("grid frame writer")
		}
	case plan.Mode == timeline.ModeFrame:
		for _, c := range plan.Cameras {
			if out.Frames[c] == nil {
				return nil, missing("frame writer of camera " + c)
			}
		}
	case isGrid:
		if out.GridSegments == nil {
			return nil, missing("grid segment writer")
		}
	default:
		for _, c := range plan.Cameras {
			if out.Segments[c] == nil {
				return nil, missing("segment writer of camera " + c)
			}
		}
	}

	mode := "timelapse"
	if plan.Mode == timeline.ModeSegment {
		mode = "clip"
	}

	return &Assembler{
		plan:    plan,
		out:     out,
		labels:  metrics.Labels{Mode: mode, Layout: string(plan.Layout)},
		log:     logging.Component("assemble"),
		dropped: append([]timeline.Drop(nil), plan.Dropped...),
		written: make(map[string]int),
	}, nil
}

// Emit applies one unit to the outputs.
func (a *Assembler) Emit(ctx context.Context, u pipeline.Unit) error {
	var err error
	switch {
	case a.plan.Mode == timeline.ModeSegment:
		err = a.emitClip(ctx, u)
	case a.plan.Layout == timeline.LayoutGrid:
		err = a.emitGridFrame(ctx, u)
	default:
		err = a.emitFrames(ctx, u)
	}
	if err == nil {
		a.emitted++
	}
	return err
}

// emitClip requires every camera's segment. A clip reproduces the window
// exactly, so any hole aborts the run.
func (a *Assembler) emitClip(ctx context.Context, u pipeline.Unit) error {
	for _, camera := range a.plan.Cameras {
		res, ok := u.Result(camera)
		if !ok {
			return &errdefs.AssemblyGapError{Index: u.Index, Camera: camera, Instant: u.Instant, Err: errors.New("no result")}
		}
		if !res.OK() {
			return &errdefs.AssemblyGapError{Index: u.Index, Camera: camera, Instant: u.Instant, Err: res.Err}
		}
	}

	// The writers own each segment once appended. On error the pipeline
	// removes whatever the unit still references.
	for _, camera := range a.plan.Cameras {
		res, _ := u.Result(camera)
		w := a.out.GridSegments
		if w == nil {
			w = a.out.Segments[camera]
			a.written[camera]++
		}
		if err := w.AppendSegment(ctx, camera, res.Output.SegmentPath); err != nil {
			return err
		}
	}
	if a.out.GridSegments != nil {
		a.written[GridKey]++
	}
	return nil
}

// emitFrames writes each camera's frame to its own output. A failed frame is
// left out of that camera's output only.
func (a *Assembler) emitFrames(ctx context.Context, u pipeline.Unit) error {
	for _, res := range u.Results {
		if !res.OK() {
			a.drop(res.Task, u.Index, timeline.DropExtractionFailed)
			continue
		}
		if err := a.out.Frames[res.Task.Camera].WriteFrame(ctx, res.Output.Frame); err != nil {
			return err
		}
		a.written[res.Task.Camera]++
	}
	return nil
}

// emitGridFrame composes one grid frame. Cameras without a frame are shown as
// placeholders, or the whole position is skipped, per the plan's policy.
func (a *Assembler) emitGridFrame(ctx context.Context, u pipeline.Unit) error {
	frames := make([][]byte, len(a.plan.Cameras))
	var failed []pipeline.Result
	have := 0
	for i, camera := range a.plan.Cameras {
		res, ok := u.Result(camera)
		switch {
		case !ok:
			// Already recorded as a drop by the planner.
		case !res.OK():
			failed = append(failed, res)
		default:
			frames[i] = res.Output.Frame
			have++
		}
	}

	if have == 0 || (len(failed) > 0 && a.plan.Missing == timeline.MissingSkip) {
		for _, res := range failed {
			a.drop(res.Task, -1, timeline.DropExtractionFailed)
		}
		for _, res := range u.Results {
			if res.OK() {
				a.drop(res.Task, -1, timeline.DropMissingCamera)
			}
		}
		return nil
	}
	for _, res := range failed {
		a.drop(res.Task, u.Index, timeline.DropExtractionFailed)
	}

	composed, err := a.out.Composer.Compose(frames)
	if err != nil {
		return &errdefs.EncodeError{Output: GridKey, Err: err}
	}
	if err := a.out.GridFrames.WriteFrame(ctx, composed); err != nil {
		return err
	}
	a.written[GridKey]++
	return nil
}

func (a *Assembler) drop(t timeline.Task, index int64, reason string) {
	a.dropped = append(a.dropped, timeline.Drop{
		Sample:  t.Sample,
		Index:   index,
		Camera:  t.Camera,
		Instant: t.Instant,
		Reason:  reason,
	})
	if m := metrics.Get(); m != nil {
		m.AddSamplesDropped(a.labels, reason, 1)
	}
}

// Dropped returns the planner's drops followed by those found while
// assembling.
func (a *Assembler) Dropped() []timeline.Drop {
	return a.dropped
}

// Written returns how many frames or segments each output received, keyed
// by camera or GridKey.
func (a *Assembler) Written() map[string]int {
	return a.written
}

// Emitted returns the number of units applied.
func (a *Assembler) Emitted() int64 {
	return a.emitted
}

type finisher interface {
	Finish(ctx context.Context) error
	Abort()
}

// writers lists every writer with its key.
func (a *Assembler) writers() map[string]finisher {
	out := make(map[string]finisher)
	if a.out.GridFrames != nil {
		out[GridKey] = a.out.GridFrames
	}
	if a.out.GridSegments != nil {
		out[GridKey] = a.out.GridSegments
	}
	for c, w := range a.out.Frames {
		out[c] = w
	}
	for c, w := range a.out.Segments {
		out[c] = w
	}
	return out
}

// Finish completes every output that received data, in parallel. Outputs that
// stayed empty are aborted and left out of the returned keys. It fails when
// no output has data or any encode fails; all outputs are aborted then.
func (a *Assembler) Finish(ctx context.Context) ([]string, error) {
	var keys []string
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for key, w := range a.writers() {
		if a.written[key] == 0 {
			a.log.Warn("output has no footage, skipping", "output", key)
			w.Abort()
			continue
		}
		key, w := key, w
		g.Go(func() error {
			if err := w.Finish(gctx); err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.Abort()
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &errdefs.EncodeError{Output: "all", Err: errors.New("no output received any footage")}
	}
	return keys, nil
}

// Abort stops every writer and removes partial outputs.
func (a *Assembler) Abort() {
	for _, w := range a.writers() {
		w.Abort()
	}
}
