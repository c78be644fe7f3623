// Package engine runs timelapse and clip jobs end to end: plan the tasks,
// extract in parallel, assemble in order, encode, then publish the outputs
// with a manifest. Nothing is published unless the whole run succeeds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/assemble"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/grid"
	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/metrics"
	"github.com/withObsrvr/frigate-reel/internal/pipeline"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Options tune how runs are executed.
type Options struct {
	Workers int // concurrent extractions, pipeline default when < 1
	Window  int // output positions in flight, pipeline default when < 1

	WorkDir      string // parent of per-run scratch dirs, os.TempDir() when empty
	MinFreeBytes uint64 // refuse to start when WorkDir has less free space

	CellW int // grid tile size, taken from the first frame when zero
	CellH int

	Preset         string // recorded in manifests
	AllowOverwrite bool   // publish over existing outputs

	// OnProgress is called after every output position is assembled.
	OnProgress func(done, total int64)

	// Recorders are told about every published run.
	Recorders []Recorder
}

// Recorder keeps a record of published runs. A failing recorder is logged
// and does not fail the run, which is already published.
type Recorder interface {
	RecordRun(ctx context.Context, manifestURI string, m *storage.Manifest) error
}

// TimelapseRequest is a planner request plus where to publish.
type TimelapseRequest struct {
	timeline.TimelapseRequest

	// Output is the store key of the video. Only valid when the run yields
	// one video; derived from the range start otherwise.
	Output string
}

// ClipRequest is a planner request plus where to publish.
type ClipRequest struct {
	timeline.ClipRequest
	Output string
}

// Result describes a published run.
type Result struct {
	RunID     string
	Outputs   map[string]string // camera or grid key -> URI
	Manifest  string            // URI of the manifest
	Positions int64
	Dropped   []timeline.Drop
	Elapsed   time.Duration
}

// Engine wires the planner, pipeline, assembler, backend and store.
type Engine struct {
	loc     timeline.Locator
	backend Backend
	store   storage.Store
	opts    Options
	log     *slog.Logger
}

// New creates an engine.
func New(loc timeline.Locator, backend Backend, store storage.Store, opts Options) *Engine {
	return &Engine{
		loc:     loc,
		backend: backend,
		store:   store,
		opts:    opts,
		log:     logging.Component("engine"),
	}
}

// job carries one run through execute.
type job struct {
	runID       string
	mode        string // "timelapse" | "clip"
	plan        *timeline.Plan
	fps         float64
	keys        map[string]string // writer key -> store key
	paths       map[string]string // writer key -> local path
	manifestKey string
	request     storage.RequestInfo
	skip        *storage.SkipInfo
	log         *slog.Logger
}

func (j *job) labels() metrics.Labels {
	return metrics.Labels{Mode: j.mode, Layout: string(j.plan.Layout)}
}

// Timelapse samples the range into OutputDuration*FPS frames and publishes
// one video per camera, or a single grid video.
func (e *Engine) Timelapse(ctx context.Context, req TimelapseRequest) (res *Result, err error) {
	runID := logging.GenerateRunID()
	start := time.Now()
	labels := metrics.Labels{Mode: "timelapse", Layout: string(req.Layout)}
	defer func() { e.recordRun(labels, start, err) }()

	keys, manifestKey, err := e.outputKeys("timelapse", req.Cameras, req.Layout, req.Range, req.Output)
	if err != nil {
		return nil, err
	}

	plan, err := timeline.PlanTimelapse(e.loc, req.TimelapseRequest)
	if err != nil {
		return nil, err
	}
	labels.Layout = string(plan.Layout)

	return e.execute(ctx, &job{
		runID:       runID,
		mode:        "timelapse",
		plan:        plan,
		fps:         req.FPS,
		keys:        keys,
		manifestKey: manifestKey,
		request: storage.RequestInfo{
			OutputDuration: req.OutputDuration.String(),
			FPS:            req.FPS,
			Preset:         e.opts.Preset,
			Encoder:        e.backend.Describe(),
		},
		skip: skipInfo(req.Rule.SkipDays(), req.Rule.SkipHours()),
		log:  logging.RunLogger(runID, "timelapse"),
	}, start)
}

// Clip copies every second of the range into one video per camera, or a
// single grid video. Any second without footage fails the run.
func (e *Engine) Clip(ctx context.Context, req ClipRequest) (res *Result, err error) {
	runID := logging.GenerateRunID()
	start := time.Now()
	labels := metrics.Labels{Mode: "clip", Layout: string(req.Layout)}
	defer func() { e.recordRun(labels, start, err) }()

	keys, manifestKey, err := e.outputKeys("clip", req.Cameras, req.Layout, req.Range, req.Output)
	if err != nil {
		return nil, err
	}

	plan, err := timeline.PlanClip(e.loc, req.ClipRequest)
	if err != nil {
		return nil, err
	}
	labels.Layout = string(plan.Layout)

	tick := req.Tick
	if tick <= 0 {
		tick = time.Second
	}
	return e.execute(ctx, &job{
		runID:       runID,
		mode:        "clip",
		plan:        plan,
		keys:        keys,
		manifestKey: manifestKey,
		request: storage.RequestInfo{
			Tick:    tick.String(),
			Preset:  e.opts.Preset,
			Encoder: e.backend.Describe(),
		},
		log: logging.RunLogger(runID, "clip"),
	}, start)
}

// execute runs a validated plan and publishes its outputs.
func (e *Engine) execute(ctx context.Context, j *job, start time.Time) (*Result, error) {
	plan := j.plan

	validation := timeline.ValidatePlan(plan)
	for _, w := range validation.Warnings {
		j.log.Warn("plan warning", "warning", w)
	}
	if !validation.Passed {
		return nil, fmt.Errorf("plan validation failed: %s", strings.Join(validation.Errors, "; "))
	}
	e.recordPlanDrops(j)

	if err := e.checkOutputsFree(ctx, j); err != nil {
		return nil, err
	}

	runDir, err := e.runDir(j.runID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(runDir)

	j.log.Info("starting run",
		"cameras", plan.Cameras,
		"layout", plan.Layout,
		"range", plan.Range.String(),
		"positions", plan.Len(),
		"tasks", len(plan.Tasks),
		"files", len(plan.Files()),
		"dropped", len(plan.Dropped),
	)

	outs, err := e.buildOutputs(ctx, j, runDir)
	if err != nil {
		return nil, err
	}
	asm, err := assemble.New(plan, outs)
	if err != nil {
		abortOutputs(outs)
		return nil, err
	}

	p := pipeline.New(e.backend.Extractor(runDir), pipeline.Options{
		Workers:    e.opts.Workers,
		Window:     e.opts.Window,
		OnProgress: e.opts.OnProgress,
	})
	j.log.Info("extracting", "workers", p.Workers())

	if err := p.Run(ctx, plan, asm); err != nil {
		asm.Abort()
		return nil, err
	}

	encodeStart := time.Now()
	finished, err := asm.Finish(ctx)
	if m := metrics.Get(); m != nil {
		m.ObserveEncodeDuration(j.labels(), time.Since(encodeStart).Seconds())
	}
	if err != nil {
		return nil, err
	}

	res, err := e.publish(ctx, j, asm, finished)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)

	j.log.Info("run complete",
		"outputs", len(res.Outputs),
		"positions", res.Positions,
		"dropped", len(res.Dropped),
		"manifest", res.Manifest,
		"duration", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

// runDir creates the scratch dir of one run after the free-space check.
func (e *Engine) runDir(runID string) (string, error) {
	base := e.opts.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("create work dir %s: %w", base, err)
	}
	if err := storage.CheckFreeSpace(base, e.opts.MinFreeBytes); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(base, "frigate-reel-"+runID+"-")
	if err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// checkOutputsFree fails before any extraction when an output would be
// refused at publish time.
func (e *Engine) checkOutputsFree(ctx context.Context, j *job) error {
	if e.opts.AllowOverwrite {
		return nil
	}
	keys := []string{j.manifestKey}
	for _, k := range j.keys {
		keys = append(keys, k)
	}
	for _, k := range keys {
		exists, err := e.store.Exists(ctx, k)
		if err != nil {
			return fmt.Errorf("check output %s: %w", k, err)
		}
		if exists {
			return fmt.Errorf("%s: %w", e.store.URI(k), storage.ErrExists)
		}
	}
	return nil
}

func (e *Engine) recordPlanDrops(j *job) {
	m := metrics.Get()
	if m == nil {
		return
	}
	counts := make(map[string]float64)
	for _, d := range j.plan.Dropped {
		counts[d.Reason]++
	}
	for reason, n := range counts {
		m.AddSamplesDropped(j.labels(), reason, n)
	}
}

func (e *Engine) recordRun(l metrics.Labels, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = errdefs.Reason(err)
		if errors.Is(err, context.Canceled) {
			status = "canceled"
		}
		e.log.Error("run failed", "mode", l.Mode, "error", err)
	}
	m := metrics.Get()
	if m == nil {
		return
	}
	m.IncRuns(l, status)
	m.ObserveRunDuration(l, time.Since(start).Seconds())
	if err == nil {
		m.SetLastRunSuccess(l, float64(time.Now().Unix()))
	}
}

// buildOutputs creates one writer per planned output.
func (e *Engine) buildOutputs(ctx context.Context, j *job, runDir string) (assemble.Outputs, error) {
	var outs assemble.Outputs
	plan := j.plan
	j.paths = make(map[string]string, len(j.keys))
	for wk := range j.keys {
		j.paths[wk] = localPath(runDir, wk)
	}

	fail := func(err error) (assemble.Outputs, error) {
		abortOutputs(outs)
		return assemble.Outputs{}, err
	}

	isGrid := plan.Layout == timeline.LayoutGrid
	switch {
	case plan.Mode == timeline.ModeFrame && isGrid:
		w, err := e.backend.FrameWriter(ctx, FrameOutput{Path: j.paths[assemble.GridKey], FPS: j.fps, WorkDir: runDir})
		if err != nil {
			return fail(err)
		}
		outs.GridFrames = w
		outs.Composer = grid.NewComposer(len(plan.Cameras), e.opts.CellW, e.opts.CellH)
	case plan.Mode == timeline.ModeFrame:
		outs.Frames = make(map[string]assemble.FrameWriter, len(plan.Cameras))
		for _, c := range plan.Cameras {
			w, err := e.backend.FrameWriter(ctx, FrameOutput{Path: j.paths[c], FPS: j.fps, WorkDir: runDir})
			if err != nil {
				return fail(err)
			}
			outs.Frames[c] = w
		}
	case isGrid:
		w, err := e.backend.SegmentWriter(ctx, SegmentOutput{Path: j.paths[assemble.GridKey], Cameras: plan.Cameras, WorkDir: runDir})
		if err != nil {
			return fail(err)
		}
		outs.GridSegments = w
	default:
		outs.Segments = make(map[string]assemble.SegmentWriter, len(plan.Cameras))
		for _, c := range plan.Cameras {
			w, err := e.backend.SegmentWriter(ctx, SegmentOutput{Path: j.paths[c], Cameras: []string{c}, WorkDir: runDir})
			if err != nil {
				return fail(err)
			}
			outs.Segments[c] = w
		}
	}
	return outs, nil
}

func abortOutputs(outs assemble.Outputs) {
	if outs.GridFrames != nil {
		outs.GridFrames.Abort()
	}
	if outs.GridSegments != nil {
		outs.GridSegments.Abort()
	}
	for _, w := range outs.Frames {
		w.Abort()
	}
	for _, w := range outs.Segments {
		w.Abort()
	}
}
