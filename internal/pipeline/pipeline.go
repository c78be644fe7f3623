package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/metrics"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

const (
	minDefaultWorkers = 16
	maxDefaultWorkers = 32
)

// ErrResultsClosed is wrapped in the AssemblyGapError returned when the
// worker pool stops before every output position was delivered.
var ErrResultsClosed = errors.New("results closed before all positions were emitted")

// DefaultWorkers returns twice the logical CPU count clamped to 16..32.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return minDefaultWorkers
	}
	n *= 2
	if n < minDefaultWorkers {
		return minDefaultWorkers
	}
	if n > maxDefaultWorkers {
		return maxDefaultWorkers
	}
	return n
}

// Options tune the worker pool.
type Options struct {
	Workers   int // concurrent extractions, DefaultWorkers() when < 1
	QueueSize int // task queue depth, Workers*2 when < 1
	Window    int // output positions dispatched but not yet emitted, Workers*4 when < 1

	// OnProgress is called from the sequencer after every emitted position.
	OnProgress func(done, total int64)
}

// Pipeline implements the dispatcher → workers → sequencer flow.
// Workers extract in parallel, but the sequencer emits in index order.
type Pipeline struct {
	extractor Extractor
	workers   int
	queueSize int
	window    int
	progress  func(done, total int64)
	log       *slog.Logger
}

// New creates a new worker pipeline.
func New(ex Extractor, opts Options) *Pipeline {
	workers := opts.Workers
	if workers < 1 {
		workers = DefaultWorkers()
	}
	queueSize := opts.QueueSize
	if queueSize < 1 {
		queueSize = workers * 2
	}
	window := opts.Window
	if window < 1 {
		window = workers * 4
	}

	return &Pipeline{
		extractor: ex,
		workers:   workers,
		queueSize: queueSize,
		window:    window,
		progress:  opts.OnProgress,
		log:       logging.Component("pipeline"),
	}
}

// Workers returns the pool size.
func (p *Pipeline) Workers() int {
	return p.workers
}

// run holds the channels of one Run call.
type run struct {
	plan       *timeline.Plan
	labels     metrics.Labels
	window     *semaphore.Weighted
	workQueue  chan timeline.Task
	resultChan chan Result
	wg         sync.WaitGroup
}

// Run executes every task of plan exactly once and emits one Unit per output
// position to sink, in ascending index order. It returns after all worker
// goroutines have exited.
func (p *Pipeline) Run(ctx context.Context, plan *timeline.Plan, sink Sink) error {
	if plan == nil || plan.Len() == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		plan:       plan,
		labels:     metrics.Labels{Mode: modeLabel(plan.Mode)},
		window:     semaphore.NewWeighted(int64(p.window)),
		workQueue:  make(chan timeline.Task, p.queueSize),
		resultChan: make(chan Result, p.queueSize),
	}

	p.log.Info("starting extraction",
		"positions", plan.Len(),
		"tasks", len(plan.Tasks),
		"workers", p.workers,
		"window", p.window,
	)

	// Start worker pool
	for i := 0; i < p.workers; i++ {
		r.wg.Add(1)
		go p.workerLoop(ctx, r, i)
	}

	// Start dispatcher
	errChan := make(chan error, 1)
	go func() {
		errChan <- p.dispatcherLoop(ctx, r)
	}()

	// Close results when workers finish
	go func() {
		r.wg.Wait()
		close(r.resultChan)
	}()

	// Sequencer: emit in order
	err := p.sequencerLoop(ctx, r, sink)

	// Stop the dispatcher and workers, then drain so none block on send.
	cancel()
	for res := range r.resultChan {
		discard(res)
	}
	dispatchErr := <-errChan

	if err != nil {
		return err
	}
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) {
		return dispatchErr
	}
	return nil
}

// dispatcherLoop sends tasks to workers in index order, taking one window
// slot per output position.
func (p *Pipeline) dispatcherLoop(ctx context.Context, r *run) error {
	defer close(r.workQueue)

	current := int64(-1)
	for _, task := range r.plan.Tasks {
		if task.Index != current {
			if err := r.window.Acquire(ctx, 1); err != nil {
				return err
			}
			current = task.Index
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.workQueue <- task:
			if m := metrics.Get(); m != nil {
				m.IncTasksDispatched(r.labels)
				m.SetWorkerQueueDepth(float64(len(r.workQueue)))
			}
		}
	}

	return nil
}

// workerLoop processes tasks until the queue closes or the run is cancelled.
func (p *Pipeline) workerLoop(ctx context.Context, r *run, workerID int) {
	defer r.wg.Done()

	log := logging.WorkerLogger(workerID)
	for task := range r.workQueue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := p.processTask(ctx, log, r.labels, task)
		select {
		case r.resultChan <- result:
		case <-ctx.Done():
			discard(result)
			return
		}
	}
}

// processTask runs one extraction. Failures are returned in the result, never
// retried.
func (p *Pipeline) processTask(ctx context.Context, log *slog.Logger, labels metrics.Labels, task timeline.Task) Result {
	log = log.With("index", task.Index, "camera", task.Camera)
	log.Debug("extracting", "file", task.SourceFile, "offset", task.Offset)

	m := metrics.Get()
	if m != nil {
		m.AddInFlightTasks(1)
		defer m.AddInFlightTasks(-1)
	}

	start := time.Now()
	out, err := p.extractor.Extract(ctx, task)
	elapsed := time.Since(start)

	if m != nil {
		m.ObserveExtractionDuration(labels, elapsed.Seconds())
	}

	if err != nil {
		var xe *errdefs.ExtractionError
		if !errors.As(err, &xe) {
			err = &errdefs.ExtractionError{
				Index:  task.Index,
				Camera: task.Camera,
				File:   task.SourceFile,
				Offset: task.Offset,
				Err:    err,
			}
		}
		if ctx.Err() == nil {
			log.Warn("extraction failed", "error", err)
			if m != nil {
				m.IncExtractionFailures(labels, errdefs.Reason(err))
			}
		}
		return Result{Task: task, Err: err, Elapsed: elapsed}
	}

	return Result{Task: task, Output: out, Elapsed: elapsed}
}

// sequencerLoop buffers results and emits complete units in index order.
func (p *Pipeline) sequencerLoop(ctx context.Context, r *run, sink Sink) error {
	total := r.plan.Len()

	// Expected camera count per index
	expect := make([]int, total)
	for _, t := range r.plan.Tasks {
		expect[t.Index]++
	}

	// Buffer for out-of-order results
	pending := make(map[int64]*Unit)
	defer func() {
		for _, u := range pending {
			for _, res := range u.Results {
				discard(res)
			}
		}
	}()
	var nextIndex int64
	startTime := time.Now()

	for nextIndex < total {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case result, ok := <-r.resultChan:
			if !ok {
				// Results closed early
				if err := ctx.Err(); err != nil {
					return err
				}
				return p.gapAt(r, pending, nextIndex)
			}

			u := pending[result.Task.Index]
			if u == nil {
				u = &Unit{Index: result.Task.Index, Instant: r.plan.Instants[result.Task.Index]}
				pending[result.Task.Index] = u
			}
			u.Results = append(u.Results, result)

			// Flush in-order as far as possible
			for nextIndex < total {
				u, ok := pending[nextIndex]
				if !ok || len(u.Results) < expect[nextIndex] {
					break
				}
				orderResults(u, r.plan.Cameras)

				if err := sink.Emit(ctx, *u); err != nil {
					return err
				}

				delete(pending, nextIndex)
				r.window.Release(1)
				nextIndex++

				if m := metrics.Get(); m != nil {
					m.IncUnitsEmitted(r.labels)
					m.SetSequencerPending(float64(len(pending)))
				}
				if p.progress != nil {
					p.progress(nextIndex, total)
				}
			}
		}
	}

	elapsed := time.Since(startTime)
	p.log.Info("sequencer finished",
		"emitted", total,
		"duration_ms", elapsed.Milliseconds(),
		"rate_per_sec", fmt.Sprintf("%.2f", float64(total)/elapsed.Seconds()),
	)
	return nil
}

// gapAt describes the position the sequencer was still waiting for.
func (p *Pipeline) gapAt(r *run, pending map[int64]*Unit, index int64) error {
	camera := ""
	have := make(map[string]bool)
	if u := pending[index]; u != nil {
		for _, res := range u.Results {
			have[res.Task.Camera] = true
		}
	}
	for _, t := range r.plan.Tasks {
		if t.Index == index && !have[t.Camera] {
			camera = t.Camera
			break
		}
	}
	return &errdefs.AssemblyGapError{
		Index:   index,
		Camera:  camera,
		Instant: r.plan.Instants[index],
		Err:     ErrResultsClosed,
	}
}

// orderResults sorts a unit's results into the plan's camera order.
func orderResults(u *Unit, cameras []string) {
	if len(u.Results) < 2 {
		return
	}
	ordered := make([]Result, 0, len(u.Results))
	for _, c := range cameras {
		for _, res := range u.Results {
			if res.Task.Camera == c {
				ordered = append(ordered, res)
			}
		}
	}
	u.Results = ordered
}

// discard releases what an unconsumed result owns.
func discard(r Result) {
	if r.Output.SegmentPath != "" {
		removeQuietly(r.Output.SegmentPath)
	}
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove segment", "path", path, "error", err)
	}
}

func modeLabel(m timeline.Mode) string {
	if m == timeline.ModeSegment {
		return "clip"
	}
	return "timelapse"
}
