// Package watcher renders the previous day's timelapse on a cron schedule.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/withObsrvr/frigate-reel/internal/calendar"
	"github.com/withObsrvr/frigate-reel/internal/checkpoint"
	"github.com/withObsrvr/frigate-reel/internal/config"
	"github.com/withObsrvr/frigate-reel/internal/engine"
	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// Runner renders a timelapse. *engine.Engine implements it.
type Runner interface {
	Timelapse(ctx context.Context, req engine.TimelapseRequest) (*engine.Result, error)
}

var _ Runner = (*engine.Engine)(nil)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Watcher fires the daily job.
type Watcher struct {
	spec    string
	name    string
	cameras []string
	layout  timeline.Layout
	missing timeline.MissingPolicy
	outDur  time.Duration
	fps     float64
	rule    calendar.Rule
	zone    *time.Location

	runner Runner
	cp     checkpoint.Manager
	now    func() time.Time
	log    *slog.Logger

	mu sync.Mutex
}

// New builds a watcher from the schedule section of cfg.
func New(cfg *config.Config, runner Runner, cp checkpoint.Manager) (*Watcher, error) {
	s := cfg.Schedule
	if len(s.Cameras) == 0 {
		return nil, errors.New("schedule.cameras is empty")
	}
	if _, err := parser.Parse(s.Cron); err != nil {
		return nil, fmt.Errorf("schedule.cron %q: %w", s.Cron, err)
	}
	zone, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rule, err := s.Rule()
	if err != nil {
		return nil, err
	}
	outDur, err := s.Duration()
	if err != nil {
		return nil, err
	}
	layout, err := timeline.ParseLayout(s.Layout)
	if err != nil {
		return nil, err
	}
	missing, err := timeline.ParseMissingPolicy(s.Missing)
	if err != nil {
		return nil, err
	}

	name := s.Name
	if name == "" {
		name = "daily"
	}
	return &Watcher{
		spec:    s.Cron,
		name:    name,
		cameras: s.Cameras,
		layout:  layout,
		missing: missing,
		outDur:  outDur,
		fps:     s.FPS,
		rule:    rule,
		zone:    zone,
		runner:  runner,
		cp:      cp,
		now:     time.Now,
		log:     logging.Component("watcher"),
	}, nil
}

// Run blocks until ctx is canceled, firing RunOnce on every tick of the
// schedule. A firing that overlaps a running one is skipped.
func (w *Watcher) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(w.zone),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{w.log})),
	)
	if _, err := c.AddFunc(w.spec, func() {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Error("scheduled run failed", "job", w.name, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}

	w.log.Info("scheduler started", "job", w.name, "cron", w.spec, "zone", w.zone.String(), "cameras", w.cameras)
	c.Start()

	<-ctx.Done()

	w.log.Info("scheduler stopping, waiting for running job")
	<-c.Stop().Done()
	return nil
}

// RunOnce renders the previous local day unless the checkpoint already
// covers it.
func (w *Watcher) RunOnce(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, day := w.previousDay()
	log := w.log.With("job", w.name, "day", day)

	cp, err := w.cp.Load(ctx, w.name)
	if err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Completed(day) {
		log.Info("day already rendered, skipping", "last_completed", cp.LastCompletedDay)
		return nil
	}

	log.Info("rendering day", "range", r.String())
	res, err := w.runner.Timelapse(ctx, engine.TimelapseRequest{
		TimelapseRequest: timeline.TimelapseRequest{
			Cameras:        w.cameras,
			Range:          r,
			OutputDuration: w.outDur,
			FPS:            w.fps,
			Rule:           w.rule,
			Layout:         w.layout,
			Missing:        w.missing,
		},
	})

	next := &checkpoint.Checkpoint{
		Job:              w.name,
		LastCompletedDay: day,
		UpdatedAt:        time.Now().UTC(),
	}
	switch {
	case errors.Is(err, storage.ErrExists):
		// A previous run published the day but never saved its checkpoint.
		log.Warn("outputs already published, marking day complete", "error", err)
	case err != nil:
		return err
	default:
		next.RunID = res.RunID
		next.Manifest = res.Manifest
	}

	if err := w.cp.Save(ctx, next); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// previousDay returns [yesterday 00:00, today 00:00) in the instance zone.
func (w *Watcher) previousDay() (timeline.TimeRange, string) {
	now := w.now().In(w.zone)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, w.zone)
	yesterday := today.AddDate(0, 0, -1)
	return timeline.TimeRange{Start: yesterday, End: today}, yesterday.Format(checkpoint.DayLayout)
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
