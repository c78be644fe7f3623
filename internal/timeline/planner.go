package timeline

import (
	"fmt"
	"math"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/calendar"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
)

// DefaultClipTick is the clip granularity when a request leaves Tick unset.
const DefaultClipTick = time.Second

// SampleCount returns round(d * fps).
func SampleCount(d time.Duration, fps float64) int64 {
	return int64(math.Round(d.Seconds() * fps))
}

// PlanTimelapse places N = OutputDuration*FPS samples evenly across the
// included part of the range, so excluded periods are skipped rather than
// shown as frozen frames. Samples without footage are dropped and the
// surviving positions renumbered densely.
func PlanTimelapse(loc Locator, req TimelapseRequest) (*Plan, error) {
	if err := validateCameras(req.Cameras); err != nil {
		return nil, err
	}
	if err := validateRange(req.Range); err != nil {
		return nil, err
	}
	if req.FPS <= 0 {
		return nil, errdefs.Configf("fps", "must be greater than 0, got %g", req.FPS)
	}
	if req.Layout == "" {
		req.Layout = LayoutSeparate
	}
	if req.Missing == "" {
		req.Missing = MissingPlaceholder
	}

	n := SampleCount(req.OutputDuration, req.FPS)
	if n <= 0 {
		return nil, errdefs.Configf("output_duration", "%s at %g fps yields no frames", req.OutputDuration, req.FPS)
	}

	zone := loc.Zone()
	intervals := req.Rule.Included(req.Range.Start.In(zone), req.Range.End.In(zone))
	var included time.Duration
	for _, iv := range intervals {
		included += iv.Duration()
	}
	if included <= 0 {
		return nil, errdefs.Configf("skip", "every instant in %s is excluded", req.Range)
	}

	plan := &Plan{
		Mode:      ModeFrame,
		Range:     req.Range,
		Cameras:   append([]string(nil), req.Cameras...),
		Layout:    req.Layout,
		Missing:   req.Missing,
		Requested: n,
		Included:  included,
	}

	var firstMiss error
	samples := SampleInstants(intervals, n)
	for k, at := range samples {
		var found []Task
		var missing []Drop
		for _, camera := range req.Cameras {
			l, err := loc.Locate(camera, at)
			if err != nil {
				if !errdefs.IsNotFound(err) {
					return nil, fmt.Errorf("locate sample %d: %w", k, err)
				}
				if firstMiss == nil {
					firstMiss = err
				}
				missing = append(missing, Drop{Sample: int64(k), Camera: camera, Instant: at, Reason: DropNotFound})
				continue
			}
			found = append(found, Task{
				Sample:     int64(k),
				Camera:     camera,
				SourceFile: l.Path,
				Offset:     l.Offset,
				Instant:    at,
				Mode:       ModeFrame,
			})
		}

		keep := len(found) > 0
		if req.Layout == LayoutGrid && req.Missing == MissingSkip && len(missing) > 0 {
			keep = false
		}

		index := int64(-1)
		if keep {
			index = plan.Len()
			plan.Instants = append(plan.Instants, at)
			for _, t := range found {
				t.Index = index
				plan.Tasks = append(plan.Tasks, t)
			}
		} else {
			for _, t := range found {
				missing = append(missing, Drop{Sample: int64(k), Camera: t.Camera, Instant: at, Reason: DropMissingCamera})
			}
		}
		for _, d := range missing {
			d.Index = index
			plan.Dropped = append(plan.Dropped, d)
		}
	}

	if plan.Len() == 0 {
		return nil, fmt.Errorf("no footage for any of %d samples in %s: %w", n, req.Range, firstMiss)
	}
	return plan, nil
}

// SampleInstants returns n instants evenly spaced by cumulative included
// time: sample k sits k*E/n into the included timeline, where E is the sum
// of the interval lengths.
func SampleInstants(intervals []calendar.Interval, n int64) []time.Time {
	var total time.Duration
	for _, iv := range intervals {
		total += iv.Duration()
	}
	if n <= 0 || total <= 0 {
		return nil
	}

	// k*E/n split as q*k + r*k/n keeps the arithmetic exact without
	// overflowing for long ranges.
	q, r := int64(total)/n, int64(total)%n

	out := make([]time.Time, 0, n)
	idx := 0
	var cum time.Duration
	for k := int64(0); k < n; k++ {
		off := time.Duration(q*k + r*k/n)
		for off >= cum+intervals[idx].Duration() {
			cum += intervals[idx].Duration()
			idx++
		}
		out = append(out, intervals[idx].Start.Add(off-cum))
	}
	return out
}

// PlanClip emits one segment task per tick across the range for every
// camera. Calendar exclusion does not apply. A tick without footage is
// fatal: the run must reproduce the window exactly.
func PlanClip(loc Locator, req ClipRequest) (*Plan, error) {
	if err := validateCameras(req.Cameras); err != nil {
		return nil, err
	}
	if err := validateRange(req.Range); err != nil {
		return nil, err
	}
	tick := req.Tick
	if tick == 0 {
		tick = DefaultClipTick
	}
	if tick < 0 {
		return nil, errdefs.Configf("tick", "must be positive, got %s", tick)
	}
	if req.Layout == "" {
		req.Layout = LayoutSeparate
	}

	plan := &Plan{
		Mode:     ModeSegment,
		Range:    req.Range,
		Cameras:  append([]string(nil), req.Cameras...),
		Layout:   req.Layout,
		Missing:  MissingSkip,
		Included: req.Range.Duration(),
	}

	for at := req.Range.Start; at.Before(req.Range.End); {
		index := plan.Len()
		dur := tick
		if rest := req.Range.End.Sub(at); rest < dur {
			dur = rest
		}

		var tasks []Task
		for _, camera := range req.Cameras {
			l, err := loc.Locate(camera, at)
			if err != nil {
				if errdefs.IsNotFound(err) {
					return nil, &errdefs.AssemblyGapError{Index: index, Camera: camera, Instant: at, Err: err}
				}
				return nil, fmt.Errorf("locate tick %d: %w", index, err)
			}
			// A segment never crosses into the next file.
			if avail := l.End.Sub(at); avail > 0 && avail < dur {
				dur = avail
			}
			tasks = append(tasks, Task{
				Index:      index,
				Sample:     index,
				Camera:     camera,
				SourceFile: l.Path,
				Offset:     l.Offset,
				Instant:    at,
				Mode:       ModeSegment,
			})
		}

		for _, t := range tasks {
			t.Duration = dur
			plan.Tasks = append(plan.Tasks, t)
		}
		plan.Instants = append(plan.Instants, at)
		at = at.Add(dur)
	}

	plan.Requested = plan.Len()
	return plan, nil
}
