// Package timeline turns a requested time range into an ordered list of
// extraction tasks against the recordings layout.
package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/calendar"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/recordings"
)

// Mode selects what a task extracts.
type Mode int

const (
	ModeFrame   Mode = iota // one still frame
	ModeSegment             // a sub-clip of Duration
)

func (m Mode) String() string {
	if m == ModeSegment {
		return "segment"
	}
	return "frame"
}

// Layout selects how multi-camera runs are written.
type Layout string

const (
	LayoutSeparate Layout = "separate"
	LayoutGrid     Layout = "grid"
)

// MissingPolicy decides what a grid does when a camera has no footage at an
// output position.
type MissingPolicy string

const (
	MissingPlaceholder MissingPolicy = "placeholder"
	MissingSkip        MissingPolicy = "skip"
)

// ParseLayout validates a layout name. Empty means separate.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", LayoutSeparate:
		return LayoutSeparate, nil
	case LayoutGrid:
		return LayoutGrid, nil
	}
	return "", errdefs.Configf("layout", "unknown layout %q (want separate or grid)", s)
}

// ParseMissingPolicy validates a policy name. Empty means placeholder.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(s) {
	case "", MissingPlaceholder:
		return MissingPlaceholder, nil
	case MissingSkip:
		return MissingSkip, nil
	}
	return "", errdefs.Configf("missing", "unknown policy %q (want placeholder or skip)", s)
}

// TimeRange is a half-open [Start, End) span.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange returns a range, rejecting start >= end.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if !start.Before(end) {
		return TimeRange{}, errdefs.Configf("range", "start %s must be before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeRange{Start: start, End: end}, nil
}

// RangeFromDuration derives the end of a range from a positive duration.
func RangeFromDuration(start time.Time, d time.Duration) (TimeRange, error) {
	if d <= 0 {
		return TimeRange{}, errdefs.Configf("duration", "must be greater than 0, got %s", d)
	}
	return NewTimeRange(start, start.Add(d))
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Task is one extraction job. Index is the task's position in the output;
// cameras at the same position share an Index.
type Task struct {
	Index      int64
	Sample     int64 // position before drops were renumbered
	Camera     string
	SourceFile string
	Offset     time.Duration
	Instant    time.Time
	Mode       Mode
	Duration   time.Duration // segment length, zero for frames
}

// Drop reasons.
const (
	DropNotFound         = "not_found"
	DropExtractionFailed = "extraction_failed"
	DropMissingCamera    = "skipped_with_missing_camera"
)

// Drop records a sample that will not appear in the output, or a camera
// that will be shown as a placeholder. Index is -1 when the whole output
// position was removed.
type Drop struct {
	Sample  int64     `json:"sample"`
	Index   int64     `json:"index"`
	Camera  string    `json:"camera"`
	Instant time.Time `json:"instant"`
	Reason  string    `json:"reason"`
}

// Locator resolves a camera and instant to a recording file.
type Locator interface {
	Locate(camera string, t time.Time) (recordings.Location, error)
	Zone() *time.Location
}

// Plan is the ordered output of the planner.
type Plan struct {
	Mode      Mode
	Range     TimeRange
	Cameras   []string
	Layout    Layout
	Missing   MissingPolicy
	Requested int64         // samples asked for, before drops
	Included  time.Duration // time left after calendar exclusion
	Instants  []time.Time   // source instant per output index
	Tasks     []Task        // sorted by Index, then camera order
	Dropped   []Drop
}

// Len returns the number of output positions.
func (p *Plan) Len() int64 {
	return int64(len(p.Instants))
}

// Files returns the distinct source files the plan touches, sorted.
func (p *Plan) Files() []string {
	seen := make(map[string]bool, len(p.Tasks))
	var files []string
	for _, t := range p.Tasks {
		if !seen[t.SourceFile] {
			seen[t.SourceFile] = true
			files = append(files, t.SourceFile)
		}
	}
	sort.Strings(files)
	return files
}

// TasksFor returns the tasks of one camera in index order.
func (p *Plan) TasksFor(camera string) []Task {
	var out []Task
	for _, t := range p.Tasks {
		if t.Camera == camera {
			out = append(out, t)
		}
	}
	return out
}

// TimelapseRequest asks for OutputDuration*FPS evenly spaced samples.
type TimelapseRequest struct {
	Cameras        []string
	Range          TimeRange
	OutputDuration time.Duration
	FPS            float64
	Rule           calendar.Rule
	Layout         Layout
	Missing        MissingPolicy
}

// ClipRequest asks for every Tick of footage across Range.
type ClipRequest struct {
	Cameras []string
	Range   TimeRange
	Tick    time.Duration
	Layout  Layout
}

func validateCameras(cameras []string) error {
	if len(cameras) == 0 {
		return errdefs.Configf("cameras", "at least one camera is required")
	}
	seen := make(map[string]bool, len(cameras))
	for _, c := range cameras {
		if c == "" {
			return errdefs.Configf("cameras", "camera name must not be empty")
		}
		if seen[c] {
			return errdefs.Configf("cameras", "camera %q listed twice", c)
		}
		seen[c] = true
	}
	return nil
}

func validateRange(r TimeRange) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return errdefs.Configf("range", "start and end are required")
	}
	if !r.Start.Before(r.End) {
		return errdefs.Configf("range", "start %s must be before end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}
