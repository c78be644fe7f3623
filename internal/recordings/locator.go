// Package recordings maps cameras and instants onto the Frigate recordings
// tree: {root}/recordings/{YYYY-MM-DD}/{HH}/{camera}/{MM}.{SS}.mp4.
package recordings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
)

// SegmentLength is the maximum span of footage a single file holds.
const SegmentLength = 60 * time.Second

const (
	dateLayout = "2006-01-02"
	hourLayout = "15"
)

// Location identifies the file covering an instant and the offset into it.
// End is where the file's footage stops: the next file's start or one
// segment length after FileStart, whichever comes first.
type Location struct {
	Camera    string
	Path      string
	FileStart time.Time
	Offset    time.Duration
	End       time.Time
}

// Instant returns the recording instant the location points at.
func (l Location) Instant() time.Time {
	return l.FileStart.Add(l.Offset)
}

// Locator resolves (camera, instant) pairs against one instance root. All
// calendar fields are computed in a single fixed zone.
type Locator struct {
	root string
	loc  *time.Location

	mu       sync.Mutex
	listings map[string][]int // hour dir -> sorted second-of-hour starts
}

// New creates a locator for the instance at root. A nil zone means the
// host's Local zone, which is what Frigate writes directories in.
func New(root string, loc *time.Location) *Locator {
	if loc == nil {
		loc = time.Local
	}
	return &Locator{
		root:     root,
		loc:      loc,
		listings: make(map[string][]int),
	}
}

// Root returns the instance root.
func (l *Locator) Root() string { return l.root }

// Zone returns the zone used for directory names.
func (l *Locator) Zone() *time.Location { return l.loc }

// HourDir returns the directory holding camera's files for the hour of t.
func (l *Locator) HourDir(camera string, t time.Time) string {
	t = t.In(l.loc)
	return filepath.Join(l.root, "recordings", t.Format(dateLayout), t.Format(hourLayout), camera)
}

// Path returns the file name a segment starting at start would have.
func (l *Locator) Path(camera string, start time.Time) string {
	start = start.In(l.loc)
	return filepath.Join(l.HourDir(camera, start), fmt.Sprintf("%02d.%02d.mp4", start.Minute(), start.Second()))
}

// Locate finds the segment covering t for camera. The segment is the file
// with the latest start not after t, searched in t's hour directory and then
// the previous hour's for files that straddle the hour. File names carry
// whole seconds, but Offset keeps t's full precision. It returns a
// NotFoundError when no file covers t.
func (l *Locator) Locate(camera string, t time.Time) (Location, error) {
	t = t.In(l.loc)
	hour := hourStart(t)

	var next time.Time
	for _, h := range []time.Time{hour, hour.Add(-time.Hour)} {
		dir := l.HourDir(camera, h)
		starts, err := l.listing(dir)
		if err != nil {
			return Location{}, fmt.Errorf("list %s: %w", dir, err)
		}

		limit := int(t.Sub(h) / time.Second)
		i := sort.SearchInts(starts, limit+1) - 1
		if next.IsZero() && i+1 < len(starts) {
			next = h.Add(time.Duration(starts[i+1]) * time.Second)
		}
		if i < 0 {
			continue
		}
		fileStart := h.Add(time.Duration(starts[i]) * time.Second)
		offset := t.Sub(fileStart)
		if offset >= SegmentLength {
			break
		}

		end := fileStart.Add(SegmentLength)
		if !next.IsZero() && next.Before(end) {
			end = next
		}
		return Location{
			Camera:    camera,
			Path:      l.Path(camera, fileStart),
			FileStart: fileStart,
			Offset:    offset,
			End:       end,
		}, nil
	}

	return Location{}, &errdefs.NotFoundError{Camera: camera, Instant: t, Dir: l.HourDir(camera, t)}
}

// listing returns the sorted second-of-hour starts of the segment files in
// dir. Missing directories are cached as empty.
func (l *Locator) listing(dir string) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if starts, ok := l.listings[dir]; ok {
		return starts, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	starts := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		mm, ss, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		starts = append(starts, mm*60+ss)
	}
	sort.Ints(starts)
	l.listings[dir] = starts
	return starts, nil
}

// ParsePath recovers the camera and start instant of a segment path under
// the locator root. It is the inverse of Path.
func (l *Locator) ParsePath(path string) (string, time.Time, error) {
	rel, err := filepath.Rel(filepath.Join(l.root, "recordings"), path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("path %s outside instance: %w", path, err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return "", time.Time{}, fmt.Errorf("path %s does not match date/hour/camera/file layout", path)
	}

	day, err := time.ParseInLocation(dateLayout, parts[0], l.loc)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("path %s: bad date: %w", path, err)
	}
	hour, err := strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return "", time.Time{}, fmt.Errorf("path %s: bad hour %q", path, parts[1])
	}
	mm, ss, ok := parseSegmentName(parts[3])
	if !ok {
		return "", time.Time{}, fmt.Errorf("path %s: bad segment name %q", path, parts[3])
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), hour, mm, ss, 0, l.loc)
	return parts[2], start, nil
}

// parseSegmentName parses "MM.SS.mp4".
func parseSegmentName(name string) (int, int, bool) {
	base, ok := strings.CutSuffix(name, ".mp4")
	if !ok {
		return 0, 0, false
	}
	ms, ss, ok := strings.Cut(base, ".")
	if !ok || len(ms) != 2 || len(ss) != 2 {
		return 0, 0, false
	}
	minute, err := strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	second, err := strconv.Atoi(ss)
	if err != nil || second < 0 || second > 59 {
		return 0, 0, false
	}
	return minute, second, true
}

func hourStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}
