package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/assemble"
	"github.com/withObsrvr/frigate-reel/internal/calendar"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// stampLayout names outputs by the minute the range starts.
const stampLayout = "20060102_1504"

// outputKeys returns the store key of every output, keyed by camera or
// assemble.GridKey, and the key of the run manifest.
//
//	separate: {camera}_{YYYYMMDD_HHMM}.mp4 per camera
//	grid:     grid_{YYYYMMDD_HHMM}.mp4
//
// An explicit output replaces the derived name when the run yields exactly
// one video.
func (e *Engine) outputKeys(mode string, cameras []string, layout timeline.Layout, r timeline.TimeRange, output string) (map[string]string, string, error) {
	if len(cameras) == 0 {
		return nil, "", errdefs.Configf("cameras", "at least one camera is required")
	}
	if r.Start.IsZero() {
		return nil, "", errdefs.Configf("range", "start and end are required")
	}
	stamp := r.Start.In(e.loc.Zone()).Format(stampLayout)
	isGrid := layout == timeline.LayoutGrid

	keys := make(map[string]string, len(cameras))
	switch {
	case isGrid:
		keys[assemble.GridKey] = fmt.Sprintf("grid_%s.mp4", stamp)
	default:
		for _, c := range cameras {
			keys[c] = fmt.Sprintf("%s_%s.mp4", c, stamp)
		}
	}

	if output != "" {
		if len(keys) != 1 {
			return nil, "", errdefs.Configf("output", "an explicit output needs a single camera or the grid layout")
		}
		if !strings.HasSuffix(strings.ToLower(output), ".mp4") {
			output += ".mp4"
		}
		for k := range keys {
			keys[k] = output
		}
	}

	if len(keys) == 1 {
		for _, k := range keys {
			return keys, storage.ManifestKey(k), nil
		}
	}
	return keys, storage.ManifestKey(fmt.Sprintf("%s_%s", mode, stamp)), nil
}

// localPath is where an output is encoded before it is published.
func localPath(runDir, writerKey string) string {
	return filepath.Join(runDir, "out-"+writerKey+".mp4")
}

func skipInfo(days []time.Weekday, hours []calendar.HourRange) *storage.SkipInfo {
	if len(days) == 0 && len(hours) == 0 {
		return nil
	}
	info := &storage.SkipInfo{}
	for _, d := range days {
		info.Days = append(info.Days, strings.ToLower(d.String()[:3]))
	}
	for _, h := range hours {
		info.Hours = append(info.Hours, h.String())
	}
	return info
}
