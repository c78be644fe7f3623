package timeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
)

var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDuration parses durations written as "90s", "5m" or "1h30m15s".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	m := durationPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, errdefs.Configf("duration", "invalid duration %q, use a form like 5m, 1h, 90s, 1h30m", s)
	}

	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, errdefs.Configf("duration", "invalid duration %q: %v", s, err)
		}
		total += time.Duration(v) * unit
	}
	if total <= 0 {
		return 0, errdefs.Configf("duration", "duration must be greater than 0")
	}
	return total, nil
}

var instantLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseInstant parses a wall-clock time in zone. RFC 3339 strings with an
// explicit offset are also accepted.
func ParseInstant(s string, zone *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(zone), nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, s, zone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errdefs.Configf("time", "cannot parse %q, use 2006-01-02T15:04 or 2006-01-02 15:04", s)
}
