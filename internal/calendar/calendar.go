// Package calendar decides which instants a timelapse must leave out.
package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/errdefs"
)

// HourRange is a half-open range of hours of the day. A range whose Start is
// after its End wraps through midnight, so 16-8 covers 16:00-07:59.
type HourRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains returns true if hour falls inside the range.
func (r HourRange) Contains(hour int) bool {
	if r.Start <= r.End {
		return hour >= r.Start && hour < r.End
	}
	return hour >= r.Start || hour < r.End
}

func (r HourRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Rule is an immutable set of exclusions. The zero Rule excludes nothing.
type Rule struct {
	skipDays  map[time.Weekday]bool
	skipHours []HourRange
}

// NewRule builds a rule. Hour ranges must already be validated.
func NewRule(days []time.Weekday, hours []HourRange) Rule {
	r := Rule{skipDays: make(map[time.Weekday]bool, len(days))}
	for _, d := range days {
		r.skipDays[d] = true
	}
	r.skipHours = append([]HourRange(nil), hours...)
	return r
}

// Empty reports whether the rule excludes nothing.
func (r Rule) Empty() bool {
	return len(r.skipDays) == 0 && len(r.skipHours) == 0
}

// IsExcluded reports whether t falls on a skipped weekday or inside any
// skipped hour range. It is evaluated in t's own location.
func (r Rule) IsExcluded(t time.Time) bool {
	if r.skipDays[t.Weekday()] {
		return true
	}
	hour := t.Hour()
	for _, hr := range r.skipHours {
		if hr.Contains(hour) {
			return true
		}
	}
	return false
}

// SkipDays returns the skipped weekdays in calendar order.
func (r Rule) SkipDays() []time.Weekday {
	days := make([]time.Weekday, 0, len(r.skipDays))
	for d := range r.skipDays {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days
}

// SkipHours returns a copy of the skipped hour ranges.
func (r Rule) SkipHours() []HourRange {
	return append([]HourRange(nil), r.skipHours...)
}

// Interval is a half-open span of included time.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the interval.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Included returns the sorted, merged sub-intervals of [start, end) that the
// rule does not exclude. Exclusion only changes at wall-clock hour
// boundaries, so the range is walked hour by hour in start's location.
func (r Rule) Included(start, end time.Time) []Interval {
	if !start.Before(end) {
		return nil
	}
	if r.Empty() {
		return []Interval{{Start: start, End: end}}
	}

	var out []Interval
	for cur := start; cur.Before(end); {
		next := nextHour(cur)
		if next.After(end) {
			next = end
		}
		if !r.IsExcluded(cur) {
			if n := len(out); n > 0 && out[n-1].End.Equal(cur) {
				out[n-1].End = next
			} else {
				out = append(out, Interval{Start: cur, End: next})
			}
		}
		cur = next
	}
	return out
}

// nextHour returns the next wall-clock hour boundary after t.
func nextHour(t time.Time) time.Time {
	y, m, d := t.Date()
	n := time.Date(y, m, d, t.Hour()+1, 0, 0, 0, t.Location())
	if !n.After(t) {
		n = t.Add(time.Hour)
	}
	return n
}

var dayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseSkipDays parses a comma separated list such as "sat,sun".
func ParseSkipDays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range splitList(s) {
		d, ok := dayNames[strings.ToLower(part)]
		if !ok {
			return nil, errdefs.Configf("skip_days", "unknown day %q", part)
		}
		days = append(days, d)
	}
	return days, nil
}

// ParseSkipHours parses a comma separated list of hour ranges such as
// "16-8,12-13". Hours must be within 0..23.
func ParseSkipHours(s string) ([]HourRange, error) {
	var ranges []HourRange
	for _, part := range splitList(s) {
		a, b, ok := strings.Cut(part, "-")
		if !ok {
			return nil, errdefs.Configf("skip_hours", "range %q must look like start-end", part)
		}
		start, err := parseHour(a)
		if err != nil {
			return nil, errdefs.Configf("skip_hours", "range %q: %v", part, err)
		}
		end, err := parseHour(b)
		if err != nil {
			return nil, errdefs.Configf("skip_hours", "range %q: %v", part, err)
		}
		ranges = append(ranges, HourRange{Start: start, End: end})
	}
	return ranges, nil
}

// ParseRule combines ParseSkipDays and ParseSkipHours.
func ParseRule(skipDays, skipHours string) (Rule, error) {
	days, err := ParseSkipDays(skipDays)
	if err != nil {
		return Rule{}, err
	}
	hours, err := ParseSkipHours(skipHours)
	if err != nil {
		return Rule{}, err
	}
	return NewRule(days, hours), nil
}

func parseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("hour %q is not a number", s)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %d out of range 0-23", h)
	}
	return h, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
