package timeline

import (
	"fmt"

	"github.com/withObsrvr/frigate-reel/internal/recordings"
)

// ValidationResult contains the outcome of plan validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// ValidatePlan checks a plan before any task is dispatched:
// - output indices are dense from 0 and every index has a task
// - tasks are ordered by index and no camera repeats within an index
// - offsets stay inside one recording segment
// - task mode matches the plan mode and segments have a length
func ValidatePlan(p *Plan) ValidationResult {
	result := ValidationResult{Passed: true}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	if p == nil || p.Len() == 0 {
		fail("plan has no output positions")
		return result
	}

	perIndex := make([]int, p.Len())
	seen := make(map[int64]map[string]bool)
	prev := int64(-1)
	for i, t := range p.Tasks {
		if t.Index < 0 || t.Index >= p.Len() {
			fail("task %d has index %d outside 0..%d", i, t.Index, p.Len()-1)
			continue
		}
		if t.Index < prev {
			fail("task %d index %d follows index %d", i, t.Index, prev)
		}
		prev = t.Index

		if seen[t.Index] == nil {
			seen[t.Index] = make(map[string]bool)
		}
		if seen[t.Index][t.Camera] {
			fail("camera %q appears twice at index %d", t.Camera, t.Index)
		}
		seen[t.Index][t.Camera] = true
		perIndex[t.Index]++

		if t.Offset < 0 || t.Offset >= recordings.SegmentLength {
			fail("index %d camera %q offset %s outside segment", t.Index, t.Camera, t.Offset)
		}
		if t.Mode != p.Mode {
			fail("index %d camera %q has mode %s in a %s plan", t.Index, t.Camera, t.Mode, p.Mode)
		}
		if t.Mode == ModeSegment && t.Duration <= 0 {
			fail("index %d camera %q has empty segment", t.Index, t.Camera)
		}
	}

	for idx, n := range perIndex {
		switch {
		case n == 0:
			fail("index %d has no tasks", idx)
		case n < len(p.Cameras):
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("index %d has %d of %d cameras", idx, n, len(p.Cameras)))
		}
	}

	if len(p.Dropped) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d samples dropped for missing footage", len(p.Dropped)))
	}

	return result
}
