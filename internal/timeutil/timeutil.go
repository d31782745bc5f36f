package timeutil

import (
	"time"
)

// Window is one tumbling-window interval: fixed size, non-overlapping,
// half-open [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Truncate floors ts to the start of its tumbling window. Windows are aligned
// to the Unix epoch, so the same (ts, duration) pair maps to the same boundary
// on every instance.
func Truncate(ts time.Time, duration time.Duration) time.Time {
	secs := int64(duration / time.Second)
	if secs <= 0 {
		secs = 1
	}
	start := (ts.Unix() / secs) * secs
	return time.Unix(start, 0).UTC()
}

// WindowFor returns the window containing ts.
func WindowFor(ts time.Time, duration time.Duration) Window {
	start := Truncate(ts, duration)
	return Window{Start: start, End: start.Add(duration)}
}

// ClosedWindow returns the most recently closed window as of now:
// End is now truncated to a boundary, Start one duration earlier.
func ClosedWindow(now time.Time, duration time.Duration) Window {
	end := Truncate(now, duration)
	return Window{Start: end.Add(-duration), End: end}
}

// Contains reports whether ts falls inside the half-open interval.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}
