package warmup

import (
	"time"
)

// QuietWindow is a daily interval, in minutes from local midnight, during
// which no outbound actions are attempted. End < Start means the window
// spans midnight (23:00–07:00 covers 23:00→24:00 and 00:00→07:00).
type QuietWindow struct {
	StartMin int
	EndMin   int
}

// Contains reports whether the local time falls inside the window.
func (w QuietWindow) Contains(local time.Time) bool {
	if w.StartMin == w.EndMin {
		return false // zero-length window
	}
	m := local.Hour()*60 + local.Minute()
	if w.StartMin < w.EndMin {
		return m >= w.StartMin && m < w.EndMin
	}
	// Wrapping window.
	return m >= w.StartMin || m < w.EndMin
}

// UntilEnd returns how long from the local time until the window closes.
// Returns 0 when the time is outside the window.
func (w QuietWindow) UntilEnd(local time.Time) time.Duration {
	if !w.Contains(local) {
		return 0
	}
	m := local.Hour()*60 + local.Minute()
	endToday := time.Date(local.Year(), local.Month(), local.Day(), w.EndMin/60, w.EndMin%60, 0, 0, local.Location())
	if w.StartMin < w.EndMin || m < w.EndMin {
		return endToday.Sub(local)
	}
	// Wrapping window, currently in the pre-midnight part.
	return endToday.Add(24 * time.Hour).Sub(local)
}
