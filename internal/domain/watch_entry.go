package domain

import "time"

// WatchEntry is one persisted viewing interval tied to a session's tuning
// history. An entry is open while WatchEnd is the zero time and closed once
// an end timestamp has been written, either explicitly or by being superseded
// when the session tunes elsewhere.
type WatchEntry struct {
	ID          int64
	ChannelID   int64
	WatchStart  time.Time
	WatchEnd    time.Time
	Title       string
	Description string

	// Scheduled window of the program that was airing, if known.
	ProgramStart time.Time
	ProgramEnd   time.Time
}

// IsOpen reports whether the entry has not been closed yet.
func (e *WatchEntry) IsOpen() bool {
	return e.WatchEnd.IsZero()
}
