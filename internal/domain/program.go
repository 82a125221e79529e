package domain

import "time"

// Program is one scheduled guide entry on a channel.
type Program struct {
	ID          int64
	ChannelID   int64
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
}

// Contains reports whether t falls inside the program's scheduled window.
// The window is half-open: [StartTime, EndTime).
func (p *Program) Contains(t time.Time) bool {
	return !p.StartTime.After(t) && p.EndTime.After(t)
}
