package scheduler

import "time"

// BusinessHours is a daily local-time window [StartHour, EndHour)
type BusinessHours struct {
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window in t's location
func (b BusinessHours) Contains(t time.Time) bool {
	h := t.Hour()
	return h >= b.StartHour && h < b.EndHour
}

// NextOpen returns the next window start at or after t, in t's location.
// Callers check Contains first.
func (b BusinessHours) NextOpen(t time.Time) time.Time {
	open := time.Date(t.Year(), t.Month(), t.Day(), b.StartHour, 0, 0, 0, t.Location())
	if !t.Before(open) {
		open = time.Date(t.Year(), t.Month(), t.Day()+1, b.StartHour, 0, 0, 0, t.Location())
	}
	return open
}
