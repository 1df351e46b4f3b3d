package dispatch

import (
	"fmt"
	"time"
)

// Window is the daily interval during which outbound calls are allowed,
// expressed in local business hours. EndHour is exclusive.
type Window struct {
	StartHour int
	EndHour   int
	Loc       *time.Location
}

func NewWindow(startHour, endHour int, loc *time.Location) (Window, error) {
	if startHour < 0 || startHour > 23 || endHour < 1 || endHour > 24 || startHour >= endHour {
		return Window{}, fmt.Errorf("dispatch: invalid calling window %d-%d", startHour, endHour)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Window{StartHour: startHour, EndHour: endHour, Loc: loc}, nil
}

// Open reports whether now falls inside the window.
func (w Window) Open(now time.Time) bool {
	h := now.In(w.Loc).Hour()
	return h >= w.StartHour && h < w.EndHour
}

// NextHour returns the top of the hour after now, in the window's location.
func (w Window) NextHour(now time.Time) time.Time {
	local := now.In(w.Loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, w.Loc).Add(time.Hour)
}
