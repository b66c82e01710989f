package availability

import "time"

// GranularityMinutes is the booking granularity: slots start on 30-minute
// boundaries and durations must be positive multiples of it.
const GranularityMinutes = 30

const Step = GranularityMinutes * time.Minute

type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is one candidate start time within a template window.
type Slot struct {
	Start     time.Time
	Available bool
}

// ValidDuration reports whether minutes is a positive multiple of the
// booking granularity.
func ValidDuration(minutes int) bool {
	return minutes > 0 && minutes%GranularityMinutes == 0
}

// Slots generates candidate start times at 30-minute steps across each
// template window and marks each candidate available iff a booking of
// length duration fits entirely inside the window and does not overlap any
// busy interval. Stateless: callers recompute on every request and the
// orchestrator re-validates at write time.
//
// All times are expected to be in the same location (timezone).
func Slots(windows []Interval, duration time.Duration, busy []Interval) []Slot {
	if duration <= 0 {
		return nil
	}

	var slots []Slot
	for _, win := range windows {
		if !win.End.After(win.Start) {
			continue
		}
		for t := win.Start; !t.After(win.End.Add(-duration)); t = t.Add(Step) {
			slots = append(slots, Slot{
				Start:     t,
				Available: !overlapsAny(t, t.Add(duration), busy),
			})
		}
	}
	return slots
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
