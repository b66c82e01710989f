package availability

import (
	"testing"
	"time"
)

func TestSlots_MarksOverlapsUnavailable(t *testing.T) {
	// Monday template 09:00-17:00 with a confirmed appointment 10:00-11:00.
	// 60-minute requests must see 10:00 (and 10:30) unavailable while
	// 09:00 and 11:00 stay open.
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	windows := []Interval{
		{Start: day.Add(9 * time.Hour), End: day.Add(17 * time.Hour)},
	}
	busy := []Interval{
		{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)},
	}

	slots := Slots(windows, time.Hour, busy)
	if len(slots) == 0 {
		t.Fatal("expected slots")
	}

	byStart := map[string]bool{}
	for _, s := range slots {
		byStart[s.Start.Format("15:04")] = s.Available
	}

	for start, want := range map[string]bool{
		"09:00": true,
		"09:30": false, // 09:30-10:30 overlaps the booking
		"10:00": false,
		"10:30": false,
		"11:00": true,
	} {
		got, ok := byStart[start]
		if !ok {
			t.Fatalf("missing candidate slot %s", start)
		}
		if got != want {
			t.Errorf("slot %s: available=%v, want %v", start, got, want)
		}
	}

	// No available slot may overlap a busy interval.
	for _, s := range slots {
		if s.Available && overlapsAny(s.Start, s.Start.Add(time.Hour), busy) {
			t.Errorf("slot %s marked available but overlaps a booking", s.Start.Format("15:04"))
		}
	}
}

func TestSlots_FitsInsideWindow(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	windows := []Interval{
		{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)},
	}

	slots := Slots(windows, time.Hour, nil)
	if len(slots) != 1 {
		t.Fatalf("expected exactly one 60-minute candidate in a 1-hour window, got %d", len(slots))
	}
	if !slots[0].Start.Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected 09:00, got %s", slots[0].Start.Format("15:04"))
	}

	// A 90-minute request cannot fit at all.
	if got := Slots(windows, 90*time.Minute, nil); len(got) != 0 {
		t.Fatalf("expected no candidates for 90m in a 1-hour window, got %d", len(got))
	}
}

func TestSlots_MultipleWindows(t *testing.T) {
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	windows := []Interval{
		{Start: day.Add(9 * time.Hour), End: day.Add(11 * time.Hour)},
		{Start: day.Add(14 * time.Hour), End: day.Add(15 * time.Hour)},
	}

	slots := Slots(windows, 30*time.Minute, nil)
	// 09:00,09:30,10:00,10:30 then 14:00,14:30.
	if len(slots) != 6 {
		t.Fatalf("expected 6 candidates, got %d", len(slots))
	}
	if !slots[4].Start.Equal(day.Add(14 * time.Hour)) {
		t.Fatalf("expected fifth candidate at 14:00, got %s", slots[4].Start.Format("15:04"))
	}
}

func TestValidDuration(t *testing.T) {
	cases := map[int]bool{
		30:  true,
		60:  true,
		90:  true,
		0:   false,
		-30: false,
		45:  false,
	}
	for minutes, want := range cases {
		if got := ValidDuration(minutes); got != want {
			t.Errorf("ValidDuration(%d) = %v, want %v", minutes, got, want)
		}
	}
}
