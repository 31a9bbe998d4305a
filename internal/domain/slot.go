package domain

import (
	"iter"
	"time"
)

// Slot is a fixed-duration candidate booking interval.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Interval is a half-open [Start, End) span of already-claimed time.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Overlaps(start, end time.Time) bool {
	return iv.Start.Before(end) && start.Before(iv.End)
}

// BusyIntervals extracts the intervals of appointments that still block
// their slot (everything outside canceled/rescheduled).
func BusyIntervals(appts []Appointment) []Interval {
	out := make([]Interval, 0, len(appts))
	for i := range appts {
		if !appts[i].Status.BlocksSlot() {
			continue
		}
		out = append(out, Interval{Start: appts[i].ScheduledAt, End: appts[i].EndTime()})
	}
	return out
}

// GenerateSlots yields the bookable slots for the given windows in
// chronological order. Each window is stepped by its own slot duration,
// the trailing partial slot is dropped, and slots overlapping a busy
// interval or a previously yielded slot are skipped. The sequence is lazy
// and restartable.
func GenerateSlots(windows []Window, busy []Interval) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		var lastEnd time.Time
		for _, w := range windows {
			if w.SlotMinutes <= 0 {
				continue
			}
			step := time.Duration(w.SlotMinutes) * time.Minute
			for start := w.Start; !start.Add(step).After(w.End); start = start.Add(step) {
				end := start.Add(step)
				if !lastEnd.IsZero() && start.Before(lastEnd) {
					continue
				}
				if overlapsAny(busy, start, end) {
					continue
				}
				if !yield(Slot{Start: start, End: end}) {
					return
				}
				lastEnd = end
			}
		}
	}
}

// CollectSlots drains the slot sequence into a slice.
func CollectSlots(windows []Window, busy []Interval) []Slot {
	var out []Slot
	for s := range GenerateSlots(windows, busy) {
		out = append(out, s)
	}
	return out
}

func overlapsAny(busy []Interval, start, end time.Time) bool {
	for _, iv := range busy {
		if iv.Overlaps(start, end) {
			return true
		}
	}
	return false
}
