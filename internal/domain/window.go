package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Window is a contiguous open interval on a doctor's calendar. SlotMinutes
// carries the slot duration of the template (or exception) that produced it.
type Window struct {
	Start       time.Time
	End         time.Time
	SlotMinutes int
}

func (w Window) Contains(start, end time.Time) bool {
	return !start.Before(w.Start) && !end.After(w.End)
}

// ResolveDayWindows computes the ordered, non-overlapping open windows for
// one doctor on one calendar date.
//
// An exception for the date takes precedence: a blocked date yields no
// windows, an hour override replaces every template window and template
// breaks are not applied. Otherwise each applicable template contributes
// its window minus its breaks, and the results are sorted and merged.
func ResolveDayWindows(
	date time.Time,
	loc *time.Location,
	exception *AvailabilityException,
	templates []AvailabilityTemplate,
	breaks map[uuid.UUID][]TemplateBreak,
	defaultSlotMinutes int,
) []Window {
	if loc == nil {
		loc = time.UTC
	}

	if exception != nil {
		if exception.Blocked {
			return nil
		}
		if exception.HasOverride() {
			start := exception.StartMinute.At(date, loc)
			end := exception.EndMinute.At(date, loc)
			if !start.Before(end) {
				return nil
			}
			slotMinutes := defaultSlotMinutes
			if exception.SlotMinutes != nil && *exception.SlotMinutes > 0 {
				slotMinutes = *exception.SlotMinutes
			}
			return []Window{{Start: start, End: end, SlotMinutes: slotMinutes}}
		}
		// Exception row with neither block nor override: ignore it.
	}

	var out []Window
	for i := range templates {
		t := &templates[i]
		if !t.AppliesOn(date) {
			continue
		}
		start := t.StartMinute.At(date, loc)
		end := t.EndMinute.At(date, loc)
		if !start.Before(end) {
			continue
		}
		out = append(out, subtractBreaks(Window{Start: start, End: end, SlotMinutes: t.SlotMinutes}, breaks[t.ID], date, loc)...)
	}

	return mergeWindows(out)
}

// subtractBreaks removes each break from the window, splitting it as
// needed. Breaks reaching outside the window are clipped rather than
// rejected so a constraint violation in stored data cannot crash the
// resolver.
func subtractBreaks(w Window, brs []TemplateBreak, date time.Time, loc *time.Location) []Window {
	open := []Window{w}
	for i := range brs {
		brStart := brs[i].StartMinute.At(date, loc)
		brEnd := brs[i].EndMinute.At(date, loc)
		if !brStart.Before(brEnd) {
			continue
		}

		var next []Window
		for _, o := range open {
			start, end := brStart, brEnd
			if start.Before(o.Start) {
				start = o.Start
			}
			if end.After(o.End) {
				end = o.End
			}
			if !start.Before(end) {
				next = append(next, o)
				continue
			}
			if o.Start.Before(start) {
				next = append(next, Window{Start: o.Start, End: start, SlotMinutes: o.SlotMinutes})
			}
			if end.Before(o.End) {
				next = append(next, Window{Start: end, End: o.End, SlotMinutes: o.SlotMinutes})
			}
		}
		open = next
	}
	return open
}

// mergeWindows sorts windows chronologically and coalesces overlapping or
// touching windows that share a slot duration. Overlapping windows with
// different durations are kept distinct; the slot generator suppresses any
// resulting overlap between generated slots.
func mergeWindows(windows []Window) []Window {
	if len(windows) == 0 {
		return nil
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Start.Equal(windows[j].Start) {
			return windows[i].End.Before(windows[j].End)
		}
		return windows[i].Start.Before(windows[j].Start)
	})

	out := windows[:1]
	for _, w := range windows[1:] {
		last := &out[len(out)-1]
		if w.SlotMinutes == last.SlotMinutes && !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}
