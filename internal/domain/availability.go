package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MinuteOfDay is a local clock time expressed as minutes since midnight,
// interpreted in the doctor's configured timezone when composed with a date.
type MinuteOfDay int16

const minutesPerDay = 24 * 60

func (m MinuteOfDay) Valid() bool {
	return m >= 0 && m <= minutesPerDay
}

func (m MinuteOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// ParseMinuteOfDay parses a "HH:MM" clock value. "24:00" is accepted as an
// exclusive end-of-day bound.
func ParseMinuteOfDay(s string) (MinuteOfDay, error) {
	var h, min int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &min); err != nil {
		return 0, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	if h < 0 || h > 24 || min < 0 || min > 59 || (h == 24 && min != 0) {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return MinuteOfDay(h*60 + min), nil
}

// At composes this clock value with a calendar date in the given location
// and returns the resulting UTC instant.
func (m MinuteOfDay) At(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), int(m)/60, int(m)%60, 0, 0, loc).UTC()
}

type Doctor struct {
	bun.BaseModel `bun:"table:doctors"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Name      string    `bun:"name,notnull"`
	Specialty *string   `bun:"specialty"`
	Timezone  string    `bun:"timezone,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Location resolves the doctor's IANA timezone, falling back to UTC when
// unset so availability resolution never fails on a missing setting.
func (d *Doctor) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (d *Doctor) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	return touchTimestamps(query, &d.ID, &d.CreatedAt, &d.UpdatedAt)
}

type Patient struct {
	bun.BaseModel `bun:"table:patients"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Name      string    `bun:"name,notnull"`
	Email     *string   `bun:"email"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (p *Patient) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	return touchTimestamps(query, &p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// AvailabilityTemplate is a recurring weekly open window. Templates are
// soft-disabled via Active rather than deleted so historical appointments
// keep a stable reference.
type AvailabilityTemplate struct {
	bun.BaseModel `bun:"table:availability_templates"`

	ID            uuid.UUID    `bun:"id,pk,type:uuid"`
	DoctorID      uuid.UUID    `bun:"doctor_id,notnull,type:uuid"`
	Weekday       time.Weekday `bun:"weekday,notnull"`
	StartMinute   MinuteOfDay  `bun:"start_minute,notnull"`
	EndMinute     MinuteOfDay  `bun:"end_minute,notnull"`
	SlotMinutes   int          `bun:"slot_minutes,notnull"`
	Active        bool         `bun:"active,notnull"`
	EffectiveFrom *time.Time   `bun:"effective_from"`
	EffectiveTo   *time.Time   `bun:"effective_to"`
	CreatedAt     time.Time    `bun:"created_at,notnull"`
	UpdatedAt     time.Time    `bun:"updated_at,notnull"`
}

// AppliesOn reports whether this template produces a window on the given
// calendar date (weekday, active flag and effective range all match).
func (t *AvailabilityTemplate) AppliesOn(date time.Time) bool {
	if !t.Active || t.Weekday != date.Weekday() {
		return false
	}
	day := dateOnly(date)
	if t.EffectiveFrom != nil && day.Before(dateOnly(*t.EffectiveFrom)) {
		return false
	}
	if t.EffectiveTo != nil && day.After(dateOnly(*t.EffectiveTo)) {
		return false
	}
	return true
}

func (t *AvailabilityTemplate) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	return touchTimestamps(query, &t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// TemplateBreak is a recurring pause nested inside its template's window.
type TemplateBreak struct {
	bun.BaseModel `bun:"table:template_breaks"`

	ID          uuid.UUID   `bun:"id,pk,type:uuid"`
	TemplateID  uuid.UUID   `bun:"template_id,notnull,type:uuid"`
	StartMinute MinuteOfDay `bun:"start_minute,notnull"`
	EndMinute   MinuteOfDay `bun:"end_minute,notnull"`
	CreatedAt   time.Time   `bun:"created_at,notnull"`
	UpdatedAt   time.Time   `bun:"updated_at,notnull"`
}

func (b *TemplateBreak) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	return touchTimestamps(query, &b.ID, &b.CreatedAt, &b.UpdatedAt)
}

// AvailabilityException overrides the weekly templates for one calendar
// date: either the whole date is blocked, or the override window replaces
// every template window (template breaks do not apply). At most one
// exception exists per (doctor, date).
type AvailabilityException struct {
	bun.BaseModel `bun:"table:availability_exceptions"`

	ID          uuid.UUID    `bun:"id,pk,type:uuid"`
	DoctorID    uuid.UUID    `bun:"doctor_id,notnull,type:uuid"`
	Date        time.Time    `bun:"date,notnull"`
	Blocked     bool         `bun:"blocked,notnull"`
	StartMinute *MinuteOfDay `bun:"start_minute"`
	EndMinute   *MinuteOfDay `bun:"end_minute"`
	SlotMinutes *int         `bun:"slot_minutes"`
	Reason      string       `bun:"reason"`
	CreatedAt   time.Time    `bun:"created_at,notnull"`
	UpdatedAt   time.Time    `bun:"updated_at,notnull"`
}

// HasOverride reports whether this exception replaces the day's template
// windows with its own hours. Both minutes must be set; a half-set pair is
// treated as no override so the day falls back to templates.
func (e *AvailabilityException) HasOverride() bool {
	return !e.Blocked && e.StartMinute != nil && e.EndMinute != nil
}

func (e *AvailabilityException) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	return touchTimestamps(query, &e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func touchTimestamps(query bun.Query, id *uuid.UUID, createdAt, updatedAt *time.Time) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if *id == uuid.Nil {
			v7, err := uuid.NewV7()
			if err != nil {
				return err
			}
			*id = v7
		}
		if createdAt.IsZero() {
			*createdAt = now
		}
		if updatedAt.IsZero() {
			*updatedAt = now
		}
	case *bun.UpdateQuery:
		*updatedAt = now
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateOnly normalizes a timestamp to its calendar date at UTC midnight.
func DateOnly(t time.Time) time.Time {
	return dateOnly(t)
}
