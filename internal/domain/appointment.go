package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusInProgress  AppointmentStatus = "in_progress"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCanceled    AppointmentStatus = "canceled"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusNoShow      AppointmentStatus = "no_show"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// statusTransitions is the closed transition table. A status missing from
// the map is terminal; a target absent from its source's list is rejected.
var statusTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:  {StatusConfirmed, StatusCanceled, StatusRescheduled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCanceled, StatusRescheduled},
	StatusInProgress: {StatusCompleted},
}

func (s AppointmentStatus) CanTransitionTo(to AppointmentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// BlocksSlot reports whether an appointment in this status still occupies
// its time on the doctor's calendar for conflict purposes.
func (s AppointmentStatus) BlocksSlot() bool {
	return s != StatusCanceled && s != StatusRescheduled
}

// NonBlockingStatuses are excluded from overlap checks and slot generation.
func NonBlockingStatuses() []AppointmentStatus {
	return []AppointmentStatus{StatusCanceled, StatusRescheduled}
}

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeTherapy      AppointmentType = "therapy"
	TypeEmergency    AppointmentType = "emergency"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeTherapy, TypeEmergency:
		return true
	}
	return false
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                    uuid.UUID         `bun:"id,pk,type:uuid"`
	DoctorID              uuid.UUID         `bun:"doctor_id,notnull,type:uuid"`
	PatientID             uuid.UUID         `bun:"patient_id,notnull,type:uuid"`
	Type                  AppointmentType   `bun:"type,notnull"`
	Status                AppointmentStatus `bun:"status,notnull"`
	ScheduledAt           time.Time         `bun:"scheduled_at,notnull"`
	DurationMinutes       int               `bun:"duration_minutes,notnull"`
	Notes                 string            `bun:"notes"`
	CanceledBy            *uuid.UUID        `bun:"canceled_by,type:uuid"`
	CanceledAt            *time.Time        `bun:"canceled_at"`
	CancellationReason    *string           `bun:"cancellation_reason"`
	ConfirmedAt           *time.Time        `bun:"confirmed_at"`
	CompletedAt           *time.Time        `bun:"completed_at"`
	ReminderSentAt        *time.Time        `bun:"reminder_sent_at"`
	OriginalAppointmentID *uuid.UUID        `bun:"original_appointment_id,type:uuid"`
	CreatedAt             time.Time         `bun:"created_at,notnull"`
	UpdatedAt             time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) EndTime() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Audit actions, one per state-changing operation.
const (
	AuditActionBooked       = "booked"
	AuditActionConfirmed    = "confirmed"
	AuditActionStarted      = "started"
	AuditActionCompleted    = "completed"
	AuditActionCanceled     = "canceled"
	AuditActionRescheduled  = "rescheduled"
	AuditActionMarkedNoShow = "marked_no_show"
)

// AuditLogEntry is append-only. Rows are never updated or deleted.
type AuditLogEntry struct {
	bun.BaseModel `bun:"table:appointment_audit_log"`

	ID            int64     `bun:"id,pk,autoincrement"`
	AppointmentID uuid.UUID `bun:"appointment_id,notnull,type:uuid"`
	ActorID       uuid.UUID `bun:"actor_id,type:uuid"`
	Action        string    `bun:"action,notnull"`
	Detail        string    `bun:"detail"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

func (e *AuditLogEntry) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}
