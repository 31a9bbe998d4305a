package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"medsched/backend/internal/domain"
)

// SchedulingRepository is the engine's view of the relational store. All
// calendar mutation goes through InDoctorTx so overlap checks, status
// writes and audit appends commit as one unit.
type SchedulingRepository interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (domain.Doctor, error)
	GetPatient(ctx context.Context, id uuid.UUID) (domain.Patient, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)

	// Availability reads.
	ListTemplates(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) ([]domain.AvailabilityTemplate, error)
	ListBreaks(ctx context.Context, templateIDs []uuid.UUID) (map[uuid.UUID][]domain.TemplateBreak, error)
	GetException(ctx context.Context, doctorID uuid.UUID, date time.Time) (*domain.AvailabilityException, error)
	ListAppointments(ctx context.Context, doctorID uuid.UUID, windowStart, windowEnd time.Time, excludeStatuses []domain.AppointmentStatus) ([]domain.Appointment, error)

	// InDoctorTx runs fn inside a transaction that holds a per-doctor
	// advisory lock, serializing bookings and status changes for that
	// doctor while leaving other doctors fully parallel.
	InDoctorTx(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context, tx SchedulingTx) error) error

	// ClaimDueReminders atomically stamps reminder_sent_at on scheduled
	// appointments starting within [windowStart, windowEnd) that have not
	// been reminded yet, and returns the claimed rows. Safe under
	// concurrent sweeps; a row is claimed at most once.
	ClaimDueReminders(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]domain.Appointment, error)
}

// SchedulingTx is the transaction-scoped slice of the store available to
// the booking guard and the lifecycle manager.
type SchedulingTx interface {
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (domain.Appointment, error)

	// HasOverlappingAppointment applies the standard interval-overlap test
	// against all slot-blocking appointments for the doctor, optionally
	// excluding one appointment id (reschedules).
	HasOverlappingAppointment(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (bool, error)

	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)

	// UpdateAppointmentStatus persists the appointment's status and
	// lifecycle timestamp fields, guarded by the expected source statuses.
	// A concurrent transition that invalidates the guard surfaces as
	// domain.ErrInvalidTransition.
	UpdateAppointmentStatus(ctx context.Context, appt domain.Appointment, from []domain.AppointmentStatus) (domain.Appointment, error)

	AppendAuditLog(ctx context.Context, entry domain.AuditLogEntry) error
}
