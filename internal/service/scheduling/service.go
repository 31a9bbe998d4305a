package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/notify"
	"medsched/backend/internal/store"
)

// ErrOutsideAvailability distinguishes "that time was never valid" from a
// conflict with another booking, so clients know whether refreshing slots
// will help.
var ErrOutsideAvailability = errors.New("requested time is outside the doctor's availability")

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Clock is injected so reminder window math is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Config struct {
	// DefaultSlotMinutes applies to exception override windows that do not
	// carry their own slot duration.
	DefaultSlotMinutes int
	// ReminderMinLead is the near edge of the reminder window: appointments
	// starting sooner than this are not reminded.
	ReminderMinLead time.Duration
	// ReminderBatchSize bounds how many appointments one sweep claims.
	ReminderBatchSize int
}

// Service is the scheduling engine: availability resolution, slot
// generation, the booking guard, the appointment lifecycle and the
// reminder sweep. It owns no background state; callers drive every
// operation, including the sweep cadence.
type Service struct {
	repo  store.SchedulingRepository
	sink  notify.Sink
	clock Clock
	cfg   Config
}

func NewService(repo store.SchedulingRepository, sink notify.Sink, clock Clock, cfg Config) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	if sink == nil {
		sink = notify.NewLogSink(nil)
	}
	if cfg.DefaultSlotMinutes <= 0 {
		cfg.DefaultSlotMinutes = 30
	}
	if cfg.ReminderMinLead <= 0 {
		cfg.ReminderMinLead = time.Hour
	}
	if cfg.ReminderBatchSize <= 0 {
		cfg.ReminderBatchSize = 100
	}
	return &Service{repo: repo, sink: sink, clock: clock, cfg: cfg}
}

// ResolveAvailability computes the doctor's open windows for one calendar
// date, net of breaks and date exceptions.
func (s *Service) ResolveAvailability(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]domain.Window, error) {
	if doctorID == uuid.Nil {
		return nil, validationError("doctor_id is required")
	}
	if date.IsZero() {
		return nil, validationError("date is required")
	}

	doctor, err := s.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	day := domain.DateOnly(date)

	exception, err := s.repo.GetException(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}

	var templates []domain.AvailabilityTemplate
	breaks := map[uuid.UUID][]domain.TemplateBreak{}
	if exception == nil || (!exception.Blocked && !exception.HasOverride()) {
		templates, err = s.repo.ListTemplates(ctx, doctorID, day.Weekday())
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, 0, len(templates))
		for i := range templates {
			ids = append(ids, templates[i].ID)
		}
		breaks, err = s.repo.ListBreaks(ctx, ids)
		if err != nil {
			return nil, err
		}
	}

	return domain.ResolveDayWindows(day, doctor.Location(), exception, templates, breaks, s.cfg.DefaultSlotMinutes), nil
}

// GenerateSlots returns the bookable slots for the doctor and date:
// resolved windows sliced by slot duration, minus slots claimed by
// appointments that still block their time.
func (s *Service) GenerateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]domain.Slot, error) {
	windows, err := s.ResolveAvailability(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}

	busy, err := s.busyIntervals(ctx, doctorID, windows)
	if err != nil {
		return nil, err
	}
	return domain.CollectSlots(windows, busy), nil
}

func (s *Service) busyIntervals(ctx context.Context, doctorID uuid.UUID, windows []domain.Window) ([]domain.Interval, error) {
	appts, err := s.repo.ListAppointments(
		ctx,
		doctorID,
		windows[0].Start,
		windows[len(windows)-1].End,
		domain.NonBlockingStatuses(),
	)
	if err != nil {
		return nil, err
	}
	return domain.BusyIntervals(appts), nil
}

type BookInput struct {
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	Start           time.Time
	DurationMinutes int
	Type            domain.AppointmentType
	Notes           string
}

// Book atomically verifies the proposed time against the doctor's
// calendar and creates the appointment. Concurrent bookings for
// overlapping intervals are serialized per doctor; the loser receives
// store.ErrConflict.
func (s *Service) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	if in.DoctorID == uuid.Nil {
		return domain.Appointment{}, validationError("doctor_id is required")
	}
	if in.PatientID == uuid.Nil {
		return domain.Appointment{}, validationError("patient_id is required")
	}
	if in.DurationMinutes <= 0 {
		return domain.Appointment{}, validationError("duration_minutes must be positive")
	}
	if !in.Type.Valid() {
		return domain.Appointment{}, validationError("unknown appointment type")
	}
	start := in.Start.UTC()
	if start.IsZero() {
		return domain.Appointment{}, validationError("start_time is required")
	}
	if !start.After(s.clock.Now()) {
		return domain.Appointment{}, validationError("start_time must be in the future")
	}
	end := start.Add(time.Duration(in.DurationMinutes) * time.Minute)

	if _, err := s.repo.GetPatient(ctx, in.PatientID); err != nil {
		return domain.Appointment{}, fmt.Errorf("load patient: %w", err)
	}

	if err := s.checkWithinAvailability(ctx, in.DoctorID, start, end, in.DurationMinutes, in.Type); err != nil {
		return domain.Appointment{}, err
	}

	appt := domain.Appointment{
		DoctorID:        in.DoctorID,
		PatientID:       in.PatientID,
		Type:            in.Type,
		Status:          domain.StatusScheduled,
		ScheduledAt:     start,
		DurationMinutes: in.DurationMinutes,
		Notes:           strings.TrimSpace(in.Notes),
	}

	err := s.repo.InDoctorTx(ctx, in.DoctorID, func(ctx context.Context, tx store.SchedulingTx) error {
		taken, err := tx.HasOverlappingAppointment(ctx, in.DoctorID, start, end, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return store.ErrConflict
		}
		created, err := tx.InsertAppointment(ctx, appt)
		if err != nil {
			return err
		}
		appt = created
		return tx.AppendAuditLog(ctx, domain.AuditLogEntry{
			AppointmentID: created.ID,
			ActorID:       in.PatientID,
			Action:        domain.AuditActionBooked,
			Detail:        fmt.Sprintf("%s booked for %s (%d min)", in.Type, start.Format(time.RFC3339), in.DurationMinutes),
		})
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.sink.Emit(ctx, appt.ID, appt.PatientID, notify.EventBooked)
	return appt, nil
}

// checkWithinAvailability is defense in depth for callers that bypass the
// slot generator. Emergency bookings are exempt: they may fall outside
// the doctor's published hours.
func (s *Service) checkWithinAvailability(ctx context.Context, doctorID uuid.UUID, start, end time.Time, durationMinutes int, apptType domain.AppointmentType) error {
	if apptType == domain.TypeEmergency {
		// Still validates the doctor exists.
		_, err := s.repo.GetDoctor(ctx, doctorID)
		return err
	}

	windows, err := s.ResolveAvailability(ctx, doctorID, start)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if !w.Contains(start, end) {
			continue
		}
		if apptType == domain.TypeTherapy && durationMinutes != w.SlotMinutes {
			return validationError(fmt.Sprintf("therapy appointments must match the %d-minute slot duration", w.SlotMinutes))
		}
		return nil
	}
	return ErrOutsideAvailability
}

// Reschedule marks the appointment rescheduled and creates a replacement
// at the new time, linked back to the original, in one transaction. If
// the new time is taken, the original appointment is left untouched.
func (s *Service) Reschedule(ctx context.Context, appointmentID uuid.UUID, newStart time.Time, actorID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	start := newStart.UTC()
	if start.IsZero() {
		return domain.Appointment{}, validationError("new_start_time is required")
	}
	if !start.After(s.clock.Now()) {
		return domain.Appointment{}, validationError("new_start_time must be in the future")
	}

	current, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !current.Status.CanTransitionTo(domain.StatusRescheduled) {
		return domain.Appointment{}, domain.ErrInvalidTransition
	}

	end := start.Add(time.Duration(current.DurationMinutes) * time.Minute)
	if err := s.checkWithinAvailability(ctx, current.DoctorID, start, end, current.DurationMinutes, current.Type); err != nil {
		return domain.Appointment{}, err
	}

	var replacement domain.Appointment
	err = s.repo.InDoctorTx(ctx, current.DoctorID, func(ctx context.Context, tx store.SchedulingTx) error {
		old, err := tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !old.Status.CanTransitionTo(domain.StatusRescheduled) {
			return domain.ErrInvalidTransition
		}

		taken, err := tx.HasOverlappingAppointment(ctx, old.DoctorID, start, end, old.ID)
		if err != nil {
			return err
		}
		if taken {
			return store.ErrConflict
		}

		fromStatus := old.Status
		old.Status = domain.StatusRescheduled
		if _, err := tx.UpdateAppointmentStatus(ctx, old, []domain.AppointmentStatus{fromStatus}); err != nil {
			return err
		}
		if err := tx.AppendAuditLog(ctx, domain.AuditLogEntry{
			AppointmentID: old.ID,
			ActorID:       actorID,
			Action:        domain.AuditActionRescheduled,
			Detail:        fmt.Sprintf("moved to %s", start.Format(time.RFC3339)),
		}); err != nil {
			return err
		}

		originalID := old.ID
		created, err := tx.InsertAppointment(ctx, domain.Appointment{
			DoctorID:              old.DoctorID,
			PatientID:             old.PatientID,
			Type:                  old.Type,
			Status:                domain.StatusScheduled,
			ScheduledAt:           start,
			DurationMinutes:       old.DurationMinutes,
			Notes:                 old.Notes,
			OriginalAppointmentID: &originalID,
		})
		if err != nil {
			return err
		}
		replacement = created
		return tx.AppendAuditLog(ctx, domain.AuditLogEntry{
			AppointmentID: created.ID,
			ActorID:       actorID,
			Action:        domain.AuditActionBooked,
			Detail:        fmt.Sprintf("created by reschedule of %s", originalID),
		})
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.sink.Emit(ctx, replacement.ID, replacement.PatientID, notify.EventRescheduled)
	return replacement, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error) {
	now := s.clock.Now()
	return s.transition(ctx, appointmentID, actorID, domain.StatusConfirmed, domain.AuditActionConfirmed, "", notify.EventConfirmed,
		func(a *domain.Appointment) {
			a.ConfirmedAt = &now
		})
}

// Start moves a confirmed appointment to in_progress.
func (s *Service) Start(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error) {
	return s.transition(ctx, appointmentID, actorID, domain.StatusInProgress, domain.AuditActionStarted, "", "", nil)
}

// Complete finishes an in-progress appointment. No notification fires.
func (s *Service) Complete(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error) {
	now := s.clock.Now()
	return s.transition(ctx, appointmentID, actorID, domain.StatusCompleted, domain.AuditActionCompleted, "", "",
		func(a *domain.Appointment) {
			a.CompletedAt = &now
		})
}

// Cancel cancels a scheduled or confirmed appointment, recording who
// canceled and why. The row is retained for audit.
func (s *Service) Cancel(ctx context.Context, appointmentID, actorID uuid.UUID, reason string) (domain.Appointment, error) {
	now := s.clock.Now()
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, appointmentID, actorID, domain.StatusCanceled, domain.AuditActionCanceled, reason, notify.EventCanceled,
		func(a *domain.Appointment) {
			a.CanceledAt = &now
			actor := actorID
			a.CanceledBy = &actor
			if reason != "" {
				r := reason
				a.CancellationReason = &r
			}
		})
}

// MarkNoShow flags a scheduled appointment whose patient never arrived.
func (s *Service) MarkNoShow(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error) {
	return s.transition(ctx, appointmentID, actorID, domain.StatusNoShow, domain.AuditActionMarkedNoShow, "", "", nil)
}

// transition is the shared lifecycle path: per-doctor transaction, source
// state validation, guarded status write, exactly one audit entry, then a
// best-effort notification after commit.
func (s *Service) transition(
	ctx context.Context,
	appointmentID, actorID uuid.UUID,
	to domain.AppointmentStatus,
	auditAction, auditDetail string,
	event notify.EventKind,
	mutate func(*domain.Appointment),
) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	current, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var updated domain.Appointment
	err = s.repo.InDoctorTx(ctx, current.DoctorID, func(ctx context.Context, tx store.SchedulingTx) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !appt.Status.CanTransitionTo(to) {
			return domain.ErrInvalidTransition
		}

		fromStatus := appt.Status
		appt.Status = to
		if mutate != nil {
			mutate(&appt)
		}
		updated, err = tx.UpdateAppointmentStatus(ctx, appt, []domain.AppointmentStatus{fromStatus})
		if err != nil {
			return err
		}
		return tx.AppendAuditLog(ctx, domain.AuditLogEntry{
			AppointmentID: appt.ID,
			ActorID:       actorID,
			Action:        auditAction,
			Detail:        auditDetail,
		})
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	if event != "" {
		s.sink.Emit(ctx, updated.ID, updated.PatientID, event)
	}
	return updated, nil
}

// GetAppointment loads one appointment by id.
func (s *Service) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	return s.repo.GetAppointment(ctx, appointmentID)
}

// RunReminderSweep claims scheduled appointments entering the reminder
// window [now+minLead, now+lookahead) and emits one reminder trigger per
// claimed appointment. Claiming stamps reminder_sent_at first, so a sweep
// killed mid-batch cannot double-send on retry. Returns the number of
// reminders emitted.
func (s *Service) RunReminderSweep(ctx context.Context, lookahead time.Duration) (int, error) {
	if lookahead <= s.cfg.ReminderMinLead {
		return 0, validationError("lookahead must exceed the minimum reminder lead")
	}

	now := s.clock.Now()
	claimed, err := s.repo.ClaimDueReminders(ctx, now.Add(s.cfg.ReminderMinLead), now.Add(lookahead), s.cfg.ReminderBatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due reminders: %w", err)
	}

	for i := range claimed {
		s.sink.Emit(ctx, claimed[i].ID, claimed[i].PatientID, notify.EventReminder)
	}
	return len(claimed), nil
}
