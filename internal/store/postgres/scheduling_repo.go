package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/store"
)

// overlapConstraint is the btree_gist exclusion constraint on
// (doctor_id, tstzrange(scheduled_at, scheduled_at + duration)). It backs
// the advisory-lock guard so an overlapping insert can never slip through.
const overlapConstraint = "appointments_no_overlap"

type SchedulingRepo struct {
	db *bun.DB
}

func NewSchedulingRepo(db *bun.DB) *SchedulingRepo {
	return &SchedulingRepo{db: db}
}

type schedulingTx struct {
	tx bun.Tx
}

func (r *SchedulingRepo) GetDoctor(ctx context.Context, id uuid.UUID) (domain.Doctor, error) {
	var d domain.Doctor
	err := r.db.NewSelect().Model(&d).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Doctor{}, store.ErrNotFound
		}
		return domain.Doctor{}, err
	}
	return d, nil
}

func (r *SchedulingRepo) GetPatient(ctx context.Context, id uuid.UUID) (domain.Patient, error) {
	var p domain.Patient
	err := r.db.NewSelect().Model(&p).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Patient{}, store.ErrNotFound
		}
		return domain.Patient{}, err
	}
	return p, nil
}

func (r *SchedulingRepo) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().Model(&a).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return a, nil
}

func (r *SchedulingRepo) ListTemplates(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) ([]domain.AvailabilityTemplate, error) {
	var rows []domain.AvailabilityTemplate
	err := r.db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", doctorID).
		Where("weekday = ?", int(weekday)).
		Where("active").
		OrderExpr("start_minute ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *SchedulingRepo) ListBreaks(ctx context.Context, templateIDs []uuid.UUID) (map[uuid.UUID][]domain.TemplateBreak, error) {
	if len(templateIDs) == 0 {
		return map[uuid.UUID][]domain.TemplateBreak{}, nil
	}
	var rows []domain.TemplateBreak
	err := r.db.NewSelect().
		Model(&rows).
		Where("template_id IN (?)", bun.In(templateIDs)).
		OrderExpr("start_minute ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]domain.TemplateBreak, len(templateIDs))
	for _, b := range rows {
		out[b.TemplateID] = append(out[b.TemplateID], b)
	}
	return out, nil
}

func (r *SchedulingRepo) GetException(ctx context.Context, doctorID uuid.UUID, date time.Time) (*domain.AvailabilityException, error) {
	var e domain.AvailabilityException
	err := r.db.NewSelect().
		Model(&e).
		Where("doctor_id = ?", doctorID).
		Where("date = ?", domain.DateOnly(date)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *SchedulingRepo) ListAppointments(ctx context.Context, doctorID uuid.UUID, windowStart, windowEnd time.Time, excludeStatuses []domain.AppointmentStatus) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := r.db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", doctorID).
		Where("scheduled_at < ?", windowEnd).
		Where("scheduled_at + make_interval(mins => duration_minutes) > ?", windowStart).
		OrderExpr("scheduled_at ASC")
	if len(excludeStatuses) > 0 {
		q = q.Where("status NOT IN (?)", bun.In(excludeStatuses))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

// InDoctorTx serializes all calendar mutation for one doctor behind a
// transaction-scoped advisory lock. Bookings for different doctors hash to
// different locks and proceed in parallel.
func (r *SchedulingRepo) InDoctorTx(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context, tx store.SchedulingTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", doctorID.String()).Exec(ctx); err != nil {
			return err
		}
		return fn(ctx, schedulingTx{tx: tx})
	})
}

func (r *SchedulingRepo) ClaimDueReminders(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]domain.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	var claimed []domain.Appointment
	err := r.db.NewRaw(`
		UPDATE appointments
		SET reminder_sent_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM appointments
			WHERE status = ?
			  AND reminder_sent_at IS NULL
			  AND scheduled_at >= ?
			  AND scheduled_at < ?
			ORDER BY scheduled_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, domain.StatusScheduled, windowStart, windowEnd, limit).Scan(ctx, &claimed)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (t schedulingTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := t.tx.NewSelect().Model(&a).Where("id = ?", id).For("UPDATE").Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return a, nil
}

func (t schedulingTx) HasOverlappingAppointment(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (bool, error) {
	q := t.tx.NewSelect().
		Model((*domain.Appointment)(nil)).
		Where("doctor_id = ?", doctorID).
		Where("scheduled_at < ?", end).
		Where("scheduled_at + make_interval(mins => duration_minutes) > ?", start).
		Where("status NOT IN (?)", bun.In(domain.NonBlockingStatuses()))
	if excludeID != uuid.Nil {
		q = q.Where("id != ?", excludeID)
	}
	return q.Exists(ctx)
}

func (t schedulingTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	_, err := t.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		return domain.Appointment{}, mapPgError(err)
	}
	return m, nil
}

func (t schedulingTx) UpdateAppointmentStatus(ctx context.Context, appt domain.Appointment, from []domain.AppointmentStatus) (domain.Appointment, error) {
	m := appt
	res, err := t.tx.NewUpdate().
		Model(&m).
		Column(
			"status",
			"confirmed_at",
			"completed_at",
			"canceled_at",
			"canceled_by",
			"cancellation_reason",
			"updated_at",
		).
		Where("id = ?", m.ID).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		// Row gone or status moved under us despite the advisory lock.
		return domain.Appointment{}, domain.ErrInvalidTransition
	}
	return m, nil
}

func (t schedulingTx) AppendAuditLog(ctx context.Context, entry domain.AuditLogEntry) error {
	_, err := t.tx.NewInsert().Model(&entry).Exec(ctx)
	return err
}

// mapPgError translates the overlap exclusion constraint into the store's
// conflict sentinel; everything else surfaces unchanged.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23P01" && pgErr.ConstraintName == overlapConstraint {
			return store.ErrConflict
		}
	}
	return err
}
