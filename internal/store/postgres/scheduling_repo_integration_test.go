package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/store"
)

// Runs against a throwaway schema in the database named by
// MEDSCHED_TEST_DATABASE_URL. The pool is pinned to one connection so the
// session search_path applies to every query.
func TestPostgresIntegration_SchedulingRepo(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("MEDSCHED_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("MEDSCHED_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := Open(ctx, databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "medsched_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(cctx)
	})

	if _, err := db.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.NewRaw("SET search_path TO " + schema + ", public").Exec(ctx); err != nil {
		t.Fatalf("set search_path: %v", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	repo := NewSchedulingRepo(db)

	doctor := domain.Doctor{Name: "Dr. Test", Timezone: "UTC"}
	if _, err := db.NewInsert().Model(&doctor).Exec(ctx); err != nil {
		t.Fatalf("insert doctor: %v", err)
	}
	patient := domain.Patient{Name: "Pat Test"}
	if _, err := db.NewInsert().Model(&patient).Exec(ctx); err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	t.Run("availability reads", func(t *testing.T) {
		tmpl := domain.AvailabilityTemplate{
			DoctorID:    doctor.ID,
			Weekday:     time.Monday,
			StartMinute: 9 * 60,
			EndMinute:   17 * 60,
			SlotMinutes: 30,
			Active:      true,
		}
		if _, err := db.NewInsert().Model(&tmpl).Exec(ctx); err != nil {
			t.Fatalf("insert template: %v", err)
		}
		brk := domain.TemplateBreak{TemplateID: tmpl.ID, StartMinute: 12 * 60, EndMinute: 13 * 60}
		if _, err := db.NewInsert().Model(&brk).Exec(ctx); err != nil {
			t.Fatalf("insert break: %v", err)
		}

		templates, err := repo.ListTemplates(ctx, doctor.ID, time.Monday)
		if err != nil {
			t.Fatalf("ListTemplates error: %v", err)
		}
		if len(templates) != 1 || templates[0].ID != tmpl.ID {
			t.Fatalf("templates = %+v, want the inserted one", templates)
		}

		breaks, err := repo.ListBreaks(ctx, []uuid.UUID{tmpl.ID})
		if err != nil {
			t.Fatalf("ListBreaks error: %v", err)
		}
		if len(breaks[tmpl.ID]) != 1 {
			t.Fatalf("breaks = %+v, want one for the template", breaks)
		}

		date := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
		if exc, err := repo.GetException(ctx, doctor.ID, date); err != nil || exc != nil {
			t.Fatalf("GetException = (%v, %v), want (nil, nil)", exc, err)
		}
		blocked := domain.AvailabilityException{DoctorID: doctor.ID, Date: date, Blocked: true, Reason: "conference"}
		if _, err := db.NewInsert().Model(&blocked).Exec(ctx); err != nil {
			t.Fatalf("insert exception: %v", err)
		}
		exc, err := repo.GetException(ctx, doctor.ID, date)
		if err != nil {
			t.Fatalf("GetException error: %v", err)
		}
		if exc == nil || !exc.Blocked {
			t.Fatalf("exception = %+v, want blocked", exc)
		}
	})

	start := time.Date(2027, 3, 1, 10, 0, 0, 0, time.UTC)
	var booked domain.Appointment

	t.Run("guarded booking", func(t *testing.T) {
		err := repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			taken, err := tx.HasOverlappingAppointment(ctx, doctor.ID, start, start.Add(30*time.Minute), uuid.Nil)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("unexpected overlap on empty calendar")
			}
			booked, err = tx.InsertAppointment(ctx, domain.Appointment{
				DoctorID:        doctor.ID,
				PatientID:       patient.ID,
				Type:            domain.TypeConsultation,
				Status:          domain.StatusScheduled,
				ScheduledAt:     start,
				DurationMinutes: 30,
			})
			if err != nil {
				return err
			}
			return tx.AppendAuditLog(ctx, domain.AuditLogEntry{
				AppointmentID: booked.ID,
				ActorID:       patient.ID,
				Action:        domain.AuditActionBooked,
			})
		})
		if err != nil {
			t.Fatalf("booking tx error: %v", err)
		}
		if booked.ID == uuid.Nil {
			t.Fatal("appointment id not assigned")
		}
	})

	t.Run("overlap detected by guard", func(t *testing.T) {
		err := repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			taken, err := tx.HasOverlappingAppointment(ctx, doctor.ID, start.Add(15*time.Minute), start.Add(45*time.Minute), uuid.Nil)
			if err != nil {
				return err
			}
			if !taken {
				return fmt.Errorf("overlap not detected")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("tx error: %v", err)
		}
	})

	t.Run("exclusion constraint backstop", func(t *testing.T) {
		err := repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			_, err := tx.InsertAppointment(ctx, domain.Appointment{
				DoctorID:        doctor.ID,
				PatientID:       patient.ID,
				Type:            domain.TypeConsultation,
				Status:          domain.StatusScheduled,
				ScheduledAt:     start.Add(15 * time.Minute),
				DurationMinutes: 30,
			})
			return err
		})
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("status update guard", func(t *testing.T) {
		err := repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			appt, err := tx.GetAppointmentForUpdate(ctx, booked.ID)
			if err != nil {
				return err
			}
			appt.Status = domain.StatusCanceled
			now := time.Now().UTC()
			appt.CanceledAt = &now
			actor := patient.ID
			appt.CanceledBy = &actor
			_, err = tx.UpdateAppointmentStatus(ctx, appt, []domain.AppointmentStatus{domain.StatusScheduled})
			return err
		})
		if err != nil {
			t.Fatalf("cancel tx error: %v", err)
		}

		// A second transition from the stale source status must fail.
		err = repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			appt, err := tx.GetAppointmentForUpdate(ctx, booked.ID)
			if err != nil {
				return err
			}
			appt.Status = domain.StatusConfirmed
			_, err = tx.UpdateAppointmentStatus(ctx, appt, []domain.AppointmentStatus{domain.StatusScheduled})
			return err
		})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("canceled appointment frees the interval", func(t *testing.T) {
		err := repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			_, err := tx.InsertAppointment(ctx, domain.Appointment{
				DoctorID:        doctor.ID,
				PatientID:       patient.ID,
				Type:            domain.TypeConsultation,
				Status:          domain.StatusScheduled,
				ScheduledAt:     start,
				DurationMinutes: 30,
			})
			return err
		})
		if err != nil {
			t.Fatalf("rebooking freed interval: %v", err)
		}
	})

	t.Run("claim due reminders", func(t *testing.T) {
		due := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
		err := repo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
			_, err := tx.InsertAppointment(ctx, domain.Appointment{
				DoctorID:        doctor.ID,
				PatientID:       patient.ID,
				Type:            domain.TypeFollowUp,
				Status:          domain.StatusScheduled,
				ScheduledAt:     due,
				DurationMinutes: 30,
			})
			return err
		})
		if err != nil {
			t.Fatalf("insert due appointment: %v", err)
		}

		windowStart := time.Now().UTC().Add(time.Hour)
		windowEnd := time.Now().UTC().Add(24 * time.Hour)

		claimed, err := repo.ClaimDueReminders(ctx, windowStart, windowEnd, 10)
		if err != nil {
			t.Fatalf("ClaimDueReminders error: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("claimed = %d, want 1", len(claimed))
		}
		if claimed[0].ReminderSentAt == nil {
			t.Fatal("claimed row not stamped")
		}

		again, err := repo.ClaimDueReminders(ctx, windowStart, windowEnd, 10)
		if err != nil {
			t.Fatalf("second claim error: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("second claim = %d rows, want 0", len(again))
		}
	})

	t.Run("concurrent bookings race", func(t *testing.T) {
		// A separate pool with multiple connections so the two bookings
		// really run in parallel; search_path travels in startup options.
		concURL, err := withSearchPath(databaseURL, schema)
		if err != nil {
			t.Fatalf("build url: %v", err)
		}
		concDB, err := Open(ctx, concURL, PoolConfig{MaxOpenConns: 4})
		if err != nil {
			t.Fatalf("Open error: %v", err)
		}
		t.Cleanup(func() {
			_ = Close(concDB)
		})

		concRepo := NewSchedulingRepo(concDB)
		raceStart := time.Date(2027, 3, 2, 10, 0, 0, 0, time.UTC)

		bookGuarded := func() error {
			return concRepo.InDoctorTx(ctx, doctor.ID, func(ctx context.Context, tx store.SchedulingTx) error {
				taken, err := tx.HasOverlappingAppointment(ctx, doctor.ID, raceStart, raceStart.Add(30*time.Minute), uuid.Nil)
				if err != nil {
					return err
				}
				if taken {
					return store.ErrConflict
				}
				_, err = tx.InsertAppointment(ctx, domain.Appointment{
					DoctorID:        doctor.ID,
					PatientID:       patient.ID,
					Type:            domain.TypeConsultation,
					Status:          domain.StatusScheduled,
					ScheduledAt:     raceStart,
					DurationMinutes: 30,
				})
				return err
			})
		}

		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- bookGuarded()
			}()
		}
		wg.Wait()
		close(errs)

		var succeeded, conflicted int
		for err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrConflict):
				conflicted++
			default:
				t.Fatalf("unexpected booking error: %v", err)
			}
		}
		if succeeded != 1 || conflicted != 1 {
			t.Fatalf("succeeded = %d, conflicted = %d, want exactly one of each", succeeded, conflicted)
		}
	})

	t.Run("not found sentinels", func(t *testing.T) {
		if _, err := repo.GetDoctor(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetDoctor err = %v, want ErrNotFound", err)
		}
		if _, err := repo.GetPatient(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetPatient err = %v, want ErrNotFound", err)
		}
		if _, err := repo.GetAppointment(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetAppointment err = %v, want ErrNotFound", err)
		}
	})
}

// withSearchPath pins the schema through connection startup options so
// every pooled connection resolves the throwaway schema.
func withSearchPath(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("options", "-csearch_path="+schema+",public")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

func applyMigrations(ctx context.Context, exec rawExecutor) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type mig struct {
		name string
		path string
	}
	migs := make([]mig, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		migs = append(migs, mig{name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].name < migs[j].name })

	for _, m := range migs {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return err
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if normalized, ok := normalizeExtensionStatement(stmt); ok {
				stmt = normalized
			}
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", m.name, err)
			}
		}
	}
	return nil
}

func migrationsDir() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("runtime.Caller failed")
	}
	base := filepath.Dir(file)
	return filepath.Clean(filepath.Join(base, "..", "..", "..", "migrations")), nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := strings.TrimLeft(sql[upIdx+len(upMarker):], "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

// The btree_gist extension must land in public so its operator classes
// resolve regardless of the test schema.
func normalizeExtensionStatement(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "CREATE EXTENSION") {
		return "", false
	}
	if !strings.Contains(upper, "BTREE_GIST") {
		return "", false
	}
	if strings.Contains(upper, " SCHEMA ") {
		return "", false
	}
	return s + " SCHEMA public", true
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
