package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/uptrace/bun"

	"medsched/backend/internal/config"
	"medsched/backend/internal/domain"
	"medsched/backend/internal/store/postgres"
)

// Development seeder: a handful of doctors with weekday templates and a
// lunch break, plus a pool of patients to book with.
func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("service", "seed"))

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxOpenConns: 4})
	if err != nil {
		log.Error("database connection failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = postgres.Close(db) }()

	if err := seed(ctx, db, log); err != nil {
		log.Error("seed failed", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("seed complete")
}

func seed(ctx context.Context, db *bun.DB, log *slog.Logger) error {
	specialties := []string{
		"General Practice", "Dermatology", "Cardiology", "Pediatrics",
		"Psychiatry", "Orthopedics", "Neurology", "Endocrinology",
	}
	timezones := []string{
		"Europe/London", "Europe/Berlin", "America/New_York", "America/Chicago", "UTC",
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := 0; i < 25; i++ {
			spec := specialties[gofakeit.Number(0, len(specialties)-1)]
			doctor := domain.Doctor{
				Name:      "Dr. " + gofakeit.Name(),
				Specialty: &spec,
				Timezone:  timezones[gofakeit.Number(0, len(timezones)-1)],
			}
			if _, err := tx.NewInsert().Model(&doctor).Exec(ctx); err != nil {
				return err
			}

			// Mon-Fri 09:00-17:00 with a 12:00-13:00 break.
			for wd := time.Monday; wd <= time.Friday; wd++ {
				tmpl := domain.AvailabilityTemplate{
					DoctorID:    doctor.ID,
					Weekday:     wd,
					StartMinute: 9 * 60,
					EndMinute:   17 * 60,
					SlotMinutes: []int{15, 20, 30}[gofakeit.Number(0, 2)],
					Active:      true,
				}
				if _, err := tx.NewInsert().Model(&tmpl).Exec(ctx); err != nil {
					return err
				}
				brk := domain.TemplateBreak{
					TemplateID:  tmpl.ID,
					StartMinute: 12 * 60,
					EndMinute:   13 * 60,
				}
				if _, err := tx.NewInsert().Model(&brk).Exec(ctx); err != nil {
					return err
				}
			}
		}
		log.Info("seeded doctors", slog.Int("count", 25))

		for i := 0; i < 500; i++ {
			email := gofakeit.Email()
			patient := domain.Patient{
				Name:  gofakeit.Name(),
				Email: &email,
			}
			if _, err := tx.NewInsert().Model(&patient).Exec(ctx); err != nil {
				return err
			}
		}
		log.Info("seeded patients", slog.Int("count", 500))
		return nil
	})
}
