package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medsched/backend/internal/config"
	"medsched/backend/internal/notify"
	redisclient "medsched/backend/internal/redis"
	"medsched/backend/internal/service/scheduling"
	"medsched/backend/internal/store/postgres"
)

const sweepLockName = "reminder-sweep"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "reminder-worker"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Duration("lookahead", cfg.ReminderLookahead),
		slog.Duration("min_lead", cfg.ReminderMinLead),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		log.Error("database connection failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	rdb, err := redisclient.NewClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Error("redis connection failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("redis close failed", slog.Any("err", err))
		}
	}()

	locker := redisclient.NewLocker(rdb, cfg.SweepLockTTL)
	repo := postgres.NewSchedulingRepo(db)
	svc := scheduling.NewService(repo, notify.NewLogSink(log), nil, scheduling.Config{
		DefaultSlotMinutes: cfg.DefaultSlotMinutes,
		ReminderMinLead:    cfg.ReminderMinLead,
		ReminderBatchSize:  cfg.ReminderBatchSize,
	})

	runSweep(ctx, log, locker, svc, cfg.ReminderLookahead)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runSweep(ctx, log, locker, svc, cfg.ReminderLookahead)
		}
	}
}

// runSweep takes the cross-instance lock and runs one sweep. A sweep that
// dies mid-batch leaves already-claimed rows stamped, so the next run
// cannot double-send.
func runSweep(ctx context.Context, log *slog.Logger, locker redisclient.Locker, svc *scheduling.Service, lookahead time.Duration) {
	start := time.Now()
	err := locker.WithLock(ctx, sweepLockName, func(ctx context.Context) error {
		sent, err := svc.RunReminderSweep(ctx, lookahead)
		if err != nil {
			return err
		}
		log.Info("sweep complete", slog.Int("reminders_sent", sent), slog.Duration("took", time.Since(start)))
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			log.Info("sweep skipped, another worker holds the lock")
			return
		}
		log.Error("sweep failed", slog.Any("err", err))
	}
}
