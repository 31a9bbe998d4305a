// Package notify defines the engine-side contract for outbound patient
// and doctor notifications. Templating, delivery and delivery logging
// belong to the consuming collaborator; the engine only emits triggers.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventBooked      EventKind = "appointment_booked"
	EventConfirmed   EventKind = "appointment_confirmed"
	EventCanceled    EventKind = "appointment_canceled"
	EventRescheduled EventKind = "appointment_rescheduled"
	EventReminder    EventKind = "appointment_reminder"
)

// Sink receives notification triggers fire-and-forget. Implementations
// must swallow and log delivery failures; a failed emission never affects
// the state transition that produced it.
type Sink interface {
	Emit(ctx context.Context, appointmentID, recipientID uuid.UUID, kind EventKind)
}

// LogSink records every trigger through slog. It stands in for the real
// delivery pipeline in development and tests.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With(slog.String("component", "notify.sink"))}
}

func (s *LogSink) Emit(ctx context.Context, appointmentID, recipientID uuid.UUID, kind EventKind) {
	s.log.InfoContext(ctx, "notification trigger",
		slog.String("event", string(kind)),
		slog.String("appointment_id", appointmentID.String()),
		slog.String("recipient_id", recipientID.String()),
	)
}
