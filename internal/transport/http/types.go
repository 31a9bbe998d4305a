package http

import (
	"time"

	"github.com/google/uuid"

	"medsched/backend/internal/domain"
)

type BookAppointmentRequest struct {
	DoctorID        string `json:"doctor_id"`
	PatientID       string `json:"patient_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Type            string `json:"type"`
	Notes           string `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	NewStartTime string `json:"new_start_time"`
	ActorID      string `json:"actor_id"`
}

type CancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID  `json:"id"`
	DoctorID              uuid.UUID  `json:"doctor_id"`
	PatientID             uuid.UUID  `json:"patient_id"`
	Type                  string     `json:"type"`
	Status                string     `json:"status"`
	ScheduledAt           time.Time  `json:"scheduled_at"`
	EndTime               time.Time  `json:"end_time"`
	DurationMinutes       int        `json:"duration_minutes"`
	Notes                 string     `json:"notes,omitempty"`
	ConfirmedAt           *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	CancellationReason    *string    `json:"cancellation_reason,omitempty"`
	OriginalAppointmentID *uuid.UUID `json:"original_appointment_id,omitempty"`
}

func toAppointmentResponse(a domain.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                    a.ID,
		DoctorID:              a.DoctorID,
		PatientID:             a.PatientID,
		Type:                  string(a.Type),
		Status:                string(a.Status),
		ScheduledAt:           a.ScheduledAt,
		EndTime:               a.EndTime(),
		DurationMinutes:       a.DurationMinutes,
		Notes:                 a.Notes,
		ConfirmedAt:           a.ConfirmedAt,
		CompletedAt:           a.CompletedAt,
		CanceledAt:            a.CanceledAt,
		CancellationReason:    a.CancellationReason,
		OriginalAppointmentID: a.OriginalAppointmentID,
	}
}

type WindowResponse struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	SlotMinutes int       `json:"slot_minutes"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID        `json:"doctor_id"`
	Date     string           `json:"date"`
	Windows  []WindowResponse `json:"windows"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
