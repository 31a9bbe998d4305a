package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/service/scheduling"
	"medsched/backend/internal/store"
)

// schedulingService is the slice of the engine the handlers consume.
type schedulingService interface {
	ResolveAvailability(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]domain.Window, error)
	GenerateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]domain.Slot, error)
	Book(ctx context.Context, in scheduling.BookInput) (domain.Appointment, error)
	Reschedule(ctx context.Context, appointmentID uuid.UUID, newStart time.Time, actorID uuid.UUID) (domain.Appointment, error)
	Confirm(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error)
	Start(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error)
	Complete(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error)
	Cancel(ctx context.Context, appointmentID, actorID uuid.UUID, reason string) (domain.Appointment, error)
	MarkNoShow(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
}

type Handlers struct {
	svc schedulingService
	log *slog.Logger
}

func NewHandlers(svc schedulingService, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, log: log.With(slog.String("component", "http.scheduling"))}
}

func (h *Handlers) availability(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := h.pathUUID(w, r, "id", "doctor id must be a valid UUID")
	if !ok {
		return
	}
	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}

	windows, err := h.svc.ResolveAvailability(r.Context(), doctorID, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := AvailabilityResponse{DoctorID: doctorID, Date: date.Format(time.DateOnly), Windows: make([]WindowResponse, 0, len(windows))}
	for _, win := range windows {
		resp.Windows = append(resp.Windows, WindowResponse{Start: win.Start, End: win.End, SlotMinutes: win.SlotMinutes})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) slots(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := h.pathUUID(w, r, "id", "doctor id must be a valid UUID")
	if !ok {
		return
	}
	date, ok := h.queryDate(w, r)
	if !ok {
		return
	}

	slots, err := h.svc.GenerateSlots(r.Context(), doctorID, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := SlotsResponse{DoctorID: doctorID, Date: date.Format(time.DateOnly), Slots: make([]SlotResponse, 0, len(slots))}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, SlotResponse{Start: s.Start, End: s.End})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) book(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC 3339")
		return
	}

	appt, err := h.svc.Book(r.Context(), scheduling.BookInput{
		DoctorID:        doctorID,
		PatientID:       patientID,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Type:            domain.AppointmentType(req.Type),
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	newStart, err := time.Parse(time.RFC3339, req.NewStartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_new_start_time", "new_start_time must be RFC 3339")
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, newStart, actorID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
		return
	}

	appt, err := h.svc.Cancel(r.Context(), id, actorID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) transitionHandler(fn func(ctx context.Context, appointmentID, actorID uuid.UUID) (domain.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathUUID(w, r, "id", "appointment id must be a valid UUID")
		if !ok {
			return
		}
		var req ActorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
			return
		}

		appt, err := fn(r.Context(), id, actorID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *Handlers) pathUUID(w http.ResponseWriter, r *http.Request, param, details string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, details)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) queryDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	date, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}

// writeServiceError maps the engine's error taxonomy onto HTTP statuses.
// SlotConflict and OutsideAvailability are deliberately distinct so the
// client knows whether refreshing the slot list will help.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *scheduling.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "doctor, patient or appointment not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "that time was just taken; refresh the slot list")
	case errors.Is(err, scheduling.ErrOutsideAvailability):
		writeError(w, http.StatusUnprocessableEntity, "outside_availability", "that time is not within the doctor's availability")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "validation_error", vErr.Error())
	default:
		h.log.Error("request failed",
			slog.Any("err", err),
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
