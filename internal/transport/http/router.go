package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/uptrace/bun"
)

type RouterConfig struct {
	Service schedulingService
	DB      *bun.DB
	Log     *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log.With(slog.String("component", "http.access"))))

	r.Get("/health/live", livenessHandler)
	r.Get("/health/ready", readinessHandler(cfg.DB))

	h := NewHandlers(cfg.Service, log)

	r.Route("/doctors/{id}", func(r chi.Router) {
		r.Get("/availability", h.availability)
		r.Get("/slots", h.slots)
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.book)
		r.Get("/{id}", h.getAppointment)
		r.Post("/{id}/confirm", h.transitionHandler(h.svc.Confirm))
		r.Post("/{id}/start", h.transitionHandler(h.svc.Start))
		r.Post("/{id}/complete", h.transitionHandler(h.svc.Complete))
		r.Post("/{id}/no-show", h.transitionHandler(h.svc.MarkNoShow))
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/reschedule", h.reschedule)
	})

	return r
}

func livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readinessHandler(db *bun.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "postgres": "down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "postgres": "ok"})
	}
}
