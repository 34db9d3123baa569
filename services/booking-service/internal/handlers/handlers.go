package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/marketbook/libs/auth"
	"github.com/md-rashed-zaman/marketbook/libs/httpx"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
)

type Handler struct {
	store     storage.Store
	ledger    *ledger.Ledger
	generator *availability.Generator
	calendar  *calendar.Aggregator
	inbox     inbox.Recorder
	logger    *slog.Logger
	metrics   *metrics.Booking

	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	Store     storage.Store
	Ledger    *ledger.Ledger
	Generator *availability.Generator
	Calendar  *calendar.Aggregator
	Inbox     inbox.Recorder
	Logger    *slog.Logger
	Metrics   *metrics.Booking

	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
}

func New(cfg Config) *Handler {
	if cfg.StripeWebhookTolerance <= 0 {
		cfg.StripeWebhookTolerance = 5 * time.Minute
	}
	return &Handler{
		store:                  cfg.Store,
		ledger:                 cfg.Ledger,
		generator:              cfg.Generator,
		calendar:               cfg.Calendar,
		inbox:                  cfg.Inbox,
		logger:                 cfg.Logger,
		metrics:                cfg.Metrics,
		stripeWebhookSecret:    cfg.StripeWebhookSecret,
		stripeWebhookTolerance: cfg.StripeWebhookTolerance,
	}
}

// Routes mounts the API under /v1. writeLimit wraps the state-changing endpoints; it may be nil.
func (h *Handler) Routes(jwtSecret string, writeLimit httpx.Middleware) http.Handler {
	if writeLimit == nil {
		writeLimit = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		// Signature verification is the auth for webhooks.
		r.Post("/webhooks/stripe", h.StripeWebhook)

		// Browsing open slots and calendars needs no account.
		r.Get("/services/{serviceID}/slots", h.Slots)
		r.Get("/providers/{id}/calendar/{year}/{month}", h.MonthOverview)
		r.Get("/providers/{id}/calendar/{year}/{month}/{day}", h.DayDetail)

		r.Group(func(r chi.Router) {
			r.Use(auth.Require(jwtSecret))

			r.Get("/appointments", h.ListAppointments)
			r.Get("/appointments/{id}", h.GetAppointment)
			r.Group(func(r chi.Router) {
				r.Use(writeLimit)
				r.Post("/appointments", h.CreateAppointment)
				r.Post("/appointments/{id}/confirm-payment", h.ConfirmPayment)
				r.Post("/appointments/{id}/cancel", h.CancelAppointment)
				r.Post("/appointments/{id}/reschedule", h.RescheduleAppointment)
				r.Post("/appointments/{id}/complete", h.CompleteAppointment)
				r.Post("/appointments/{id}/decline", h.DeclineAppointment)
			})

			r.Get("/availability", h.ListAvailability)
			r.Post("/availability", h.UpsertAvailability)
			r.Delete("/availability/{day}", h.DeleteAvailability)
			r.Get("/availability/exceptions", h.ListExceptions)
			r.Post("/availability/exceptions", h.UpsertException)
			r.Delete("/availability/exceptions/{date}", h.DeleteException)
		})
	})
	return r
}

type errorResponse = httpx.ErrorBody

// writeError maps domain errors onto status codes. Unknown errors are logged and hidden.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrSlotUnavailable):
		status, code = http.StatusBadRequest, "slot_unavailable"
	case errors.Is(err, model.ErrInvalidState):
		status, code = http.StatusBadRequest, "invalid_state"
	case errors.Is(err, model.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, model.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err, "path", r.URL.Path, "request_id", httpx.RequestIDFromContext(r.Context()))
		msg = "internal error"
	}
	httpx.WriteError(w, status, code, msg)
}

func badRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, "validation_error", msg)
}

func forbidden(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusForbidden, "permission_denied", msg)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func caller(r *http.Request) auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	return c
}

func trimmedParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
