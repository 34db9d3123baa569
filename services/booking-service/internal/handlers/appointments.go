package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/auth"
	"github.com/md-rashed-zaman/marketbook/libs/httpx"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
)

type appointmentResponse struct {
	ID             string  `json:"id"`
	ClientID       string  `json:"client_id"`
	ProviderID     string  `json:"provider_id"`
	ServiceID      string  `json:"service_id"`
	ScheduledFor   string  `json:"scheduled_for"`
	ScheduledUntil string  `json:"scheduled_until"`
	DurationMin    int     `json:"duration_minutes"`
	Status         string  `json:"status"`
	PaymentStatus  string  `json:"payment_status"`
	Amount         string  `json:"amount"`
	Currency       string  `json:"currency"`
	ConfirmedAt    *string `json:"confirmed_at,omitempty"`
	CancelledAt    *string `json:"cancelled_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	CancelReason   string  `json:"cancellation_reason,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:             a.ID,
		ClientID:       a.ClientID,
		ProviderID:     a.ProviderID,
		ServiceID:      a.ServiceID,
		ScheduledFor:   a.ScheduledFor.UTC().Format(time.RFC3339),
		ScheduledUntil: a.ScheduledUntil.UTC().Format(time.RFC3339),
		DurationMin:    int(a.Duration() / time.Minute),
		Status:         string(a.Status),
		PaymentStatus:  string(a.PaymentStatus),
		Amount:         a.Amount.StringFixed(2),
		Currency:       a.Currency,
		ConfirmedAt:    formatOptional(a.ConfirmedAt),
		CancelledAt:    formatOptional(a.CancelledAt),
		CompletedAt:    formatOptional(a.CompletedAt),
		CancelReason:   a.CancelReason,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

type createAppointmentRequest struct {
	ServiceID      string          `json:"service_id"`
	ScheduledFor   string          `json:"scheduled_for"`
	ScheduledUntil string          `json:"scheduled_until"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	if c.Role != auth.RoleClient {
		forbidden(w, "only clients can create appointments")
		return
	}

	var req createAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ServiceID == "" {
		badRequest(w, "service_id is required")
		return
	}
	start, end, ok := parseInterval(w, req.ScheduledFor, req.ScheduledUntil)
	if !ok {
		return
	}

	appt, _, err := h.ledger.Create(r.Context(), ledger.CreateRequest{
		ClientID:  c.Sub,
		ServiceID: req.ServiceID,
		Start:     start,
		End:       end,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	status := model.Status(strings.TrimSpace(r.URL.Query().Get("status")))

	var (
		appts []model.Appointment
		err   error
	)
	switch c.Role {
	case auth.RoleClient:
		appts, err = h.ledger.ListForClient(r.Context(), c.Sub, status)
	case auth.RoleProvider:
		appts, err = h.ledger.ListForProvider(r.Context(), c.Sub, status)
	default:
		badRequest(w, "invalid user role")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadForCaller(w, r, participantOrAdmin)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadForCaller(w, r, clientOnly); !ok {
		return
	}
	appt, _, err := h.ledger.ConfirmPayment(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadForCaller(w, r, participantOrAdmin)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}

	c := caller(r)
	actor := ledger.ActorAdmin
	switch c.Sub {
	case current.ClientID:
		actor = ledger.ActorClient
	case current.ProviderID:
		actor = ledger.ActorProvider
	}
	appt, _, err := h.ledger.Cancel(r.Context(), current.ID, actor, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type rescheduleRequest struct {
	ScheduledFor   string `json:"scheduled_for"`
	ScheduledUntil string `json:"scheduled_until"`
}

func (h *Handler) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadForCaller(w, r, clientOnly)
	if !ok {
		return
	}
	var req rescheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	start, end, ok := parseInterval(w, req.ScheduledFor, req.ScheduledUntil)
	if !ok {
		return
	}
	appt, _, err := h.ledger.Reschedule(r.Context(), current.ID, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadForCaller(w, r, providerOrAdmin)
	if !ok {
		return
	}
	appt, _, err := h.ledger.Complete(r.Context(), current.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) DeclineAppointment(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadForCaller(w, r, providerOrAdmin)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	appt, _, err := h.ledger.Decline(r.Context(), current.ID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type accessRule func(c auth.Claims, a model.Appointment) bool

func participantOrAdmin(c auth.Claims, a model.Appointment) bool {
	return c.Role == auth.RoleAdmin || a.IsParticipant(c.Sub)
}

func clientOnly(c auth.Claims, a model.Appointment) bool {
	return c.Sub == a.ClientID
}

func providerOrAdmin(c auth.Claims, a model.Appointment) bool {
	return c.Role == auth.RoleAdmin || c.Sub == a.ProviderID
}

// loadForCaller fetches the appointment named in the path and applies allow. It writes the
// error response itself and reports whether the handler may continue.
func (h *Handler) loadForCaller(w http.ResponseWriter, r *http.Request, allow accessRule) (model.Appointment, bool) {
	appt, err := h.ledger.Get(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return model.Appointment{}, false
	}
	if !allow(caller(r), appt) {
		forbidden(w, "you do not have permission to access this appointment")
		return model.Appointment{}, false
	}
	return appt, true
}

func parseInterval(w http.ResponseWriter, from, until string) (time.Time, time.Time, bool) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(until) == "" {
		badRequest(w, "scheduled_for and scheduled_until are required")
		return time.Time{}, time.Time{}, false
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(from))
	if err != nil {
		badRequest(w, "invalid scheduled_for, use RFC 3339")
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(until))
	if err != nil {
		badRequest(w, "invalid scheduled_until, use RFC 3339")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
