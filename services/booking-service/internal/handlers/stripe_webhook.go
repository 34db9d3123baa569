package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/httpx"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	stripePaymentSucceeded = "payment_intent.succeeded"
	stripePaymentFailed    = "payment_intent.payment_failed"
)

// StripeWebhook turns payment intent outcomes into ledger transitions. The payment intent
// must carry the appointment id in its metadata.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.stripeWebhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	var apply func(context.Context, string) (model.Appointment, []outbox.Event, error)
	switch evtType {
	case stripePaymentSucceeded:
		apply = h.ledger.ConfirmPayment
	case stripePaymentFailed:
		apply = h.ledger.FailPayment
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		h.logger.Error("stripe: invalid payment intent payload", "err", err)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	appointmentID := strings.TrimSpace(intent.Metadata["appointment_id"])
	if appointmentID == "" {
		h.logger.Warn("stripe: payment intent without appointment_id metadata", "payment_intent", intent.ID)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ctx := r.Context()
	fresh, err := h.inbox.Record(ctx, evt.ID, "stripe."+evtType)
	if err != nil {
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}
	if !fresh {
		h.logger.Info("payment provider event duplicate ignored", "provider", "stripe", "provider_event_id", evt.ID)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	appt, _, err := apply(ctx, appointmentID)
	switch {
	case consumer.Permanent(err):
		h.logger.Warn("stripe: event rejected by ledger", "err", err, "appointment_id", appointmentID, "event_type", evtType)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	case err != nil:
		// Stripe retries non-2xx responses; let the retry through the inbox.
		if ferr := h.inbox.Forget(ctx, evt.ID); ferr != nil {
			h.logger.Error("inbox forget failed", "err", ferr, "provider_event_id", evt.ID)
		}
		h.writeError(w, r, err)
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"status":         "applied",
			"appointment_id": appt.ID,
			"payment_status": string(appt.PaymentStatus),
		})
	}
}
