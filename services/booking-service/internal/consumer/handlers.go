package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
	"github.com/segmentio/kafka-go"
)

const (
	TopicPaymentSucceeded = "payments.payment.succeeded.v1"
	TopicPaymentFailed    = "payments.payment.failed.v1"
	TopicServiceUpserted  = "catalog.service.upserted.v1"
)

// Payments is the part of the ledger driven by payment events.
type Payments interface {
	ConfirmPayment(ctx context.Context, id string) (model.Appointment, []outbox.Event, error)
	FailPayment(ctx context.Context, id string) (model.Appointment, []outbox.Event, error)
}

type PaymentEvent struct {
	AppointmentID string `json:"appointment_id"`
	PaymentID     string `json:"payment_id"`
}

func PaymentSucceeded(p Payments, logger *slog.Logger) Handler {
	return paymentHandler(logger, "confirm", p.ConfirmPayment)
}

func PaymentFailed(p Payments, logger *slog.Logger) Handler {
	return paymentHandler(logger, "fail", p.FailPayment)
}

func paymentHandler(logger *slog.Logger, action string, apply func(context.Context, string) (model.Appointment, []outbox.Event, error)) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt PaymentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Warn("invalid payment event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		id := strings.TrimSpace(evt.AppointmentID)
		if id == "" {
			logger.Warn("payment event without appointment_id", "topic", msg.Topic, "payment_id", evt.PaymentID)
			return nil
		}
		appt, _, err := apply(ctx, id)
		if Permanent(err) {
			logger.Warn("payment event rejected", "action", action, "appointment_id", id, "err", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s payment %s: %w", action, id, err)
		}
		logger.Info("payment event applied", "action", action, "appointment_id", id, "payment_status", appt.PaymentStatus)
		return nil
	}
}

type ServiceEvent struct {
	ServiceID       string    `json:"service_id"`
	ProviderID      string    `json:"provider_id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ServiceUpserted keeps the local copy of the catalog in sync. Older versions than the stored
// one are ignored.
func ServiceUpserted(store storage.Store, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt ServiceEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Warn("invalid service event payload", "err", err)
			return nil
		}
		if evt.ServiceID == "" || evt.ProviderID == "" || evt.DurationMinutes <= 0 {
			logger.Warn("incomplete service event", "service_id", evt.ServiceID)
			return nil
		}
		return store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			current, ok, err := tx.GetService(ctx, evt.ServiceID)
			if err != nil {
				return err
			}
			if ok && !evt.UpdatedAt.IsZero() && evt.UpdatedAt.Before(current.UpdatedAt) {
				logger.Info("stale service event ignored", "service_id", evt.ServiceID)
				return nil
			}
			return tx.UpsertService(ctx, model.Service{
				ID:         evt.ServiceID,
				ProviderID: evt.ProviderID,
				Name:       evt.Name,
				Duration:   time.Duration(evt.DurationMinutes) * time.Minute,
				Active:     evt.Active,
				UpdatedAt:  evt.UpdatedAt.UTC(),
			})
		})
	}
}

// Permanent reports errors that a redelivery cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvalidState) ||
		errors.Is(err, model.ErrValidation)
}
