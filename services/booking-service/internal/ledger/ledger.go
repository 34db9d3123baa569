package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/escrow"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Actor is who asks for a cancellation.
type Actor string

const (
	ActorClient   Actor = "client"
	ActorProvider Actor = "provider"
	ActorAdmin    Actor = "admin"
)

// Ledger is the only writer of appointment status. Every operation runs in one store
// transaction and returns the events it appended to the outbox.
type Ledger struct {
	store    storage.Store
	escrow   *escrow.Scheduler
	resolver *availability.Resolver
	logger   *slog.Logger
	metrics  *metrics.Booking
	tracer   trace.Tracer
	now      func() time.Time

	// Providers hash onto a fixed set of stripes; two providers sharing one only wait on
	// each other in this process.
	stripes [providerStripes]sync.Mutex
}

const providerStripes = 64

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store storage.Store, esc *escrow.Scheduler, resolver *availability.Resolver, logger *slog.Logger, m *metrics.Booking, opts ...Option) *Ledger {
	if resolver == nil {
		resolver = availability.NewResolver(store, time.UTC)
	}
	l := &Ledger{
		store:    store,
		escrow:   esc,
		resolver: resolver,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("booking/ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type CreateRequest struct {
	ClientID  string
	ServiceID string
	Start     time.Time
	End       time.Time
	Amount    decimal.Decimal
	Currency  string
}

func (l *Ledger) Create(ctx context.Context, req CreateRequest) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "create", attribute.String("service.id", req.ServiceID))
	defer func() { finish(err) }()

	if strings.TrimSpace(req.ClientID) == "" {
		return model.Appointment{}, nil, fmt.Errorf("client is required: %w", model.ErrValidation)
	}
	iv := availability.Interval{Start: req.Start, End: req.End}
	if !iv.Valid() {
		return model.Appointment{}, nil, fmt.Errorf("end time must be after start time: %w", model.ErrValidation)
	}
	if req.Amount.IsNegative() {
		return model.Appointment{}, nil, fmt.Errorf("amount must not be negative: %w", model.ErrValidation)
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return model.Appointment{}, nil, err
	}

	svc, ok, err := l.store.GetService(ctx, req.ServiceID)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	if !ok || !svc.Active {
		return model.Appointment{}, nil, fmt.Errorf("service %s not found or inactive: %w", req.ServiceID, model.ErrNotFound)
	}
	if svc.ProviderID == req.ClientID {
		return model.Appointment{}, nil, fmt.Errorf("providers cannot book their own services: %w", model.ErrValidation)
	}

	unlock := l.lockProvider(svc.ProviderID)
	defer unlock()

	now := l.now().UTC()
	appt = model.Appointment{
		ID:             uuid.NewString(),
		ClientID:       req.ClientID,
		ProviderID:     svc.ProviderID,
		ServiceID:      svc.ID,
		ScheduledFor:   req.Start.UTC(),
		ScheduledUntil: req.End.UTC(),
		Status:         model.StatusPending,
		PaymentStatus:  model.PaymentPending,
		Amount:         req.Amount,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = l.store.InProviderTx(ctx, svc.ProviderID, func(ctx context.Context, tx storage.Tx) error {
		if err := l.checkBookable(ctx, tx, appt.ProviderID, iv, now); err != nil {
			return err
		}
		free, err := availability.NewGuard(tx).IsFree(ctx, appt.ProviderID, iv, "")
		if err != nil {
			return err
		}
		if !free {
			return fmt.Errorf("selected time slot is no longer available: %w", model.ErrSlotUnavailable)
		}
		if err := tx.InsertAppointment(ctx, &appt); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.AppointmentCreated, appt, string(ActorClient), "", now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	l.logger.Info("appointment created", "appointment_id", appt.ID, "provider_id", appt.ProviderID, "client_id", appt.ClientID)
	return appt, events, nil
}

// ConfirmPayment records the external payment confirmation: payment moves straight from
// pending to held_in_escrow and the release is scheduled in the same transaction.
func (l *Ledger) ConfirmPayment(ctx context.Context, id string) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "confirm_payment", attribute.String("appointment.id", id))
	defer func() { finish(err) }()

	err = l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusPending || appt.PaymentStatus != model.PaymentPending {
			return fmt.Errorf("only pending appointments can be confirmed (status %s, payment %s): %w", appt.Status, appt.PaymentStatus, model.ErrInvalidState)
		}
		now := l.now().UTC()
		appt.Status = model.StatusConfirmed
		appt.PaymentStatus = model.PaymentHeldInEscrow
		appt.ConfirmedAt = &now
		appt.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if _, err := l.escrow.Schedule(ctx, tx, appt, now); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.AppointmentConfirmed, appt, "", "", now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	return appt, events, nil
}

// FailPayment records a failed charge on a pending appointment. The slot stays held until the
// client or provider cancels it.
func (l *Ledger) FailPayment(ctx context.Context, id string) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "fail_payment", attribute.String("appointment.id", id))
	defer func() { finish(err) }()

	err = l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusPending || !model.CanTransitionPayment(appt.PaymentStatus, model.PaymentFailed) {
			return fmt.Errorf("payment %s cannot fail: %w", appt.PaymentStatus, model.ErrInvalidState)
		}
		now := l.now().UTC()
		appt.PaymentStatus = model.PaymentFailed
		appt.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.PaymentFailed, appt, "", "", now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	return appt, events, nil
}

// Cancel ends a pending or confirmed appointment. Admin cancellations are recorded on the
// provider side. An escrowed payment is refunded in the same transaction.
func (l *Ledger) Cancel(ctx context.Context, id string, actor Actor, reason string) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "cancel", attribute.String("appointment.id", id), attribute.String("actor", string(actor)))
	defer func() { finish(err) }()

	var target model.Status
	switch actor {
	case ActorClient:
		target = model.StatusClientCancelled
	case ActorProvider, ActorAdmin:
		target = model.StatusProviderCancelled
	default:
		return model.Appointment{}, nil, fmt.Errorf("invalid canceller %q: %w", actor, model.ErrValidation)
	}

	err = l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.CanTransition(appt.Status, target) {
			return fmt.Errorf("cannot cancel a %s appointment: %w", appt.Status, model.ErrInvalidState)
		}
		now := l.now().UTC()
		appt.Status = target
		appt.CancelledAt = &now
		appt.CancelReason = strings.TrimSpace(reason)
		appt.UpdatedAt = now

		evt, err := outbox.AppointmentEvent(outbox.AppointmentCancelled, appt, string(actor), appt.CancelReason, now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		refund, err := l.escrow.Refund(ctx, tx, &appt, now)
		if err != nil {
			return err
		}
		events = append(events, refund...)
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	l.logger.Info("appointment cancelled", "appointment_id", appt.ID, "actor", actor, "payment_status", appt.PaymentStatus)
	return appt, events, nil
}

// Complete marks a confirmed appointment done. The escrowed payment keeps waiting for its
// scheduled release.
func (l *Ledger) Complete(ctx context.Context, id string) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "complete", attribute.String("appointment.id", id))
	defer func() { finish(err) }()

	err = l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusConfirmed {
			return fmt.Errorf("only confirmed appointments can be completed: %w", model.ErrInvalidState)
		}
		now := l.now().UTC()
		appt.Status = model.StatusCompleted
		appt.CompletedAt = &now
		appt.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.AppointmentCompleted, appt, "", "", now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	return appt, events, nil
}

func (l *Ledger) Decline(ctx context.Context, id, reason string) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "decline", attribute.String("appointment.id", id))
	defer func() { finish(err) }()

	err = l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusPending {
			return fmt.Errorf("only pending appointments can be declined: %w", model.ErrInvalidState)
		}
		now := l.now().UTC()
		appt.Status = model.StatusDeclined
		appt.CancelledAt = &now
		appt.CancelReason = strings.TrimSpace(reason)
		appt.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.AppointmentDeclined, appt, string(ActorProvider), appt.CancelReason, now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	return appt, events, nil
}

// Reschedule moves a pending appointment to a new interval. Its own current slot does not
// count as a conflict.
func (l *Ledger) Reschedule(ctx context.Context, id string, start, end time.Time) (appt model.Appointment, events []outbox.Event, err error) {
	ctx, finish := l.begin(ctx, "reschedule", attribute.String("appointment.id", id))
	defer func() { finish(err) }()

	iv := availability.Interval{Start: start.UTC(), End: end.UTC()}
	if !iv.Valid() {
		return model.Appointment{}, nil, fmt.Errorf("end time must be after start time: %w", model.ErrValidation)
	}

	current, ok, err := l.store.GetAppointment(ctx, id)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	if !ok {
		return model.Appointment{}, nil, fmt.Errorf("appointment %s: %w", id, model.ErrNotFound)
	}
	unlock := l.lockProvider(current.ProviderID)
	defer unlock()

	err = l.store.InProviderTx(ctx, current.ProviderID, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, err = lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusPending {
			return fmt.Errorf("only pending appointments can be rescheduled: %w", model.ErrInvalidState)
		}
		now := l.now().UTC()
		if err := l.checkBookable(ctx, tx, appt.ProviderID, iv, now); err != nil {
			return err
		}
		free, err := availability.NewGuard(tx).IsFree(ctx, appt.ProviderID, iv, appt.ID)
		if err != nil {
			return err
		}
		if !free {
			return fmt.Errorf("the selected time slot is no longer available: %w", model.ErrSlotUnavailable)
		}
		appt.ScheduledFor = iv.Start
		appt.ScheduledUntil = iv.End
		appt.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.AppointmentRescheduled, appt, string(ActorClient), "", now)
		if err != nil {
			return err
		}
		events = []outbox.Event{evt}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		return model.Appointment{}, nil, err
	}
	return appt, events, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, ok, err := l.store.GetAppointment(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", id, model.ErrNotFound)
	}
	return appt, nil
}

func (l *Ledger) ListForClient(ctx context.Context, clientID string, status model.Status) ([]model.Appointment, error) {
	return l.list(ctx, storage.AppointmentFilter{ClientID: clientID, Status: status})
}

func (l *Ledger) ListForProvider(ctx context.Context, providerID string, status model.Status) ([]model.Appointment, error) {
	return l.list(ctx, storage.AppointmentFilter{ProviderID: providerID, Status: status})
}

func (l *Ledger) list(ctx context.Context, f storage.AppointmentFilter) ([]model.Appointment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", f.Status, model.ErrValidation)
	}
	return l.store.ListAppointments(ctx, f)
}

// checkBookable rejects intervals that start in the past or fall outside the provider's
// working window for the start date.
func (l *Ledger) checkBookable(ctx context.Context, tx storage.Tx, providerID string, iv availability.Interval, now time.Time) error {
	if !iv.Start.After(now) {
		return fmt.Errorf("selected time is in the past: %w", model.ErrSlotUnavailable)
	}
	res, err := l.resolver.Using(tx).Resolve(ctx, providerID, iv.Start.In(l.resolver.Location()))
	if err != nil {
		return err
	}
	if !res.Open {
		return fmt.Errorf("provider is not available on %s (%s): %w", res.Date.Format(model.DateLayout), res.Reason, model.ErrSlotUnavailable)
	}
	window := res.Window()
	if iv.Start.Before(window.Start) || iv.End.After(window.End) {
		return fmt.Errorf("selected time is outside working hours: %w", model.ErrSlotUnavailable)
	}
	return nil
}

func (l *Ledger) lockProvider(providerID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(providerID))
	mu := &l.stripes[h.Sum32()%providerStripes]
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		l.metrics.ObserveOp(op, err, time.Since(start))
	}
}

func lockAppointment(ctx context.Context, tx storage.Tx, id string) (model.Appointment, error) {
	appt, ok, err := tx.LockAppointment(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", id, model.ErrNotFound)
	}
	return appt, nil
}

func normalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return model.DefaultCurrency, nil
	}
	if len(c) != 3 {
		return "", fmt.Errorf("currency must be a 3-letter ISO code: %w", model.ErrValidation)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("currency must be a 3-letter ISO code: %w", model.ErrValidation)
		}
	}
	return c, nil
}
