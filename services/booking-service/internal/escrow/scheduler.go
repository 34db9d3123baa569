package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultHoldPeriod = 72 * time.Hour

type Config struct {
	HoldPeriod time.Duration
	BatchSize  int
}

// Scheduler owns the held_in_escrow exits: time-boxed release to the provider and refund
// to the client on cancellation.
type Scheduler struct {
	store   storage.Store
	hold    time.Duration
	batch   int
	logger  *slog.Logger
	metrics *metrics.Booking
	tracer  trace.Tracer
}

func NewScheduler(store storage.Store, logger *slog.Logger, m *metrics.Booking, cfg Config) *Scheduler {
	if cfg.HoldPeriod <= 0 {
		cfg.HoldPeriod = DefaultHoldPeriod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		store:   store,
		hold:    cfg.HoldPeriod,
		batch:   cfg.BatchSize,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("booking/escrow"),
	}
}

func (s *Scheduler) HoldPeriod() time.Duration {
	return s.hold
}

// Schedule records the release of appt's escrowed payment at now + hold period. It runs in
// the caller's transaction.
func (s *Scheduler) Schedule(ctx context.Context, tx storage.Tx, appt model.Appointment, now time.Time) (model.EscrowSchedule, error) {
	sched := model.EscrowSchedule{
		ID:                   uuid.NewString(),
		AppointmentID:        appt.ID,
		ScheduledReleaseTime: now.Add(s.hold),
		Status:               model.EscrowScheduled,
		CreatedAt:            now,
	}
	if err := tx.InsertEscrow(ctx, &sched); err != nil {
		return model.EscrowSchedule{}, fmt.Errorf("schedule escrow release: %w", err)
	}
	return sched, nil
}

// Refund cancels any scheduled release and returns an escrowed payment to the client.
// appt must already be locked by tx; it is updated in place.
func (s *Scheduler) Refund(ctx context.Context, tx storage.Tx, appt *model.Appointment, now time.Time) ([]outbox.Event, error) {
	sched, ok, err := tx.LockActiveEscrow(ctx, appt.ID)
	if err != nil {
		return nil, fmt.Errorf("load escrow schedule: %w", err)
	}
	if ok {
		sched.Status = model.EscrowCancelled
		sched.ProcessedAt = &now
		if err := tx.UpdateEscrow(ctx, sched); err != nil {
			return nil, fmt.Errorf("cancel escrow schedule: %w", err)
		}
	}

	if appt.PaymentStatus != model.PaymentHeldInEscrow {
		return nil, nil
	}
	appt.PaymentStatus = model.PaymentRefundedToClient
	appt.UpdatedAt = now
	evt, err := outbox.AppointmentEvent(outbox.EscrowRefunded, *appt, "", appt.CancelReason, now)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveEscrow("refunded", 1)
	return []outbox.Event{evt}, nil
}

// Report summarizes one ProcessDue pass.
type Report struct {
	Due      int
	Released int
	Skipped  int
	Failed   int
}

// ProcessDue releases every escrow whose hold expired at or before now. Each schedule is
// settled in its own transaction; a failing item is logged and counted without stopping the
// batch. Running it twice, or concurrently, releases each payment at most once.
func (s *Scheduler) ProcessDue(ctx context.Context, now time.Time) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.process_due")
	defer span.End()

	due, err := s.store.DueEscrows(ctx, now, s.batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, fmt.Errorf("list due escrows: %w", err)
	}

	rep := Report{Due: len(due)}
	for _, item := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		released, err := s.release(ctx, item, now)
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Error("escrow release failed", "err", err, "escrow_id", item.ID, "appointment_id", item.AppointmentID)
		case released:
			rep.Released++
		default:
			rep.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("escrow.due", rep.Due),
		attribute.Int("escrow.released", rep.Released),
		attribute.Int("escrow.failed", rep.Failed),
	)
	s.metrics.ObserveEscrow("released", rep.Released)
	s.metrics.ObserveEscrow("skipped", rep.Skipped)
	s.metrics.ObserveEscrow("failed", rep.Failed)
	if rep.Due > 0 {
		s.logger.Info("escrow sweep finished", "due", rep.Due, "released", rep.Released, "skipped", rep.Skipped, "failed", rep.Failed)
	}
	return rep, nil
}

func (s *Scheduler) release(ctx context.Context, item model.EscrowSchedule, now time.Time) (bool, error) {
	released := false
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		released = false

		// Appointment first, then schedule: the same order Cancel uses.
		appt, ok, err := tx.LockAppointment(ctx, item.AppointmentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("appointment %s: %w", item.AppointmentID, model.ErrNotFound)
		}
		sched, ok, err := tx.LockEscrow(ctx, item.ID)
		if err != nil {
			return err
		}
		if !ok || sched.Status != model.EscrowScheduled {
			return nil
		}

		switch {
		case appt.Status.Cancelled() || appt.PaymentStatus == model.PaymentRefundedToClient:
			sched.Status = model.EscrowCancelled
			sched.ProcessedAt = &now
			return tx.UpdateEscrow(ctx, sched)
		case appt.PaymentStatus == model.PaymentReleasedToProvider:
			sched.Status = model.EscrowProcessed
			sched.ProcessedAt = &now
			return tx.UpdateEscrow(ctx, sched)
		case appt.PaymentStatus != model.PaymentHeldInEscrow:
			s.logger.Warn("escrow due but payment not held", "appointment_id", appt.ID, "payment_status", appt.PaymentStatus)
			return nil
		}

		appt.PaymentStatus = model.PaymentReleasedToProvider
		appt.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		sched.Status = model.EscrowProcessed
		sched.ProcessedAt = &now
		if err := tx.UpdateEscrow(ctx, sched); err != nil {
			return err
		}
		evt, err := outbox.AppointmentEvent(outbox.EscrowReleased, appt, "", "", now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, evt); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}
