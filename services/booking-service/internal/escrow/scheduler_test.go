package escrow

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newScheduler(store storage.Store) *Scheduler {
	return NewScheduler(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, Config{})
}

func seedHeld(t *testing.T, store *storage.Memory, s *Scheduler, id string) {
	t.Helper()
	seedHeldAt(t, store, s, id, t0.Add(24*time.Hour))
}

func seedHeldAt(t *testing.T, store *storage.Memory, s *Scheduler, id string, start time.Time) {
	t.Helper()
	appt := model.Appointment{
		ID:             id,
		ClientID:       "client-1",
		ProviderID:     "prov-1",
		ServiceID:      "svc-1",
		ScheduledFor:   start,
		ScheduledUntil: start.Add(time.Hour),
		Status:         model.StatusConfirmed,
		PaymentStatus:  model.PaymentHeldInEscrow,
		Amount:         decimal.RequireFromString("5000"),
		Currency:       model.DefaultCurrency,
	}
	err := store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertAppointment(ctx, &appt); err != nil {
			return err
		}
		_, err := s.Schedule(ctx, tx, appt, t0)
		return err
	})
	require.NoError(t, err)
}

func TestScheduleUsesHoldPeriod(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	seedHeld(t, store, s, "a1")

	sched, ok := store.Escrow("a1")
	require.True(t, ok)
	assert.Equal(t, model.EscrowScheduled, sched.Status)
	assert.Equal(t, t0.Add(DefaultHoldPeriod), sched.ScheduledReleaseTime)
}

func TestProcessDueReleasesOnce(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	seedHeld(t, store, s, "a1")
	ctx := context.Background()

	rep, err := s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod-time.Second))
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	rep, err = s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod))
	require.NoError(t, err)
	assert.Equal(t, Report{Due: 1, Released: 1}, rep)

	appt, _, _ := store.GetAppointment(ctx, "a1")
	assert.Equal(t, model.PaymentReleasedToProvider, appt.PaymentStatus)
	sched, _ := store.Escrow("a1")
	assert.Equal(t, model.EscrowProcessed, sched.Status)
	require.NotNil(t, sched.ProcessedAt)

	rep, err = s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Released)

	var released int
	for _, e := range store.Events() {
		if e.EventType == outbox.EscrowReleased {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestOverlappingSweepsReleaseEachOnce(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	const held = 5
	for i := 0; i < held; i++ {
		seedHeldAt(t, store, s, "a"+strconv.Itoa(i), t0.Add(time.Duration(24+i)*time.Hour))
	}
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total Report
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			total.Released += rep.Released
			total.Skipped += rep.Skipped
			total.Failed += rep.Failed
		}()
	}
	wg.Wait()

	assert.Equal(t, held, total.Released)
	assert.Zero(t, total.Failed)

	var released int
	for _, e := range store.Events() {
		if e.EventType == outbox.EscrowReleased {
			released++
		}
	}
	assert.Equal(t, held, released)
	for i := 0; i < held; i++ {
		appt, _, _ := store.GetAppointment(ctx, "a"+strconv.Itoa(i))
		assert.Equal(t, model.PaymentReleasedToProvider, appt.PaymentStatus)
		sched, _ := store.Escrow(appt.ID)
		assert.Equal(t, model.EscrowProcessed, sched.Status)
	}
}

func TestProcessDueCancelledAppointment(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	seedHeld(t, store, s, "a1")
	ctx := context.Background()

	// Cancelled behind the scheduler's back, schedule still active.
	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		appt, _, err := tx.LockAppointment(ctx, "a1")
		if err != nil {
			return err
		}
		appt.Status = model.StatusClientCancelled
		return tx.UpdateAppointment(ctx, appt)
	})
	require.NoError(t, err)

	rep, err := s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod))
	require.NoError(t, err)
	assert.Equal(t, Report{Due: 1, Skipped: 1}, rep)

	appt, _, _ := store.GetAppointment(ctx, "a1")
	assert.Equal(t, model.PaymentHeldInEscrow, appt.PaymentStatus)
	sched, _ := store.Escrow("a1")
	assert.Equal(t, model.EscrowCancelled, sched.Status)
}

func TestProcessDueIsolatesFailures(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	seedHeld(t, store, s, "a1")
	ctx := context.Background()

	// A schedule pointing at a missing appointment fails alone.
	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertEscrow(ctx, &model.EscrowSchedule{
			ID:                   "orphan",
			AppointmentID:        "missing",
			ScheduledReleaseTime: t0,
			Status:               model.EscrowScheduled,
		})
	})
	require.NoError(t, err)

	rep, err := s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod))
	require.NoError(t, err)
	assert.Equal(t, Report{Due: 2, Released: 1, Failed: 1}, rep)
}

func TestRefundCancelsScheduleAndRefunds(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	seedHeld(t, store, s, "a1")
	ctx := context.Background()

	var events []outbox.Event
	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		appt, _, err := tx.LockAppointment(ctx, "a1")
		if err != nil {
			return err
		}
		appt.Status = model.StatusProviderCancelled
		events, err = s.Refund(ctx, tx, &appt, t0.Add(time.Hour))
		if err != nil {
			return err
		}
		return tx.UpdateAppointment(ctx, appt)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.EscrowRefunded, events[0].EventType)

	appt, _, _ := store.GetAppointment(ctx, "a1")
	assert.Equal(t, model.PaymentRefundedToClient, appt.PaymentStatus)
	sched, _ := store.Escrow("a1")
	assert.Equal(t, model.EscrowCancelled, sched.Status)

	rep, err := s.ProcessDue(ctx, t0.Add(DefaultHoldPeriod))
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestRefundWithoutEscrow(t *testing.T) {
	store := storage.NewMemory()
	s := newScheduler(store)
	appt := model.Appointment{ID: "p1", PaymentStatus: model.PaymentPending}

	err := store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		events, err := s.Refund(ctx, tx, &appt, t0)
		assert.Empty(t, events)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, appt.PaymentStatus)
}
