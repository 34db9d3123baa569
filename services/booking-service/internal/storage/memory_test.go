package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRollsBackOnError(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	appt := newAppointment()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, &appt))
		require.NoError(t, tx.AppendEvents(ctx, outbox.Event{EventType: outbox.AppointmentCreated}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := store.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, store.Events())
}

func TestMemoryRollsBackOnCancelledContext(t *testing.T) {
	store := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	appt := newAppointment()

	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, &appt))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	_, ok, _ := store.GetAppointment(context.Background(), appt.ID)
	assert.False(t, ok)
}

func TestMemoryEnforcesNoOverlap(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	first := newAppointment()
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertAppointment(ctx, &first) }))

	second := newAppointment()
	second.ID = "second"
	second.ScheduledFor = first.ScheduledFor.Add(30 * time.Minute)
	second.ScheduledUntil = second.ScheduledFor.Add(time.Hour)
	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertAppointment(ctx, &second) })
	require.ErrorIs(t, err, model.ErrSlotUnavailable)

	touching := newAppointment()
	touching.ID = "touching"
	touching.ScheduledFor = first.ScheduledUntil
	touching.ScheduledUntil = touching.ScheduledFor.Add(time.Hour)
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertAppointment(ctx, &touching) }))
}

func TestMemoryExceptionUpsertReplaces(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	date := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.UpsertException(ctx, model.AvailabilityException{ProviderID: "p", Date: date, Kind: model.ExceptionUnavailable}); err != nil {
			return err
		}
		start, end := 600, 720
		return tx.UpsertException(ctx, model.AvailabilityException{ProviderID: "p", Date: date, Kind: model.ExceptionModifiedHours, StartMinute: &start, EndMinute: &end})
	}))

	list, err := store.ListExceptions(ctx, "p", date, date)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.ExceptionModifiedHours, list[0].Kind)
}
