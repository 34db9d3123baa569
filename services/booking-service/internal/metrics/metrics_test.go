package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOpLabelsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBooking(reg)

	m.ObserveOp("create", nil, 10*time.Millisecond)
	m.ObserveOp("create", fmt.Errorf("create: %w", model.ErrSlotUnavailable), time.Millisecond)
	m.ObserveOp("create", errors.New("db down"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("create", "slot_unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("create", "error")))
}

func TestNilBookingIsNoop(t *testing.T) {
	var m *Booking
	m.ObserveOp("cancel", nil, time.Second)
	m.ObserveEscrow("released", 2)
	m.ObserveSlots(3)
}

func TestObserveEscrow(t *testing.T) {
	m := NewBooking(prometheus.NewRegistry())
	m.ObserveEscrow("released", 3)
	m.ObserveEscrow("failed", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.escrowTotal.WithLabelValues("released")))
}
