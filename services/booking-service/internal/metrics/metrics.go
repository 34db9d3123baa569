package metrics

import (
	"errors"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Booking exposes counters and latencies for ledger operations and escrow sweeps.
// A nil *Booking is valid and records nothing.
type Booking struct {
	opsTotal    *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	escrowTotal *prometheus.CounterVec
	slotsServed prometheus.Histogram
}

func NewBooking(reg prometheus.Registerer) *Booking {
	m := &Booking{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketbook",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Appointment ledger operations by outcome",
		}, []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketbook",
			Subsystem: "ledger",
			Name:      "operation_seconds",
			Help:      "Latency of appointment ledger operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		escrowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketbook",
			Subsystem: "escrow",
			Name:      "items_total",
			Help:      "Escrow schedules handled by result",
		}, []string{"result"}),
		slotsServed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketbook",
			Subsystem: "slots",
			Name:      "returned",
			Help:      "Number of slots returned per query",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.opsTotal, m.opLatency, m.escrowTotal, m.slotsServed)
	return m
}

func (m *Booking) ObserveOp(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(op, Outcome(err)).Inc()
	m.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Booking) ObserveEscrow(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.escrowTotal.WithLabelValues(result).Add(float64(n))
}

func (m *Booking) ObserveSlots(n int) {
	if m == nil {
		return
	}
	m.slotsServed.Observe(float64(n))
}

// Outcome maps an operation error onto a bounded label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, model.ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "error"
	}
}
