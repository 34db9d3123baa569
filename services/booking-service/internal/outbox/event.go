package outbox

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateAppointment = "appointment"

	AppointmentCreated     = "booking.appointment.created.v1"
	AppointmentConfirmed   = "booking.appointment.confirmed.v1"
	AppointmentDeclined    = "booking.appointment.declined.v1"
	AppointmentCancelled   = "booking.appointment.cancelled.v1"
	AppointmentCompleted   = "booking.appointment.completed.v1"
	AppointmentRescheduled = "booking.appointment.rescheduled.v1"
	PaymentFailed          = "booking.payment.failed.v1"
	EscrowReleased         = "booking.escrow.released.v1"
	EscrowRefunded         = "booking.escrow.refunded.v1"
)

// AppointmentPayload is the body of every appointment event.
type AppointmentPayload struct {
	AppointmentID  string    `json:"appointment_id"`
	ClientID       string    `json:"client_id"`
	ProviderID     string    `json:"provider_id"`
	ServiceID      string    `json:"service_id"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	ScheduledUntil time.Time `json:"scheduled_until"`
	Status         string    `json:"status"`
	PaymentStatus  string    `json:"payment_status"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Reason         string    `json:"reason,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AppointmentEvent snapshots a into an event of the given type.
func AppointmentEvent(eventType string, a model.Appointment, actor, reason string, at time.Time) (Event, error) {
	return NewAppointmentEvent(eventType, AppointmentPayload{
		AppointmentID:  a.ID,
		ClientID:       a.ClientID,
		ProviderID:     a.ProviderID,
		ServiceID:      a.ServiceID,
		ScheduledFor:   a.ScheduledFor.UTC(),
		ScheduledUntil: a.ScheduledUntil.UTC(),
		Status:         string(a.Status),
		PaymentStatus:  string(a.PaymentStatus),
		Amount:         a.Amount.StringFixed(2),
		Currency:       a.Currency,
		Reason:         reason,
		Actor:          actor,
		OccurredAt:     at.UTC(),
	})
}

func NewAppointmentEvent(eventType string, p AppointmentPayload) (Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   p.AppointmentID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}
