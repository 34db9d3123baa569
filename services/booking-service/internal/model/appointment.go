package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusConfirmed         Status = "confirmed"
	StatusCompleted         Status = "completed"
	StatusDeclined          Status = "declined"
	StatusClientCancelled   Status = "client_cancelled"
	StatusProviderCancelled Status = "provider_cancelled"
)

type PaymentStatus string

const (
	PaymentPending            PaymentStatus = "pending"
	PaymentProcessing         PaymentStatus = "processing"
	PaymentHeldInEscrow       PaymentStatus = "held_in_escrow"
	PaymentReleasedToProvider PaymentStatus = "released_to_provider"
	PaymentRefundedToClient   PaymentStatus = "refunded_to_client"
	PaymentFailed             PaymentStatus = "failed"
)

const DefaultCurrency = "XAF"

var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusDeclined, StatusClientCancelled, StatusProviderCancelled},
	StatusConfirmed: {StatusCompleted, StatusClientCancelled, StatusProviderCancelled},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:      {PaymentProcessing, PaymentFailed},
	PaymentProcessing:   {PaymentHeldInEscrow, PaymentFailed},
	PaymentHeldInEscrow: {PaymentReleasedToProvider, PaymentRefundedToClient},
}

// CanTransition reports whether the appointment lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPayment reports whether the escrow sub-machine allows from -> to.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active appointments occupy the provider's timeline.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Cancelled() bool {
	return s == StatusClientCancelled || s == StatusProviderCancelled || s == StatusDeclined
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusDeclined, StatusClientCancelled, StatusProviderCancelled:
		return true
	}
	return false
}

type Appointment struct {
	ID             string
	ClientID       string
	ProviderID     string
	ServiceID      string
	ScheduledFor   time.Time
	ScheduledUntil time.Time
	Status         Status
	PaymentStatus  PaymentStatus
	Amount         decimal.Decimal
	Currency       string
	ConfirmedAt    *time.Time
	CancelledAt    *time.Time
	CompletedAt    *time.Time
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Appointment) Duration() time.Duration {
	return a.ScheduledUntil.Sub(a.ScheduledFor)
}

// IsParticipant reports whether profileID is the client or provider of the appointment.
func (a Appointment) IsParticipant(profileID string) bool {
	return profileID != "" && (profileID == a.ClientID || profileID == a.ProviderID)
}

type EscrowStatus string

const (
	EscrowScheduled EscrowStatus = "scheduled"
	EscrowProcessed EscrowStatus = "processed"
	EscrowCancelled EscrowStatus = "cancelled"
)

type EscrowSchedule struct {
	ID                   string
	AppointmentID        string
	ScheduledReleaseTime time.Time
	Status               EscrowStatus
	ProcessedAt          *time.Time
	CreatedAt            time.Time
}

// Service is the local projection of a catalog entry that bookings reference.
type Service struct {
	ID         string
	ProviderID string
	Name       string
	Duration   time.Duration
	Active     bool
	UpdatedAt  time.Time
}
