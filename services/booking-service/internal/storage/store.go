package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
)

// AppointmentFilter narrows ListAppointments. Empty fields match everything.
type AppointmentFilter struct {
	ClientID   string
	ProviderID string
	Status     model.Status
	Limit      int
}

// Reader holds the lookups shared by the store and its transactions.
// Single-row lookups report absence through the bool, never through an error.
type Reader interface {
	GetService(ctx context.Context, id string) (model.Service, bool, error)
	GetRecurring(ctx context.Context, providerID string, dayOfWeek int) (model.RecurringAvailability, bool, error)
	ListRecurring(ctx context.Context, providerID string) ([]model.RecurringAvailability, error)
	GetException(ctx context.Context, providerID string, date time.Time) (model.AvailabilityException, bool, error)
	ListExceptions(ctx context.Context, providerID string, from, to time.Time) ([]model.AvailabilityException, error)
	// ListActive returns pending and confirmed appointments of the provider overlapping [from, to).
	ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, bool, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error)
}

// Tx is a unit of work. Every write made through it is discarded unless the surrounding
// InTx callback returns nil.
type Tx interface {
	Reader

	LockAppointment(ctx context.Context, id string) (model.Appointment, bool, error)
	InsertAppointment(ctx context.Context, appt *model.Appointment) error
	UpdateAppointment(ctx context.Context, appt model.Appointment) error

	InsertEscrow(ctx context.Context, s *model.EscrowSchedule) error
	LockEscrow(ctx context.Context, id string) (model.EscrowSchedule, bool, error)
	LockActiveEscrow(ctx context.Context, appointmentID string) (model.EscrowSchedule, bool, error)
	UpdateEscrow(ctx context.Context, s model.EscrowSchedule) error

	UpsertService(ctx context.Context, svc model.Service) error
	UpsertRecurring(ctx context.Context, r model.RecurringAvailability) error
	DeleteRecurring(ctx context.Context, providerID string, dayOfWeek int) (bool, error)
	UpsertException(ctx context.Context, e model.AvailabilityException) error
	DeleteException(ctx context.Context, providerID string, date time.Time) (bool, error)

	AppendEvents(ctx context.Context, events ...outbox.Event) error
}

type Store interface {
	Reader
	// InTx runs fn in a transaction, committing when it returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// InProviderTx is InTx serialized against every other InProviderTx for the same provider.
	InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error
	// DueEscrows lists scheduled escrow rows whose release time is at or before now.
	DueEscrows(ctx context.Context, now time.Time, limit int) ([]model.EscrowSchedule, error)
}
