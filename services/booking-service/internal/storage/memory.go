package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
)

// Memory is an in-process Store for local runs and tests. Transactions hold a single
// mutex and are rolled back by restoring a snapshot taken on entry.
type Memory struct {
	mu sync.Mutex
	st memState
}

type recurringKey struct {
	provider string
	day      int
}

type exceptionKey struct {
	provider string
	date     string
}

type memState struct {
	services     map[string]model.Service
	recurring    map[recurringKey]model.RecurringAvailability
	exceptions   map[exceptionKey]model.AvailabilityException
	appointments map[string]model.Appointment
	escrows      map[string]model.EscrowSchedule
	events       []outbox.Event
}

func NewMemory() *Memory {
	return &Memory{st: memState{
		services:     map[string]model.Service{},
		recurring:    map[recurringKey]model.RecurringAvailability{},
		exceptions:   map[exceptionKey]model.AvailabilityException{},
		appointments: map[string]model.Appointment{},
		escrows:      map[string]model.EscrowSchedule{},
	}}
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.st.clone()
	err := fn(ctx, &memTx{memState: &m.st})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// InProviderTx needs no extra lock: every memory transaction is already exclusive.
func (m *Memory) InProviderTx(ctx context.Context, _ string, fn func(ctx context.Context, tx Tx) error) error {
	return m.InTx(ctx, fn)
}

func (m *Memory) DueEscrows(_ context.Context, now time.Time, limit int) ([]model.EscrowSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.EscrowSchedule
	for _, s := range m.st.escrows {
		if s.Status == model.EscrowScheduled && !s.ScheduledReleaseTime.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledReleaseTime.Before(out[j].ScheduledReleaseTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns every committed outbox event in insertion order.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.st.events)
}

// Escrow returns the stored schedule for an appointment, preferring the active one.
func (m *Memory) Escrow(appointmentID string) (model.EscrowSchedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found model.EscrowSchedule
	ok := false
	for _, s := range m.st.escrows {
		if s.AppointmentID != appointmentID {
			continue
		}
		if !ok || s.Status == model.EscrowScheduled {
			found, ok = s, true
		}
	}
	return found, ok
}

func (m *Memory) GetService(ctx context.Context, id string) (model.Service, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetService(ctx, id)
}

func (m *Memory) GetRecurring(ctx context.Context, providerID string, dayOfWeek int) (model.RecurringAvailability, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetRecurring(ctx, providerID, dayOfWeek)
}

func (m *Memory) ListRecurring(ctx context.Context, providerID string) ([]model.RecurringAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListRecurring(ctx, providerID)
}

func (m *Memory) GetException(ctx context.Context, providerID string, date time.Time) (model.AvailabilityException, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetException(ctx, providerID, date)
}

func (m *Memory) ListExceptions(ctx context.Context, providerID string, from, to time.Time) ([]model.AvailabilityException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListExceptions(ctx, providerID, from, to)
}

func (m *Memory) ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListActive(ctx, providerID, from, to)
}

func (m *Memory) GetAppointment(ctx context.Context, id string) (model.Appointment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetAppointment(ctx, id)
}

func (m *Memory) ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListAppointments(ctx, f)
}

func (s memState) clone() memState {
	return memState{
		services:     maps.Clone(s.services),
		recurring:    maps.Clone(s.recurring),
		exceptions:   maps.Clone(s.exceptions),
		appointments: maps.Clone(s.appointments),
		escrows:      maps.Clone(s.escrows),
		events:       slices.Clone(s.events),
	}
}

func dateKey(t time.Time) string {
	return t.Format(model.DateLayout)
}

func (s *memState) GetService(_ context.Context, id string) (model.Service, bool, error) {
	svc, ok := s.services[id]
	return svc, ok, nil
}

func (s *memState) GetRecurring(_ context.Context, providerID string, dayOfWeek int) (model.RecurringAvailability, bool, error) {
	r, ok := s.recurring[recurringKey{providerID, dayOfWeek}]
	return r, ok, nil
}

func (s *memState) ListRecurring(_ context.Context, providerID string) ([]model.RecurringAvailability, error) {
	var out []model.RecurringAvailability
	for k, r := range s.recurring {
		if k.provider == providerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayOfWeek < out[j].DayOfWeek })
	return out, nil
}

func (s *memState) GetException(_ context.Context, providerID string, date time.Time) (model.AvailabilityException, bool, error) {
	e, ok := s.exceptions[exceptionKey{providerID, dateKey(date)}]
	return e, ok, nil
}

func (s *memState) ListExceptions(_ context.Context, providerID string, from, to time.Time) ([]model.AvailabilityException, error) {
	lo, hi := dateKey(from), dateKey(to)
	var out []model.AvailabilityException
	for k, e := range s.exceptions {
		if k.provider == providerID && k.date >= lo && k.date <= hi {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return dateKey(out[i].Date) < dateKey(out[j].Date) })
	return out, nil
}

func (s *memState) ListActive(_ context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range s.appointments {
		if a.ProviderID != providerID || !a.Status.Active() {
			continue
		}
		if a.ScheduledFor.Before(to) && from.Before(a.ScheduledUntil) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *memState) GetAppointment(_ context.Context, id string) (model.Appointment, bool, error) {
	a, ok := s.appointments[id]
	return a, ok, nil
}

func (s *memState) ListAppointments(_ context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range s.appointments {
		if f.ClientID != "" && a.ClientID != f.ClientID {
			continue
		}
		if f.ProviderID != "" && a.ProviderID != f.ProviderID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.After(out[j].ScheduledFor) })
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	*memState
}

func (t *memTx) LockAppointment(ctx context.Context, id string) (model.Appointment, bool, error) {
	return t.GetAppointment(ctx, id)
}

func (t *memTx) InsertAppointment(_ context.Context, appt *model.Appointment) error {
	if _, exists := t.appointments[appt.ID]; exists {
		return fmt.Errorf("appointment %s already exists", appt.ID)
	}
	if appt.Status.Active() && t.overlapsActive(*appt) {
		return fmt.Errorf("appointment %s: %w", appt.ID, model.ErrSlotUnavailable)
	}
	t.appointments[appt.ID] = *appt
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, appt model.Appointment) error {
	if _, exists := t.appointments[appt.ID]; !exists {
		return fmt.Errorf("appointment %s: %w", appt.ID, model.ErrNotFound)
	}
	if appt.Status.Active() && t.overlapsActive(appt) {
		return fmt.Errorf("appointment %s: %w", appt.ID, model.ErrSlotUnavailable)
	}
	t.appointments[appt.ID] = appt
	return nil
}

// overlapsActive mirrors the Postgres exclusion constraint.
func (t *memTx) overlapsActive(appt model.Appointment) bool {
	for id, other := range t.appointments {
		if id == appt.ID || other.ProviderID != appt.ProviderID || !other.Status.Active() {
			continue
		}
		if appt.ScheduledFor.Before(other.ScheduledUntil) && other.ScheduledFor.Before(appt.ScheduledUntil) {
			return true
		}
	}
	return false
}

func (t *memTx) InsertEscrow(_ context.Context, s *model.EscrowSchedule) error {
	if s.Status == model.EscrowScheduled {
		for _, other := range t.escrows {
			if other.AppointmentID == s.AppointmentID && other.Status == model.EscrowScheduled {
				return fmt.Errorf("appointment %s already has a scheduled escrow release", s.AppointmentID)
			}
		}
	}
	t.escrows[s.ID] = *s
	return nil
}

func (t *memTx) LockEscrow(_ context.Context, id string) (model.EscrowSchedule, bool, error) {
	s, ok := t.escrows[id]
	return s, ok, nil
}

func (t *memTx) LockActiveEscrow(_ context.Context, appointmentID string) (model.EscrowSchedule, bool, error) {
	for _, s := range t.escrows {
		if s.AppointmentID == appointmentID && s.Status == model.EscrowScheduled {
			return s, true, nil
		}
	}
	return model.EscrowSchedule{}, false, nil
}

func (t *memTx) UpdateEscrow(_ context.Context, s model.EscrowSchedule) error {
	if _, ok := t.escrows[s.ID]; !ok {
		return fmt.Errorf("escrow %s: %w", s.ID, model.ErrNotFound)
	}
	t.escrows[s.ID] = s
	return nil
}

func (t *memTx) UpsertService(_ context.Context, svc model.Service) error {
	t.services[svc.ID] = svc
	return nil
}

func (t *memTx) UpsertRecurring(_ context.Context, r model.RecurringAvailability) error {
	t.recurring[recurringKey{r.ProviderID, r.DayOfWeek}] = r
	return nil
}

func (t *memTx) DeleteRecurring(_ context.Context, providerID string, dayOfWeek int) (bool, error) {
	k := recurringKey{providerID, dayOfWeek}
	_, ok := t.recurring[k]
	delete(t.recurring, k)
	return ok, nil
}

func (t *memTx) UpsertException(_ context.Context, e model.AvailabilityException) error {
	t.exceptions[exceptionKey{e.ProviderID, dateKey(e.Date)}] = e
	return nil
}

func (t *memTx) DeleteException(_ context.Context, providerID string, date time.Time) (bool, error) {
	k := exceptionKey{providerID, dateKey(date)}
	_, ok := t.exceptions[k]
	delete(t.exceptions, k)
	return ok, nil
}

func (t *memTx) AppendEvents(_ context.Context, events ...outbox.Event) error {
	t.events = append(t.events, events...)
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
	_ Tx    = (*memTx)(nil)
	_ Tx    = (*pgTx)(nil)
)
