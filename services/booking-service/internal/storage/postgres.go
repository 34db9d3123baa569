package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/shopspring/decimal"
)

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is satisfied by *db.Pool and by pgxmock pools.
type DB interface {
	queryer
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is the production Store. Per-provider serialization uses a transaction scoped
// advisory lock; the appointments exclusion constraint backs it up.
type Postgres struct {
	pgReader
	db     DB
	outbox *outbox.Repository
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{pgReader: pgReader{q: db}, db: db, outbox: outbox.NewRepository()}
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.inTx(ctx, "", fn)
}

func (p *Postgres) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error {
	return p.inTx(ctx, providerID, fn)
}

func (p *Postgres) inTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if lockKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("provider lock: %w", err)
		}
	}
	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}, tx: tx, outbox: p.outbox}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DueEscrows(ctx context.Context, now time.Time, limit int) ([]model.EscrowSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_schedules
		WHERE status = 'scheduled' AND scheduled_release_time <= $1
		ORDER BY scheduled_release_time
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EscrowSchedule
	for rows.Next() {
		s, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type pgTx struct {
	pgReader
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) LockAppointment(ctx context.Context, id string) (model.Appointment, bool, error) {
	if !validID(id) {
		return model.Appointment{}, false, nil
	}
	appt, err := scanAppointment(t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
	if IsNotFound(err) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, appt *model.Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, client_id, provider_id, service_id, scheduled_for, scheduled_until, status, payment_status,
			 amount, currency, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $12)
	`, appt.ID, appt.ClientID, appt.ProviderID, appt.ServiceID, appt.ScheduledFor, appt.ScheduledUntil,
		string(appt.Status), string(appt.PaymentStatus), appt.Amount.StringFixed(2), appt.Currency,
		appt.CancelReason, appt.CreatedAt)
	return mapWriteError(err)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, appt model.Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET scheduled_for = $2,
			scheduled_until = $3,
			status = $4,
			payment_status = $5,
			confirmed_at = $6,
			cancelled_at = $7,
			completed_at = $8,
			cancel_reason = $9,
			updated_at = $10
		WHERE id = $1
	`, appt.ID, appt.ScheduledFor, appt.ScheduledUntil, string(appt.Status), string(appt.PaymentStatus),
		appt.ConfirmedAt, appt.CancelledAt, appt.CompletedAt, appt.CancelReason, appt.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", appt.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertEscrow(ctx context.Context, s *model.EscrowSchedule) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrow_schedules (id, appointment_id, scheduled_release_time, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.AppointmentID, s.ScheduledReleaseTime, string(s.Status), s.CreatedAt)
	return err
}

func (t *pgTx) LockEscrow(ctx context.Context, id string) (model.EscrowSchedule, bool, error) {
	return t.lockEscrow(ctx, `id = $1`, id)
}

func (t *pgTx) LockActiveEscrow(ctx context.Context, appointmentID string) (model.EscrowSchedule, bool, error) {
	return t.lockEscrow(ctx, `appointment_id = $1 AND status = 'scheduled'`, appointmentID)
}

func (t *pgTx) lockEscrow(ctx context.Context, where string, arg string) (model.EscrowSchedule, bool, error) {
	if !validID(arg) {
		return model.EscrowSchedule{}, false, nil
	}
	s, err := scanEscrow(t.tx.QueryRow(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_schedules
		WHERE `+where+`
		FOR UPDATE
	`, arg))
	if IsNotFound(err) {
		return model.EscrowSchedule{}, false, nil
	}
	if err != nil {
		return model.EscrowSchedule{}, false, err
	}
	return s, true, nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, s model.EscrowSchedule) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE escrow_schedules
		SET status = $2, processed_at = $3
		WHERE id = $1
	`, s.ID, string(s.Status), s.ProcessedAt)
	return err
}

func (t *pgTx) UpsertService(ctx context.Context, svc model.Service) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO services (id, provider_id, name, duration_minutes, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET provider_id = EXCLUDED.provider_id,
			name = EXCLUDED.name,
			duration_minutes = EXCLUDED.duration_minutes,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, svc.ID, svc.ProviderID, svc.Name, int(svc.Duration/time.Minute), svc.Active, svc.UpdatedAt)
	return err
}

func (t *pgTx) UpsertRecurring(ctx context.Context, r model.RecurringAvailability) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recurring_availability (provider_id, day_of_week, start_minute, end_minute, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id, day_of_week) DO UPDATE
		SET start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`, r.ProviderID, r.DayOfWeek, r.StartMinute, r.EndMinute, r.Enabled, r.UpdatedAt)
	return err
}

func (t *pgTx) DeleteRecurring(ctx context.Context, providerID string, dayOfWeek int) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM recurring_availability WHERE provider_id = $1 AND day_of_week = $2
	`, providerID, dayOfWeek)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) UpsertException(ctx context.Context, e model.AvailabilityException) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO availability_exceptions (provider_id, date, kind, start_minute, end_minute, reason, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_id, date) DO UPDATE
		SET kind = EXCLUDED.kind,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, e.ProviderID, e.Date.Format(model.DateLayout), string(e.Kind), e.StartMinute, e.EndMinute, e.Reason, e.UpdatedAt)
	return err
}

func (t *pgTx) DeleteException(ctx context.Context, providerID string, date time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM availability_exceptions WHERE provider_id = $1 AND date = $2::date
	`, providerID, date.Format(model.DateLayout))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) AppendEvents(ctx context.Context, events ...outbox.Event) error {
	for _, evt := range events {
		if err := t.outbox.Insert(ctx, t.tx, evt); err != nil {
			return err
		}
	}
	return nil
}

type pgReader struct {
	q queryer
}

func (r pgReader) GetService(ctx context.Context, id string) (model.Service, bool, error) {
	var svc model.Service
	var minutes int
	err := r.q.QueryRow(ctx, `
		SELECT id, provider_id, name, duration_minutes, active, updated_at
		FROM services
		WHERE id = $1
	`, id).Scan(&svc.ID, &svc.ProviderID, &svc.Name, &minutes, &svc.Active, &svc.UpdatedAt)
	if IsNotFound(err) {
		return model.Service{}, false, nil
	}
	if err != nil {
		return model.Service{}, false, err
	}
	svc.Duration = time.Duration(minutes) * time.Minute
	return svc, true, nil
}

func (r pgReader) GetRecurring(ctx context.Context, providerID string, dayOfWeek int) (model.RecurringAvailability, bool, error) {
	var ra model.RecurringAvailability
	err := r.q.QueryRow(ctx, `
		SELECT provider_id, day_of_week, start_minute, end_minute, enabled, updated_at
		FROM recurring_availability
		WHERE provider_id = $1 AND day_of_week = $2
	`, providerID, dayOfWeek).Scan(&ra.ProviderID, &ra.DayOfWeek, &ra.StartMinute, &ra.EndMinute, &ra.Enabled, &ra.UpdatedAt)
	if IsNotFound(err) {
		return model.RecurringAvailability{}, false, nil
	}
	if err != nil {
		return model.RecurringAvailability{}, false, err
	}
	return ra, true, nil
}

func (r pgReader) ListRecurring(ctx context.Context, providerID string) ([]model.RecurringAvailability, error) {
	rows, err := r.q.Query(ctx, `
		SELECT provider_id, day_of_week, start_minute, end_minute, enabled, updated_at
		FROM recurring_availability
		WHERE provider_id = $1
		ORDER BY day_of_week
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecurringAvailability
	for rows.Next() {
		var ra model.RecurringAvailability
		if err := rows.Scan(&ra.ProviderID, &ra.DayOfWeek, &ra.StartMinute, &ra.EndMinute, &ra.Enabled, &ra.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

const exceptionColumns = `provider_id, date, kind, start_minute, end_minute, COALESCE(reason, ''), updated_at`

func scanException(row pgx.Row) (model.AvailabilityException, error) {
	var e model.AvailabilityException
	var kind string
	if err := row.Scan(&e.ProviderID, &e.Date, &kind, &e.StartMinute, &e.EndMinute, &e.Reason, &e.UpdatedAt); err != nil {
		return model.AvailabilityException{}, err
	}
	e.Kind = model.ExceptionKind(kind)
	return e, nil
}

func (r pgReader) GetException(ctx context.Context, providerID string, date time.Time) (model.AvailabilityException, bool, error) {
	e, err := scanException(r.q.QueryRow(ctx, `
		SELECT `+exceptionColumns+`
		FROM availability_exceptions
		WHERE provider_id = $1 AND date = $2::date
	`, providerID, date.Format(model.DateLayout)))
	if IsNotFound(err) {
		return model.AvailabilityException{}, false, nil
	}
	if err != nil {
		return model.AvailabilityException{}, false, err
	}
	return e, true, nil
}

func (r pgReader) ListExceptions(ctx context.Context, providerID string, from, to time.Time) ([]model.AvailabilityException, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+exceptionColumns+`
		FROM availability_exceptions
		WHERE provider_id = $1 AND date >= $2::date AND date <= $3::date
		ORDER BY date
	`, providerID, from.Format(model.DateLayout), to.Format(model.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AvailabilityException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

const appointmentColumns = `id::text, client_id, provider_id, service_id, scheduled_for, scheduled_until,
			status, payment_status, amount::text, currency, confirmed_at, cancelled_at, completed_at,
			COALESCE(cancel_reason, ''), created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status, paymentStatus, amount string
	if err := row.Scan(
		&a.ID,
		&a.ClientID,
		&a.ProviderID,
		&a.ServiceID,
		&a.ScheduledFor,
		&a.ScheduledUntil,
		&status,
		&paymentStatus,
		&amount,
		&a.Currency,
		&a.ConfirmedAt,
		&a.CancelledAt,
		&a.CompletedAt,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	a.PaymentStatus = model.PaymentStatus(paymentStatus)
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %s amount: %w", a.ID, err)
	}
	a.Amount = d
	return a, nil
}

func (r pgReader) ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND status IN ('pending', 'confirmed')
			AND scheduled_for < $3
			AND scheduled_until > $2
		ORDER BY scheduled_for ASC
	`, providerID, from, to)
}

func (r pgReader) GetAppointment(ctx context.Context, id string) (model.Appointment, bool, error) {
	if !validID(id) {
		return model.Appointment{}, false, nil
	}
	appt, err := scanAppointment(r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if IsNotFound(err) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

func (r pgReader) ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1 = '' OR client_id = $1)
			AND ($2 = '' OR provider_id = $2)
			AND ($3 = '' OR status = $3)
		ORDER BY scheduled_for DESC
		LIMIT $4
	`, f.ClientID, f.ProviderID, string(f.Status), limit)
}

func (r pgReader) listAppointments(ctx context.Context, sql string, args ...any) ([]model.Appointment, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

const escrowColumns = `id::text, appointment_id::text, scheduled_release_time, status, processed_at, created_at`

func scanEscrow(row pgx.Row) (model.EscrowSchedule, error) {
	var s model.EscrowSchedule
	var status string
	if err := row.Scan(&s.ID, &s.AppointmentID, &s.ScheduledReleaseTime, &status, &s.ProcessedAt, &s.CreatedAt); err != nil {
		return model.EscrowSchedule{}, err
	}
	s.Status = model.EscrowStatus(status)
	return s, nil
}

// Appointment and escrow ids are uuids; anything else cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// mapWriteError turns an appointments_no_overlap violation (23P01) into ErrSlotUnavailable.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrExclusionViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, model.ErrSlotUnavailable)
	}
	return err
}

const pgerrExclusionViolation = "23P01"
