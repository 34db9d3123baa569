package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/auth"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/escrow"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	jwtSecret    = "test-secret"
	stripeSecret = "whsec_test"
)

// 2024-01-15 is a Monday; the clock sits a few days before it.
var clock = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

type testServer struct {
	store   *storage.Memory
	handler http.Handler
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	now := func() time.Time { return clock }

	err := store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpsertService(ctx, model.Service{ID: "svc-1", ProviderID: "prov-1", Name: "Haircut", Duration: 30 * time.Minute, Active: true}); err != nil {
			return err
		}
		return tx.UpsertRecurring(ctx, model.RecurringAvailability{ProviderID: "prov-1", DayOfWeek: 0, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: true})
	})
	require.NoError(t, err)

	resolver := availability.NewResolver(store, time.UTC)
	esc := escrow.NewScheduler(store, logger, nil, escrow.Config{})
	h := New(Config{
		Store:               store,
		Ledger:              ledger.New(store, esc, resolver, logger, nil, ledger.WithClock(now)),
		Generator:           availability.NewGenerator(resolver, store, availability.WithClock(now)),
		Calendar:            calendar.New(resolver, store),
		Inbox:               inbox.NewMemory(),
		Logger:              logger,
		StripeWebhookSecret: stripeSecret,
	})
	return testServer{store: store, handler: h.Routes(jwtSecret, nil)}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := auth.SignHS256(auth.Claims{Sub: sub, Role: role, Exp: time.Now().Add(time.Hour).Unix()}, jwtSecret)
	require.NoError(t, err)
	return tok
}

func (s testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s testServer) book(t *testing.T, clientTok, from, until string) appointmentResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/appointments", clientTok, map[string]any{
		"service_id": "svc-1", "scheduled_for": from, "scheduled_until": until, "amount": "15000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[appointmentResponse](t, rec)
}

func TestRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlots(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "client-1", auth.RoleClient)

	rec := s.do(t, http.MethodGet, "/v1/services/svc-1/slots?start_date=2024-01-15&end_date=2024-01-15", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	slots := decode[[]slotItem](t, rec)
	require.Len(t, slots, 6)
	assert.Equal(t, "2024-01-15T09:00:00Z", slots[0].StartTime)
	assert.Equal(t, "2024-01-15T11:30:00Z", slots[5].StartTime)
	assert.Equal(t, "2024-01-15", slots[0].Date)
	assert.Equal(t, 30, slots[0].DurationMinutes)

	s.book(t, tok, "2024-01-15T09:00:00Z", "2024-01-15T09:30:00Z")
	rec = s.do(t, http.MethodGet, "/v1/services/svc-1/slots?start_date=2024-01-15&end_date=2024-01-15", tok, nil)
	assert.Len(t, decode[[]slotItem](t, rec), 5)
}

func TestSlotsArePublic(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/services/svc-1/slots?start_date=2024-01-15&end_date=2024-01-15", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]slotItem](t, rec), 6)
}

func TestCreateOutsideWorkingHours(t *testing.T) {
	s := newTestServer(t)
	client := token(t, "client-1", auth.RoleClient)

	for _, iv := range [][2]string{
		{"2024-01-14T09:00:00Z", "2024-01-14T09:30:00Z"}, // Sunday, no rule
		{"2024-01-15T11:45:00Z", "2024-01-15T12:15:00Z"}, // runs past closing
		{"2024-01-08T09:00:00Z", "2024-01-08T09:30:00Z"}, // before the clock
	} {
		rec := s.do(t, http.MethodPost, "/v1/appointments", client, map[string]any{
			"service_id": "svc-1", "scheduled_for": iv[0], "scheduled_until": iv[1],
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, iv[0])
		assert.Equal(t, "slot_unavailable", decode[errorResponse](t, rec).Error, iv[0])
	}
}

func TestSlotsRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "client-1", auth.RoleClient)

	base := "/v1/services/svc-1/slots?"
	cases := []struct {
		path string
		want int
	}{
		{base + "start_date=2024-01-15", http.StatusBadRequest},
		{base + "start_date=2024-01-15&end_date=2024-01-10", http.StatusBadRequest},
		{base + "start_date=2024-01-01&end_date=2024-02-15", http.StatusBadRequest},
		{base + "start_date=15/01/2024&end_date=2024-01-15", http.StatusBadRequest},
		{base + "start_date=2024-01-15&end_date=2024-01-15&buffer_minutes=-5", http.StatusBadRequest},
		{"/v1/services/nope/slots?start_date=2024-01-15&end_date=2024-01-15", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := s.do(t, http.MethodGet, tc.path, tok, nil)
		assert.Equal(t, tc.want, rec.Code, tc.path)
	}
}

func TestCreateAppointment(t *testing.T) {
	s := newTestServer(t)
	client := token(t, "client-1", auth.RoleClient)

	appt := s.book(t, client, "2024-01-15T09:00:00Z", "2024-01-15T09:30:00Z")
	assert.Equal(t, "pending", appt.Status)
	assert.Equal(t, "pending", appt.PaymentStatus)
	assert.Equal(t, "15000.00", appt.Amount)
	assert.Equal(t, "XAF", appt.Currency)
	assert.Equal(t, "prov-1", appt.ProviderID)

	rec := s.do(t, http.MethodPost, "/v1/appointments", client, map[string]any{
		"service_id": "svc-1", "scheduled_for": "2024-01-15T09:15:00Z", "scheduled_until": "2024-01-15T09:45:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "slot_unavailable", decode[errorResponse](t, rec).Error)

	s.book(t, client, "2024-01-15T09:30:00Z", "2024-01-15T10:00:00Z")

	rec = s.do(t, http.MethodPost, "/v1/appointments", token(t, "prov-1", auth.RoleProvider), map[string]any{
		"service_id": "svc-1", "scheduled_for": "2024-01-15T11:00:00Z", "scheduled_until": "2024-01-15T11:30:00Z",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/appointments", client, map[string]any{
		"service_id": "svc-1", "scheduled_for": "tomorrow", "scheduled_until": "2024-01-15T11:30:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppointmentLifecycle(t *testing.T) {
	s := newTestServer(t)
	client := token(t, "client-1", auth.RoleClient)
	other := token(t, "client-2", auth.RoleClient)
	provider := token(t, "prov-1", auth.RoleProvider)
	appt := s.book(t, client, "2024-01-15T10:00:00Z", "2024-01-15T10:30:00Z")
	base := "/v1/appointments/" + appt.ID

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, base, other, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base, provider, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/confirm-payment", provider, nil).Code)

	rec := s.do(t, http.MethodPost, base+"/reschedule", client, map[string]string{
		"scheduled_for": "2024-01-15T11:00:00Z", "scheduled_until": "2024-01-15T11:30:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2024-01-15T11:00:00Z", decode[appointmentResponse](t, rec).ScheduledFor)

	rec = s.do(t, http.MethodPost, base+"/confirm-payment", client, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[appointmentResponse](t, rec)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, "held_in_escrow", got.PaymentStatus)
	require.NotNil(t, got.ConfirmedAt)

	rec = s.do(t, http.MethodPost, base+"/confirm-payment", client, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decode[errorResponse](t, rec).Error)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/cancel", other, nil).Code)
	rec = s.do(t, http.MethodPost, base+"/cancel", provider, map[string]string{"reason": "sick"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[appointmentResponse](t, rec)
	assert.Equal(t, "provider_cancelled", got.Status)
	assert.Equal(t, "refunded_to_client", got.PaymentStatus)
	assert.Equal(t, "sick", got.CancelReason)

	rec = s.do(t, http.MethodGet, "/v1/appointments?status=provider_cancelled", client, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]appointmentResponse](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/v1/appointments/00000000-0000-0000-0000-000000000000", client, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorResponse](t, rec).Error)
}

func TestCompleteAndDecline(t *testing.T) {
	s := newTestServer(t)
	client := token(t, "client-1", auth.RoleClient)
	provider := token(t, "prov-1", auth.RoleProvider)

	a := s.book(t, client, "2024-01-15T09:00:00Z", "2024-01-15T09:30:00Z")
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/appointments/"+a.ID+"/decline", client, nil).Code)
	rec := s.do(t, http.MethodPost, "/v1/appointments/"+a.ID+"/decline", provider, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "declined", decode[appointmentResponse](t, rec).Status)

	b := s.book(t, client, "2024-01-15T10:00:00Z", "2024-01-15T10:30:00Z")
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/appointments/"+b.ID+"/complete", provider, nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/appointments/"+b.ID+"/confirm-payment", client, nil).Code)
	rec = s.do(t, http.MethodPost, "/v1/appointments/"+b.ID+"/complete", token(t, "root", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[appointmentResponse](t, rec)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "held_in_escrow", got.PaymentStatus)
}

func TestAvailabilityManagement(t *testing.T) {
	s := newTestServer(t)
	provider := token(t, "prov-1", auth.RoleProvider)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/v1/availability", token(t, "c", auth.RoleClient), nil).Code)

	rec := s.do(t, http.MethodPost, "/v1/availability", provider, map[string]any{"day_of_week": 2, "start_time": "08:00", "end_time": "17:30"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Wednesday", decode[recurringItem](t, rec).DayName)

	rec = s.do(t, http.MethodPost, "/v1/availability", provider, map[string]any{"day_of_week": 2, "start_time": "10:00", "end_time": "12:00"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/availability", provider, map[string]any{"day_of_week": 7, "start_time": "10:00", "end_time": "12:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/availability", provider, map[string]any{"day_of_week": 3, "start_time": "12:00", "end_time": "10:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/availability", provider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decode[[]recurringItem](t, rec)
	require.Len(t, rules, 2)
	assert.Equal(t, "10:00", rules[1].StartTime)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/availability/2", provider, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/v1/availability/2", provider, nil).Code)
}

func TestExceptionsChangeSlots(t *testing.T) {
	s := newTestServer(t)
	provider := token(t, "prov-1", auth.RoleProvider)
	client := token(t, "client-1", auth.RoleClient)
	slotsPath := "/v1/services/svc-1/slots?start_date=2024-01-15&end_date=2024-01-15"

	rec := s.do(t, http.MethodPost, "/v1/availability/exceptions", provider, map[string]any{"date": "2024-01-15", "exception_type": "unavailable", "reason": "holiday"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Empty(t, decode[[]slotItem](t, s.do(t, http.MethodGet, slotsPath, client, nil)))

	rec = s.do(t, http.MethodPost, "/v1/availability/exceptions", provider, map[string]any{"date": "2024-01-15", "exception_type": "modified_hours", "start_time": "14:00", "end_time": "15:00"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, decode[[]slotItem](t, s.do(t, http.MethodGet, slotsPath, client, nil)), 2)

	rec = s.do(t, http.MethodPost, "/v1/availability/exceptions", provider, map[string]any{"date": "2024-01-16", "exception_type": "available"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/availability/exceptions?start_date=2024-01-01", provider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	excs := decode[[]exceptionItem](t, rec)
	require.Len(t, excs, 1)
	assert.Equal(t, "modified_hours", excs[0].ExceptionType)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/availability/exceptions/2024-01-15", provider, nil).Code)
	assert.Len(t, decode[[]slotItem](t, s.do(t, http.MethodGet, slotsPath, client, nil)), 6)
}

func TestCalendarIsPublic(t *testing.T) {
	s := newTestServer(t)
	client := token(t, "client-1", auth.RoleClient)
	s.book(t, client, "2024-01-15T09:00:00Z", "2024-01-15T10:30:00Z")

	rec := s.do(t, http.MethodGet, "/v1/providers/prov-1/calendar/2024/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	days := decode[[]calendarDay](t, rec)
	require.Len(t, days, 31)
	assert.Equal(t, "2024-01-15", days[14].Date)
	assert.Equal(t, "moderate", days[14].AvailabilityLevel)
	assert.Equal(t, days[14].Status, days[14].AvailabilityLevel)

	rec = s.do(t, http.MethodGet, "/v1/providers/prov-1/calendar/2024/1/15", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[dayDetailResponse](t, rec)
	assert.True(t, d.IsAvailable)
	assert.Equal(t, 180, d.AvailableMinutes)
	assert.Equal(t, 90, d.BookedMinutes)
	assert.Equal(t, 50, d.OccupancyPercent)
	assert.Equal(t, "09:00", d.WorkingStart)
	require.Len(t, d.BookedSlots, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/providers/prov-1/calendar/2024/2/30", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/providers/prov-1/calendar/2024/13", "", nil).Code)
}

func stripeRequest(t *testing.T, eventID, eventType, appointmentID, secret string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_test_1",
				"object":   "payment_intent",
				"metadata": map[string]string{"appointment_id": appointmentID},
			},
		},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestStripeWebhookConfirmsPayment(t *testing.T) {
	s := newTestServer(t)
	appt := s.book(t, token(t, "client-1", auth.RoleClient), "2024-01-15T09:00:00Z", "2024-01-15T09:30:00Z")

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, stripeRequest(t, "evt_1", "payment_intent.succeeded", appt.ID, "whsec_wrong"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, stripeRequest(t, "evt_1", "payment_intent.succeeded", appt.ID, stripeSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decode[map[string]string](t, rec)["status"])

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, stripeRequest(t, "evt_1", "payment_intent.succeeded", appt.ID, stripeSecret))
	assert.Equal(t, "duplicate", decode[map[string]string](t, rec)["status"])

	stored, _, err := s.store.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, stored.Status)
	assert.Equal(t, model.PaymentHeldInEscrow, stored.PaymentStatus)

	// A later failure notice cannot undo the escrow.
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, stripeRequest(t, "evt_2", "payment_intent.payment_failed", appt.ID, stripeSecret))
	assert.Equal(t, "rejected", decode[map[string]string](t, rec)["status"])

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, stripeRequest(t, "evt_3", "customer.created", appt.ID, stripeSecret))
	assert.Equal(t, "ignored", decode[map[string]string](t, rec)["status"])
}
