package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/auth"
	"github.com/md-rashed-zaman/marketbook/libs/httpx"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
)

var dayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

type slotItem struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startRaw, endRaw := strings.TrimSpace(q.Get("start_date")), strings.TrimSpace(q.Get("end_date"))
	if startRaw == "" || endRaw == "" {
		badRequest(w, "start_date and end_date parameters are required")
		return
	}
	startDate, err1 := time.Parse(model.DateLayout, startRaw)
	endDate, err2 := time.Parse(model.DateLayout, endRaw)
	if err1 != nil || err2 != nil {
		badRequest(w, "invalid date format, use YYYY-MM-DD")
		return
	}
	buffer := 0
	if raw := strings.TrimSpace(q.Get("buffer_minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "buffer_minutes must be a non-negative integer")
			return
		}
		buffer = n
	}

	serviceID := trimmedParam(r, "serviceID")
	svc, ok, err := h.store.GetService(r.Context(), serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok || !svc.Active {
		h.writeError(w, r, fmt.Errorf("service %s: %w", serviceID, model.ErrNotFound))
		return
	}

	seq, err := h.generator.Generate(r.Context(), availability.SlotRequest{
		ProviderID: svc.ProviderID,
		Duration:   svc.Duration,
		Buffer:     time.Duration(buffer) * time.Minute,
		StartDate:  startDate,
		EndDate:    endDate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slots, err := availability.Collect(seq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.ObserveSlots(len(slots))

	out := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotItem{
			StartTime:       s.Start.Format(time.RFC3339),
			EndTime:         s.End.Format(time.RFC3339),
			Date:            s.Date.Format(model.DateLayout),
			DurationMinutes: s.DurationMinutes,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type recurringItem struct {
	DayOfWeek   int    `json:"day_of_week"`
	DayName     string `json:"day_name"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable bool   `json:"is_available"`
}

func toRecurringItem(a model.RecurringAvailability) recurringItem {
	return recurringItem{
		DayOfWeek:   a.DayOfWeek,
		DayName:     dayNames[a.DayOfWeek],
		StartTime:   formatClock(a.StartMinute),
		EndTime:     formatClock(a.EndMinute),
		IsAvailable: a.Enabled,
	}
}

func (h *Handler) ListAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, ok := providerOnly(w, r)
	if !ok {
		return
	}
	rules, err := h.store.ListRecurring(r.Context(), providerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]recurringItem, 0, len(rules))
	for _, a := range rules {
		out = append(out, toRecurringItem(a))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type upsertRecurringRequest struct {
	DayOfWeek   *int   `json:"day_of_week"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable *bool  `json:"is_available"`
}

// UpsertAvailability answers 201 for a new weekday rule and 200 when it replaced one.
func (h *Handler) UpsertAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, ok := providerOnly(w, r)
	if !ok {
		return
	}
	var req upsertRecurringRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.DayOfWeek == nil || *req.DayOfWeek < 0 || *req.DayOfWeek > 6 {
		badRequest(w, "day_of_week must be between 0 (Monday) and 6 (Sunday)")
		return
	}
	start, err1 := parseClock(req.StartTime)
	end, err2 := parseClock(req.EndTime)
	if err1 != nil || err2 != nil {
		badRequest(w, "start_time and end_time must be HH:MM")
		return
	}
	if end <= start {
		badRequest(w, "end time must be after start time")
		return
	}
	rule := model.RecurringAvailability{
		ProviderID:  providerID,
		DayOfWeek:   *req.DayOfWeek,
		StartMinute: start,
		EndMinute:   end,
		Enabled:     req.IsAvailable == nil || *req.IsAvailable,
		UpdatedAt:   time.Now().UTC(),
	}

	created := false
	err := h.store.InTx(r.Context(), func(ctx context.Context, tx storage.Tx) error {
		_, exists, err := tx.GetRecurring(ctx, providerID, rule.DayOfWeek)
		if err != nil {
			return err
		}
		created = !exists
		return tx.UpsertRecurring(ctx, rule)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, toRecurringItem(rule))
}

func (h *Handler) DeleteAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, ok := providerOnly(w, r)
	if !ok {
		return
	}
	day, err := strconv.Atoi(trimmedParam(r, "day"))
	if err != nil || day < 0 || day > 6 {
		badRequest(w, "day must be between 0 and 6")
		return
	}
	var deleted bool
	err = h.store.InTx(r.Context(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		deleted, err = tx.DeleteRecurring(ctx, providerID, day)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !deleted {
		h.writeError(w, r, fmt.Errorf("availability for %s: %w", dayNames[day], model.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type exceptionItem struct {
	Date          string  `json:"date"`
	ExceptionType string  `json:"exception_type"`
	StartTime     *string `json:"start_time,omitempty"`
	EndTime       *string `json:"end_time,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

func toExceptionItem(e model.AvailabilityException) exceptionItem {
	item := exceptionItem{
		Date:          e.Date.Format(model.DateLayout),
		ExceptionType: string(e.Kind),
		Reason:        e.Reason,
	}
	if e.StartMinute != nil {
		s := formatClock(*e.StartMinute)
		item.StartTime = &s
	}
	if e.EndMinute != nil {
		s := formatClock(*e.EndMinute)
		item.EndTime = &s
	}
	return item
}

func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	providerID, ok := providerOnly(w, r)
	if !ok {
		return
	}
	// Both bounds are inclusive; missing bounds leave that side open.
	from := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("start_date")); raw != "" {
		d, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			badRequest(w, "invalid start_date, use YYYY-MM-DD")
			return
		}
		from = d
	}
	if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
		d, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			badRequest(w, "invalid end_date, use YYYY-MM-DD")
			return
		}
		to = d
	}

	excs, err := h.store.ListExceptions(r.Context(), providerID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]exceptionItem, 0, len(excs))
	for _, e := range excs {
		out = append(out, toExceptionItem(e))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type upsertExceptionRequest struct {
	Date          string `json:"date"`
	ExceptionType string `json:"exception_type"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Reason        string `json:"reason"`
}

// UpsertException replaces any exception already stored for the same date.
func (h *Handler) UpsertException(w http.ResponseWriter, r *http.Request) {
	providerID, ok := providerOnly(w, r)
	if !ok {
		return
	}
	var req upsertExceptionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	date, err := time.Parse(model.DateLayout, strings.TrimSpace(req.Date))
	if err != nil {
		badRequest(w, "invalid date, use YYYY-MM-DD")
		return
	}
	kind := model.ExceptionKind(strings.TrimSpace(req.ExceptionType))
	if !kind.Valid() {
		badRequest(w, "exception_type must be unavailable, available or modified_hours")
		return
	}
	exc := model.AvailabilityException{
		ProviderID: providerID,
		Date:       date,
		Kind:       kind,
		Reason:     strings.TrimSpace(req.Reason),
		UpdatedAt:  time.Now().UTC(),
	}
	if kind != model.ExceptionUnavailable {
		start, err1 := parseClock(req.StartTime)
		end, err2 := parseClock(req.EndTime)
		if err1 != nil || err2 != nil {
			badRequest(w, "start_time and end_time are required for available hours")
			return
		}
		if end <= start {
			badRequest(w, "end time must be after start time")
			return
		}
		exc.StartMinute, exc.EndMinute = &start, &end
	}

	err = h.store.InTx(r.Context(), func(ctx context.Context, tx storage.Tx) error {
		return tx.UpsertException(ctx, exc)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toExceptionItem(exc))
}

func (h *Handler) DeleteException(w http.ResponseWriter, r *http.Request) {
	providerID, ok := providerOnly(w, r)
	if !ok {
		return
	}
	date, err := time.Parse(model.DateLayout, trimmedParam(r, "date"))
	if err != nil {
		badRequest(w, "invalid date, use YYYY-MM-DD")
		return
	}
	var deleted bool
	err = h.store.InTx(r.Context(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		deleted, err = tx.DeleteException(ctx, providerID, date)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !deleted {
		h.writeError(w, r, fmt.Errorf("exception on %s: %w", date.Format(model.DateLayout), model.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerOnly(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := caller(r)
	if c.Role != auth.RoleProvider {
		forbidden(w, "only providers can manage availability")
		return "", false
	}
	return c.Sub, true
}

// parseClock reads "HH:MM" as minutes since midnight. "24:00" is accepted as end of day.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
