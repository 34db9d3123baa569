package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/httpx"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
)

type calendarDay struct {
	Date              string `json:"date"`
	Status            string `json:"status"`
	AvailabilityLevel string `json:"availability_level"`
}

type bookedSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type dayDetailResponse struct {
	Date             string       `json:"date"`
	IsAvailable      bool         `json:"is_available"`
	Reason           string       `json:"reason,omitempty"`
	WorkingStart     string       `json:"working_hours_start,omitempty"`
	WorkingEnd       string       `json:"working_hours_end,omitempty"`
	BookedSlots      []bookedSlot `json:"booked_slots"`
	BookedMinutes    int          `json:"booked_minutes"`
	AvailableMinutes int          `json:"available_minutes"`
	OccupancyPercent int          `json:"occupancy_percentage"`
	Level            string       `json:"availability_level"`
}

func (h *Handler) MonthOverview(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.Atoi(trimmedParam(r, "year"))
	month, err2 := strconv.Atoi(trimmedParam(r, "month"))
	if err1 != nil || err2 != nil {
		badRequest(w, "invalid year or month")
		return
	}
	days, err := h.calendar.MonthOverview(r.Context(), trimmedParam(r, "id"), year, time.Month(month))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]calendarDay, 0, len(days))
	for _, d := range days {
		out = append(out, calendarDay{
			Date:              d.Date.Format(model.DateLayout),
			Status:            string(d.Level),
			AvailabilityLevel: string(d.Level),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) DayDetail(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.Atoi(trimmedParam(r, "year"))
	month, err2 := strconv.Atoi(trimmedParam(r, "month"))
	day, err3 := strconv.Atoi(trimmedParam(r, "day"))
	if err1 != nil || err2 != nil || err3 != nil {
		badRequest(w, "invalid date")
		return
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range values; reject them instead.
	if date.Year() != year || int(date.Month()) != month || date.Day() != day {
		badRequest(w, "invalid date")
		return
	}

	d, err := h.calendar.DayDetail(r.Context(), trimmedParam(r, "id"), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := dayDetailResponse{
		Date:             d.Date.Format(model.DateLayout),
		IsAvailable:      d.Open,
		Reason:           d.Reason,
		BookedSlots:      make([]bookedSlot, 0, len(d.Booked)),
		BookedMinutes:    d.BookedMinutes,
		AvailableMinutes: d.AvailableMinutes,
		OccupancyPercent: d.OccupancyPercent,
		Level:            string(d.Level),
	}
	if d.Open {
		resp.WorkingStart = d.WorkingHours.Start.Format("15:04")
		resp.WorkingEnd = d.WorkingHours.End.Format("15:04")
	}
	for _, iv := range d.Booked {
		resp.BookedSlots = append(resp.BookedSlots, bookedSlot{
			StartTime: iv.Start.UTC().Format(time.RFC3339),
			EndTime:   iv.End.UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
