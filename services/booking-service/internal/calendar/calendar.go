package calendar

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
)

type Level string

const (
	LevelFull     Level = "full"
	LevelLimited  Level = "limited"
	LevelModerate Level = "moderate"
	LevelWideOpen Level = "wide_open"
)

// LevelFor maps an occupancy percentage onto a level. Boundaries belong to the busier level.
func LevelFor(occupancy int) Level {
	switch {
	case occupancy >= 90:
		return LevelFull
	case occupancy >= 70:
		return LevelLimited
	case occupancy >= 50:
		return LevelModerate
	default:
		return LevelWideOpen
	}
}

// Occupancy is floor(booked / available * 100) clipped to [0, 100]. No open minutes means 0.
func Occupancy(bookedMinutes, availableMinutes int) int {
	if availableMinutes <= 0 || bookedMinutes <= 0 {
		return 0
	}
	pct := bookedMinutes * 100 / availableMinutes
	return min(pct, 100)
}

type DayLevel struct {
	Date  time.Time
	Level Level
}

type DayDetail struct {
	Date             time.Time
	Open             bool
	Reason           string
	WorkingHours     availability.Interval
	Booked           []availability.Interval
	BookedMinutes    int
	AvailableMinutes int
	OccupancyPercent int
	Level            Level
}

// Aggregator summarizes how busy a provider is per day.
type Aggregator struct {
	resolver *availability.Resolver
	booked   availability.BookedSource
}

func New(resolver *availability.Resolver, booked availability.BookedSource) *Aggregator {
	return &Aggregator{resolver: resolver, booked: booked}
}

func (a *Aggregator) MonthOverview(ctx context.Context, providerID string, year int, month time.Month) ([]DayLevel, error) {
	if month < time.January || month > time.December || year < 1 || year > 9999 {
		return nil, fmt.Errorf("invalid month %d-%02d: %w", year, month, model.ErrValidation)
	}
	loc := a.resolver.Location()
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	next := first.AddDate(0, 1, 0)

	appts, err := a.booked.ListActive(ctx, providerID, first, next)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	byDay := groupByStartDay(appts, loc)

	var out []DayLevel
	for day := first; day.Before(next); day = day.AddDate(0, 0, 1) {
		d, err := a.detail(ctx, providerID, day, byDay[day.Format(model.DateLayout)])
		if err != nil {
			return nil, err
		}
		out = append(out, DayLevel{Date: day, Level: d.Level})
	}
	return out, nil
}

func (a *Aggregator) DayDetail(ctx context.Context, providerID string, date time.Time) (DayDetail, error) {
	loc := a.resolver.Location()
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)

	appts, err := a.booked.ListActive(ctx, providerID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return DayDetail{}, fmt.Errorf("list appointments: %w", err)
	}
	return a.detail(ctx, providerID, day, groupByStartDay(appts, loc)[day.Format(model.DateLayout)])
}

// detail expects appts to be the active appointments starting on day.
func (a *Aggregator) detail(ctx context.Context, providerID string, day time.Time, appts []model.Appointment) (DayDetail, error) {
	res, err := a.resolver.Resolve(ctx, providerID, day)
	if err != nil {
		return DayDetail{}, err
	}

	booked := availability.Busy(appts)
	sort.Slice(booked, func(i, j int) bool { return booked[i].Start.Before(booked[j].Start) })
	bookedMinutes := 0
	for _, iv := range booked {
		bookedMinutes += int(iv.Duration() / time.Minute)
	}

	d := DayDetail{
		Date:          day,
		Open:          res.Open,
		Reason:        res.Reason,
		Booked:        booked,
		BookedMinutes: bookedMinutes,
	}
	if !res.Open {
		d.OccupancyPercent = 100
		d.Level = LevelFull
		return d, nil
	}
	d.WorkingHours = res.Window()
	d.AvailableMinutes = res.Minutes()
	d.OccupancyPercent = Occupancy(bookedMinutes, d.AvailableMinutes)
	d.Level = LevelFor(d.OccupancyPercent)
	return d, nil
}

func groupByStartDay(appts []model.Appointment, loc *time.Location) map[string][]model.Appointment {
	out := make(map[string][]model.Appointment)
	for _, a := range appts {
		key := a.ScheduledFor.In(loc).Format(model.DateLayout)
		out[key] = append(out[key], a)
	}
	return out
}
