package availability

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
)

// MaxRangeDays bounds a single slot query.
const MaxRangeDays = 30

type Slot struct {
	Start           time.Time
	End             time.Time
	Date            time.Time
	DurationMinutes int
}

type SlotRequest struct {
	ProviderID string
	Duration   time.Duration
	Buffer     time.Duration
	StartDate  time.Time
	EndDate    time.Time
}

type Generator struct {
	resolver *Resolver
	booked   BookedSource
	now      func() time.Time
}

type GeneratorOption func(*Generator)

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGenerator(resolver *Resolver, booked BookedSource, opts ...GeneratorOption) *Generator {
	g := &Generator{resolver: resolver, booked: booked, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) validate(req SlotRequest) (time.Time, time.Time, error) {
	if req.ProviderID == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("provider is required: %w", model.ErrValidation)
	}
	if req.Duration <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("duration must be positive: %w", model.ErrValidation)
	}
	if req.Buffer < 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("buffer must not be negative: %w", model.ErrValidation)
	}
	loc := g.resolver.Location()
	start := time.Date(req.StartDate.Year(), req.StartDate.Month(), req.StartDate.Day(), 0, 0, 0, 0, loc)
	end := time.Date(req.EndDate.Year(), req.EndDate.Month(), req.EndDate.Day(), 0, 0, 0, 0, loc)
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start date must be before end date: %w", model.ErrValidation)
	}
	if daysBetween(start, end) > MaxRangeDays {
		return time.Time{}, time.Time{}, fmt.Errorf("date range cannot exceed %d days: %w", MaxRangeDays, model.ErrValidation)
	}
	return start, end, nil
}

// Generate validates req and returns the ordered slot sequence. The sequence reads the
// store lazily, one date at a time, and can be ranged over more than once; each pass
// reflects the bookings present at that time.
func (g *Generator) Generate(ctx context.Context, req SlotRequest) (iter.Seq2[Slot, error], error) {
	start, end, err := g.validate(req)
	if err != nil {
		return nil, err
	}

	return func(yield func(Slot, error) bool) {
		now := g.now()
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			if err := ctx.Err(); err != nil {
				yield(Slot{}, err)
				return
			}
			res, err := g.resolver.Resolve(ctx, req.ProviderID, day)
			if err != nil {
				yield(Slot{}, err)
				return
			}
			if !res.Open {
				continue
			}
			window := res.Window()
			booked, err := g.booked.ListActive(ctx, req.ProviderID, window.Start, window.End)
			if err != nil {
				yield(Slot{}, fmt.Errorf("load booked intervals: %w", err))
				return
			}
			for _, iv := range AvailableSlots(window, req.Duration, req.Buffer, DefaultStride, Busy(booked), now) {
				slot := Slot{
					Start:           iv.Start,
					End:             iv.End,
					Date:            day,
					DurationMinutes: int(req.Duration / time.Minute),
				}
				if !yield(slot, nil) {
					return
				}
			}
		}
	}, nil
}

// Collect drains a slot sequence.
func Collect(seq iter.Seq2[Slot, error]) ([]Slot, error) {
	var out []Slot
	for s, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
