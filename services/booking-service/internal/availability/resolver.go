package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
)

// RuleSource provides a provider's weekly rules and date exceptions.
type RuleSource interface {
	GetRecurring(ctx context.Context, providerID string, dayOfWeek int) (model.RecurringAvailability, bool, error)
	GetException(ctx context.Context, providerID string, date time.Time) (model.AvailabilityException, bool, error)
}

const ReasonNoAvailability = "no availability set for this day"

// Resolution is the effective working window of a provider on one date.
type Resolution struct {
	Date        time.Time
	Open        bool
	StartMinute int
	EndMinute   int
	Overridden  bool
	Reason      string
}

// Window returns the absolute open interval. Only meaningful when Open.
func (r Resolution) Window() Interval {
	y, m, d := r.Date.Date()
	loc := r.Date.Location()
	return Interval{
		Start: time.Date(y, m, d, 0, r.StartMinute, 0, 0, loc),
		End:   time.Date(y, m, d, 0, r.EndMinute, 0, 0, loc),
	}
}

func (r Resolution) Minutes() int {
	if !r.Open {
		return 0
	}
	return r.EndMinute - r.StartMinute
}

// Resolver merges the weekly rule with any exception for a date. Dates are interpreted as
// calendar days in loc.
type Resolver struct {
	src RuleSource
	loc *time.Location
}

func NewResolver(src RuleSource, loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{src: src, loc: loc}
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Using returns a resolver with the same location that reads rules through src, usually the
// write transaction.
func (r *Resolver) Using(src RuleSource) *Resolver {
	return &Resolver{src: src, loc: r.loc}
}

// Resolve never fails on missing data: a day without a rule is closed.
func (r *Resolver) Resolve(ctx context.Context, providerID string, date time.Time) (Resolution, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, r.loc)
	res := Resolution{Date: day}

	exc, ok, err := r.src.GetException(ctx, providerID, day)
	if err != nil {
		return Resolution{}, fmt.Errorf("load exception: %w", err)
	}
	if ok {
		switch exc.Kind {
		case model.ExceptionUnavailable:
			res.Reason = exc.Reason
			if res.Reason == "" {
				res.Reason = "provider unavailable"
			}
			return res, nil
		case model.ExceptionAvailable, model.ExceptionModifiedHours:
			if exc.StartMinute == nil || exc.EndMinute == nil {
				res.Reason = "exception has no hours"
				return res, nil
			}
			return open(res, *exc.StartMinute, *exc.EndMinute, true), nil
		}
	}

	rule, ok, err := r.src.GetRecurring(ctx, providerID, model.DayOfWeek(day))
	if err != nil {
		return Resolution{}, fmt.Errorf("load recurring availability: %w", err)
	}
	if !ok || !rule.Enabled {
		res.Reason = ReasonNoAvailability
		return res, nil
	}
	return open(res, rule.StartMinute, rule.EndMinute, false), nil
}

func open(res Resolution, startMinute, endMinute int, overridden bool) Resolution {
	if endMinute <= startMinute || startMinute < 0 || endMinute > 24*60 {
		res.Reason = "invalid working hours"
		return res
	}
	res.Open = true
	res.StartMinute = startMinute
	res.EndMinute = endMinute
	res.Overridden = overridden
	return res
}
