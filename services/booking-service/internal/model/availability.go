package model

import "time"

type ExceptionKind string

const (
	ExceptionUnavailable   ExceptionKind = "unavailable"
	ExceptionAvailable     ExceptionKind = "available"
	ExceptionModifiedHours ExceptionKind = "modified_hours"
)

func (k ExceptionKind) Valid() bool {
	switch k {
	case ExceptionUnavailable, ExceptionAvailable, ExceptionModifiedHours:
		return true
	}
	return false
}

// DayOfWeek numbers days Monday=0 through Sunday=6.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// RecurringAvailability is a provider's weekly working window. StartMinute and EndMinute
// are minutes since local midnight.
type RecurringAvailability struct {
	ProviderID  string
	DayOfWeek   int
	StartMinute int
	EndMinute   int
	Enabled     bool
	UpdatedAt   time.Time
}

type AvailabilityException struct {
	ProviderID  string
	Date        time.Time
	Kind        ExceptionKind
	StartMinute *int
	EndMinute   *int
	Reason      string
	UpdatedAt   time.Time
}

// DateOnly truncates t to midnight in loc.
func DateOnly(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

const DateLayout = "2006-01-02"
