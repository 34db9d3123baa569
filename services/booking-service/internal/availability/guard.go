package availability

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/model"
)

// BookedSource lists pending and confirmed appointments overlapping [from, to).
type BookedSource interface {
	ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
}

// Guard answers whether an interval is free on a provider's timeline. Inside a write path it
// must be built on the same transaction that performs the write.
type Guard struct {
	src BookedSource
}

func NewGuard(src BookedSource) Guard {
	return Guard{src: src}
}

// IsFree ignores excludeID so an appointment never conflicts with itself.
func (g Guard) IsFree(ctx context.Context, providerID string, iv Interval, excludeID string) (bool, error) {
	booked, err := g.src.ListActive(ctx, providerID, iv.Start, iv.End)
	if err != nil {
		return false, err
	}
	for _, a := range booked {
		if a.ID == excludeID {
			continue
		}
		if Overlaps(iv, Interval{Start: a.ScheduledFor, End: a.ScheduledUntil}) {
			return false, nil
		}
	}
	return true, nil
}

// Busy converts appointments to intervals.
func Busy(appts []model.Appointment) []Interval {
	out := make([]Interval, 0, len(appts))
	for _, a := range appts {
		out = append(out, Interval{Start: a.ScheduledFor, End: a.ScheduledUntil})
	}
	return out
}
