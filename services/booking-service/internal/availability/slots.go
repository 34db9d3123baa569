package availability

import "time"

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether [a,b) and [c,d) intersect: a < d && c < b.
// Touching intervals do not overlap.
func Overlaps(x, y Interval) bool {
	return x.Start.Before(y.End) && y.Start.Before(x.End)
}

// DefaultStride is the spacing between candidate slot starts.
const DefaultStride = 30 * time.Minute

// AvailableSlots walks window from its start in steps of stride and returns every
// [t, t+duration) with t+duration+buffer inside the window, t strictly after now, and no
// overlap with busy.
func AvailableSlots(window Interval, duration, buffer, stride time.Duration, busy []Interval, now time.Time) []Interval {
	if duration <= 0 || stride <= 0 || buffer < 0 {
		return nil
	}
	if !window.Valid() {
		return nil
	}

	var slots []Interval
	for t := window.Start; !t.Add(duration + buffer).After(window.End); t = t.Add(stride) {
		if !t.After(now) {
			continue
		}
		candidate := Interval{Start: t, End: t.Add(duration)}
		if !overlapsAny(candidate, busy) {
			slots = append(slots, candidate)
		}
	}
	return slots
}

func overlapsAny(iv Interval, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(iv, b) {
			return true
		}
	}
	return false
}
