// Package ratemetric derives instantaneous rates from monotonically
// increasing counters sampled across polls.
package ratemetric

import "time"

// Sample is one counter reading.
type Sample struct {
	At    time.Time
	Value uint64
}

// Tracker holds the previous sample of a single counter. The zero value is
// ready to use. Not safe for concurrent use.
type Tracker struct {
	last   Sample
	seeded bool
}

// Observe records a reading and returns the counter increase per second since
// the previous reading. The first reading, a reading with a lower counter than
// the previous one, or a non-advancing clock yields ok=false; in the latter
// cases the new reading becomes the baseline.
func (t *Tracker) Observe(at time.Time, value uint64) (perSecond float64, ok bool) {
	prev, seeded := t.last, t.seeded
	t.last = Sample{At: at, Value: value}
	t.seeded = true

	if !seeded {
		return 0, false
	}
	if value < prev.Value {
		return 0, false
	}
	elapsed := at.Sub(prev.At)
	if elapsed <= 0 {
		return 0, false
	}
	return float64(value-prev.Value) / elapsed.Seconds(), true
}

// Last returns the most recent reading, if any.
func (t *Tracker) Last() (Sample, bool) {
	return t.last, t.seeded
}

// Reset drops the stored baseline.
func (t *Tracker) Reset() {
	t.last = Sample{}
	t.seeded = false
}
