package fdinfo

import (
	"time"

	"github.com/skobkin/gpucontrold/internal/schema"
)

// ClientUtilization is the outcome of one poll for one DRM client.
// Utilization is nil on the first observation of a client.
type ClientUtilization struct {
	ClientID    uint64
	MemoryUsed  uint64
	Utilization map[schema.UtilizationType]float64
}

type clientSample struct {
	at       time.Time
	counters []Counter
}

// Tracker keeps the previous counters of every DRM client across polls.
// Not safe for concurrent use.
type Tracker struct {
	previous map[uint64]clientSample
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{previous: make(map[uint64]clientSample)}
}

// Update compares clients against the previous poll and returns one entry
// per distinct client id, in input order. Clients missing from this poll
// are forgotten.
func (t *Tracker) Update(now time.Time, clients []Usage) []ClientUtilization {
	if t.previous == nil {
		t.previous = make(map[uint64]clientSample)
	}

	current := make(map[uint64]clientSample, len(clients))
	out := make([]ClientUtilization, 0, len(clients))

	for _, client := range clients {
		if _, dup := current[client.ClientID]; dup {
			continue
		}
		current[client.ClientID] = clientSample{at: now, counters: client.Counters}

		result := ClientUtilization{
			ClientID:   client.ClientID,
			MemoryUsed: client.MemoryUsed,
		}
		if prev, ok := t.previous[client.ClientID]; ok {
			result.Utilization = utilization(prev, now, client.Counters)
		}
		out = append(out, result)
	}

	t.previous = current
	return out
}

// utilization returns per-category busy percentages. Cycle counters use the
// advance of their total-cycles counter as the denominator and fall back to
// wall time when it did not move.
func utilization(prev clientSample, now time.Time, counters []Counter) map[schema.UtilizationType]float64 {
	if len(prev.counters) != len(counters) {
		return nil
	}
	elapsed := now.Sub(prev.at)

	result := make(map[schema.UtilizationType]float64, len(counters))
	for i, cur := range counters {
		old := prev.counters[i]
		if old.Type != cur.Type {
			return nil
		}

		var fraction float64
		if cur.Value > old.Value {
			delta := float64(cur.Value - old.Value)
			switch {
			case cur.Cycles && old.Cycles && cur.Total > old.Total:
				fraction = delta / float64(cur.Total-old.Total)
			case elapsed > 0:
				fraction = delta / float64(elapsed.Nanoseconds())
			}
		}
		result[cur.Type] = clampPercent(result[cur.Type] + fraction*100)
	}
	return result
}

func clampPercent(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 100:
		return 100
	default:
		return value
	}
}
