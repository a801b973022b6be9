package ratemetric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFirstSampleSeeds(t *testing.T) {
	var tracker Tracker
	_, ok := tracker.Observe(time.Unix(100, 0), 5000)
	assert.False(t, ok)

	last, seeded := tracker.Last()
	require.True(t, seeded)
	assert.Equal(t, uint64(5000), last.Value)
}

func TestObserveComputesRate(t *testing.T) {
	var tracker Tracker
	start := time.Unix(100, 0)
	tracker.Observe(start, 1000)

	rate, ok := tracker.Observe(start.Add(2*time.Second), 1600)
	require.True(t, ok)
	assert.InDelta(t, 300.0, rate, 1e-9)
}

func TestObserveDecreasingCounterReseeds(t *testing.T) {
	var tracker Tracker
	start := time.Unix(0, 0)
	tracker.Observe(start, 9000)

	_, ok := tracker.Observe(start.Add(time.Second), 100)
	assert.False(t, ok, "a counter reset must not produce a rate")

	rate, ok := tracker.Observe(start.Add(2*time.Second), 600)
	require.True(t, ok)
	assert.InDelta(t, 500.0, rate, 1e-9)
}

func TestObserveNonAdvancingClock(t *testing.T) {
	var tracker Tracker
	at := time.Unix(50, 0)
	tracker.Observe(at, 10)

	_, ok := tracker.Observe(at, 20)
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	var tracker Tracker
	tracker.Observe(time.Unix(1, 0), 1)
	tracker.Reset()

	_, ok := tracker.Observe(time.Unix(2, 0), 2)
	assert.False(t, ok)
}
