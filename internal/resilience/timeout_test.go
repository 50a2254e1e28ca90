package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutColdHostUsesDefault(t *testing.T) {
	tm := NewTimeoutManager(NewRegistry(), 2*time.Second, 60*time.Second, 3.0)

	connect, read := tm.Get("cold.example.com")
	assert.Equal(t, 30*time.Second, connect)
	assert.Equal(t, 60*time.Second, read)
}

func TestTimeoutTracksP90(t *testing.T) {
	tm := NewTimeoutManager(NewRegistry(), 2*time.Second, 60*time.Second, 3.0)

	// Mostly 1s responses with one 10s outlier; p90 stays at 1s until the
	// outlier crosses into the top decile
	for i := 0; i < 19; i++ {
		tm.Record("cdn.example.com", time.Second, true)
	}
	tm.Record("cdn.example.com", 10*time.Second, false)

	_, read := tm.Get("cdn.example.com")
	assert.Equal(t, 3*time.Second, read)
}

func TestTimeoutClampedToBounds(t *testing.T) {
	tm := NewTimeoutManager(NewRegistry(), 2*time.Second, 20*time.Second, 3.0)

	// Very fast host still floors at min_timeout
	for i := 0; i < 10; i++ {
		tm.Record("fast.example.com", 50*time.Millisecond, true)
	}
	connect, read := tm.Get("fast.example.com")
	assert.Equal(t, 2*time.Second, read)
	assert.Equal(t, 2*time.Second, connect)

	// Glacial host is capped at max_timeout
	for i := 0; i < 10; i++ {
		tm.Record("slow.example.com", 30*time.Second, true)
	}
	_, read = tm.Get("slow.example.com")
	assert.Equal(t, 20*time.Second, read)
}
