package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(NewRegistry(), threshold, cooldown, time.Second, WithClock(clk))
	return b, clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	assert.Equal(t, StateClosed, b.State("cdn.example.com"))

	b.OnFailure("cdn.example.com")
	b.OnFailure("cdn.example.com")
	assert.Equal(t, StateClosed, b.State("cdn.example.com"))
	assert.True(t, b.Allow("cdn.example.com"))

	b.OnFailure("cdn.example.com")
	assert.Equal(t, StateOpen, b.State("cdn.example.com"))
	assert.False(t, b.Allow("cdn.example.com"))
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(1, 30*time.Second)

	b.OnFailure("cdn.example.com")
	require.Equal(t, StateOpen, b.State("cdn.example.com"))

	clk.advance(29 * time.Second)
	assert.False(t, b.Allow("cdn.example.com"))

	clk.advance(2 * time.Second)
	assert.True(t, b.Allow("cdn.example.com"))
	assert.Equal(t, StateHalfOpen, b.State("cdn.example.com"))

	// Only one probe per interval while half-open
	assert.False(t, b.Allow("cdn.example.com"))
	clk.advance(time.Second)
	assert.True(t, b.Allow("cdn.example.com"))
}

func TestBreakerProbeOutcomes(t *testing.T) {
	b, clk := newTestBreaker(1, 10*time.Second)

	b.OnFailure("cdn.example.com")
	clk.advance(11 * time.Second)
	require.True(t, b.Allow("cdn.example.com"))

	// Failed probe re-opens for a full cooldown
	b.OnFailure("cdn.example.com")
	assert.Equal(t, StateOpen, b.State("cdn.example.com"))
	assert.False(t, b.Allow("cdn.example.com"))

	clk.advance(11 * time.Second)
	require.True(t, b.Allow("cdn.example.com"))

	// Successful probe closes the circuit again
	b.OnSuccess("cdn.example.com")
	assert.Equal(t, StateClosed, b.State("cdn.example.com"))
	assert.True(t, b.Allow("cdn.example.com"))
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.OnFailure("cdn.example.com")
	b.OnFailure("cdn.example.com")
	b.OnSuccess("cdn.example.com")
	b.OnFailure("cdn.example.com")
	b.OnFailure("cdn.example.com")

	// Never three in a row, so still closed
	assert.Equal(t, StateClosed, b.State("cdn.example.com"))
}

func TestBreakerHostsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, 30*time.Second)

	b.OnFailure("bad.example.com")
	assert.False(t, b.Allow("bad.example.com"))
	assert.True(t, b.Allow("good.example.com"))
}
