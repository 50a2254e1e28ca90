package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hlsget/hlsget/internal/domain"
)

func TestRetryPolicyClassification(t *testing.T) {
	p := NewPolicy(NewRegistry())

	// Transient errors spend the task budget exactly
	for attempt := 0; attempt < 3; attempt++ {
		assert.True(t, p.ShouldRetry(domain.KindNetworkTransient, attempt, 3))
	}
	assert.False(t, p.ShouldRetry(domain.KindNetworkTransient, 3, 3))

	// Permanent, integrity and fatal errors never retry
	assert.False(t, p.ShouldRetry(domain.KindNetworkPermanent, 0, 3))
	assert.False(t, p.ShouldRetry(domain.KindIntegrity, 0, 3))
	assert.False(t, p.ShouldRetry(domain.KindResourceExhaustion, 0, 3))
	assert.False(t, p.ShouldRetry(domain.KindMerge, 0, 3))

	// Decryption gets exactly one re-fetch
	assert.True(t, p.ShouldRetry(domain.KindDecryption, 0, 3))
	assert.False(t, p.ShouldRetry(domain.KindDecryption, 1, 3))

	// Validation is bounded below the network budget
	assert.True(t, p.ShouldRetry(domain.KindValidation, 0, 3))
	assert.True(t, p.ShouldRetry(domain.KindValidation, 1, 3))
	assert.False(t, p.ShouldRetry(domain.KindValidation, 2, 3))
}

func TestRetryDelayGrowsWithJitter(t *testing.T) {
	p := NewPolicy(NewRegistry())

	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1<<attempt) * time.Second
		for i := 0; i < 20; i++ {
			d := p.NextDelay(attempt, "cdn.example.com")
			assert.GreaterOrEqual(t, d, base/2)
			assert.Less(t, d, base)
		}
	}
}

func TestRetryDelayStretchedOnSickHost(t *testing.T) {
	reg := NewRegistry()
	p := NewPolicy(reg)

	h := reg.Host("sick.example.com")
	h.mu.Lock()
	for i := 0; i < 10; i++ {
		h.recordOutcome(false)
	}
	h.mu.Unlock()

	base := 4 * time.Second // attempt 2
	for i := 0; i < 20; i++ {
		d := p.NextDelay(2, "sick.example.com")
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, 2*base)
	}
}
