package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/hlsget/hlsget/internal/domain"
)

const (
	maxDecryptRetries    = 1
	maxValidationRetries = 2
	maxBackoff           = 60 * time.Second
)

// Policy decides whether a failed segment goes back into the pipeline and
// how long to wait first. Attempt counts are per segment and reset only on
// success.
type Policy struct {
	reg *Registry
}

func NewPolicy(reg *Registry) *Policy {
	return &Policy{reg: reg}
}

// ShouldRetry applies the taxonomy: permanent, integrity and fatal errors
// never retry; decryption gets one re-fetch in case of transient corruption;
// validation a bounded count; transient network errors spend the task's
// retry budget.
func (p *Policy) ShouldRetry(kind domain.ErrorKind, attempt, maxRetries int) bool {
	switch kind {
	case domain.KindNetworkTransient:
		return attempt < maxRetries
	case domain.KindDecryption:
		return attempt < maxDecryptRetries
	case domain.KindValidation:
		return attempt < maxValidationRetries && attempt < maxRetries
	default:
		return false
	}
}

// NextDelay computes the backoff before attempt n (1-based) is retried:
// exponential with full jitter, stretched when the host has been failing
// for everyone so synchronized retries don't pile onto a sick origin.
func (p *Policy) NextDelay(attempt int, host string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// 2s, 4s, 8s... like a polite client should
	base := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if base > maxBackoff {
		base = maxBackoff
	}

	// Full jitter across [base/2, base)
	delay := base/2 + time.Duration(rand.Int63n(int64(base/2)))

	if p.reg != nil && p.reg.SuccessRate(host) < 0.5 {
		delay *= 2
	}

	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
