package resilience

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned by callers that treat a denied host as an error.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker gates segment fetches per host. Closed hosts pass freely, Open
// hosts are refused until the cooldown elapses, and HalfOpen hosts admit a
// single probe per probe interval until one succeeds or fails.
type Breaker struct {
	reg           *Registry
	threshold     int
	cooldown      time.Duration
	probeInterval time.Duration
	clock         clock
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

func WithClock(c clock) BreakerOption {
	return func(b *Breaker) { b.clock = c }
}

func NewBreaker(reg *Registry, threshold int, cooldown, probeInterval time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if probeInterval <= 0 {
		probeInterval = 2 * time.Second
	}

	b := &Breaker{
		reg:           reg,
		threshold:     threshold,
		cooldown:      cooldown,
		probeInterval: probeInterval,
		clock:         realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request to host may be attempted right now.
func (b *Breaker) Allow(host string) bool {
	h := b.reg.Host(host)
	h.mu.Lock()
	defer h.mu.Unlock()

	now := b.clock.Now()

	switch h.circuit {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(h.openedAt) >= b.cooldown {
			h.circuit = StateHalfOpen
			h.probe = rate.NewLimiter(rate.Every(b.probeInterval), 1)
			return h.probe.AllowN(now, 1)
		}
		return false

	default: // StateHalfOpen
		// One probe per interval keeps a recovering host from being
		// flooded the moment the cooldown expires.
		return h.probe.AllowN(now, 1)
	}
}

// OnSuccess resets the failure counter; a successful half-open probe closes
// the circuit.
func (b *Breaker) OnSuccess(host string) {
	h := b.reg.Host(host)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecFails = 0
	h.recordOutcome(true)
	if h.circuit != StateClosed {
		h.circuit = StateClosed
	}
}

// OnFailure counts a failure; crossing the threshold opens the circuit, and
// a failed half-open probe re-opens it for another full cooldown.
func (b *Breaker) OnFailure(host string) {
	h := b.reg.Host(host)
	h.mu.Lock()
	defer h.mu.Unlock()

	now := b.clock.Now()
	h.consecFails++
	h.lastFailure = now
	h.recordOutcome(false)

	if h.circuit == StateHalfOpen {
		h.circuit = StateOpen
		h.openedAt = now
		return
	}

	if h.circuit == StateClosed && h.consecFails >= b.threshold {
		h.circuit = StateOpen
		h.openedAt = now
	}
}

// State returns the current circuit state for a host.
func (b *Breaker) State(host string) State {
	h := b.reg.Host(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.circuit
}
