package resilience

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State represents the per-host circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// clock abstracts time for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	latencyWindow = 32
	outcomeWindow = 20
)

// HostState is the shared per-host record: rolling latency samples for the
// timeout manager, a rolling outcome window for the retry policy, and the
// circuit fields for the breaker. All workers targeting a host share one
// instance; everything is guarded by the per-host mutex, never a global one.
type HostState struct {
	mu sync.Mutex

	latencies [latencyWindow]time.Duration
	latCount  int
	latNext   int

	outcomes     [outcomeWindow]bool
	outcomeCount int
	outcomeNext  int

	circuit     State
	consecFails int
	openedAt    time.Time
	lastFailure time.Time

	// probe limits half-open probe dispatch; recreated on every
	// open -> half-open transition.
	probe *rate.Limiter
}

func newHostState() *HostState {
	return &HostState{circuit: StateClosed}
}

func (h *HostState) recordLatency(d time.Duration) {
	h.latencies[h.latNext] = d
	h.latNext = (h.latNext + 1) % latencyWindow
	if h.latCount < latencyWindow {
		h.latCount++
	}
}

// latencyP90 returns the 90th percentile of the sample window, or zero when
// the host is cold.
func (h *HostState) latencyP90() time.Duration {
	if h.latCount == 0 {
		return 0
	}
	samples := make([]time.Duration, h.latCount)
	copy(samples, h.latencies[:h.latCount])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (h.latCount * 9) / 10
	if idx >= h.latCount {
		idx = h.latCount - 1
	}
	return samples[idx]
}

func (h *HostState) recordOutcome(ok bool) {
	h.outcomes[h.outcomeNext] = ok
	h.outcomeNext = (h.outcomeNext + 1) % outcomeWindow
	if h.outcomeCount < outcomeWindow {
		h.outcomeCount++
	}
}

// successRate over the rolling outcome window. Cold hosts report 1.0 so a
// fresh host is not penalized with stretched backoff.
func (h *HostState) successRate() float64 {
	if h.outcomeCount == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < h.outcomeCount; i++ {
		if h.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(h.outcomeCount)
}

// Registry hands out the shared HostState for each distinct remote host.
// It is owned by the engine and passed to the breaker, timeout manager and
// retry policy; there is no ambient global map.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*HostState
}

func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*HostState)}
}

func (r *Registry) Host(host string) *HostState {
	r.mu.RLock()
	h, ok := r.hosts[host]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.hosts[host]; ok {
		return h
	}
	h = newHostState()
	r.hosts[host] = h
	return h
}

// SuccessRate exposes the rolling success rate for a host.
func (r *Registry) SuccessRate(host string) float64 {
	h := r.Host(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successRate()
}
