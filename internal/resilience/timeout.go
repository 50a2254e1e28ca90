package resilience

import "time"

// TimeoutManager derives per-host attempt timeouts from observed latency.
// The read timeout is the rolling p90 times a configured multiple, clamped
// to [min, max]; the connect timeout is half of that with the same floor.
// Cold hosts get the conservative maximum until samples arrive.
type TimeoutManager struct {
	reg      *Registry
	min      time.Duration
	max      time.Duration
	multiple float64
}

func NewTimeoutManager(reg *Registry, min, max time.Duration, multiple float64) *TimeoutManager {
	if min <= 0 {
		min = 2 * time.Second
	}
	if max < min {
		max = min
	}
	if multiple < 1 {
		multiple = 3.0
	}
	return &TimeoutManager{reg: reg, min: min, max: max, multiple: multiple}
}

// Get returns (connect, read) timeouts for the next attempt against host.
func (t *TimeoutManager) Get(host string) (time.Duration, time.Duration) {
	h := t.reg.Host(host)
	h.mu.Lock()
	p90 := h.latencyP90()
	h.mu.Unlock()

	if p90 == 0 {
		// No samples yet: be generous rather than strangle a slow origin
		return t.max / 2, t.max
	}

	read := time.Duration(float64(p90) * t.multiple)
	read = clamp(read, t.min, t.max)
	connect := clamp(read/2, t.min, t.max)
	return connect, read
}

// Record feeds the estimator after every attempt, success or failure.
// Failed attempts count too: a host that times out slowly is a slow host.
func (t *TimeoutManager) Record(host string, elapsed time.Duration, ok bool) {
	h := t.reg.Host(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordLatency(elapsed)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
