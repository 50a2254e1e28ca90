package buffer

import (
	"runtime"
	"sync"
	"time"
)

const minClass = 64 * 1024

// Manager hands out right-sized transfer buffers for segment I/O. Buffers
// come from per-size-class pools; a segment larger than the ceiling streams
// through a ceiling-sized buffer in chunks instead of getting a bigger
// allocation. Under memory pressure the manager downgrades requests by one
// or more size classes.
type Manager struct {
	defaultSize int
	maxSize     int
	softPct     float64
	hardPct     float64
	ceiling     uint64

	classes []int
	pools   []*sync.Pool

	mu        sync.Mutex
	lastProbe time.Time
	lastRatio float64
}

// Buffer is owned by exactly one worker between Get and Put.
type Buffer struct {
	B     []byte
	class int
}

// Cap returns the usable size of the buffer.
func (b *Buffer) Cap() int { return len(b.B) }

func NewManager(defaultSize, maxSize int, softPct, hardPct float64, ceiling uint64) *Manager {
	if defaultSize < minClass {
		defaultSize = minClass
	}
	if maxSize < defaultSize {
		maxSize = defaultSize
	}

	m := &Manager{
		defaultSize: defaultSize,
		maxSize:     maxSize,
		softPct:     softPct,
		hardPct:     hardPct,
		ceiling:     ceiling,
	}

	// Power-of-two size classes up to the ceiling
	for size := minClass; size < maxSize; size *= 2 {
		m.classes = append(m.classes, size)
	}
	m.classes = append(m.classes, maxSize)

	for _, size := range m.classes {
		size := size
		m.pools = append(m.pools, &sync.Pool{
			New: func() any { return &Buffer{B: make([]byte, size)} },
		})
	}

	return m
}

// Get returns a buffer sized for the hint, never exceeding the configured
// maximum. A zero hint gets the default size.
func (m *Manager) Get(sizeHint int64) *Buffer {
	want := m.defaultSize
	if sizeHint > 0 {
		if sizeHint > int64(m.maxSize) {
			want = m.maxSize
		} else {
			want = int(sizeHint)
		}
	}

	class := m.classFor(want)

	// Shed a size class per pressure level
	switch m.pressure() {
	case pressureSoft:
		if class > 0 {
			class--
		}
	case pressureHard:
		class = 0
	}

	buf := m.pools[class].Get().(*Buffer)
	buf.class = class
	return buf
}

// Put returns the buffer to its pool. Safe to call exactly once per Get;
// callers defer it so every exit path releases.
func (m *Manager) Put(buf *Buffer) {
	if buf == nil {
		return
	}
	m.pools[buf.class].Put(buf)
}

func (m *Manager) classFor(size int) int {
	for i, c := range m.classes {
		if size <= c {
			return i
		}
	}
	return len(m.classes) - 1
}

type pressureLevel int

const (
	pressureNone pressureLevel = iota
	pressureSoft
	pressureHard
)

// pressure samples heap usage against the configured ceiling, at most once
// per second so segment turnover doesn't hammer ReadMemStats.
func (m *Manager) pressure() pressureLevel {
	if m.ceiling == 0 {
		return pressureNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastProbe) > time.Second {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		m.lastRatio = float64(ms.HeapAlloc) / float64(m.ceiling)
		m.lastProbe = time.Now()
	}

	switch {
	case m.lastRatio >= m.hardPct:
		return pressureHard
	case m.lastRatio >= m.softPct:
		return pressureSoft
	default:
		return pressureNone
	}
}
