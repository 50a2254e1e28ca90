package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	// Pressure disabled (ceiling 0) so sizing is deterministic
	return NewManager(256*1024, 4*1024*1024, 0.7, 0.9, 0)
}

func TestGetRespectsCeiling(t *testing.T) {
	m := newTestManager()

	// A segment declaring 100MB still gets at most the configured maximum
	buf := m.Get(100 * 1024 * 1024)
	defer m.Put(buf)
	assert.Equal(t, 4*1024*1024, buf.Cap())
}

func TestGetDefaultSize(t *testing.T) {
	m := newTestManager()

	buf := m.Get(0)
	defer m.Put(buf)
	assert.Equal(t, 256*1024, buf.Cap())
}

func TestGetRoundsUpToClass(t *testing.T) {
	m := newTestManager()

	buf := m.Get(300 * 1024)
	defer m.Put(buf)
	assert.Equal(t, 512*1024, buf.Cap())

	small := m.Get(10)
	defer m.Put(small)
	assert.Equal(t, 64*1024, small.Cap())
}

func TestBuffersAreReused(t *testing.T) {
	m := newTestManager()

	buf := m.Get(128 * 1024)
	buf.B[0] = 0xFF
	m.Put(buf)

	again := m.Get(128 * 1024)
	defer m.Put(again)
	require.Equal(t, buf.Cap(), again.Cap())
}

func TestPutNilIsSafe(t *testing.T) {
	m := newTestManager()
	m.Put(nil)
}
