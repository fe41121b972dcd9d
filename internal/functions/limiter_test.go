package functions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourceLimiter_GrowthWithinLimit(t *testing.T) {
	l := NewResourceLimiter(2)
	mem := l.Allocate(0, 4*bytesPerMB)

	buf := mem.Reallocate(bytesPerMB)
	require.Len(t, buf, bytesPerMB)
	buf[0] = 42
	buf[bytesPerMB-1] = 7

	buf = mem.Reallocate(2 * bytesPerMB)
	require.Len(t, buf, 2*bytesPerMB)
	require.Equal(t, byte(42), buf[0])
	require.Equal(t, byte(7), buf[bytesPerMB-1])
	require.Equal(t, byte(0), buf[bytesPerMB])

	require.False(t, l.Rejected())
	require.Nil(t, l.RejectionError())
	require.Equal(t, uint64(2*bytesPerMB), l.UsedBytes())
	require.InDelta(t, 2.0, l.PeakMB(), 0.0001)
}

func TestResourceLimiter_RejectsGrowthBeyondLimit(t *testing.T) {
	l := NewResourceLimiter(1)
	mem := l.Allocate(0, 4*bytesPerMB)

	require.NotNil(t, mem.Reallocate(bytesPerMB/2))
	require.Nil(t, mem.Reallocate(bytesPerMB+1))

	require.True(t, l.Rejected())
	rej := l.RejectionError()
	require.NotNil(t, rej)
	require.Equal(t, KindResourceExceeded, rej.Kind)
	require.True(t, errors.Is(rej, ErrResourceExceeded))

	require.Equal(t, uint64(bytesPerMB/2), l.UsedBytes())

	// Growth up to the limit itself still succeeds after a rejection.
	require.Len(t, mem.Reallocate(bytesPerMB), bytesPerMB)
}

func TestResourceLimiter_RejectsBeyondMemoryMax(t *testing.T) {
	l := NewResourceLimiter(16)
	mem := l.Allocate(0, pageSize)

	require.Nil(t, mem.Reallocate(2*pageSize))
	require.False(t, l.Rejected(), "declared max is enforced by the module, not the limiter")
}

func TestResourceLimiter_SharedAcrossMemories(t *testing.T) {
	l := NewResourceLimiter(1)
	a := l.Allocate(0, bytesPerMB)
	b := l.Allocate(0, bytesPerMB)

	require.NotNil(t, a.Reallocate(bytesPerMB/2))
	require.NotNil(t, b.Reallocate(bytesPerMB/2))
	require.Nil(t, b.Reallocate(bytesPerMB/2+pageSize))
	require.True(t, l.Rejected())
}

func TestResourceLimiter_FreeReleases(t *testing.T) {
	l := NewResourceLimiter(1)
	mem := l.Allocate(0, bytesPerMB)

	require.NotNil(t, mem.Reallocate(bytesPerMB))
	mem.Free()

	require.Zero(t, l.UsedBytes())
	require.InDelta(t, 1.0, l.PeakMB(), 0.0001, "peak survives release")
}

func TestResourceLimiter_Admit(t *testing.T) {
	l := NewResourceLimiter(1)

	require.NoError(t, l.Admit(bytesPerMB))
	require.Zero(t, l.UsedBytes(), "admit does not reserve")

	err := l.Admit(bytesPerMB + 1)
	require.Error(t, err)
	require.Equal(t, KindResourceExceeded, KindOf(err))
	require.True(t, l.Rejected())
}

func TestResourceLimiter_ZeroLimit(t *testing.T) {
	l := NewResourceLimiter(0)
	mem := l.Allocate(0, bytesPerMB)

	require.Empty(t, mem.Reallocate(0))
	require.False(t, l.Rejected())
	require.Nil(t, mem.Reallocate(pageSize))
	require.True(t, l.Rejected())
}
