package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/registry-service/internal/svcerr"
)

func TestAllocatorReusesLowestFreeInstance(t *testing.T) {
	a := NewAllocator()

	first, err := a.AllocateBackend()
	require.NoError(t, err)
	second, err := a.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	a.Release(KindBackend, first)

	reused, err := a.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, first, reused, "lowest free instance should be reissued before higher ones")
}

func TestAllocatorReserveHoldsSlotUntilExpiry(t *testing.T) {
	a := NewAllocator()
	clock := time.Now()
	a.now = func() time.Time { return clock }

	id, err := a.AllocateProxy()
	require.NoError(t, err)
	a.Reserve(KindProxy, id, time.Minute)

	other, err := a.AllocateProxy()
	require.NoError(t, err)
	assert.NotEqual(t, id, other, "the instance held in cool-down must not be reissued")

	clock = clock.Add(2 * time.Minute)
	reissued, err := a.AllocateProxy()
	require.NoError(t, err)
	assert.Equal(t, id, reissued, "expired reservation releases the slot back to the free pool")
}

func TestAllocatorExhaustionReportsKind(t *testing.T) {
	a := NewAllocator()
	for i := 0; i <= maxInstance; i++ {
		_, err := a.AllocateProxy()
		require.NoError(t, err)
	}
	_, err := a.AllocateProxy()
	assert.Error(t, err)
	re, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "proxy", re.Details["kind"])
}

func TestInUseCountReflectsReleases(t *testing.T) {
	a := NewAllocator()
	id, err := a.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 1, a.InUseCount(KindBackend))
	a.Release(KindBackend, id)
	assert.Equal(t, 0, a.InUseCount(KindBackend))
}
