package osmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnonymous_ReturnsZeroedWritableRegion(t *testing.T) {
	const size = 64 << 10
	region, err := MapAnonymous(size)
	require.NoError(t, err)
	defer Unmap(region)

	require.Len(t, region, size)
	for i := 0; i < 16; i++ {
		assert.Zero(t, region[i])
	}
	region[0] = 0xAB
	assert.Equal(t, byte(0xAB), region[0])
}

func TestMapAnonymous_RejectsNonPositiveSize(t *testing.T) {
	_, err := MapAnonymous(0)
	assert.Error(t, err)
}

func TestProtectNone_SucceedsAndProtectRWRestoresAccess(t *testing.T) {
	const pageSize = 4096
	region, err := MapAnonymous(pageSize)
	require.NoError(t, err)
	defer Unmap(region)

	require.NoError(t, ProtectNone(region))
	require.NoError(t, ProtectRW(region))
	region[0] = 1 // must not panic now that access is restored
	assert.Equal(t, byte(1), region[0])
}

func TestAdviseNoHugePage_DoesNotPanicOnOrdinaryRegion(t *testing.T) {
	region, err := MapAnonymous(4096)
	require.NoError(t, err)
	defer Unmap(region)
	_ = AdviseNoHugePage(region) // best-effort; some kernels reject it silently
}
