package largeheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hardguard/kernel/alloc/allocerr"
)

func TestAllocate_UsableSizeMatchesRequest(t *testing.T) {
	e := New()
	addr, err := e.Allocate(10000)
	require.NoError(t, err)
	defer e.Free(addr)

	size, ok := e.UsableSize(addr)
	require.True(t, ok)
	assert.Equal(t, uint32(10000), size)
	assert.True(t, e.Owns(addr))
}

func TestAllocate_UsableRegionEndsAtMappingLastByte(t *testing.T) {
	e := New()
	const size = 5000 // not page-aligned
	addr, err := e.Allocate(size)
	require.NoError(t, err)
	defer e.Free(addr)

	e.mu.Lock()
	ent := e.table[addr]
	e.mu.Unlock()

	mappingEnd := uintptrOf(ent.mapping) + uintptr(len(ent.mapping))
	assert.Equal(t, mappingEnd, addr+size)
}

func TestFree_UnknownPointerReturnsError(t *testing.T) {
	e := New()
	err := e.Free(0xdeadbeef)
	assert.ErrorIs(t, err, allocerr.ErrUnknownPointer)
}

func TestFree_DoubleFreeReturnsUnknownPointer(t *testing.T) {
	e := New()
	addr, err := e.Allocate(4096)
	require.NoError(t, err)

	require.NoError(t, e.Free(addr))
	err = e.Free(addr)
	assert.ErrorIs(t, err, allocerr.ErrUnknownPointer)
}

func TestAllocate_RejectsZeroSize(t *testing.T) {
	e := New()
	_, err := e.Allocate(0)
	assert.Error(t, err)
}
