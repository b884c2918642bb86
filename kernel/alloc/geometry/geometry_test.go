package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MinBlock:       16,
		NumBags:        16,
		BagSize:        64 << 10, // 64KB, shrunk from the 4MB production default
		NumSubheaps:    8,
		NumHeaps:       4,
		BagSetSize:     4,
		LargeThreshold: 8 << 10,
	}
}

func TestNew_RejectsNonPowerOfTwoMinBlock(t *testing.T) {
	cfg := testConfig()
	cfg.MinBlock = 24
	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RejectsHeapsNotMultipleOfBagSet(t *testing.T) {
	cfg := testConfig()
	cfg.NumHeaps = 5
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNew_DerivesShiftsForDefaultShape(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)

	assert.Equal(t, uint32(4), g.FirstBagPower) // log2(16)
	assert.Equal(t, uint64(64<<10), uint64(1)<<g.BagShift)
	assert.Equal(t, uint64(16)*uint64(64<<10), g.SubheapSize)
	assert.Equal(t, g.SubheapSize*8, g.HeapSize)
	assert.NoError(t, g.SelfCheck())
}

func TestClassIndexForSize_RoutesToNextPowerOfTwo(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)

	idx, ok := g.ClassIndexForSize(16)
	require.True(t, ok)
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, uint32(16), g.ClassSize(idx))

	idx, ok = g.ClassIndexForSize(17)
	require.True(t, ok)
	assert.Equal(t, uint32(32), g.ClassSize(idx))

	idx, ok = g.ClassIndexForSize(1)
	require.True(t, ok)
	assert.Equal(t, uint32(16), g.ClassSize(idx))
}

func TestClassIndexForSize_RejectsAboveUsableRange(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)

	_, ok := g.ClassIndexForSize(1 << 20)
	assert.False(t, ok, "request above LargeThreshold's class range must be rejected, caller routes to largeheap")
}

func TestDecode_RoundTripsWithGeometricLayout(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)

	const heapBegin = uint64(0x7f0000000000)

	wantHeap, wantThread, wantBagSetItem := uint32(2), uint32(3), uint32(2)
	addr := heapBegin +
		uint64(wantHeap)*g.HeapSize +
		uint64(wantThread)*g.SubheapSize +
		uint64(5)*uint64(g.cfg.BagSize) // class 5's bag within the sub-heap

	heapIndex, threadSlot, globalBag, classIndex, bagSetItem := g.Decode(addr, heapBegin)
	assert.Equal(t, wantHeap, heapIndex)
	assert.Equal(t, wantThread, threadSlot)
	assert.Equal(t, uint32(5), classIndex)
	assert.Equal(t, wantHeap&(g.cfg.BagSetSize-1), bagSetItem)
	_ = wantBagSetItem
	_ = globalBag
}
