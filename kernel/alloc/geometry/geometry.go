// Package geometry derives the BIBOP heap-address algebra from a small set
// of configuration constants: bag/heap shifts and masks, the usable
// size-class range, and the five-quantity decode used to recover a bag's
// owning (heap, thread, size-class, bag-set item) from a raw address.
//
// Grounded on kernel/threads/arena/buddy.go's level/offset arithmetic
// (nmxmxh/inos_v1) and on FreeGuard's BibopHeap::initialize (original_source/
// bibopheap.hh), which derives the same shifts from the same handful of
// power-of-two constants.
package geometry

import (
	"fmt"
	"math/bits"
)

// Config is the compile/init-time configuration of one heap arena (§3).
type Config struct {
	// MinBlock is the smallest size class, must be a power of two.
	MinBlock uint32
	// NumBags is the number of size classes per sub-heap, power of two.
	NumBags uint32
	// BagSize is bytes per bag, power of two, >= the largest usable class.
	BagSize uint32
	// RandomizeBagSize, MinRandomBagSize and MaxRandomBagSize are carried in
	// the configuration but New does not read them: the geometry always uses
	// BagSize, and no random bag size is drawn.
	RandomizeBagSize  bool
	MinRandomBagSize  uint32
	MaxRandomBagSize  uint32
	// NumSubheaps is the number of thread slots, equals MaxThreads.
	NumSubheaps uint32
	// NumHeaps is the number of full heap replicas; must be a multiple of
	// BagSetSize.
	NumHeaps uint32
	// BagSetSize is the number of parallel bag replicas picked from at
	// allocation time, power of two >= 1.
	BagSetSize uint32
	// LargeThreshold: requests strictly greater than this are large objects.
	LargeThreshold uint32
}

// Default mirrors FreeGuard's non-MANYBAGS build: 16 size classes, 4MB bags,
// 128 thread slots, 1024 heap replicas, a bag set of 4, 512KB large
// threshold. Callers needing a smaller address-space footprint (tests,
// embedding) should shrink NumHeaps/BagSize rather than change the shape.
func Default() Config {
	return Config{
		MinBlock:         16,
		NumBags:          16,
		BagSize:          4 << 20,
		NumSubheaps:      128,
		NumHeaps:         1024,
		BagSetSize:       4,
		LargeThreshold:   512 << 10,
	}
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// Geometry holds every shift/mask derived from a Config. All fields are
// read-only after New.
type Geometry struct {
	cfg Config

	FirstBagPower uint32 // log2(MinBlock)
	BagShift      uint32 // log2(BagSize)
	BagMask       uint32

	SubheapSize  uint64 // NumBags * BagSize
	SubheapShift uint32

	HeapSize  uint64 // NumSubheaps * SubheapSize
	HeapShift uint32
	HeapMask  uint64

	ArenaSize uint64 // NumHeaps * HeapSize

	// ClassCount is the number of usable size classes; class k has size
	// MinBlock<<k and 2^(k+FirstBagPower) <= min(BagSize, LargeThreshold).
	ClassCount uint32
	LastClass  uint32
}

var ErrInvalidConfig = fmt.Errorf("geometry: invalid configuration")

// New validates cfg and derives the geometry.
func New(cfg Config) (*Geometry, error) {
	if cfg.MinBlock == 0 || !isPow2(cfg.MinBlock) {
		return nil, fmt.Errorf("%w: MinBlock must be a power of two, got %d", ErrInvalidConfig, cfg.MinBlock)
	}
	if cfg.NumBags == 0 || !isPow2(cfg.NumBags) {
		return nil, fmt.Errorf("%w: NumBags must be a power of two, got %d", ErrInvalidConfig, cfg.NumBags)
	}
	if cfg.BagSetSize == 0 || !isPow2(cfg.BagSetSize) {
		return nil, fmt.Errorf("%w: BagSetSize must be a power of two, got %d", ErrInvalidConfig, cfg.BagSetSize)
	}
	if cfg.NumSubheaps == 0 {
		return nil, fmt.Errorf("%w: NumSubheaps must be > 0", ErrInvalidConfig)
	}
	if cfg.NumHeaps == 0 || cfg.NumHeaps%cfg.BagSetSize != 0 {
		return nil, fmt.Errorf("%w: NumHeaps (%d) must be a non-zero multiple of BagSetSize (%d)", ErrInvalidConfig, cfg.NumHeaps, cfg.BagSetSize)
	}

	bagSize := cfg.BagSize
	if !isPow2(bagSize) {
		return nil, fmt.Errorf("%w: BagSize must be a power of two, got %d", ErrInvalidConfig, bagSize)
	}
	if cfg.LargeThreshold == 0 {
		return nil, fmt.Errorf("%w: LargeThreshold must be > 0", ErrInvalidConfig)
	}

	g := &Geometry{cfg: cfg}
	g.FirstBagPower = uint32(bits.TrailingZeros32(cfg.MinBlock))
	g.BagShift = uint32(bits.TrailingZeros32(bagSize))
	g.BagMask = bagSize - 1

	g.SubheapSize = uint64(cfg.NumBags) * uint64(bagSize)
	g.SubheapShift = uint32(bits.TrailingZeros64(g.SubheapSize))
	if 1<<g.SubheapShift != g.SubheapSize {
		return nil, fmt.Errorf("%w: sub-heap size %d is not a power of two", ErrInvalidConfig, g.SubheapSize)
	}

	g.HeapSize = g.SubheapSize * uint64(cfg.NumSubheaps)
	g.HeapShift = uint32(bits.TrailingZeros64(g.HeapSize))
	if 1<<g.HeapShift != g.HeapSize {
		return nil, fmt.Errorf("%w: heap size %d is not a power of two (NumSubheaps must be a power of two too)", ErrInvalidConfig, g.HeapSize)
	}
	g.HeapMask = g.HeapSize - 1

	g.ArenaSize = g.HeapSize * uint64(cfg.NumHeaps)

	lastUsableBagSize := bagSize
	if uint64(bagSize) > uint64(cfg.LargeThreshold) {
		lastUsableBagSize = cfg.LargeThreshold
	}
	classCount := uint32(bits.Len32(lastUsableBagSize)) - g.FirstBagPower
	if classCount > cfg.NumBags {
		classCount = cfg.NumBags
	}
	if classCount == 0 {
		return nil, fmt.Errorf("%w: derived zero usable size classes", ErrInvalidConfig)
	}
	g.ClassCount = classCount
	g.LastClass = classCount - 1

	return g, nil
}

// ClassSize returns the size of class k (0-indexed).
func (g *Geometry) ClassSize(classIndex uint32) uint32 {
	return g.cfg.MinBlock << classIndex
}

// ClassIndexForSize routes a requested size to its usable size class. ok is
// false when the class would exceed the usable range (the caller should
// route to the large-object engine instead).
func (g *Geometry) ClassIndexForSize(size uint32) (classIndex uint32, ok bool) {
	classSize := g.cfg.MinBlock
	if size > g.cfg.MinBlock {
		// next_power_of_two(size)
		classSize = 1 << uint32(bits.Len32(size-1))
	}
	idx := uint32(bits.TrailingZeros32(classSize)) - g.FirstBagPower
	if idx >= g.ClassCount {
		return 0, false
	}
	return idx, true
}

// Decode recovers the five quantities that uniquely identify a bag owning
// addr, given the arena's base address (§3).
func (g *Geometry) Decode(addr, heapBegin uint64) (heapIndex, threadSlot, globalBag, classIndex, bagSetItem uint32) {
	offset := addr - heapBegin
	heapIndex = uint32(offset >> g.HeapShift)
	threadSlot = uint32((offset & g.HeapMask) >> g.SubheapShift)
	globalBag = uint32(offset >> g.BagShift)
	classIndex = globalBag & (g.cfg.NumBags - 1)
	bagSetItem = heapIndex & (g.cfg.BagSetSize - 1)
	return
}

// Config returns the configuration this geometry was derived from.
func (g *Geometry) Config() Config { return g.cfg }

// SelfCheck asserts that the forward/inverse address arithmetic this
// geometry exposes is internally consistent. FreeGuard's bibopheap.hh
// documents the equivalent assertions inline at init time (assert on
// __builtin_popcount for every power-of-two parameter); §4.3 requires an
// implementation to "self-check this equivalence in debug builds."
func (g *Geometry) SelfCheck() error {
	if 1<<g.BagShift != uint64(g.cfg.BagSize) {
		return fmt.Errorf("%w: bag shift does not round-trip", ErrInvalidConfig)
	}
	if 1<<g.SubheapShift != g.SubheapSize {
		return fmt.Errorf("%w: sub-heap shift does not round-trip", ErrInvalidConfig)
	}
	if 1<<g.HeapShift != g.HeapSize {
		return fmt.Errorf("%w: heap shift does not round-trip", ErrInvalidConfig)
	}
	return nil
}
