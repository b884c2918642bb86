// Package smallheap is the BIBOP small-object engine: per-thread,
// per-size-class bags with a bump-pointer fast path and an intrusive free
// list, randomized bag-set replica selection, trailing and random guard
// pages, and trailer canaries.
//
// Grounded on the teacher's kernel/threads/arena/slab.go SlabCache (one
// cache per size class, per-cache mutex) generalized from its
// bitmap-per-4KB-page design to this package's bump-pointer-plus-shadow
// design, and on buddy.go's offset arithmetic style for bag-replica
// addressing. The allocate/free sequencing itself follows FreeGuard's
// bibopheap.hh allocateSmallObject/freeSmallObject: classSize routing,
// bag-set selection with a biased "use the bump pointer anyway" draw,
// canary stamp/check with destroy-on-free zeroing for small classes, and
// same-thread vs. cross-thread (cached) free-list insertion.
package smallheap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/nmxmxh/hardguard/kernel/alloc/allocerr"
	"github.com/nmxmxh/hardguard/kernel/alloc/diag"
	"github.com/nmxmxh/hardguard/kernel/alloc/freelist"
	"github.com/nmxmxh/hardguard/kernel/alloc/geometry"
	"github.com/nmxmxh/hardguard/kernel/alloc/guard"
	"github.com/nmxmxh/hardguard/kernel/alloc/obslog"
	"github.com/nmxmxh/hardguard/kernel/alloc/prng"
	"github.com/nmxmxh/hardguard/kernel/alloc/shadow"
)

// destroyOnFreeLimit matches FreeGuard's TWO_KILOBYTES: destroy-on-free
// zeroing only applies to objects at or below this size, since zeroing
// larger objects on every free would be an unacceptable cost.
const destroyOnFreeLimit = 2048

type shadowResolver struct{ arena *shadow.Arena }

func (r shadowResolver) RecordAt(ref freelist.Ref) *shadow.Record {
	return r.arena.RecordAt(uint64(ref))
}

// bagReplica is one of BagSetSize parallel replicas backing a
// (threadSlot, classIndex) pair. objIndex counts objects handed out from
// the bump pointer within the current bag; heapIndex is which of the
// arena's NumHeaps replicas the bag currently bumps through.
type bagReplica struct {
	mu             sync.Mutex
	freeList       *freelist.List
	heapIndex      uint32
	objIndex       uint32
	objectsPerBag  uint32 // after reserving a trailing guard slot, if any
	bagEntered     bool   // whether the trailing guard for heapIndex has been installed
}

// PerThreadBag holds the BagSetSize replicas for one (threadSlot,
// classIndex) pair, plus the cached free list used for cross-thread
// frees (§4.2's cached free list: frees from a thread that doesn't own
// the bag stage here until drainThreshold is crossed).
type PerThreadBag struct {
	classIndex uint32
	classSize  uint32
	replicas   []bagReplica

	cachedMu       sync.Mutex
	cachedFreeList *freelist.List
	cachedCount    uint32
	drainThreshold uint32
}

// Engine is the BIBOP small-object allocator for one arena.
type Engine struct {
	geo    *geometry.Geometry
	heap   []byte
	shadow *shadow.Arena
	policy guard.Policy
	logger *obslog.Logger

	heapBeginUintptr uintptr
	bags             [][]*PerThreadBag // [threadSlot][classIndex]
	numObjectsPerBag []uint32          // per classIndex, BagSize/classSize, less the trailing guard slot when Trailing
}

// New constructs a small-object engine over heapArena (the arena's backing
// bytes, geo.ArenaSize long) and shadowArena (sized to match). logger may
// be nil, in which case a default is used.
func New(geo *geometry.Geometry, heapArena []byte, shadowArena *shadow.Arena, policy guard.Policy, logger *obslog.Logger) (*Engine, error) {
	cfg := geo.Config()
	if uint64(len(heapArena)) < geo.ArenaSize {
		return nil, fmt.Errorf("smallheap: heap arena too small: have %d, need %d", len(heapArena), geo.ArenaSize)
	}
	if logger == nil {
		logger = obslog.Default("smallheap")
	}

	resolver := shadowResolver{arena: shadowArena}

	e := &Engine{
		geo:              geo,
		heap:             heapArena,
		shadow:           shadowArena,
		policy:           policy,
		logger:           logger,
		heapBeginUintptr: uintptr(unsafe.Pointer(&heapArena[0])),
		bags:             make([][]*PerThreadBag, cfg.NumSubheaps),
		numObjectsPerBag: make([]uint32, geo.ClassCount),
	}

	for c := uint32(0); c < geo.ClassCount; c++ {
		classSize := geo.ClassSize(c)
		perBag := cfg.BagSize / classSize
		if policy.Trailing && perBag > 1 {
			perBag--
		}
		e.numObjectsPerBag[c] = perBag
	}

	for t := uint32(0); t < cfg.NumSubheaps; t++ {
		e.bags[t] = make([]*PerThreadBag, geo.ClassCount)
		for c := uint32(0); c < geo.ClassCount; c++ {
			bag := &PerThreadBag{
				classIndex:     c,
				classSize:      geo.ClassSize(c),
				replicas:       make([]bagReplica, cfg.BagSetSize),
				cachedFreeList: freelist.NewList(resolver),
				drainThreshold: cfg.BagSetSize * 10, // CACHEDFREELIST_THRESHOLD_RATIO_BYBAG
			}
			for r := uint32(0); r < cfg.BagSetSize; r++ {
				bag.replicas[r] = bagReplica{
					freeList:      freelist.NewList(resolver),
					heapIndex:     r,
					objectsPerBag: e.numObjectsPerBag[c],
				}
			}
			e.bags[t][c] = bag
		}
	}

	return e, nil
}

func (e *Engine) addrFor(threadSlot, classIndex, heapIndex, objIndex uint32) uintptr {
	cfg := e.geo.Config()
	offset := uint64(heapIndex)*e.geo.HeapSize +
		uint64(threadSlot)*e.geo.SubheapSize +
		uint64(classIndex)*uint64(cfg.BagSize) +
		uint64(objIndex)*uint64(e.geo.ClassSize(classIndex))
	return e.heapBeginUintptr + uintptr(offset)
}

func (e *Engine) bagSlot(threadSlot, classIndex uint32) uint32 {
	return threadSlot*e.geo.Config().NumBags + classIndex
}

// bumpOne advances replica's bump pointer by one object, crossing into the
// next heap replica (keeping the same bagSetItem by stepping heapIndex by
// BagSetSize) when the current bag is exhausted. Installs the trailing
// guard over the bag's reserved tail slot the first time a bag is
// entered.
func (e *Engine) bumpOne(threadSlot uint32, bag *PerThreadBag, bagSetItem uint32, rng *prng.Source) (objIndex, heapIndex uint32, err error) {
	rep := &bag.replicas[bagSetItem]

	if !rep.bagEntered {
		if e.policy.Trailing && rep.objectsPerBag < e.geo.Config().BagSize/bag.classSize {
			guardStart := e.addrFor(threadSlot, bag.classIndex, rep.heapIndex, rep.objectsPerBag)
			guardRegion := e.sliceAt(guardStart, uintptr(bag.classSize))
			if err := e.policy.InstallTrailing(guardRegion, true); err != nil {
				return 0, 0, err
			}
		}
		rep.bagEntered = true
	}

	if rep.objIndex >= rep.objectsPerBag {
		cfg := e.geo.Config()
		if rep.heapIndex+cfg.BagSetSize >= cfg.NumHeaps {
			return 0, 0, allocerr.ErrOOM
		}
		rep.heapIndex += cfg.BagSetSize
		rep.objIndex = 0
		rep.bagEntered = false
	}

	objIndex = rep.objIndex
	heapIndex = rep.heapIndex
	rep.objIndex++
	return objIndex, heapIndex, nil
}

func (e *Engine) sliceAt(addr uintptr, length uintptr) []byte {
	base := addr - e.heapBeginUintptr
	return e.heap[base : base+length]
}

// Allocate carves one object of size from the thread slot's bags,
// following §4.2's Allocate: size-class routing, randomized bag-set
// selection with a biased chance to use the bump pointer even when the
// free list is non-empty, canary stamping, and shadow-record marking.
func (e *Engine) Allocate(threadSlot uint32, size uint32, rng *prng.Source) (uintptr, error) {
	routingSize := size
	if e.policy.CanaryByte {
		routingSize++ // reserve the trailing canary byte in the class chosen
	}
	classIndex, ok := e.geo.ClassIndexForSize(routingSize)
	if !ok {
		return 0, fmt.Errorf("smallheap: size %d exceeds usable small-object range", size)
	}
	bag := e.bags[threadSlot][classIndex]

	cfg := e.geo.Config()
	bagSetItem := uint32(0)
	useBumpPointer := false
	if cfg.BagSetSize > 1 {
		bagSetItem = rng.Uint32() % cfg.BagSetSize
		useBumpPointer = rng.IntN(8) == 0 // BAG_SET_WEIGHT-style bias
	}

	rep := &bag.replicas[bagSetItem]

	rep.mu.Lock()
	if !rep.freeList.Empty() && !useBumpPointer {
		ref, _ := rep.freeList.PopFront()
		rep.mu.Unlock()

		rec := e.shadow.RecordAt(uint64(ref))
		heapIndex, bagSlot, objIndex := e.shadow.Decode(uint64(ref))
		_ = bagSlot
		rec.MarkAllocated()
		addr := e.addrFor(threadSlot, classIndex, heapIndex, objIndex)
		obj := e.sliceAt(addr, uintptr(bag.classSize))
		e.policy.StampCanary(obj, bag.classSize)
		return addr, nil
	}

	objIndex, heapIndex, err := e.bumpOne(threadSlot, bag, bagSetItem, rng)
	rep.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if e.policy.RandomGuard && objIndex == 0 {
		guardStart := e.addrFor(threadSlot, classIndex, heapIndex, 0)
		guardRegion := e.sliceAt(guardStart, uintptr(bag.classSize))
		if _, err := e.policy.MaybeInstallRandom(guardRegion, rng); err != nil {
			return 0, err
		}
	}

	addr := e.addrFor(threadSlot, classIndex, heapIndex, objIndex)
	slot := e.bagSlot(threadSlot, classIndex)
	rec := e.shadow.RecordFor(heapIndex, slot, objIndex)
	rec.MarkAllocated()

	obj := e.sliceAt(addr, uintptr(bag.classSize))
	e.policy.StampCanary(obj, bag.classSize)

	return addr, nil
}

// Free returns addr to its bag, following §4.2's Free: double-free
// detection via the shadow sentinel, canary verification, destroy-on-free
// zeroing for classes at or below 2KB, and same-thread vs. cross-thread
// (cached) free-list insertion with drain-on-threshold.
func (e *Engine) Free(threadSlot uint32, addr uintptr) error {
	heapIndex, ownerThreadSlot, _, classIndex, bagSetItem := e.geo.Decode(uint64(addr), uint64(e.heapBeginUintptr))
	bag := e.bags[ownerThreadSlot][classIndex]

	offsetInBag := (uint64(addr) - uint64(e.heapBeginUintptr) -
		uint64(heapIndex)*e.geo.HeapSize -
		uint64(ownerThreadSlot)*e.geo.SubheapSize -
		uint64(classIndex)*uint64(e.geo.Config().BagSize))
	if offsetInBag&uint64(bag.classSize-1) != 0 {
		return allocerr.ErrMisalignedFree
	}
	objIndex := uint32(offsetInBag / uint64(bag.classSize))

	slot := e.bagSlot(ownerThreadSlot, classIndex)
	rec := e.shadow.RecordFor(heapIndex, slot, objIndex)

	if !rec.IsAllocated() {
		diag.Report(e.logger, "double-free", addr, "shadow record already marked free")
		return allocerr.ErrDoubleFree
	}

	obj := e.sliceAt(addr, uintptr(bag.classSize))
	if !e.policy.CheckCanary(obj, bag.classSize) {
		diag.Report(e.logger, "canary-violation", addr, fmt.Sprintf("trailer byte at offset %d did not match the stamped sentinel", bag.classSize-1))
		return allocerr.ErrCanaryViolation
	}

	if bag.classSize <= destroyOnFreeLimit {
		for i := range obj {
			obj[i] = 0
		}
	}

	ref := freelist.Ref(e.shadow.IndexOf(rec))

	if ownerThreadSlot == threadSlot {
		rep := &bag.replicas[bagSetItem%uint32(len(bag.replicas))]
		rep.mu.Lock()
		rep.freeList.PushFront(ref)
		rep.mu.Unlock()
		return nil
	}

	bag.cachedMu.Lock()
	bag.cachedFreeList.PushFront(ref)
	bag.cachedCount++
	if bag.cachedCount > bag.drainThreshold {
		e.drainCachedLocked(bag)
	}
	bag.cachedMu.Unlock()
	return nil
}

// drainCachedLocked splices the cached free list into bag's first replica
// free list. Called with cachedMu held. A single drain target (replica 0)
// is a documented simplification of FreeGuard's per-bag-set cached list,
// which the original's own comments flag as unsound when BagSetSize > 1;
// routing every cached drain through one replica sidesteps that race by
// construction.
func (e *Engine) drainCachedLocked(bag *PerThreadBag) {
	target := &bag.replicas[0]
	target.mu.Lock()
	target.freeList.Splice(bag.cachedFreeList)
	target.mu.Unlock()
	bag.cachedCount = 0
}

// UsableSize returns the class size backing addr, minus one byte when the
// canary trailer is enabled (the canary occupies the class's last byte,
// matching FreeGuard's getUsableSize under USE_CANARY).
func (e *Engine) UsableSize(addr uintptr) (uint32, bool) {
	if !e.Owns(addr) {
		return 0, false
	}
	_, threadSlot, _, classIndex, _ := e.geo.Decode(uint64(addr), uint64(e.heapBeginUintptr))
	classSize := e.bags[threadSlot][classIndex].classSize
	if e.policy.CanaryByte {
		return classSize - 1, true
	}
	return classSize, true
}

// Owns reports whether addr falls within this engine's arena.
func (e *Engine) Owns(addr uintptr) bool {
	if addr < e.heapBeginUintptr {
		return false
	}
	end := e.heapBeginUintptr + uintptr(e.geo.ArenaSize)
	return addr < end
}
