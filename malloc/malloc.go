// Package malloc is the hardened allocator's Go-native ABI facade:
// Malloc/Free/Calloc/Realloc/PosixMemalign/Memalign/MallocUsableSize, plus
// the Valloc/Pvalloc/AlignedAlloc stubs. Go cannot interpose the C symbol
// table the way the original LD_PRELOAD shim does, so this is an ordinary
// importable API rather than cgo-exported malloc/free symbols; callers
// embedding this module call Register/Unregister explicitly instead of
// relying on an intercepted pthread_create/pthread_join.
//
// Grounded on the teacher's kernel/threads/arena/allocator.go
// HybridAllocator.Allocate/Free top-level size-routing dispatch, and on
// the bring-up ordering implied by kernel/threads/sab/init.go
// (SABInitializer.Initialize's ordered multi-step sequence), re-expressed
// as an explicit three-state init latch.
package malloc

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/hardguard/kernel/alloc/allocerr"
	"github.com/nmxmxh/hardguard/kernel/alloc/geometry"
	"github.com/nmxmxh/hardguard/kernel/alloc/guard"
	"github.com/nmxmxh/hardguard/kernel/alloc/largeheap"
	"github.com/nmxmxh/hardguard/kernel/alloc/obslog"
	"github.com/nmxmxh/hardguard/kernel/alloc/osmem"
	"github.com/nmxmxh/hardguard/kernel/alloc/prng"
	"github.com/nmxmxh/hardguard/kernel/alloc/shadow"
	"github.com/nmxmxh/hardguard/kernel/alloc/smallheap"
	"github.com/nmxmxh/hardguard/kernel/alloc/threadreg"
)

const (
	initNot = iota
	initWorking
	initDone
)

var initState int32

var (
	geo       *geometry.Geometry
	small     *smallheap.Engine
	large     *largeheap.Engine
	threads   *threadreg.Registry
	logger    = obslog.Default("malloc")
	heapArena []byte
)

// threadRNGs holds one prng.Source per thread slot, created by Register.
var threadRNGs []*prng.Source

// Init brings the allocator up following the same order as the teacher's
// SABInitializer.Initialize: derive geometry, map the heap arena and
// shadow metadata, then the thread registry and large-object table.
// Safe to call once; concurrent/duplicate calls spin on WORKING and
// return nil once DONE.
func Init(cfg geometry.Config) error {
	return InitWithPolicy(cfg, guard.Default())
}

// InitWithPolicy is Init with an explicit guard/canary policy, for callers
// that need a non-default defense posture (embedding tests that disable
// canaries to match a fixed-offset scenario, or a deployment that wants the
// random guard off for reproducible profiling runs).
func InitWithPolicy(cfg geometry.Config, policy guard.Policy) error {
	if !atomic.CompareAndSwapInt32(&initState, initNot, initWorking) {
		for atomic.LoadInt32(&initState) == initWorking {
			runtime.Gosched()
		}
		return nil
	}

	g, err := geometry.New(cfg)
	if err != nil {
		atomic.StoreInt32(&initState, initNot)
		return fmt.Errorf("malloc: init: %w", err)
	}
	if err := g.SelfCheck(); err != nil {
		atomic.StoreInt32(&initState, initNot)
		return fmt.Errorf("malloc: init: %w", err)
	}

	arena, err := osmem.MapAnonymous(int(g.ArenaSize))
	if err != nil {
		atomic.StoreInt32(&initState, initNot)
		logger.Abort("fatal: unable to reserve heap arena", obslog.Err(err))
		return err // unreachable, Abort exits the process
	}
	_ = osmem.AdviseNoHugePage(arena)

	shadowArena, err := shadow.NewArena(cfg.NumHeaps, cfg.NumSubheaps*cfg.NumBags, cfg.BagSize/cfg.MinBlock)
	if err != nil {
		atomic.StoreInt32(&initState, initNot)
		return fmt.Errorf("malloc: init: %w", err)
	}

	eng, err := smallheap.New(g, arena, shadowArena, policy, logger.With("smallheap"))
	if err != nil {
		atomic.StoreInt32(&initState, initNot)
		return fmt.Errorf("malloc: init: %w", err)
	}

	geo = g
	heapArena = arena
	small = eng
	threads = threadreg.New(cfg.NumSubheaps)
	large = largeheap.New()
	threadRNGs = make([]*prng.Source, cfg.NumSubheaps)

	atomic.StoreInt32(&initState, initDone)
	return nil
}

func ensureInit() error {
	if atomic.LoadInt32(&initState) == initDone {
		return nil
	}
	return Init(geometry.Default())
}

// Register binds the calling, LockOSThread-pinned goroutine to a thread
// slot. Must be called before that goroutine's first Malloc/Free.
func Register() (slotIndex uint32, err error) {
	if err := ensureInit(); err != nil {
		return 0, err
	}
	idx, err := threads.Register()
	if err != nil {
		return 0, err
	}
	threadRNGs[idx] = prng.NewFromOS()
	return idx, nil
}

// Unregister releases the calling goroutine's thread slot.
func Unregister(slotIndex uint32) {
	if threads == nil {
		return
	}
	if !threads.Unregister(slotIndex) {
		logger.Warn("unregister: untracked thread", obslog.Uint32("slot", slotIndex))
	}
}

func currentSlot() (uint32, *prng.Source, error) {
	slot, ok := threads.SlotFor()
	if !ok {
		return 0, nil, fmt.Errorf("malloc: calling goroutine is not registered, call malloc.Register first")
	}
	return slot, threadRNGs[slot], nil
}

// Malloc allocates size bytes, routing to the small-object engine or the
// large-object side allocator by geometry.Config's LargeThreshold.
func Malloc(size uintptr) (unsafe.Pointer, error) {
	if err := ensureInit(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	sz := uint32(size)
	if sz > geo.Config().LargeThreshold {
		addr, err := large.Allocate(sz)
		if err != nil {
			return nil, err
		}
		return unsafe.Pointer(addr), nil
	}

	slot, rng, err := currentSlot()
	if err != nil {
		return nil, err
	}
	addr, err := small.Allocate(slot, sz, rng)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addr), nil
}

// Free releases ptr, routing by which engine owns it. A nil ptr is a
// no-op, matching libc's free(NULL).
func Free(ptr unsafe.Pointer) {
	if ptr == nil || atomic.LoadInt32(&initState) != initDone {
		return
	}
	addr := uintptr(ptr)

	if large.Owns(addr) {
		if err := large.Free(addr); err != nil {
			logger.Error("free: large object", obslog.Err(err))
		}
		return
	}
	if !small.Owns(addr) {
		logger.Error("free: pointer outside both engines", obslog.Err(allocerr.ErrUnknownPointer))
		return
	}

	slot, _, err := currentSlot()
	if err != nil {
		logger.Error("free: unregistered thread", obslog.Err(err))
		return
	}
	if err := small.Free(slot, addr); err != nil {
		if err == allocerr.ErrDoubleFree || err == allocerr.ErrCanaryViolation {
			logger.Abort("heap corruption on free", obslog.Err(err))
		}
		logger.Error("free", obslog.Err(err))
	}
}

// Calloc allocates n*size bytes, zeroed.
func Calloc(n, size uintptr) (unsafe.Pointer, error) {
	total := n * size
	if n != 0 && total/n != size {
		return nil, fmt.Errorf("malloc: calloc overflow: %d * %d", n, size)
	}
	ptr, err := Malloc(total)
	if err != nil || ptr == nil {
		return ptr, err
	}
	buf := unsafe.Slice((*byte)(ptr), int(total))
	for i := range buf {
		buf[i] = 0
	}
	return ptr, nil
}

// Realloc resizes the allocation at ptr to size bytes, preserving the
// lesser of the old and new usable sizes' worth of content. A nil ptr
// behaves like Malloc; a zero size frees ptr and returns nil.
func Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return Malloc(size)
	}
	if size == 0 {
		Free(ptr)
		return nil, nil
	}

	oldSize := MallocUsableSize(ptr)
	if oldSize < 0 {
		oldSize = 0
	}
	// Shrinking (or staying the same) within the already-granted class
	// size is a no-op: the bag that backs ptr already has room, and
	// reallocating would only churn the free list for nothing.
	if int64(size) <= oldSize {
		return ptr, nil
	}

	newPtr, err := Malloc(size)
	if err != nil {
		return nil, err
	}

	copyLen := oldSize
	if int64(size) < copyLen {
		copyLen = int64(size)
	}
	if copyLen > 0 {
		src := unsafe.Slice((*byte)(ptr), int(copyLen))
		dst := unsafe.Slice((*byte)(newPtr), int(copyLen))
		copy(dst, src)
	}
	Free(ptr)
	return newPtr, nil
}

// MallocUsableSize reports the usable size of the allocation at ptr, or
// -1 if ptr is neither a live large object nor inside the small-object
// arena. For an address inside the small-object arena it reports the
// class's usable size whether or not that object is currently allocated.
func MallocUsableSize(ptr unsafe.Pointer) int64 {
	if ptr == nil || atomic.LoadInt32(&initState) != initDone {
		return -1
	}
	addr := uintptr(ptr)
	if size, ok := large.UsableSize(addr); ok {
		return int64(size)
	}
	if size, ok := small.UsableSize(addr); ok {
		return int64(size)
	}
	return -1
}

// PosixMemalign allocates size bytes and returns them only if the pointer
// is aligned to align, which must be a power of two. It does not
// over-allocate to find an aligned address: it calls Malloc and, when the
// result is misaligned, frees it and returns an error. A small-object
// pointer is aligned whenever its class size is >= align and bags start on
// a BagSize boundary of at least align; a large-object pointer sits at
// mapping start + (page-rounded size − size) and passes only when that
// address happens to be aligned.
func PosixMemalign(align, size uintptr) (unsafe.Pointer, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("malloc: alignment %d is not a power of two", align)
	}
	ptr, err := Malloc(size)
	if err != nil || ptr == nil {
		return ptr, err
	}
	if uintptr(ptr)%align != 0 {
		Free(ptr)
		return nil, fmt.Errorf("malloc: cannot satisfy alignment %d for size %d with this allocator's size classes", align, size)
	}
	return ptr, nil
}

// Memalign is PosixMemalign without the errno-style contract.
func Memalign(align, size uintptr) (unsafe.Pointer, error) {
	return PosixMemalign(align, size)
}

// Valloc, Pvalloc, and AlignedAlloc are preserved as stubs: §7 classifies
// them as non-fatal diagnostics rather than required functionality, and
// alloca has no meaningful Go translation at all, so none of the three
// gets a real implementation here.
func Valloc(size uintptr) (unsafe.Pointer, error) {
	logger.Warn("valloc is not implemented by this allocator", obslog.Uint64("size", uint64(size)))
	return nil, fmt.Errorf("malloc: valloc not implemented")
}

func Pvalloc(size uintptr) (unsafe.Pointer, error) {
	logger.Warn("pvalloc is not implemented by this allocator", obslog.Uint64("size", uint64(size)))
	return nil, fmt.Errorf("malloc: pvalloc not implemented")
}

func AlignedAlloc(align, size uintptr) (unsafe.Pointer, error) {
	logger.Warn("aligned_alloc is not implemented by this allocator", obslog.Uint64("align", uint64(align)), obslog.Uint64("size", uint64(size)))
	return nil, fmt.Errorf("malloc: aligned_alloc not implemented")
}
