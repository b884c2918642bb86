// Package threadreg is the allocator's thread registry: a dense slot array
// handing out small per-thread indices used to pick a PerThreadBag, plus a
// TID-keyed lookup table for unregistration. Grounded on FreeGuard's
// xthread.hh allocThreadIndex (fast path "_aliveThreads++ == _threadIndex"
// else a first-available scan) and on the teacher's dense-slot allocation
// pattern in kernel/threads/registry/loader.go and the per-account locking
// shape in kernel/threads/supervisor.
//
// Go cannot hook pthread_create/pthread_join directly, so thread identity
// here comes from an explicit Register/Unregister pair the malloc facade
// calls around a runtime.LockOSThread-pinned goroutine, with
// unix.Gettid() supplying the platform id FreeGuard's hash map keys on.
package threadreg

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type slot struct {
	available bool
}

// Registry is the allocator's dense thread-slot table.
type Registry struct {
	mu           sync.Mutex
	slots        []slot
	byTID        map[int]uint32
	nextIndex    uint32
	aliveThreads uint32
}

// New creates a Registry with capacity slots, matching FreeGuard's
// MAX_ALIVE_THREADS cap.
func New(capacity uint32) *Registry {
	slots := make([]slot, capacity)
	for i := range slots {
		slots[i].available = true
	}
	return &Registry{slots: slots, byTID: make(map[int]uint32)}
}

// ErrRegistryFull is returned when every slot is in use.
var ErrRegistryFull = fmt.Errorf("threadreg: registry full")

// Register claims a slot for the calling OS thread, keyed by its gettid().
// The fast path matches xthread's allocThreadIndex: if every slot below
// nextIndex is in use, bump nextIndex; otherwise scan for the first
// available slot a prior Unregister freed.
func (r *Registry) Register() (slotIndex uint32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if r.aliveThreads == r.nextIndex {
		if r.nextIndex >= uint32(len(r.slots)) {
			return 0, ErrRegistryFull
		}
		idx = r.nextIndex
		r.nextIndex++
	} else {
		found := false
		for i := uint32(0); i <= r.nextIndex && i < uint32(len(r.slots)); i++ {
			if r.slots[i].available {
				idx = i
				found = true
				break
			}
		}
		if !found {
			return 0, ErrRegistryFull
		}
	}

	r.slots[idx].available = false
	r.aliveThreads++
	r.byTID[unix.Gettid()] = idx
	return idx, nil
}

// Unregister releases slotIndex back to the pool. An untracked TID (a
// double-unregister, or a thread that never registered) is the caller's
// responsibility to log; this function simply reports whether the TID was
// known.
func (r *Registry) Unregister(slotIndex uint32) (wasTracked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tid := unix.Gettid()
	if _, ok := r.byTID[tid]; !ok {
		return false
	}
	delete(r.byTID, tid)

	if slotIndex < uint32(len(r.slots)) {
		r.slots[slotIndex].available = true
	}
	r.aliveThreads--
	return true
}

// SlotFor returns the slot index registered for the calling OS thread.
func (r *Registry) SlotFor() (slotIndex uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byTID[unix.Gettid()]
	return idx, ok
}

// AliveThreads returns the number of currently registered threads.
func (r *Registry) AliveThreads() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliveThreads
}

// Capacity returns the maximum number of concurrently registered threads.
func (r *Registry) Capacity() uint32 { return uint32(len(r.slots)) }
