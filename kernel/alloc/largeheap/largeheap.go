// Package largeheap is the allocator's large-object side allocator: one
// fresh mmap per allocation, with the returned pointer offset within the
// mapping so the usable region ends exactly at the mapping's last byte —
// any linear overrun past the object walks straight into an unmapped
// page.
//
// Grounded on FreeGuard's bigheap.hh allocateAtBigHeap (page-round the
// request, diff = pageUpSize - size, objStartPtr = ptr + diff) combined
// with the over-allocate-and-offset trick in
// other_examples/d176b14f_cznic-memory__memory.go.go's unsafe-pointer
// allocator, and on the teacher's kernel/threads/arena/allocator.go
// HybridAllocator size-routing dispatch style ("invalid offset %d" on a
// miss becomes "unknown pointer" here).
package largeheap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/nmxmxh/hardguard/kernel/alloc/allocerr"
	"github.com/nmxmxh/hardguard/kernel/alloc/osmem"
)

const pageSize = 4096

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

type entry struct {
	mapping   []byte
	requested uint32
	rounded   uint32
}

// Engine is the large-object side allocator. One Engine typically backs
// every allocation strictly larger than the small-object engine's usable
// range.
type Engine struct {
	mu    sync.Mutex
	table map[uintptr]entry
}

// New creates an empty large-object engine.
func New() *Engine {
	return &Engine{table: make(map[uintptr]entry)}
}

// Allocate reserves size bytes via a dedicated mmap, returning a pointer
// such that ptr+size-1 is exactly the mapping's last valid byte.
func (e *Engine) Allocate(size uint32) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("largeheap: size must be > 0")
	}
	rounded := alignUp(size, pageSize)
	diff := rounded - size

	mapping, err := osmem.MapAnonymous(int(rounded))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", allocerr.ErrOOM, err)
	}

	addr := uintptrOf(mapping) + uintptr(diff)

	e.mu.Lock()
	e.table[addr] = entry{mapping: mapping, requested: size, rounded: rounded}
	e.mu.Unlock()

	return addr, nil
}

// Free releases the mapping backing addr. Returns allocerr.ErrUnknownPointer
// if addr was never returned by Allocate (or was already freed).
func (e *Engine) Free(addr uintptr) error {
	e.mu.Lock()
	ent, ok := e.table[addr]
	if ok {
		delete(e.table, addr)
	}
	e.mu.Unlock()

	if !ok {
		return allocerr.ErrUnknownPointer
	}
	return osmem.Unmap(ent.mapping)
}

// UsableSize returns the originally requested size for addr.
func (e *Engine) UsableSize(addr uintptr) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.table[addr]
	if !ok {
		return 0, false
	}
	return ent.requested, true
}

// Owns reports whether addr is a live large-object allocation.
func (e *Engine) Owns(addr uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.table[addr]
	return ok
}

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
