// Package shadow is the allocator's out-of-band metadata region: one fixed
// 16-byte Record per object slot, mapped separately from the heap itself so
// a heap overrun cannot corrupt the bookkeeping that would otherwise catch
// it. Grounded on FreeGuard's free-list encoding in bibopheap.hh (the
// object's header word doubles as a free-list link or an allocation
// sentinel) and on the teacher's intrusive-list style in
// kernel/threads/arena/buddy.go's writeU32/getNextFree.
package shadow

import (
	"fmt"
	"unsafe"
)

const recordSize = 16

// sentinelAllocated marks a Record as currently allocated. Any other value
// of link is either unionFree (the record is free and unlinked) or a valid
// free-list link pointing at another record's shadow index.
const sentinelAllocated = ^uint64(0)

// unionFree is the link value of a free record not currently on a free
// list (freshly carved from a bag's bump pointer, never yet freed).
const unionFree = ^uint64(0) - 1

// Record is one object's shadow metadata: an 8-byte link field used either
// as the free-list next-pointer or (via sentinelAllocated) as the
// allocated flag, plus 8 reserved bytes. The reserved bytes are kept zero;
// a future neighbor-canary cookie could use them, but per-neighbor canary
// hashing beyond the trailing sentinel byte is out of scope today.
type Record struct {
	link     uint64
	reserved uint64
}

// IsAllocated reports whether this record currently represents a live
// allocation.
func (r *Record) IsAllocated() bool { return r.link == sentinelAllocated }

// MarkAllocated flags this record as currently allocated, clearing any
// stale free-list link.
func (r *Record) MarkAllocated() { r.link = sentinelAllocated }

// MarkFree flags this record as free but not linked into any list.
func (r *Record) MarkFree() { r.link = unionFree }

// SetFreeLink stores next (a shadow record index, not a Record pointer) as
// this record's free-list successor.
func (r *Record) SetFreeLink(next uint64) { r.link = next }

// FreeLink returns the stored free-list successor index. Only meaningful
// when !IsAllocated().
func (r *Record) FreeLink() uint64 { return r.link }

// HasFreeLink reports whether FreeLink() refers to another record, as
// opposed to being the free-but-unlinked sentinel.
func (r *Record) HasFreeLink() bool { return !r.IsAllocated() && r.link != unionFree }

// Arena is a shadow metadata region: one Record per object slot across
// every bag, indexed by a caller-computed object index. shadowStride is
// the number of Records reserved per bag and must be a power of two so the
// address-to-index and index-to-address mappings stay mutual inverses.
type Arena struct {
	records      []Record
	shadowStride uint32
	bagsPerHeap  uint32
}

// NewArena allocates a shadow region sized for numHeaps*bagsPerHeap bags,
// each with shadowStride object slots.
func NewArena(numHeaps, bagsPerHeap, shadowStride uint32) (*Arena, error) {
	if shadowStride == 0 || shadowStride&(shadowStride-1) != 0 {
		return nil, fmt.Errorf("shadow: shadowStride must be a power of two, got %d", shadowStride)
	}
	total := uint64(numHeaps) * uint64(bagsPerHeap) * uint64(shadowStride)
	if total == 0 {
		return nil, fmt.Errorf("shadow: derived zero-size arena")
	}
	return &Arena{
		records:      make([]Record, total),
		shadowStride: shadowStride,
		bagsPerHeap:  bagsPerHeap,
	}, nil
}

// RecordFor returns the Record for objectIndex within the bag identified
// by (heapIndex, globalBag). The bag identifier is expected to already be
// restricted to [0, bagsPerHeap) by the caller (geometry.Decode's
// classIndex combined with the caller's thread slot).
func (a *Arena) RecordFor(heapIndex, globalBag, objectIndex uint32) *Record {
	bagBase := (uint64(heapIndex)*uint64(a.bagsPerHeap) + uint64(globalBag)) * uint64(a.shadowStride)
	return &a.records[bagBase+uint64(objectIndex)]
}

// Decode recovers (heapIndex, objectIndex) from a Record's position. It is
// the mutual inverse of RecordFor composed with an index lookup; callers
// that only have a *Record pointer must instead track its flat index
// themselves (shadow arenas don't carry pointer identity back to an
// index without a base-pointer subtraction, which the small-object engine
// performs using the Arena's backing slice header).
func (a *Arena) Decode(flatIndex uint64) (heapIndex, globalBag, objectIndex uint32) {
	bagWidth := uint64(a.shadowStride)
	bagsPerHeap := uint64(a.bagsPerHeap)
	bagIndex := flatIndex / bagWidth
	objectIndex = uint32(flatIndex % bagWidth)
	heapIndex = uint32(bagIndex / bagsPerHeap)
	globalBag = uint32(bagIndex % bagsPerHeap)
	return
}

// IndexOf returns rec's flat index within the arena, the inverse of the
// indexing performed inside RecordFor/Decode. Panics if rec does not point
// into this arena's backing slice, which would indicate a programming
// error in the caller rather than a recoverable condition.
func (a *Arena) IndexOf(rec *Record) uint64 {
	base := &a.records[0]
	offset := recordOffset(base, rec)
	if offset >= uintptr(len(a.records)) {
		panic("shadow: record does not belong to this arena")
	}
	return uint64(offset)
}

// ShadowStride returns the number of record slots reserved per bag.
func (a *Arena) ShadowStride() uint32 { return a.shadowStride }

// RecordAt returns the Record at a flat index previously obtained from
// IndexOf, used by the free-list package which only ever holds flat
// indices (freelist.Ref), never bag-relative coordinates.
func (a *Arena) RecordAt(flatIndex uint64) *Record {
	return &a.records[flatIndex]
}

// recordOffset computes the index of rec relative to base within the same
// backing array, using pointer arithmetic the way the teacher's buddy
// allocator computes block offsets via writeU32/getNextFree over a byte
// slice. Both pointers must originate from the same Arena's records slice.
func recordOffset(base, rec *Record) uintptr {
	return (uintptr(unsafe.Pointer(rec)) - uintptr(unsafe.Pointer(base))) / unsafe.Sizeof(Record{})
}
