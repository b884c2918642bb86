// Package freelist holds the intrusive free-list primitives layered over
// shadow.Record links. Generalized from the teacher's
// kernel/threads/arena/buddy.go addToFreeList/removeFromFreeList/
// getNextFree triplet, which stores a raw next-offset in the first four
// bytes of a free block; here the link lives in a shadow.Record instead of
// in the object's own bytes, so the list operations never write into a
// freed object's payload (the small-object engine's destroy-on-free zeroing
// is a separate step of its Free).
package freelist

import "github.com/nmxmxh/hardguard/kernel/alloc/shadow"

// Ref identifies one object slot by its flat shadow index, the unit a List
// operates on. Resolving a Ref back to a usable pointer is the small-object
// engine's job, not freelist's.
type Ref uint64

// Resolver looks up the shadow.Record for a Ref. The small-object engine
// supplies this so List never needs to know about bag/heap geometry.
type Resolver interface {
	RecordAt(ref Ref) *shadow.Record
}

// List is a singly-linked intrusive free list of Refs.
type List struct {
	resolver Resolver
	head     Ref
	hasHead  bool
	length   uint32
}

// NewList creates an empty List resolving Refs through resolver.
func NewList(resolver Resolver) *List {
	return &List{resolver: resolver}
}

// PushFront links ref in as the new head.
func (l *List) PushFront(ref Ref) {
	rec := l.resolver.RecordAt(ref)
	if l.hasHead {
		rec.SetFreeLink(uint64(l.head))
	} else {
		rec.MarkFree()
	}
	l.head = ref
	l.hasHead = true
	l.length++
}

// PopFront removes and returns the head Ref, if any.
func (l *List) PopFront() (Ref, bool) {
	if !l.hasHead {
		return 0, false
	}
	ref := l.head
	rec := l.resolver.RecordAt(ref)
	if rec.HasFreeLink() {
		l.head = Ref(rec.FreeLink())
	} else {
		l.hasHead = false
	}
	l.length--
	return ref, true
}

// Len returns the number of Refs currently linked.
func (l *List) Len() uint32 { return l.length }

// Empty reports whether the list has no Refs.
func (l *List) Empty() bool { return !l.hasHead }

// Splice moves every Ref from other onto the front of l, used by the
// cached-free-list drain once its threshold is crossed (§4.2 step 7). It is
// O(1) when l is empty; otherwise it walks other to its tail, O(other.Len()).
func (l *List) Splice(other *List) {
	if other.Empty() {
		return
	}
	if l.Empty() {
		l.head, l.hasHead, l.length = other.head, true, other.length
		other.head, other.hasHead, other.length = 0, false, 0
		return
	}
	// Walk other's tail to chain it in front of l's current head.
	tail := other.head
	for {
		rec := other.resolver.RecordAt(tail)
		if !rec.HasFreeLink() {
			break
		}
		tail = Ref(rec.FreeLink())
	}
	other.resolver.RecordAt(tail).SetFreeLink(uint64(l.head))
	l.head = other.head
	l.length += other.length
	other.head, other.hasHead, other.length = 0, false, 0
}

// DList is a doubly-linked variant used when a bag is configured for O(1)
// arbitrary removal (PerThreadBag "singly or doubly linked — configurable").
// The prev pointer is kept in the List's own side table rather than the
// shadow.Record's reserved bytes, since those bytes are earmarked for a
// future neighbor-canary cookie.
type DList struct {
	resolver Resolver
	prev     map[Ref]Ref
	head     Ref
	hasHead  bool
	length   uint32
}

// NewDList creates an empty doubly-linked free list.
func NewDList(resolver Resolver) *DList {
	return &DList{resolver: resolver, prev: make(map[Ref]Ref)}
}

// PushFront links ref in as the new head.
func (d *DList) PushFront(ref Ref) {
	rec := d.resolver.RecordAt(ref)
	if d.hasHead {
		rec.SetFreeLink(uint64(d.head))
		d.prev[d.head] = ref
	} else {
		rec.MarkFree()
	}
	d.head = ref
	d.hasHead = true
	d.length++
}

// PopFront removes and returns the head Ref, if any.
func (d *DList) PopFront() (Ref, bool) {
	if !d.hasHead {
		return 0, false
	}
	ref := d.head
	rec := d.resolver.RecordAt(ref)
	delete(d.prev, ref)
	if rec.HasFreeLink() {
		d.head = Ref(rec.FreeLink())
	} else {
		d.hasHead = false
	}
	d.length--
	return ref, true
}

// Remove detaches ref from wherever it sits in the list in O(1).
func (d *DList) Remove(ref Ref) {
	rec := d.resolver.RecordAt(ref)
	prevRef, hasPrev := d.prev[ref]
	delete(d.prev, ref)

	if ref == d.head {
		if rec.HasFreeLink() {
			d.head = Ref(rec.FreeLink())
		} else {
			d.hasHead = false
		}
		d.length--
		return
	}
	if hasPrev {
		prevRec := d.resolver.RecordAt(prevRef)
		if rec.HasFreeLink() {
			d.prev[Ref(rec.FreeLink())] = prevRef
			prevRec.SetFreeLink(rec.FreeLink())
		} else {
			prevRec.MarkFree()
		}
	}
	d.length--
}

// Len returns the number of Refs currently linked.
func (d *DList) Len() uint32 { return d.length }
