package freelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hardguard/kernel/alloc/shadow"
)

type memResolver struct {
	records map[Ref]*shadow.Record
}

func newMemResolver(n int) *memResolver {
	m := &memResolver{records: make(map[Ref]*shadow.Record, n)}
	for i := 0; i < n; i++ {
		m.records[Ref(i)] = &shadow.Record{}
	}
	return m
}

func (m *memResolver) RecordAt(ref Ref) *shadow.Record { return m.records[ref] }

func TestList_PushPopOrderIsLIFO(t *testing.T) {
	r := newMemResolver(4)
	l := NewList(r)

	l.PushFront(0)
	l.PushFront(1)
	l.PushFront(2)
	require.Equal(t, uint32(3), l.Len())

	got, ok := l.PopFront()
	require.True(t, ok)
	assert.Equal(t, Ref(2), got)

	got, ok = l.PopFront()
	require.True(t, ok)
	assert.Equal(t, Ref(1), got)

	assert.Equal(t, uint32(1), l.Len())
}

func TestList_PopFrontOnEmptyReturnsFalse(t *testing.T) {
	l := NewList(newMemResolver(1))
	_, ok := l.PopFront()
	assert.False(t, ok)
}

func TestList_Splice_MergesBothListsPreservingCount(t *testing.T) {
	r := newMemResolver(6)
	a := NewList(r)
	b := NewList(r)

	a.PushFront(0)
	a.PushFront(1)
	b.PushFront(2)
	b.PushFront(3)
	b.PushFront(4)

	a.Splice(b)
	assert.Equal(t, uint32(5), a.Len())
	assert.True(t, b.Empty())

	count := 0
	for {
		if _, ok := a.PopFront(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 5, count)
}

func TestDList_RemoveFromMiddle(t *testing.T) {
	r := newMemResolver(4)
	d := NewDList(r)

	d.PushFront(0)
	d.PushFront(1)
	d.PushFront(2)
	require.Equal(t, uint32(3), d.Len())

	d.Remove(1)
	assert.Equal(t, uint32(2), d.Len())

	got, ok := d.PopFront()
	require.True(t, ok)
	assert.Equal(t, Ref(2), got)

	got, ok = d.PopFront()
	require.True(t, ok)
	assert.Equal(t, Ref(0), got)
}
