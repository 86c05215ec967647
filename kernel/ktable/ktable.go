// Package ktable implements the kernel's fixed-capacity object tables. All
// kernel objects (fpages, thread control blocks, timer events) live in
// tables sized at boot; nothing is heap allocated afterwards.
//
// Slots are tracked by an allocation bitmap and referenced through Handle
// values which carry a generation counter, so a handle to a freed and
// reused slot is detected instead of silently aliasing the new object.
package ktable

import (
	"math/bits"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
)

var (
	// ErrTableFull is returned by Alloc when every slot is in use.
	ErrTableFull = &kernel.Error{Module: "ktable", Message: "table exhausted"}

	// ErrStaleHandle is returned when a handle refers to a freed slot.
	ErrStaleHandle = &kernel.Error{Module: "ktable", Message: "stale handle"}
)

// Handle identifies a slot in a Table. The zero Handle is never valid.
type Handle struct {
	index uint16
	gen   uint16
}

// Nil is the invalid handle.
var Nil Handle

// Valid returns true if h was returned by Alloc. It does not check whether
// the slot is still allocated; use Table.Get for that.
func (h Handle) Valid() bool { return h.gen != 0 }

// Index returns the slot index of h.
func (h Handle) Index() int { return int(h.index) }

// Table is a fixed-capacity arena of T values.
type Table[T any] struct {
	name   string
	items  []T
	gens   []uint16
	bitmap []uint32
	used   int
}

// New returns a table named name with room for capacity objects.
func New[T any](name string, capacity int) *Table[T] {
	gens := make([]uint16, capacity)
	for i := range gens {
		gens[i] = 1
	}
	return &Table[T]{
		name:   name,
		items:  make([]T, capacity),
		gens:   gens,
		bitmap: make([]uint32, (capacity+31)/32),
	}
}

// Cap returns the table capacity.
func (t *Table[T]) Cap() int { return len(t.items) }

// Len returns the number of allocated slots.
func (t *Table[T]) Len() int { return t.used }

// Alloc reserves the lowest free slot and returns its handle together with
// a pointer to the zeroed object.
func (t *Table[T]) Alloc() (Handle, *T, *kernel.Error) {
	for w, word := range t.bitmap {
		if word == 0xFFFFFFFF {
			continue
		}

		index := w*32 + bits.TrailingZeros32(^word)
		if index >= len(t.items) {
			break
		}

		t.bitmap[w] |= 1 << uint(index&31)
		t.used++
		kfmt.Debugf(kfmt.DL_KTABLE, "[ktable] %s: alloc slot %d\n", t.name, index)
		return Handle{index: uint16(index), gen: t.gens[index]}, &t.items[index], nil
	}

	return Nil, nil, ErrTableFull
}

// Free releases the slot referenced by h. Its contents are zeroed and any
// outstanding copies of h become stale.
func (t *Table[T]) Free(h Handle) *kernel.Error {
	if t.Get(h) == nil {
		return ErrStaleHandle
	}

	var zero T
	t.items[h.index] = zero
	t.bitmap[h.index/32] &^= 1 << uint(h.index&31)
	t.used--

	// Skip 0 so that a wrapped generation never matches the zero Handle.
	if t.gens[h.index]++; t.gens[h.index] == 0 {
		t.gens[h.index] = 1
	}

	kfmt.Debugf(kfmt.DL_KTABLE, "[ktable] %s: free slot %d\n", t.name, h.index)
	return nil
}

// Get returns the object referenced by h or nil if h is stale or invalid.
func (t *Table[T]) Get(h Handle) *T {
	if !h.Valid() || int(h.index) >= len(t.items) {
		return nil
	}
	if t.bitmap[h.index/32]&(1<<uint(h.index&31)) == 0 || t.gens[h.index] != h.gen {
		return nil
	}
	return &t.items[h.index]
}

// Each invokes fn for every allocated slot in index order until fn returns
// false.
func (t *Table[T]) Each(fn func(Handle, *T) bool) {
	for index := range t.items {
		if t.bitmap[index/32]&(1<<uint(index&31)) == 0 {
			continue
		}
		if !fn(Handle{index: uint16(index), gen: t.gens[index]}, &t.items[index]) {
			return
		}
	}
}
