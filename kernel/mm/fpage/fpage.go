// Package fpage implements flexible pages: power-of-two sized, naturally
// aligned region descriptors carved out of memory pools. Fpages are the
// unit of address-space composition and of IPC memory transfer.
//
// Every fpage belongs to exactly one address space (a list sorted by base
// address). Fpages that describe the same memory because they were derived
// from each other by MAP form a mapping group: a ring linking every member
// plus a parent link recording which member each clone was derived from.
// Revocation walks the ring and removes every member derived from the
// unmapped fpage.
package fpage

import (
	"github.com/f9micro/f9-kernel-sub002/kernel/ktable"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
)

// Handle references an fpage in the manager's table.
type Handle = ktable.Handle

// Nil is the invalid fpage handle.
var Nil = ktable.Nil

// Rights are the L4 access rights of an fpage.
type Rights uint8

// Access rights.
const (
	Exec Rights = 1 << iota
	Write
	Read

	RWX = Read | Write | Exec
)

// String implements fmt.Stringer.
func (r Rights) String() string {
	buf := []byte("---")
	if r&Read != 0 {
		buf[0] = 'r'
	}
	if r&Write != 0 {
		buf[1] = 'w'
	}
	if r&Exec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// RightsFromPool derives the user access rights granted by pool flags.
func RightsFromPool(flags mem.PoolFlag) Rights {
	var r Rights
	if flags&mem.UserRead != 0 {
		r |= Read
	}
	if flags&mem.UserWrite != 0 {
		r |= Write
	}
	if flags&mem.UserExec != 0 {
		r |= Exec
	}
	return r
}

// Flag describes how an fpage came into existence.
type Flag uint8

// Fpage flags.
const (
	// Clone marks fpages created by MAP from another fpage.
	Clone Flag = 1 << iota

	// Mapped marks fpages that other fpages were mapped from.
	Mapped

	// Always marks fpages that must stay resident in the MPU.
	Always
)

// Fpage describes the region [base, base+1<<shift).
type Fpage struct {
	base   uint32
	shift  uint8
	rights Rights
	pool   mem.PoolID
	flags  Flag

	space  *AddressSpace
	asNext Handle

	mapNext, mapPrev Handle
	parent           Handle
}

// Base returns the start address.
func (fp *Fpage) Base() uint32 { return fp.base }

// Shift returns log2 of the size.
func (fp *Fpage) Shift() uint8 { return fp.shift }

// Size returns the size in bytes.
func (fp *Fpage) Size() mem.Size { return mem.Size(1) << fp.shift }

// End returns the first address past the fpage.
func (fp *Fpage) End() uint32 { return fp.base + uint32(fp.Size()) }

// Rights returns the access rights.
func (fp *Fpage) Rights() Rights { return fp.rights }

// Pool returns the pool the fpage was carved from.
func (fp *Fpage) Pool() mem.PoolID { return fp.pool }

// Flags returns the fpage flags.
func (fp *Fpage) Flags() Flag { return fp.flags }

// Space returns the owning address space or nil for unlinked fpages.
func (fp *Fpage) Space() *AddressSpace { return fp.space }

// Parent returns the fpage this clone was mapped from.
func (fp *Fpage) Parent() Handle { return fp.parent }

// Contains returns true if addr lies inside the fpage.
func (fp *Fpage) Contains(addr uint32) bool {
	return addr >= fp.base && uint64(addr) < uint64(fp.base)+uint64(fp.Size())
}

// overlaps returns true if the fpage intersects [base, end).
func (fp *Fpage) overlaps(base, end uint32) bool {
	return uint64(fp.base) < uint64(end) && uint64(fp.base)+uint64(fp.Size()) > uint64(base)
}

// AddressSpace is the set of fpages accessible to the threads that share
// it. The fpage list is owned by the Manager; the MPU fields are maintained
// by the MPU projector.
type AddressSpace struct {
	// SpaceID is the global id of the thread that created the space.
	SpaceID uint32

	// Shared counts the threads attached to the space.
	Shared int

	// MPUFirst is the resident subset programmed on the last dispatch.
	MPUFirst []Handle

	// MPUStack caches the fpages covering the running thread's stack.
	MPUStack []Handle

	// LRU is the fpage that most recently resolved a memory fault.
	LRU Handle

	handle Handle
	first  Handle
	count  int
}

// Len returns the number of fpages in the space.
func (as *AddressSpace) Len() int { return as.count }

// First returns the head of the fpage list.
func (as *AddressSpace) First() Handle { return as.first }
