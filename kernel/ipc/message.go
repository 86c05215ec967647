package ipc

import (
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

const (
	// MRCount is the number of message registers of a thread.
	MRCount = 48

	// ctxMRs message registers live in r4-r11 of the saved context.
	ctxMRs = 8

	// utcbMRs message registers are spilled into the UTCB.
	utcbMRs = thread.UTCBMessageRegs
)

// ReadMR returns message register i of thr.
func ReadMR(thr *thread.TCB, i int) uint32 {
	switch {
	case i < ctxMRs:
		return thr.Ctx.Regs[i]
	case i < ctxMRs+utcbMRs:
		return thr.UTCB.MR[i-ctxMRs]
	default:
		return thr.MsgBuffer[i-ctxMRs-utcbMRs]
	}
}

// WriteMR sets message register i of thr.
func WriteMR(thr *thread.TCB, i int, v uint32) {
	switch {
	case i < ctxMRs:
		thr.Ctx.Regs[i] = v
	case i < ctxMRs+utcbMRs:
		thr.UTCB.MR[i-ctxMRs] = v
	default:
		thr.MsgBuffer[i-ctxMRs-utcbMRs] = v
	}
}

// Tag is the message tag carried in MR0:
//
//	| label:16 | flags:4 | typed:6 | untyped:6 |
type Tag uint32

// Tag flags.
const (
	// TagPropagated marks a propagated IPC.
	TagPropagated uint8 = 0x1

	// TagError is set by the kernel when the IPC failed.
	TagError uint8 = 0x8
)

// MakeTag builds a message tag.
func MakeTag(label uint16, flags uint8, untyped, typed int) Tag {
	return Tag(uint32(label)<<16 | uint32(flags&0xF)<<12 | uint32(typed&0x3F)<<6 | uint32(untyped&0x3F))
}

// Untyped returns the number of untyped words following the tag.
func (t Tag) Untyped() int { return int(t & 0x3F) }

// Typed returns the number of typed item words following the untyped ones.
func (t Tag) Typed() int { return int(t>>6) & 0x3F }

// Flags returns the tag flags.
func (t Tag) Flags() uint8 { return uint8(t>>12) & 0xF }

// Label returns the user defined label.
func (t Tag) Label() uint16 { return uint16(t >> 16) }

// Words returns the number of message registers the message occupies.
func (t Tag) Words() int { return 1 + t.Untyped() + t.Typed() }

// Typed item header bits.
const (
	// ItemMapGrant marks map and grant items.
	ItemMapGrant = 0x8

	// ItemGrant turns a map item into a grant item.
	ItemGrant = 0x2

	itemMask = 0xF
)

// Item is the first word of a typed item: the base address of the
// transferred range in 16-byte units and a 4-bit header.
type Item uint32

// MapItem returns the header word of a map or grant item for base.
func MapItem(base uint32, grant bool) Item {
	header := uint32(ItemMapGrant)
	if grant {
		header |= ItemGrant
	}
	return Item(base&^itemMask | header)
}

// Header returns the item type bits.
func (it Item) Header() uint32 { return uint32(it) & itemMask }

// Base returns the start address of the transferred range.
func (it Item) Base() uint32 { return uint32(it) &^ itemMask }

// IsMapGrant returns true for map and grant items.
func (it Item) IsMapGrant() bool { return it.Header()&ItemMapGrant != 0 }

// Action returns the fpage operation the item requests.
func (it Item) Action() fpage.Action {
	if it.Header()&ItemGrant != 0 {
		return fpage.ActionGrant
	}
	return fpage.ActionMap
}

// ItemSize returns the second word of a typed item: the range size with
// the access rights in the low bits.
func ItemSize(size mem.Size, rights fpage.Rights) uint32 {
	return uint32(size)&^itemMask | uint32(rights)&itemMask
}

// splitItemSize decodes the second word of a typed item.
func splitItemSize(w uint32) (mem.Size, fpage.Rights) {
	return mem.Size(w &^ itemMask), fpage.Rights(w & itemMask)
}
