// Package kip builds the kernel information page: a read-only image
// mapped into every address space that tells user space which kernel it
// runs on, how thread ids are numbered and which physical memory exists.
package kip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

// Magic identifies a kernel information page ("L4µK" in Latin-1).
var Magic = [4]byte{'L', '4', 0xE6, 'K'}

// API version reported by the kernel.
const (
	APIVersion    = 0x84
	APISubversion = 0x04

	// KernelID identifies this kernel implementation (id:8, subid:8).
	KernelID = 0x0F<<24 | 0x09<<16
)

// Layout of the image.
const (
	headerSize     = 0x40
	kernelDescSize = 0x10
	memDescOffset  = headerSize + kernelDescSize
	memDescSize    = 8

	// memDescMask bits of both descriptor words carry pool id and tag.
	memDescMask = 0x3F

	// threadIDBits is the width of the thread number in a global id.
	threadIDBits = 18
)

var (
	errBadMagic  = &kernel.Error{Module: "kip", Message: "bad kernel information page magic"}
	errTruncated = &kernel.Error{Module: "kip", Message: "kernel information page is truncated"}
)

// header is the fixed part of the image.
type header struct {
	Magic         [4]byte
	APIVersion    uint32
	APIFlags      uint32
	KernelDescPtr uint32
	MemoryInfo    uint32
	UTCBInfo      uint32
	KIPAreaInfo   uint32
	ThreadInfo    uint32
	ClockInfo     uint32
	ProcessorInfo uint32
	PageInfo      uint32
	_             [5]uint32
}

// kernelDesc follows the header.
type kernelDesc struct {
	KernelID      uint32
	KernelGenDate uint32
	KernelVersion uint32
	Supplier      [4]byte
}

// MemDesc describes one pool of the memory pool table.
type MemDesc struct {
	Base uint32
	Size mem.Size
	Pool mem.PoolID
	Tag  mem.PoolTag
}

// End returns the first address past the described range.
func (d MemDesc) End() uint32 { return d.Base + uint32(d.Size) }

// Config holds the boot parameters published in the page.
type Config struct {
	// TickMicros is the kernel timer resolution.
	TickMicros uint32

	// MinShift is log2 of the smallest fpage size.
	MinShift uint8

	// GenDate is the build date as days since 2000-01-01.
	GenDate uint32

	// Version is the kernel version (ver:8, subver:8, subsubver:16).
	Version uint32
}

// KIP is the decoded kernel information page.
type KIP struct {
	APIVersion    uint32
	APIFlags      uint32
	KernelID      uint32
	KernelGenDate uint32
	KernelVersion uint32
	Supplier      [4]byte

	Memory []MemDesc

	UTCBSize     uint32
	SystemBase   uint32
	UserBase     uint32
	ThreadIDBits uint8
	TickMicros   uint32
	MinShift     uint8
}

// New builds the information page for pools.
func New(pools *mem.Table, cfg Config) *KIP {
	k := &KIP{
		APIVersion:    APIVersion<<24 | APISubversion<<16,
		KernelID:      KernelID,
		KernelGenDate: cfg.GenDate,
		KernelVersion: cfg.Version,
		Supplier:      [4]byte{'F', '9', ' ', ' '},
		UTCBSize:      thread.UTCBSize,
		SystemBase:    thread.SystemBase,
		UserBase:      thread.UserBase,
		ThreadIDBits:  threadIDBits,
		TickMicros:    cfg.TickMicros,
		MinShift:      cfg.MinShift,
	}

	pools.Each(func(id mem.PoolID, p *mem.Pool) {
		k.Memory = append(k.Memory, MemDesc{Base: p.Start, Size: p.Size(), Pool: id, Tag: p.Tag})
	})
	return k
}

// Size returns the length of the binary image.
func (k *KIP) Size() mem.Size {
	return mem.Size(memDescOffset + memDescSize*len(k.Memory))
}

// MarshalBinary returns the little endian image mapped into user space.
func (k *KIP) MarshalBinary() ([]byte, error) {
	hdr := header{
		Magic:         Magic,
		APIVersion:    k.APIVersion,
		APIFlags:      k.APIFlags,
		KernelDescPtr: headerSize,
		MemoryInfo:    memDescOffset<<16 | uint32(len(k.Memory)),
		UTCBInfo:      k.UTCBSize,
		KIPAreaInfo:   uint32(k.Size().Shift()),
		ThreadInfo:    k.UserBase<<20 | k.SystemBase<<8 | uint32(k.ThreadIDBits),
		ClockInfo:     k.TickMicros,
		PageInfo:      1<<k.MinShift | 0x7,
	}
	desc := kernelDesc{
		KernelID:      k.KernelID,
		KernelGenDate: k.KernelGenDate,
		KernelVersion: k.KernelVersion,
		Supplier:      k.Supplier,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &desc)
	for _, d := range k.Memory {
		binary.Write(&buf, binary.LittleEndian, [2]uint32{
			d.Base&^memDescMask | uint32(d.Pool)&memDescMask,
			uint32(d.Size)&^memDescMask | uint32(d.Tag)&memDescMask,
		})
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an image produced by MarshalBinary.
func (k *KIP) UnmarshalBinary(data []byte) error {
	var (
		hdr  header
		desc kernelDesc
		r    = bytes.NewReader(data)
	)
	if binary.Read(r, binary.LittleEndian, &hdr) != nil {
		return errTruncated
	}
	if hdr.Magic != Magic {
		return errBadMagic
	}

	if _, err := r.Seek(int64(hdr.KernelDescPtr), io.SeekStart); err != nil {
		return errTruncated
	}
	if binary.Read(r, binary.LittleEndian, &desc) != nil {
		return errTruncated
	}

	offset, count := hdr.MemoryInfo>>16, int(hdr.MemoryInfo&0xFFFF)
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return errTruncated
	}
	memory := make([]MemDesc, count)
	for i := range memory {
		var words [2]uint32
		if binary.Read(r, binary.LittleEndian, &words) != nil {
			return errTruncated
		}
		memory[i] = MemDesc{
			Base: words[0] &^ memDescMask,
			Pool: mem.PoolID(words[0] & memDescMask),
			Size: mem.Size(words[1] &^ memDescMask),
			Tag:  mem.PoolTag(words[1] & memDescMask),
		}
	}

	*k = KIP{
		APIVersion:    hdr.APIVersion,
		APIFlags:      hdr.APIFlags,
		KernelID:      desc.KernelID,
		KernelGenDate: desc.KernelGenDate,
		KernelVersion: desc.KernelVersion,
		Supplier:      desc.Supplier,
		Memory:        memory,
		UTCBSize:      hdr.UTCBInfo,
		SystemBase:    hdr.ThreadInfo >> 8 & 0xFFF,
		UserBase:      hdr.ThreadInfo >> 20,
		ThreadIDBits:  uint8(hdr.ThreadInfo),
		TickMicros:    hdr.ClockInfo,
	}
	for shift := uint8(0); shift < 32; shift++ {
		if hdr.PageInfo&^0x7 == 1<<shift {
			k.MinShift = shift
			break
		}
	}
	return nil
}

// Dump prints the page in human readable form.
func (k *KIP) Dump(w io.Writer) {
	kfmt.Fprintf(w, "KIP: api 0x%08x kernel 0x%08x supplier %q\n", k.APIVersion, k.KernelID, string(k.Supplier[:]))
	kfmt.Fprintf(w, "  threads: system %d user %d\n", k.SystemBase, k.UserBase)
	kfmt.Fprintf(w, "  clock: %d us/tick, fpage: %d bytes\n", k.TickMicros, 1<<k.MinShift)
	for _, d := range k.Memory {
		kfmt.Fprintf(w, "  mem %2d: [0x%08x, 0x%08x) %s\n", d.Pool, d.Base, d.End(), d.Tag)
	}
}
