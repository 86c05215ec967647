// Package mpu projects address spaces onto the fixed number of hardware
// MPU region slots. Only a bounded subset of an address space is resident
// at any time: the stack of the running thread, the fpage holding its
// program counter, the fpage that resolved the last memory fault and the
// fpages of always-resident pools.
package mpu

import (
	"io"

	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
)

// ARMv7-M MPU register fields.
const (
	rbarValid = 1 << 4

	rasrEnable    = 1 << 0
	rasrSizeShift = 1
	rasrB         = 1 << 16
	rasrC         = 1 << 17
	rasrS         = 1 << 18
	rasrAPShift   = 24
	rasrXN        = 1 << 28

	// Access permission encodings.
	apPrivOnly   = 0x1
	apUserRO     = 0x2
	apFullAccess = 0x3

	// minRegionShift is the smallest region the hardware supports.
	minRegionShift = 5
)

// Result values returned by SelectLRU.
const (
	Hit  = 0
	Miss = 1
)

var (
	// writeRegionFn and enableFn are overridden by tests.
	writeRegionFn = func(n int, rbar, rasr uint32) { cpu.Active().WriteMPURegion(n, rbar, rasr) }
	enableFn      = func(enable bool) { cpu.Active().EnableMPU(enable) }
)

// Projector programs MPU slots from fpages.
type Projector struct {
	fpages  *fpage.Manager
	regions int
}

// New returns a projector driving regions hardware slots.
func New(fpages *fpage.Manager, regions int) *Projector {
	return &Projector{fpages: fpages, regions: regions}
}

// Regions returns the number of hardware slots.
func (p *Projector) Regions() int { return p.regions }

// Enable turns MPU enforcement on.
func (p *Projector) Enable() { enableFn(true) }

// Disable turns MPU enforcement off. It is only used during bring-up.
func (p *Projector) Disable() { enableFn(false) }

// Encode returns the RBAR/RASR pair for region n describing fp.
func (p *Projector) Encode(n int, fp *fpage.Fpage) (rbar, rasr uint32) {
	shift := fp.Shift()
	if shift < minRegionShift {
		shift = minRegionShift
	}

	rbar = fp.Base() | rbarValid | uint32(n&0xF)

	rights := fp.Rights()
	var ap uint32
	switch {
	case rights&fpage.Write != 0:
		ap = apFullAccess
	case rights&fpage.Read != 0:
		ap = apUserRO
	default:
		ap = apPrivOnly
	}

	rasr = rasrEnable | uint32(shift-1)<<rasrSizeShift | ap<<rasrAPShift
	if rights&fpage.Exec == 0 {
		rasr |= rasrXN
	}

	if pool := p.fpages.Pools().ByID(fp.Pool()); pool != nil && pool.Tag == mem.TagDevices {
		rasr |= rasrS | rasrB
	} else {
		rasr |= rasrS | rasrC
	}

	return rbar, rasr
}

// SetupRegion programs slot n from the fpage h. A stale or nil handle
// disables the slot.
func (p *Projector) SetupRegion(n int, h fpage.Handle) {
	fp := p.fpages.Get(h)
	if fp == nil {
		writeRegionFn(n, uint32(n&0xF)|rbarValid, 0)
		return
	}

	rbar, rasr := p.Encode(n, fp)
	kfmt.Debugf(kfmt.DL_MPU, "[mpu] region %d: 0x%08x-0x%08x %s\n", n, fp.Base(), fp.End(), fp.Rights())
	writeRegionFn(n, rbar, rasr)
}

// Project selects the resident subset of as for a thread whose stack
// occupies [stackBase, stackBase+stackSize) and that resumes at pc, then
// programs every slot. When the stack bounds are unknown the fpage holding
// sp is used instead. A nil address space clears every slot; kernel threads
// run on the privileged default memory map.
func (p *Projector) Project(as *fpage.AddressSpace, sp, pc, stackBase uint32, stackSize mem.Size) {
	if as == nil {
		for n := 0; n < p.regions; n++ {
			p.SetupRegion(n, fpage.Nil)
		}
		return
	}

	resident := make([]fpage.Handle, 0, p.regions)
	add := func(h fpage.Handle) {
		if len(resident) == p.regions || !p.owned(as, h) {
			return
		}
		for _, r := range resident {
			if r == h {
				return
			}
		}
		resident = append(resident, h)
	}

	for _, h := range p.stackFpages(as, sp, stackBase, stackSize) {
		add(h)
	}
	add(p.fpages.Find(as, pc))
	add(as.LRU)
	p.fpages.Each(as, func(h fpage.Handle, fp *fpage.Fpage) bool {
		if fp.Flags()&fpage.Always != 0 {
			add(h)
		}
		return len(resident) < p.regions
	})

	as.MPUFirst = resident
	for n := 0; n < p.regions; n++ {
		h := fpage.Nil
		if n < len(resident) {
			h = resident[n]
		}
		p.SetupRegion(n, h)
	}
}

// SelectLRU is invoked by the memory fault handler. It looks up the fpage
// of as containing addr; on a hit the fpage becomes the address space's
// LRU entry and is loaded into the last slot so the faulting access can be
// retried. It returns Hit or Miss.
func (p *Projector) SelectLRU(as *fpage.AddressSpace, addr uint32) int {
	if as == nil {
		return Miss
	}

	h := p.fpages.Find(as, addr)
	if !h.Valid() {
		kfmt.Debugf(kfmt.DL_MPU, "[mpu] fault at 0x%08x: no fpage in space 0x%x\n", addr, as.SpaceID)
		return Miss
	}

	as.LRU = h
	last := p.regions - 1
	if len(as.MPUFirst) > last {
		as.MPUFirst[last] = h
	} else {
		as.MPUFirst = append(as.MPUFirst, h)
		last = len(as.MPUFirst) - 1
	}
	p.SetupRegion(last, h)

	kfmt.Debugf(kfmt.DL_MPU, "[mpu] fault at 0x%08x: loaded into region %d\n", addr, last)
	return Hit
}

// Dump writes the resident set of as to w.
func (p *Projector) Dump(w io.Writer, as *fpage.AddressSpace) {
	for n, h := range as.MPUFirst {
		if fp := p.fpages.Get(h); fp != nil {
			kfmt.Fprintf(w, "  region %d: 0x%08x-0x%08x %s\n", n, fp.Base(), fp.End(), fp.Rights())
		}
	}
}

func (p *Projector) owned(as *fpage.AddressSpace, h fpage.Handle) bool {
	fp := p.fpages.Get(h)
	return fp != nil && fp.Space() == as
}

// stackFpages returns the fpages covering the stack, refreshing the cached
// list in as.MPUStack when it no longer matches.
func (p *Projector) stackFpages(as *fpage.AddressSpace, sp, stackBase uint32, stackSize mem.Size) []fpage.Handle {
	if stackSize == 0 {
		if h := p.fpages.Find(as, sp); h.Valid() {
			return []fpage.Handle{h}
		}
		return nil
	}

	if len(as.MPUStack) > 0 {
		first := p.fpages.Get(as.MPUStack[0])
		valid := first != nil && first.Space() == as && first.Contains(stackBase)
		for _, h := range as.MPUStack[1:] {
			valid = valid && p.owned(as, h)
		}
		if valid {
			return as.MPUStack
		}
	}

	end := uint64(stackBase) + uint64(stackSize)
	as.MPUStack = as.MPUStack[:0]
	p.fpages.Each(as, func(h fpage.Handle, fp *fpage.Fpage) bool {
		if uint64(fp.Base()) >= end {
			return false
		}
		if fp.End() > stackBase {
			as.MPUStack = append(as.MPUStack, h)
		}
		return true
	})
	return as.MPUStack
}
