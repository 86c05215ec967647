package fpage

import (
	"io"
	"math/bits"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktable"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
)

// Action selects the memory transfer performed by Map.
type Action uint8

// Map actions.
const (
	ActionMap Action = iota
	ActionGrant
	ActionUnmap
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionMap:
		return "map"
	case ActionGrant:
		return "grant"
	case ActionUnmap:
		return "unmap"
	default:
		return "invalid"
	}
}

var (
	// ErrOutOfResources is returned when no pool can back a request or
	// when the fpage table is exhausted.
	ErrOutOfResources = &kernel.Error{Module: "fpage", Message: "out of resources"}

	errNotOwner      = &kernel.Error{Module: "fpage", Message: "fpage does not belong to the address space"}
	errUnaligned     = &kernel.Error{Module: "fpage", Message: "address is not aligned to the smallest fpage size"}
	errEmptyRange    = &kernel.Error{Module: "fpage", Message: "empty range"}
	errOverlap       = &kernel.Error{Module: "fpage", Message: "range overlaps an fpage of the address space"}
	errSplitShared   = &kernel.Error{Module: "fpage", Message: "cannot split an fpage with live mappings"}
	errNotBacked     = &kernel.Error{Module: "fpage", Message: "range is not backed by the source address space"}
	errBadAction     = &kernel.Error{Module: "fpage", Message: "invalid map action"}
	errDestroyLinked = &kernel.Error{Module: "fpage", Message: "attempt to destroy a linked fpage"}
)

// Manager owns the fpage and address space tables.
type Manager struct {
	pools    *mem.Table
	minShift uint8

	fpages *ktable.Table[Fpage]
	spaces *ktable.Table[AddressSpace]
}

// NewManager returns a manager carving fpages of at least 1<<minShift
// bytes out of pools. fpageCap and spaceCap size the backing tables.
func NewManager(pools *mem.Table, fpageCap, spaceCap int, minShift uint8) *Manager {
	return &Manager{
		pools:    pools,
		minShift: minShift,
		fpages:   ktable.New[Fpage]("fpage", fpageCap),
		spaces:   ktable.New[AddressSpace]("as", spaceCap),
	}
}

// Pools returns the pool table fpages are carved from.
func (m *Manager) Pools() *mem.Table { return m.pools }

// MinShift returns log2 of the smallest fpage size.
func (m *Manager) MinShift() uint8 { return m.minShift }

// FreeSlots returns the number of unused fpage table entries.
func (m *Manager) FreeSlots() int { return m.fpages.Cap() - m.fpages.Len() }

// Get returns the fpage referenced by h or nil if h is stale.
func (m *Manager) Get(h Handle) *Fpage { return m.fpages.Get(h) }

// CreateSpace allocates an empty address space.
func (m *Manager) CreateSpace(spaceID uint32) (*AddressSpace, *kernel.Error) {
	h, as, err := m.spaces.Alloc()
	if err != nil {
		return nil, ErrOutOfResources
	}

	as.SpaceID = spaceID
	as.handle = h
	kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] created space 0x%x\n", spaceID)
	return as, nil
}

// DestroySpace revokes and frees every fpage of as and releases it.
func (m *Manager) DestroySpace(as *AddressSpace) {
	m.ReleaseAll(as)
	kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] destroyed space 0x%x\n", as.SpaceID)
	m.spaces.Free(as.handle)
}

// SpaceByID returns the address space created for spaceID.
func (m *Manager) SpaceByID(spaceID uint32) *AddressSpace {
	var found *AddressSpace
	m.spaces.Each(func(_ ktable.Handle, as *AddressSpace) bool {
		if as.SpaceID == spaceID {
			found = as
			return false
		}
		return true
	})
	return found
}

// EachSpace invokes fn for every live address space.
func (m *Manager) EachSpace(fn func(*AddressSpace)) {
	m.spaces.Each(func(_ ktable.Handle, as *AddressSpace) bool {
		fn(as)
		return true
	})
}

// Each invokes fn for every fpage of as in address order until fn returns
// false. fn must not modify the address space.
func (m *Manager) Each(as *AddressSpace, fn func(Handle, *Fpage) bool) {
	for h := as.first; h.Valid(); {
		fp := m.fpages.Get(h)
		if fp == nil || !fn(h, fp) {
			return
		}
		h = fp.asNext
	}
}

// Find returns the fpage of as that contains addr.
func (m *Manager) Find(as *AddressSpace, addr uint32) Handle {
	found := Nil
	m.Each(as, func(h Handle, fp *Fpage) bool {
		if fp.Contains(addr) {
			found = h
			return false
		}
		return fp.base <= addr
	})
	return found
}

// Group returns every member of the mapping group of h, starting with h.
func (m *Manager) Group(h Handle) []Handle {
	fp := m.fpages.Get(h)
	if fp == nil {
		return nil
	}

	group := []Handle{h}
	for cur, n := fp.mapNext, 0; cur != h && n < m.fpages.Cap(); n++ {
		group = append(group, cur)
		cur = m.fpages.Get(cur).mapNext
	}
	return group
}

// Assign carves fpages covering [base, base+size) out of the pool
// containing base and adds them to as. The range is widened to the
// smallest fpage size. It returns the lowest fpage of the new chain.
func (m *Manager) Assign(as *AddressSpace, base uint32, size mem.Size) (Handle, *kernel.Error) {
	if size == 0 {
		return Nil, errEmptyRange
	}

	start, end, ok := m.widen(base, size)
	if !ok {
		return Nil, ErrOutOfResources
	}

	poolID, pool, err := m.pools.Search(start, mem.Size(end-start))
	if err != nil {
		return Nil, ErrOutOfResources
	}

	if m.overlapsSpace(as, start, end) {
		return Nil, errOverlap
	}

	var flags Flag
	if pool.Flags&mem.MapAlways != 0 {
		flags |= Always
	}

	chain, err := m.createChain(start, end, RightsFromPool(pool.Flags), poolID, flags)
	if err != nil {
		return Nil, err
	}

	for _, h := range chain {
		m.insert(as, h)
	}

	kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] assign [0x%08x, 0x%08x) from %s to space 0x%x (%d fpages)\n",
		start, end, pool.Name, as.SpaceID, len(chain))
	return chain[0], nil
}

// Split cuts the fpage h of as at addr. Both halves are decomposed into
// power-of-two fpages. The returned handle is the fpage of the retained
// half that borders addr: the last fpage below addr if keepLower is set,
// the first fpage at addr otherwise. Splitting at either edge of the fpage
// returns h unchanged.
func (m *Manager) Split(as *AddressSpace, h Handle, addr uint32, keepLower bool) (Handle, *kernel.Error) {
	fp := m.fpages.Get(h)
	if fp == nil || fp.space != as {
		return Nil, errNotOwner
	}

	if addr <= fp.base || addr >= fp.End() {
		return h, nil
	}

	if mem.AlignDown(addr, m.minShift) != addr {
		return Nil, errUnaligned
	}

	if fp.mapNext != h {
		return Nil, errSplitShared
	}

	lower, err := m.createChain(fp.base, addr, fp.rights, fp.pool, fp.flags)
	if err != nil {
		return Nil, err
	}

	upper, err := m.createChain(addr, fp.End(), fp.rights, fp.pool, fp.flags)
	if err != nil {
		m.freeChain(lower)
		return Nil, err
	}

	kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] split [0x%08x, 0x%08x) at 0x%08x\n", fp.base, fp.End(), addr)

	m.remove(as, h)
	m.Destroy(h)

	for _, c := range lower {
		m.insert(as, c)
	}
	for _, c := range upper {
		m.insert(as, c)
	}

	if keepLower {
		return lower[len(lower)-1], nil
	}
	return upper[0], nil
}

// Map performs action on the fpage h owned by src:
//
//   - ActionMap creates a clone of h in dst and links it into h's mapping
//     group, recording h as its parent.
//   - ActionGrant moves h from src to dst, keeping its group and
//     derivations intact.
//   - ActionUnmap revokes h; dst is ignored.
//
// It returns the fpage that now backs the range in dst.
func (m *Manager) Map(src, dst *AddressSpace, h Handle, action Action) (Handle, *kernel.Error) {
	return m.mapRights(src, dst, h, action, RWX)
}

func (m *Manager) mapRights(src, dst *AddressSpace, h Handle, action Action, rights Rights) (Handle, *kernel.Error) {
	fp := m.fpages.Get(h)
	if fp == nil || fp.space != src {
		return Nil, errNotOwner
	}

	switch action {
	case ActionMap:
		if m.overlapsSpace(dst, fp.base, fp.End()) {
			return Nil, errOverlap
		}

		ch, err := m.create(fp.base, fp.shift, fp.rights&rights, fp.pool, (fp.flags&Always)|Clone)
		if err != nil {
			return Nil, err
		}

		m.fpages.Get(ch).parent = h
		fp.flags |= Mapped
		m.ringInsertAfter(h, ch)
		m.insert(dst, ch)

		kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] map [0x%08x, 0x%08x) space 0x%x -> 0x%x\n", fp.base, fp.End(), src.SpaceID, dst.SpaceID)
		return ch, nil
	case ActionGrant:
		if src == dst {
			return h, nil
		}
		if m.overlapsSpace(dst, fp.base, fp.End()) {
			return Nil, errOverlap
		}

		m.remove(src, h)
		fp.rights &= rights
		m.insert(dst, h)

		kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] grant [0x%08x, 0x%08x) space 0x%x -> 0x%x\n", fp.base, fp.End(), src.SpaceID, dst.SpaceID)
		return h, nil
	case ActionUnmap:
		return Nil, m.Unmap(src, h)
	}

	return Nil, errBadAction
}

// Unmap revokes every fpage derived from h, transitively, across all
// address spaces. If h is itself a clone it is removed from as and freed
// as well; an original fpage stays in place.
func (m *Manager) Unmap(as *AddressSpace, h Handle) *kernel.Error {
	fp := m.fpages.Get(h)
	if fp == nil || fp.space != as {
		return errNotOwner
	}

	m.revoke(h)
	if fp.flags&Clone != 0 {
		m.detach(h)
	}
	return nil
}

// MapArea applies action to the fpages of src covering [base, base+size).
// Fpages straddling the range edges are split first. With ActionMap and
// ActionGrant the resulting fpages carry at most rights. Neither space
// changes when the range is not backed, an edge fpage is shared or dst
// already holds part of the range; only running out of fpages can leave
// the range partly applied.
func (m *Manager) MapArea(src, dst *AddressSpace, base uint32, size mem.Size, action Action, rights Rights) *kernel.Error {
	if size == 0 {
		return errEmptyRange
	}
	if action != ActionMap && action != ActionGrant && action != ActionUnmap {
		return errBadAction
	}

	start, end, ok := m.widen(base, size)
	if !ok {
		return errNotBacked
	}
	if err := m.checkArea(src, dst, start, end, action); err != nil {
		return err
	}

	if h := m.Find(src, start); h.Valid() {
		if _, err := m.Split(src, h, start, false); err != nil {
			return err
		}
	}
	if h := m.Find(src, end-1); h.Valid() {
		if _, err := m.Split(src, h, end, true); err != nil {
			return err
		}
	}

	var (
		covered []Handle
		next    = start
	)
	m.Each(src, func(h Handle, fp *Fpage) bool {
		if fp.End() <= start {
			return true
		}
		if fp.base >= end || fp.base != next {
			return false
		}
		covered = append(covered, h)
		next = fp.End()
		return true
	})

	if next != end {
		return errNotBacked
	}

	for _, h := range covered {
		if _, err := m.mapRights(src, dst, h, action, rights); err != nil {
			return err
		}
	}
	return nil
}

// checkArea reports the errors MapArea would run into part way through:
// a hole in src, an edge fpage that cannot be split and an overlap in dst.
func (m *Manager) checkArea(src, dst *AddressSpace, start, end uint32, action Action) *kernel.Error {
	var (
		err  *kernel.Error
		next = start
	)
	m.Each(src, func(h Handle, fp *Fpage) bool {
		if fp.End() <= start {
			return true
		}
		if fp.base >= end || fp.base > next {
			return false
		}
		if (fp.base < start || fp.End() > end) && fp.mapNext != h {
			err = errSplitShared
			return false
		}
		next = fp.End()
		return true
	})

	switch {
	case err != nil:
		return err
	case next < end:
		return errNotBacked
	case action == ActionMap || action == ActionGrant && src != dst:
		if m.overlapsSpace(dst, start, end) {
			return errOverlap
		}
	}
	return nil
}

// Destroy frees an fpage that has already been unlinked from its address
// space and mapping group. Calling it on a linked fpage is a kernel bug.
func (m *Manager) Destroy(h Handle) {
	fp := m.fpages.Get(h)
	if fp == nil {
		panic(ktable.ErrStaleHandle)
	}
	if fp.space != nil || fp.mapNext != h {
		panic(errDestroyLinked)
	}
	m.fpages.Free(h)
}

// ReleaseAll revokes every mapping derived from the fpages of as and frees
// them. It is used when the address space is destroyed.
func (m *Manager) ReleaseAll(as *AddressSpace) {
	var owned []Handle
	m.Each(as, func(h Handle, _ *Fpage) bool {
		owned = append(owned, h)
		return true
	})

	for _, h := range owned {
		if m.fpages.Get(h) == nil {
			continue
		}
		m.revoke(h)
		m.detach(h)
	}

	as.MPUFirst, as.MPUStack, as.LRU = nil, nil, Nil
}

// Dump writes a listing of the fpages of as to w.
func (m *Manager) Dump(w io.Writer, as *AddressSpace) {
	kfmt.Fprintf(w, "space 0x%x (%d fpages, %d threads)\n", as.SpaceID, as.count, as.Shared)
	m.Each(as, func(h Handle, fp *Fpage) bool {
		var tag byte = ' '
		switch {
		case fp.flags&Clone != 0:
			tag = 'c'
		case fp.flags&Mapped != 0:
			tag = 'm'
		}
		kfmt.Fprintf(w, "  0x%08x-0x%08x %s %c pool=%d\n", fp.base, fp.End(), fp.rights, tag, fp.pool)
		return true
	})
}

// revoke removes every member of h's mapping group derived from h.
func (m *Manager) revoke(h Handle) {
	fp := m.fpages.Get(h)

	var victims []Handle
	for cur, n := fp.mapNext, 0; cur != h && n < m.fpages.Cap(); n++ {
		if m.derivedFrom(cur, h) {
			victims = append(victims, cur)
		}
		cur = m.fpages.Get(cur).mapNext
	}

	for _, v := range victims {
		kfmt.Debugf(kfmt.DL_MEMORY, "[fpage] revoke [0x%08x, 0x%08x) from space 0x%x\n",
			fp.base, fp.End(), m.fpages.Get(v).space.SpaceID)
		m.detach(v)
	}
	fp.flags &^= Mapped
}

// derivedFrom returns true if ancestor appears on the parent chain of h.
func (m *Manager) derivedFrom(h, ancestor Handle) bool {
	for n := 0; n < m.fpages.Cap(); n++ {
		fp := m.fpages.Get(h)
		if fp == nil || !fp.parent.Valid() {
			return false
		}
		if fp.parent == ancestor {
			return true
		}
		h = fp.parent
	}
	return false
}

// hasChildren returns true if any member of h's group names h as parent.
func (m *Manager) hasChildren(h Handle) bool {
	for _, member := range m.Group(h)[1:] {
		if m.fpages.Get(member).parent == h {
			return true
		}
	}
	return false
}

// detach unlinks h from its address space and mapping group and frees it.
func (m *Manager) detach(h Handle) {
	fp := m.fpages.Get(h)
	if fp.space != nil {
		m.remove(fp.space, h)
	}

	parent := fp.parent
	m.ringUnlink(h)
	m.Destroy(h)

	if p := m.fpages.Get(parent); p != nil && !m.hasChildren(parent) {
		p.flags &^= Mapped
	}
}

func (m *Manager) create(base uint32, shift uint8, rights Rights, pool mem.PoolID, flags Flag) (Handle, *kernel.Error) {
	h, fp, err := m.fpages.Alloc()
	if err != nil {
		return Nil, ErrOutOfResources
	}

	*fp = Fpage{
		base:    base,
		shift:   shift,
		rights:  rights,
		pool:    pool,
		flags:   flags,
		mapNext: h,
		mapPrev: h,
	}
	return h, nil
}

// createChain allocates the power-of-two decomposition of [base, end). On
// failure every fpage allocated by the call is released.
func (m *Manager) createChain(base, end uint32, rights Rights, pool mem.PoolID, flags Flag) ([]Handle, *kernel.Error) {
	var chain []Handle
	for base < end {
		shift := uint8(31)
		if base != 0 {
			if tz := uint8(bits.TrailingZeros32(base)); tz < shift {
				shift = tz
			}
		}
		for uint64(1)<<shift > uint64(end-base) {
			shift--
		}

		h, err := m.create(base, shift, rights, pool, flags)
		if err != nil {
			m.freeChain(chain)
			return nil, err
		}
		chain = append(chain, h)
		base += 1 << shift
	}
	return chain, nil
}

func (m *Manager) freeChain(chain []Handle) {
	for _, h := range chain {
		m.Destroy(h)
	}
}

// widen rounds [base, base+size) out to the smallest fpage size.
func (m *Manager) widen(base uint32, size mem.Size) (uint32, uint32, bool) {
	gran := uint64(1) << m.minShift
	start := uint64(base) &^ (gran - 1)
	end := (uint64(base) + uint64(size) + gran - 1) &^ (gran - 1)
	if end > 1<<32-gran {
		return 0, 0, false
	}
	return uint32(start), uint32(end), true
}

func (m *Manager) overlapsSpace(as *AddressSpace, start, end uint32) bool {
	overlap := false
	m.Each(as, func(_ Handle, fp *Fpage) bool {
		if fp.overlaps(start, end) {
			overlap = true
			return false
		}
		return fp.base < end
	})
	return overlap
}

// insert links h into the fpage list of as keeping it sorted by base.
func (m *Manager) insert(as *AddressSpace, h Handle) {
	fp := m.fpages.Get(h)
	fp.space = as

	prev, cur := Nil, as.first
	for cur.Valid() {
		c := m.fpages.Get(cur)
		if c.base > fp.base {
			break
		}
		prev, cur = cur, c.asNext
	}

	fp.asNext = cur
	if prev.Valid() {
		m.fpages.Get(prev).asNext = h
	} else {
		as.first = h
	}
	as.count++
}

// remove unlinks h from the fpage list of as.
func (m *Manager) remove(as *AddressSpace, h Handle) {
	fp := m.fpages.Get(h)

	prev, cur := Nil, as.first
	for cur.Valid() && cur != h {
		prev, cur = cur, m.fpages.Get(cur).asNext
	}
	if !cur.Valid() {
		panic(errNotOwner)
	}

	if prev.Valid() {
		m.fpages.Get(prev).asNext = fp.asNext
	} else {
		as.first = fp.asNext
	}

	fp.space = nil
	fp.asNext = Nil
	as.count--
}

func (m *Manager) ringInsertAfter(anchor, h Handle) {
	a, fp := m.fpages.Get(anchor), m.fpages.Get(h)
	fp.mapPrev = anchor
	fp.mapNext = a.mapNext
	m.fpages.Get(a.mapNext).mapPrev = h
	a.mapNext = h
}

func (m *Manager) ringUnlink(h Handle) {
	fp := m.fpages.Get(h)
	if fp.mapNext == h {
		return
	}
	m.fpages.Get(fp.mapPrev).mapNext = fp.mapNext
	m.fpages.Get(fp.mapNext).mapPrev = fp.mapPrev
	fp.mapNext, fp.mapPrev = h, h
}
