// Package mem describes the board's physical memory as a static table of
// pools. Every other memory structure in the kernel is carved out of a pool.
package mem

import (
	"sort"

	"github.com/f9micro/f9-kernel-sub002/kernel"
)

// PoolFlag describes access permissions and placement attributes of a pool.
type PoolFlag uint32

// Pool flags.
const (
	KernelRead PoolFlag = 1 << iota
	KernelWrite
	KernelExec
	UserRead
	UserWrite
	UserExec

	// MapAlways marks pools whose fpages are always resident in the MPU.
	MapAlways

	// Dynamic marks pools that fpages may be carved from on request.
	Dynamic

	KernelRW  = KernelRead | KernelWrite
	KernelRWX = KernelRW | KernelExec
	UserRW    = UserRead | UserWrite
	UserRWX   = UserRW | UserExec
)

// Has returns true if all bits of other are set in f.
func (f PoolFlag) Has(other PoolFlag) bool { return f&other == other }

// PoolTag classifies a pool's contents.
type PoolTag uint8

// Pool tags.
const (
	TagKernelText PoolTag = iota
	TagKernelData
	TagUserText
	TagUserData
	TagAvailable
	TagDevices
)

// String implements fmt.Stringer.
func (t PoolTag) String() string {
	switch t {
	case TagKernelText:
		return "ktext"
	case TagKernelData:
		return "kdata"
	case TagUserText:
		return "utext"
	case TagUserData:
		return "udata"
	case TagAvailable:
		return "available"
	case TagDevices:
		return "devices"
	default:
		return "unknown"
	}
}

// Pool is an immutable physical range [Start, End).
type Pool struct {
	Name  string
	Start uint32
	End   uint32
	Flags PoolFlag
	Tag   PoolTag
}

// Size returns the pool length in bytes.
func (p *Pool) Size() Size { return Size(p.End - p.Start) }

// Contains returns true if addr lies inside the pool.
func (p *Pool) Contains(addr uint32) bool { return addr >= p.Start && addr < p.End }

// PoolID identifies a pool by its index in the Table.
type PoolID int

// InvalidPool is returned by lookups that match no pool.
const InvalidPool = PoolID(-1)

var (
	errNoPools       = &kernel.Error{Module: "mem", Message: "empty pool table"}
	errEmptyPool     = &kernel.Error{Module: "mem", Message: "pool end must be greater than its start"}
	errUnalignedPool = &kernel.Error{Module: "mem", Message: "pool boundaries must be aligned to the smallest fpage size"}
	errOverlap       = &kernel.Error{Module: "mem", Message: "overlapping pools"}

	// ErrNoPool is returned by Search when no single pool backs a range.
	ErrNoPool = &kernel.Error{Module: "mem", Message: "range is not backed by a single pool"}
)

// Table is the immutable set of pools defined by the board.
type Table struct {
	pools []Pool
}

// NewTable validates pools and returns a table sorted by start address.
// Every boundary must be a multiple of 1<<minShift.
func NewTable(pools []Pool, minShift uint8) (*Table, *kernel.Error) {
	if len(pools) == 0 {
		return nil, errNoPools
	}

	sorted := append([]Pool(nil), pools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := range sorted {
		p := &sorted[i]
		if p.End <= p.Start {
			return nil, errEmptyPool
		}
		if AlignDown(p.Start, minShift) != p.Start || AlignDown(p.End, minShift) != p.End {
			return nil, errUnalignedPool
		}
		if i > 0 && sorted[i-1].End > p.Start {
			return nil, errOverlap
		}
	}

	return &Table{pools: sorted}, nil
}

// Len returns the number of pools.
func (t *Table) Len() int { return len(t.pools) }

// ByID returns the pool with the given id or nil.
func (t *Table) ByID(id PoolID) *Pool {
	if id < 0 || int(id) >= len(t.pools) {
		return nil
	}
	return &t.pools[id]
}

// ByName returns the pool with the given name.
func (t *Table) ByName(name string) (PoolID, *Pool) {
	for i := range t.pools {
		if t.pools[i].Name == name {
			return PoolID(i), &t.pools[i]
		}
	}
	return InvalidPool, nil
}

// Lookup returns the pool that contains addr.
func (t *Table) Lookup(addr uint32) (PoolID, *Pool) {
	i := sort.Search(len(t.pools), func(i int) bool { return t.pools[i].End > addr })
	if i < len(t.pools) && t.pools[i].Contains(addr) {
		return PoolID(i), &t.pools[i]
	}
	return InvalidPool, nil
}

// Search returns the pool that fully contains [base, base+size).
func (t *Table) Search(base uint32, size Size) (PoolID, *Pool, *kernel.Error) {
	id, pool := t.Lookup(base)
	if pool == nil || size == 0 || uint64(base)+uint64(size) > uint64(pool.End) {
		return InvalidPool, nil, ErrNoPool
	}
	return id, pool, nil
}

// Each invokes fn for every pool in address order.
func (t *Table) Each(fn func(PoolID, *Pool)) {
	for i := range t.pools {
		fn(PoolID(i), &t.pools[i])
	}
}
