// Package thread implements thread control blocks, the thread table and the
// binding of threads to address spaces.
package thread

import (
	"io"
	"sort"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktable"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktimer"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
)

const (
	// ShortBufferWords is the number of message registers kept in the TCB
	// (MR16-MR47).
	ShortBufferWords = 32

	// DefaultPriority is assigned to threads created through Create.
	DefaultPriority uint8 = 16

	// reservedStack is the space set aside below the initial stack
	// pointer for the exception frame popped on first dispatch.
	reservedStack = cpu.FrameSize
)

var (
	// ErrTableExhausted is returned when no TCB slot is free.
	ErrTableExhausted = &kernel.Error{Module: "thread", Message: "thread table exhausted"}

	errThreadExists   = &kernel.Error{Module: "thread", Message: "thread already exists"}
	errInvalidID      = &kernel.Error{Module: "thread", Message: "invalid thread id"}
	errNoSpace        = &kernel.Error{Module: "thread", Message: "address space does not exist"}
	errHasSpace       = &kernel.Error{Module: "thread", Message: "thread already has an address space"}
	errDestroyCurrent = &kernel.Error{Module: "thread", Message: "cannot destroy the running thread"}
)

// Link is the ready queue node embedded in every TCB. It is owned by the
// active scheduler.
type Link struct {
	Next, Prev *TCB

	// Queued is set while the thread is linked into a ready queue.
	Queued bool

	// Level is the queue the thread is linked into.
	Level uint8

	// Dispatch is scheduler private dispatch state.
	Dispatch uint8
}

// TCB is a thread control block.
type TCB struct {
	GlobalID ID
	LocalID  uint32
	State    State
	Priority uint8

	Ctx cpu.Context

	// Space is shared with every other thread of the address space.
	Space *fpage.AddressSpace

	UTCBAddr uint32
	UTCB     UTCB

	// IPCFrom is the thread a receive phase waits for.
	IPCFrom ID

	// ReplyFrom and ReplyTimeout are the receive phase a sending thread
	// continues with once its message is delivered.
	ReplyFrom    ID
	ReplyTimeout uint32

	StackBase uint32
	StackSize mem.Size

	// Timeout is the timer event guarding a blocked IPC phase.
	Timeout ktimer.Handle

	// MsgBuffer holds MR16-MR47.
	MsgBuffer [ShortBufferWords]uint32

	Sched Link

	parent, child, sibling *TCB
	handle                 ktable.Handle
}

// Parent returns the thread that created t.
func (t *TCB) Parent() *TCB { return t.parent }

// Children returns the threads created by t.
func (t *TCB) Children() []*TCB {
	var children []*TCB
	for c := t.child; c != nil; c = c.sibling {
		children = append(children, c)
	}
	return children
}

// Privileged returns true for threads allowed to manage other threads and
// address spaces.
func (t *TCB) Privileged() bool { return t.GlobalID.Number() < UserBase }

// Frame returns the hardware-stacked exception frame of t. System call
// arguments and results are passed through it.
func (t *TCB) Frame() *[cpu.FrameWords]uint32 { return &t.Ctx.Frame }

// InitContext prepares t for its first dispatch in unprivileged thread mode
// at pc with stack pointer sp. regs, if not nil, seeds r0-r3.
func (t *TCB) InitContext(sp, pc uint32, regs *[4]uint32) {
	t.Ctx = cpu.Context{
		SP:  sp - reservedStack,
		Ret: cpu.ExcReturnThreadPSP,
		Ctl: cpu.ControlUnprivileged,
	}

	if regs != nil {
		copy(t.Ctx.Frame[cpu.REG_R0:cpu.REG_R3+1], regs[:])
	}
	t.Ctx.Frame[cpu.REG_LR] = 0xFFFFFFFF
	t.Ctx.Frame[cpu.REG_PC] = pc
	t.Ctx.Frame[cpu.REG_XPSR] = cpu.XPSRThumb
}

// InitKernelContext prepares t to run entry on the main stack in privileged
// mode.
func (t *TCB) InitKernelContext(entry, stackTop uint32) {
	t.Ctx = cpu.Context{
		SP:  stackTop - reservedStack,
		Ret: cpu.ExcReturnThreadMSP,
	}
	t.Ctx.Frame[cpu.REG_LR] = 0xFFFFFFFF
	t.Ctx.Frame[cpu.REG_PC] = entry
	t.Ctx.Frame[cpu.REG_XPSR] = cpu.XPSRThumb
}

// Table is the fixed-capacity thread table.
type Table struct {
	threads *ktable.Table[TCB]
	fpages  *fpage.Manager
	current *TCB

	kipSpace *fpage.AddressSpace
	kip      fpage.Handle

	destroyHooks []func(*TCB)
}

// NewTable returns a table with room for capacity threads whose address
// spaces are managed by fpages.
func NewTable(capacity int, fpages *fpage.Manager) *Table {
	return &Table{
		threads: ktable.New[TCB]("tcb", capacity),
		fpages:  fpages,
	}
}

// SetKIP registers the fpage holding the kernel information page. Every
// address space created afterwards maps it.
func (t *Table) SetKIP(space *fpage.AddressSpace, h fpage.Handle) {
	t.kipSpace, t.kip = space, h
}

// OnDestroy registers fn to be called for every thread about to be
// destroyed. Hooks run in registration order.
func (t *Table) OnDestroy(fn func(*TCB)) {
	t.destroyHooks = append(t.destroyHooks, fn)
}

// Len returns the number of live threads.
func (t *Table) Len() int { return t.threads.Len() }

// Current returns the running thread.
func (t *Table) Current() *TCB { return t.current }

// Create allocates an inactive thread named id whose UTCB lives at utcb in
// user memory. parent may be nil for threads created by the kernel.
func (t *Table) Create(id ID, utcb uint32, parent *TCB) (*TCB, *kernel.Error) {
	if id == NilThread || id == AnyThread || id.Number() < SystemBase {
		return nil, errInvalidID
	}
	return t.create(id, utcb, parent)
}

// Init allocates one of the threads created by the kernel at boot, which
// may use a reserved thread number. Failing to do so is fatal.
func (t *Table) Init(id ID) *TCB {
	thr, err := t.create(id, 0, nil)
	if err != nil {
		panic(err)
	}
	return thr
}

func (t *Table) create(id ID, utcb uint32, parent *TCB) (*TCB, *kernel.Error) {
	if t.ByGlobalID(id) != nil {
		return nil, errThreadExists
	}

	h, thr, err := t.threads.Alloc()
	if err != nil {
		return nil, ErrTableExhausted
	}

	thr.handle = h
	thr.GlobalID = id
	thr.LocalID = utcb
	thr.UTCBAddr = utcb
	thr.State = Inactive
	thr.Priority = DefaultPriority
	thr.UTCB.GlobalID = id

	if parent != nil {
		thr.parent = parent
		thr.sibling = parent.child
		parent.child = thr
	}

	kfmt.Debugf(kfmt.DL_THREAD, "[thread] created %s utcb=0x%08x\n", id, utcb)
	return thr, nil
}

// ByGlobalID returns the thread whose number matches id or nil.
func (t *Table) ByGlobalID(id ID) *TCB {
	if id == NilThread || id == AnyThread {
		return nil
	}

	var found *TCB
	t.threads.Each(func(_ ktable.Handle, thr *TCB) bool {
		if thr.GlobalID.SameThread(id) {
			found = thr
			return false
		}
		return true
	})
	return found
}

// Each invokes fn for every live thread in global id order until fn returns
// false.
func (t *Table) Each(fn func(*TCB) bool) {
	var all []*TCB
	t.threads.Each(func(_ ktable.Handle, thr *TCB) bool {
		all = append(all, thr)
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].GlobalID < all[j].GlobalID })

	for _, thr := range all {
		if !fn(thr) {
			return
		}
	}
}

// Space attaches thr to an address space. If spaceID names thr itself a new
// address space is created and the kernel information page is mapped into
// it; otherwise thr joins the space of the thread named by spaceID. When
// the parent of thr lives in another space, the UTCB area at utcb is
// granted from the parent to the new space.
func (t *Table) Space(thr *TCB, spaceID ID, utcb uint32) *kernel.Error {
	if thr.Space != nil {
		return errHasSpace
	}

	if spaceID.SameThread(thr.GlobalID) {
		as, err := t.fpages.CreateSpace(uint32(thr.GlobalID))
		if err != nil {
			return err
		}

		if t.kipSpace != nil {
			if _, err = t.fpages.Map(t.kipSpace, as, t.kip, fpage.ActionMap); err != nil {
				t.fpages.DestroySpace(as)
				return err
			}
		}
		thr.Space = as
	} else {
		owner := t.ByGlobalID(spaceID)
		if owner == nil || owner.Space == nil {
			return errNoSpace
		}
		thr.Space = owner.Space
	}
	thr.Space.Shared++

	if p := thr.parent; utcb != 0 && p != nil && p.Space != nil && p.Space != thr.Space {
		if err := t.fpages.MapArea(p.Space, thr.Space, utcb, UTCBSize, fpage.ActionGrant, fpage.RWX); err != nil {
			t.releaseSpace(thr)
			return err
		}
	}

	kfmt.Debugf(kfmt.DL_THREAD, "[thread] %s attached to space 0x%x (%d threads)\n",
		thr.GlobalID, thr.Space.SpaceID, thr.Space.Shared)
	return nil
}

// Switch makes thr the running thread. It must be called with interrupts
// masked: the register state of the current thread is saved and the
// context of thr is loaded into the CPU.
func (t *Table) Switch(thr *TCB) {
	if thr == t.current {
		return
	}

	p := cpu.Active()
	if cur := t.current; cur != nil {
		p.SaveContext(&cur.Ctx)
	}
	t.current = thr
	p.RestoreContext(&thr.Ctx)

	kfmt.Debugf(kfmt.DL_THREAD, "[thread] switch to %s\n", thr.GlobalID)
}

// Destroy releases thr. The children of thr are handed to its parent and
// the address space is destroyed when thr was its last thread. Destroying
// the running thread is a kernel bug.
func (t *Table) Destroy(thr *TCB) {
	if thr == t.current {
		panic(errDestroyCurrent)
	}

	for _, fn := range t.destroyHooks {
		fn(thr)
	}

	for c := thr.child; c != nil; {
		next := c.sibling
		c.parent = thr.parent
		c.sibling = nil
		if thr.parent != nil {
			c.sibling = thr.parent.child
			thr.parent.child = c
		}
		c = next
	}
	thr.child = nil

	if p := thr.parent; p != nil {
		if p.child == thr {
			p.child = thr.sibling
		} else {
			for c := p.child; c != nil; c = c.sibling {
				if c.sibling == thr {
					c.sibling = thr.sibling
					break
				}
			}
		}
	}

	t.releaseSpace(thr)

	kfmt.Debugf(kfmt.DL_THREAD, "[thread] destroyed %s\n", thr.GlobalID)
	t.threads.Free(thr.handle)
}

func (t *Table) releaseSpace(thr *TCB) {
	as := thr.Space
	if as == nil {
		return
	}

	thr.Space = nil
	if as.Shared--; as.Shared == 0 {
		t.fpages.DestroySpace(as)
	}
}

// Dump writes a listing of all threads to w.
func (t *Table) Dump(w io.Writer) {
	kfmt.Fprintf(w, "%-12s %-12s %-4s %-10s %s\n", "thread", "state", "prio", "space", "parent")
	t.Each(func(thr *TCB) bool {
		space, parent := "-", "-"
		if thr.Space != nil {
			space = ID(thr.Space.SpaceID).String()
		}
		if thr.parent != nil {
			parent = thr.parent.GlobalID.String()
		}
		kfmt.Fprintf(w, "%-12s %-12s %-4d %-10s %s\n", thr.GlobalID, thr.State, thr.Priority, space, parent)
		return true
	})
}
