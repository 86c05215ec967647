// Package syscall decodes supervisor calls. A trapping thread is parked in
// SVCBlocked and the call itself runs later from the Syscall softirq on the
// kernel thread, which writes the results back into the caller's saved
// registers and UTCB before resuming it.
package syscall

import (
	"io"

	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/ipc"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/kip"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktimer"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
	"github.com/f9micro/f9-kernel-sub002/kernel/sched"
	"github.com/f9micro/f9-kernel-sub002/kernel/softirq"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

// Number is the immediate operand of the svc instruction.
type Number uint8

// System calls.
const (
	KernelInterface Number = iota
	ExchangeRegisters
	ThreadControl
	SystemClock
	ThreadSwitch
	Schedule
	IPC
	LIPC
	Unmap
	SpaceControl
	ProcessorControl
	MemoryControl

	numSyscalls
)

var syscallNames = [numSyscalls]string{
	"KernelInterface",
	"ExchangeRegisters",
	"ThreadControl",
	"SystemClock",
	"ThreadSwitch",
	"Schedule",
	"IPC",
	"LIPC",
	"Unmap",
	"SpaceControl",
	"ProcessorControl",
	"MemoryControl",
}

// String implements fmt.Stringer.
func (n Number) String() string {
	if n >= numSyscalls {
		return "unknown"
	}
	return syscallNames[n]
}

// ExchangeRegisters control bits.
const (
	ExRegsHalt          = 1 << 0
	ExRegsCancelRecv    = 1 << 1
	ExRegsCancelSend    = 1 << 2
	ExRegsSetSP         = 1 << 3
	ExRegsSetIP         = 1 << 4
	ExRegsSetUserHandle = 1 << 6
	ExRegsSetPager      = 1 << 7
	ExRegsDeliver       = 1 << 8
)

// Unmap control word layout.
const (
	unmapCountMask = 0x3F
	UnmapFlush     = 1 << 6
)

// Config wires a dispatcher to the kernel subsystems.
type Config struct {
	Threads *thread.Table
	Sched   sched.Scheduler
	IPC     *ipc.Engine
	Fpages  *fpage.Manager
	Timer   *ktimer.Queue
	Softirq *softirq.Dispatcher

	// KIP is reported by KernelInterface; KIPAddr is where it is mapped.
	KIP     *kip.KIP
	KIPAddr uint32

	// TickMicros converts timer ticks into SystemClock microseconds.
	TickMicros uint32
}

// Dispatcher runs the system calls of trapped threads.
type Dispatcher struct {
	cfg     Config
	pending []*thread.TCB
	calls   [numSyscalls + 1]uint32
}

// New returns a dispatcher registered as the Syscall softirq handler.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{cfg: cfg}
	cfg.Threads.OnDestroy(d.forget)
	if cfg.Softirq != nil {
		cfg.Softirq.Register(softirq.Syscall, d)
	}
	return d
}

// Enter is called by the SVC trap for the running thread. The thread stops
// competing for the CPU until its call has been handled.
func (d *Dispatcher) Enter(caller *thread.TCB) {
	irq := cpu.DisableInterrupts()
	sched.Block(d.cfg.Sched, caller, thread.SVCBlocked)
	d.pending = append(d.pending, caller)
	cpu.RestoreInterrupts(irq)

	if d.cfg.Softirq != nil {
		d.cfg.Softirq.Schedule(softirq.Syscall)
	}
}

// forget drops a destroyed thread from the pending calls.
func (d *Dispatcher) forget(dead *thread.TCB) {
	kept := d.pending[:0]
	for _, thr := range d.pending {
		if thr != dead {
			kept = append(kept, thr)
		}
	}
	d.pending = kept
}

// Pending returns the number of trapped threads waiting for service.
func (d *Dispatcher) Pending() int { return len(d.pending) }

// Handle implements softirq.Handler.
func (d *Dispatcher) Handle() {
	for {
		irq := cpu.DisableInterrupts()
		if len(d.pending) == 0 {
			cpu.RestoreInterrupts(irq)
			return
		}
		caller := d.pending[0]
		d.pending = d.pending[1:]
		cpu.RestoreInterrupts(irq)

		if caller.State != thread.SVCBlocked {
			continue
		}
		d.Dispatch(caller)
	}
}

// Dispatch runs the system call selected by the svc operand of caller.
func (d *Dispatcher) Dispatch(caller *thread.TCB) {
	num := Number(caller.Ctx.SVC)
	frame := caller.Frame()

	if num < numSyscalls {
		d.calls[num]++
	} else {
		d.calls[numSyscalls]++
	}
	kfmt.Debugf(kfmt.DL_SYSCALL, "[syscall] %s: %s(0x%x, 0x%x, 0x%x, 0x%x)\n",
		caller.GlobalID, num, frame[cpu.REG_R0], frame[cpu.REG_R1], frame[cpu.REG_R2], frame[cpu.REG_R3])

	switch num {
	case IPC, LIPC:
		d.cfg.IPC.IPC(caller, thread.ID(frame[cpu.REG_R0]), thread.ID(frame[cpu.REG_R1]), frame[cpu.REG_R2])
		return
	case ThreadSwitch:
		sched.Wake(d.cfg.Sched, caller)
		d.cfg.Sched.Yield(caller)
		return
	case ThreadControl:
		d.threadControl(caller)
	case KernelInterface:
		d.kernelInterface(caller)
	case SystemClock:
		d.systemClock(caller)
	case ExchangeRegisters:
		d.exchangeRegisters(caller)
	case Schedule:
		d.schedule(caller)
	case Unmap:
		d.unmap(caller)
	case SpaceControl, ProcessorControl, MemoryControl:
		kfmt.Printf("[syscall] %s: %s is not supported\n", caller.GlobalID, num)
		frame[cpu.REG_R0] = 0
	default:
		kfmt.Printf("[syscall] %s: unknown system call %d\n", caller.GlobalID, uint8(num))
	}

	sched.Wake(d.cfg.Sched, caller)
}

// fail reports code through the UTCB and a zero result.
func fail(caller *thread.TCB, code thread.UserError) {
	caller.UTCB.ErrorCode = uint32(code)
	caller.Frame()[cpu.REG_R0] = 0
}

func (d *Dispatcher) kernelInterface(caller *thread.TCB) {
	frame := caller.Frame()
	frame[cpu.REG_R0] = d.cfg.KIPAddr
	if k := d.cfg.KIP; k != nil {
		frame[cpu.REG_R1] = k.APIVersion
		frame[cpu.REG_R2] = k.APIFlags
		frame[cpu.REG_R3] = k.KernelID
	}
}

func (d *Dispatcher) systemClock(caller *thread.TCB) {
	var now uint64
	if d.cfg.Timer != nil {
		now = d.cfg.Timer.Now() * uint64(d.cfg.TickMicros)
	}
	frame := caller.Frame()
	frame[cpu.REG_R0] = uint32(now)
	frame[cpu.REG_R1] = uint32(now >> 32)
}

// threadControl creates a thread when r1 names an address space and
// destroys the thread named by r0 otherwise. r3 is the pager of a new
// thread and MR0 the address of its UTCB.
func (d *Dispatcher) threadControl(caller *thread.TCB) {
	frame := caller.Frame()
	dest, spaceID, pager := thread.ID(frame[cpu.REG_R0]), thread.ID(frame[cpu.REG_R1]), thread.ID(frame[cpu.REG_R3])
	threads := d.cfg.Threads

	if !caller.Privileged() {
		fail(caller, thread.ErrNoPrivilege)
		return
	}
	if dest == thread.NilThread || dest == thread.AnyThread || dest.Number() < thread.UserBase {
		fail(caller, thread.ErrInvalidThread)
		return
	}

	if spaceID == thread.NilThread {
		thr := threads.ByGlobalID(dest)
		if thr == nil {
			fail(caller, thread.ErrInvalidThread)
			return
		}
		sched.Block(d.cfg.Sched, thr, thread.Inactive)
		threads.Destroy(thr)
		kfmt.Debugf(kfmt.DL_SYSCALL, "[syscall] %s destroyed %s\n", caller.GlobalID, dest)

		frame[cpu.REG_R0] = 1
		return
	}

	if !spaceID.SameThread(dest) {
		if owner := threads.ByGlobalID(spaceID); owner == nil || owner.Space == nil {
			fail(caller, thread.ErrInvalidSpace)
			return
		}
	}

	utcb := caller.Ctx.Regs[0]
	thr, err := threads.Create(dest, utcb, caller)
	switch {
	case err == thread.ErrTableExhausted:
		fail(caller, thread.ErrNoMem)
		return
	case err != nil:
		fail(caller, thread.ErrInvalidThread)
		return
	}

	if err = threads.Space(thr, spaceID, utcb); err != nil {
		kfmt.Printf("[syscall] %s: space for %s: %s\n", caller.GlobalID, dest, err.Message)
		threads.Destroy(thr)
		fail(caller, thread.ErrUTCBArea)
		return
	}
	thr.UTCB.Pager = pager

	frame[cpu.REG_R0] = 1
}

// exchangeRegisters reads and updates the user visible state of the thread
// named by r0 according to the control word in r1. r2 and r3 carry the
// new stack and instruction pointers, MR0 and MR1 the user defined handle
// and pager.
func (d *Dispatcher) exchangeRegisters(caller *thread.TCB) {
	frame := caller.Frame()
	control := frame[cpu.REG_R1]

	dest := d.cfg.Threads.ByGlobalID(thread.ID(frame[cpu.REG_R0]))
	switch {
	case dest == nil:
		fail(caller, thread.ErrInvalidThread)
		return
	case !caller.Privileged() && dest.Space != caller.Space:
		fail(caller, thread.ErrNoPrivilege)
		return
	}

	old := struct {
		state               thread.State
		sp, ip, handle, pgr uint32
	}{dest.State, dest.Ctx.SP, dest.Frame()[cpu.REG_PC], dest.UTCB.UserDefinedHandle, uint32(dest.UTCB.Pager)}

	if control&ExRegsCancelSend != 0 || control&ExRegsCancelRecv != 0 {
		d.cfg.IPC.Abort(dest, control&ExRegsCancelSend != 0, control&ExRegsCancelRecv != 0)
	}
	if control&ExRegsSetSP != 0 {
		dest.Ctx.SP = frame[cpu.REG_R2]
	}
	if control&ExRegsSetIP != 0 {
		dest.Frame()[cpu.REG_PC] = frame[cpu.REG_R3]
	}
	if control&ExRegsSetUserHandle != 0 {
		dest.UTCB.UserDefinedHandle = caller.Ctx.Regs[0]
	}
	if control&ExRegsSetPager != 0 {
		dest.UTCB.Pager = thread.ID(caller.Ctx.Regs[1])
	}
	if control&ExRegsHalt != 0 && dest != caller && dest.State == thread.Runnable {
		sched.Block(d.cfg.Sched, dest, thread.Inactive)
	}

	frame[cpu.REG_R0] = uint32(dest.GlobalID)
	if control&ExRegsDeliver != 0 {
		var state uint32
		if old.state == thread.Inactive {
			state |= ExRegsHalt
		}
		if old.state == thread.RecvBlocked {
			state |= ExRegsCancelRecv
		}
		if old.state == thread.SendBlocked {
			state |= ExRegsCancelSend
		}
		frame[cpu.REG_R1] = state
		frame[cpu.REG_R2] = old.sp
		frame[cpu.REG_R3] = old.ip
		caller.Ctx.Regs[0] = old.handle
		caller.Ctx.Regs[1] = old.pgr
	}
}

// schedule sets the priority (r3) of the thread named by r0 and returns
// the previous one in r1.
func (d *Dispatcher) schedule(caller *thread.TCB) {
	frame := caller.Frame()
	prio := frame[cpu.REG_R3]

	dest := d.cfg.Threads.ByGlobalID(thread.ID(frame[cpu.REG_R0]))
	switch {
	case dest == nil || dest.GlobalID.Number() < thread.SystemBase:
		fail(caller, thread.ErrInvalidThread)
		return
	case !caller.Privileged() && dest.Space != caller.Space:
		fail(caller, thread.ErrNoPrivilege)
		return
	case prio <= uint32(sched.KernelPriority) || prio >= uint32(sched.IdlePriority):
		fail(caller, thread.ErrInvalidParam)
		return
	}

	frame[cpu.REG_R1] = uint32(dest.Priority)
	d.cfg.Sched.SetPriority(dest, uint8(prio))
	frame[cpu.REG_R0] = 1
}

// unmap revokes the mappings derived from the fpages named by the word
// pairs in MR0 onwards: the first word of a pair holds the base address,
// the second the size. r0 holds the number of pairs. Fpages the caller
// received by mapping are only touched with UnmapFlush set, and are then
// removed from the caller too. The number of fpages unmapped is returned
// in r0.
func (d *Dispatcher) unmap(caller *thread.TCB) {
	frame := caller.Frame()
	control := frame[cpu.REG_R0]
	count := int(control & unmapCountMask)

	if caller.Space == nil || 2*count > ipc.MRCount {
		fail(caller, thread.ErrInvalidParam)
		return
	}

	fpages := d.cfg.Fpages
	unmapped := uint32(0)
	for i := 0; i < count; i++ {
		base := ipc.Item(ipc.ReadMR(caller, 2*i)).Base()
		end := uint64(base) + uint64(ipc.ReadMR(caller, 2*i+1)&^0xF)

		var targets []fpage.Handle
		fpages.Each(caller.Space, func(h fpage.Handle, fp *fpage.Fpage) bool {
			if uint64(fp.Base()) >= end {
				return false
			}
			if fp.Base() >= base && uint64(fp.End()) <= end {
				targets = append(targets, h)
			}
			return true
		})

		for _, h := range targets {
			fp := fpages.Get(h)
			if fp == nil {
				continue
			}
			if fp.Flags()&fpage.Clone != 0 && control&UnmapFlush == 0 {
				continue
			}
			if err := fpages.Unmap(caller.Space, h); err == nil {
				unmapped++
			}
		}
	}
	frame[cpu.REG_R0] = unmapped
}

// Dump writes per system call counters to w.
func (d *Dispatcher) Dump(w io.Writer) {
	for n := Number(0); n < numSyscalls; n++ {
		kfmt.Fprintf(w, "%-18s %d\n", n, d.calls[n])
	}
	kfmt.Fprintf(w, "%-18s %d\n", "unknown", d.calls[numSyscalls])
}
