package kmain

import (
	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/mpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

var (
	errMemFault  = &kernel.Error{Module: "kmain", Message: "memory management fault"}
	errKernelSVC = &kernel.Error{Module: "kmain", Message: "system call from kernel thread"}
)

// trap converts a kernel panic raised while handling an exception into a
// kfmt.Panic.
func trap() {
	if err := recover(); err != nil {
		kfmt.Panic(err)
	}
}

// Tick is the system timer handler.
func (k *Kernel) Tick() {
	defer trap()

	k.Timer.Tick()
	k.Schedule()
}

// SVC is the supervisor call handler. The calling thread is blocked until
// the kernel thread has serviced the call.
func (k *Kernel) SVC(num uint8) {
	defer trap()

	cur := k.Threads.Current()
	if cur == nil || cur.Space == nil {
		panic(errKernelSVC)
	}

	p := cpu.Active()
	p.SaveContext(&cur.Ctx)
	cur.Ctx.SVC = num
	p.RestoreContext(&cur.Ctx)

	k.Syscalls.Enter(cur)
	k.Schedule()
}

// MemManageFault is the MPU fault handler. Faults on addresses the running
// thread owns load the covering fpage and return; any other fault is fatal.
func (k *Kernel) MemManageFault(addr uint32) {
	defer trap()

	if cur := k.Threads.Current(); cur != nil && k.MPU.SelectLRU(cur.Space, addr) == mpu.Hit {
		return
	}

	kfmt.Printf("[kmain] fault address: 0x%08x\n", addr)
	panic(errMemFault)
}

// RunKernelThread performs one pass of the kernel thread: pending softirqs
// are handled and the next thread is dispatched. It returns false if there
// was nothing to do.
func (k *Kernel) RunKernelThread() bool {
	defer trap()

	ran := k.Softirq.Execute()
	k.Schedule()
	return ran
}

// Schedule dispatches the thread picked by the scheduler and projects its
// address space onto the MPU.
func (k *Kernel) Schedule() *thread.TCB {
	next := k.Sched.Select()
	if next == k.Threads.Current() {
		return next
	}

	irq := cpu.DisableInterrupts()
	k.Threads.Switch(next)
	if next.Space != nil {
		k.MPU.Project(next.Space, next.Ctx.SP, next.Frame()[cpu.REG_PC], next.StackBase, next.StackSize)
	}
	cpu.RestoreInterrupts(irq)

	return next
}
