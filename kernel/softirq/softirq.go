// Package softirq implements the kernel's deferred work queue. Interrupt
// handlers never do real work; they flag a softirq slot and wake the kernel
// thread, which later runs the registered handlers in thread context.
package softirq

import (
	"io"
	"sync/atomic"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
)

// Type identifies a softirq slot.
type Type int

// Softirq slots, in the order Execute scans them.
const (
	// KTE runs expired kernel timer events.
	KTE Type = iota

	// Async runs asynchronous event handlers.
	Async

	// Syscall completes a supervisor call on behalf of the trapped thread.
	Syscall

	// KDB runs the kernel debugger.
	KDB

	NumTypes
)

var typeNames = [NumTypes]string{"kte", "async", "syscall", "kdb"}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < 0 || t >= NumTypes {
		return "invalid"
	}
	return typeNames[t]
}

// Handler runs the deferred work of a slot.
type Handler interface {
	Handle()
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func()

// Handle calls f.
func (f HandlerFunc) Handle() { f() }

// KernelThread controls the thread that runs Execute.
type KernelThread interface {
	// Wake makes the kernel thread runnable. It is called from interrupt
	// context and must not block.
	Wake()

	// Sleep parks the kernel thread until the next Wake.
	Sleep()
}

var errBadType = &kernel.Error{Module: "softirq", Message: "invalid softirq type"}

type slot struct {
	pending uint32
	handler Handler
	runs    uint32
}

// Dispatcher owns the softirq slots.
type Dispatcher struct {
	slots  [NumTypes]slot
	kernel KernelThread
}

// New returns a dispatcher that wakes kt whenever a slot is scheduled.
func New(kt KernelThread) *Dispatcher {
	return &Dispatcher{kernel: kt}
}

// Register installs h as the handler of slot t, replacing any previous one.
func (d *Dispatcher) Register(t Type, h Handler) *kernel.Error {
	if t < 0 || t >= NumTypes {
		return errBadType
	}
	d.slots[t].handler = h
	return nil
}

// Schedule flags slot t as pending and wakes the kernel thread. It is safe to
// call from interrupt context; the handler is never run inline.
func (d *Dispatcher) Schedule(t Type) {
	if t < 0 || t >= NumTypes {
		return
	}

	atomic.StoreUint32(&d.slots[t].pending, 1)
	if d.kernel != nil {
		d.kernel.Wake()
	}
}

// Pending returns true if slot t is waiting to be executed.
func (d *Dispatcher) Pending(t Type) bool {
	return atomic.LoadUint32(&d.slots[t].pending) != 0
}

// Execute runs every pending handler until no slot is pending. Before
// putting the kernel thread to sleep it re-checks all slots with interrupts
// masked, so a softirq scheduled while the last handler was finishing is
// never lost. It returns true if any handler ran.
func (d *Dispatcher) Execute() bool {
	executed := false

	for {
		for t := Type(0); t < NumTypes; t++ {
			s := &d.slots[t]
			if !atomic.CompareAndSwapUint32(&s.pending, 1, 0) {
				continue
			}

			if s.handler == nil {
				kfmt.Printf("[softirq] %s scheduled without a handler\n", t)
				continue
			}

			kfmt.Debugf(kfmt.DL_SOFTIRQ, "[softirq] run %s\n", t)
			s.runs++
			s.handler.Handle()
			executed = true
		}

		irq := cpu.DisableInterrupts()
		if !d.anyPending() {
			if d.kernel != nil {
				d.kernel.Sleep()
			}
			cpu.RestoreInterrupts(irq)
			return executed
		}
		cpu.RestoreInterrupts(irq)
	}
}

func (d *Dispatcher) anyPending() bool {
	for t := range d.slots {
		if atomic.LoadUint32(&d.slots[t].pending) != 0 {
			return true
		}
	}
	return false
}

// Dump writes the state of every slot to w.
func (d *Dispatcher) Dump(w io.Writer) {
	for t := Type(0); t < NumTypes; t++ {
		s := &d.slots[t]
		state := "idle"
		if d.Pending(t) {
			state = "pending"
		}
		kfmt.Fprintf(w, "%-8s %-8s runs=%d\n", t, state, s.runs)
	}
}
