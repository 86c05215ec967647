// Package sched orders runnable threads. Two interchangeable strategies
// implement the Scheduler interface: a 32 level priority bitmap and a
// priority-agnostic round robin ring. The kernel picks one at boot; every
// call site only sees the interface.
package sched

import (
	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

const (
	// Levels is the number of priority levels.
	Levels = 32

	// KernelPriority is reserved for the kernel thread.
	KernelPriority uint8 = 0

	// IdlePriority is reserved for the idle thread.
	IdlePriority uint8 = Levels - 1
)

var (
	errDoubleEnqueue = &kernel.Error{Module: "sched", Message: "thread is already queued"}
	errDequeueIdle   = &kernel.Error{Module: "sched", Message: "idle thread cannot be dequeued"}
	errBadPriority   = &kernel.Error{Module: "sched", Message: "priority out of range"}
)

// Scheduler orders the runnable threads.
type Scheduler interface {
	// Enqueue makes thr eligible for selection.
	Enqueue(thr *thread.TCB)

	// Dequeue removes thr from the ready queues.
	Dequeue(thr *thread.TCB)

	// Select returns the thread to dispatch next. It never returns nil.
	Select() *thread.TCB

	// Yield moves thr behind every other thread it competes with.
	Yield(thr *thread.TCB)

	// SetPriority changes the priority of thr.
	SetPriority(thr *thread.TCB, prio uint8)

	// Queued returns true if thr is in a ready queue.
	Queued(thr *thread.TCB) bool
}

// Wake marks thr runnable and enqueues it.
func Wake(s Scheduler, thr *thread.TCB) {
	thr.State = thread.Runnable
	if !s.Queued(thr) {
		s.Enqueue(thr)
	}
}

// Block moves thr into state and removes it from the ready queues.
func Block(s Scheduler, thr *thread.TCB, state thread.State) {
	thr.State = state
	if s.Queued(thr) {
		s.Dequeue(thr)
	}
}

// New returns the scheduler named by kind ("prio" or "rr"). idle is
// dispatched whenever nothing else is runnable.
func New(kind string, idle *thread.TCB, slice Timeslice) Scheduler {
	if kind == "rr" {
		return NewRoundRobin(idle, slice)
	}
	return NewBitmap(idle)
}

// queue is a circular doubly linked list threaded through thread.Link.
type queue struct {
	head *thread.TCB
}

func (q *queue) empty() bool { return q.head == nil }

func (q *queue) pushBack(thr *thread.TCB) {
	if q.head == nil {
		thr.Sched.Next, thr.Sched.Prev = thr, thr
		q.head = thr
		return
	}

	tail := q.head.Sched.Prev
	thr.Sched.Prev, thr.Sched.Next = tail, q.head
	tail.Sched.Next = thr
	q.head.Sched.Prev = thr
}

func (q *queue) remove(thr *thread.TCB) {
	if thr.Sched.Next == thr {
		q.head = nil
	} else {
		thr.Sched.Prev.Sched.Next = thr.Sched.Next
		thr.Sched.Next.Sched.Prev = thr.Sched.Prev
		if q.head == thr {
			q.head = thr.Sched.Next
		}
	}
	thr.Sched.Next, thr.Sched.Prev = nil, nil
}

func (q *queue) each(fn func(*thread.TCB)) {
	if q.head == nil {
		return
	}
	thr := q.head
	for {
		next := thr.Sched.Next
		fn(thr)
		if next == q.head {
			return
		}
		thr = next
	}
}

// Bitmap is the priority bitmap scheduler. Level 0 is the highest
// priority; bit 31-p of the bitmap is set while level p is non-empty so the
// highest occupied level is found with a single count-leading-zeros.
type Bitmap struct {
	levels [Levels]queue
	bitmap uint32
	idle   *thread.TCB
}

// NewBitmap returns a priority scheduler whose lowest level holds idle.
func NewBitmap(idle *thread.TCB) *Bitmap {
	b := &Bitmap{idle: idle}
	idle.Priority = IdlePriority
	idle.State = thread.Runnable
	b.Enqueue(idle)
	return b
}

// Enqueue implements Scheduler. Enqueueing a queued thread is a kernel bug.
func (b *Bitmap) Enqueue(thr *thread.TCB) {
	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if thr.Sched.Queued {
		panic(errDoubleEnqueue)
	}
	b.link(thr, thr.Priority)
	kfmt.Debugf(kfmt.DL_SCHED, "[sched] enqueue %s at %d\n", thr.GlobalID, thr.Priority)
}

// Dequeue implements Scheduler. The idle thread never leaves its queue.
func (b *Bitmap) Dequeue(thr *thread.TCB) {
	if thr == b.idle {
		panic(errDequeueIdle)
	}

	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if !thr.Sched.Queued {
		return
	}
	b.unlink(thr)
	kfmt.Debugf(kfmt.DL_SCHED, "[sched] dequeue %s\n", thr.GlobalID)
}

// Select implements Scheduler.
func (b *Bitmap) Select() *thread.TCB {
	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	level := cpu.CLZ(b.bitmap)
	if level >= Levels {
		return b.idle
	}
	return b.levels[level].head
}

// Yield implements Scheduler by rotating thr to the tail of its level.
func (b *Bitmap) Yield(thr *thread.TCB) {
	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if !thr.Sched.Queued {
		return
	}
	if q := &b.levels[thr.Sched.Level]; q.head == thr {
		q.head = thr.Sched.Next
	} else {
		q.remove(thr)
		q.pushBack(thr)
	}
}

// SetPriority implements Scheduler. A queued thread migrates to the new
// level without ever being visible on both.
func (b *Bitmap) SetPriority(thr *thread.TCB, prio uint8) {
	if prio >= Levels {
		panic(errBadPriority)
	}

	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if thr.Sched.Queued {
		b.unlink(thr)
		b.link(thr, prio)
	}
	thr.Priority = prio
	kfmt.Debugf(kfmt.DL_SCHED, "[sched] %s priority %d\n", thr.GlobalID, prio)
}

// Queued implements Scheduler.
func (b *Bitmap) Queued(thr *thread.TCB) bool { return thr.Sched.Queued }

// Bits returns the level occupancy bitmap.
func (b *Bitmap) Bits() uint32 { return b.bitmap }

// Level returns the threads queued at prio in dispatch order.
func (b *Bitmap) Level(prio uint8) []*thread.TCB {
	var threads []*thread.TCB
	b.levels[prio].each(func(thr *thread.TCB) { threads = append(threads, thr) })
	return threads
}

func (b *Bitmap) link(thr *thread.TCB, prio uint8) {
	b.levels[prio].pushBack(thr)
	b.bitmap |= 1 << (Levels - 1 - uint32(prio))
	thr.Sched.Queued = true
	thr.Sched.Level = prio
}

func (b *Bitmap) unlink(thr *thread.TCB) {
	q := &b.levels[thr.Sched.Level]
	q.remove(thr)
	if q.empty() {
		b.bitmap &^= 1 << (Levels - 1 - uint32(thr.Sched.Level))
	}
	thr.Sched.Queued = false
}
