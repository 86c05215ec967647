package sched

import (
	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktimer"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

// Round robin dispatch states. A freshly queued thread is promoted on
// every scan that passes it and becomes eligible on the third.
const (
	waitSchedule uint8 = iota
	pendingSched
	ready
)

// Timeslice configures the periodic timer event that revokes the
// timeslice of the running thread.
type Timeslice struct {
	Timer *ktimer.Queue
	Ticks uint32
}

// RoundRobin dispatches threads from a single circular queue, ignoring
// priorities. The running thread keeps the CPU until its timeslice is
// revoked, it yields or it blocks.
type RoundRobin struct {
	ring    queue
	running *thread.TCB
	idle    *thread.TCB
	slice   uint32
}

// NewRoundRobin returns a round robin scheduler. If slice names a timer
// queue a periodic event is armed to revoke timeslices.
func NewRoundRobin(idle *thread.TCB, slice Timeslice) *RoundRobin {
	rr := &RoundRobin{idle: idle, slice: slice.Ticks}
	idle.Priority = IdlePriority
	idle.State = thread.Runnable

	if slice.Timer != nil && slice.Ticks > 0 {
		if _, err := slice.Timer.Create(slice.Ticks, rr.revoke, nil); err != nil {
			panic(err)
		}
	}
	return rr
}

// Enqueue implements Scheduler.
func (rr *RoundRobin) Enqueue(thr *thread.TCB) {
	if thr == rr.idle {
		return
	}

	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if thr.Sched.Queued {
		panic(errDoubleEnqueue)
	}
	rr.ring.pushBack(thr)
	thr.Sched.Queued = true
	thr.Sched.Dispatch = waitSchedule
	kfmt.Debugf(kfmt.DL_SCHED, "[sched] rr enqueue %s\n", thr.GlobalID)
}

// Dequeue implements Scheduler.
func (rr *RoundRobin) Dequeue(thr *thread.TCB) {
	if thr == rr.idle {
		panic(errDequeueIdle)
	}

	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if !thr.Sched.Queued {
		return
	}

	// Keep the scan position: the thread after a removed running thread
	// is next in line.
	if rr.running == thr {
		rr.running = nil
		if thr.Sched.Next != thr {
			rr.ring.head = thr.Sched.Next
		}
	}
	rr.ring.remove(thr)
	thr.Sched.Queued = false
	kfmt.Debugf(kfmt.DL_SCHED, "[sched] rr dequeue %s\n", thr.GlobalID)
}

// Select implements Scheduler.
func (rr *RoundRobin) Select() *thread.TCB {
	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if rr.ring.empty() {
		return rr.idle
	}

	if r := rr.running; r != nil && r.Sched.Dispatch == ready {
		return r
	}

	thr := rr.ring.head
	if rr.running != nil {
		thr = rr.running.Sched.Next
	}

	// Every visit promotes a thread, so this terminates within three
	// passes over the ring.
	for {
		switch thr.Sched.Dispatch {
		case ready:
			rr.running = thr
			return thr
		case waitSchedule:
			thr.Sched.Dispatch = pendingSched
		case pendingSched:
			thr.Sched.Dispatch = ready
		}
		thr = thr.Sched.Next
	}
}

// Yield implements Scheduler. thr gives up the rest of its timeslice.
func (rr *RoundRobin) Yield(thr *thread.TCB) {
	if thr.Sched.Queued {
		thr.Sched.Dispatch = waitSchedule
	}
}

// SetPriority implements Scheduler. Priorities are recorded but ignored.
func (rr *RoundRobin) SetPriority(thr *thread.TCB, prio uint8) {
	if prio >= Levels {
		panic(errBadPriority)
	}
	thr.Priority = prio
}

// Queued implements Scheduler. The idle thread is always considered
// queued.
func (rr *RoundRobin) Queued(thr *thread.TCB) bool {
	return thr == rr.idle || thr.Sched.Queued
}

// revoke is the timeslice timer handler.
func (rr *RoundRobin) revoke(ktimer.Handle, interface{}) uint32 {
	irq := cpu.DisableInterrupts()
	if r := rr.running; r != nil && r.Sched.Queued {
		r.Sched.Dispatch = waitSchedule
		kfmt.Debugf(kfmt.DL_SCHED, "[sched] rr timeslice of %s revoked\n", r.GlobalID)
	}
	cpu.RestoreInterrupts(irq)
	return rr.slice
}
