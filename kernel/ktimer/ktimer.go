// Package ktimer implements the kernel timer event queue. A periodic tick
// interrupt advances the kernel clock; due events are run from the KTE
// softirq in kernel thread context.
package ktimer

import (
	"io"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktable"
	"github.com/f9micro/f9-kernel-sub002/kernel/softirq"
)

// Handle references a timer event.
type Handle = ktable.Handle

// Nil is the invalid event handle.
var Nil = ktable.Nil

// Handler is invoked when an event expires. Returning n > 0 re-arms the
// event n ticks later; returning 0 releases it.
type Handler func(h Handle, data interface{}) uint32

var (
	errNoEvent  = &kernel.Error{Module: "ktimer", Message: "no free timer event"}
	errNoTicks  = &kernel.Error{Module: "ktimer", Message: "event must expire at least one tick in the future"}
	errNotArmed = &kernel.Error{Module: "ktimer", Message: "event is not armed"}
)

type event struct {
	deadline uint64
	handler  Handler
	data     interface{}
	next     Handle
}

// Queue keeps the armed events sorted by deadline.
type Queue struct {
	events  *ktable.Table[event]
	head    Handle
	now     uint64
	softirq *softirq.Dispatcher
}

// New returns a queue with room for capacity events and registers its
// expiry handler with the KTE softirq of d.
func New(capacity int, d *softirq.Dispatcher) *Queue {
	q := &Queue{
		events:  ktable.New[event]("ktimer", capacity),
		softirq: d,
	}
	if d != nil {
		d.Register(softirq.KTE, softirq.HandlerFunc(q.Run))
	}
	return q
}

// Now returns the number of ticks since boot.
func (q *Queue) Now() uint64 { return q.now }

// Tick advances the kernel clock by one tick. It is called from the tick
// interrupt and only schedules the KTE softirq when an event is due.
func (q *Queue) Tick() {
	q.now++
	if ev := q.events.Get(q.head); ev != nil && ev.deadline <= q.now && q.softirq != nil {
		q.softirq.Schedule(softirq.KTE)
	}
}

// Create arms an event that calls handler with data after ticks ticks.
func (q *Queue) Create(ticks uint32, handler Handler, data interface{}) (Handle, *kernel.Error) {
	if ticks == 0 {
		return Nil, errNoTicks
	}

	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	h, ev, err := q.events.Alloc()
	if err != nil {
		return Nil, errNoEvent
	}

	ev.handler = handler
	ev.data = data
	q.schedule(h, ev, ticks)

	kfmt.Debugf(kfmt.DL_KTIMER, "[ktimer] event %d armed for tick %d\n", h.Index(), ev.deadline)
	return h, nil
}

// Cancel disarms and releases h.
func (q *Queue) Cancel(h Handle) *kernel.Error {
	irq := cpu.DisableInterrupts()
	defer cpu.RestoreInterrupts(irq)

	if q.events.Get(h) == nil {
		return errNotArmed
	}
	q.unlink(h)
	q.events.Free(h)

	kfmt.Debugf(kfmt.DL_KTIMER, "[ktimer] event %d canceled\n", h.Index())
	return nil
}

// Armed returns true if h references a pending event.
func (q *Queue) Armed(h Handle) bool { return q.events.Get(h) != nil }

// Deadline returns the tick at which h expires.
func (q *Queue) Deadline(h Handle) (uint64, bool) {
	ev := q.events.Get(h)
	if ev == nil {
		return 0, false
	}
	return ev.deadline, true
}

// Run executes every due event. It is the KTE softirq handler.
func (q *Queue) Run() {
	for {
		irq := cpu.DisableInterrupts()
		h := q.head
		ev := q.events.Get(h)
		if ev == nil || ev.deadline > q.now {
			cpu.RestoreInterrupts(irq)
			return
		}
		q.head = ev.next
		ev.next = Nil
		cpu.RestoreInterrupts(irq)

		kfmt.Debugf(kfmt.DL_KTIMER, "[ktimer] event %d expired at tick %d\n", h.Index(), q.now)

		// The handler may cancel h itself; a stale handle must not be
		// re-armed or freed twice.
		rearm := ev.handler(h, ev.data)

		irq = cpu.DisableInterrupts()
		if ev = q.events.Get(h); ev != nil {
			if rearm > 0 {
				q.schedule(h, ev, rearm)
			} else {
				q.events.Free(h)
			}
		}
		cpu.RestoreInterrupts(irq)
	}
}

// Dump writes the armed events to w.
func (q *Queue) Dump(w io.Writer) {
	kfmt.Fprintf(w, "now: %d\n", q.now)
	for h := q.head; h.Valid(); {
		ev := q.events.Get(h)
		if ev == nil {
			break
		}
		kfmt.Fprintf(w, "  event %d: deadline %d (+%d)\n", h.Index(), ev.deadline, ev.deadline-q.now)
		h = ev.next
	}
}

// schedule inserts ev after every event with an earlier or equal deadline.
func (q *Queue) schedule(h Handle, ev *event, ticks uint32) {
	ev.deadline = q.now + uint64(ticks)

	prev := Nil
	for cur := q.head; cur.Valid(); {
		c := q.events.Get(cur)
		if c.deadline > ev.deadline {
			break
		}
		prev, cur = cur, c.next
	}

	if !prev.Valid() {
		ev.next = q.head
		q.head = h
		return
	}
	p := q.events.Get(prev)
	ev.next = p.next
	p.next = h
}

// unlink removes h from the queue. Events being run are not queued.
func (q *Queue) unlink(h Handle) bool {
	prev := Nil
	for cur := q.head; cur.Valid(); {
		c := q.events.Get(cur)
		if cur == h {
			if prev.Valid() {
				q.events.Get(prev).next = c.next
			} else {
				q.head = c.next
			}
			c.next = Nil
			return true
		}
		prev, cur = cur, c.next
	}
	return false
}
