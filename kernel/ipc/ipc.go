// Package ipc implements synchronous rendezvous message passing between
// threads. There is no kernel buffering: a sender blocks until the
// receiver posts a matching receive, or the other way round. Typed items
// in a message transfer memory through the fpage manager as a side effect
// of delivery.
package ipc

import (
	"math"
	"unicode/utf8"

	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktimer"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
	"github.com/f9micro/f9-kernel-sub002/kernel/sched"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

// Phase tells which half of an IPC failed.
type Phase uint32

// IPC phases.
const (
	PhaseSend Phase = 0
	PhaseRecv Phase = 1
)

// Code is an IPC failure reason.
type Code uint32

// IPC error codes.
const (
	Timeout     Code = 1
	NotExist    Code = 2
	Canceled    Code = 3
	MsgOverflow Code = 4
	XferTimeout Code = 5
	Aborted     Code = 7
)

var codeNames = map[Code]string{
	Timeout:     "timeout",
	NotExist:    "non-existing partner",
	Canceled:    "canceled",
	MsgOverflow: "message overflow",
	XferTimeout: "transfer failed",
	Aborted:     "aborted",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// ErrorCode encodes phase and code as stored in the UTCB error_code field.
func ErrorCode(phase Phase, code Code) uint32 {
	return uint32(phase) | uint32(code)<<1
}

// DecodeError splits a UTCB error_code value.
func DecodeError(errorCode uint32) (Phase, Code) {
	return Phase(errorCode & 1), Code(errorCode >> 1)
}

// threadStartTag in MR0 asks the kernel to start an inactive thread on
// behalf of its pager. MR1 holds the entry point, MR2 the stack pointer,
// MR3 the stack size and MR4-MR5 the initial r2-r3.
const threadStartTag = 0x3

var logThread = thread.GlobalID(thread.LogNumber, 0)

// Config holds the engine tunables.
type Config struct {
	// TickMicros is the length of a kernel timer tick.
	TickMicros uint32

	// PumpInterval is the period, in ticks, of the delivery pump. Zero
	// disables the pump.
	PumpInterval uint32

	// KIPAddr is passed in r0 to started threads.
	KIPAddr uint32
}

// Engine performs IPC between the threads of a table.
type Engine struct {
	threads *thread.Table
	sched   sched.Scheduler
	fpages  *fpage.Manager
	timer   *ktimer.Queue
	cfg     Config

	delivered uint32
}

// New returns an engine and hooks it into thread destruction. If the
// configuration asks for it, a periodic delivery pump is armed on timer.
func New(threads *thread.Table, s sched.Scheduler, fpages *fpage.Manager, timer *ktimer.Queue, cfg Config) *Engine {
	if cfg.TickMicros == 0 {
		cfg.TickMicros = 1000
	}

	e := &Engine{
		threads: threads,
		sched:   s,
		fpages:  fpages,
		timer:   timer,
		cfg:     cfg,
	}
	threads.OnDestroy(e.Cancel)

	if timer != nil && cfg.PumpInterval > 0 {
		if _, err := timer.Create(cfg.PumpInterval, e.pump, nil); err != nil {
			panic(err)
		}
	}
	return e
}

// Delivered returns the number of completed message transfers.
func (e *Engine) Delivered() uint32 { return e.delivered }

// IPC runs the send and receive phases requested by caller. to and from
// name the partners of the send and receive phase (NilThread skips a
// phase); timeout holds the send timeout in its upper and the receive
// timeout in its lower half. caller must not be queued for dispatch; it is
// either blocked or made runnable by the call.
func (e *Engine) IPC(caller *thread.TCB, to, from thread.ID, timeout uint32) {
	caller.UTCB.ErrorCode = 0

	if to == thread.NilThread && from == thread.NilThread {
		// Sleep: nobody will ever wake the thread but the timeout.
		e.block(caller, thread.Inactive, RecvTimeout(timeout), PhaseRecv)
		return
	}

	if to != thread.NilThread {
		caller.ReplyFrom, caller.ReplyTimeout = from, timeout
		e.send(caller, to, timeout)
		return
	}
	e.receive(caller, from, RecvTimeout(timeout))
}

func (e *Engine) send(caller *thread.TCB, to thread.ID, timeout uint32) {
	// Checked before any partner is touched so a failing send leaves
	// every thread as it was.
	if tag := Tag(ReadMR(caller, 0)); tag.Words() > MRCount {
		e.fail(caller, PhaseSend, MsgOverflow)
		return
	}

	if to.SameThread(logThread) {
		e.userLog(caller)
		caller.ReplyFrom = thread.NilThread
		sched.Wake(e.sched, caller)
		return
	}

	dst := e.threads.ByGlobalID(to)
	switch {
	case dst == nil:
		e.fail(caller, PhaseSend, NotExist)
	case dst == caller || dst.State == thread.RecvBlocked && accepts(dst, caller):
		e.deliver(caller, dst)
	case dst.State == thread.Inactive && dst.UTCB.Pager != thread.NilThread && dst.UTCB.Pager.SameThread(caller.GlobalID):
		if ReadMR(caller, 0) == threadStartTag {
			e.startThread(caller, dst)
			return
		}
		e.deliver(caller, dst)
		sched.Block(e.sched, dst, thread.Inactive)
	default:
		caller.UTCB.IntendedReceiver = to
		kfmt.Debugf(kfmt.DL_IPC, "[ipc] %s sending to %s\n", caller.GlobalID, to)
		e.block(caller, thread.SendBlocked, SendTimeout(timeout), PhaseSend)
	}
}

func (e *Engine) receive(caller *thread.TCB, from thread.ID, t Time) {
	switch from {
	case thread.AnyThread:
		var sender *thread.TCB
		e.threads.Each(func(thr *thread.TCB) bool {
			if thr.State == thread.SendBlocked && thr.UTCB.IntendedReceiver.SameThread(caller.GlobalID) {
				sender = thr
				return false
			}
			return true
		})
		if sender != nil {
			e.deliver(sender, caller)
			return
		}
	default:
		if !from.SameThread(thread.GlobalID(thread.InterruptNumber, 0)) {
			src := e.threads.ByGlobalID(from)
			if src == nil {
				e.fail(caller, PhaseRecv, NotExist)
				return
			}
			if src.State == thread.SendBlocked && src.UTCB.IntendedReceiver.SameThread(caller.GlobalID) {
				e.deliver(src, caller)
				return
			}
		}
	}

	caller.IPCFrom = from
	kfmt.Debugf(kfmt.DL_IPC, "[ipc] %s receiving from %s\n", caller.GlobalID, from)
	e.block(caller, thread.RecvBlocked, t, PhaseRecv)
}

// accepts returns true if the receive phase of to matches from.
func accepts(to, from *thread.TCB) bool {
	return to.IPCFrom == thread.AnyThread || to.IPCFrom.SameThread(from.GlobalID)
}

// deliver copies the message of from into to, performs the memory
// transfers of its typed items in message order and resumes both threads.
// A sender that asked for a receive phase continues with it.
func (e *Engine) deliver(from, to *thread.TCB) {
	e.disarm(from)
	e.disarm(to)

	replyFrom, replyTimeout := from.ReplyFrom, from.ReplyTimeout
	from.ReplyFrom = thread.NilThread

	tag := Tag(ReadMR(from, 0))
	if tag.Words() > MRCount {
		e.fail(from, PhaseSend, MsgOverflow)
		return
	}

	untypedLast := 1 + tag.Untyped()
	typedLast := untypedLast + tag.Typed()

	WriteMR(to, 0, uint32(tag))
	for i := 1; i < untypedLast; i++ {
		WriteMR(to, i, ReadMR(from, i))
	}

	xferFailed := false
	for i := untypedLast; i+1 < typedLast; i += 2 {
		item, sizeWord := Item(ReadMR(from, i)), ReadMR(from, i+1)
		WriteMR(to, i, uint32(item))
		WriteMR(to, i+1, sizeWord)

		if !item.IsMapGrant() {
			continue
		}
		if !e.transfer(from, to, item, sizeWord) {
			xferFailed = true
			break
		}
	}

	to.UTCB.Sender = from.GlobalID
	to.IPCFrom = thread.NilThread
	to.Frame()[cpu.REG_R0] = uint32(from.GlobalID)
	from.UTCB.IntendedReceiver = thread.NilThread
	e.delivered++

	kfmt.Debugf(kfmt.DL_IPC, "[ipc] %s -> %s: %d untyped, %d typed\n",
		from.GlobalID, to.GlobalID, tag.Untyped(), tag.Typed())

	if xferFailed {
		e.fail(to, PhaseRecv, XferTimeout)
		if from != to {
			e.fail(from, PhaseSend, XferTimeout)
		}
		return
	}

	sched.Wake(e.sched, to)
	if from == to {
		return
	}

	if replyFrom != thread.NilThread {
		e.receive(from, replyFrom, RecvTimeout(replyTimeout))
		return
	}
	sched.Wake(e.sched, from)
}

// transfer applies a map or grant item. Privileged senders are not bound
// by the rights they hold themselves.
func (e *Engine) transfer(from, to *thread.TCB, item Item, sizeWord uint32) bool {
	if from.Space == nil || to.Space == nil {
		return false
	}

	size, rights := splitItemSize(sizeWord)
	if rights == 0 {
		rights = fpage.RWX
	}

	if err := e.fpages.MapArea(from.Space, to.Space, item.Base(), size, item.Action(), rights); err != nil {
		kfmt.Debugf(kfmt.DL_IPC, "[ipc] %s item 0x%08x+0x%x: %s\n", item.Action(), item.Base(), uint32(size), err.Message)
		return false
	}
	return true
}

func (e *Engine) startThread(pager, thr *thread.TCB) {
	sp, stackSize := ReadMR(pager, 2), ReadMR(pager, 3)
	regs := [4]uint32{e.cfg.KIPAddr, thr.UTCBAddr, ReadMR(pager, 4), ReadMR(pager, 5)}

	thr.InitContext(sp, ReadMR(pager, 1), &regs)
	thr.StackBase = sp - stackSize
	thr.StackSize = mem.Size(stackSize)

	kfmt.Debugf(kfmt.DL_IPC, "[ipc] %s starts %s pc=0x%08x sp=0x%08x\n", pager.GlobalID, thr.GlobalID, ReadMR(pager, 1), sp)

	sched.Wake(e.sched, pager)
	sched.Wake(e.sched, thr)
}

// userLog prints the untyped words of the message as packed little endian
// text.
func (e *Engine) userLog(caller *thread.TCB) {
	tag := Tag(ReadMR(caller, 0))

	buf := make([]byte, 0, 4*tag.Untyped()+1)
decode:
	for i := 1; i <= tag.Untyped(); i++ {
		w := ReadMR(caller, i)
		for shift := 0; shift < 32; shift += 8 {
			b := byte(w >> shift)
			if b == 0 {
				break decode
			}
			buf = append(buf, b)
		}
	}
	if !utf8.Valid(buf) {
		buf = []byte("<invalid log message>")
	}
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}

	w := &kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[" + caller.GlobalID.String() + "] ")}
	w.Write(buf)
}

// block moves thr into state and arms the timeout t. A zero timeout fails
// the phase at once.
func (e *Engine) block(thr *thread.TCB, state thread.State, t Time, phase Phase) {
	ticks, never := t.Ticks(e.now(), e.cfg.TickMicros)
	if !never && ticks == 0 {
		if state == thread.Inactive {
			sched.Wake(e.sched, thr)
			return
		}
		thr.IPCFrom = thread.NilThread
		thr.UTCB.IntendedReceiver = thread.NilThread
		e.fail(thr, phase, Timeout)
		return
	}

	sched.Block(e.sched, thr, state)
	if never || e.timer == nil {
		return
	}

	// Longer timeouts expire early; the timer counts 32 bits of ticks.
	if ticks > math.MaxUint32 {
		ticks = math.MaxUint32
	}
	h, err := e.timer.Create(uint32(ticks), e.timeout, thr)
	if err != nil {
		kfmt.Printf("[ipc] %s: timeout not armed: %s\n", thr.GlobalID, err.Message)
		return
	}
	thr.Timeout = h
}

func (e *Engine) now() uint64 {
	if e.timer == nil {
		return 0
	}
	return e.timer.Now()
}

// timeout is the timer handler of blocked phases.
func (e *Engine) timeout(h ktimer.Handle, data interface{}) uint32 {
	thr := data.(*thread.TCB)
	if thr.Timeout != h {
		return 0
	}
	thr.Timeout = ktimer.Nil

	switch thr.State {
	case thread.SendBlocked:
		thr.UTCB.IntendedReceiver = thread.NilThread
		e.fail(thr, PhaseSend, Timeout)
	case thread.RecvBlocked:
		thr.IPCFrom = thread.NilThread
		e.fail(thr, PhaseRecv, Timeout)
	case thread.Inactive:
		sched.Wake(e.sched, thr)
	}
	return 0
}

func (e *Engine) disarm(thr *thread.TCB) {
	if thr.Timeout.Valid() {
		e.timer.Cancel(thr.Timeout)
		thr.Timeout = ktimer.Nil
	}
}

// fail reports code to thr and resumes it.
func (e *Engine) fail(thr *thread.TCB, phase Phase, code Code) {
	thr.ReplyFrom = thread.NilThread
	thr.UTCB.ErrorCode = ErrorCode(phase, code)
	kfmt.Debugf(kfmt.DL_IPC, "[ipc] %s: %s\n", thr.GlobalID, code)
	sched.Wake(e.sched, thr)
}

// Deliver matches every blocked sender with its receiver if the receiver
// is waiting for it and returns the number of messages delivered.
func (e *Engine) Deliver() int {
	n := 0
	e.threads.Each(func(thr *thread.TCB) bool {
		if thr.State != thread.SendBlocked {
			return true
		}

		recv := thr.UTCB.IntendedReceiver
		if recv == thread.NilThread || recv == thread.AnyThread {
			return true
		}

		to := e.threads.ByGlobalID(recv)
		if to == nil || to.State != thread.RecvBlocked || !accepts(to, thr) {
			return true
		}

		e.deliver(thr, to)
		n++
		return true
	})
	return n
}

func (e *Engine) pump(ktimer.Handle, interface{}) uint32 {
	e.Deliver()
	return e.cfg.PumpInterval
}

// Cancel fails every IPC phase waiting for dead. It runs when dead is
// destroyed.
func (e *Engine) Cancel(dead *thread.TCB) {
	e.disarm(dead)

	e.threads.Each(func(thr *thread.TCB) bool {
		if thr == dead {
			return true
		}

		switch {
		case thr.State == thread.SendBlocked && thr.UTCB.IntendedReceiver.SameThread(dead.GlobalID):
			e.disarm(thr)
			thr.UTCB.IntendedReceiver = thread.NilThread
			e.fail(thr, PhaseSend, Canceled)
		case thr.State == thread.RecvBlocked && thr.IPCFrom != thread.AnyThread && thr.IPCFrom.SameThread(dead.GlobalID):
			e.disarm(thr)
			thr.IPCFrom = thread.NilThread
			e.fail(thr, PhaseRecv, Canceled)
		}
		return true
	})
}

// Abort fails the blocked phases of thr selected by send and recv with
// Aborted.
func (e *Engine) Abort(thr *thread.TCB, send, recv bool) {
	switch {
	case send && thr.State == thread.SendBlocked:
		e.disarm(thr)
		thr.UTCB.IntendedReceiver = thread.NilThread
		e.fail(thr, PhaseSend, Aborted)
	case recv && thr.State == thread.RecvBlocked:
		e.disarm(thr)
		thr.IPCFrom = thread.NilThread
		e.fail(thr, PhaseRecv, Aborted)
	}
}
