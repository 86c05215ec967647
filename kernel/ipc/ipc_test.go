package ipc

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktimer"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
	"github.com/f9micro/f9-kernel-sub002/kernel/sched"
	"github.com/f9micro/f9-kernel-sub002/kernel/softirq"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

const (
	memBase = 0x20000000
	kipAddr = 0x08010000
)

type testEnv struct {
	fpages  *fpage.Manager
	threads *thread.Table
	sched   *sched.Bitmap
	softirq *softirq.Dispatcher
	timer   *ktimer.Queue
	engine  *Engine
	root    *thread.TCB
}

func newTestEnv(t *testing.T, pump uint32) *testEnv {
	pools, err := mem.NewTable([]mem.Pool{
		{Name: "mem0", Start: memBase, End: memBase + 0x10000, Flags: mem.KernelRW | mem.UserRW | mem.Dynamic, Tag: mem.TagAvailable},
	}, 8)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{fpages: fpage.NewManager(pools, 128, 16, 8)}
	env.threads = thread.NewTable(16, env.fpages)
	env.sched = sched.NewBitmap(env.threads.Init(thread.IdleThread))
	env.softirq = softirq.New(nil)
	env.timer = ktimer.New(16, env.softirq)
	env.engine = New(env.threads, env.sched, env.fpages, env.timer, Config{
		TickMicros:   1000,
		PumpInterval: pump,
		KIPAddr:      kipAddr,
	})

	env.root = env.threads.Init(thread.GlobalID(thread.RootNumber, 0))
	env.threads.Space(env.root, env.root.GlobalID, 0)
	sched.Wake(env.sched, env.root)
	return env
}

// spawn creates a running user thread with its own address space.
func (env *testEnv) spawn(t *testing.T, number uint32) *thread.TCB {
	thr, err := env.threads.Create(thread.GlobalID(number, 0), 0, env.root)
	if err != nil {
		t.Fatal(err)
	}
	if err = env.threads.Space(thr, thr.GlobalID, 0); err != nil {
		t.Fatal(err)
	}
	sched.Wake(env.sched, thr)
	return thr
}

func (env *testEnv) tick(n int) {
	for i := 0; i < n; i++ {
		env.timer.Tick()
		env.softirq.Execute()
	}
}

// ipc issues an IPC syscall the way the trap entry does: arguments are
// placed in the exception frame and the caller leaves the ready queue.
func (env *testEnv) ipc(caller *thread.TCB, to, from thread.ID, timeout uint32) {
	frame := caller.Frame()
	frame[cpu.REG_R0], frame[cpu.REG_R1], frame[cpu.REG_R2] = uint32(to), uint32(from), timeout
	sched.Block(env.sched, caller, thread.SVCBlocked)
	env.engine.IPC(caller, to, from, timeout)
}

func setMessage(thr *thread.TCB, tag Tag, words ...uint32) {
	WriteMR(thr, 0, uint32(tag))
	for i, w := range words {
		WriteMR(thr, i+1, w)
	}
}

func expectState(t *testing.T, thr *thread.TCB, exp thread.State) {
	t.Helper()
	if thr.State != exp {
		t.Fatalf("expected %s to be %s; got %s", thr.GlobalID, exp, thr.State)
	}
}

func expectError(t *testing.T, thr *thread.TCB, phase Phase, code Code) {
	t.Helper()
	if exp := ErrorCode(phase, code); thr.UTCB.ErrorCode != exp {
		gotPhase, gotCode := DecodeError(thr.UTCB.ErrorCode)
		t.Fatalf("expected %s error %d/%s; got %d/%s", thr.GlobalID, phase, code, gotPhase, gotCode)
	}
}

func TestTag(t *testing.T) {
	tag := MakeTag(0xBEEF, TagError, 3, 2)

	if tag.Untyped() != 3 || tag.Typed() != 2 || tag.Flags() != TagError || tag.Label() != 0xBEEF {
		t.Fatalf("unexpected tag fields for 0x%08x", uint32(tag))
	}
	if exp := uint32(0xBEEF<<16 | 0x8<<12 | 2<<6 | 3); uint32(tag) != exp {
		t.Fatalf("expected tag 0x%08x; got 0x%08x", exp, uint32(tag))
	}
	if tag.Words() != 6 {
		t.Fatalf("expected 6 words; got %d", tag.Words())
	}
}

func TestMessageRegisters(t *testing.T) {
	var thr thread.TCB
	for i := 0; i < MRCount; i++ {
		WriteMR(&thr, i, uint32(100+i))
	}

	if thr.Ctx.Regs[0] != 100 || thr.Ctx.Regs[7] != 107 {
		t.Fatal("expected MR0-MR7 in the saved registers")
	}
	if thr.UTCB.MR[0] != 108 || thr.UTCB.MR[7] != 115 {
		t.Fatal("expected MR8-MR15 in the UTCB")
	}
	if thr.MsgBuffer[0] != 116 || thr.MsgBuffer[31] != 147 {
		t.Fatal("expected MR16-MR47 in the short buffer")
	}
	for i := 0; i < MRCount; i++ {
		if got := ReadMR(&thr, i); got != uint32(100+i) {
			t.Fatalf("expected MR%d to be %d; got %d", i, 100+i, got)
		}
	}
}

func TestTime(t *testing.T) {
	specs := []struct {
		t        Time
		now      uint64
		expUs    uint64
		expNever bool
	}{
		{Never, 0, 0, true},
		{Zero, 0, 0, false},
		{Period(1000), 0, 1000, false},
		{Period(5000), 0, 5000, false},
		{Period(1025), 0, 1026, false},
		{Period(1 << 20), 0, 1 << 20, false},
		// point: e=0, c=0, m=500 while the clock is at 100
		{Time(timePoint | 500), 100, 400, false},
		// point already passed in this window: wait for the next one
		{Time(timePoint | 500), 600, 2048 - 600 + 500, false},
		// point with the carry bit set
		{Time(timePoint | 1<<10 | 4), 0, 1024 + 4, false},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			us, never := spec.t.Micros(spec.now)
			if never != spec.expNever || us != spec.expUs {
				t.Fatalf("expected (%d, %t); got (%d, %t)", spec.expUs, spec.expNever, us, never)
			}
		})
	}

	if ticks, _ := Period(2500).Ticks(0, 1000); ticks != 3 {
		t.Fatalf("expected partial ticks to round up to 3; got %d", ticks)
	}
	if word := Timeouts(Period(1000), Zero); SendTimeout(word) != Period(1000) || RecvTimeout(word) != Zero {
		t.Fatalf("expected send timeout in the upper half; got 0x%08x", word)
	}
}

func TestErrorCode(t *testing.T) {
	if exp, got := uint32(4<<1|1), ErrorCode(PhaseRecv, MsgOverflow); got != exp {
		t.Fatalf("expected 0x%x; got 0x%x", exp, got)
	}
	if phase, code := DecodeError(ErrorCode(PhaseSend, Canceled)); phase != PhaseSend || code != Canceled {
		t.Fatalf("expected send/canceled; got %d/%s", phase, code)
	}
}

func TestRendezvous(t *testing.T) {
	t.Run("sender first", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		setMessage(a, MakeTag(7, 0, 2, 0), 0x11, 0x22)
		env.ipc(a, b.GlobalID, thread.NilThread, 0)
		expectState(t, a, thread.SendBlocked)
		if env.sched.Queued(a) {
			t.Fatal("expected blocked sender to leave the ready queue")
		}

		env.ipc(b, thread.NilThread, thread.AnyThread, 0)
		expectState(t, a, thread.Runnable)
		expectState(t, b, thread.Runnable)

		if ReadMR(b, 0) != uint32(MakeTag(7, 0, 2, 0)) || ReadMR(b, 1) != 0x11 || ReadMR(b, 2) != 0x22 {
			t.Fatal("expected message to be copied")
		}
		if b.UTCB.Sender != a.GlobalID || b.Frame()[cpu.REG_R0] != uint32(a.GlobalID) {
			t.Fatal("expected sender id in the receiver UTCB and r0")
		}
		if !env.sched.Queued(a) || !env.sched.Queued(b) {
			t.Fatal("expected both threads to be requeued")
		}
	})

	t.Run("receiver first", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		env.ipc(b, thread.NilThread, a.GlobalID, 0)
		expectState(t, b, thread.RecvBlocked)

		setMessage(a, MakeTag(0, 0, 1, 0), 0x33)
		env.ipc(a, b.GlobalID, thread.NilThread, 0)
		expectState(t, a, thread.Runnable)
		expectState(t, b, thread.Runnable)
		if ReadMR(b, 1) != 0x33 {
			t.Fatal("expected message to be copied")
		}
	})

	t.Run("receiver waiting for somebody else", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)
		c := env.spawn(t, thread.UserBase+2)

		env.ipc(b, thread.NilThread, c.GlobalID, 0)
		env.ipc(a, b.GlobalID, thread.NilThread, 0)
		expectState(t, a, thread.SendBlocked)
		expectState(t, b, thread.RecvBlocked)
	})
}

func TestSecondSenderStaysBlocked(t *testing.T) {
	env := newTestEnv(t, 4)
	x := env.spawn(t, thread.UserBase)
	s1 := env.spawn(t, thread.UserBase+1)
	s2 := env.spawn(t, thread.UserBase+2)

	setMessage(s1, MakeTag(0, 0, 1, 0), 1)
	setMessage(s2, MakeTag(0, 0, 1, 0), 2)
	env.ipc(s1, x.GlobalID, thread.NilThread, 0)
	env.ipc(s2, x.GlobalID, thread.NilThread, 0)

	env.ipc(x, thread.NilThread, thread.AnyThread, 0)
	if ReadMR(x, 1) != 1 || x.UTCB.Sender != s1.GlobalID {
		t.Fatal("expected the first sender to be delivered")
	}
	expectState(t, s1, thread.Runnable)
	expectState(t, s2, thread.SendBlocked)
	if s2.UTCB.ErrorCode != 0 {
		t.Fatal("expected the second sender to stay blocked without error")
	}

	// The pump must not deliver to a receiver that is not waiting.
	env.tick(8)
	expectState(t, s2, thread.SendBlocked)

	env.ipc(x, thread.NilThread, thread.AnyThread, 0)
	if ReadMR(x, 1) != 2 || x.UTCB.Sender != s2.GlobalID {
		t.Fatal("expected the second sender to be delivered on the next receive")
	}
	expectState(t, s2, thread.Runnable)

	if env.engine.Delivered() != 2 {
		t.Fatalf("expected exactly 2 deliveries; got %d", env.engine.Delivered())
	}
}

func TestDeliveryPump(t *testing.T) {
	env := newTestEnv(t, 4)
	a := env.spawn(t, thread.UserBase)
	b := env.spawn(t, thread.UserBase+1)

	// Leave a matching pair blocked on both sides, as happens when a
	// receive phase starts without passing through the rendezvous check.
	setMessage(a, MakeTag(0, 0, 1, 0), 0x44)
	sched.Block(env.sched, a, thread.SendBlocked)
	a.UTCB.IntendedReceiver = b.GlobalID
	sched.Block(env.sched, b, thread.RecvBlocked)
	b.IPCFrom = thread.AnyThread

	env.tick(3)
	expectState(t, b, thread.RecvBlocked)

	env.tick(1)
	expectState(t, a, thread.Runnable)
	expectState(t, b, thread.Runnable)
	if ReadMR(b, 1) != 0x44 {
		t.Fatal("expected the pump to deliver the message")
	}
}

func TestMessageOverflow(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.spawn(t, thread.UserBase)
	b := env.spawn(t, thread.UserBase+1)

	env.ipc(b, thread.NilThread, thread.AnyThread, 0)
	before := b.UTCB
	beforeRegs := b.Ctx.Regs

	payload := make([]uint32, 50)
	for i := range payload {
		payload[i] = uint32(i)
	}
	setMessage(a, MakeTag(0, 0, 50, 0), payload[:MRCount-1]...)
	env.ipc(a, b.GlobalID, thread.NilThread, 0)

	expectError(t, a, PhaseSend, MsgOverflow)
	expectState(t, a, thread.Runnable)
	expectState(t, b, thread.RecvBlocked)
	if b.UTCB != before || b.Ctx.Regs != beforeRegs {
		t.Fatal("expected receiver state not to advance")
	}
	if env.engine.Delivered() != 0 {
		t.Fatal("expected no delivery")
	}
}

func TestTimeouts(t *testing.T) {
	t.Run("receive", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		env.ipc(a, thread.NilThread, b.GlobalID, Timeouts(Never, Period(3000)))
		env.tick(2)
		expectState(t, a, thread.RecvBlocked)
		env.tick(1)
		expectState(t, a, thread.Runnable)
		expectError(t, a, PhaseRecv, Timeout)
	})

	t.Run("send", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		env.ipc(a, b.GlobalID, thread.NilThread, Timeouts(Period(2000), Never))
		env.tick(2)
		expectState(t, a, thread.Runnable)
		expectError(t, a, PhaseSend, Timeout)
		if a.UTCB.IntendedReceiver != thread.NilThread {
			t.Fatal("expected the send phase to be withdrawn")
		}
	})

	t.Run("zero", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		env.ipc(a, thread.NilThread, b.GlobalID, Timeouts(Never, Zero))
		expectState(t, a, thread.Runnable)
		expectError(t, a, PhaseRecv, Timeout)
	})

	t.Run("never", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		env.ipc(a, thread.NilThread, b.GlobalID, Timeouts(Never, Never))
		env.tick(100)
		expectState(t, a, thread.RecvBlocked)
	})

	t.Run("delivery disarms the timeout", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)
		b := env.spawn(t, thread.UserBase+1)

		env.ipc(a, thread.NilThread, b.GlobalID, Timeouts(Never, Period(2000)))
		setMessage(b, MakeTag(0, 0, 0, 0))
		env.ipc(b, a.GlobalID, thread.NilThread, 0)
		env.tick(5)
		expectState(t, a, thread.Runnable)
		if a.UTCB.ErrorCode != 0 || a.Timeout.Valid() {
			t.Fatal("expected no timeout after delivery")
		}
	})

	t.Run("sleep", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.spawn(t, thread.UserBase)

		env.ipc(a, thread.NilThread, thread.NilThread, Timeouts(Never, Period(2000)))
		expectState(t, a, thread.Inactive)
		env.tick(2)
		expectState(t, a, thread.Runnable)
		if a.UTCB.ErrorCode != 0 {
			t.Fatal("expected sleep to end without error")
		}
	})
}

func TestLongTimeoutIsClamped(t *testing.T) {
	env := newTestEnv(t, 0)
	env.engine.cfg.TickMicros = 1
	a := env.spawn(t, thread.UserBase)

	// 1023<<31 microseconds does not fit in 32 bits of 1us ticks.
	env.ipc(a, thread.NilThread, thread.NilThread, Timeouts(Never, Time(31<<10|1023)))
	expectState(t, a, thread.Inactive)

	deadline, armed := env.timer.Deadline(a.Timeout)
	if !armed {
		t.Fatal("expected the timeout to be armed")
	}
	if exp := env.timer.Now() + math.MaxUint32; deadline != exp {
		t.Fatalf("expected deadline %d; got %d", exp, deadline)
	}

	env.tick(16)
	expectState(t, a, thread.Inactive)
}

func TestNotExist(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.spawn(t, thread.UserBase)

	env.ipc(a, thread.GlobalID(thread.UserBase+9, 0), thread.NilThread, 0)
	expectError(t, a, PhaseSend, NotExist)
	expectState(t, a, thread.Runnable)

	env.ipc(a, thread.NilThread, thread.GlobalID(thread.UserBase+9, 0), 0)
	expectError(t, a, PhaseRecv, NotExist)
}

func TestCancelOnDestroy(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.spawn(t, thread.UserBase)
	b := env.spawn(t, thread.UserBase+1)
	c := env.spawn(t, thread.UserBase+2)
	d := env.spawn(t, thread.UserBase+3)

	env.ipc(a, b.GlobalID, thread.NilThread, Timeouts(Period(5000), Never))
	env.ipc(c, thread.NilThread, b.GlobalID, 0)
	env.ipc(d, thread.NilThread, thread.AnyThread, 0)

	sched.Block(env.sched, b, thread.Inactive)
	env.threads.Destroy(b)

	expectError(t, a, PhaseSend, Canceled)
	expectError(t, c, PhaseRecv, Canceled)
	expectState(t, a, thread.Runnable)
	expectState(t, c, thread.Runnable)
	expectState(t, d, thread.RecvBlocked)

	if a.Timeout.Valid() {
		t.Fatal("expected the pending timeout to be disarmed")
	}
	env.tick(10)
	expectError(t, a, PhaseSend, Canceled)
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.spawn(t, thread.UserBase)
	b := env.spawn(t, thread.UserBase+1)

	env.ipc(a, thread.NilThread, b.GlobalID, 0)
	env.engine.Abort(a, true, false)
	expectState(t, a, thread.RecvBlocked)

	env.engine.Abort(a, false, true)
	expectState(t, a, thread.Runnable)
	expectError(t, a, PhaseRecv, Aborted)
}

func TestCall(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.spawn(t, thread.UserBase)
	server := env.spawn(t, thread.UserBase+1)

	env.ipc(server, thread.NilThread, thread.AnyThread, 0)

	setMessage(client, MakeTag(1, 0, 1, 0), 0x55)
	env.ipc(client, server.GlobalID, server.GlobalID, 0)
	expectState(t, server, thread.Runnable)
	expectState(t, client, thread.RecvBlocked)
	if client.IPCFrom != server.GlobalID {
		t.Fatal("expected the client to wait for the reply")
	}

	setMessage(server, MakeTag(2, 0, 1, 0), 0x66)
	env.ipc(server, client.GlobalID, thread.NilThread, 0)
	expectState(t, client, thread.Runnable)
	if ReadMR(client, 1) != 0x66 || Tag(ReadMR(client, 0)).Label() != 2 {
		t.Fatal("expected the reply to be delivered")
	}
}

func TestCallArgumentsIgnoreFrame(t *testing.T) {
	t.Run("receiver waiting", func(t *testing.T) {
		env := newTestEnv(t, 0)
		client := env.spawn(t, thread.UserBase)
		server := env.spawn(t, thread.UserBase+1)

		env.ipc(server, thread.NilThread, thread.AnyThread, 0)

		setMessage(client, MakeTag(1, 0, 1, 0), 0x55)
		sched.Block(env.sched, client, thread.SVCBlocked)
		env.engine.IPC(client, server.GlobalID, server.GlobalID, 0)
		expectState(t, server, thread.Runnable)
		expectState(t, client, thread.RecvBlocked)
		if client.IPCFrom != server.GlobalID {
			t.Fatalf("expected the client to wait for %s; got %s", server.GlobalID, client.IPCFrom)
		}
	})

	t.Run("sender blocked first", func(t *testing.T) {
		env := newTestEnv(t, 0)
		client := env.spawn(t, thread.UserBase)
		server := env.spawn(t, thread.UserBase+1)

		setMessage(client, MakeTag(1, 0, 1, 0), 0x55)
		sched.Block(env.sched, client, thread.SVCBlocked)
		env.engine.IPC(client, server.GlobalID, server.GlobalID, 0)
		expectState(t, client, thread.SendBlocked)

		// A stale frame must not override the receive phase of the call.
		client.Frame()[cpu.REG_R1] = uint32(thread.NilThread)

		env.ipc(server, thread.NilThread, client.GlobalID, 0)
		expectState(t, server, thread.Runnable)
		expectState(t, client, thread.RecvBlocked)
		if client.IPCFrom != server.GlobalID || client.ReplyFrom != thread.NilThread {
			t.Fatal("expected the client to wait for the reply")
		}
	})

	t.Run("send only", func(t *testing.T) {
		env := newTestEnv(t, 0)
		client := env.spawn(t, thread.UserBase)
		server := env.spawn(t, thread.UserBase+1)

		env.ipc(server, thread.NilThread, thread.AnyThread, 0)

		client.Frame()[cpu.REG_R1] = uint32(server.GlobalID)
		setMessage(client, MakeTag(1, 0, 1, 0), 0x55)
		sched.Block(env.sched, client, thread.SVCBlocked)
		env.engine.IPC(client, server.GlobalID, thread.NilThread, 0)
		expectState(t, client, thread.Runnable)
	})
}

func TestMapAndGrantItems(t *testing.T) {
	specs := []struct {
		grant     bool
		rights    fpage.Rights
		expRights fpage.Rights
	}{
		{false, fpage.Read, fpage.Read},
		{false, 0, fpage.Read | fpage.Write},
		{true, fpage.Read | fpage.Write, fpage.Read | fpage.Write},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			env := newTestEnv(t, 0)
			a := env.spawn(t, thread.UserBase)
			b := env.spawn(t, thread.UserBase+1)
			if _, err := env.fpages.Assign(a.Space, memBase, 0x1000); err != nil {
				t.Fatal(err)
			}

			env.ipc(b, thread.NilThread, a.GlobalID, 0)
			setMessage(a, MakeTag(0, 0, 1, 2), 0x77,
				uint32(MapItem(memBase+0x400, spec.grant)), ItemSize(0x400, spec.rights))
			env.ipc(a, b.GlobalID, thread.NilThread, 0)

			expectState(t, b, thread.Runnable)
			fp := env.fpages.Get(env.fpages.Find(b.Space, memBase+0x400))
			if fp == nil || fp.Base() != memBase+0x400 || fp.Size() != 0x400 {
				t.Fatalf("expected [0x%x, 0x%x) in the receiver", memBase+0x400, memBase+0x800)
			}
			if fp.Rights() != spec.expRights {
				t.Fatalf("expected rights %s; got %s", spec.expRights, fp.Rights())
			}

			stillOwned := env.fpages.Find(a.Space, memBase+0x400).Valid()
			if stillOwned == spec.grant {
				t.Fatalf("expected sender ownership %t after transfer", !spec.grant)
			}
			if ReadMR(b, 2) != uint32(MapItem(memBase+0x400, spec.grant)) {
				t.Fatal("expected typed item words to be copied")
			}
		})
	}
}

func TestTypedItemFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.spawn(t, thread.UserBase)
	b := env.spawn(t, thread.UserBase+1)

	env.ipc(b, thread.NilThread, a.GlobalID, 0)
	setMessage(a, MakeTag(0, 0, 0, 2), uint32(MapItem(memBase, false)), ItemSize(0x100, fpage.Read))
	env.ipc(a, b.GlobalID, thread.NilThread, 0)

	expectError(t, a, PhaseSend, XferTimeout)
	expectError(t, b, PhaseRecv, XferTimeout)
	expectState(t, a, thread.Runnable)
	expectState(t, b, thread.Runnable)
}

func TestThreadStart(t *testing.T) {
	env := newTestEnv(t, 0)
	thr, _ := env.threads.Create(thread.GlobalID(thread.UserBase, 0), memBase+0x100, env.root)
	env.threads.Space(thr, thr.GlobalID, 0)
	thr.UTCB.Pager = env.root.GlobalID

	setMessage(env.root, threadStartTag, 0x08000101, memBase+0x2000, 0x800, 0xAA, 0xBB)
	env.ipc(env.root, thr.GlobalID, thread.NilThread, 0)

	expectState(t, thr, thread.Runnable)
	expectState(t, env.root, thread.Runnable)

	frame := thr.Frame()
	if frame[cpu.REG_PC] != 0x08000101 || frame[cpu.REG_R0] != kipAddr || frame[cpu.REG_R1] != memBase+0x100 ||
		frame[cpu.REG_R2] != 0xAA || frame[cpu.REG_R3] != 0xBB {
		t.Fatalf("unexpected initial frame %v", frame)
	}
	if thr.StackBase != memBase+0x1800 || thr.StackSize != 0x800 {
		t.Fatalf("expected stack [0x%x, 0x%x); got base 0x%x size 0x%x", memBase+0x1800, memBase+0x2000, thr.StackBase, thr.StackSize)
	}
	if thr.Ctx.SP != memBase+0x2000-cpu.FrameSize {
		t.Fatalf("expected room for the initial frame below sp; got 0x%x", thr.Ctx.SP)
	}
}

func TestMessageToInactiveThreadOfPager(t *testing.T) {
	env := newTestEnv(t, 0)
	thr, _ := env.threads.Create(thread.GlobalID(thread.UserBase, 0), 0, env.root)
	thr.UTCB.Pager = env.root.GlobalID

	setMessage(env.root, MakeTag(9, 0, 1, 0), 0x99)
	env.ipc(env.root, thr.GlobalID, thread.NilThread, 0)

	expectState(t, thr, thread.Inactive)
	if env.sched.Queued(thr) || ReadMR(thr, 1) != 0x99 {
		t.Fatal("expected message delivery without starting the thread")
	}
}

func TestLogThread(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	env := newTestEnv(t, 0)
	a := env.spawn(t, thread.UserBase)

	msg := "hello world"
	var words []uint32
	for i := 0; i < len(msg); i += 4 {
		var w uint32
		for j := 0; j < 4 && i+j < len(msg); j++ {
			w |= uint32(msg[i+j]) << (8 * uint(j))
		}
		words = append(words, w)
	}

	buf.Reset()
	setMessage(a, MakeTag(0, 0, len(words), 0), words...)
	env.ipc(a, thread.GlobalID(thread.LogNumber, 0), thread.NilThread, 0)

	expectState(t, a, thread.Runnable)
	if exp := "[32.0] hello world\n"; buf.String() != exp {
		t.Fatalf("expected %q; got %q", exp, buf.String())
	}
}
