package syscall

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/f9micro/f9-kernel-sub002/kernel/cpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/ipc"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/kip"
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

type testKernel struct {
	fpages   *fpage.Manager
	threads  *thread.Table
	sched    *sched.Bitmap
	softirq  *softirq.Dispatcher
	timer    *ktimer.Queue
	syscalls *Dispatcher
	kip      *kip.KIP
	root     *thread.TCB
}

func newTestKernel(t *testing.T) *testKernel {
	pools, err := mem.NewTable([]mem.Pool{
		{Name: "mem0", Start: memBase, End: memBase + 0x10000, Flags: mem.KernelRW | mem.UserRW | mem.Dynamic, Tag: mem.TagAvailable},
	}, 8)
	if err != nil {
		t.Fatal(err)
	}

	k := &testKernel{fpages: fpage.NewManager(pools, 128, 16, 8)}
	k.threads = thread.NewTable(16, k.fpages)
	k.sched = sched.NewBitmap(k.threads.Init(thread.IdleThread))
	k.softirq = softirq.New(nil)
	k.timer = ktimer.New(16, k.softirq)
	k.kip = kip.New(pools, kip.Config{TickMicros: 1000, MinShift: 8})

	engine := ipc.New(k.threads, k.sched, k.fpages, k.timer, ipc.Config{TickMicros: 1000, KIPAddr: kipAddr})
	k.syscalls = New(Config{
		Threads:    k.threads,
		Sched:      k.sched,
		IPC:        engine,
		Fpages:     k.fpages,
		Timer:      k.timer,
		Softirq:    k.softirq,
		KIP:        k.kip,
		KIPAddr:    kipAddr,
		TickMicros: 1000,
	})

	k.root = k.threads.Init(thread.GlobalID(thread.RootNumber, 0))
	k.threads.Space(k.root, k.root.GlobalID, 0)
	sched.Wake(k.sched, k.root)
	return k
}

// spawn creates a running user thread with its own address space.
func (k *testKernel) spawn(t *testing.T, number uint32) *thread.TCB {
	thr, err := k.threads.Create(thread.GlobalID(number, 0), 0, k.root)
	if err != nil {
		t.Fatal(err)
	}
	k.threads.Space(thr, thr.GlobalID, 0)
	sched.Wake(k.sched, thr)
	return thr
}

// trap issues system call num from thr and runs the syscall softirq.
func (k *testKernel) trap(thr *thread.TCB, num Number, r0, r1, r2, r3 uint32) *[cpu.FrameWords]uint32 {
	thr.Ctx.SVC = uint8(num)
	frame := thr.Frame()
	frame[cpu.REG_R0], frame[cpu.REG_R1], frame[cpu.REG_R2], frame[cpu.REG_R3] = r0, r1, r2, r3
	thr.UTCB.ErrorCode = 0

	k.syscalls.Enter(thr)
	k.softirq.Execute()
	return frame
}

func expectUserError(t *testing.T, thr *thread.TCB, exp thread.UserError) {
	t.Helper()
	if got := thread.UserError(thr.UTCB.ErrorCode); got != exp {
		t.Fatalf("expected error code %d; got %d", exp, got)
	}
}

func TestEnter(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)

	a.Ctx.SVC = uint8(SystemClock)
	k.syscalls.Enter(a)

	if a.State != thread.SVCBlocked || k.sched.Queued(a) {
		t.Fatalf("expected trapped thread to be SVC_BLOCKED and off the ready queue; got %s", a.State)
	}
	if k.syscalls.Pending() != 1 || !k.softirq.Pending(softirq.Syscall) {
		t.Fatal("expected the call to be deferred to the syscall softirq")
	}

	k.softirq.Execute()
	if a.State != thread.Runnable || !k.sched.Queued(a) || k.syscalls.Pending() != 0 {
		t.Fatal("expected the caller to resume once the call ran")
	}
}

func TestDestroyedWhilePending(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)

	a.Ctx.SVC = uint8(SystemClock)
	k.syscalls.Enter(a)
	k.threads.Destroy(a)

	if k.syscalls.Pending() != 0 {
		t.Fatal("expected the destroyed caller to be dropped")
	}
	k.softirq.Execute()
	if k.syscalls.calls[SystemClock] != 0 {
		t.Fatal("expected no call to run for a destroyed thread")
	}
}

func TestKernelInterface(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)

	frame := k.trap(a, KernelInterface, 0, 0, 0, 0)
	if frame[cpu.REG_R0] != kipAddr || frame[cpu.REG_R1] != k.kip.APIVersion || frame[cpu.REG_R3] != kip.KernelID {
		t.Fatalf("unexpected kernel interface results %v", frame[:4])
	}
}

func TestSystemClock(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)

	for i := 0; i < 5; i++ {
		k.timer.Tick()
	}

	frame := k.trap(a, SystemClock, 0, 0, 0, 0)
	if frame[cpu.REG_R0] != 5000 || frame[cpu.REG_R1] != 0 {
		t.Fatalf("expected 5000us; got %d:%d", frame[cpu.REG_R1], frame[cpu.REG_R0])
	}
}

func TestThreadControl(t *testing.T) {
	newID := thread.GlobalID(thread.UserBase+4, 0)

	specs := []struct {
		caller   func(*testKernel) *thread.TCB
		dest     thread.ID
		space    thread.ID
		expError thread.UserError
	}{
		{nil, newID, newID, thread.ErrNone},
		{nil, newID, thread.GlobalID(thread.UserBase, 0), thread.ErrNone},
		{func(k *testKernel) *thread.TCB { return k.threads.ByGlobalID(thread.GlobalID(thread.UserBase, 0)) }, newID, newID, thread.ErrNoPrivilege},
		{nil, thread.GlobalID(thread.RootNumber, 0), thread.GlobalID(thread.RootNumber, 0), thread.ErrInvalidThread},
		{nil, thread.GlobalID(thread.UserBase, 0), thread.GlobalID(thread.UserBase, 0), thread.ErrInvalidThread},
		{nil, newID, thread.GlobalID(thread.UserBase+9, 0), thread.ErrInvalidSpace},
		{nil, thread.AnyThread, newID, thread.ErrInvalidThread},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			k := newTestKernel(t)
			existing := k.spawn(t, thread.UserBase)

			caller := k.root
			if spec.caller != nil {
				caller = spec.caller(k)
			}

			frame := k.trap(caller, ThreadControl, uint32(spec.dest), uint32(spec.space), 0, uint32(k.root.GlobalID))
			expectUserError(t, caller, spec.expError)
			if spec.expError != thread.ErrNone {
				if frame[cpu.REG_R0] != 0 {
					t.Fatal("expected a zero result on failure")
				}
				return
			}

			thr := k.threads.ByGlobalID(spec.dest)
			switch {
			case frame[cpu.REG_R0] != 1:
				t.Fatal("expected a successful result")
			case thr == nil || thr.State != thread.Inactive:
				t.Fatal("expected an inactive thread to be created")
			case thr.UTCB.Pager != k.root.GlobalID:
				t.Fatalf("expected pager %s; got %s", k.root.GlobalID, thr.UTCB.Pager)
			case thr.Parent() != caller:
				t.Fatal("expected the caller to become the parent")
			}

			if spec.space == existing.GlobalID && (thr.Space != existing.Space || existing.Space.Shared != 2) {
				t.Fatal("expected the new thread to join the existing address space")
			}
			if spec.space == spec.dest && (thr.Space == nil || thr.Space == existing.Space) {
				t.Fatal("expected the new thread to get its own address space")
			}
		})
	}
}

func TestThreadControlUTCB(t *testing.T) {
	k := newTestKernel(t)
	if _, err := k.fpages.Assign(k.root.Space, memBase, 0x1000); err != nil {
		t.Fatal(err)
	}

	dest := thread.GlobalID(thread.UserBase, 0)
	k.root.Ctx.Regs[0] = memBase + 0x200
	k.trap(k.root, ThreadControl, uint32(dest), uint32(dest), 0, 0)

	thr := k.threads.ByGlobalID(dest)
	if thr == nil || thr.UTCBAddr != memBase+0x200 {
		t.Fatal("expected thread with UTCB at MR0")
	}
	if !k.fpages.Find(thr.Space, memBase+0x200).Valid() || k.fpages.Find(k.root.Space, memBase+0x200).Valid() {
		t.Fatal("expected the UTCB area to be granted to the new space")
	}

	// A second thread cannot get the same UTCB area.
	other := thread.GlobalID(thread.UserBase+1, 0)
	k.trap(k.root, ThreadControl, uint32(other), uint32(other), 0, 0)
	expectUserError(t, k.root, thread.ErrUTCBArea)
	if k.threads.ByGlobalID(other) != nil {
		t.Fatal("expected the half created thread to be destroyed")
	}
}

func TestThreadControlDestroy(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)
	b := k.spawn(t, thread.UserBase+1)

	// b waits for a message from a; destroying a cancels the receive.
	k.trap(b, IPC, uint32(thread.NilThread), uint32(a.GlobalID), 0, 0)
	if b.State != thread.RecvBlocked {
		t.Fatalf("expected b to wait for a; got %s", b.State)
	}

	frame := k.trap(k.root, ThreadControl, uint32(a.GlobalID), uint32(thread.NilThread), 0, 0)
	if frame[cpu.REG_R0] != 1 || k.threads.ByGlobalID(a.GlobalID) != nil {
		t.Fatal("expected a to be destroyed")
	}
	if b.State != thread.Runnable || b.UTCB.ErrorCode != ipc.ErrorCode(ipc.PhaseRecv, ipc.Canceled) {
		t.Fatal("expected the receive from a to be canceled")
	}

	k.trap(k.root, ThreadControl, uint32(a.GlobalID), uint32(thread.NilThread), 0, 0)
	expectUserError(t, k.root, thread.ErrInvalidThread)
}

func TestExchangeRegisters(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)
	b := k.spawn(t, thread.UserBase+1)
	a.Ctx.SP, a.Frame()[cpu.REG_PC] = 0x20001000, 0x08000100
	a.UTCB.UserDefinedHandle = 0x1234

	k.root.Ctx.Regs[0], k.root.Ctx.Regs[1] = 0x5678, uint32(k.root.GlobalID)
	control := uint32(ExRegsSetSP | ExRegsSetIP | ExRegsSetUserHandle | ExRegsSetPager | ExRegsDeliver)
	frame := k.trap(k.root, ExchangeRegisters, uint32(a.GlobalID), control, 0x20002000, 0x08000200)

	switch {
	case frame[cpu.REG_R0] != uint32(a.GlobalID):
		t.Fatal("expected the target id in r0")
	case frame[cpu.REG_R2] != 0x20001000 || frame[cpu.REG_R3] != 0x08000100:
		t.Fatal("expected the previous sp and ip to be delivered")
	case k.root.Ctx.Regs[0] != 0x1234:
		t.Fatal("expected the previous user handle to be delivered")
	case a.Ctx.SP != 0x20002000 || a.Frame()[cpu.REG_PC] != 0x08000200:
		t.Fatal("expected sp and ip to be updated")
	case a.UTCB.UserDefinedHandle != 0x5678 || a.UTCB.Pager != k.root.GlobalID:
		t.Fatal("expected user handle and pager to be updated")
	}

	// Halt and cancel.
	k.trap(b, IPC, uint32(thread.NilThread), uint32(a.GlobalID), 0, 0)
	k.trap(k.root, ExchangeRegisters, uint32(b.GlobalID), ExRegsCancelRecv, 0, 0)
	if b.State != thread.Runnable || b.UTCB.ErrorCode != ipc.ErrorCode(ipc.PhaseRecv, ipc.Aborted) {
		t.Fatal("expected the receive to be aborted")
	}
	k.trap(k.root, ExchangeRegisters, uint32(b.GlobalID), ExRegsHalt, 0, 0)
	if b.State != thread.Inactive || k.sched.Queued(b) {
		t.Fatal("expected b to be halted")
	}

	// Threads of other spaces are off limits to unprivileged callers.
	k.trap(a, ExchangeRegisters, uint32(b.GlobalID), ExRegsDeliver, 0, 0)
	expectUserError(t, a, thread.ErrNoPrivilege)
	k.trap(a, ExchangeRegisters, uint32(thread.GlobalID(thread.UserBase+9, 0)), 0, 0, 0)
	expectUserError(t, a, thread.ErrInvalidThread)
}

func TestSchedule(t *testing.T) {
	specs := []struct {
		prio     uint32
		expError thread.UserError
	}{
		{5, thread.ErrNone},
		{30, thread.ErrNone},
		{0, thread.ErrInvalidParam},
		{31, thread.ErrInvalidParam},
		{1000, thread.ErrInvalidParam},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			k := newTestKernel(t)
			a := k.spawn(t, thread.UserBase)

			frame := k.trap(k.root, Schedule, uint32(a.GlobalID), 0, 0, spec.prio)
			expectUserError(t, k.root, spec.expError)
			if spec.expError != thread.ErrNone {
				if a.Priority != thread.DefaultPriority {
					t.Fatal("expected priority to stay unchanged")
				}
				return
			}

			if frame[cpu.REG_R1] != uint32(thread.DefaultPriority) {
				t.Fatalf("expected previous priority %d; got %d", thread.DefaultPriority, frame[cpu.REG_R1])
			}
			if a.Priority != uint8(spec.prio) {
				t.Fatalf("expected priority %d; got %d", spec.prio, a.Priority)
			}
			found := false
			for _, thr := range k.sched.Level(uint8(spec.prio)) {
				found = found || thr == a
			}
			if !found {
				t.Fatal("expected the thread to migrate to its new level")
			}
		})
	}
}

func TestScheduleReservedThread(t *testing.T) {
	k := newTestKernel(t)
	prio := k.root.Priority

	k.trap(k.root, Schedule, uint32(k.root.GlobalID), 0, 0, 5)
	expectUserError(t, k.root, thread.ErrInvalidThread)
	if k.root.Priority != prio {
		t.Fatalf("expected priority %d to stay unchanged; got %d", prio, k.root.Priority)
	}
}

func TestThreadSwitch(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)
	b := k.spawn(t, thread.UserBase+1)
	k.sched.SetPriority(k.root, 20)

	k.trap(a, ThreadSwitch, 0, 0, 0, 0)
	if level := k.sched.Level(thread.DefaultPriority); len(level) != 2 || level[0] != b || level[1] != a {
		t.Fatalf("expected a to yield to b; got %v", level)
	}
	if k.sched.Select() != b {
		t.Fatal("expected b to be selected")
	}
}

func TestUnmap(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)
	if _, err := k.fpages.Assign(k.root.Space, memBase, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := k.fpages.MapArea(k.root.Space, a.Space, memBase, 0x400, fpage.ActionMap, fpage.RWX); err != nil {
		t.Fatal(err)
	}

	// Without flush a thread cannot drop what it received by mapping.
	ipc.WriteMR(a, 0, uint32(ipc.MapItem(memBase, false)))
	ipc.WriteMR(a, 1, 0x400)
	frame := k.trap(a, Unmap, 1, 0, 0, 0)
	if frame[cpu.REG_R0] != 0 || !k.fpages.Find(a.Space, memBase).Valid() {
		t.Fatal("expected mapped fpage to stay without flush")
	}

	// The owner revokes the mapping but keeps its own fpage.
	ipc.WriteMR(k.root, 0, memBase)
	ipc.WriteMR(k.root, 1, 0x1000)
	frame = k.trap(k.root, Unmap, 1, 0, 0, 0)
	if frame[cpu.REG_R0] == 0 {
		t.Fatal("expected fpages to be unmapped")
	}
	if k.fpages.Find(a.Space, memBase).Valid() {
		t.Fatal("expected the mapping to be revoked")
	}
	if !k.fpages.Find(k.root.Space, memBase).Valid() {
		t.Fatal("expected the owner to keep its fpage")
	}

	// With flush a receiver drops its mapping.
	k.fpages.MapArea(k.root.Space, a.Space, memBase, 0x400, fpage.ActionMap, fpage.RWX)
	ipc.WriteMR(a, 0, memBase)
	ipc.WriteMR(a, 1, 0x400)
	frame = k.trap(a, Unmap, 1|UnmapFlush, 0, 0, 0)
	if frame[cpu.REG_R0] != 1 || k.fpages.Find(a.Space, memBase).Valid() {
		t.Fatal("expected flush to remove the mapping")
	}

	k.trap(a, Unmap, ipc.MRCount/2+1, 0, 0, 0)
	expectUserError(t, a, thread.ErrInvalidParam)
}

func TestIPC(t *testing.T) {
	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)
	b := k.spawn(t, thread.UserBase+1)

	k.trap(b, IPC, uint32(thread.NilThread), uint32(thread.AnyThread), 0, 0)
	ipc.WriteMR(a, 0, uint32(ipc.MakeTag(0, 0, 1, 0)))
	ipc.WriteMR(a, 1, 0xCAFE)
	k.trap(a, LIPC, uint32(b.GlobalID), uint32(thread.NilThread), 0, 0)

	if a.State != thread.Runnable || b.State != thread.Runnable {
		t.Fatal("expected both threads to resume")
	}
	if ipc.ReadMR(b, 1) != 0xCAFE || b.Frame()[cpu.REG_R0] != uint32(a.GlobalID) {
		t.Fatal("expected the message to be delivered")
	}
}

func TestUnsupported(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	k := newTestKernel(t)
	a := k.spawn(t, thread.UserBase)
	buf.Reset()

	k.trap(a, Number(99), 0, 0, 0, 0)
	k.trap(a, MemoryControl, 0, 0, 0, 0)
	if a.State != thread.Runnable {
		t.Fatal("expected the caller to resume")
	}

	for _, exp := range []string{"unknown system call 99", "MemoryControl is not supported"} {
		if !strings.Contains(buf.String(), exp) {
			t.Fatalf("expected output to contain %q; got %q", exp, buf.String())
		}
	}

	buf.Reset()
	k.syscalls.Dump(&buf)
	if !strings.Contains(buf.String(), "MemoryControl      1") || !strings.Contains(buf.String(), "unknown            1") {
		t.Fatalf("unexpected counters:\n%s", buf.String())
	}
}
