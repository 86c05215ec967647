package kmain

import (
	"bytes"
	"io"

	"github.com/f9micro/f9-kernel-sub002/board"
	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/driver/tty"
	"github.com/f9micro/f9-kernel-sub002/kernel/ipc"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/kip"
	"github.com/f9micro/f9-kernel-sub002/kernel/ktimer"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/mpu"
	"github.com/f9micro/f9-kernel-sub002/kernel/sched"
	"github.com/f9micro/f9-kernel-sub002/kernel/softirq"
	"github.com/f9micro/f9-kernel-sub002/kernel/syscall"
	"github.com/f9micro/f9-kernel-sub002/kernel/thread"
)

const (
	// rootStackSize is carved from the top of the root data pool.
	rootStackSize = 2 * mem.Kb

	consoleWidth = 80
)

var (
	errNoBoard       = &kernel.Error{Module: "kmain", Message: "unknown board"}
	errTooFewThreads = &kernel.Error{Module: "kmain", Message: "thread table cannot hold the boot threads"}
	errKIPTooLarge   = &kernel.Error{Module: "kmain", Message: "kernel information page does not fit its pool"}
)

// Kernel ties the kernel subsystems together.
type Kernel struct {
	Config *Config
	Board  *board.Board

	Pools    *mem.Table
	Fpages   *fpage.Manager
	MPU      *mpu.Projector
	Threads  *thread.Table
	Sched    sched.Scheduler
	Softirq  *softirq.Dispatcher
	Timer    *ktimer.Queue
	IPC      *ipc.Engine
	Syscalls *syscall.Dispatcher
	KIP      *kip.KIP

	// KIPAddr is where the information page is mapped in every address
	// space; KIPImage is its content.
	KIPAddr  uint32
	KIPImage []byte

	Idle, KernelThread, Root *thread.TCB
}

type bootStep struct {
	name string
	init func(w io.Writer) *kernel.Error
}

// Boot initializes every subsystem for board b. Kernel output is redirected
// to the board console, if any, and each step logs through a writer
// prefixed with the name of the subsystem it sets up.
func Boot(cfg *Config, b *board.Board) (*Kernel, *kernel.Error) {
	if b == nil {
		return nil, errNoBoard
	}
	if b.Console != nil {
		kfmt.SetOutputSink(tty.NewSerial(b.Console, consoleWidth))
	}
	kfmt.SetDebugLevel(cfg.Debug)

	k := &Kernel{Config: cfg, Board: b}
	steps := []bootStep{
		{"mem", k.initMem},
		{"fpage", k.initFpages},
		{"mpu", k.initMPU},
		{"softirq", k.initSoftirq},
		{"ktimer", k.initTimer},
		{"thread", k.initThreads},
		{"kip", k.initKIP},
		{"sched", k.initSched},
		{"ipc", k.initIPC},
		{"syscall", k.initSyscalls},
		{"root", k.initRoot},
	}

	var (
		w      = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}
		strBuf bytes.Buffer
	)
	for _, step := range steps {
		strBuf.Reset()
		kfmt.Fprintf(&strBuf, "[kmain] %s: ", step.name)
		w.Prefix = strBuf.Bytes()

		if err := step.init(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			return nil, err
		}
	}

	kfmt.SetPanicDump(k.dumpCurrent)
	return k, nil
}

func (k *Kernel) initMem(w io.Writer) *kernel.Error {
	pools, err := k.Board.PoolTable()
	if err != nil {
		return err
	}
	k.Pools = pools

	kfmt.Fprintf(w, "%s: %d pools\n", k.Board.Name, pools.Len())
	pools.Each(func(id mem.PoolID, p *mem.Pool) {
		kfmt.Debugf(kfmt.DL_MEMORY, "[kmain] pool %2d %-8s [0x%08x, 0x%08x) %s\n", id, p.Name, p.Start, p.End, p.Tag)
	})
	return nil
}

func (k *Kernel) initFpages(w io.Writer) *kernel.Error {
	k.Fpages = fpage.NewManager(k.Pools, k.Config.Fpages, k.Config.Threads+1, k.Board.MinShift)
	kfmt.Fprintf(w, "%d fpages, %d bytes minimum\n", k.Config.Fpages, 1<<k.Board.MinShift)
	return nil
}

func (k *Kernel) initMPU(w io.Writer) *kernel.Error {
	regions := k.Config.MPURegions
	if regions > k.Board.MPURegions {
		kfmt.Fprintf(w, "board has %d regions; ignoring mpu_regions=%d\n", k.Board.MPURegions, regions)
		regions = k.Board.MPURegions
	}
	k.MPU = mpu.New(k.Fpages, regions)
	k.MPU.Enable()
	kfmt.Fprintf(w, "%d regions\n", regions)
	return nil
}

func (k *Kernel) initSoftirq(w io.Writer) *kernel.Error {
	k.Softirq = softirq.New(k)
	return nil
}

func (k *Kernel) initTimer(w io.Writer) *kernel.Error {
	k.Timer = ktimer.New(k.Config.KTEvents, k.Softirq)
	kfmt.Fprintf(w, "%d events, %d us/tick\n", k.Config.KTEvents, k.Config.TickMicros)
	return nil
}

func (k *Kernel) initThreads(w io.Writer) *kernel.Error {
	if k.Config.Threads < 3 {
		return errTooFewThreads
	}

	k.Threads = thread.NewTable(k.Config.Threads, k.Fpages)
	k.Idle = k.Threads.Init(thread.IdleThread)
	k.KernelThread = k.Threads.Init(thread.GlobalID(thread.KernelNumber, 0))
	k.KernelThread.Priority = sched.KernelPriority

	kfmt.Fprintf(w, "%d TCBs\n", k.Config.Threads)
	return nil
}

// initKIP builds the information page and places it in a single fpage of
// the KIP pool, owned by a space that is never dispatched. Every address
// space created later maps it.
func (k *Kernel) initKIP(w io.Writer) *kernel.Error {
	k.KIP = kip.New(k.Pools, kip.Config{TickMicros: k.Config.TickMicros, MinShift: k.Board.MinShift})
	k.KIPImage, _ = k.KIP.MarshalBinary()

	_, pool := k.Pools.ByName(board.KIPPool)
	shift := k.KIP.Size().Shift()
	if shift < k.Board.MinShift {
		shift = k.Board.MinShift
	}
	if mem.Size(1)<<shift > pool.Size() {
		return errKIPTooLarge
	}

	space, err := k.Fpages.CreateSpace(uint32(k.KernelThread.GlobalID))
	if err != nil {
		return err
	}
	h, err := k.Fpages.Assign(space, pool.Start, mem.Size(1)<<shift)
	if err != nil {
		return err
	}
	k.Threads.SetKIP(space, h)
	k.KIPAddr = pool.Start

	kfmt.Fprintf(w, "%d bytes at 0x%08x\n", len(k.KIPImage), k.KIPAddr)
	return nil
}

func (k *Kernel) initSched(w io.Writer) *kernel.Error {
	k.Sched = sched.New(k.Config.Sched, k.Idle, sched.Timeslice{Timer: k.Timer, Ticks: k.Config.Timeslice})
	k.Threads.OnDestroy(func(thr *thread.TCB) {
		sched.Block(k.Sched, thr, thread.Inactive)
	})
	sched.Wake(k.Sched, k.KernelThread)
	kfmt.Fprintf(w, "%s\n", k.Config.Sched)
	return nil
}

func (k *Kernel) initIPC(w io.Writer) *kernel.Error {
	k.IPC = ipc.New(k.Threads, k.Sched, k.Fpages, k.Timer, ipc.Config{
		TickMicros:   k.Config.TickMicros,
		PumpInterval: k.Config.IPCPump,
		KIPAddr:      k.KIPAddr,
	})
	kfmt.Fprintf(w, "delivery pump every %d ticks\n", k.Config.IPCPump)
	return nil
}

func (k *Kernel) initSyscalls(w io.Writer) *kernel.Error {
	k.Syscalls = syscall.New(syscall.Config{
		Threads:    k.Threads,
		Sched:      k.Sched,
		IPC:        k.IPC,
		Fpages:     k.Fpages,
		Timer:      k.Timer,
		Softirq:    k.Softirq,
		KIP:        k.KIP,
		KIPAddr:    k.KIPAddr,
		TickMicros: k.Config.TickMicros,
	})
	return nil
}

// initRoot creates the root thread. It owns every user accessible pool,
// runs from the start of the root text pool and keeps its UTCB at the
// bottom and its stack at the top of the root data pool.
func (k *Kernel) initRoot(w io.Writer) *kernel.Error {
	root := k.Threads.Init(thread.GlobalID(thread.RootNumber, 0))
	if err := k.Threads.Space(root, root.GlobalID, 0); err != nil {
		return err
	}

	var err *kernel.Error
	k.Pools.Each(func(_ mem.PoolID, p *mem.Pool) {
		if err != nil || p.Name == board.KIPPool || p.Flags&(mem.UserRead|mem.UserWrite|mem.UserExec) == 0 {
			return
		}
		_, err = k.Fpages.Assign(root.Space, p.Start, p.Size())
	})
	if err != nil {
		return err
	}

	_, text := k.Pools.ByName(board.RootTextPool)
	_, data := k.Pools.ByName(board.RootDataPool)

	root.UTCBAddr = data.Start
	root.InitContext(data.End, text.Start|1, &[4]uint32{k.KIPAddr, root.UTCBAddr, 0, 0})
	root.StackBase = data.End - uint32(rootStackSize)
	root.StackSize = rootStackSize
	sched.Wake(k.Sched, root)
	k.Root = root

	kfmt.Fprintf(w, "%s pc=0x%08x sp=0x%08x, %d fpages\n", root.GlobalID, text.Start|1, root.Ctx.SP, root.Space.Len())
	return nil
}

// Wake implements softirq.KernelThread.
func (k *Kernel) Wake() {
	if k.Sched != nil && k.KernelThread != nil {
		sched.Wake(k.Sched, k.KernelThread)
	}
}

// Sleep implements softirq.KernelThread.
func (k *Kernel) Sleep() {
	if k.Sched != nil && k.KernelThread != nil {
		sched.Block(k.Sched, k.KernelThread, thread.Inactive)
	}
}

// Dump writes the state of every subsystem to w.
func (k *Kernel) Dump(w io.Writer) {
	k.KIP.Dump(w)
	kfmt.Fprintf(w, "\nthreads:\n")
	k.Threads.Dump(w)
	kfmt.Fprintf(w, "\nsoftirq:\n")
	k.Softirq.Dump(w)
	kfmt.Fprintf(w, "\nktimer:\n")
	k.Timer.Dump(w)
	kfmt.Fprintf(w, "\nsyscalls:\n")
	k.Syscalls.Dump(w)
}

// dumpCurrent prints the running thread when the kernel panics.
func (k *Kernel) dumpCurrent() {
	cur := k.Threads.Current()
	if cur == nil {
		return
	}

	w := kfmt.GetOutputSink()
	f := cur.Frame()
	kfmt.Fprintf(w, "current thread: %s (%s)\n", cur.GlobalID, cur.State)
	kfmt.Fprintf(w, "r0=%08x r1=%08x r2=%08x r3=%08x\n", f[0], f[1], f[2], f[3])
	kfmt.Fprintf(w, "r12=%08x lr=%08x pc=%08x xpsr=%08x sp=%08x\n", f[4], f[5], f[6], f[7], cur.Ctx.SP)
	if cur.Space != nil {
		k.Fpages.Dump(w, cur.Space)
		k.MPU.Dump(w, cur.Space)
	}
}
