// Package cpu isolates every architecture-specific operation the kernel
// needs behind the Platform interface. The rest of the kernel only calls the
// package-level helpers below, which forward to the active platform.
package cpu

// Indices into Context.Frame. The Cortex-M core stacks these registers on
// exception entry in this order.
const (
	REG_R0 = iota
	REG_R1
	REG_R2
	REG_R3
	REG_R12
	REG_LR
	REG_PC
	REG_XPSR

	FrameWords
)

const (
	// ExcReturnThreadPSP resumes thread mode on the process stack.
	ExcReturnThreadPSP = 0xFFFFFFFD

	// ExcReturnThreadMSP resumes thread mode on the main stack; used by
	// kernel threads.
	ExcReturnThreadMSP = 0xFFFFFFF9

	// XPSRThumb is the thumb state bit which must always be set.
	XPSRThumb = 0x01000000

	// ControlUnprivileged selects the process stack and drops privileges.
	ControlUnprivileged = 0x3

	// FrameSize is the number of bytes the hardware pushes on exception entry.
	FrameSize = FrameWords * 4
)

// Context is the saved execution state of a thread: the callee-saved
// registers r4-r11, the stack pointer, the EXC_RETURN value, the CONTROL
// register and the hardware-stacked exception frame.
type Context struct {
	SP   uint32
	Ret  uint32
	Ctl  uint32
	Regs [8]uint32

	Frame [FrameWords]uint32

	// SVC holds the immediate operand of the last svc instruction
	// executed by the thread. It is decoded by the trap entry.
	SVC uint8
}

// Platform is implemented by each supported architecture.
type Platform interface {
	// SaveContext stores the live register state into ctx.
	SaveContext(ctx *Context)

	// RestoreContext loads ctx into the live register state.
	RestoreContext(ctx *Context)

	// FindHighestPriorityBit returns the number of leading zero bits in
	// bitmap (32 if bitmap is zero).
	FindHighestPriorityBit(bitmap uint32) int

	// DisableInterrupts masks interrupts and returns true if they were
	// enabled before the call.
	DisableInterrupts() bool

	// RestoreInterrupts re-enables interrupts if enabled is true.
	RestoreInterrupts(enabled bool)

	// WriteMPURegion programs MPU slot n with the supplied RBAR/RASR pair.
	WriteMPURegion(n int, rbar, rasr uint32)

	// EnableMPU globally gates MPU enforcement.
	EnableMPU(enable bool)

	// Halt stops instruction execution.
	Halt()
}

var active Platform = NewGeneric()

// SetPlatform installs p as the active platform.
func SetPlatform(p Platform) { active = p }

// Active returns the active platform.
func Active() Platform { return active }

// DisableInterrupts masks interrupts on the active platform.
func DisableInterrupts() bool { return active.DisableInterrupts() }

// RestoreInterrupts restores the interrupt state returned by DisableInterrupts.
func RestoreInterrupts(enabled bool) { active.RestoreInterrupts(enabled) }

// CLZ counts the leading zeros of v.
func CLZ(v uint32) int { return active.FindHighestPriorityBit(v) }

// Halt stops the CPU.
func Halt() { active.Halt() }
