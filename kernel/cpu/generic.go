package cpu

import "math/bits"

// MaxMPURegions is the largest number of MPU slots the generic platform
// can emulate.
const MaxMPURegions = 16

// MPURegion is the raw register pair of one emulated MPU slot.
type MPURegion struct {
	RBAR, RASR uint32
}

// Generic is a portable Platform that models a single Cortex-M core in
// memory. It is used when the kernel runs hosted and by tests. Like the
// hardware it stands in for, it must be driven by a single goroutine.
type Generic struct {
	irqEnabled bool
	halted     bool

	// Live holds the register state of the running thread.
	Live Context

	mpuEnabled bool
	mpu        [MaxMPURegions]MPURegion

	// haltFn is invoked by Halt; by default it blocks forever.
	haltFn func()
}

// NewGeneric returns a generic platform with interrupts enabled.
func NewGeneric() *Generic {
	return &Generic{
		irqEnabled: true,
		haltFn:     func() { select {} },
	}
}

// SaveContext implements Platform.
func (g *Generic) SaveContext(ctx *Context) { *ctx = g.Live }

// RestoreContext implements Platform.
func (g *Generic) RestoreContext(ctx *Context) { g.Live = *ctx }

// FindHighestPriorityBit implements Platform.
func (g *Generic) FindHighestPriorityBit(bitmap uint32) int {
	return bits.LeadingZeros32(bitmap)
}

// DisableInterrupts implements Platform.
func (g *Generic) DisableInterrupts() bool {
	prev := g.irqEnabled
	g.irqEnabled = false
	return prev
}

// RestoreInterrupts implements Platform.
func (g *Generic) RestoreInterrupts(enabled bool) {
	if enabled {
		g.irqEnabled = true
	}
}

// InterruptsEnabled reports whether interrupts are currently unmasked.
func (g *Generic) InterruptsEnabled() bool { return g.irqEnabled }

// WriteMPURegion implements Platform.
func (g *Generic) WriteMPURegion(n int, rbar, rasr uint32) {
	if n < 0 || n >= MaxMPURegions {
		return
	}
	g.mpu[n] = MPURegion{RBAR: rbar, RASR: rasr}
}

// MPURegion returns the register pair last written to slot n.
func (g *Generic) MPURegion(n int) MPURegion { return g.mpu[n] }

// EnableMPU implements Platform.
func (g *Generic) EnableMPU(enable bool) { g.mpuEnabled = enable }

// MPUEnabled reports whether MPU enforcement is on.
func (g *Generic) MPUEnabled() bool { return g.mpuEnabled }

// Halt implements Platform.
func (g *Generic) Halt() {
	g.halted = true
	g.irqEnabled = false
	g.haltFn()
}

// Halted reports whether Halt was called.
func (g *Generic) Halted() bool { return g.halted }

// SetHaltFn overrides what happens after the platform halts. Hosted
// harnesses use it to stop instead of blocking forever.
func (g *Generic) SetHaltFn(fn func()) { g.haltFn = fn }
