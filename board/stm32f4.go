package board

import "github.com/f9micro/f9-kernel-sub002/kernel/mem"

// Kernel and user memory carve-up shared by the STM32F4 boards. The flash
// and SRAM pools differ between parts; the peripheral buses do not.
var stm32f4Devices = []mem.Pool{
	{Name: "apb1dev", Start: 0x40000000, End: 0x40008000, Flags: mem.KernelRW | mem.UserRW, Tag: mem.TagDevices},
	{Name: "apb2dev", Start: 0x40010000, End: 0x40015800, Flags: mem.KernelRW | mem.UserRW, Tag: mem.TagDevices},
	{Name: "ahb1dev", Start: 0x40020000, End: 0x40080000, Flags: mem.KernelRW | mem.UserRW, Tag: mem.TagDevices},
	{Name: "ahb2dev", Start: 0x50000000, End: 0x50061000, Flags: mem.KernelRW | mem.UserRW, Tag: mem.TagDevices},
}

func stm32f4Pools(flashEnd, sramEnd uint32) []mem.Pool {
	pools := []mem.Pool{
		{Name: "ktext", Start: 0x08000000, End: 0x08010000, Flags: mem.KernelRead | mem.KernelExec, Tag: mem.TagKernelText},
		{Name: RootTextPool, Start: 0x08010000, End: 0x08020000, Flags: mem.KernelRead | mem.UserRead | mem.UserExec | mem.MapAlways, Tag: mem.TagUserText},
		{Name: "flash", Start: 0x08020000, End: flashEnd, Flags: mem.KernelRead | mem.UserRead | mem.UserExec, Tag: mem.TagAvailable},
		{Name: "ccm", Start: 0x10000000, End: 0x10010000, Flags: mem.KernelRW, Tag: mem.TagKernelData},
		{Name: KIPPool, Start: 0x20000000, End: 0x20000200, Flags: mem.KernelRW | mem.UserRead | mem.MapAlways, Tag: mem.TagKernelData},
		{Name: "kdata", Start: 0x20000200, End: 0x20004000, Flags: mem.KernelRW, Tag: mem.TagKernelData},
		{Name: RootDataPool, Start: 0x20004000, End: 0x20008000, Flags: mem.KernelRW | mem.UserRW | mem.MapAlways, Tag: mem.TagUserData},
		{Name: "mem0", Start: 0x20008000, End: sramEnd, Flags: mem.KernelRW | mem.UserRW | mem.Dynamic, Tag: mem.TagAvailable},
	}
	return append(pools, stm32f4Devices...)
}

func init() {
	Register(&Info{
		Order: 0,
		Name:  "stm32f4discovery",
		Probe: func() *Board {
			return &Board{
				Name:       "stm32f4discovery",
				Pools:      stm32f4Pools(0x08100000, 0x20020000),
				MinShift:   8,
				MPURegions: 8,
				CmdLine:    "sched=prio",
			}
		},
	})
	Register(&Info{
		Order: 1,
		Name:  "stm32f429i-disc1",
		Probe: func() *Board {
			return &Board{
				Name:       "stm32f429i-disc1",
				Pools:      stm32f4Pools(0x08200000, 0x20030000),
				MinShift:   8,
				MPURegions: 8,
				CmdLine:    "sched=prio",
			}
		},
	})
}
