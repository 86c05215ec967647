package kmain

import (
	"github.com/f9micro/f9-kernel-sub002/board"
	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// BootFromCmdLine resolves the board named on cmdLine (or the default
// board) and boots it. Options on cmdLine override the board's defaults.
func BootFromCmdLine(cmdLine string) (*Kernel, *kernel.Error) {
	kv := ParseCmdLine(cmdLine)

	b := board.Default()
	if name, ok := kv["board"]; ok {
		b = board.ByName(name)
	}
	if b == nil {
		return nil, errNoBoard
	}

	cfg, err := NewConfig(ParseCmdLine(b.CmdLine + " " + cmdLine))
	if err != nil {
		return nil, err
	}
	cfg.Board = b.Name

	return Boot(cfg, b)
}

// Kmain is invoked by the reset handler once the kernel data and bss
// sections are in place. It boots the kernel and dispatches the first
// thread; from then on the kernel only runs in exception context.
//
// Kmain is not expected to return. If it does, the CPU is halted.
//
//go:noinline
func Kmain(cmdLine string) {
	defer trap()

	k, err := BootFromCmdLine(cmdLine)
	if err != nil {
		panic(err)
	}
	k.Schedule()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
