package kfmt

import "strings"

// DebugLevel selects a class of debug trace output.
type DebugLevel uint32

// Debug levels, one per kernel subsystem.
const (
	DL_KTABLE DebugLevel = 1 << iota
	DL_SOFTIRQ
	DL_THREAD
	DL_SCHED
	DL_MEMORY
	DL_MPU
	DL_IPC
	DL_SYSCALL
	DL_KTIMER

	DL_NONE DebugLevel = 0
	DL_ALL  DebugLevel = 0xFFFFFFFF
)

var (
	debugLevel DebugLevel

	debugLevelNames = map[string]DebugLevel{
		"ktable":  DL_KTABLE,
		"softirq": DL_SOFTIRQ,
		"thread":  DL_THREAD,
		"sched":   DL_SCHED,
		"memory":  DL_MEMORY,
		"mpu":     DL_MPU,
		"ipc":     DL_IPC,
		"syscall": DL_SYSCALL,
		"ktimer":  DL_KTIMER,
		"all":     DL_ALL,
	}
)

// SetDebugLevel replaces the set of enabled debug levels.
func SetDebugLevel(level DebugLevel) { debugLevel = level }

// ParseDebugLevel converts a comma separated list of level names (e.g.
// "ipc,sched") into a DebugLevel mask. Unknown names are returned in bad.
func ParseDebugLevel(list string) (level DebugLevel, bad []string) {
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		l, ok := debugLevelNames[name]
		if !ok {
			bad = append(bad, name)
			continue
		}
		level |= l
	}
	return level, bad
}

// Debugf behaves like Printf but only emits output if level is enabled.
func Debugf(level DebugLevel, format string, args ...interface{}) {
	if debugLevel&level == 0 {
		return
	}
	Printf(format, args...)
}
