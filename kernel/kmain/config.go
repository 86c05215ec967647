package kmain

import (
	"strconv"
	"strings"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
)

var (
	errBadScheduler = &kernel.Error{Module: "kmain", Message: "sched must be prio or rr"}
	errBadNumber    = &kernel.Error{Module: "kmain", Message: "invalid numeric boot option"}
	errBadDebug     = &kernel.Error{Module: "kmain", Message: "unknown debug level"}
	errBadRegions   = &kernel.Error{Module: "kmain", Message: "mpu_regions must be between 4 and 16"}
)

// Config holds the boot options.
type Config struct {
	// Board names the target board.
	Board string

	// Sched selects the scheduler: "prio" or "rr".
	Sched string

	// MPURegions is the number of MPU slots the projector drives.
	MPURegions int

	// Capacities of the kernel object tables.
	Threads  int
	Fpages   int
	KTEvents int

	// TickMicros is the length of a timer tick.
	TickMicros uint32

	// IPCPump is the period of the IPC delivery pump in ticks.
	IPCPump uint32

	// Timeslice is the round-robin timeslice in ticks.
	Timeslice uint32

	Debug kfmt.DebugLevel
}

// DefaultConfig returns the options used when the command line is empty.
func DefaultConfig() *Config {
	return &Config{
		Sched:      "prio",
		MPURegions: 8,
		Threads:    32,
		Fpages:     256,
		KTEvents:   64,
		TickMicros: 1000,
		IPCPump:    64,
		Timeslice:  10,
	}
}

// ParseCmdLine splits a boot command line into key/value pairs. A bare
// key (e.g. "nofoo") maps to itself.
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		parts := strings.Split(pair, "=")
		switch len(parts) {
		case 2: // foo=bar
			kv[parts[0]] = parts[1]
		case 1: // nofoo
			kv[parts[0]] = parts[0]
		}
	}
	return kv
}

// NewConfig applies the options in kv on top of the defaults. Unknown keys
// are ignored.
func NewConfig(kv map[string]string) (*Config, *kernel.Error) {
	cfg := DefaultConfig()

	for key, value := range kv {
		var err *kernel.Error
		switch key {
		case "board":
			cfg.Board = value
		case "sched":
			if value != "prio" && value != "rr" {
				err = errBadScheduler
			}
			cfg.Sched = value
		case "mpu_regions":
			if cfg.MPURegions, err = parseInt(value); err == nil && (cfg.MPURegions < 4 || cfg.MPURegions > 16) {
				err = errBadRegions
			}
		case "threads":
			cfg.Threads, err = parseInt(value)
		case "fpages":
			cfg.Fpages, err = parseInt(value)
		case "kt_events":
			cfg.KTEvents, err = parseInt(value)
		case "tick_us":
			if cfg.TickMicros, err = parseUint32(value); err == nil && cfg.TickMicros == 0 {
				err = errBadNumber
			}
		case "ipc_pump":
			cfg.IPCPump, err = parseUint32(value)
		case "timeslice":
			cfg.Timeslice, err = parseUint32(value)
		case "debug":
			var bad []string
			if cfg.Debug, bad = kfmt.ParseDebugLevel(value); len(bad) != 0 {
				err = errBadDebug
			}
		}

		if err != nil {
			kfmt.Printf("[kmain] boot option %s=%s: %s\n", key, value, err.Message)
			return nil, err
		}
	}

	return cfg, nil
}

func parseInt(value string) (int, *kernel.Error) {
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		return 0, errBadNumber
	}
	return v, nil
}

func parseUint32(value string) (uint32, *kernel.Error) {
	v, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		return 0, errBadNumber
	}
	return uint32(v), nil
}
