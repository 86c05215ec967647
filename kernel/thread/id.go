package thread

import "fmt"

// ID is an L4 global thread id: the thread number in the upper 18 bits and
// a version in the lower 14.
type ID uint32

const (
	// NilThread names no thread.
	NilThread ID = 0

	// AnyThread matches every thread in a receive phase.
	AnyThread ID = 0xFFFFFFFF

	versionBits = 14
	versionMask = 1<<versionBits - 1
)

// IdleThread is the global id of the idle thread. Its version is 1 so the
// id never equals NilThread.
const IdleThread = ID(IdleNumber<<versionBits | 1)

// Reserved thread numbers.
const (
	IdleNumber uint32 = iota
	KernelNumber
	RootNumber
	InterruptNumber
	IRQRequestNumber
	LogNumber

	// SystemBase is the first number available to system threads.
	SystemBase uint32 = 16

	// UserBase is the first number available to user threads.
	UserBase uint32 = 32
)

// GlobalID builds a global id from a thread number and version.
func GlobalID(number, version uint32) ID {
	return ID(number<<versionBits | version&versionMask)
}

// Number returns the thread number of id.
func (id ID) Number() uint32 { return uint32(id) >> versionBits }

// Version returns the version field of id.
func (id ID) Version() uint32 { return uint32(id) & versionMask }

// SameThread returns true if id and other name the same thread number.
func (id ID) SameThread(other ID) bool { return id.Number() == other.Number() }

// String implements fmt.Stringer.
func (id ID) String() string {
	switch id {
	case NilThread:
		return "nil"
	case AnyThread:
		return "any"
	}

	switch id.Number() {
	case IdleNumber:
		return "idle"
	case KernelNumber:
		return "kernel"
	case RootNumber:
		return "root"
	case InterruptNumber:
		return "interrupt"
	case IRQRequestNumber:
		return "irq_request"
	case LogNumber:
		return "log"
	}
	return fmt.Sprintf("%d.%d", id.Number(), id.Version())
}

// State is the scheduling state of a thread.
type State uint8

// Thread states.
const (
	// Free marks an unused table slot.
	Free State = iota
	Inactive
	Runnable
	SVCBlocked
	RecvBlocked
	SendBlocked
)

var stateNames = []string{"FREE", "INACTIVE", "RUNNABLE", "SVC_BLOCKED", "RECV_BLOCKED", "SEND_BLOCKED"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// UserError is an error code reported to user space through the UTCB by
// the thread management system calls.
type UserError uint32

// Thread management error codes.
const (
	ErrNone UserError = iota
	ErrNoPrivilege
	ErrInvalidThread
	ErrInvalidSpace
	ErrInvalidScheduler
	ErrInvalidParam
	ErrUTCBArea
	ErrKIPArea
	ErrNoMem
)
