package ipc

// Time is an L4 16-bit time value. A period (bit 15 clear) encodes
// m<<e microseconds with e:5 and m:10; a point (bit 15 set) encodes an
// absolute clock value with e:4, a carry bit c and m:10.
type Time uint16

const (
	// Never blocks forever.
	Never Time = 0

	// Zero never blocks.
	Zero Time = 0x0400

	timePoint = 0x8000
)

// Period returns the shortest period that is at least us microseconds.
func Period(us uint32) Time {
	if us == 0 {
		return Zero
	}

	var e uint32
	for us>>e >= 1<<10 {
		e++
	}
	m := us >> e
	if m<<e < us {
		m++
		if m == 1<<10 {
			m >>= 1
			e++
		}
	}
	return Time(e<<10 | m)
}

// IsPoint returns true for absolute time values.
func (t Time) IsPoint() bool { return t&timePoint != 0 }

// Micros returns how long t lasts from now (in microseconds), given the
// current kernel clock in microseconds. never is true for Never.
func (t Time) Micros(now uint64) (us uint64, never bool) {
	if t == Never {
		return 0, true
	}

	if !t.IsPoint() {
		e := uint64(t>>10) & 0x1F
		m := uint64(t) & 0x3FF
		return m << e, false
	}

	e := uint64(t>>11) & 0xF
	c := uint64(t>>10) & 0x1
	m := uint64(t) & 0x3FF

	// The point names the next instant whose clock bits [e, e+10] equal
	// c:m.
	window := uint64(1) << (e + 11)
	at := now&^(window-1) | c<<(e+10) | m<<e
	if at < now {
		at += window
	}
	return at - now, false
}

// Ticks converts t into kernel timer ticks of tickUs microseconds. A
// non-zero duration lasts at least one tick.
func (t Time) Ticks(nowTicks uint64, tickUs uint32) (ticks uint64, never bool) {
	us, never := t.Micros(nowTicks * uint64(tickUs))
	if never || us == 0 {
		return 0, never
	}
	return (us + uint64(tickUs) - 1) / uint64(tickUs), false
}

// SendTimeout extracts the send phase timeout from a timeout word.
func SendTimeout(word uint32) Time { return Time(word >> 16) }

// RecvTimeout extracts the receive phase timeout from a timeout word.
func RecvTimeout(word uint32) Time { return Time(word) }

// Timeouts packs send and receive timeouts into a timeout word.
func Timeouts(send, recv Time) uint32 { return uint32(send)<<16 | uint32(recv) }
