package mem

// Size represents a memory block size in bytes.
type Size uint32

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
)

// Shift returns the smallest shift value s such that 1<<s >= size.
func (s Size) Shift() uint8 {
	var shift uint8
	for Size(1)<<shift < s {
		shift++
	}
	return shift
}

// AlignDown rounds addr down to a multiple of 1<<shift.
func AlignDown(addr uint32, shift uint8) uint32 {
	return addr &^ (1<<shift - 1)
}

// AlignUp rounds addr up to a multiple of 1<<shift.
func AlignUp(addr uint32, shift uint8) uint32 {
	return (addr + 1<<shift - 1) &^ (1<<shift - 1)
}
