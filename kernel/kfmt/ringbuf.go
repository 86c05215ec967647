package kfmt

import "io"

// ringBufferSize is the capacity of the early print buffer; it must be a
// power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. When
// full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write appends p to the buffer, discarding the oldest data on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	const mask = ringBufferSize - 1

	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & mask
		if rb.wIndex == rb.rIndex {
			rb.rIndex = (rb.rIndex + 1) & mask
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	var n int
	for n < len(p) && rb.rIndex != rb.wIndex {
		// Copy the contiguous run up to the write index or the end
		// of the backing array, whichever comes first.
		end := rb.wIndex
		if end < rb.rIndex {
			end = ringBufferSize
		}

		c := copy(p[n:], rb.buffer[rb.rIndex:end])
		n += c
		rb.rIndex = (rb.rIndex + c) & (ringBufferSize - 1)
	}

	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
