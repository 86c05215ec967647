package thread

import (
	"encoding/binary"

	"github.com/f9micro/f9-kernel-sub002/kernel"
)

const (
	// UTCBSize is the size of the user thread control block in bytes.
	UTCBSize = 128

	// UTCBMessageRegs is the number of message registers spilled into
	// the UTCB (MR8-MR15).
	UTCBMessageRegs = 8

	// UTCBBufferRegs is the number of buffer registers.
	UTCBBufferRegs = 8
)

var errUTCBSize = &kernel.Error{Module: "thread", Message: "UTCB image must be 128 bytes"}

// UTCB is the per-thread area shared between the kernel and user space. Its
// binary layout is part of the user ABI; fields may only be appended.
type UTCB struct {
	GlobalID          ID
	ProcessorNo       uint32
	UserDefinedHandle uint32
	Pager             ID
	ExceptionHandler  uint32
	Flags             uint8
	XferTimeouts      uint8
	ErrorCode         uint32
	IntendedReceiver  ID
	Sender            ID
	ThreadWord1       uint32
	ThreadWord2       uint32
	MR                [UTCBMessageRegs]uint32
	BR                [UTCBBufferRegs]uint32
}

// MarshalBinary returns the little endian image of u as seen by user space.
func (u *UTCB) MarshalBinary() ([]byte, error) {
	buf := make([]byte, UTCBSize)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], uint32(u.GlobalID))
	le.PutUint32(buf[4:], u.ProcessorNo)
	le.PutUint32(buf[8:], u.UserDefinedHandle)
	le.PutUint32(buf[12:], uint32(u.Pager))
	le.PutUint32(buf[16:], u.ExceptionHandler)
	buf[20] = u.Flags
	buf[21] = u.XferTimeouts
	le.PutUint32(buf[24:], u.ErrorCode)
	le.PutUint32(buf[28:], uint32(u.IntendedReceiver))
	le.PutUint32(buf[32:], uint32(u.Sender))
	le.PutUint32(buf[36:], u.ThreadWord1)
	le.PutUint32(buf[40:], u.ThreadWord2)
	for i, mr := range u.MR {
		le.PutUint32(buf[44+4*i:], mr)
	}
	for i, br := range u.BR {
		le.PutUint32(buf[76+4*i:], br)
	}
	// buf[108:128] is reserved.
	return buf, nil
}

// UnmarshalBinary loads u from a user space image.
func (u *UTCB) UnmarshalBinary(data []byte) error {
	if len(data) != UTCBSize {
		return errUTCBSize
	}
	le := binary.LittleEndian

	u.GlobalID = ID(le.Uint32(data[0:]))
	u.ProcessorNo = le.Uint32(data[4:])
	u.UserDefinedHandle = le.Uint32(data[8:])
	u.Pager = ID(le.Uint32(data[12:]))
	u.ExceptionHandler = le.Uint32(data[16:])
	u.Flags = data[20]
	u.XferTimeouts = data[21]
	u.ErrorCode = le.Uint32(data[24:])
	u.IntendedReceiver = ID(le.Uint32(data[28:]))
	u.Sender = ID(le.Uint32(data[32:]))
	u.ThreadWord1 = le.Uint32(data[36:])
	u.ThreadWord2 = le.Uint32(data[40:])
	for i := range u.MR {
		u.MR[i] = le.Uint32(data[44+4*i:])
	}
	for i := range u.BR {
		u.BR[i] = le.Uint32(data[76+4*i:])
	}
	return nil
}
