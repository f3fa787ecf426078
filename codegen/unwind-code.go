package codegen

import (
	"encoding/binary"
	"fmt"
)

// Binary unwind records consumed by the host OS exception dispatcher.  The
// layout is fixed by the Microsoft x64 ABI and must match byte for byte.
//
// https://learn.microsoft.com/en-us/cpp/build/exception-handling-x64

type UnwindOp uint8

const (
	UnwindOpPushNonvolatile  = UnwindOp(0)
	UnwindOpAllocLarge       = UnwindOp(1)
	UnwindOpAllocSmall       = UnwindOp(2)
	UnwindOpSetFrameRegister = UnwindOp(3)
	UnwindOpSaveNonvolatile  = UnwindOp(4)
	UnwindOpSaveXmm128       = UnwindOp(8)
)

var unwindOpNames = map[UnwindOp]string{
	UnwindOpPushNonvolatile:  "push-nonvol",
	UnwindOpAllocLarge:       "alloc-large",
	UnwindOpAllocSmall:       "alloc-small",
	UnwindOpSetFrameRegister: "set-frame-register",
	UnwindOpSaveNonvolatile:  "save-nonvol",
	UnwindOpSaveXmm128:       "save-xmm128",
}

func (op UnwindOp) String() string {
	name, ok := unwindOpNames[op]
	if !ok {
		return fmt.Sprintf("unwind-op-%d", int(op))
	}
	return name
}

// A single fixed-size unwind table entry.  The same 16 bits are either an
// (offset, op, info) triple or, for the trailing slot of a two-slot record,
// a raw value.
//
// bits 0-7:   prolog byte offset at which the instruction ends
// bits 8-11:  operation
// bits 12-15: operation info
type UnwindCode uint16

func NewUnwindCode(codeOffset uint8, op UnwindOp, opInfo uint8) UnwindCode {
	if op > 0x0f {
		panic("invalid unwind op")
	}
	if opInfo > 0x0f {
		panic("unwind op info out of range")
	}
	return UnwindCode(uint16(codeOffset) |
		uint16(op)<<8 |
		uint16(opInfo)<<12)
}

// The trailing slot of a two-slot record: a raw 16-bit operand (quadword
// count for large allocations, scaled slot offset for register saves).
func NewUnwindFrameOffset(value uint16) UnwindCode {
	return UnwindCode(value)
}

func (code UnwindCode) CodeOffset() uint8 {
	return uint8(code)
}

func (code UnwindCode) Op() UnwindOp {
	return UnwindOp((code >> 8) & 0x0f)
}

func (code UnwindCode) OpInfo() uint8 {
	return uint8(code >> 12)
}

func (code UnwindCode) FrameOffset() uint16 {
	return uint16(code)
}

func (code UnwindCode) String() string {
	return fmt.Sprintf(
		"(offset=%d op=%s info=%d)",
		code.CodeOffset(),
		code.Op(),
		code.OpInfo())
}

const (
	// Version/flags byte, prolog size, code count, frame register/offset
	// nibbles.
	unwindInfoHeaderSize = 4

	unwindCodeSize = 2
)

// The UNWIND_INFO header plus its code table.  Codes are ordered in reverse
// chronological order relative to prolog emission: the unwind walker
// processes them as if undoing the prolog.
type UnwindInfo struct {
	Version uint8
	Flags   uint8

	SizeOfProlog uint8

	FrameRegister uint8
	FrameOffset   uint8

	Codes []UnwindCode
}

func (info *UnwindInfo) CountOfCodes() int {
	return len(info.Codes)
}

// Serializes the record.  The code array is padded to an even entry count so
// the structure's total size stays 4-byte aligned, per the ABI.
func (info *UnwindInfo) Encode() []byte {
	if len(info.Codes) > 0xff {
		panic("too many unwind codes")
	}

	encoded := make(
		[]byte,
		0,
		unwindInfoHeaderSize+(len(info.Codes)+1)*unwindCodeSize)
	encoded = append(
		encoded,
		(info.Version&0x07)|(info.Flags<<3),
		info.SizeOfProlog,
		uint8(len(info.Codes)),
		(info.FrameRegister&0x0f)|(info.FrameOffset<<4))

	for _, code := range info.Codes {
		encoded = binary.LittleEndian.AppendUint16(encoded, uint16(code))
	}

	if len(info.Codes)%2 != 0 {
		encoded = append(encoded, 0x00, 0x00) // alignment code slot
	}

	return encoded
}

func ParseUnwindInfo(encoded []byte) *UnwindInfo {
	if len(encoded) < unwindInfoHeaderSize {
		panic("unwind info too short")
	}

	count := int(encoded[2])
	if len(encoded) < unwindInfoHeaderSize+count*unwindCodeSize {
		panic("unwind info shorter than declared code count")
	}

	info := &UnwindInfo{
		Version:       encoded[0] & 0x07,
		Flags:         encoded[0] >> 3,
		SizeOfProlog:  encoded[1],
		FrameRegister: encoded[3] & 0x0f,
		FrameOffset:   encoded[3] >> 4,
	}

	for idx := 0; idx < count; idx++ {
		start := unwindInfoHeaderSize + idx*unwindCodeSize
		info.Codes = append(
			info.Codes,
			UnwindCode(binary.LittleEndian.Uint16(encoded[start:])))
	}

	return info
}
