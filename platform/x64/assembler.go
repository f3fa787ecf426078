package x64

import (
	"github.com/MilkTool/NativeJIT/platform"
)

// Resources:
//
// https://www.felixcloutier.com/x86/
// http://x86asm.net/articles/x86-64-tour-of-intel-manuals/
// https://wiki.osdev.org/X86-64_Instruction_Encoding

const (
	prefixOperandSizeOverride = byte(0x66)
	prefixScalarDouble        = byte(0xf2)
	rexPrefix                 = byte(0x40)
	rexWBit                   = byte(0x08)
)

type Label int

type labelState struct {
	position int
	placed   bool

	// Buffer offsets of rel32 holes waiting for this label's position.
	pendingPatches []int
}

// A stateful instruction emitter on top of a code buffer.  Emitted jumps
// reference labels; forward references are backpatched with rel32 offsets
// when the label is placed (the rel32 is relative to the end of the offset
// bytes, as in the SystemV R_X86_64_PLT32 convention).
type Assembler struct {
	*Buffer

	labels []labelState
}

func NewAssembler(buffer *Buffer) *Assembler {
	return &Assembler{
		Buffer: buffer,
	}
}

//
// Labels and control transfer
//

func (assembler *Assembler) AllocateLabel() Label {
	assembler.labels = append(assembler.labels, labelState{})
	return Label(len(assembler.labels) - 1)
}

func (assembler *Assembler) PlaceLabel(label Label) {
	state := &assembler.labels[label]
	if state.placed {
		panic("label placed twice")
	}

	state.position = assembler.CurrentPosition()
	state.placed = true

	for _, patchOffset := range state.pendingPatches {
		assembler.patchUint32(
			patchOffset,
			uint32(int32(state.position-(patchOffset+4))))
	}
	state.pendingPatches = nil
}

func (assembler *Assembler) emitRel32(label Label) {
	state := &assembler.labels[label]
	if state.placed {
		assembler.appendUint32(
			uint32(int32(state.position - (assembler.CurrentPosition() + 4))))
		return
	}

	state.pendingPatches = append(
		state.pendingPatches,
		assembler.CurrentPosition())
	assembler.appendUint32(0)
}

// https://www.felixcloutier.com/x86/jmp
func (assembler *Assembler) Jmp(label Label) {
	assembler.appendBytes(0xe9)
	assembler.emitRel32(label)
}

// https://www.felixcloutier.com/x86/jcc
func (assembler *Assembler) JmpCondition(cond Condition, label Label) {
	assembler.appendBytes(0x0f, 0x80|byte(cond))
	assembler.emitRel32(label)
}

// All labels must be resolved before the emitted bytes are relocatable as a
// unit.
func (assembler *Assembler) AssertAllLabelsPlaced() {
	for _, state := range assembler.labels {
		if len(state.pendingPatches) > 0 {
			panic("unplaced label with pending jumps")
		}
	}
}

// https://www.felixcloutier.com/x86/ret
func (assembler *Assembler) Ret() {
	assembler.appendBytes(0xc3)
}

// <call rm64>
//
// https://www.felixcloutier.com/x86/call
//
// FF /2
func (assembler *Assembler) CallRegister(target *platform.Register) {
	rex := rexPrefix | byte((target.Id&0x08)>>3)
	if rex != rexPrefix {
		assembler.appendBytes(rex)
	}
	assembler.appendBytes(0xff, byte(0xc0|(2<<3)|(target.Id&0x07)))
}

// Copies raw, already-encoded instruction bytes (prolog/epilog splicing).
func (assembler *Assembler) EmitRaw(bytes []byte) {
	assembler.appendBytes(bytes...)
}

//
// Encoding helpers
//

// Register-direct addressing mode (mod = 11).
func (assembler *Assembler) directInstruction(
	rexW bool,
	legacyPrefix []byte,
	opCode []byte,
	regXReg int, // could also be an op code extension
	rmXReg int,
) {
	assembler.appendBytes(legacyPrefix...)

	rex := rexPrefix
	if rexW {
		rex |= rexWBit
	}
	rex |= byte((regXReg&0x08)>>1) | byte((rmXReg&0x08)>>3)
	if rex != rexPrefix {
		assembler.appendBytes(rex)
	}

	assembler.appendBytes(opCode...)
	assembler.appendBytes(byte(0xc0 | ((regXReg & 0x07) << 3) | (rmXReg & 0x07)))
}

// Base-register-relative addressing mode (mod = 01/10 with displacement).
// RSP/R12 bases require a SIB byte.
func (assembler *Assembler) memoryInstruction(
	rexW bool,
	legacyPrefix []byte,
	opCode []byte,
	regXReg int,
	base *platform.Register,
	disp int,
) {
	assembler.appendBytes(legacyPrefix...)

	rex := rexPrefix
	if rexW {
		rex |= rexWBit
	}
	rex |= byte((regXReg&0x08)>>1) | byte((base.Id&0x08)>>3)
	if rex != rexPrefix {
		assembler.appendBytes(rex)
	}

	assembler.appendBytes(opCode...)

	disp8 := -128 <= disp && disp <= 127
	mod := byte(0x80)
	if disp8 {
		mod = 0x40
	}
	rm := byte(base.Id & 0x07)
	assembler.appendBytes(mod | byte((regXReg&0x07)<<3) | rm)

	if rm == 0x04 { // SIB with no index
		assembler.appendBytes(0x24)
	}

	if disp8 {
		assembler.appendBytes(byte(int8(disp)))
	} else {
		assembler.appendUint32(uint32(int32(disp)))
	}
}

//
// Stack pointer adjustment
//

// <rsp> = <rsp> - size  /  <rsp> = <rsp> + size
//
// https://www.felixcloutier.com/x86/sub
// https://www.felixcloutier.com/x86/add
//
// imm8:  REX.W + 83 /5 ib (sub), REX.W + 83 /0 ib (add)
// imm32: REX.W + 81 /5 id (sub), REX.W + 81 /0 id (add)
func (assembler *Assembler) rspAdjust(opCodeExt int, size int) {
	if size < 0 {
		panic("negative stack adjustment")
	}

	if size <= 127 {
		assembler.directInstruction(
			true,
			nil,
			[]byte{0x83},
			opCodeExt,
			platform.RSP.Id)
		assembler.appendBytes(byte(size))
	} else {
		assembler.directInstruction(
			true,
			nil,
			[]byte{0x81},
			opCodeExt,
			platform.RSP.Id)
		assembler.appendUint32(uint32(size))
	}
}

func (assembler *Assembler) SubRsp(size int) {
	assembler.rspAdjust(5, size)
}

func (assembler *Assembler) AddRsp(size int) {
	assembler.rspAdjust(0, size)
}

//
// Integer moves
//

// <[base + disp]> = <src>
//
// https://www.felixcloutier.com/x86/mov
//
// REX.W + 89 /r
func (assembler *Assembler) MovToMemory(
	base *platform.Register,
	disp int,
	src *platform.Register,
) {
	assembler.memoryInstruction(true, nil, []byte{0x89}, src.Id, base, disp)
}

// <dst> = <[base + disp]>
//
// REX.W + 8B /r
func (assembler *Assembler) MovFromMemory(
	dst *platform.Register,
	base *platform.Register,
	disp int,
) {
	assembler.memoryInstruction(true, nil, []byte{0x8b}, dst.Id, base, disp)
}

// <dst> = <src>
//
// REX.W + 8B /r
func (assembler *Assembler) MovRegister(dst *platform.Register, src *platform.Register) {
	assembler.directInstruction(true, nil, []byte{0x8b}, dst.Id, src.Id)
}

// <dst> = imm
//
// sign-extendable imm32: REX.W + C7 /0 id
// imm64:                 REX.W + B8+rd io
func (assembler *Assembler) MovImmediate(dst *platform.Register, value int64) {
	if -(1<<31) <= value && value < 1<<31 {
		assembler.directInstruction(true, nil, []byte{0xc7}, 0, dst.Id)
		assembler.appendUint32(uint32(int32(value)))
		return
	}

	rex := rexPrefix | rexWBit | byte((dst.Id&0x08)>>3)
	assembler.appendBytes(rex, byte(0xb8|(dst.Id&0x07)))
	assembler.appendUint64(uint64(value))
}

// <dst> = base + disp
//
// https://www.felixcloutier.com/x86/lea
//
// REX.W + 8D /r
func (assembler *Assembler) Lea(
	dst *platform.Register,
	base *platform.Register,
	disp int,
) {
	assembler.memoryInstruction(true, nil, []byte{0x8d}, dst.Id, base, disp)
}

//
// Integer arithmetic / comparison
//
// The register operand is always the destination (r64, r/m64 forms):
//
// https://www.felixcloutier.com/x86/add   REX.W + 03 /r
// https://www.felixcloutier.com/x86/sub   REX.W + 2B /r
// https://www.felixcloutier.com/x86/and   REX.W + 23 /r
// https://www.felixcloutier.com/x86/or    REX.W + 0B /r
// https://www.felixcloutier.com/x86/cmp   REX.W + 3B /r
// https://www.felixcloutier.com/x86/imul  REX.W + 0F AF /r

type IntegerOp int

const (
	AddOp = IntegerOp(iota)
	SubOp
	AndOp
	OrOp
	CmpOp
	ImulOp
)

var integerOpCodes = map[IntegerOp][]byte{
	AddOp:  {0x03},
	SubOp:  {0x2b},
	AndOp:  {0x23},
	OrOp:   {0x0b},
	CmpOp:  {0x3b},
	ImulOp: {0x0f, 0xaf},
}

// Op code extensions for the 81 /ext imm32 forms.  imul has no extension
// form; it uses 69 /r with both operands set to dst.
var integerOpImmExts = map[IntegerOp]int{
	AddOp: 0,
	SubOp: 5,
	AndOp: 4,
	OrOp:  1,
	CmpOp: 7,
}

func (assembler *Assembler) IntegerOpRegister(
	op IntegerOp,
	dst *platform.Register,
	src *platform.Register,
) {
	assembler.directInstruction(true, nil, integerOpCodes[op], dst.Id, src.Id)
}

func (assembler *Assembler) IntegerOpMemory(
	op IntegerOp,
	dst *platform.Register,
	base *platform.Register,
	disp int,
) {
	assembler.memoryInstruction(true, nil, integerOpCodes[op], dst.Id, base, disp)
}

func (assembler *Assembler) IntegerOpImmediate(
	op IntegerOp,
	dst *platform.Register,
	value int32,
) {
	if op == ImulOp {
		// REX.W + 69 /r id: dst = rm * imm32
		assembler.directInstruction(true, nil, []byte{0x69}, dst.Id, dst.Id)
		assembler.appendUint32(uint32(value))
		return
	}

	ext, ok := integerOpImmExts[op]
	if !ok {
		panic("invalid integer op")
	}

	if -128 <= value && value <= 127 {
		assembler.directInstruction(true, nil, []byte{0x83}, ext, dst.Id)
		assembler.appendBytes(byte(int8(value)))
	} else {
		assembler.directInstruction(true, nil, []byte{0x81}, ext, dst.Id)
		assembler.appendUint32(uint32(value))
	}
}

//
// Vector moves and scalar double arithmetic
//

// <[base + disp]> = <src> (aligned 128-bit)
//
// https://www.felixcloutier.com/x86/movaps
//
// 0F 29 /r
func (assembler *Assembler) MovapsToMemory(
	base *platform.Register,
	disp int,
	src *platform.Register,
) {
	assembler.memoryInstruction(false, nil, []byte{0x0f, 0x29}, src.Id, base, disp)
}

// <dst> = <[base + disp]> (aligned 128-bit)
//
// 0F 28 /r
func (assembler *Assembler) MovapsFromMemory(
	dst *platform.Register,
	base *platform.Register,
	disp int,
) {
	assembler.memoryInstruction(false, nil, []byte{0x0f, 0x28}, dst.Id, base, disp)
}

// https://www.felixcloutier.com/x86/movsd   F2 0F 10 /r, F2 0F 11 /r
// https://www.felixcloutier.com/x86/addsd   F2 0F 58 /r
// https://www.felixcloutier.com/x86/subsd   F2 0F 5C /r
// https://www.felixcloutier.com/x86/mulsd   F2 0F 59 /r
// https://www.felixcloutier.com/x86/comisd  66 0F 2F /r

type FloatOp int

const (
	MovsdOp = FloatOp(iota)
	AddsdOp
	SubsdOp
	MulsdOp
	ComisdOp
)

var floatOpEncodings = map[FloatOp]struct {
	prefix byte
	opCode []byte
}{
	MovsdOp:  {prefixScalarDouble, []byte{0x0f, 0x10}},
	AddsdOp:  {prefixScalarDouble, []byte{0x0f, 0x58}},
	SubsdOp:  {prefixScalarDouble, []byte{0x0f, 0x5c}},
	MulsdOp:  {prefixScalarDouble, []byte{0x0f, 0x59}},
	ComisdOp: {prefixOperandSizeOverride, []byte{0x0f, 0x2f}},
}

func (assembler *Assembler) FloatOpRegister(
	op FloatOp,
	dst *platform.Register,
	src *platform.Register,
) {
	encoding := floatOpEncodings[op]
	assembler.directInstruction(
		false,
		[]byte{encoding.prefix},
		encoding.opCode,
		dst.Id,
		src.Id)
}

func (assembler *Assembler) FloatOpMemory(
	op FloatOp,
	dst *platform.Register,
	base *platform.Register,
	disp int,
) {
	encoding := floatOpEncodings[op]
	assembler.memoryInstruction(
		false,
		[]byte{encoding.prefix},
		encoding.opCode,
		dst.Id,
		base,
		disp)
}

// <[base + disp]> = <src> (low 64 bits)
//
// F2 0F 11 /r
func (assembler *Assembler) MovsdToMemory(
	base *platform.Register,
	disp int,
	src *platform.Register,
) {
	assembler.memoryInstruction(
		false,
		[]byte{prefixScalarDouble},
		[]byte{0x0f, 0x11},
		src.Id,
		base,
		disp)
}

// <xmm dst> = <r64 src> (bit pattern)
//
// https://www.felixcloutier.com/x86/movd:movq
//
// 66 REX.W 0F 6E /r
func (assembler *Assembler) MovqFromGeneral(
	dst *platform.Register,
	src *platform.Register,
) {
	assembler.directInstruction(
		true,
		[]byte{prefixOperandSizeOverride},
		[]byte{0x0f, 0x6e},
		dst.Id,
		src.Id)
}
