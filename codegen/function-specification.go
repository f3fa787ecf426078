package codegen

import (
	"fmt"
	"io"

	"github.com/MilkTool/NativeJIT/platform"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

type BaseRegisterType int

const (
	// No frame base register; everything is addressed off rsp.
	BaseRegisterUnused = BaseRegisterType(iota)

	// RBP is set to the function's original stack pointer value in the
	// prolog, giving the body a stable base while rsp moves.  RBP is saved
	// and restored implicitly.
	BaseRegisterSetRbpToOriginalRsp
)

const (
	// UWOP_ALLOC_SMALL covers allocations of 8..128 bytes.
	maxSmallAllocByteSize = 128

	// UWOP_ALLOC_LARGE with a single extension slot covers up to
	// 512KB - 8 bytes.  Larger frames would need the two-slot form, which
	// no expression function can plausibly reach.
	maxLargeAllocByteSize = 512*1024 - 8
)

type registerSave struct {
	register *platform.Register

	// Byte offset of the save slot, relative to rsp after the prolog's
	// stack allocation.
	slotOffset int

	isFloat bool
}

// One or two unwind code slots describing a single prolog instruction,
// recorded in prolog (chronological) order.
type unwindCodeGroup struct {
	codeOffset int // prolog offset at which the instruction ends
	op         UnwindOp
	opInfo     uint8

	hasOperand bool
	operand    uint16
}

// An immutable description of a generated function's stack frame: how much
// stack the prolog allocates, where callee-saved registers live, and the
// exact prolog/epilog instruction bytes plus the unwind metadata derived
// from them.
//
// Stack layout, from rsp (after the prolog) upward toward the original rsp:
//
//	|parameter homes | max(4, maxCallArguments) slots, only if calls are made
//	|integer saves   | one slot per saved integer register (incl. frame base)
//	|padding         | so the vector save area starts 16-byte aligned
//	|vector saves    | two slots per saved vector register
//	|locals          | requested local slots
//	|padding         | so the total slot count is odd
//	|return address  | pushed by the caller's call instruction
//
// The final padding keeps rsp 16-byte aligned after the prolog: the return
// address leaves rsp ≡ 8 (mod 16) on entry, so the allocation must also be
// ≡ 8 (mod 16) for the whole frame (allocation + return address) to be a
// multiple of 16.
type FunctionSpecification struct {
	maxCallArguments int
	localSlotCount   int
	baseRegisterType BaseRegisterType

	offsetToOriginalRsp int
	localsByteOffset    int
	saves               []registerSave

	prolog []byte
	epilog []byte

	unwindInfo        *UnwindInfo
	encodedUnwindInfo []byte
}

// maxCallArguments is the largest argument count of any call the generated
// body makes, or -1 if the body makes no calls.  localSlotCount is the
// number of quadword stack slots the body addresses.  The save masks select
// nonvolatile registers the body writes; registers saved implicitly by the
// frame base mode must not appear in them.
func NewFunctionSpecification(
	maxCallArguments int,
	localSlotCount int,
	savedGeneralMask uint32,
	savedFloatMask uint32,
	baseRegisterType BaseRegisterType,
	diagnostics io.Writer,
) *FunctionSpecification {
	if localSlotCount < 0 {
		panic("negative local slot count")
	}

	writableNonvolatileGeneral := platform.GeneralNonvolatileMask &
		platform.GeneralWritableMask
	if savedGeneralMask&^writableNonvolatileGeneral != 0 {
		panic("saved general mask includes volatile or unwritable registers")
	}

	writableNonvolatileFloat := platform.FloatNonvolatileMask &
		platform.FloatWritableMask
	if savedFloatMask&^writableNonvolatileFloat != 0 {
		panic("saved float mask includes volatile registers")
	}

	if baseRegisterType == BaseRegisterSetRbpToOriginalRsp &&
		savedGeneralMask&platform.RBP.Mask() != 0 {

		panic("frame base register is saved implicitly")
	}

	spec := &FunctionSpecification{
		maxCallArguments: maxCallArguments,
		localSlotCount:   localSlotCount,
		baseRegisterType: baseRegisterType,
	}

	spec.computeLayout(savedGeneralMask, savedFloatMask)
	groups := spec.emitProlog()
	spec.emitEpilog()
	spec.synthesizeUnwindInfo(groups)

	if diagnostics != nil {
		fmt.Fprintf(
			diagnostics,
			"function frame: allocation=%d locals-offset=%d saves=%d "+
				"unwind-codes=%d\n",
			spec.offsetToOriginalRsp,
			spec.localsByteOffset,
			len(spec.saves),
			spec.unwindInfo.CountOfCodes())
	}

	return spec
}

func (spec *FunctionSpecification) computeLayout(
	savedGeneralMask uint32,
	savedFloatMask uint32,
) {
	slotCount := 0

	if spec.maxCallArguments >= 0 {
		// The platform convention reserves shadow space for at least four
		// argument slots whenever any call is made.
		homeSlots := spec.maxCallArguments
		if homeSlots < platform.MinParameterHomeSlots {
			homeSlots = platform.MinParameterHomeSlots
		}
		slotCount += homeSlots
	}

	generalSaved := savedGeneralMask
	if spec.baseRegisterType == BaseRegisterSetRbpToOriginalRsp {
		generalSaved |= platform.RBP.Mask()
	}

	platform.ForEachRegisterInMask(
		platform.ArchitectureRegisters.General,
		generalSaved,
		func(register *platform.Register) {
			spec.saves = append(
				spec.saves,
				registerSave{
					register:   register,
					slotOffset: slotCount * platform.RegisterByteSize,
				})
			slotCount++
		})

	if savedFloatMask != 0 {
		if slotCount%2 != 0 {
			slotCount++ // align the vector save area to 16 bytes
		}

		platform.ForEachRegisterInMask(
			platform.ArchitectureRegisters.Float,
			savedFloatMask,
			func(register *platform.Register) {
				spec.saves = append(
					spec.saves,
					registerSave{
						register:   register,
						slotOffset: slotCount * platform.RegisterByteSize,
						isFloat:    true,
					})
				slotCount += 2
			})
	}

	spec.localsByteOffset = slotCount * platform.RegisterByteSize
	slotCount += spec.localSlotCount

	// Even with no other requirement, at least one padding slot is
	// reserved: every frame's adjusted stack pointer must stay 16-byte
	// aligned at call boundaries.
	if slotCount%2 == 0 {
		slotCount++
	}

	spec.offsetToOriginalRsp = slotCount * platform.RegisterByteSize

	if (spec.offsetToOriginalRsp+platform.RegisterByteSize)%
		platform.StackAlignment != 0 {

		panic("should never happen")
	}
}

func (spec *FunctionSpecification) emitProlog() []unwindCodeGroup {
	assembler := x64.NewAssembler(x64.NewBuffer())
	var groups []unwindCodeGroup

	assembler.SubRsp(spec.offsetToOriginalRsp)

	allocSlots := spec.offsetToOriginalRsp / platform.RegisterByteSize
	if spec.offsetToOriginalRsp <= maxSmallAllocByteSize {
		groups = append(
			groups,
			unwindCodeGroup{
				codeOffset: assembler.CurrentPosition(),
				op:         UnwindOpAllocSmall,
				opInfo:     uint8(allocSlots - 1),
			})
	} else if spec.offsetToOriginalRsp <= maxLargeAllocByteSize {
		groups = append(
			groups,
			unwindCodeGroup{
				codeOffset: assembler.CurrentPosition(),
				op:         UnwindOpAllocLarge,
				opInfo:     0,
				hasOperand: true,
				operand:    uint16(allocSlots),
			})
	} else {
		panic("frame too large for single-extension unwind encoding")
	}

	for _, save := range spec.saves {
		if save.isFloat {
			assembler.MovapsToMemory(
				platform.RSP,
				save.slotOffset,
				save.register)
			groups = append(
				groups,
				unwindCodeGroup{
					codeOffset: assembler.CurrentPosition(),
					op:         UnwindOpSaveXmm128,
					opInfo:     uint8(save.register.Id),
					hasOperand: true,
					operand: uint16(
						save.slotOffset / platform.VectorSaveByteSize),
				})
		} else {
			assembler.MovToMemory(platform.RSP, save.slotOffset, save.register)
			groups = append(
				groups,
				unwindCodeGroup{
					codeOffset: assembler.CurrentPosition(),
					op:         UnwindOpSaveNonvolatile,
					opInfo:     uint8(save.register.Id),
					hasOperand: true,
					operand: uint16(
						save.slotOffset / platform.RegisterByteSize),
				})
		}
	}

	if spec.baseRegisterType == BaseRegisterSetRbpToOriginalRsp {
		assembler.Lea(platform.RBP, platform.RSP, spec.offsetToOriginalRsp)

		// The lea alters no unwind-relevant state; it is covered by the
		// preceding save's code offset (there is always at least the
		// implicit frame base save).
		groups[len(groups)-1].codeOffset = assembler.CurrentPosition()
	}

	spec.prolog = append([]byte(nil), assembler.BufferStart()...)
	return groups
}

// The epilog is the exact mirror image of the prolog: restores in decreasing
// slot offset order, then the stack pointer increment, then the return.
func (spec *FunctionSpecification) emitEpilog() {
	assembler := x64.NewAssembler(x64.NewBuffer())

	for idx := len(spec.saves) - 1; idx >= 0; idx-- {
		save := spec.saves[idx]
		if save.isFloat {
			assembler.MovapsFromMemory(
				save.register,
				platform.RSP,
				save.slotOffset)
		} else {
			assembler.MovFromMemory(
				save.register,
				platform.RSP,
				save.slotOffset)
		}
	}

	assembler.AddRsp(spec.offsetToOriginalRsp)
	assembler.Ret()

	spec.epilog = append([]byte(nil), assembler.BufferStart()...)
}

func (spec *FunctionSpecification) synthesizeUnwindInfo(
	groups []unwindCodeGroup,
) {
	if len(spec.prolog) > 0xff {
		panic("prolog too long for unwind encoding")
	}

	info := &UnwindInfo{
		Version:      1,
		SizeOfProlog: uint8(len(spec.prolog)),
	}

	// Reverse chronological order: the unwind walker undoes the prolog.
	for idx := len(groups) - 1; idx >= 0; idx-- {
		group := groups[idx]
		if group.codeOffset > 0xff {
			panic("prolog instruction offset too large")
		}

		info.Codes = append(
			info.Codes,
			NewUnwindCode(uint8(group.codeOffset), group.op, group.opInfo))
		if group.hasOperand {
			info.Codes = append(info.Codes, NewUnwindFrameOffset(group.operand))
		}
	}

	spec.unwindInfo = info
	spec.encodedUnwindInfo = info.Encode()

	// Post-condition, not assumption: the occupied length differs from the
	// encoded length by at most one alignment code.
	occupied := unwindInfoHeaderSize + info.CountOfCodes()*unwindCodeSize
	if occupied != len(spec.encodedUnwindInfo) &&
		occupied+unwindCodeSize != len(spec.encodedUnwindInfo) {

		panic("should never happen")
	}
}

// The number of bytes the prolog subtracts from rsp.  Adding this to the
// post-prolog rsp yields the caller's stack pointer as of the call
// instruction's return address push.
func (spec *FunctionSpecification) OffsetToOriginalRsp() int {
	return spec.offsetToOriginalRsp
}

// Byte offset (relative to post-prolog rsp) of the first local slot.
func (spec *FunctionSpecification) LocalsByteOffset() int {
	return spec.localsByteOffset
}

func (spec *FunctionSpecification) BaseRegisterType() BaseRegisterType {
	return spec.baseRegisterType
}

func (spec *FunctionSpecification) Prolog() []byte {
	return spec.prolog
}

func (spec *FunctionSpecification) PrologLength() int {
	return len(spec.prolog)
}

func (spec *FunctionSpecification) Epilog() []byte {
	return spec.epilog
}

func (spec *FunctionSpecification) EpilogLength() int {
	return len(spec.epilog)
}

func (spec *FunctionSpecification) UnwindInfo() *UnwindInfo {
	return spec.unwindInfo
}

func (spec *FunctionSpecification) UnwindInfoBuffer() []byte {
	return spec.encodedUnwindInfo
}

func (spec *FunctionSpecification) UnwindInfoByteLength() int {
	return len(spec.encodedUnwindInfo)
}
