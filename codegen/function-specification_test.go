package codegen

import (
	"bytes"
	"testing"

	"github.com/MilkTool/NativeJIT/platform"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

// Structural checks on the synthesized unwind record: fixed header values,
// prolog coverage, and the declared code count fitting the encoded buffer
// exactly or short one alignment slot.
func validateUnwindInfo(t *testing.T, spec *FunctionSpecification) {
	t.Helper()

	info := spec.UnwindInfo()
	if info.Version != 1 {
		t.Errorf("unwind version %d, expected 1", info.Version)
	}
	if info.Flags != 0 {
		t.Errorf("unwind flags %d, expected 0", info.Flags)
	}
	if info.FrameRegister != 0 || info.FrameOffset != 0 {
		t.Errorf("frame register/offset %d/%d, expected 0/0",
			info.FrameRegister,
			info.FrameOffset)
	}
	if int(info.SizeOfProlog) != spec.PrologLength() {
		t.Errorf("unwind prolog size %d, prolog is %d bytes",
			info.SizeOfProlog,
			spec.PrologLength())
	}

	occupied := 4 + info.CountOfCodes()*2
	encodedLength := spec.UnwindInfoByteLength()
	if occupied != encodedLength && occupied+2 != encodedLength {
		t.Errorf("occupied %d bytes of a %d byte record",
			occupied,
			encodedLength)
	}

	parsed := ParseUnwindInfo(spec.UnwindInfoBuffer())
	if parsed.CountOfCodes() != info.CountOfCodes() {
		t.Errorf("parsed %d codes, expected %d",
			parsed.CountOfCodes(),
			info.CountOfCodes())
	}
}

func checkCodes(t *testing.T, spec *FunctionSpecification, expected ...UnwindCode) {
	t.Helper()

	codes := spec.UnwindInfo().Codes
	if len(codes) != len(expected) {
		t.Fatalf("%d unwind codes, expected %d", len(codes), len(expected))
	}
	for idx, code := range expected {
		if codes[idx] != code {
			t.Errorf("code %d: %s (%04x), expected %s (%04x)",
				idx,
				codes[idx],
				uint16(codes[idx]),
				code,
				uint16(code))
		}
	}
}

// TestTrivialFrame checks the minimal function: no calls, no locals, no
// saves.  One padding slot keeps the stack 16-byte aligned, so the frame
// still allocates 8 bytes.
func TestTrivialFrame(t *testing.T) {
	spec := NewFunctionSpecification(-1, 0, 0, 0, BaseRegisterUnused, nil)

	if spec.OffsetToOriginalRsp() != 8 {
		t.Errorf("allocation %d, expected 8", spec.OffsetToOriginalRsp())
	}

	reference := x64.NewAssembler(x64.NewBuffer())
	reference.SubRsp(8)
	if !bytes.Equal(spec.Prolog(), reference.BufferStart()) {
		t.Errorf("prolog % x, expected % x",
			spec.Prolog(),
			reference.BufferStart())
	}

	reference = x64.NewAssembler(x64.NewBuffer())
	reference.AddRsp(8)
	reference.Ret()
	if !bytes.Equal(spec.Epilog(), reference.BufferStart()) {
		t.Errorf("epilog % x, expected % x",
			spec.Epilog(),
			reference.BufferStart())
	}

	validateUnwindInfo(t, spec)
	checkCodes(t, spec, NewUnwindCode(4, UnwindOpAllocSmall, 0))
}

// TestCallSiteReservesHomeSlots checks that any call forces the four-slot
// shadow space even when fewer arguments are passed.
func TestCallSiteReservesHomeSlots(t *testing.T) {
	for argumentCount := 0; argumentCount <= 1; argumentCount++ {
		spec := NewFunctionSpecification(
			argumentCount,
			0,
			0,
			0,
			BaseRegisterUnused,
			nil)

		if spec.OffsetToOriginalRsp() != 40 {
			t.Errorf("%d arguments: allocation %d, expected 40",
				argumentCount,
				spec.OffsetToOriginalRsp())
		}

		validateUnwindInfo(t, spec)
		checkCodes(t, spec, NewUnwindCode(4, UnwindOpAllocSmall, 4))
	}
}

// TestLargeLocalArea checks the two-slot alloc-large encoding kicking in
// past 128 bytes.
func TestLargeLocalArea(t *testing.T) {
	spec := NewFunctionSpecification(-1, 17, 0, 0, BaseRegisterUnused, nil)

	// 17 slots is already odd, so no padding slot is added.
	if spec.OffsetToOriginalRsp() != 136 {
		t.Errorf("allocation %d, expected 136", spec.OffsetToOriginalRsp())
	}

	validateUnwindInfo(t, spec)
	checkCodes(
		t,
		spec,
		NewUnwindCode(7, UnwindOpAllocLarge, 0), // sub rsp, imm32 is 7 bytes
		NewUnwindFrameOffset(17))
}

// TestFrameBaseRegister checks the implicit rbp save and the trailing lea
// establishing rbp = original rsp, covered by the save's code offset.
func TestFrameBaseRegister(t *testing.T) {
	spec := NewFunctionSpecification(6, 0, 0, 0,
		BaseRegisterSetRbpToOriginalRsp, nil)

	// 6 home slots plus the implicit rbp slot.
	if spec.OffsetToOriginalRsp() != 56 {
		t.Errorf("allocation %d, expected 56", spec.OffsetToOriginalRsp())
	}

	reference := x64.NewAssembler(x64.NewBuffer())
	reference.SubRsp(56)
	reference.MovToMemory(platform.RSP, 48, platform.RBP)
	reference.Lea(platform.RBP, platform.RSP, 56)
	if !bytes.Equal(spec.Prolog(), reference.BufferStart()) {
		t.Errorf("prolog % x, expected % x",
			spec.Prolog(),
			reference.BufferStart())
	}

	reference = x64.NewAssembler(x64.NewBuffer())
	reference.MovFromMemory(platform.RBP, platform.RSP, 48)
	reference.AddRsp(56)
	reference.Ret()
	if !bytes.Equal(spec.Epilog(), reference.BufferStart()) {
		t.Errorf("epilog % x, expected % x",
			spec.Epilog(),
			reference.BufferStart())
	}

	validateUnwindInfo(t, spec)
	checkCodes(
		t,
		spec,
		// The rbp save's offset spans the lea: 4 + 5 + 5 bytes in.
		NewUnwindCode(14, UnwindOpSaveNonvolatile, uint8(platform.RBP.Id)),
		NewUnwindFrameOffset(6),
		NewUnwindCode(4, UnwindOpAllocSmall, 6))
}

// TestComplexFrame checks a frame combining home slots, the implicit frame
// base save, 16-byte aligned vector saves, and locals.
func TestComplexFrame(t *testing.T) {
	spec := NewFunctionSpecification(
		1,
		2,
		0,
		platform.XMM10.Mask()|platform.XMM11.Mask(),
		BaseRegisterSetRbpToOriginalRsp,
		nil)

	// 4 home + rbp + 1 alignment + 2*2 xmm + 2 locals + 1 padding = 13
	// slots.
	if spec.OffsetToOriginalRsp() != 104 {
		t.Errorf("allocation %d, expected 104", spec.OffsetToOriginalRsp())
	}
	if spec.LocalsByteOffset() != 80 {
		t.Errorf("locals offset %d, expected 80", spec.LocalsByteOffset())
	}

	reference := x64.NewAssembler(x64.NewBuffer())
	reference.SubRsp(104)
	reference.MovToMemory(platform.RSP, 32, platform.RBP)
	reference.MovapsToMemory(platform.RSP, 48, platform.XMM10)
	reference.MovapsToMemory(platform.RSP, 64, platform.XMM11)
	reference.Lea(platform.RBP, platform.RSP, 104)
	if !bytes.Equal(spec.Prolog(), reference.BufferStart()) {
		t.Errorf("prolog % x, expected % x",
			spec.Prolog(),
			reference.BufferStart())
	}

	reference = x64.NewAssembler(x64.NewBuffer())
	reference.MovapsFromMemory(platform.XMM11, platform.RSP, 64)
	reference.MovapsFromMemory(platform.XMM10, platform.RSP, 48)
	reference.MovFromMemory(platform.RBP, platform.RSP, 32)
	reference.AddRsp(104)
	reference.Ret()
	if !bytes.Equal(spec.Epilog(), reference.BufferStart()) {
		t.Errorf("epilog % x, expected % x",
			spec.Epilog(),
			reference.BufferStart())
	}

	validateUnwindInfo(t, spec)
	checkCodes(
		t,
		spec,
		NewUnwindCode(26, UnwindOpSaveXmm128, 11), // covers the lea
		NewUnwindFrameOffset(4),
		NewUnwindCode(15, UnwindOpSaveXmm128, 10),
		NewUnwindFrameOffset(3),
		NewUnwindCode(9, UnwindOpSaveNonvolatile, uint8(platform.RBP.Id)),
		NewUnwindFrameOffset(4),
		NewUnwindCode(4, UnwindOpAllocSmall, 12))
}

// TestExplicitGeneralSaves checks non-implicit callee-saved integer
// registers, saved in increasing id order.
func TestExplicitGeneralSaves(t *testing.T) {
	spec := NewFunctionSpecification(
		-1,
		0,
		platform.RBX.Mask()|platform.R12.Mask(),
		0,
		BaseRegisterUnused,
		nil)

	// 2 save slots plus a padding slot.
	if spec.OffsetToOriginalRsp() != 24 {
		t.Errorf("allocation %d, expected 24", spec.OffsetToOriginalRsp())
	}

	reference := x64.NewAssembler(x64.NewBuffer())
	reference.SubRsp(24)
	reference.MovToMemory(platform.RSP, 0, platform.RBX)
	reference.MovToMemory(platform.RSP, 8, platform.R12)
	if !bytes.Equal(spec.Prolog(), reference.BufferStart()) {
		t.Errorf("prolog % x, expected % x",
			spec.Prolog(),
			reference.BufferStart())
	}

	validateUnwindInfo(t, spec)
}

// TestSavedMaskValidation checks that volatile and implicitly managed
// registers are rejected from the save masks.
func TestSavedMaskValidation(t *testing.T) {
	expectPanic := func(name string, body func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		body()
	}

	expectPanic("volatile general", func() {
		NewFunctionSpecification(
			-1, 0, platform.RAX.Mask(), 0, BaseRegisterUnused, nil)
	})
	expectPanic("volatile float", func() {
		NewFunctionSpecification(
			-1, 0, 0, platform.XMM0.Mask(), BaseRegisterUnused, nil)
	})
	expectPanic("stack pointer", func() {
		NewFunctionSpecification(
			-1, 0, platform.RSP.Mask(), 0, BaseRegisterUnused, nil)
	})
	expectPanic("explicit frame base", func() {
		NewFunctionSpecification(
			-1, 0, platform.RBP.Mask(), 0,
			BaseRegisterSetRbpToOriginalRsp, nil)
	})
	expectPanic("negative local slots", func() {
		NewFunctionSpecification(
			-1, -1, 0, 0, BaseRegisterUnused, nil)
	})
}
