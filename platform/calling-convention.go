package platform

// Microsoft x64 calling convention.  The code generator consumes these as
// opaque bitmasks; the values themselves are fixed by the host OS ABI.
//
// https://learn.microsoft.com/en-us/cpp/build/x64-calling-convention

var (
	RSP = NewStackPointerRegister("rsp", 4)

	RAX = NewGeneralRegister("rax", 0)
	RCX = NewGeneralRegister("rcx", 1)
	RDX = NewGeneralRegister("rdx", 2)
	RBX = NewGeneralRegister("rbx", 3)
	RBP = NewGeneralRegister("rbp", 5)
	RSI = NewGeneralRegister("rsi", 6)
	RDI = NewGeneralRegister("rdi", 7)
	R8  = NewGeneralRegister("r8", 8)
	R9  = NewGeneralRegister("r9", 9)
	R10 = NewGeneralRegister("r10", 10)
	R11 = NewGeneralRegister("r11", 11)
	R12 = NewGeneralRegister("r12", 12)
	R13 = NewGeneralRegister("r13", 13)
	R14 = NewGeneralRegister("r14", 14)
	R15 = NewGeneralRegister("r15", 15)

	XMM0  = NewFloatRegister("xmm0", 0)
	XMM1  = NewFloatRegister("xmm1", 1)
	XMM2  = NewFloatRegister("xmm2", 2)
	XMM3  = NewFloatRegister("xmm3", 3)
	XMM4  = NewFloatRegister("xmm4", 4)
	XMM5  = NewFloatRegister("xmm5", 5)
	XMM6  = NewFloatRegister("xmm6", 6)
	XMM7  = NewFloatRegister("xmm7", 7)
	XMM8  = NewFloatRegister("xmm8", 8)
	XMM9  = NewFloatRegister("xmm9", 9)
	XMM10 = NewFloatRegister("xmm10", 10)
	XMM11 = NewFloatRegister("xmm11", 11)
	XMM12 = NewFloatRegister("xmm12", 12)
	XMM13 = NewFloatRegister("xmm13", 13)
	XMM14 = NewFloatRegister("xmm14", 14)
	XMM15 = NewFloatRegister("xmm15", 15)

	ArchitectureRegisters = NewRegisterSet(
		RSP,
		RAX, RCX, RDX, RBX, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
		XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15)

	// Integer registers the caller must assume clobbered across a call.
	GeneralVolatileMask = RAX.Mask() | RCX.Mask() | RDX.Mask() |
		R8.Mask() | R9.Mask() | R10.Mask() | R11.Mask()

	// Integer registers a callee must restore before returning.
	GeneralNonvolatileMask = RBX.Mask() | RBP.Mask() | RSP.Mask() |
		RSI.Mask() | RDI.Mask() |
		R12.Mask() | R13.Mask() | R14.Mask() | R15.Mask()

	// Integer registers generated code is allowed to modify.  The stack
	// pointer is managed exclusively by the prolog/epilog.
	GeneralWritableMask = (GeneralVolatileMask | GeneralNonvolatileMask) &^
		RSP.Mask()

	FloatVolatileMask = XMM0.Mask() | XMM1.Mask() | XMM2.Mask() |
		XMM3.Mask() | XMM4.Mask() | XMM5.Mask()

	FloatNonvolatileMask = XMM6.Mask() | XMM7.Mask() | XMM8.Mask() |
		XMM9.Mask() | XMM10.Mask() | XMM11.Mask() | XMM12.Mask() |
		XMM13.Mask() | XMM14.Mask() | XMM15.Mask()

	FloatWritableMask = FloatVolatileMask | FloatNonvolatileMask

	// Registers holding the first four call arguments, by position.
	GeneralParameterRegisters = []*Register{RCX, RDX, R8, R9}
	FloatParameterRegisters   = []*Register{XMM0, XMM1, XMM2, XMM3}

	// Call results are returned in these.
	GeneralReturnRegister = RAX
	FloatReturnRegister   = XMM0
)

// The number of argument slots the caller always reserves for the callee
// (shadow space), whenever any call is made.
const MinParameterHomeSlots = 4
