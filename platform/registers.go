package platform

import (
	"math/bits"
)

const (
	// Assumption: we only support 64 bit architecture.
	RegisterByteSize = 8

	// Vector register saves occupy two quadword slots.
	VectorSaveByteSize = 16

	// The stack pointer must be a multiple of this at every call boundary.
	StackAlignment = 16
)

type Register struct {
	Name string

	// Encoded register id.  For integer registers this is the x64 X.Reg
	// value (the low 3 bits go into mod r/m, the 4th bit into rex).  For
	// vector registers this is the xmm index.
	Id int

	// When true, the register is reserved for stack pointer.
	IsStackPointer bool

	// When true, the register is usable for signed/unsigned int and pointer
	// operations, as well as general data storage.
	AllowGeneralOp bool

	// When true, the register is usable for float operation, as well as
	// general data storage.
	AllowFloatOp bool
}

// The register's bit within the calling convention masks for its class.
func (reg *Register) Mask() uint32 {
	return uint32(1) << reg.Id
}

func NewStackPointerRegister(name string, id int) *Register {
	return &Register{
		Name:           name,
		Id:             id,
		IsStackPointer: true,
	}
}

func NewGeneralRegister(name string, id int) *Register {
	return &Register{
		Name:           name,
		Id:             id,
		AllowGeneralOp: true,
	}
}

func NewFloatRegister(name string, id int) *Register {
	return &Register{
		Name:         name,
		Id:           id,
		AllowFloatOp: true,
	}
}

// Assumptions (carried over from the original register model):
//
// 1. When a portion (e.g., EAX) of a register is used, the entire register
// (e.g., RAX) is considered occupied.  i.e., a register cannot be partitioned
// into multiple disjointed registers.
//
// 2. Each architecture has exactly one stack pointer register.  The stack
// pointer is always live and hence can't be used as a general/float register.
//
// 3. The frame base register (RBP), when in use, behaves like the stack
// pointer: always live, never handed out for data.
type RegisterSet struct {
	StackPointer *Register

	// The set of registers usable for signed/unsigned int and pointer
	// operations, indexed by register id.
	General []*Register

	// The set of registers usable for float operations, indexed by register
	// id.
	Float []*Register

	byName map[string]*Register
}

func NewRegisterSet(registers ...*Register) *RegisterSet {
	set := &RegisterSet{
		byName: map[string]*Register{},
	}

	for _, register := range registers {
		if register.Name == "" {
			panic("no register name")
		}

		_, ok := set.byName[register.Name]
		if ok {
			panic("added duplicate register: " + register.Name)
		}
		set.byName[register.Name] = register

		set.add(register)
	}

	if set.StackPointer == nil {
		panic("no stack pointer register specified")
	}

	return set
}

func (set *RegisterSet) add(register *Register) {
	if register.IsStackPointer {
		if register.AllowGeneralOp || register.AllowFloatOp {
			panic("stack pointer register cannot be general/float register")
		}

		if set.StackPointer != nil {
			panic("multiple stack pointer register specified")
		}
		set.StackPointer = register
		return
	}

	if register.AllowGeneralOp {
		set.General = grow(set.General, register.Id)
		set.General[register.Id] = register
	} else if register.AllowFloatOp {
		set.Float = grow(set.Float, register.Id)
		set.Float[register.Id] = register
	} else {
		panic("added unusable register")
	}
}

func grow(registers []*Register, id int) []*Register {
	for len(registers) <= id {
		registers = append(registers, nil)
	}
	return registers
}

func (set *RegisterSet) ByName(name string) *Register {
	register, ok := set.byName[name]
	if !ok {
		panic("invalid register name: " + name)
	}
	return register
}

func (set *RegisterSet) GeneralById(id int) *Register {
	if id < 0 || id >= len(set.General) || set.General[id] == nil {
		panic("invalid general register id")
	}
	return set.General[id]
}

func (set *RegisterSet) FloatById(id int) *Register {
	if id < 0 || id >= len(set.Float) || set.Float[id] == nil {
		panic("invalid float register id")
	}
	return set.Float[id]
}

// Calls visit for every register whose bit is set in mask, in increasing id
// order.
func ForEachRegisterInMask(
	registers []*Register,
	mask uint32,
	visit func(*Register),
) {
	for mask != 0 {
		id := bits.TrailingZeros32(mask)
		if id >= len(registers) || registers[id] == nil {
			panic("mask references unknown register")
		}
		visit(registers[id])
		mask &^= uint32(1) << id
	}
}
