package expr

import (
	"fmt"

	"github.com/MilkTool/NativeJIT/platform"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

type OperandType struct {
	ByteSize int
	IsFloat  bool
}

var (
	Int64   = OperandType{ByteSize: 8, IsFloat: false}
	Float64 = OperandType{ByteSize: 8, IsFloat: true}
)

func (t OperandType) String() string {
	if t.IsFloat {
		return fmt.Sprintf("f%d", t.ByteSize*8)
	}
	return fmt.Sprintf("i%d", t.ByteSize*8)
}

type StorageKind int

const (
	// A compile-time constant; occupies no register or slot.
	ImmediateStorage = StorageKind(iota)

	// Value lives in a hardware register.
	DirectStorage

	// Value lives at [baseRegister + byteOffset].
	IndirectStorage
)

// Where a computed value currently resides.  A Storage holds a ref-counted
// claim on the register or spill slot it occupies; the claim returns to the
// pool when the last reference is released.
//
// Shared consumers (node caches) hold references to the same Storage, so a
// spill forced by register pressure rebinds every consumer at once.
type Storage struct {
	tree *ExpressionTree

	kind        StorageKind
	operandType OperandType

	register *platform.Register // direct

	baseRegister *platform.Register // indirect
	byteOffset   int
	spillSlot    int // -1 when the indirect location is not a spill slot

	immediate int64 // bit pattern for float immediates

	refCount int
	pinCount int
}

func (storage *Storage) Kind() StorageKind {
	return storage.kind
}

func (storage *Storage) OperandType() OperandType {
	return storage.operandType
}

func (storage *Storage) DirectRegister() *platform.Register {
	if storage.kind != DirectStorage {
		panic("storage is not direct")
	}
	return storage.register
}

func (storage *Storage) Retain() *Storage {
	if storage.refCount <= 0 {
		panic("retained released storage")
	}
	storage.refCount++
	return storage
}

// Releases one claim.  The last release returns the register or spill slot
// to its pool.
func (storage *Storage) Release() {
	if storage.refCount <= 0 {
		panic("storage released too many times")
	}

	storage.refCount--
	if storage.refCount > 0 {
		return
	}

	switch storage.kind {
	case DirectStorage:
		storage.tree.pool(storage.operandType).release(storage.register)
	case IndirectStorage:
		if storage.spillSlot >= 0 {
			storage.tree.releaseSpillSlot(storage.spillSlot)
		}
	}
}

// While pinned, the register pool will not select this storage's register as
// a spill victim.  Pinning is required whenever the register's identity must
// survive subsequent allocations, e.g. across a conditional's branches.
func (storage *Storage) Pin() {
	storage.pinCount++
}

func (storage *Storage) Unpin() {
	if storage.pinCount <= 0 {
		panic("storage not pinned")
	}
	storage.pinCount--
}

// Forces the storage into register-backed form and returns the resulting
// storage (usually the receiver, rebound in place so that cached consumers
// observe the move).
//
// When exclusive is true the caller intends to overwrite the register, so a
// storage with other outstanding references is copied into a freshly
// allocated register instead of being rebound; the caller's reference to the
// original is released.
func (storage *Storage) ConvertToDirect(exclusive bool) *Storage {
	tree := storage.tree

	if storage.kind == DirectStorage {
		if !exclusive || storage.refCount == 1 {
			return storage
		}

		// Copy, to keep the shared value intact.
		fresh := tree.allocateDirect(storage.operandType)
		tree.emitMove(fresh.register, storage)
		storage.Release()
		return fresh
	}

	if exclusive && storage.refCount > 1 {
		fresh := tree.allocateDirect(storage.operandType)
		tree.emitMove(fresh.register, storage)
		storage.Release()
		return fresh
	}

	// Rebind in place.  Allocation happens before the spill slot is
	// released: the allocation itself may emit a spill store, which must not
	// reuse this storage's slot while its value is still in memory.
	register := tree.pool(storage.operandType).allocate(storage)
	tree.emitMove(register, storage)

	if storage.kind == IndirectStorage && storage.spillSlot >= 0 {
		tree.releaseSpillSlot(storage.spillSlot)
	}

	storage.kind = DirectStorage
	storage.register = register
	storage.baseRegister = nil
	storage.spillSlot = -1
	return storage
}

func (storage *Storage) String() string {
	switch storage.kind {
	case ImmediateStorage:
		return fmt.Sprintf("imm(%d)", storage.immediate)
	case DirectStorage:
		return storage.register.Name
	case IndirectStorage:
		return fmt.Sprintf(
			"[%s%+d]",
			storage.baseRegister.Name,
			storage.byteOffset)
	}
	panic("invalid storage kind")
}

//
// Storage constructors (ExpressionTree methods)
//

func (tree *ExpressionTree) immediateStorage(
	operandType OperandType,
	bits int64,
) *Storage {
	return &Storage{
		tree:        tree,
		kind:        ImmediateStorage,
		operandType: operandType,
		immediate:   bits,
		spillSlot:   -1,
		refCount:    1,
	}
}

// Allocates a register of the requested kind from the pool (spilling a
// victim under pressure) and returns a direct storage owning it.
func (tree *ExpressionTree) allocateDirect(operandType OperandType) *Storage {
	storage := &Storage{
		tree:        tree,
		kind:        DirectStorage,
		operandType: operandType,
		spillSlot:   -1,
		refCount:    1,
	}
	storage.register = tree.pool(operandType).allocate(storage)
	return storage
}

// Claims a specific register (used for parameters and call results).  The
// register must be free.
func (tree *ExpressionTree) claimRegister(
	register *platform.Register,
	operandType OperandType,
) *Storage {
	storage := &Storage{
		tree:        tree,
		kind:        DirectStorage,
		operandType: operandType,
		register:    register,
		spillSlot:   -1,
		refCount:    1,
	}
	tree.pool(operandType).claim(register, storage)
	return storage
}

// Emits the move of storage's current value into the given register.  The
// storage itself is not rebound.
func (tree *ExpressionTree) emitMove(
	register *platform.Register,
	storage *Storage,
) {
	assembler := tree.assembler

	switch storage.kind {
	case ImmediateStorage:
		if storage.operandType.IsFloat {
			// Materialize the bit pattern through a general scratch
			// register.
			scratch := tree.allocateDirect(Int64)
			assembler.MovImmediate(scratch.register, storage.immediate)
			assembler.MovqFromGeneral(register, scratch.register)
			scratch.Release()
		} else {
			assembler.MovImmediate(register, storage.immediate)
		}
	case DirectStorage:
		if storage.operandType.IsFloat {
			assembler.FloatOpRegister(x64.MovsdOp, register, storage.register)
		} else {
			assembler.MovRegister(register, storage.register)
		}
	case IndirectStorage:
		if storage.operandType.IsFloat {
			assembler.FloatOpMemory(
				x64.MovsdOp,
				register,
				storage.baseRegister,
				storage.byteOffset)
		} else {
			assembler.MovFromMemory(
				register,
				storage.baseRegister,
				storage.byteOffset)
		}
	default:
		panic("invalid storage kind")
	}
}
