package expr

import (
	"github.com/MilkTool/NativeJIT/platform"
)

// A finite set of allocatable registers of one width class.  Each register
// is either free or owned by exactly one live direct Storage.  When no
// register is free, a victim's value is spilled to a stack slot and its
// Storage rebound, freeing the register.
//
// RBP never appears in the pool: it is the frame base register.  RSP is not
// a data register at all.
type RegisterPool struct {
	tree *ExpressionTree

	// Allocation preference order: volatile registers first, so that simple
	// expressions never grow the nonvolatile save area.
	registers []*platform.Register

	owners map[*platform.Register]*Storage

	isFloat bool

	volatileMask    uint32
	nonvolatileMask uint32

	// Nonvolatile registers this pool has ever handed out; the function
	// specification must arrange for them to be saved and restored.
	touchedNonvolatileMask uint32
}

func newGeneralPool(tree *ExpressionTree) *RegisterPool {
	return &RegisterPool{
		tree: tree,
		registers: []*platform.Register{
			platform.RAX, platform.RCX, platform.RDX,
			platform.R8, platform.R9, platform.R10, platform.R11,
			platform.RBX, platform.RSI, platform.RDI,
			platform.R12, platform.R13, platform.R14, platform.R15,
		},
		owners:          map[*platform.Register]*Storage{},
		volatileMask:    platform.GeneralVolatileMask,
		nonvolatileMask: platform.GeneralNonvolatileMask,
	}
}

func newFloatPool(tree *ExpressionTree) *RegisterPool {
	return &RegisterPool{
		tree: tree,
		registers: []*platform.Register{
			platform.XMM0, platform.XMM1, platform.XMM2, platform.XMM3,
			platform.XMM4, platform.XMM5, platform.XMM6, platform.XMM7,
			platform.XMM8, platform.XMM9, platform.XMM10, platform.XMM11,
			platform.XMM12, platform.XMM13, platform.XMM14, platform.XMM15,
		},
		owners:          map[*platform.Register]*Storage{},
		isFloat:         true,
		volatileMask:    platform.FloatVolatileMask,
		nonvolatileMask: platform.FloatNonvolatileMask,
	}
}

func (pool *RegisterPool) markTouched(register *platform.Register) {
	pool.touchedNonvolatileMask |= register.Mask() & pool.nonvolatileMask
}

func (pool *RegisterPool) TouchedNonvolatileMask() uint32 {
	return pool.touchedNonvolatileMask
}

// Hands out a register bound to owner.  Prefers free registers; under
// pressure, spills the first unpinned victim in preference order.  A pool
// with no free register and no spillable candidate indicates a defect in
// the generator's resource model, not a user error.
func (pool *RegisterPool) allocate(owner *Storage) *platform.Register {
	for _, register := range pool.registers {
		if pool.owners[register] == nil {
			pool.owners[register] = owner
			pool.markTouched(register)
			return register
		}
	}

	for _, register := range pool.registers {
		victim := pool.owners[register]
		if victim.pinCount > 0 {
			continue
		}

		pool.spill(victim)
		pool.owners[register] = owner
		return register
	}

	panic("register pool exhausted with no spill candidate")
}

// Claims a specific free register.
func (pool *RegisterPool) claim(register *platform.Register, owner *Storage) {
	if pool.owners[register] != nil {
		panic("register already claimed: " + register.Name)
	}
	pool.owners[register] = owner
	pool.markTouched(register)
}

func (pool *RegisterPool) release(register *platform.Register) {
	if pool.owners[register] == nil {
		panic("released unowned register: " + register.Name)
	}
	pool.owners[register] = nil
}

func (pool *RegisterPool) owner(register *platform.Register) *Storage {
	return pool.owners[register]
}

// Evicts the storage's value to a fresh stack slot and rebinds the storage,
// freeing its register.
func (pool *RegisterPool) spill(storage *Storage) {
	if storage.kind != DirectStorage {
		panic("spilled non-direct storage")
	}
	if storage.pinCount > 0 {
		panic("spilled pinned storage")
	}

	register := storage.register
	slot := pool.tree.allocateSpillSlot()
	offset := pool.tree.spillSlotOffset(slot)

	if storage.operandType.IsFloat {
		pool.tree.assembler.MovsdToMemory(
			platform.RBP,
			offset,
			register)
	} else {
		pool.tree.assembler.MovToMemory(platform.RBP, offset, register)
	}

	storage.kind = IndirectStorage
	storage.register = nil
	storage.baseRegister = platform.RBP
	storage.byteOffset = offset
	storage.spillSlot = slot

	pool.owners[register] = nil
}

// Spills every live value held in a caller-saved register.  Pinned storages
/// are skipped: they are either call arguments, consumed by the call itself,
// or another branch path's values, dead on the path making the call.
func (pool *RegisterPool) spillVolatiles() {
	for _, register := range pool.registers {
		storage := pool.owners[register]
		if storage == nil || storage.pinCount > 0 {
			continue
		}

		if register.Mask()&pool.volatileMask != 0 {
			pool.spill(storage)
		}
	}
}

// Moves the storage's value into a specific register (relocating whatever
// currently occupies it) and returns a direct storage pinned to that
// register.  The caller's reference to the original storage is consumed.
func (tree *ExpressionTree) moveToRegister(
	storage *Storage,
	register *platform.Register,
) *Storage {
	pool := tree.pool(storage.operandType)

	// A shared storage must not be pinned in place: pinning exempts it
	// from the call-boundary spill, and the callee would clobber the value
	// its remaining consumers still read.  It takes the relocation path
	// below instead, which pushes the shared value to memory (rebinding
	// every consumer at once) and stages the argument in a single-owner
	// storage.
	if storage.kind == DirectStorage &&
		storage.register == register &&
		storage.refCount == 1 {

		storage.Pin()
		return storage
	}

	occupant := pool.owner(register)
	if occupant != nil {
		pool.spill(occupant)
	}

	fresh := tree.claimRegister(register, storage.operandType)
	tree.emitMove(register, storage)
	storage.Release()

	fresh.Pin()
	return fresh
}

// Materializes a boolean into a register.  mov does not alter CPU flags, so
// this is safe between a compare and its consuming jump.
func (tree *ExpressionTree) emitBool(register *platform.Register, value bool) {
	bit := int64(0)
	if value {
		bit = 1
	}
	tree.assembler.MovImmediate(register, bit)
}
