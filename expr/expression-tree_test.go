package expr

import (
	"bytes"
	"math"
	"testing"

	"github.com/MilkTool/NativeJIT/codegen"
	"github.com/MilkTool/NativeJIT/platform"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

// TestSpillAndReload exhausts the general pool directly and checks that the
// victim's storage is rebound to a frame-base-relative slot and converted
// back on demand.
func TestSpillAndReload(t *testing.T) {
	tree := NewExpressionTree(nil)

	storages := []*Storage{}
	for idx := 0; idx < len(tree.generalPool.registers); idx++ {
		storages = append(storages, tree.allocateDirect(Int64))
	}

	victim := storages[0]
	if victim.DirectRegister() != platform.RAX {
		t.Fatalf("first allocation in %s, expected rax",
			victim.DirectRegister().Name)
	}

	// The pool is full; this allocation must evict the first victim.
	extra := tree.allocateDirect(Int64)
	if extra.DirectRegister() != platform.RAX {
		t.Errorf("allocation under pressure in %s, expected rax",
			extra.DirectRegister().Name)
	}
	if victim.Kind() != IndirectStorage {
		t.Fatal("victim storage not rebound to memory")
	}
	if victim.baseRegister != platform.RBP || victim.byteOffset != -8 {
		t.Errorf("victim at [%s%+d], expected [rbp-8]",
			victim.baseRegister.Name,
			victim.byteOffset)
	}
	if tree.maxSpillSlots != 1 {
		t.Errorf("max spill slots %d, expected 1", tree.maxSpillSlots)
	}

	// Free a register, then reload the spilled value.
	extra.Release()
	victim = victim.ConvertToDirect(false)
	if victim.Kind() != DirectStorage {
		t.Fatal("victim not reloaded into a register")
	}

	expected := x64.NewAssembler(x64.NewBuffer())
	expected.MovToMemory(platform.RBP, -8, platform.RAX)
	expected.MovFromMemory(platform.RAX, platform.RBP, -8)
	if !bytes.Equal(tree.assembler.BufferStart(), expected.BufferStart()) {
		t.Errorf("emitted % x, expected % x",
			tree.assembler.BufferStart(),
			expected.BufferStart())
	}

	// The reload released the slot; the high-water mark stays.
	if len(tree.freeSpillSlots) != 1 || tree.maxSpillSlots != 1 {
		t.Error("spill slot not recycled")
	}
}

// TestPinnedStorageNotSpilled checks victim selection skipping pinned
// registers.
func TestPinnedStorageNotSpilled(t *testing.T) {
	tree := NewExpressionTree(nil)

	storages := []*Storage{}
	for idx := 0; idx < len(tree.generalPool.registers); idx++ {
		storages = append(storages, tree.allocateDirect(Int64))
	}

	storages[0].Pin()
	extra := tree.allocateDirect(Int64)

	if storages[0].Kind() != DirectStorage {
		t.Error("pinned storage was spilled")
	}
	if extra.DirectRegister() != platform.RCX {
		t.Errorf("allocation under pressure in %s, expected rcx",
			extra.DirectRegister().Name)
	}
	if storages[1].Kind() != IndirectStorage {
		t.Error("unpinned victim was not spilled")
	}
}

// TestNonvolatileTouchTracking checks that handing out callee-saved
// registers feeds the save mask.
func TestNonvolatileTouchTracking(t *testing.T) {
	tree := NewExpressionTree(nil)

	// Volatile registers first; the eighth allocation reaches rbx.
	for idx := 0; idx < 7; idx++ {
		tree.allocateDirect(Int64)
	}
	if tree.generalPool.TouchedNonvolatileMask() != 0 {
		t.Error("volatile allocations touched the nonvolatile mask")
	}

	eighth := tree.allocateDirect(Int64)
	if eighth.DirectRegister() != platform.RBX {
		t.Fatalf("eighth allocation in %s, expected rbx",
			eighth.DirectRegister().Name)
	}
	if tree.generalPool.TouchedNonvolatileMask() != platform.RBX.Mask() {
		t.Errorf("touched mask %04x, expected rbx only",
			tree.generalPool.TouchedNonvolatileMask())
	}
}

// TestRelationalFlags checks the compare emission and the returned
// condition, including the unsigned translation for float operands.
func TestRelationalFlags(t *testing.T) {
	tree := NewExpressionTree(nil)
	node := tree.Compare(
		x64.Greater,
		tree.Parameter(0, Int64),
		tree.Parameter(1, Int64))
	node.LabelSubtree(true)

	condition := tree.CodeGenFlags(node)
	if condition != x64.Greater {
		t.Errorf("condition %s, expected g", condition)
	}

	expected := x64.NewAssembler(x64.NewBuffer())
	expected.IntegerOpRegister(x64.CmpOp, platform.RCX, platform.RDX)
	checkEmitted(t, tree, expected)

	tree = NewExpressionTree(nil)
	floatNode := tree.Compare(
		x64.Less,
		tree.Parameter(0, Float64),
		tree.Parameter(1, Float64))
	floatNode.LabelSubtree(true)

	condition = tree.CodeGenFlags(floatNode)
	if condition != x64.Below {
		t.Errorf("float condition %s, expected b", condition)
	}

	expected = x64.NewAssembler(x64.NewBuffer())
	expected.FloatOpRegister(x64.ComisdOp, platform.XMM0, platform.XMM1)
	checkEmitted(t, tree, expected)
}

// TestRelationalValue checks materializing a comparison into 0/1.
func TestRelationalValue(t *testing.T) {
	tree := NewExpressionTree(nil)
	node := tree.Compare(
		x64.Equal,
		tree.Parameter(0, Int64),
		tree.Immediate(3))
	node.LabelSubtree(true)

	storage := tree.CodeGen(node)
	if storage.DirectRegister() != platform.RAX {
		t.Errorf("result in %s, expected rax", storage.DirectRegister().Name)
	}

	expected := x64.NewAssembler(x64.NewBuffer())
	conditionIsTrue := expected.AllocateLabel()
	testCompleted := expected.AllocateLabel()
	expected.IntegerOpImmediate(x64.CmpOp, platform.RCX, 3)
	expected.JmpCondition(x64.Equal, conditionIsTrue)
	expected.MovImmediate(platform.RAX, 0)
	expected.Jmp(testCompleted)
	expected.PlaceLabel(conditionIsTrue)
	expected.MovImmediate(platform.RAX, 1)
	expected.PlaceLabel(testCompleted)
	checkEmitted(t, tree, expected)
}

// TestConditionalEmission checks the two-branch lowering: false branch on
// the fall-through path, true branch reconciled into the false branch's
// register before the rejoin point.
func TestConditionalEmission(t *testing.T) {
	tree := NewExpressionTree(nil)
	left := tree.Parameter(0, Int64)
	right := tree.Parameter(1, Int64)
	node := tree.Conditional(tree.Compare(x64.Greater, left, right), left, right)
	node.LabelSubtree(true)

	storage := tree.CodeGen(node)
	if storage.DirectRegister() != platform.RDX {
		t.Errorf("result in %s, expected rdx", storage.DirectRegister().Name)
	}

	expected := x64.NewAssembler(x64.NewBuffer())
	conditionIsTrue := expected.AllocateLabel()
	rejoin := expected.AllocateLabel()
	expected.IntegerOpRegister(x64.CmpOp, platform.RCX, platform.RDX)
	expected.JmpCondition(x64.Greater, conditionIsTrue)
	// False branch: the value is already in rdx.
	expected.Jmp(rejoin)
	expected.PlaceLabel(conditionIsTrue)
	// True branch: reconcile rcx into the shared result register.
	expected.MovRegister(platform.RDX, platform.RCX)
	expected.PlaceLabel(rejoin)
	checkEmitted(t, tree, expected)
}

// TestSharedFlagReDerivation checks a comparison consumed as flags by two
// conditionals: the boolean is materialized once and each consumption
// re-compares it against 1.
func TestSharedFlagReDerivation(t *testing.T) {
	tree := NewExpressionTree(nil)
	shared := tree.Compare(
		x64.Less,
		tree.Parameter(0, Int64),
		tree.Immediate(10))
	inner := tree.Conditional(shared, tree.Immediate(1), tree.Immediate(2))
	outer := tree.Conditional(shared, inner, tree.Immediate(3))
	outer.LabelSubtree(true)

	tree.CodeGen(outer).Release()

	if shared.ParentCount() != 2 {
		t.Fatalf("shared comparison has %d parents, expected 2",
			shared.ParentCount())
	}

	// One cmp against the operand, one cmp-against-1 per flag consumption.
	emitted := tree.assembler.BufferStart()
	reference := x64.NewAssembler(x64.NewBuffer())
	reference.IntegerOpImmediate(x64.CmpOp, platform.RCX, 10)
	if !bytes.Contains(emitted, reference.BufferStart()) {
		t.Error("operand comparison not emitted")
	}

	reDerive := x64.NewAssembler(x64.NewBuffer())
	reDerive.IntegerOpImmediate(x64.CmpOp, platform.RAX, 1)
	if bytes.Count(emitted, reDerive.BufferStart()) != 2 {
		t.Errorf("expected 2 re-derivation compares, found %d",
			bytes.Count(emitted, reDerive.BufferStart()))
	}
}

// TestCompile checks the full pipeline on a leaf-level expression: prolog,
// body, result move into the return register, and epilog.
func TestCompile(t *testing.T) {
	tree := NewExpressionTree(nil)
	compiled := tree.Compile(
		tree.Add(tree.Parameter(0, Int64), tree.Immediate(5)))

	spec := compiled.Specification
	if spec.BaseRegisterType() != codegen.BaseRegisterSetRbpToOriginalRsp {
		t.Error("compiled function must use the frame base register")
	}
	// One implicit rbp slot; the count is already odd.
	if spec.OffsetToOriginalRsp() != 8 {
		t.Errorf("allocation %d, expected 8", spec.OffsetToOriginalRsp())
	}

	body := x64.NewAssembler(x64.NewBuffer())
	body.IntegerOpImmediate(x64.AddOp, platform.RCX, 5)
	body.MovRegister(platform.RAX, platform.RCX)

	expected := append([]byte(nil), spec.Prolog()...)
	expected = append(expected, body.BufferStart()...)
	expected = append(expected, spec.Epilog()...)
	if !bytes.Equal(compiled.Code, expected) {
		t.Errorf("code % x, expected % x", compiled.Code, expected)
	}
}

// TestCompileFloat checks float immediates materialized through a general
// scratch register and the xmm0 return convention.
func TestCompileFloat(t *testing.T) {
	tree := NewExpressionTree(nil)
	compiled := tree.Compile(
		tree.Add(tree.Parameter(0, Float64), tree.FloatImmediate(1.5)))

	body := x64.NewAssembler(x64.NewBuffer())
	body.MovImmediate(platform.RAX, int64(math.Float64bits(1.5)))
	body.MovqFromGeneral(platform.XMM1, platform.RAX)
	body.FloatOpRegister(x64.AddsdOp, platform.XMM0, platform.XMM1)
	// The result is already in xmm0.

	spec := compiled.Specification
	expected := append([]byte(nil), spec.Prolog()...)
	expected = append(expected, body.BufferStart()...)
	expected = append(expected, spec.Epilog()...)
	if !bytes.Equal(compiled.Code, expected) {
		t.Errorf("code % x, expected % x", compiled.Code, expected)
	}
}

// TestCompileCall checks the call lowering: the argument already sits in
// its convention register, the target materializes into a scratch register,
// and the frame reserves the four home slots.
func TestCompileCall(t *testing.T) {
	tree := NewExpressionTree(nil)
	compiled := tree.Compile(
		tree.Call(
			Int64,
			tree.FunctionPointer(0x1122334455667788),
			tree.Parameter(0, Int64)))

	spec := compiled.Specification
	// Four home slots plus the implicit rbp slot.
	if spec.OffsetToOriginalRsp() != 40 {
		t.Errorf("allocation %d, expected 40", spec.OffsetToOriginalRsp())
	}

	body := x64.NewAssembler(x64.NewBuffer())
	body.MovImmediate(platform.RAX, 0x1122334455667788)
	body.CallRegister(platform.RAX)
	// The result arrives in rax, the return register.

	expected := append([]byte(nil), spec.Prolog()...)
	expected = append(expected, body.BufferStart()...)
	expected = append(expected, spec.Epilog()...)
	if !bytes.Equal(compiled.Code, expected) {
		t.Errorf("code % x, expected % x", compiled.Code, expected)
	}
}

// TestCompileSpillFeedsLocalArea checks that the spill high-water mark
// becomes the frame's local slot count.
func TestCompileSpillFeedsLocalArea(t *testing.T) {
	tree := NewExpressionTree(nil)

	for idx := 0; idx < len(tree.generalPool.registers); idx++ {
		tree.allocateDirect(Int64)
	}
	tree.allocateDirect(Int64) // spills one value

	if tree.maxSpillSlots != 1 {
		t.Fatalf("max spill slots %d, expected 1", tree.maxSpillSlots)
	}

	spec := codegen.NewFunctionSpecification(
		tree.maxCallArguments,
		tree.maxSpillSlots,
		tree.generalPool.TouchedNonvolatileMask(),
		tree.floatPool.TouchedNonvolatileMask(),
		codegen.BaseRegisterSetRbpToOriginalRsp,
		nil)

	// Implicit rbp save, one local, saved rbx/rsi/rdi/r12-r15 from filling
	// the pool: 1 + 7 saves + 1 local = 9 slots, odd already.
	if spec.LocalsByteOffset() != 64 {
		t.Errorf("locals offset %d, expected 64", spec.LocalsByteOffset())
	}
	if spec.OffsetToOriginalRsp() != 72 {
		t.Errorf("allocation %d, expected 72", spec.OffsetToOriginalRsp())
	}
}

// TestCompileSingleUse checks that a tree cannot be compiled twice.
func TestCompileSingleUse(t *testing.T) {
	tree := NewExpressionTree(nil)
	tree.Compile(tree.Immediate(1))

	defer func() {
		if recover() == nil {
			t.Error("expected panic for second Compile")
		}
	}()
	tree.Compile(tree.Immediate(2))
}
