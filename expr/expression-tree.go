package expr

import (
	"fmt"
	"io"

	"github.com/MilkTool/NativeJIT/codegen"
	"github.com/MilkTool/NativeJIT/platform"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

// One compilation context: owns the node graph, the register pools, the
// spill slot allocator, and the instruction emitter for the function body.
// Single-threaded and single-use; discarded after Compile.
type ExpressionTree struct {
	assembler *x64.Assembler

	generalPool *RegisterPool
	floatPool   *RegisterPool

	nodes []Node

	nextSpillSlot  int
	freeSpillSlots []int
	maxSpillSlots  int

	// Largest argument count of any call node, or -1 when the body makes
	// no calls.
	maxCallArguments int

	diagnostics io.Writer

	compiled bool
}

func NewExpressionTree(diagnostics io.Writer) *ExpressionTree {
	tree := &ExpressionTree{
		assembler:        x64.NewAssembler(x64.NewBuffer()),
		maxCallArguments: -1,
		diagnostics:      diagnostics,
	}
	tree.generalPool = newGeneralPool(tree)
	tree.floatPool = newFloatPool(tree)
	return tree
}

func (tree *ExpressionTree) pool(operandType OperandType) *RegisterPool {
	if operandType.IsFloat {
		return tree.floatPool
	}
	return tree.generalPool
}

func (tree *ExpressionTree) newNodeBase() nodeBase {
	base := nodeBase{
		tree: tree,
		id:   len(tree.nodes),
	}
	return base
}

func (tree *ExpressionTree) registerNode(node Node) {
	tree.nodes = append(tree.nodes, node)
}

//
// Spill area
//

// Spill slots live in the frame's local area, addressed off the frame base
// register: slot i is [rbp - (i+1)*8].  The local area's position relative
// to rsp is only known after frame layout, but its position relative to the
// original stack pointer (= rbp) is fixed, so body code can address slots
// before the layout is final.
func (tree *ExpressionTree) spillSlotOffset(slot int) int {
	return -(slot + 1) * platform.RegisterByteSize
}

func (tree *ExpressionTree) allocateSpillSlot() int {
	if len(tree.freeSpillSlots) > 0 {
		slot := tree.freeSpillSlots[len(tree.freeSpillSlots)-1]
		tree.freeSpillSlots = tree.freeSpillSlots[:len(tree.freeSpillSlots)-1]
		return slot
	}

	slot := tree.nextSpillSlot
	tree.nextSpillSlot++
	if tree.nextSpillSlot > tree.maxSpillSlots {
		tree.maxSpillSlots = tree.nextSpillSlot
	}
	return slot
}

func (tree *ExpressionTree) releaseSpillSlot(slot int) {
	tree.freeSpillSlots = append(tree.freeSpillSlots, slot)
}

func (tree *ExpressionTree) recordCall(argumentCount int) {
	if argumentCount > tree.maxCallArguments {
		tree.maxCallArguments = argumentCount
	}
}

//
// Compilation
//

type CompiledFunction struct {
	// Entry point bytes: prolog, body, epilog.  The embedding host copies
	// these into executable memory.
	Code []byte

	// Frame layout and unwind metadata for the generated code.
	Specification *codegen.FunctionSpecification
}

// Runs the two passes over the graph: the register-pressure labeling pass,
// then the code generation pass, then derives the function specification
// (frame layout + unwind info) from what the body actually used and splices
// prolog/body/epilog together.
func (tree *ExpressionTree) Compile(root ValueNode) *CompiledFunction {
	if tree.compiled {
		panic("expression tree already compiled")
	}
	tree.compiled = true

	// Labeling must run to completion over the whole graph before any code
	// generation begins.
	root.LabelSubtree(true)

	if tree.diagnostics != nil {
		for _, node := range tree.nodes {
			fmt.Fprintln(tree.diagnostics, node)
		}
	}

	storage := tree.CodeGen(root)
	storage = storage.ConvertToDirect(false)

	returnRegister := platform.GeneralReturnRegister
	if root.OperandType().IsFloat {
		returnRegister = platform.FloatReturnRegister
	}

	if storage.DirectRegister() != returnRegister {
		if root.OperandType().IsFloat {
			tree.assembler.FloatOpRegister(
				x64.MovsdOp,
				returnRegister,
				storage.DirectRegister())
		} else {
			tree.assembler.MovRegister(
				returnRegister,
				storage.DirectRegister())
		}
	}
	storage.Release()

	tree.assembler.AssertAllLabelsPlaced()

	// Generated bodies always use the frame base register: spill slots are
	// addressed off the original stack pointer value.
	spec := codegen.NewFunctionSpecification(
		tree.maxCallArguments,
		tree.maxSpillSlots,
		tree.generalPool.TouchedNonvolatileMask(),
		tree.floatPool.TouchedNonvolatileMask(),
		codegen.BaseRegisterSetRbpToOriginalRsp,
		tree.diagnostics)

	buffer := codegen.NewFunctionBuffer()
	buffer.BeginFunctionBodyGeneration(spec)
	buffer.EmitRaw(tree.assembler.BufferStart())
	buffer.EndFunctionBodyGeneration(spec)

	return &CompiledFunction{
		Code:          buffer.GetEntryPoint(),
		Specification: spec,
	}
}
