package expr

import (
	"fmt"

	"github.com/MilkTool/NativeJIT/platform/x64"
)

// Comparison flavors exposed by the tree API.  Signed conditions are
// translated to their unsigned counterparts for float operands, since
// comisd reports through the carry/zero flags.
var floatConditions = map[x64.Condition]x64.Condition{
	x64.Less:           x64.Below,
	x64.LessOrEqual:    x64.BelowOrEqual,
	x64.Greater:        x64.Above,
	x64.GreaterOrEqual: x64.AboveOrEqual,
	x64.Equal:          x64.Equal,
	x64.NotEqual:       x64.NotEqual,
	x64.Below:          x64.Below,
	x64.BelowOrEqual:   x64.BelowOrEqual,
	x64.Above:          x64.Above,
	x64.AboveOrEqual:   x64.AboveOrEqual,
}

// Compares two same-typed operands and exposes the result as condition
// flags.  The boolean result is only materialized into a register when a
// consumer demands a value.
type RelationalNode struct {
	nodeBase

	condition x64.Condition
	left      ValueNode
	right     ValueNode
}

func (tree *ExpressionTree) Compare(
	condition x64.Condition,
	left ValueNode,
	right ValueNode,
) *RelationalNode {
	if left.OperandType() != right.OperandType() {
		panic("comparison operand type mismatch")
	}

	if left.OperandType().IsFloat {
		translated, ok := floatConditions[condition]
		if !ok {
			panic("condition not defined for float operands")
		}
		condition = translated
	}

	node := &RelationalNode{
		nodeBase:  tree.newNodeBase(),
		condition: condition,
		left:      left,
		right:     right,
	}
	left.base().incrementParentCount()
	right.base().incrementParentCount()
	tree.registerNode(node)
	return node
}

// The materialized boolean is an integer 0/1 regardless of operand type.
func (node *RelationalNode) OperandType() OperandType {
	return Int64
}

func (node *RelationalNode) LabelSubtree(isLeftChild bool) int {
	if node.labeled {
		return node.registerCount
	}

	left := node.left.LabelSubtree(true)
	right := node.right.LabelSubtree(false)
	node.setRegisterCount(computeRegisterCount(left, right))
	return node.registerCount
}

// Evaluates both operands, higher register pressure first, and emits the
// compare.  Nothing is materialized; the caller must consume the flags
// immediately, branching on the returned condition.
func (node *RelationalNode) CodeGenFlags() x64.Condition {
	tree := node.tree

	var sLeft, sRight *Storage
	if node.left.RegisterCount() >= node.right.RegisterCount() {
		sLeft = tree.CodeGen(node.left)
		sRight = tree.CodeGen(node.right)
	} else {
		sRight = tree.CodeGen(node.right)
		sLeft = tree.CodeGen(node.left)
	}

	sLeft = sLeft.ConvertToDirect(false)
	dst := sLeft.DirectRegister()
	sLeft.Pin()

	if node.left.OperandType().IsFloat {
		switch sRight.Kind() {
		case DirectStorage:
			tree.assembler.FloatOpRegister(
				x64.ComisdOp,
				dst,
				sRight.DirectRegister())
		case IndirectStorage:
			tree.assembler.FloatOpMemory(
				x64.ComisdOp,
				dst,
				sRight.baseRegister,
				sRight.byteOffset)
		case ImmediateStorage:
			sRight = sRight.ConvertToDirect(false)
			tree.assembler.FloatOpRegister(
				x64.ComisdOp,
				dst,
				sRight.DirectRegister())
		}
	} else {
		switch sRight.Kind() {
		case DirectStorage:
			tree.assembler.IntegerOpRegister(
				x64.CmpOp,
				dst,
				sRight.DirectRegister())
		case IndirectStorage:
			tree.assembler.IntegerOpMemory(
				x64.CmpOp,
				dst,
				sRight.baseRegister,
				sRight.byteOffset)
		case ImmediateStorage:
			value := sRight.immediate
			if -(1<<31) <= value && value < 1<<31 {
				tree.assembler.IntegerOpImmediate(x64.CmpOp, dst, int32(value))
			} else {
				sRight = sRight.ConvertToDirect(false)
				tree.assembler.IntegerOpRegister(
					x64.CmpOp,
					dst,
					sRight.DirectRegister())
			}
		}
	}

	sLeft.Unpin()
	sRight.Release()
	sLeft.Release()

	return node.condition
}

// Materializes a 0/1 value from the flags.  The result register is
// allocated before the branch so that a spill forced by the allocation is
// emitted on the fall-through path shared by both branches; the mov
// instructions themselves do not affect flags.
func (node *RelationalNode) CodeGenValue() *Storage {
	tree := node.tree

	conditionIsTrue := tree.assembler.AllocateLabel()
	testCompleted := tree.assembler.AllocateLabel()

	condition := node.CodeGenFlags()
	result := tree.allocateDirect(Int64)

	tree.assembler.JmpCondition(condition, conditionIsTrue)

	tree.emitBool(result.DirectRegister(), false)
	tree.assembler.Jmp(testCompleted)

	tree.assembler.PlaceLabel(conditionIsTrue)
	tree.emitBool(result.DirectRegister(), true)

	tree.assembler.PlaceLabel(testCompleted)

	return result
}

func (node *RelationalNode) String() string {
	return fmt.Sprintf(
		"Relational(%s) id=%d, parents=%d, left=%d, right=%d, registers=%d",
		node.condition,
		node.id,
		node.parentCount,
		node.left.Id(),
		node.right.Id(),
		node.registerCount)
}

// A ternary select: condition flags pick between two value branches.  Both
// machine-level branches can allocate and spill independently, so after the
// second branch is generated the two result registers are reconciled with a
// move before the rejoin label; the fall-through code then sees a single
// register identity regardless of which branch executed.
type ConditionalNode struct {
	nodeBase

	condition FlagExpressionNode
	trueNode  ValueNode
	falseNode ValueNode
}

func (tree *ExpressionTree) Conditional(
	condition FlagExpressionNode,
	trueNode ValueNode,
	falseNode ValueNode,
) *ConditionalNode {
	if trueNode.OperandType() != falseNode.OperandType() {
		panic("conditional branch type mismatch")
	}

	node := &ConditionalNode{
		nodeBase:  tree.newNodeBase(),
		condition: condition,
		trueNode:  trueNode,
		falseNode: falseNode,
	}
	condition.base().incrementParentCount()
	trueNode.base().incrementParentCount()
	falseNode.base().incrementParentCount()
	tree.registerNode(node)
	return node
}

func (node *ConditionalNode) OperandType() OperandType {
	return node.trueNode.OperandType()
}

// Only one branch executes at runtime, so the subtree pressure is the
// maximum across condition and branches, not their sum.
func (node *ConditionalNode) LabelSubtree(isLeftChild bool) int {
	if node.labeled {
		return node.registerCount
	}

	count := node.condition.LabelSubtree(true)
	if trueCount := node.trueNode.LabelSubtree(true); trueCount > count {
		count = trueCount
	}
	if falseCount := node.falseNode.LabelSubtree(true); falseCount > count {
		count = falseCount
	}

	node.setRegisterCount(count)
	return node.registerCount
}

func (node *ConditionalNode) CodeGenValue() *Storage {
	tree := node.tree

	condition := tree.CodeGenFlags(node.condition)

	conditionIsTrue := tree.assembler.AllocateLabel()
	rejoin := tree.assembler.AllocateLabel()

	tree.assembler.JmpCondition(condition, conditionIsTrue)

	falseValue := tree.CodeGen(node.falseNode).ConvertToDirect(true)

	// The true branch's allocations must not evict the agreed result
	// register: a spill emitted there would only execute on one path.
	//
	// Pinning protects only the result register.  A storage that was live
	// before the branch can still be selected as a spill victim inside it,
	// leaving its rebound slot unwritten on the other path; removing the
	// constraint requires pinning the whole live set or spilling it before
	// the branch instruction.
	falseValue.Pin()

	tree.assembler.Jmp(rejoin)
	tree.assembler.PlaceLabel(conditionIsTrue)

	trueValue := tree.CodeGen(node.trueNode).ConvertToDirect(false)

	if trueValue.DirectRegister() != falseValue.DirectRegister() {
		if node.OperandType().IsFloat {
			tree.assembler.FloatOpRegister(
				x64.MovsdOp,
				falseValue.DirectRegister(),
				trueValue.DirectRegister())
		} else {
			tree.assembler.MovRegister(
				falseValue.DirectRegister(),
				trueValue.DirectRegister())
		}
	}
	trueValue.Release()

	falseValue.Unpin()
	tree.assembler.PlaceLabel(rejoin)

	return falseValue
}

func (node *ConditionalNode) String() string {
	return fmt.Sprintf(
		"Conditional id=%d, parents=%d, condition=%d, true=%d, false=%d, "+
			"registers=%d",
		node.id,
		node.parentCount,
		node.condition.Id(),
		node.trueNode.Id(),
		node.falseNode.Id(),
		node.registerCount)
}
