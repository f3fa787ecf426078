package expr

import (
	"fmt"

	"github.com/MilkTool/NativeJIT/platform/x64"
)

type BinaryOperation int

const (
	AddOperation = BinaryOperation(iota)
	SubOperation
	MulOperation
	AndOperation
	OrOperation
)

var binaryOperationNames = map[BinaryOperation]string{
	AddOperation: "Add",
	SubOperation: "Sub",
	MulOperation: "Mul",
	AndOperation: "And",
	OrOperation:  "Or",
}

var integerBinaryOps = map[BinaryOperation]x64.IntegerOp{
	AddOperation: x64.AddOp,
	SubOperation: x64.SubOp,
	MulOperation: x64.ImulOp,
	AndOperation: x64.AndOp,
	OrOperation:  x64.OrOp,
}

var floatBinaryOps = map[BinaryOperation]x64.FloatOp{
	AddOperation: x64.AddsdOp,
	SubOperation: x64.SubsdOp,
	MulOperation: x64.MulsdOp,
}

// A two-operand arithmetic/bitwise node.  Both operands must have the same
// operand type, which is also the result type.
type BinaryNode struct {
	nodeBase

	operation BinaryOperation
	left      ValueNode
	right     ValueNode
}

func (tree *ExpressionTree) newBinary(
	operation BinaryOperation,
	left ValueNode,
	right ValueNode,
) *BinaryNode {
	if left.OperandType() != right.OperandType() {
		panic("binary operand type mismatch")
	}
	if left.OperandType().IsFloat {
		_, ok := floatBinaryOps[operation]
		if !ok {
			panic("operation not defined for float operands")
		}
	}

	node := &BinaryNode{
		nodeBase:  tree.newNodeBase(),
		operation: operation,
		left:      left,
		right:     right,
	}
	left.base().incrementParentCount()
	right.base().incrementParentCount()
	tree.registerNode(node)
	return node
}

func (tree *ExpressionTree) Add(left ValueNode, right ValueNode) *BinaryNode {
	return tree.newBinary(AddOperation, left, right)
}

func (tree *ExpressionTree) Sub(left ValueNode, right ValueNode) *BinaryNode {
	return tree.newBinary(SubOperation, left, right)
}

func (tree *ExpressionTree) Mul(left ValueNode, right ValueNode) *BinaryNode {
	return tree.newBinary(MulOperation, left, right)
}

func (tree *ExpressionTree) And(left ValueNode, right ValueNode) *BinaryNode {
	return tree.newBinary(AndOperation, left, right)
}

func (tree *ExpressionTree) Or(left ValueNode, right ValueNode) *BinaryNode {
	return tree.newBinary(OrOperation, left, right)
}

func (node *BinaryNode) OperandType() OperandType {
	return node.left.OperandType()
}

func (node *BinaryNode) LabelSubtree(isLeftChild bool) int {
	if node.labeled {
		return node.registerCount
	}

	left := node.left.LabelSubtree(true)
	right := node.right.LabelSubtree(false)
	node.setRegisterCount(computeRegisterCount(left, right))
	return node.registerCount
}

// Generates both operands, higher register pressure first, then folds the
// right operand into the left's register.  The right operand is consumed
// from wherever it lives: register, spilled memory, or inline immediate.
func (node *BinaryNode) CodeGenValue() *Storage {
	tree := node.tree

	var sLeft, sRight *Storage
	if node.left.RegisterCount() >= node.right.RegisterCount() {
		sLeft = tree.CodeGen(node.left)
		sRight = tree.CodeGen(node.right)
	} else {
		sRight = tree.CodeGen(node.right)
		sLeft = tree.CodeGen(node.left)
	}

	sLeft = sLeft.ConvertToDirect(true)
	dst := sLeft.DirectRegister()

	// A conversion of the right operand below must not pick dst as a spill
	// victim.
	sLeft.Pin()

	if node.OperandType().IsFloat {
		op := floatBinaryOps[node.operation]
		switch sRight.Kind() {
		case DirectStorage:
			tree.assembler.FloatOpRegister(op, dst, sRight.DirectRegister())
		case IndirectStorage:
			tree.assembler.FloatOpMemory(
				op,
				dst,
				sRight.baseRegister,
				sRight.byteOffset)
		case ImmediateStorage:
			sRight = sRight.ConvertToDirect(false)
			tree.assembler.FloatOpRegister(op, dst, sRight.DirectRegister())
		}
	} else {
		op := integerBinaryOps[node.operation]
		switch sRight.Kind() {
		case DirectStorage:
			tree.assembler.IntegerOpRegister(op, dst, sRight.DirectRegister())
		case IndirectStorage:
			tree.assembler.IntegerOpMemory(
				op,
				dst,
				sRight.baseRegister,
				sRight.byteOffset)
		case ImmediateStorage:
			value := sRight.immediate
			if -(1<<31) <= value && value < 1<<31 {
				tree.assembler.IntegerOpImmediate(op, dst, int32(value))
			} else {
				sRight = sRight.ConvertToDirect(false)
				tree.assembler.IntegerOpRegister(
					op,
					dst,
					sRight.DirectRegister())
			}
		}
	}

	sRight.Release()
	sLeft.Unpin()
	return sLeft
}

func (node *BinaryNode) String() string {
	return fmt.Sprintf(
		"%s id=%d, parents=%d, left=%d, right=%d, registers=%d",
		binaryOperationNames[node.operation],
		node.id,
		node.parentCount,
		node.left.Id(),
		node.right.Id(),
		node.registerCount)
}
