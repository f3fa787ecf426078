package expr

import (
	"fmt"
	"math"

	"github.com/MilkTool/NativeJIT/platform"
)

// A compile-time constant.
type ImmediateNode struct {
	nodeBase

	operandType OperandType
	bits        int64
}

func (tree *ExpressionTree) Immediate(value int64) *ImmediateNode {
	node := &ImmediateNode{
		nodeBase:    tree.newNodeBase(),
		operandType: Int64,
		bits:        value,
	}
	tree.registerNode(node)
	return node
}

func (tree *ExpressionTree) FloatImmediate(value float64) *ImmediateNode {
	node := &ImmediateNode{
		nodeBase:    tree.newNodeBase(),
		operandType: Float64,
		bits:        int64(math.Float64bits(value)),
	}
	tree.registerNode(node)
	return node
}

// A function address usable as a call target.
func (tree *ExpressionTree) FunctionPointer(address uint64) *ImmediateNode {
	node := &ImmediateNode{
		nodeBase:    tree.newNodeBase(),
		operandType: Int64,
		bits:        int64(address),
	}
	tree.registerNode(node)
	return node
}

func (node *ImmediateNode) OperandType() OperandType {
	return node.operandType
}

// Immediates need no register of their own; the consuming instruction
// encodes them inline or materializes them into its own allocation.
func (node *ImmediateNode) LabelSubtree(isLeftChild bool) int {
	if node.labeled {
		return node.registerCount
	}
	node.setRegisterCount(0)
	return node.registerCount
}

func (node *ImmediateNode) CodeGenValue() *Storage {
	return node.tree.immediateStorage(node.operandType, node.bits)
}

func (node *ImmediateNode) String() string {
	return fmt.Sprintf(
		"Immediate(%s) id=%d, parents=%d, value=%d",
		node.operandType,
		node.id,
		node.parentCount,
		node.bits)
}

// A function parameter, living in its calling convention register.  The
// register is claimed when the node is created so the pool cannot hand it
// out before the parameter is consumed; under pressure the value spills
// like any other storage.
type ParameterNode struct {
	nodeBase

	operandType OperandType
	position    int
	storage     *Storage
}

func (tree *ExpressionTree) Parameter(
	position int,
	operandType OperandType,
) *ParameterNode {
	registers := platform.GeneralParameterRegisters
	if operandType.IsFloat {
		registers = platform.FloatParameterRegisters
	}
	if position < 0 || position >= len(registers) {
		panic("parameter position out of range")
	}

	node := &ParameterNode{
		nodeBase:    tree.newNodeBase(),
		operandType: operandType,
		position:    position,
		storage:     tree.claimRegister(registers[position], operandType),
	}
	tree.registerNode(node)
	return node
}

func (node *ParameterNode) OperandType() OperandType {
	return node.operandType
}

func (node *ParameterNode) LabelSubtree(isLeftChild bool) int {
	if node.labeled {
		return node.registerCount
	}
	node.setRegisterCount(1)
	return node.registerCount
}

// Transfers the node's construction-time claim to the consumer.
func (node *ParameterNode) CodeGenValue() *Storage {
	storage := node.storage
	node.storage = nil
	return storage
}

func (node *ParameterNode) String() string {
	return fmt.Sprintf(
		"Parameter(%s) id=%d, parents=%d, position=%d",
		node.operandType,
		node.id,
		node.parentCount,
		node.position)
}
