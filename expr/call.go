package expr

import (
	"fmt"
	"strings"

	"github.com/MilkTool/NativeJIT/platform"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

// The calling convention homes the first four arguments in registers; stack
// arguments are not supported.
const maxCallArgumentCount = 4

// An indirect call through a function-pointer value.  Arguments are staged
// into their convention registers, live caller-saved values are spilled,
// and the result is claimed from the convention return register.
type CallNode struct {
	nodeBase

	returnType OperandType
	target     ValueNode
	arguments  []ValueNode
}

func (tree *ExpressionTree) Call(
	returnType OperandType,
	target ValueNode,
	arguments ...ValueNode,
) *CallNode {
	if target.OperandType() != Int64 {
		panic("call target must be an integer function pointer")
	}
	if len(arguments) > maxCallArgumentCount {
		panic("too many call arguments")
	}

	node := &CallNode{
		nodeBase:   tree.newNodeBase(),
		returnType: returnType,
		target:     target,
		arguments:  arguments,
	}
	target.base().incrementParentCount()
	for _, argument := range arguments {
		argument.base().incrementParentCount()
	}
	tree.registerNode(node)
	tree.recordCall(len(arguments))
	return node
}

func (node *CallNode) OperandType() OperandType {
	return node.returnType
}

func (node *CallNode) LabelSubtree(isLeftChild bool) int {
	if node.labeled {
		return node.registerCount
	}

	count := node.target.LabelSubtree(true)
	for _, argument := range node.arguments {
		count = computeRegisterCount(count, argument.LabelSubtree(false))
	}

	node.setRegisterCount(count)
	return node.registerCount
}

func (node *CallNode) parameterRegister(position int, operandType OperandType) *platform.Register {
	if operandType.IsFloat {
		return platform.FloatParameterRegisters[position]
	}
	return platform.GeneralParameterRegisters[position]
}

func (node *CallNode) CodeGenValue() *Storage {
	tree := node.tree

	staged := make([]*Storage, len(node.arguments))
	for idx, argument := range node.arguments {
		staged[idx] = tree.CodeGen(argument)
	}
	sTarget := tree.CodeGen(node.target)

	// Position the arguments.  moveToRegister relocates whatever currently
	// occupies a convention register, so an argument evaluated into another
	// argument's slot is pushed to memory and reloaded when its turn comes.
	for idx, argument := range node.arguments {
		staged[idx] = tree.moveToRegister(
			staged[idx],
			node.parameterRegister(idx, argument.OperandType()))
	}

	// Everything else live in a caller-saved register must survive the
	// callee.  Positioned arguments are pinned and skipped.
	tree.generalPool.spillVolatiles()
	tree.floatPool.spillVolatiles()

	sTarget = sTarget.ConvertToDirect(false)
	tree.assembler.CallRegister(sTarget.DirectRegister())

	sTarget.Release()
	for _, storage := range staged {
		storage.Unpin()
		storage.Release()
	}

	register := platform.GeneralReturnRegister
	if node.returnType.IsFloat {
		register = platform.FloatReturnRegister
	}

	pool := tree.pool(node.returnType)
	if pool.owner(register) == nil {
		// Argument and target claims are released above and every other
		// unpinned volatile holding was spilled.
		return tree.claimRegister(register, node.returnType)
	}

	// A pinned storage holds the return register for another branch path.
	// Its register identity must survive to that branch's rejoin move, and
	// its value is dead on this path (the callee clobbered the register
	// regardless).  Move the result aside and leave the claim untouched.
	result := tree.allocateDirect(node.returnType)
	if node.returnType.IsFloat {
		tree.assembler.FloatOpRegister(
			x64.MovsdOp,
			result.DirectRegister(),
			register)
	} else {
		tree.assembler.MovRegister(result.DirectRegister(), register)
	}
	return result
}

func (node *CallNode) String() string {
	argumentIds := make([]string, 0, len(node.arguments))
	for _, argument := range node.arguments {
		argumentIds = append(argumentIds, fmt.Sprintf("%d", argument.Id()))
	}
	return fmt.Sprintf(
		"Call id=%d, parents=%d, target=%d, arguments=[%s], registers=%d",
		node.id,
		node.parentCount,
		node.target.Id(),
		strings.Join(argumentIds, ", "),
		node.registerCount)
}
