package expr

import (
	"github.com/MilkTool/NativeJIT/platform/x64"
)

// A vertex in the expression graph.  The node set is closed: arithmetic,
// relational, conditional, call, and leaf nodes, all created through
// ExpressionTree constructors.
type Node interface {
	Id() int

	// How many other nodes consume this node's result.  Shared
	// subexpressions (parent count > 1) are generated once and cached.
	ParentCount() int

	// Bottom-up register pressure estimate.  Computes at most once per
	// node; revisits through other parents return the stored count, so
	// shared subexpressions are not double-counted and re-running the pass
	// is a no-op.  The estimate is advisory: actual scarcity is handled by
	// spilling at code generation time.
	LabelSubtree(isLeftChild bool) int

	RegisterCount() int

	String() string
}

// A node producing a materialized value.
type ValueNode interface {
	Node

	OperandType() OperandType

	// Emits instructions computing this node's value, ignoring the cache.
	// Callers must go through ExpressionTree.CodeGen, which enforces the
	// generate-once invariant and the caching contract.
	CodeGenValue() *Storage

	base() *nodeBase
}

// A node whose "value" is CPU condition-flag state.  The flags are only
// legal to consume immediately: they are not preserved across arbitrary
// code emission.
//
// CodeGenFlags returns the condition the consumer must branch on.  The
// returned condition is not necessarily the node's own: re-deriving flags
// from a cached boolean storage compares the 0/1 value against 1 and
// reports Equal instead.
type FlagExpressionNode interface {
	ValueNode

	CodeGenFlags() x64.Condition
}

type nodeBase struct {
	tree *ExpressionTree
	id   int

	parentCount int

	labeled       bool
	registerCount int

	generated      bool
	cache          *Storage
	cacheRemaining int
}

func (node *nodeBase) base() *nodeBase {
	return node
}

func (node *nodeBase) Id() int {
	return node.id
}

func (node *nodeBase) ParentCount() int {
	return node.parentCount
}

func (node *nodeBase) incrementParentCount() {
	node.parentCount++
}

func (node *nodeBase) RegisterCount() int {
	if !node.labeled {
		panic("node not labeled")
	}
	return node.registerCount
}

func (node *nodeBase) setRegisterCount(count int) {
	node.registerCount = count
	node.labeled = true
}

// Evaluation order heuristic for binary nodes: evaluating the
// higher-pressure side first needs max(l, r) registers when they differ,
// one extra when they tie (the first result stays live while the second
// side evaluates).
func computeRegisterCount(left int, right int) int {
	if left == right {
		return left + 1
	}
	if left > right {
		return left
	}
	return right
}

// Generates a value node's code, honoring the sharing contract: a node is
// code-generated at most once per compilation; subsequent consumers read
// its cached Storage.  Each consumer owns one reference to the returned
// storage and must release it.
func (tree *ExpressionTree) CodeGen(node ValueNode) *Storage {
	base := node.base()

	if base.cache != nil {
		storage := base.cache
		base.cacheRemaining--
		if base.cacheRemaining == 0 {
			// The cache is not re-shared past the declared parent count.
			base.cache = nil
		}
		return storage
	}

	if base.generated {
		panic("node code-generated more than once")
	}
	base.generated = true

	storage := node.CodeGenValue()

	if base.parentCount > 1 {
		base.cache = storage
		base.cacheRemaining = base.parentCount - 1
		for idx := 0; idx < base.cacheRemaining; idx++ {
			storage.Retain()
		}
	}

	return storage
}

// Generates a flag node's condition state.  For a shared flag node the
// boolean value is materialized (and cached) on first use, and every flag
// consumption is re-derived from the cached 0/1 storage, so that all
// consumers observe correct flags regardless of consumption order.
func (tree *ExpressionTree) CodeGenFlags(node FlagExpressionNode) x64.Condition {
	base := node.base()

	if base.cache == nil && base.parentCount <= 1 {
		if base.generated {
			panic("node code-generated more than once")
		}
		base.generated = true
		return node.CodeGenFlags()
	}

	// Shared: go through the cached boolean.
	storage := tree.CodeGen(node)
	storage = storage.ConvertToDirect(false)
	tree.assembler.IntegerOpImmediate(
		x64.CmpOp,
		storage.DirectRegister(),
		1)
	storage.Release()
	return x64.Equal
}
