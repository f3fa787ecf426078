package main

import (
	"fmt"
	"os"

	"github.com/MilkTool/NativeJIT/expr"
	"github.com/MilkTool/NativeJIT/platform/x64"
)

type sample struct {
	name  string
	build func(tree *expr.ExpressionTree) expr.ValueNode
}

var samples = []sample{
	{
		name: "add-immediate",
		build: func(tree *expr.ExpressionTree) expr.ValueNode {
			return tree.Add(
				tree.Parameter(0, expr.Int64),
				tree.Immediate(5))
		},
	},
	{
		name: "shared-subexpression",
		build: func(tree *expr.ExpressionTree) expr.ValueNode {
			shared := tree.Mul(
				tree.Parameter(0, expr.Int64),
				tree.Parameter(1, expr.Int64))
			return tree.Add(shared, shared)
		},
	},
	{
		name: "conditional-max",
		build: func(tree *expr.ExpressionTree) expr.ValueNode {
			left := tree.Parameter(0, expr.Int64)
			right := tree.Parameter(1, expr.Int64)
			return tree.Conditional(
				tree.Compare(x64.Greater, left, right),
				left,
				right)
		},
	},
	{
		name: "float-polynomial",
		build: func(tree *expr.ExpressionTree) expr.ValueNode {
			x := tree.Parameter(0, expr.Float64)
			return tree.Add(
				tree.Mul(x, x),
				tree.FloatImmediate(1.5))
		},
	},
	{
		name: "call-two-arguments",
		build: func(tree *expr.ExpressionTree) expr.ValueNode {
			return tree.Call(
				expr.Int64,
				tree.FunctionPointer(0x1122334455667788),
				tree.Parameter(0, expr.Int64),
				tree.Immediate(7))
		},
	},
}

func main() {
	for _, sample := range samples {
		fmt.Println("=====================")
		fmt.Println("Function:", sample.name)
		fmt.Println("---------------------")

		tree := expr.NewExpressionTree(os.Stdout)
		compiled := tree.Compile(sample.build(tree))

		fmt.Printf("code (%d bytes): % x\n",
			len(compiled.Code),
			compiled.Code)

		info := compiled.Specification.UnwindInfo()
		fmt.Printf(
			"unwind info: prolog-size=%d codes=%d\n",
			info.SizeOfProlog,
			info.CountOfCodes())
		for _, code := range info.Codes {
			fmt.Println("  ", code)
		}
	}
}
