package codegen

import (
	"github.com/MilkTool/NativeJIT/platform/x64"
)

// Hosts one generated function: the specification's prolog, the caller's
// body instructions, and the specification's epilog, in that order.
type FunctionBuffer struct {
	*x64.Assembler

	entryPointOffset int
	bodyStarted      bool
	bodyEnded        bool
}

func NewFunctionBuffer() *FunctionBuffer {
	return &FunctionBuffer{
		Assembler: x64.NewAssembler(x64.NewBuffer()),
	}
}

// Splices the specification's prolog into the buffer.  All body instructions
// must be emitted between this call and EndFunctionBodyGeneration.
func (buffer *FunctionBuffer) BeginFunctionBodyGeneration(
	spec *FunctionSpecification,
) {
	if buffer.bodyStarted {
		panic("function body generation already started")
	}
	buffer.bodyStarted = true

	buffer.entryPointOffset = buffer.CurrentPosition()
	buffer.EmitRaw(spec.Prolog())
}

func (buffer *FunctionBuffer) EndFunctionBodyGeneration(
	spec *FunctionSpecification,
) {
	if !buffer.bodyStarted || buffer.bodyEnded {
		panic("function body generation not in progress")
	}
	buffer.bodyEnded = true

	buffer.AssertAllLabelsPlaced()
	buffer.EmitRaw(spec.Epilog())
}

// The finished function's bytes, starting at its entry point.  The embedding
// host copies these into executable memory together with the specification's
// unwind info.
func (buffer *FunctionBuffer) GetEntryPoint() []byte {
	if !buffer.bodyEnded {
		panic("function body generation not finished")
	}

	return buffer.BufferStart()[buffer.entryPointOffset:]
}
