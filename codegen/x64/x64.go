// Package x64 emits x86-64 machine code for control-flow-graph IR.
//
// Compiled functions follow the System V calling convention with the
// signature object_ptr fn(object_ptr *args): the argument-array base
// arrives in the first integer argument register and the result object
// leaves in the result register. Two callee-saved registers are pinned
// for the function's lifetime (the argument base and the local-frame
// base) and the machine stack doubles as the value stack.
//
// Pointers to constants, names, the globals and builtins dictionaries,
// and the truth singletons are embedded in the emitted instructions;
// the code is invalid if any of those objects is replaced.
package x64

import (
	"github.com/pkg/errors"
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/mpage/cinder/ir"
	"github.com/mpage/cinder/runtime"
)

// Error kinds reported by this package.
var (
	// ErrUnsupportedOpcode is returned when the graph contains an IR
	// variant outside the back end's supported set.
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	// ErrUnsupportedEnvironment is returned when the function's globals
	// or builtins are not plain dictionaries.
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
)

// Pinned registers, reserved for the whole function.
const (
	// argsReg holds the base of the argument array.
	argsReg = x86.REG_R12
	// frameReg holds the base of the local-variable frame; the stack
	// pointer is restored from it in the epilogue.
	frameReg = x86.REG_R13
)

// Call-surviving scratch registers. operandReg carries a value-stack
// operand across host calls; singletonTrueReg and singletonFalseReg
// cache the truth singletons inside a single template.
const (
	operandReg        = x86.REG_R14
	singletonTrueReg  = x86.REG_R15
	singletonFalseReg = x86.REG_BX
)

const objectSize = 8

// Compile emits machine code for the given graph and returns the
// finalised buffer. It fails with ErrUnsupportedOpcode if the graph
// contains an instruction outside the supported set, and with
// ErrUnsupportedEnvironment if the graph loads globals but the
// function's globals or builtins are not plain dictionaries.
func Compile(cfg *ir.ControlFlowGraph, meta *runtime.Func, syms *runtime.Symbols) ([]byte, error) {
	blocks, err := cfg.Blocks()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := gate(blocks, meta); err != nil {
		return nil, errors.WithStack(err)
	}
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create assembly builder")
	}
	c := &compiler{
		b:      b,
		meta:   meta,
		syms:   syms,
		labels: make(map[ir.Label]*label),
	}
	c.emitPrologue()
	for _, block := range blocks {
		c.bind(c.blockLabel(block.Label))
		for _, instr := range block.Instructions {
			if err := c.emit(instr); err != nil {
				return nil, errors.WithStack(err)
			}
		}
	}
	for name, l := range c.labels {
		if l.target == nil {
			return nil, errors.Wrapf(ir.ErrInternalInvariant, "jump to block %s was never bound", name)
		}
	}
	return b.Assemble(), nil
}

// gate verifies that every instruction of the graph has a lowering
// before any code is emitted.
func gate(blocks []*ir.BasicBlock, meta *runtime.Func) error {
	for _, block := range blocks {
		for _, instr := range block.Instructions {
			if !supported(instr) {
				return errors.Wrapf(ErrUnsupportedOpcode, "cannot compile %v in block %s", instr, block.Label)
			}
			if _, ok := instr.(ir.LoadGlobal); ok {
				if !meta.GlobalsAreDict {
					return errors.Wrap(ErrUnsupportedEnvironment, "globals are not a plain dictionary")
				}
				if !meta.BuiltinsAreDict {
					return errors.Wrap(ErrUnsupportedEnvironment, "builtins are not a plain dictionary")
				}
			}
		}
	}
	return nil
}

// supported reports whether the instruction has a lowering.
func supported(instr ir.Instruction) bool {
	switch instr := instr.(type) {
	case ir.Load:
		return instr.Pool == ir.Locals || instr.Pool == ir.Constants
	case ir.UnaryOperation:
		return instr.Kind == ir.Not
	case ir.Compare:
		return instr.Predicate == ir.Is || instr.Predicate == ir.IsNot
	case ir.Store, ir.LoadAttr, ir.StoreAttr, ir.LoadGlobal, ir.Branch,
		ir.ConditionalBranch, ir.Call, ir.PopTop, ir.ReturnValue:
		return true
	}
	return false
}

// emit lowers a single IR instruction.
func (c *compiler) emit(instr ir.Instruction) error {
	switch instr := instr.(type) {
	case ir.Load:
		return c.emitLoad(instr)
	case ir.Store:
		return c.emitStore(instr)
	case ir.LoadAttr:
		return c.emitLoadAttr(instr)
	case ir.StoreAttr:
		return c.emitStoreAttr(instr)
	case ir.LoadGlobal:
		return c.emitLoadGlobal(instr)
	case ir.UnaryOperation:
		return c.emitUnaryNot()
	case ir.Compare:
		return c.emitCompare(instr)
	case ir.Branch:
		c.emitBranch(instr)
		return nil
	case ir.ConditionalBranch:
		c.emitCondBranch(instr)
		return nil
	case ir.Call:
		return c.emitCall(instr)
	case ir.PopTop:
		c.emitPopTop()
		return nil
	case ir.ReturnValue:
		c.emitReturn()
		return nil
	}
	return errors.Wrapf(ErrUnsupportedOpcode, "cannot compile %v", instr)
}
