// Package codegen lowers the control-flow-graph IR back into the
// two-byte bytecode it was lifted from.
package codegen

import (
	"github.com/pkg/errors"

	"github.com/mpage/cinder/bytecode"
	"github.com/mpage/cinder/ir"
)

// encoder lowers IR instructions into bytecode instructions. offsets
// maps block labels to the bytecode offsets the blocks were laid out
// at; branch encoding uses it to resolve jump targets.
type encoder struct {
	offsets map[ir.Label]bytecode.Offset
}

// encode lowers a single IR instruction located at the given offset.
func (e *encoder) encode(instr ir.Instruction, offset bytecode.Offset) (bytecode.Instruction, error) {
	switch instr := instr.(type) {
	case ir.ReturnValue:
		return bytecode.Instruction{Opcode: bytecode.ReturnValue}, nil
	case ir.Load:
		return e.encodeLoad(instr)
	case ir.Store:
		return bytecode.Instruction{Opcode: bytecode.StoreFast, Argument: instr.Index}, nil
	case ir.LoadAttr:
		return bytecode.Instruction{Opcode: bytecode.LoadAttr, Argument: instr.Index}, nil
	case ir.StoreAttr:
		return bytecode.Instruction{Opcode: bytecode.StoreAttr, Argument: instr.Index}, nil
	case ir.LoadGlobal:
		return bytecode.Instruction{Opcode: bytecode.LoadGlobal, Argument: instr.Index}, nil
	case ir.UnaryOperation:
		if instr.Kind != ir.Not {
			return bytecode.Instruction{}, errors.Wrapf(ir.ErrInternalInvariant, "cannot encode unary operation %v", instr.Kind)
		}
		return bytecode.Instruction{Opcode: bytecode.UnaryNot}, nil
	case ir.BinaryOperation:
		if instr.Operator != ir.And {
			return bytecode.Instruction{}, errors.Wrapf(ir.ErrInternalInvariant, "cannot encode binary operator %v", instr.Operator)
		}
		return bytecode.Instruction{Opcode: bytecode.BinaryAnd}, nil
	case ir.Compare:
		return bytecode.Instruction{Opcode: bytecode.CompareOp, Argument: int(instr.Predicate)}, nil
	case ir.Call:
		return bytecode.Instruction{Opcode: bytecode.CallFunction, Argument: instr.NumArgs}, nil
	case ir.PopTop:
		return bytecode.Instruction{Opcode: bytecode.PopTop}, nil
	case ir.Branch:
		return e.encodeBranch(instr, offset)
	case ir.ConditionalBranch:
		return e.encodeCondBranch(instr)
	}
	return bytecode.Instruction{}, errors.Wrapf(ir.ErrInternalInvariant, "cannot encode IR instruction %v", instr)
}

// encodeBranch chooses between the relative and absolute jump
// encodings: a non-negative delta from the following instruction that
// fits in one byte becomes a relative jump.
func (e *encoder) encodeBranch(instr ir.Branch, offset bytecode.Offset) (bytecode.Instruction, error) {
	dest, err := e.offset(instr.Target)
	if err != nil {
		return bytecode.Instruction{}, errors.WithStack(err)
	}
	delta := int(dest) - int(offset+bytecode.InstructionSize)
	if delta >= 0 && delta < 256 {
		return bytecode.Instruction{Opcode: bytecode.JumpForward, Argument: delta}, nil
	}
	return bytecode.Instruction{Opcode: bytecode.JumpAbsolute, Argument: int(dest)}, nil
}

// encodeLoad lowers an IR Load into the corresponding bytecode LOAD
// opcode for its pool. Only the Locals and Constants pools are
// supported, mirroring the decoder.
func (e *encoder) encodeLoad(instr ir.Load) (bytecode.Instruction, error) {
	switch instr.Pool {
	case ir.Constants:
		return bytecode.Instruction{Opcode: bytecode.LoadConst, Argument: instr.Index}, nil
	case ir.Locals:
		return bytecode.Instruction{Opcode: bytecode.LoadFast, Argument: instr.Index}, nil
	}
	return bytecode.Instruction{}, errors.Wrapf(ir.ErrInternalInvariant, "cannot encode load from pool %v", instr.Pool)
}

func (e *encoder) encodeCondBranch(instr ir.ConditionalBranch) (bytecode.Instruction, error) {
	// Truth table mapping (pop_before_eval, jump_when_true) to the
	// corresponding opcode.
	var op bytecode.Opcode
	switch {
	case instr.PopBeforeEval && instr.JumpWhenTrue:
		op = bytecode.PopJumpIfTrue
	case instr.PopBeforeEval && !instr.JumpWhenTrue:
		op = bytecode.PopJumpIfFalse
	case !instr.PopBeforeEval && instr.JumpWhenTrue:
		op = bytecode.JumpIfTrueOrPop
	default:
		op = bytecode.JumpIfFalseOrPop
	}
	target := instr.FalseBranch
	if instr.JumpWhenTrue {
		target = instr.TrueBranch
	}
	dest, err := e.offset(target)
	if err != nil {
		return bytecode.Instruction{}, errors.WithStack(err)
	}
	return bytecode.Instruction{Opcode: op, Argument: int(dest)}, nil
}

// offset resolves the bytecode offset of the given block label.
func (e *encoder) offset(label ir.Label) (bytecode.Offset, error) {
	offset, ok := e.offsets[label]
	if !ok {
		return 0, errors.Wrapf(ir.ErrInternalInvariant, "no offset recorded for block %s", label)
	}
	return offset, nil
}

// Assemble converts a control-flow graph into the corresponding
// bytecode. Loop headers are re-prefixed with a synthesised SETUP_LOOP
// and loop footers with a POP_BLOCK.
func Assemble(cfg *ir.ControlFlowGraph) ([]byte, error) {
	blocks, err := cfg.Blocks()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// Layout pass: assign each block a starting offset, reserving one
	// slot for the synthesised SETUP_LOOP of a loop header and the
	// POP_BLOCK of a loop footer.
	offsets := make(map[ir.Label]bytecode.Offset)
	offset := bytecode.Offset(0)
	for _, block := range blocks {
		offsets[block.Label] = offset
		numInstrs := len(block.Instructions)
		if block.IsLoopHeader || block.IsLoopFooter {
			numInstrs++
		}
		offset += bytecode.Offset(numInstrs * bytecode.InstructionSize)
	}
	// Adjust loop-header offsets so that jumps into the header land on
	// the instruction after the SETUP_LOOP.
	for _, block := range blocks {
		if block.IsLoopHeader {
			offsets[block.Label] += bytecode.InstructionSize
		}
	}
	// Emit pass.
	code := make([]byte, offset)
	offset = 0
	e := &encoder{offsets: offsets}
	for _, block := range blocks {
		if block.IsLoopHeader {
			footer, err := loopFooter(cfg, block)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			arg := int(offsets[footer.Label] - offset)
			if err := put(code, offset, bytecode.Instruction{Opcode: bytecode.SetupLoop, Argument: arg}); err != nil {
				return nil, errors.WithStack(err)
			}
			offset += bytecode.InstructionSize
		} else if block.IsLoopFooter {
			if err := put(code, offset, bytecode.Instruction{Opcode: bytecode.PopBlock}); err != nil {
				return nil, errors.WithStack(err)
			}
			offset += bytecode.InstructionSize
		}
		for _, instr := range block.Instructions {
			encoded, err := e.encode(instr, offset)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if err := put(code, offset, encoded); err != nil {
				return nil, errors.WithStack(err)
			}
			offset += bytecode.InstructionSize
		}
	}
	return code, nil
}

// ### [ Helper functions ] ####################################################

// loopFooter locates the loop footer among the successors of a loop
// header.
func loopFooter(cfg *ir.ControlFlowGraph, header *ir.BasicBlock) (*ir.BasicBlock, error) {
	for _, succ := range cfg.Successors(header) {
		block, ok := succ.(*ir.BasicBlock)
		if !ok {
			continue
		}
		if block.IsLoopFooter {
			return block, nil
		}
	}
	return nil, errors.Wrapf(ir.ErrInternalInvariant, "loop header %s has no matching footer", header.Label)
}

// put writes a single encoded instruction at the given offset. The
// supported subset never synthesises EXTENDED_ARG prefixes, so
// arguments must fit in one byte.
func put(code []byte, offset bytecode.Offset, instr bytecode.Instruction) error {
	arg := instr.Argument
	if arg < 0 {
		arg = 0
	}
	if arg > 0xff {
		return errors.Wrapf(ir.ErrInternalInvariant, "argument %d of %v at offset %v does not fit in one byte", instr.Argument, instr.Opcode, offset)
	}
	code[offset] = byte(instr.Opcode)
	code[offset+1] = byte(arg)
	return nil
}
