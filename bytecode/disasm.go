package bytecode

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mpage/cinder/ir"
)

// decoder lifts bytecode instructions into IR instructions. labels
// maps block-start offsets to the labels of the blocks they begin;
// branch decoding uses it to name jump targets.
type decoder struct {
	labels map[Offset]ir.Label
}

// decode lifts a single instruction. It fails with ErrUnknownOpcode
// for opcodes outside the supported subset.
func (d *decoder) decode(offset Offset, instr Instruction) (ir.Instruction, error) {
	switch instr.Opcode {
	case ReturnValue:
		return ir.ReturnValue{}, nil
	case LoadConst:
		return ir.Load{Index: instr.Argument, Pool: ir.Constants}, nil
	case LoadFast:
		return ir.Load{Index: instr.Argument, Pool: ir.Locals}, nil
	case StoreFast:
		return ir.Store{Index: instr.Argument}, nil
	case LoadAttr:
		return ir.LoadAttr{Index: instr.Argument}, nil
	case StoreAttr:
		return ir.StoreAttr{Index: instr.Argument}, nil
	case LoadGlobal:
		return ir.LoadGlobal{Index: instr.Argument}, nil
	case UnaryNot:
		return ir.UnaryOperation{Kind: ir.Not}, nil
	case PopTop:
		return ir.PopTop{}, nil
	case CallFunction:
		return ir.Call{NumArgs: instr.Argument}, nil
	case JumpAbsolute:
		target, err := d.label(Offset(instr.Argument))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return ir.Branch{Target: target}, nil
	case JumpForward:
		target, err := d.label(offset + InstructionSize + Offset(instr.Argument))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return ir.Branch{Target: target}, nil
	case JumpIfFalseOrPop, JumpIfTrueOrPop, PopJumpIfFalse:
		return d.decodeCondBranch(offset, instr)
	case CompareOp:
		return d.decodeCompare(instr)
	case BinaryAnd:
		return ir.BinaryOperation{Operator: ir.And}, nil
	}
	return nil, errors.Wrapf(ErrUnknownOpcode, "cannot decode opcode %v at offset %v", instr.Opcode, offset)
}

func (d *decoder) decodeCondBranch(offset Offset, instr Instruction) (ir.Instruction, error) {
	jumpBranch, err := d.label(Offset(instr.Argument))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	passBranch, err := d.label(offset + InstructionSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch instr.Opcode {
	case JumpIfFalseOrPop:
		return ir.ConditionalBranch{TrueBranch: passBranch, FalseBranch: jumpBranch, PopBeforeEval: false, JumpWhenTrue: false}, nil
	case JumpIfTrueOrPop:
		return ir.ConditionalBranch{TrueBranch: jumpBranch, FalseBranch: passBranch, PopBeforeEval: false, JumpWhenTrue: true}, nil
	case PopJumpIfFalse:
		return ir.ConditionalBranch{TrueBranch: passBranch, FalseBranch: jumpBranch, PopBeforeEval: true, JumpWhenTrue: false}, nil
	}
	return nil, errors.Wrapf(ErrUnknownOpcode, "cannot decode opcode %v at offset %v", instr.Opcode, offset)
}

func (d *decoder) decodeCompare(instr Instruction) (ir.Instruction, error) {
	switch p := ir.ComparePredicate(instr.Argument); p {
	case ir.Is, ir.IsNot:
		return ir.Compare{Predicate: p}, nil
	}
	return nil, errors.Wrapf(ErrUnknownOpcode, "cannot decode compare predicate %d", instr.Argument)
}

// label resolves the block label at the given offset. A branch that
// names an offset no block starts at indicates a bug in the boundary
// computation.
func (d *decoder) label(offset Offset) (ir.Label, error) {
	label, ok := d.labels[offset]
	if !ok {
		return "", errors.Wrapf(ir.ErrInternalInvariant, "no block starts at offset %v", offset)
	}
	return label, nil
}

// isBlockSetup reports whether [start, end) holds a lone loop set-up
// instruction.
func isBlockSetup(code []byte, start, end Offset) bool {
	return start+InstructionSize == end && Opcode(code[start]) == SetupLoop
}

// Disassemble builds a control-flow graph from the given bytecode.
//
// Blocks consisting of a single SETUP_LOOP are dropped and their
// fall-through successor is marked as a loop header; POP_BLOCK marks
// its block as a loop footer and is not lifted. Neither has an IR
// rendering.
func Disassemble(code []byte) (*ir.ControlFlowGraph, error) {
	boundaries, err := ComputeBlockBoundaries(code)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	labels := make(map[Offset]ir.Label)
	for i, boundary := range boundaries {
		labels[boundary.Start] = newLabel(i)
	}
	d := &decoder{labels: labels}
	var blocks []*ir.BasicBlock
	for _, boundary := range boundaries {
		if isBlockSetup(code, boundary.Start, boundary.End) {
			// Skip basic blocks that only set up the block stack.
			continue
		}
		isLoopHeader := boundary.Start >= InstructionSize && Opcode(code[boundary.Start-InstructionSize]) == SetupLoop
		isLoopFooter := false
		var instrs []ir.Instruction
		it, err := NewWindowIterator(code, boundary.Start, boundary.End)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for it.Next() {
			offset, instr := it.At()
			switch instr.Opcode {
			case PopBlock:
				isLoopFooter = true
			case SetupLoop:
				// Consumed; the next block is tagged via its start.
			default:
				lifted, err := d.decode(offset, instr)
				if err != nil {
					return nil, errors.WithStack(err)
				}
				instrs = append(instrs, lifted)
			}
		}
		if err := it.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		block, err := ir.NewBasicBlock(labels[boundary.Start], instrs, isLoopHeader, isLoopFooter)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		blocks = append(blocks, block)
	}
	cfg, err := ir.BuildInitialCFG(blocks)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return cfg, nil
}

// ### [ Helper functions ] ####################################################

// newLabel returns the label of the i'th basic block.
func newLabel(i int) ir.Label {
	return fmt.Sprintf("bb%d", i)
}
