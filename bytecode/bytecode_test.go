package bytecode

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// decodeAll decodes every instruction of code.
func decodeAll(t *testing.T, code []byte) []Instruction {
	t.Helper()
	it, err := NewIterator(code)
	require.NoError(t, err)
	var instrs []Instruction
	for it.Next() {
		_, instr := it.At()
		instrs = append(instrs, instr)
	}
	require.NoError(t, it.Err())
	return instrs
}

func TestIterator(t *testing.T) {
	code := []byte{
		byte(LoadFast), 0,
		byte(LoadConst), 1,
		byte(ReturnValue), 0,
	}
	it, err := NewIterator(code)
	require.NoError(t, err)
	var offsets []Offset
	var instrs []Instruction
	for it.Next() {
		offset, instr := it.At()
		offsets = append(offsets, offset)
		instrs = append(instrs, instr)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []Offset{0, 2, 4}, offsets)
	require.Equal(t, []Instruction{
		{Opcode: LoadFast, Argument: 0},
		{Opcode: LoadConst, Argument: 1},
		{Opcode: ReturnValue, Argument: -1},
	}, instrs)
}

func TestIteratorOddLength(t *testing.T) {
	_, err := NewIterator([]byte{byte(LoadFast), 0, byte(ReturnValue)})
	require.Error(t, err)
	require.Equal(t, ErrMalformedBytecode, errors.Cause(err))
}

func TestIteratorInvalidOpcode(t *testing.T) {
	it, err := NewIterator([]byte{0, 0})
	require.NoError(t, err)
	require.False(t, it.Next())
	require.Error(t, it.Err())
	require.Equal(t, ErrMalformedBytecode, errors.Cause(it.Err()))
}

func TestIteratorExtendedArg(t *testing.T) {
	code := []byte{
		byte(ExtendedArg), 1,
		byte(LoadConst), 2,
	}
	instrs := decodeAll(t, code)
	require.Equal(t, []Instruction{
		{Opcode: ExtendedArg, Argument: 1},
		{Opcode: LoadConst, Argument: 1<<8 | 2},
	}, instrs)
}

// Chained prefixes compose as ((e1 << 8 | e2) << 8) | arg, one
// eight-bit shift per prefix.
func TestIteratorChainedExtendedArg(t *testing.T) {
	code := []byte{
		byte(ExtendedArg), 1,
		byte(ExtendedArg), 2,
		byte(LoadConst), 3,
	}
	instrs := decodeAll(t, code)
	require.Equal(t, 0x10203, instrs[2].Argument)
}

// The accumulator resets after the first non-prefix instruction.
func TestIteratorExtendedArgReset(t *testing.T) {
	code := []byte{
		byte(ExtendedArg), 1,
		byte(LoadConst), 2,
		byte(LoadConst), 3,
	}
	instrs := decodeAll(t, code)
	require.Equal(t, 0x102, instrs[1].Argument)
	require.Equal(t, 3, instrs[2].Argument)
}

func TestIteratorWindow(t *testing.T) {
	code := []byte{
		byte(LoadFast), 0,
		byte(LoadConst), 1,
		byte(ReturnValue), 0,
	}
	it, err := NewWindowIterator(code, 2, 4)
	require.NoError(t, err)
	require.True(t, it.Next())
	offset, instr := it.At()
	require.Equal(t, Offset(2), offset)
	require.Equal(t, LoadConst, instr.Opcode)
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestOpcodeClassification(t *testing.T) {
	tests := []struct {
		op          Opcode
		branch      bool
		direct      bool
		conditional bool
		relative    bool
		absolute    bool
	}{
		{op: JumpAbsolute, branch: true, direct: true, absolute: true},
		{op: JumpForward, branch: true, direct: true, relative: true},
		{op: ReturnValue, branch: true, direct: true},
		{op: PopJumpIfFalse, branch: true, conditional: true, absolute: true},
		{op: JumpIfTrueOrPop, branch: true, conditional: true, absolute: true},
		{op: JumpIfFalseOrPop, branch: true, conditional: true, absolute: true},
		{op: ForIter, branch: true, conditional: true, relative: true},
		{op: ContinueLoop, absolute: true},
		{op: LoadFast},
		{op: SetupLoop},
	}
	for _, test := range tests {
		require.Equal(t, test.branch, test.op.IsBranch(), "IsBranch(%v)", test.op)
		require.Equal(t, test.direct, test.op.IsDirectBranch(), "IsDirectBranch(%v)", test.op)
		require.Equal(t, test.conditional, test.op.IsConditionalBranch(), "IsConditionalBranch(%v)", test.op)
		require.Equal(t, test.relative, test.op.IsRelativeBranch(), "IsRelativeBranch(%v)", test.op)
		require.Equal(t, test.absolute, test.op.IsAbsoluteBranch(), "IsAbsoluteBranch(%v)", test.op)
	}
}

func TestOpcodeHasArgument(t *testing.T) {
	require.False(t, ReturnValue.HasArgument())
	require.False(t, PopTop.HasArgument())
	require.True(t, StoreName.HasArgument())
	require.True(t, LoadConst.HasArgument())
	require.True(t, ExtendedArg.HasArgument())
}
