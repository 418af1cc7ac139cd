package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeBlockBoundariesEmpty(t *testing.T) {
	boundaries, err := ComputeBlockBoundaries(nil)
	require.NoError(t, err)
	require.Empty(t, boundaries)
}

func TestComputeBlockBoundariesStraightLine(t *testing.T) {
	code := []byte{
		byte(LoadFast), 0,
		byte(ReturnValue), 0,
	}
	boundaries, err := ComputeBlockBoundaries(code)
	require.NoError(t, err)
	require.Equal(t, []Boundary{{Start: 0, End: 4}}, boundaries)
}

func TestComputeBlockBoundariesCondBranch(t *testing.T) {
	// 0: LOAD_FAST 0
	// 2: POP_JUMP_IF_FALSE 8
	// 4: LOAD_CONST 1
	// 6: RETURN_VALUE
	// 8: LOAD_CONST 2
	// 10: RETURN_VALUE
	code := []byte{
		byte(LoadFast), 0,
		byte(PopJumpIfFalse), 8,
		byte(LoadConst), 1,
		byte(ReturnValue), 0,
		byte(LoadConst), 2,
		byte(ReturnValue), 0,
	}
	boundaries, err := ComputeBlockBoundaries(code)
	require.NoError(t, err)
	require.Equal(t, []Boundary{
		{Start: 0, End: 4},
		{Start: 4, End: 8},
		{Start: 8, End: 12},
	}, boundaries)
}

// An unconditional jump at the very end of the buffer adds no
// fall-through block past the buffer.
func TestComputeBlockBoundariesTrailingJump(t *testing.T) {
	// 0: LOAD_FAST 0
	// 2: POP_JUMP_IF_FALSE 6
	// 4: LOAD_FAST 0
	// 6: JUMP_ABSOLUTE 0
	code := []byte{
		byte(LoadFast), 0,
		byte(PopJumpIfFalse), 6,
		byte(LoadFast), 0,
		byte(JumpAbsolute), 0,
	}
	boundaries, err := ComputeBlockBoundaries(code)
	require.NoError(t, err)
	require.Equal(t, []Boundary{
		{Start: 0, End: 4},
		{Start: 4, End: 6},
		{Start: 6, End: 8},
	}, boundaries)
}

// A relative branch target is measured from the following instruction.
func TestComputeBlockBoundariesRelativeBranch(t *testing.T) {
	// 0: LOAD_FAST 0
	// 2: POP_JUMP_IF_FALSE 8
	// 4: JUMP_FORWARD 4 (to 10)
	// 6: LOAD_CONST 1
	// 8: LOAD_CONST 2
	// 10: RETURN_VALUE
	code := []byte{
		byte(LoadFast), 0,
		byte(PopJumpIfFalse), 8,
		byte(JumpForward), 4,
		byte(LoadConst), 1,
		byte(LoadConst), 2,
		byte(ReturnValue), 0,
	}
	boundaries, err := ComputeBlockBoundaries(code)
	require.NoError(t, err)
	require.Equal(t, []Boundary{
		{Start: 0, End: 4},
		{Start: 4, End: 6},
		{Start: 6, End: 8},
		{Start: 8, End: 10},
		{Start: 10, End: 12},
	}, boundaries)
}

// Dead code after an unconditional branch in the middle of the buffer
// forms its own block.
func TestComputeBlockBoundariesDeadCode(t *testing.T) {
	// 0: JUMP_ABSOLUTE 4
	// 2: LOAD_CONST 0 (dead)
	// 4: LOAD_CONST 1
	// 6: RETURN_VALUE
	code := []byte{
		byte(JumpAbsolute), 4,
		byte(LoadConst), 0,
		byte(LoadConst), 1,
		byte(ReturnValue), 0,
	}
	boundaries, err := ComputeBlockBoundaries(code)
	require.NoError(t, err)
	require.Equal(t, []Boundary{
		{Start: 0, End: 2},
		{Start: 2, End: 4},
		{Start: 4, End: 8},
	}, boundaries)
}
