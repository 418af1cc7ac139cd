package ir

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func block(t *testing.T, label Label, instrs ...Instruction) *BasicBlock {
	t.Helper()
	b, err := NewBasicBlock(label, instrs, false, false)
	require.NoError(t, err)
	return b
}

func TestNewBasicBlockEmpty(t *testing.T) {
	_, err := NewBasicBlock("bb0", nil, false, false)
	require.Error(t, err)
	require.Equal(t, ErrInternalInvariant, errors.Cause(err))
}

func TestTerminator(t *testing.T) {
	b := block(t, "bb0", Load{Index: 0, Pool: Locals}, ReturnValue{})
	require.Equal(t, ReturnValue{}, b.Terminator())
}

// condCFG builds
//
//	bb0: LOAD; COND_BRANCH true=bb1 false=bb2
//	bb1: RETURN_VALUE
//	bb2: RETURN_VALUE
func condCFG(t *testing.T, jumpWhenTrue bool) *ControlFlowGraph {
	t.Helper()
	bb0 := block(t, "bb0",
		Load{Index: 0, Pool: Locals},
		ConditionalBranch{TrueBranch: "bb1", FalseBranch: "bb2", PopBeforeEval: true, JumpWhenTrue: jumpWhenTrue},
	)
	bb1 := block(t, "bb1", ReturnValue{})
	bb2 := block(t, "bb2", ReturnValue{})
	cfg, err := BuildInitialCFG([]*BasicBlock{bb0, bb1, bb2})
	require.NoError(t, err)
	return cfg
}

func labels(t *testing.T, cfg *ControlFlowGraph) []Label {
	t.Helper()
	blocks, err := cfg.Blocks()
	require.NoError(t, err)
	var out []Label
	for _, b := range blocks {
		out = append(out, b.Label)
	}
	return out
}

// The fall-through leg of a conditional branch is visited before the
// jump leg.
func TestIteratorOrder(t *testing.T) {
	require.Equal(t, []Label{"bb0", "bb1", "bb2"}, labels(t, condCFG(t, false)))
	require.Equal(t, []Label{"bb0", "bb2", "bb1"}, labels(t, condCFG(t, true)))
}

// Two traversals of the same graph yield identical block sequences.
func TestIteratorDeterminism(t *testing.T) {
	cfg := condCFG(t, false)
	first := labels(t, cfg)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, labels(t, cfg))
	}
}

func TestSuccessors(t *testing.T) {
	cfg := condCFG(t, false)

	entrySuccs := cfg.Successors(cfg.Entry())
	require.Len(t, entrySuccs, 1)

	bb0, ok := cfg.Block("bb0")
	require.True(t, ok)
	require.Len(t, cfg.Successors(bb0), 2)

	bb1, ok := cfg.Block("bb1")
	require.True(t, ok)
	succs := cfg.Successors(bb1)
	require.Len(t, succs, 1)
	require.Equal(t, cfg.Exit(), succs[0])
}

func TestBuildInitialCFGMissingTarget(t *testing.T) {
	bb0 := block(t, "bb0",
		ConditionalBranch{TrueBranch: "bb1", FalseBranch: "bb9", PopBeforeEval: true},
	)
	bb1 := block(t, "bb1", ReturnValue{})
	_, err := BuildInitialCFG([]*BasicBlock{bb0, bb1})
	require.Error(t, err)
	require.Equal(t, ErrInternalInvariant, errors.Cause(err))
}

// A trailing block with a plain terminator has nowhere to fall
// through to.
func TestBuildInitialCFGTrailingFallThrough(t *testing.T) {
	bb0 := block(t, "bb0", Load{Index: 0, Pool: Locals})
	_, err := BuildInitialCFG([]*BasicBlock{bb0})
	require.Error(t, err)
	require.Equal(t, ErrInternalInvariant, errors.Cause(err))
}

func TestBuildInitialCFGEmpty(t *testing.T) {
	cfg, err := BuildInitialCFG(nil)
	require.NoError(t, err)
	require.Equal(t, 0, cfg.NumBlocks())
	require.Empty(t, cfg.Successors(cfg.Entry()))
}

func TestCFGString(t *testing.T) {
	cfg := condCFG(t, false)
	want := `entry:
bb0:
  LOAD 0 LOCALS
  COND_BRANCH true=bb1 false=bb2
bb1:
  RETURN_VALUE
bb2:
  RETURN_VALUE`
	require.Equal(t, want, cfg.String())
}

func TestInstructionStrings(t *testing.T) {
	tests := []struct {
		instr Instruction
		want  string
	}{
		{instr: ReturnValue{}, want: "RETURN_VALUE"},
		{instr: Load{Index: 2, Pool: Constants}, want: "LOAD 2 CONSTANTS"},
		{instr: Load{Index: 1, Pool: Locals}, want: "LOAD 1 LOCALS"},
		{instr: Store{Index: 3}, want: "STORE 3"},
		{instr: Branch{Target: "bb7"}, want: "BRANCH bb7"},
		{instr: ConditionalBranch{TrueBranch: "bb1", FalseBranch: "bb2"}, want: "COND_BRANCH true=bb1 false=bb2"},
		{instr: LoadAttr{Index: 0}, want: "LOAD_ATTR 0"},
		{instr: StoreAttr{Index: 1}, want: "STORE_ATTR 1"},
		{instr: LoadGlobal{Index: 4}, want: "LOAD_GLOBAL 4"},
		{instr: UnaryOperation{Kind: Not}, want: "UNARY_OP NOT"},
		{instr: BinaryOperation{Operator: And}, want: "BINARY_OP AND"},
		{instr: Compare{Predicate: Is}, want: "COMPARE IS"},
		{instr: Compare{Predicate: IsNot}, want: "COMPARE IS_NOT"},
		{instr: Call{NumArgs: 3}, want: "CALL 3"},
		{instr: PopTop{}, want: "POP_TOP"},
	}
	for _, test := range tests {
		require.Equal(t, test.want, test.instr.String())
	}
}
