package codegen_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mpage/cinder/bytecode"
	"github.com/mpage/cinder/codegen"
	"github.com/mpage/cinder/ir"
)

// Round-trip inputs; the same shapes the disassembler tests use.
var roundTrips = []struct {
	name string
	code []byte
}{
	{name: "single_block", code: []byte{
		byte(bytecode.LoadConst), 1,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "cond_jump", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.PopJumpIfFalse), 8,
		byte(bytecode.LoadConst), 1,
		byte(bytecode.ReturnValue), 0,
		byte(bytecode.LoadConst), 2,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "nested_cond_jump", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.PopJumpIfFalse), 16,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.PopJumpIfFalse), 12,
		byte(bytecode.LoadConst), 1,
		byte(bytecode.ReturnValue), 0,
		byte(bytecode.LoadConst), 2,
		byte(bytecode.ReturnValue), 0,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.PopJumpIfFalse), 24,
		byte(bytecode.LoadConst), 3,
		byte(bytecode.ReturnValue), 0,
		byte(bytecode.LoadConst), 4,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "load_attr", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.LoadAttr), 0,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "unary_not", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.UnaryNot), 0,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "two_way_cond", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.JumpIfTrueOrPop), 12,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.UnaryNot), 0,
		byte(bytecode.JumpIfFalseOrPop), 12,
		byte(bytecode.LoadFast), 2,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "store_local", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.StoreFast), 1,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "while_loop", code: []byte{
		byte(bytecode.SetupLoop), 8,
		byte(bytecode.LoadFast), 0,
		byte(bytecode.PopJumpIfFalse), 8,
		byte(bytecode.JumpAbsolute), 2,
		byte(bytecode.PopBlock), 0,
		byte(bytecode.LoadFast), 0,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "store_attr", code: []byte{
		byte(bytecode.LoadFast), 1,
		byte(bytecode.LoadFast), 0,
		byte(bytecode.StoreAttr), 0,
		byte(bytecode.LoadFast), 0,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "load_global", code: []byte{
		byte(bytecode.LoadGlobal), 0,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "do_call", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.LoadConst), 1,
		byte(bytecode.CallFunction), 1,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "jump_forward", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.PopJumpIfFalse), 14,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.PopJumpIfFalse), 18,
		byte(bytecode.LoadConst), 1,
		byte(bytecode.StoreFast), 2,
		byte(bytecode.JumpForward), 4,
		byte(bytecode.LoadConst), 2,
		byte(bytecode.StoreFast), 2,
		byte(bytecode.LoadConst), 0,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "cmp_is", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.CompareOp), 8,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "cmp_is_not", code: []byte{
		byte(bytecode.LoadFast), 0,
		byte(bytecode.LoadFast), 1,
		byte(bytecode.CompareOp), 9,
		byte(bytecode.ReturnValue), 0,
	}},
	{name: "loop_with_setup", code: []byte{
		byte(bytecode.LoadFast), 1,
		byte(bytecode.StoreFast), 0,
		byte(bytecode.SetupLoop), 8,
		byte(bytecode.LoadFast), 0,
		byte(bytecode.PopJumpIfFalse), 12,
		byte(bytecode.JumpAbsolute), 6,
		byte(bytecode.PopBlock), 0,
		byte(bytecode.LoadFast), 0,
		byte(bytecode.ReturnValue), 0,
	}},
}

// Re-assembling a lifted graph reproduces the original bytes exactly,
// including synthesised SETUP_LOOP/POP_BLOCK pairs.
func TestAssembleRoundTrip(t *testing.T) {
	for _, test := range roundTrips {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := bytecode.Disassemble(test.code)
			require.NoError(t, err)
			out, err := codegen.Assemble(cfg)
			require.NoError(t, err)
			require.Equal(t, test.code, out)
		})
	}
}

func TestAssembleLoopHeaderWithoutFooter(t *testing.T) {
	b, err := ir.NewBasicBlock("bb0", []ir.Instruction{
		ir.Load{Index: 0, Pool: ir.Locals},
		ir.ReturnValue{},
	}, true, false)
	require.NoError(t, err)
	cfg, err := ir.BuildInitialCFG([]*ir.BasicBlock{b})
	require.NoError(t, err)
	_, err = codegen.Assemble(cfg)
	require.Error(t, err)
	require.Equal(t, ir.ErrInternalInvariant, errors.Cause(err))
}

func TestAssembleWideArgument(t *testing.T) {
	b, err := ir.NewBasicBlock("bb0", []ir.Instruction{
		ir.Load{Index: 300, Pool: ir.Constants},
		ir.ReturnValue{},
	}, false, false)
	require.NoError(t, err)
	cfg, err := ir.BuildInitialCFG([]*ir.BasicBlock{b})
	require.NoError(t, err)
	_, err = codegen.Assemble(cfg)
	require.Error(t, err)
	require.Equal(t, ir.ErrInternalInvariant, errors.Cause(err))
}

func TestAssembleEmpty(t *testing.T) {
	cfg, err := ir.BuildInitialCFG(nil)
	require.NoError(t, err)
	out, err := codegen.Assemble(cfg)
	require.NoError(t, err)
	require.Empty(t, out)
}
