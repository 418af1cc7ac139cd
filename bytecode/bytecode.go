// Package bytecode implements decoding of the two-byte stack-machine
// bytecode used by the host interpreter, and lifting of that bytecode
// into the control-flow graph IR of package ir.
package bytecode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds reported by this package. Wrapped errors carry position
// information; match with errors.Cause.
var (
	// ErrMalformedBytecode is returned for buffers that cannot hold a
	// whole number of instructions or contain bytes outside the opcode
	// enumeration.
	ErrMalformedBytecode = errors.New("malformed bytecode")
	// ErrUnknownOpcode is returned when lifting encounters an opcode
	// with no decoder table entry.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// InstructionSize is the size in bytes of a single instruction; one
// opcode byte followed by one argument byte.
const InstructionSize = 2

// Opcode is a bytecode operation code. The numeric values mirror the
// host interpreter's dispatch table.
type Opcode uint8

// Opcode values.
const (
	PopTop           Opcode = 1
	RotTwo           Opcode = 2
	RotThree         Opcode = 3
	DupTop           Opcode = 4
	DupTopTwo        Opcode = 5
	Nop              Opcode = 9
	UnaryPositive    Opcode = 10
	UnaryNegative    Opcode = 11
	UnaryNot         Opcode = 12
	UnaryInvert      Opcode = 15
	BinaryMatrixMul  Opcode = 16
	InplaceMatrixMul Opcode = 17
	BinaryPower      Opcode = 19
	BinaryMultiply   Opcode = 20
	BinaryModulo     Opcode = 22
	BinaryAdd        Opcode = 23
	BinarySubtract   Opcode = 24
	BinarySubscr     Opcode = 25
	BinaryFloorDiv   Opcode = 26
	BinaryTrueDiv    Opcode = 27
	InplaceFloorDiv  Opcode = 28
	InplaceTrueDiv   Opcode = 29
	GetAiter         Opcode = 50
	GetAnext         Opcode = 51
	BeforeAsyncWith  Opcode = 52
	InplaceAdd       Opcode = 55
	InplaceSubtract  Opcode = 56
	InplaceMultiply  Opcode = 57
	InplaceModulo    Opcode = 59
	StoreSubscr      Opcode = 60
	DeleteSubscr     Opcode = 61
	BinaryLshift     Opcode = 62
	BinaryRshift     Opcode = 63
	BinaryAnd        Opcode = 64
	BinaryXor        Opcode = 65
	BinaryOr         Opcode = 66
	InplacePower     Opcode = 67
	GetIter          Opcode = 68
	GetYieldFromIter Opcode = 69
	PrintExpr        Opcode = 70
	LoadBuildClass   Opcode = 71
	YieldFrom        Opcode = 72
	GetAwaitable     Opcode = 73
	InplaceLshift    Opcode = 75
	InplaceRshift    Opcode = 76
	InplaceAnd       Opcode = 77
	InplaceXor       Opcode = 78
	InplaceOr        Opcode = 79
	BreakLoop        Opcode = 80
	WithCleanupStart Opcode = 81
	WithCleanupEnd   Opcode = 82
	ReturnValue      Opcode = 83
	ImportStar       Opcode = 84
	SetupAnnotations Opcode = 85
	YieldValue       Opcode = 86
	PopBlock         Opcode = 87
	EndFinally       Opcode = 88
	PopExcept        Opcode = 89
	StoreName        Opcode = 90
	DeleteName       Opcode = 91
	UnpackSequence   Opcode = 92
	ForIter          Opcode = 93
	UnpackEx         Opcode = 94
	StoreAttr        Opcode = 95
	DeleteAttr       Opcode = 96
	StoreGlobal      Opcode = 97
	DeleteGlobal     Opcode = 98
	LoadConst        Opcode = 100
	LoadName         Opcode = 101
	BuildTuple       Opcode = 102
	BuildList        Opcode = 103
	BuildSet         Opcode = 104
	BuildMap         Opcode = 105
	LoadAttr         Opcode = 106
	CompareOp        Opcode = 107
	ImportName       Opcode = 108
	ImportFrom       Opcode = 109
	JumpForward      Opcode = 110
	JumpIfFalseOrPop Opcode = 111
	JumpIfTrueOrPop  Opcode = 112
	JumpAbsolute     Opcode = 113
	PopJumpIfFalse   Opcode = 114
	PopJumpIfTrue    Opcode = 115
	LoadGlobal       Opcode = 116
	ContinueLoop     Opcode = 119
	SetupLoop        Opcode = 120
	SetupExcept      Opcode = 121
	SetupFinally     Opcode = 122
	LoadFast         Opcode = 124
	StoreFast        Opcode = 125
	DeleteFast       Opcode = 126
	StoreAnnotation  Opcode = 127
	RaiseVarargs     Opcode = 130
	CallFunction     Opcode = 131
	MakeFunction     Opcode = 132
	BuildSlice       Opcode = 133
	LoadClosure      Opcode = 135
	LoadDeref        Opcode = 136
	StoreDeref       Opcode = 137
	DeleteDeref      Opcode = 138
	CallFunctionKw   Opcode = 141
	CallFunctionEx   Opcode = 142
	SetupWith        Opcode = 143
	ExtendedArg      Opcode = 144
	ListAppend       Opcode = 145
	SetAdd           Opcode = 146
	MapAdd           Opcode = 147
	LoadClassDeref   Opcode = 148
	BuildListUnpack  Opcode = 149
	BuildMapUnpack   Opcode = 150
	BuildMapUnpackWithCall   Opcode = 151
	BuildTupleUnpack         Opcode = 152
	BuildSetUnpack           Opcode = 153
	SetupAsyncWith           Opcode = 154
	FormatValue              Opcode = 155
	BuildConstKeyMap         Opcode = 156
	BuildString              Opcode = 157
	BuildTupleUnpackWithCall Opcode = 158

	// HaveArgument is a pseudo-opcode; opcodes >= HaveArgument take an
	// argument.
	HaveArgument Opcode = 90
)

// opcodeNames maps opcode values to the names used by the host
// interpreter's disassembler.
var opcodeNames = map[Opcode]string{
	PopTop:           "POP_TOP",
	RotTwo:           "ROT_TWO",
	RotThree:         "ROT_THREE",
	DupTop:           "DUP_TOP",
	DupTopTwo:        "DUP_TOP_TWO",
	Nop:              "NOP",
	UnaryPositive:    "UNARY_POSITIVE",
	UnaryNegative:    "UNARY_NEGATIVE",
	UnaryNot:         "UNARY_NOT",
	UnaryInvert:      "UNARY_INVERT",
	BinaryMatrixMul:  "BINARY_MATRIX_MULTIPLY",
	InplaceMatrixMul: "INPLACE_MATRIX_MULTIPLY",
	BinaryPower:      "BINARY_POWER",
	BinaryMultiply:   "BINARY_MULTIPLY",
	BinaryModulo:     "BINARY_MODULO",
	BinaryAdd:        "BINARY_ADD",
	BinarySubtract:   "BINARY_SUBTRACT",
	BinarySubscr:     "BINARY_SUBSCR",
	BinaryFloorDiv:   "BINARY_FLOOR_DIVIDE",
	BinaryTrueDiv:    "BINARY_TRUE_DIVIDE",
	InplaceFloorDiv:  "INPLACE_FLOOR_DIVIDE",
	InplaceTrueDiv:   "INPLACE_TRUE_DIVIDE",
	GetAiter:         "GET_AITER",
	GetAnext:         "GET_ANEXT",
	BeforeAsyncWith:  "BEFORE_ASYNC_WITH",
	InplaceAdd:       "INPLACE_ADD",
	InplaceSubtract:  "INPLACE_SUBTRACT",
	InplaceMultiply:  "INPLACE_MULTIPLY",
	InplaceModulo:    "INPLACE_MODULO",
	StoreSubscr:      "STORE_SUBSCR",
	DeleteSubscr:     "DELETE_SUBSCR",
	BinaryLshift:     "BINARY_LSHIFT",
	BinaryRshift:     "BINARY_RSHIFT",
	BinaryAnd:        "BINARY_AND",
	BinaryXor:        "BINARY_XOR",
	BinaryOr:         "BINARY_OR",
	InplacePower:     "INPLACE_POWER",
	GetIter:          "GET_ITER",
	GetYieldFromIter: "GET_YIELD_FROM_ITER",
	PrintExpr:        "PRINT_EXPR",
	LoadBuildClass:   "LOAD_BUILD_CLASS",
	YieldFrom:        "YIELD_FROM",
	GetAwaitable:     "GET_AWAITABLE",
	InplaceLshift:    "INPLACE_LSHIFT",
	InplaceRshift:    "INPLACE_RSHIFT",
	InplaceAnd:       "INPLACE_AND",
	InplaceXor:       "INPLACE_XOR",
	InplaceOr:        "INPLACE_OR",
	BreakLoop:        "BREAK_LOOP",
	WithCleanupStart: "WITH_CLEANUP_START",
	WithCleanupEnd:   "WITH_CLEANUP_FINISH",
	ReturnValue:      "RETURN_VALUE",
	ImportStar:       "IMPORT_STAR",
	SetupAnnotations: "SETUP_ANNOTATIONS",
	YieldValue:       "YIELD_VALUE",
	PopBlock:         "POP_BLOCK",
	EndFinally:       "END_FINALLY",
	PopExcept:        "POP_EXCEPT",
	StoreName:        "STORE_NAME",
	DeleteName:       "DELETE_NAME",
	UnpackSequence:   "UNPACK_SEQUENCE",
	ForIter:          "FOR_ITER",
	UnpackEx:         "UNPACK_EX",
	StoreAttr:        "STORE_ATTR",
	DeleteAttr:       "DELETE_ATTR",
	StoreGlobal:      "STORE_GLOBAL",
	DeleteGlobal:     "DELETE_GLOBAL",
	LoadConst:        "LOAD_CONST",
	LoadName:         "LOAD_NAME",
	BuildTuple:       "BUILD_TUPLE",
	BuildList:        "BUILD_LIST",
	BuildSet:         "BUILD_SET",
	BuildMap:         "BUILD_MAP",
	LoadAttr:         "LOAD_ATTR",
	CompareOp:        "COMPARE_OP",
	ImportName:       "IMPORT_NAME",
	ImportFrom:       "IMPORT_FROM",
	JumpForward:      "JUMP_FORWARD",
	JumpIfFalseOrPop: "JUMP_IF_FALSE_OR_POP",
	JumpIfTrueOrPop:  "JUMP_IF_TRUE_OR_POP",
	JumpAbsolute:     "JUMP_ABSOLUTE",
	PopJumpIfFalse:   "POP_JUMP_IF_FALSE",
	PopJumpIfTrue:    "POP_JUMP_IF_TRUE",
	LoadGlobal:       "LOAD_GLOBAL",
	ContinueLoop:     "CONTINUE_LOOP",
	SetupLoop:        "SETUP_LOOP",
	SetupExcept:      "SETUP_EXCEPT",
	SetupFinally:     "SETUP_FINALLY",
	LoadFast:         "LOAD_FAST",
	StoreFast:        "STORE_FAST",
	DeleteFast:       "DELETE_FAST",
	StoreAnnotation:  "STORE_ANNOTATION",
	RaiseVarargs:     "RAISE_VARARGS",
	CallFunction:     "CALL_FUNCTION",
	MakeFunction:     "MAKE_FUNCTION",
	BuildSlice:       "BUILD_SLICE",
	LoadClosure:      "LOAD_CLOSURE",
	LoadDeref:        "LOAD_DEREF",
	StoreDeref:       "STORE_DEREF",
	DeleteDeref:      "DELETE_DEREF",
	CallFunctionKw:   "CALL_FUNCTION_KW",
	CallFunctionEx:   "CALL_FUNCTION_EX",
	SetupWith:        "SETUP_WITH",
	ExtendedArg:      "EXTENDED_ARG",
	ListAppend:       "LIST_APPEND",
	SetAdd:           "SET_ADD",
	MapAdd:           "MAP_ADD",
	LoadClassDeref:   "LOAD_CLASSDEREF",
	BuildListUnpack:  "BUILD_LIST_UNPACK",
	BuildMapUnpack:   "BUILD_MAP_UNPACK",
	BuildMapUnpackWithCall:   "BUILD_MAP_UNPACK_WITH_CALL",
	BuildTupleUnpack:         "BUILD_TUPLE_UNPACK",
	BuildSetUnpack:           "BUILD_SET_UNPACK",
	SetupAsyncWith:           "SETUP_ASYNC_WITH",
	FormatValue:              "FORMAT_VALUE",
	BuildConstKeyMap:         "BUILD_CONST_KEY_MAP",
	BuildString:              "BUILD_STRING",
	BuildTupleUnpackWithCall: "BUILD_TUPLE_UNPACK_WITH_CALL",
}

// String returns the name of the opcode as used by the host
// interpreter's disassembler.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "<invalid>"
}

// Valid reports whether op is part of the opcode enumeration.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

// HasArgument reports whether op takes an argument.
func (op Opcode) HasArgument() bool {
	return op >= HaveArgument
}

// IsBranch reports whether op transfers control.
func (op Opcode) IsBranch() bool {
	return op.IsDirectBranch() || op.IsConditionalBranch()
}

// IsDirectBranch reports whether op unconditionally transfers control;
// there is no fall through.
func (op Opcode) IsDirectBranch() bool {
	switch op {
	case JumpAbsolute, JumpForward, ReturnValue:
		return true
	}
	return false
}

// IsConditionalBranch reports whether op has both a branch target and a
// fall-through successor.
func (op Opcode) IsConditionalBranch() bool {
	switch op {
	case ForIter, JumpIfTrueOrPop, JumpIfFalseOrPop, PopJumpIfFalse, PopJumpIfTrue:
		return true
	}
	return false
}

// IsRelativeBranch reports whether op's branch target is encoded
// relative to the following instruction.
func (op Opcode) IsRelativeBranch() bool {
	switch op {
	case ForIter, JumpForward:
		return true
	}
	return false
}

// IsAbsoluteBranch reports whether op's branch target is an absolute
// bytecode offset.
func (op Opcode) IsAbsoluteBranch() bool {
	switch op {
	case ContinueLoop, JumpAbsolute, JumpIfFalseOrPop, JumpIfTrueOrPop, PopJumpIfFalse, PopJumpIfTrue:
		return true
	}
	return false
}

// Instruction is a single decoded bytecode instruction. Argument is -1
// for opcodes below HaveArgument.
type Instruction struct {
	Opcode   Opcode
	Argument int
}

// String returns the string representation of the instruction.
func (instr Instruction) String() string {
	if !instr.Opcode.HasArgument() {
		return instr.Opcode.String()
	}
	return fmt.Sprintf("%v %d", instr.Opcode, instr.Argument)
}

// Iterator decodes the instructions of a bytecode buffer in order,
// optionally restricted to the half-open window [start, end). It folds
// EXTENDED_ARG prefixes into the argument of the instruction they
// precede; chained prefixes compose by shifting the accumulator left by
// eight bits per prefix.
type Iterator struct {
	code        []byte
	offset      Offset
	end         Offset
	extendedArg int
	cur         Instruction
	curOffset   Offset
	err         error
}

// NewIterator returns an iterator over the whole buffer. It fails if
// the buffer cannot hold a whole number of instructions.
func NewIterator(code []byte) (*Iterator, error) {
	return NewWindowIterator(code, 0, Offset(len(code)))
}

// NewWindowIterator returns an iterator over the window [start, end) of
// the buffer.
func NewWindowIterator(code []byte, start, end Offset) (*Iterator, error) {
	if len(code)%InstructionSize != 0 {
		return nil, errors.Wrapf(ErrMalformedBytecode, "odd buffer length %d", len(code))
	}
	return &Iterator{code: code, offset: start, end: end}, nil
}

// Next advances to the next instruction. It returns false once the
// window is exhausted or decoding fails; check Err after the loop.
func (it *Iterator) Next() bool {
	if it.err != nil || it.offset >= it.end {
		return false
	}
	op := Opcode(it.code[it.offset])
	if !op.Valid() {
		it.err = errors.Wrapf(ErrMalformedBytecode, "byte %#02x at offset %v is not an opcode", it.code[it.offset], it.offset)
		return false
	}
	arg := -1
	if op.HasArgument() {
		arg = int(it.code[it.offset+1]) | it.extendedArg
		if op == ExtendedArg {
			it.extendedArg = arg << 8
		} else {
			it.extendedArg = 0
		}
	}
	it.curOffset = it.offset
	it.cur = Instruction{Opcode: op, Argument: arg}
	it.offset += InstructionSize
	return true
}

// At returns the offset and instruction the iterator is positioned on.
func (it *Iterator) At() (Offset, Instruction) {
	return it.curOffset, it.cur
}

// Err returns the first decoding error encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}
