// Package jit drives the compilation pipeline: bytecode is lifted to
// a control-flow graph, lowered to x86-64 machine code, loaded into
// executable memory and bound to an invocable function handle.
package jit

import (
	"github.com/pkg/errors"

	"github.com/mpage/cinder/bytecode"
	"github.com/mpage/cinder/codegen/x64"
	"github.com/mpage/cinder/runtime"
)

// Compiler compiles host functions to native code. The foreign symbol
// table is resolved once, when the compiler is created.
type Compiler struct {
	syms   *runtime.Symbols
	loader runtime.Loader
}

// NewCompiler returns a compiler that emits code against the given
// symbol table and maps it with the given loader.
func NewCompiler(syms *runtime.Symbols, loader runtime.Loader) *Compiler {
	return &Compiler{syms: syms, loader: loader}
}

// Compile compiles the function described by meta and returns an
// invocable handle. Compilation fails, with no code emitted, if the
// bytecode contains opcodes the disassembler does not understand, if
// the graph contains IR the back end cannot lower, or if the
// function's environment is unsupported; the host is expected to fall
// back to bytecode interpretation.
func (c *Compiler) Compile(meta *runtime.Func) (*runtime.Function, error) {
	cfg, err := bytecode.Disassemble(meta.Code)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	code, err := x64.Compile(cfg, meta, c.syms)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	exec, err := c.loader.Load(code)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return runtime.Bind(meta, exec), nil
}
