//go:build linux || darwin

package jit

import (
	"github.com/pkg/errors"

	"github.com/mpage/cinder/runtime"
)

// New resolves the foreign symbol table against the current process
// and the companion native library, and returns a compiler backed by
// an executable-memory loader.
func New(companionPath string) (*Compiler, error) {
	syms, err := runtime.ResolveSymbols(companionPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewCompiler(syms, runtime.MmapLoader{}), nil
}
