package runtime

import (
	"github.com/pkg/errors"
)

// Function is an invocable handle to compiled machine code. It retains
// the function metadata so that every address baked into the code
// stays valid for the handle's lifetime.
//
// Runtime failures inside the compiled code (a failed attribute
// lookup, an exception raised by a callee) surface as a zero Object;
// there is no exception-forwarding protocol yet.
type Function struct {
	meta *Func
	exec Exec
}

// Bind wraps loaded code in a function handle.
func Bind(meta *Func, exec Exec) *Function {
	return &Function{meta: meta, exec: exec}
}

// Meta returns the metadata the function was compiled from.
func (f *Function) Meta() *Func {
	return f.meta
}

// Close releases the underlying executable mapping. The handle must
// not be called afterwards.
func (f *Function) Close() error {
	return errors.WithStack(f.exec.Close())
}
