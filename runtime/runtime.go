// Package runtime binds compiled machine code to the host language
// runtime: it names the foreign symbols emitted code calls, maps
// finalised code into executable memory, and wraps the result in an
// invocable function handle.
package runtime

// Object is a pointer to a reference-counted host object. The first
// pointer-sized word of every object is its reference count.
type Object uintptr

// Func is the metadata of a host function to be compiled: its bytecode
// and the pools and scopes the bytecode refers to.
//
// The constant and name pools, the globals and builtins dictionaries,
// and the singletons of the symbol table are baked into emitted code by
// address. The metadata must therefore stay alive, and the referenced
// objects unchanged in identity, for as long as any function handle
// compiled from it exists; replacing any of them invalidates the
// emitted code.
type Func struct {
	// Name of the function, for diagnostics only.
	Name string
	// Code is the bytecode of the function body.
	Code []byte
	// Constants is the constant pool.
	Constants []Object
	// Names is the name pool.
	Names []Object
	// NumArgs is the number of arguments.
	NumArgs int
	// NumLocals is the total number of local-variable slots, including
	// the arguments.
	NumLocals int
	// Globals is the module-level globals dictionary.
	Globals Object
	// Builtins is the builtins dictionary.
	Builtins Object
	// GlobalsAreDict and BuiltinsAreDict report whether the respective
	// mapping is a plain dictionary. Global lookup is compiled only for
	// plain dictionaries; the embedder reports the kinds since object
	// type layouts are opaque to the compiler.
	GlobalsAreDict  bool
	BuiltinsAreDict bool
}
