//go:build linux || darwin

package runtime

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// ResolveSymbols resolves the foreign symbol table. The interpreter
// symbols are looked up in the process image; the call dispatcher is
// obtained from the companion native library at companionPath.
func ResolveSymbols(companionPath string) (*Symbols, error) {
	syms := &Symbols{}
	for _, entry := range []struct {
		name string
		addr *uintptr
	}{
		{"PyObject_GetAttr", &syms.ObjectGetAttr},
		{"PyObject_SetAttr", &syms.ObjectSetAttr},
		{"PyObject_IsTrue", &syms.ObjectIsTrue},
		{"_PyDict_LoadGlobal", &syms.DictLoadGlobal},
	} {
		addr, err := purego.Dlsym(purego.RTLD_DEFAULT, entry.name)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to resolve %q", entry.name)
		}
		*entry.addr = addr
	}
	trueAddr, err := purego.Dlsym(purego.RTLD_DEFAULT, "_Py_TrueStruct")
	if err != nil {
		return nil, errors.Wrap(err, `unable to resolve "_Py_TrueStruct"`)
	}
	falseAddr, err := purego.Dlsym(purego.RTLD_DEFAULT, "_Py_FalseStruct")
	if err != nil {
		return nil, errors.Wrap(err, `unable to resolve "_Py_FalseStruct"`)
	}
	syms.True = Object(trueAddr)
	syms.False = Object(falseAddr)
	companion, err := purego.Dlopen(companionPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load companion library %q", companionPath)
	}
	getter, err := purego.Dlsym(companion, "get_call_function_address")
	if err != nil {
		return nil, errors.Wrap(err, `unable to resolve "get_call_function_address"`)
	}
	addr, _, _ := purego.SyscallN(getter)
	if addr == 0 {
		return nil, errors.Errorf("companion library %q reports no call dispatcher", companionPath)
	}
	syms.CallFunction = addr
	return syms, nil
}
