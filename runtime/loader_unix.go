//go:build linux || darwin

package runtime

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// MmapLoader maps code into an anonymous read/write/execute mapping.
type MmapLoader struct{}

// Load copies code into a fresh executable mapping.
func (MmapLoader) Load(code []byte) (Exec, error) {
	if len(code) == 0 {
		return nil, errors.New("cannot load empty code buffer")
	}
	mem, err := syscall.Mmap(
		-1, 0, len(code),
		syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC,
		syscall.MAP_PRIVATE|syscall.MAP_ANON,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to map %d bytes of executable memory", len(code))
	}
	copy(mem, code)
	return &mmapExec{mem: mem}, nil
}

// mmapExec is an executable mapping backed by an anonymous mmap.
type mmapExec struct {
	mem []byte
}

// Entry returns the address of the first mapped instruction.
func (e *mmapExec) Entry() uintptr {
	return uintptr(unsafe.Pointer(&e.mem[0]))
}

// Close unmaps the code.
func (e *mmapExec) Close() error {
	if e.mem == nil {
		return nil
	}
	mem := e.mem
	e.mem = nil
	return errors.WithStack(syscall.Munmap(mem))
}
