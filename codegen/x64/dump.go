package x64

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Processor mode (64-bit execution mode).
const cpuMode = 64

// Decode decodes a finalised machine-code buffer back into x86-64
// instructions.
func Decode(code []byte) ([]x86asm.Inst, error) {
	var insts []x86asm.Inst
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], cpuMode)
		if err != nil {
			end := offset + 16
			if end > len(code) {
				end = len(code)
			}
			return nil, errors.Errorf("unable to parse instruction at offset %#x; %v\n%s", offset, err, hex.Dump(code[offset:end]))
		}
		insts = append(insts, inst)
		offset += inst.Len
	}
	return insts, nil
}

// Dump returns a GNU-syntax listing of a finalised machine-code
// buffer, one instruction per line with its offset.
func Dump(code []byte) (string, error) {
	buf := &bytes.Buffer{}
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], cpuMode)
		if err != nil {
			return "", errors.Errorf("unable to parse instruction at offset %#x; %v", offset, err)
		}
		fmt.Fprintf(buf, "%#6x:\t%s\n", offset, x86asm.GNUSyntax(inst, uint64(offset), nil))
		offset += inst.Len
	}
	return buf.String(), nil
}
