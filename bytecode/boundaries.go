package bytecode

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// Boundary is a half-open interval [Start, End) of bytecode offsets
// containing a single basic block.
type Boundary struct {
	Start Offset
	End   Offset
}

// ComputeBlockBoundaries computes the offsets of basic blocks.
//
// An offset starts a new basic block if:
//   - It is the target of a branch
//   - It follows a branch
//
// The returned intervals cover the entire buffer in order.
func ComputeBlockBoundaries(code []byte) ([]Boundary, error) {
	if len(code) == 0 {
		return nil, nil
	}
	it, err := NewIterator(code)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	starts := mapset.NewThreadUnsafeSet[Offset](0)
	last := Offset(len(code))
	for it.Next() {
		offset, instr := it.At()
		op := instr.Opcode
		next := offset + InstructionSize
		if op.IsBranch() && next < last {
			starts.Add(next)
		}
		if op.IsRelativeBranch() {
			starts.Add(next + Offset(instr.Argument))
		} else if op.IsAbsoluteBranch() {
			starts.Add(Offset(instr.Argument))
		}
	}
	if err := it.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	sorted := starts.ToSlice()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	sorted = append(sorted, last)
	boundaries := make([]Boundary, 0, len(sorted)-1)
	for i := 0; i < len(sorted)-1; i++ {
		boundaries = append(boundaries, Boundary{Start: sorted[i], End: sorted[i+1]})
	}
	return boundaries, nil
}
