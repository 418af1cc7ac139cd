package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubExec struct {
	closed bool
}

func (e *stubExec) Entry() uintptr { return 0x1000 }
func (e *stubExec) Close() error {
	e.closed = true
	return nil
}

func TestBind(t *testing.T) {
	meta := &Func{Name: "identity", NumArgs: 1, NumLocals: 1}
	exec := &stubExec{}
	fn := Bind(meta, exec)
	require.Same(t, meta, fn.Meta())
	require.NoError(t, fn.Close())
	require.True(t, exec.closed)
}
