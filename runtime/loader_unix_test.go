//go:build linux || darwin

package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapLoader(t *testing.T) {
	// A single RET; the mapping is never executed here.
	exec, err := MmapLoader{}.Load([]byte{0xc3})
	require.NoError(t, err)
	require.NotZero(t, exec.Entry())
	require.NoError(t, exec.Close())
	// Closing twice is harmless.
	require.NoError(t, exec.Close())
}

func TestMmapLoaderEmpty(t *testing.T) {
	_, err := MmapLoader{}.Load(nil)
	require.Error(t, err)
}
