package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWipeZeroesBuffer(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Wipe(data)
	require.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestWipeHandlesEmptySlice(t *testing.T) {
	require.NotPanics(t, func() { Wipe(nil) })
}

func TestGuardedExecWipesKeyEvenOnError(t *testing.T) {
	key := []byte{9, 9, 9}
	err := GuardedExec(key, func([]byte) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, []byte{0, 0, 0}, key)
}
