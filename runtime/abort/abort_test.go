package abort

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndCancel(t *testing.T) {
	reg := NewInMemory()

	handle, err := reg.Register("conv/r1", "conv")
	require.NoError(t, err)
	require.False(t, handle.Cancelled())
	require.Equal(t, "conv/r1", handle.SessionID())

	require.True(t, reg.Cancel("conv/r1"))
	require.True(t, handle.Cancelled())

	// Level-triggered: the flag stays up across repeated reads.
	require.True(t, handle.Cancelled())
}

func TestCancelUnknownSession(t *testing.T) {
	reg := NewInMemory()
	require.False(t, reg.Cancel("conv/ghost"))
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	reg := NewInMemory()

	_, err := reg.Register("conv/r1", "conv")
	require.NoError(t, err)
	_, err = reg.Register("conv/r1", "conv")
	require.Error(t, err)
}

func TestRegisterSupersedesConversation(t *testing.T) {
	reg := NewInMemory()

	first, err := reg.Register("conv/r1", "conv")
	require.NoError(t, err)

	// A new session on the same conversation cancels the old one so a user
	// retrying a stuck turn does not stack generations.
	second, err := reg.Register("conv/r2", "conv")
	require.NoError(t, err)

	require.True(t, first.Cancelled())
	require.False(t, second.Cancelled())
}

func TestClearRemovesSession(t *testing.T) {
	reg := NewInMemory()

	handle, err := reg.Register("conv/r1", "conv")
	require.NoError(t, err)
	reg.Clear("conv/r1")

	require.False(t, reg.Cancel("conv/r1"))
	require.False(t, handle.Cancelled())

	// The slot is reusable after Clear.
	_, err = reg.Register("conv/r1", "conv")
	require.NoError(t, err)
}

func TestClearDoesNotResurrectSuperseded(t *testing.T) {
	reg := NewInMemory()

	_, err := reg.Register("conv/r1", "conv")
	require.NoError(t, err)
	second, err := reg.Register("conv/r2", "conv")
	require.NoError(t, err)

	// Clearing the superseded session must not detach the live one.
	reg.Clear("conv/r1")
	require.True(t, reg.Cancel("conv/r2"))
	require.True(t, second.Cancelled())
}

func TestConcurrentCancelIsSafe(t *testing.T) {
	reg := NewInMemory()
	handle, err := reg.Register("conv/r1", "conv")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Cancel("conv/r1")
		}()
	}
	wg.Wait()
	require.True(t, handle.Cancelled())
}
