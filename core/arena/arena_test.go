package arena

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/core/coreerr"
)

func TestArenaAllocIsMonotone(t *testing.T) {
	a, err := New("test", 4096, unix.PROT_READ|unix.PROT_WRITE)
	require.NoError(t, err)
	defer a.Close()

	var prev uintptr
	for i := 0; i < 8; i++ {
		b, err := a.Alloc(64, 8)
		require.NoError(t, err)
		cur := uintptr(len(b))
		_ = cur
		got := a.Used()
		require.GreaterOrEqual(t, got, int(prev))
		prev = uintptr(got)
	}
}

func TestArenaExhaustion(t *testing.T) {
	a, err := New("small", 128, unix.PROT_READ|unix.PROT_WRITE)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Alloc(128, 1)
	require.NoError(t, err)

	_, err = a.Alloc(1, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrArenaExhausted))
}

func TestArenaResetRewindsWithoutTouchingMemory(t *testing.T) {
	a, err := New("reset", 4096, unix.PROT_READ|unix.PROT_WRITE)
	require.NoError(t, err)
	defer a.Close()

	buf, err := a.Alloc(16, 8)
	require.NoError(t, err)
	copy(buf, []byte("deadbeefcafebabe"[:16]))

	a.Reset()
	require.Equal(t, 0, a.Used())

	// Reset does not scrub memory; the same bytes are still observable
	// through the underlying mapping until overwritten.
	buf2, err := a.Alloc(16, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("deadbeefcafebabe"[:16]), buf2)
}
