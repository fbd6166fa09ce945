package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/common"
)

func TestAddrSpaceG2HRoundTrip(t *testing.T) {
	as, err := Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	g := common.GAddr(0x1000)
	h := as.G2H(g)
	back, ok := as.H2G(h)
	require.True(t, ok)
	require.Equal(t, g, back)
}

func TestAddrSpaceInGuest(t *testing.T) {
	as, err := Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	require.True(t, as.InGuest(as.G2H(0)))
	require.False(t, as.InGuest(unsafe.Pointer(uintptr(1))))
}

func TestAddrSpaceMmapFixedThenFree(t *testing.T) {
	as, err := Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	g, err := as.Mmap(0x10000, common.PageSize, unix.PROT_READ|unix.PROT_WRITE)
	require.NoError(t, err)
	require.Equal(t, common.GAddr(0x10000), g)

	// A second fixed mapping that overlaps must fail: the used-page bitmap
	// is authoritative for free space.
	_, err = as.Mmap(0x10000, common.PageSize, unix.PROT_READ)
	require.Error(t, err)

	require.NoError(t, as.Munmap(g, common.PageSize))

	// After Munmap the page is free again.
	g2, err := as.Mmap(0x10000, common.PageSize, unix.PROT_READ)
	require.NoError(t, err)
	require.Equal(t, g, g2)
}

func TestAddrSpaceMmapFindsFreeRun(t *testing.T) {
	as, err := Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	g1, err := as.Mmap(0, common.PageSize*4, unix.PROT_READ)
	require.NoError(t, err)

	g2, err := as.Mmap(0, common.PageSize*4, unix.PROT_READ)
	require.NoError(t, err)
	require.NotEqual(t, g1, g2)
}
