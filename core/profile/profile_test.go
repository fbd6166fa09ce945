package profile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/profile"
	"github.com/elfrun/elfrun/core/tcache"
)

func testChecksum(b byte) profile.Checksum {
	var c profile.Checksum
	c[0] = b
	return c
}

func mustBlock(t *testing.T, tc *tcache.TCache, ip common.GAddr, brind, segEntry bool) {
	t.Helper()
	_, err := tc.AllocTBlock()
	require.NoError(t, err)
	_, ptr, err := tc.AllocateCode(16, 16)
	require.NoError(t, err)
	tb := tc.Insert(&tcache.TBlock{IP: ip, TCode: tcache.TCode{Ptr: ptr, Size: 16}})
	if brind {
		tc.CacheBrind(tb)
	}
	tb.IsSegmentEntry = tb.IsSegmentEntry || segEntry
}

func TestProfileCreateUpdateCloseOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.profile")
	checksum := testChecksum(0xAB)

	pf, err := profile.Create(path, checksum)
	require.NoError(t, err)

	tc, err := tcache.New()
	require.NoError(t, err)
	mustBlock(t, tc, 0x1000, false, true)
	mustBlock(t, tc, 0x1010, true, false)

	pf.UpdateFromTCache(tc)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Close())

	reopened, err := profile.Open(path, checksum)
	require.NoError(t, err)
	defer reopened.Close()

	rec, ok := reopened.Page(common.PageOf(0x1000))
	require.True(t, ok)
	require.Contains(t, rec.Entries, common.GAddr(0x1000))
	require.Contains(t, rec.Entries, common.GAddr(0x1010))
	require.Contains(t, rec.SegmentEntries, common.GAddr(0x1000))
	require.Contains(t, rec.BrindTargets, common.GAddr(0x1010))
}

// TestProfileOpenRefusesChecksumMismatch checks the
// checksum-refusal policy: a profile file is never silently rebuilt for a
// different guest binary.
func TestProfileOpenRefusesChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.profile")

	pf, err := profile.Create(path, testChecksum(1))
	require.NoError(t, err)
	require.NoError(t, pf.Close())

	_, err = profile.Open(path, testChecksum(2))
	require.Error(t, err)
}

// TestProfileMergeIsBitwiseOr checks that merging two profile files
// produces the OR of their bitmaps, regardless of which file recorded
// which bit.
func TestProfileMergeIsBitwiseOr(t *testing.T) {
	dir := t.TempDir()
	checksum := testChecksum(7)

	tcA, err := tcache.New()
	require.NoError(t, err)
	mustBlock(t, tcA, 0x5000, false, false)

	tcB, err := tcache.New()
	require.NoError(t, err)
	mustBlock(t, tcB, 0x5010, true, false)

	dst, err := profile.Create(filepath.Join(dir, "dst.profile"), checksum)
	require.NoError(t, err)
	dst.UpdateFromTCache(tcA)

	src, err := profile.Create(filepath.Join(dir, "src.profile"), checksum)
	require.NoError(t, err)
	src.UpdateFromTCache(tcB)

	profile.Merge(dst, src)

	rec, ok := dst.Page(common.PageOf(0x5000))
	require.True(t, ok)
	require.Contains(t, rec.Entries, common.GAddr(0x5000))
	require.Contains(t, rec.Entries, common.GAddr(0x5010))
	require.Contains(t, rec.BrindTargets, common.GAddr(0x5010))
}
