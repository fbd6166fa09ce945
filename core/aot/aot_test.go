package aot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/aot"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/profile"
	"github.com/elfrun/elfrun/core/tcache"
)

func writeProgram(t *testing.T, as *arena.AddrSpace, base common.GAddr, insns ...decode.Insn) {
	t.Helper()
	for i, in := range insns {
		ip := base + common.GAddr(i*common.InsnSize)
		*(*uint32)(as.G2H(ip)) = decode.Encode(in)
	}
}

func testChecksum(b byte) profile.Checksum {
	var c profile.Checksum
	c[0] = b
	return c
}

// buildProfile records two independent segment-entry blocks on the same
// page, each a single straight-line run ending in ecall, so modgraph.Build
// partitions the page into two one-node regions: exactly the shape Compile
// needs to produce two exported entries.
func buildProfile(t *testing.T, path string, checksum profile.Checksum, entries ...common.GAddr) *profile.File {
	t.Helper()
	pf, err := profile.Create(path, checksum)
	require.NoError(t, err)

	tc, err := tcache.New()
	require.NoError(t, err)
	for _, ip := range entries {
		tb, err := tc.AllocTBlock()
		require.NoError(t, err)
		_, ptr, err := tc.AllocateCode(4, 4)
		require.NoError(t, err)
		tb.IP = ip
		tb.TCode = tcache.TCode{Ptr: ptr, Size: 4}
		tb.IsSegmentEntry = true
		tc.Insert(tb)
	}
	pf.UpdateFromTCache(tc)
	require.NoError(t, pf.Flush())
	return pf
}

func TestCompileBuildLoadPublishesOneTBlockPerRegionEntry(t *testing.T) {
	as, err := arena.Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	base := common.GAddr(0x1000)
	entryA := base
	entryB := base + 0x100

	writeProgram(t, as, entryA,
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 1},
		decode.Insn{Op: decode.Ecall},
	)
	writeProgram(t, as, entryB,
		decode.Insn{Op: decode.Addi, Rd: 2, Rs1: 0, Imm: 2},
		decode.Insn{Op: decode.Ecall},
	)

	reader := decode.Reader(func(ip common.GAddr) uint32 {
		return *(*uint32)(as.G2H(ip))
	})

	dir := t.TempDir()
	checksum := testChecksum(0x42)
	pf := buildProfile(t, filepath.Join(dir, "p.profile"), checksum, entryA, entryB)
	defer pf.Close()

	mod, err := aot.Compile(pf, reader, checksum, aot.Options{ZeroMMUBase: true})
	require.NoError(t, err)
	require.Len(t, mod.Entries, 2)
	require.Equal(t, checksum, profile.Checksum(mod.Checksum))
	require.NotEqual(t, uuid.UUID{}, mod.BuildID)

	obj := aot.Build(mod)
	require.NotEmpty(t, obj)

	objPath := filepath.Join(dir, "out.aot.so")
	require.NoError(t, os.WriteFile(objPath, obj, 0o644))
	require.NoError(t, aot.WriteBuildID(objPath, mod.BuildID))
	require.Equal(t, mod.BuildID, aot.ReadBuildID(objPath))

	loaded, err := aot.Load(objPath)
	require.NoError(t, err)

	tc, err := tcache.New()
	require.NoError(t, err)
	loaded.InsertAll(tc)

	tbA := tc.Lookup(entryA)
	require.NotNil(t, tbA)
	require.True(t, tbA.IsSegmentEntry)
	require.NotZero(t, tbA.TCode.Ptr)
	require.NotZero(t, tbA.TCode.Size)

	tbB := tc.Lookup(entryB)
	require.NotNil(t, tbB)
	require.True(t, tbB.IsSegmentEntry)
	require.NotZero(t, tbB.TCode.Ptr)
	require.NotEqual(t, tbA.TCode.Ptr, tbB.TCode.Ptr)
}

func TestCacheGetPutRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := aot.OpenCache(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	checksum := testChecksum(0x7)
	ip := common.GAddr(0x2000)
	code := []byte{0x90, 0x90, 0xc3}
	slots := []aot.BranchSlotSite{{Offset: 1, GIP: 0x2010}}

	_, _, ok := c.Get(checksum, ip)
	require.False(t, ok)

	c.Put(checksum, ip, code, slots)

	gotCode, gotSlots, ok := c.Get(checksum, ip)
	require.True(t, ok)
	require.Equal(t, code, gotCode)
	require.Equal(t, slots, gotSlots)
}
