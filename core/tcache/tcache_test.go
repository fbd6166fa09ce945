package tcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
)

func mustInsert(t *testing.T, tc *TCache, ip common.GAddr, size int) *TBlock {
	t.Helper()
	_, err := tc.AllocTBlock()
	require.NoError(t, err)
	code, ptr, err := tc.AllocateCode(size, 16)
	require.NoError(t, err)
	require.Len(t, code, size)
	tb := &TBlock{IP: ip, TCode: TCode{Ptr: ptr, Size: size}}
	return tc.Insert(tb)
}

func TestTCacheInsertLookupRoundTrip(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)

	tb := mustInsert(t, tc, 0x1000, 32)
	require.Nil(t, tc.Lookup(0x2000))

	got := tc.Lookup(0x1000)
	require.Same(t, tb, got)

	// invariant: every entry's own IP matches the key it was inserted under.
	require.Equal(t, common.GAddr(0x1000), got.IP)

	// Lookup republishes into the direct-mapped cache, so LookupFast now hits.
	require.Same(t, tb, tc.LookupFast(0x1000))
}

func TestTCacheInsertIsIdempotentPerIP(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)

	first := mustInsert(t, tc, 0x2000, 16)
	_, err = tc.AllocTBlock()
	require.NoError(t, err)
	code, ptr, err := tc.AllocateCode(16, 16)
	require.NoError(t, err)
	_ = code
	second := tc.Insert(&TBlock{IP: 0x2000, TCode: TCode{Ptr: ptr, Size: 16}})

	// An IP is translated at most once: Insert on a duplicate key returns the
	// first-published block unchanged.
	require.Same(t, first, second)
}

func TestTCacheLookupUpperBound(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)

	a := mustInsert(t, tc, 0x1000, 8)
	b := mustInsert(t, tc, 0x2000, 8)
	c := mustInsert(t, tc, 0x3000, 8)

	require.Same(t, a, tc.LookupUpperBound(0x0))
	require.Same(t, b, tc.LookupUpperBound(0x1000))
	require.Same(t, c, tc.LookupUpperBound(0x2000))
	require.Nil(t, tc.LookupUpperBound(0x3000))
}

func TestTCacheCacheBrindFastPath(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)

	tb := mustInsert(t, tc, 0x4000, 8)
	require.Nil(t, tc.LookupBrind(0x4000))

	tc.CacheBrind(tb)
	require.True(t, tb.IsBrindTarget)

	// After cache_brind with no intervening invalidation, a lookup by IP
	// resolves through the brind cache alone.
	require.Same(t, tb, tc.LookupBrind(0x4000))
}

func TestTCacheInvalidateAllClearsEverything(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)

	tb := mustInsert(t, tc, 0x5000, 8)
	tc.CacheBrind(tb)
	require.NotNil(t, tc.Lookup(0x5000))

	tc.InvalidateAll()

	require.Nil(t, tc.Lookup(0x5000))
	require.Nil(t, tc.LookupFast(0x5000))
	require.Nil(t, tc.LookupBrind(0x5000))
	require.Nil(t, tc.LookupUpperBound(0))
	require.Empty(t, tc.Blocks())
}

func TestTCacheFlushAndRetryRecoversFromExhaustion(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)
	mustInsert(t, tc, 0x6000, 8)

	attempts := 0
	err = tc.FlushAndRetry(func() error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("tcache_test: simulated exhaustion: %w", coreerr.ErrArenaExhausted)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	// The flush dropped the earlier block.
	require.Nil(t, tc.Lookup(0x6000))
}

func TestTCacheBlocksAreInAscendingIPOrder(t *testing.T) {
	tc, err := New()
	require.NoError(t, err)

	mustInsert(t, tc, 0x3000, 8)
	mustInsert(t, tc, 0x1000, 8)
	mustInsert(t, tc, 0x2000, 8)

	blocks := tc.Blocks()
	require.Len(t, blocks, 3)
	require.Equal(t, common.GAddr(0x1000), blocks[0].IP)
	require.Equal(t, common.GAddr(0x2000), blocks[1].IP)
	require.Equal(t, common.GAddr(0x3000), blocks[2].IP)
}
