package tcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/stats"
	"github.com/elfrun/elfrun/log"
)

var logger = log.New("pkg", "tcache")

// JMPCacheBits sizes both direct-mapped caches at 1<<JMPCacheBits entries.
const JMPCacheBits = 12

const jmpCacheSize = 1 << JMPCacheBits

const (
	// tbPoolSize bounds the bookkeeping arena backing TBlock accounting;
	// TBlock values themselves are ordinary Go heap objects (idiomatic Go
	// has no placement-new), so this arena exists to preserve the
	// capacity/exhaustion/flush-and-retry contract even
	// though Go's GC, not the arena, ultimately reclaims the TBlock
	// structs after a full Invalidate drops every reference to them.
	tbPoolSize = 32 * 1024 * 1024
	// codePoolSize bounds the RWX arena that actually holds emitted host
	// machine code bytes.
	codePoolSize = 128 * 1024 * 1024
)

// TCache is the process-wide translation cache: guest IP -> translated
// block. It is not safe for concurrent use: the core is single-threaded.
type TCache struct {
	mu sync.Mutex // guards the fields below against accidental reentry (e.g. from a signal handler); never contended in the steady state

	tbPool   *arena.Arena
	codePool *arena.Arena

	byIP map[common.GAddr]*TBlock
	// order holds the same keys as byIP, kept sorted, so LookupUpperBound
	// can binary-search for the next-higher block. This stands in for the
	// ordered map a balanced tree would give.
	order []common.GAddr

	jmpGeneric [jmpCacheSize]*TBlock
	jmpBrind   [jmpCacheSize]*TBlock
}

// New allocates both arenas and returns a ready, empty TCache.
func New() (*TCache, error) {
	tc := &TCache{byIP: make(map[common.GAddr]*TBlock)}
	if err := tc.initArenas(); err != nil {
		return nil, err
	}
	return tc, nil
}

func (tc *TCache) initArenas() error {
	tbPool, err := arena.New("tb_pool", tbPoolSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return fmt.Errorf("tcache: %w", err)
	}
	codePool, err := arena.New("code_pool", codePoolSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
	if err != nil {
		tbPool.Close()
		return fmt.Errorf("tcache: %w", err)
	}
	tc.tbPool = tbPool
	tc.codePool = codePool
	return nil
}

func jmpHash(ip common.GAddr) uint32 {
	return (uint32(ip) >> 2) & (jmpCacheSize - 1)
}

// LookupFast is a direct-mapped probe only; a stale hash collision misses
// silently and returns nil rather than falling through to the map.
func (tc *TCache) LookupFast(ip common.GAddr) *TBlock {
	tb := tc.jmpGeneric[jmpHash(ip)]
	if tb != nil && tb.IP == ip {
		stats.Global.IncTcacheHit()
		return tb
	}
	stats.Global.IncTcacheMiss()
	return nil
}

// Lookup probes the direct-mapped cache first, then falls back to the
// ordered map on a miss; a map hit republishes into the direct-mapped slot.
func (tc *TCache) Lookup(ip common.GAddr) *TBlock {
	hash := jmpHash(ip)
	if tb := tc.jmpGeneric[hash]; tb != nil && tb.IP == ip {
		stats.Global.IncTcacheHit()
		return tb
	}
	tb, ok := tc.byIP[ip]
	if !ok {
		stats.Global.IncTcacheMiss()
		return nil
	}
	tc.jmpGeneric[hash] = tb
	stats.Global.IncTcacheHit()
	return tb
}

// LookupUpperBound returns the block with the smallest IP strictly greater
// than ip, or nil if none exists. The execution core uses this to bound
// how far a new translation may run within a page: it must stop before the
// start of an already-translated neighbor.
func (tc *TCache) LookupUpperBound(ip common.GAddr) *TBlock {
	i := sort.Search(len(tc.order), func(i int) bool { return tc.order[i] > ip })
	if i == len(tc.order) {
		return nil
	}
	return tc.byIP[tc.order[i]]
}

// Insert publishes tb into the map and the generic direct-mapped slot. An
// IP is translated at most once: if tb.IP is already present, Insert
// returns the existing block and leaves tb unpublished.
func (tc *TCache) Insert(tb *TBlock) *TBlock {
	if existing, ok := tc.byIP[tb.IP]; ok {
		return existing
	}
	tc.byIP[tb.IP] = tb
	i := sort.Search(len(tc.order), func(i int) bool { return tc.order[i] > tb.IP })
	tc.order = append(tc.order, 0)
	copy(tc.order[i+1:], tc.order[i:])
	tc.order[i] = tb.IP
	tc.jmpGeneric[jmpHash(tb.IP)] = tb
	return tb
}

// CacheBrind marks tb as an indirect-branch target and publishes it into
// the brind direct-mapped cache.
func (tc *TCache) CacheBrind(tb *TBlock) {
	tb.IsBrindTarget = true
	tc.jmpBrind[jmpHash(tb.IP)] = tb
}

// LookupBrind probes only the indirect-branch direct-mapped cache. Emitted
// gbrind code does not inline this probe; it escapes to the execution loop.
func (tc *TCache) LookupBrind(ip common.GAddr) *TBlock {
	tb := tc.jmpBrind[jmpHash(ip)]
	if tb != nil && tb.IP == ip {
		return tb
	}
	return nil
}

// AllocTBlock reserves tracking capacity in the metadata arena and returns
// a fresh, zero-valued TBlock. Capacity exhaustion is reported as
// coreerr.ErrArenaExhausted so the caller can flush and retry once.
func (tc *TCache) AllocTBlock() (*TBlock, error) {
	const tblockAccountingSize = 64 // bytes charged per TBlock against tb_pool
	if _, err := tc.tbPool.Alloc(tblockAccountingSize, 8); err != nil {
		return nil, err
	}
	return &TBlock{}, nil
}

// AllocateCode reserves sz bytes of executable memory aligned to align
// bytes and returns both the slice (to write bytes into) and the host
// address the emitted code will execute from.
func (tc *TCache) AllocateCode(sz int, align int) ([]byte, uintptr, error) {
	buf, err := tc.codePool.Alloc(sz, align)
	if err != nil {
		return nil, 0, err
	}
	return buf, uintptr(unsafe.Pointer(&buf[0])), nil
}

// InvalidateAll clears both caches and the map and resets both arenas.
// Every live *TBlock and TCode pointer becomes invalid; callers must
// re-Lookup afterwards.
func (tc *TCache) InvalidateAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	logger.Info("flushing translation cache", "blocks", len(tc.byIP))
	tc.byIP = make(map[common.GAddr]*TBlock)
	tc.order = tc.order[:0]
	for i := range tc.jmpGeneric {
		tc.jmpGeneric[i] = nil
		tc.jmpBrind[i] = nil
	}
	tc.tbPool.Reset()
	tc.codePool.Reset()
}

// FlushAndRetry runs fn; if fn fails with coreerr.ErrArenaExhausted, the
// cache is fully invalidated and fn is retried exactly once more. A second
// failure is returned to the caller, which is expected to
// treat it as fatal.
func (tc *TCache) FlushAndRetry(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !isArenaExhausted(err) {
		return err
	}
	tc.InvalidateAll()
	return fn()
}

func isArenaExhausted(err error) bool {
	return err != nil && errors.Is(err, coreerr.ErrArenaExhausted)
}

// SampleArenaUsage snapshots both arenas' bump-pointer offsets into
// stats.Global, for cmd/elfrun's --stats summary.
func (tc *TCache) SampleArenaUsage() {
	stats.Global.SetArenaUsage(tc.codePool.Used(), tc.tbPool.Used())
}

// Blocks returns all live blocks in ascending IP order, for the profile
// store's exit-time walk.
func (tc *TCache) Blocks() []*TBlock {
	out := make([]*TBlock, 0, len(tc.order))
	for _, ip := range tc.order {
		out = append(out, tc.byIP[ip])
	}
	return out
}
