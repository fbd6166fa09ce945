// Package stats holds a
// lightweight in-process counters block (tcache hit/miss, arena bytes
// used, regions compiled, AOT symbols loaded) that cmd/elfrun's --stats
// flag prints at process exit. A dependency-free counter type rather
// than a full metrics registry: registry exporters want an HTTP listener
// or a time-series backend, and a one-shot CLI process has neither.
package stats

import (
	"fmt"
	"sync/atomic"
)

// Counters holds every counter this package tracks. The zero value is
// ready to use; every field is updated only through its named method so
// callers never touch atomic internals directly.
type Counters struct {
	tcacheHits       int64
	tcacheMisses     int64
	regionsCompiled  int64
	aotSymbolsLoaded int64
	arenaCodeBytes   int64
	arenaMetaBytes   int64
}

// Global is the process-wide instance every package increments through;
// a single guest task per process means there is
// never a second set of counters to keep separate.
var Global = &Counters{}

func (c *Counters) IncTcacheHit()       { atomic.AddInt64(&c.tcacheHits, 1) }
func (c *Counters) IncTcacheMiss()      { atomic.AddInt64(&c.tcacheMisses, 1) }
func (c *Counters) IncRegionsCompiled() { atomic.AddInt64(&c.regionsCompiled, 1) }
func (c *Counters) IncAotSymbolsLoaded(n int) {
	atomic.AddInt64(&c.aotSymbolsLoaded, int64(n))
}

// SetArenaUsage records the current bump-pointer offset of the tcache's
// two arenas (core/arena.Arena.Used), overwriting rather than
// accumulating: these are gauges, not counters, and the caller decides
// when to sample them (typically just before printing a summary).
func (c *Counters) SetArenaUsage(codeBytes, metaBytes int) {
	atomic.StoreInt64(&c.arenaCodeBytes, int64(codeBytes))
	atomic.StoreInt64(&c.arenaMetaBytes, int64(metaBytes))
}

// Snapshot is a point-in-time read of every counter, safe to format or
// compare without further synchronization.
type Snapshot struct {
	TcacheHits       int64
	TcacheMisses     int64
	RegionsCompiled  int64
	AotSymbolsLoaded int64
	ArenaCodeBytes   int64
	ArenaMetaBytes   int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TcacheHits:       atomic.LoadInt64(&c.tcacheHits),
		TcacheMisses:     atomic.LoadInt64(&c.tcacheMisses),
		RegionsCompiled:  atomic.LoadInt64(&c.regionsCompiled),
		AotSymbolsLoaded: atomic.LoadInt64(&c.aotSymbolsLoaded),
		ArenaCodeBytes:   atomic.LoadInt64(&c.arenaCodeBytes),
		ArenaMetaBytes:   atomic.LoadInt64(&c.arenaMetaBytes),
	}
}

// String renders a one-line summary suitable for a process-exit log line
// or direct stdout print under --stats.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"tcache_hits=%d tcache_misses=%d regions_compiled=%d aot_symbols_loaded=%d arena_code_bytes=%d arena_meta_bytes=%d",
		s.TcacheHits, s.TcacheMisses, s.RegionsCompiled, s.AotSymbolsLoaded, s.ArenaCodeBytes, s.ArenaMetaBytes,
	)
}
