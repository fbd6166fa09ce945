// Package tcache implements the process-wide translation cache: a fingerprinted map from guest IP to translated host code,
// two direct-mapped lookup caches, and the two backing arenas (TBlock
// metadata, RWX code). Exactly one TBlock is ever created per guest IP;
// once published a TBlock is only ever touched again to flip its two
// advisory flags.
package tcache

import "github.com/elfrun/elfrun/common"

// TCode locates a translated block's host machine code inside the tcache's
// code arena.
type TCode struct {
	Ptr  uintptr
	Size int
}

// TBlock is the tcache's record of one translated guest region. It is
// created once by the compiler and is never mutated after publication
// except for the two advisory flags below.
type TBlock struct {
	IP    common.GAddr
	TCode TCode

	// IsBrindTarget is set by TCache.CacheBrind, which also publishes the
	// block into the indirect-branch direct-mapped cache. The execution
	// loop calls CacheBrind for every block it enters without a linked
	// branch slot.
	IsBrindTarget bool

	// IsSegmentEntry marks a block that is a page/segment entry point for
	// the AOT module graph's synthetic root.
	IsSegmentEntry bool
}
