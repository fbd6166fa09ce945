// Package aot implements the offline ahead-of-time compilation pipeline
// that turns a profile file's recorded
// pages into a loadable shared object: for every page, build the module
// graph and partition it into regions (core/modgraph), compile each
// region's entry through the same xlate -> qsel -> ra -> emit pipeline
// core/exec uses for the JIT, and concatenate the results into a single
// RWX code blob exported as an ELF object with a `_aot_tab` symbol table
//. At load time (load.go), the runtime maps that blob back
// into the process and publishes one TBlock per entry into core/tcache,
// so the first execution at that IP dispatches straight into AOT code
// instead of paying a JIT-compile miss.
//
// Per page: build the graph, compute regions,
// compile each region, emit one shared object. The runtime side is a
// hand-mapped loader (load.go) rather than dlopen/dlsym:
// there is no cgo-free dlopen in pure Go, and the rest of the core only
// sees injected TBlocks whose tcode.ptr is a host address inside the
// loaded object, so the loading mechanism is free to differ.
package aot

import (
	"github.com/google/uuid"

	"github.com/elfrun/elfrun/common"
)

// Entry is one compiled region entry: a region's region-entry node
// (modgraph.Region.Nodes[0]) plus the machine code compiled for it.
// Non-entry nodes within
// a region are not separately exported; they are still reachable the
// normal lazy-branch-linking way once the entry's own code runs.
type Entry struct {
	GIP  common.GAddr
	Code []byte
	// BranchSlots mirrors emit.Result.BranchSlots: offsets within Code
	// that load.go's linker must rewrite from "unlinked" to a direct jump
	// once every entry's final load address is known.
	BranchSlots []BranchSlotSite
}

// BranchSlotSite is aot's copy of emit.BranchSlotSite (avoiding an import
// cycle is not the reason (core/emit already exports this shape); this
// package re-declares it so object.go/load.go do not need to reach into
// core/emit's internal offset bookkeeping, only the GIP each slot targets
// and whether its target resolved to another AOT entry or must fall back
// to a JIT compile at first execution).
type BranchSlotSite struct {
	Offset int
	GIP    common.GAddr
	// CrossSegment marks a branch whose target IP is not among this
	// object's own exported entries. Compile, the region cache and Load
	// do not set or read it: Load makes the link-or-lazy-link decision
	// per slot from the object's .aotslots records instead.
	CrossSegment bool
}

// Module is the result of Compile: every region entry compiled for one
// profile, ready for object.Build to serialize into an ELF blob.
type Module struct {
	Checksum [16]byte
	Entries  []Entry
	// BuildID is a fresh github.com/google/uuid stamped by Compile so two
	// .aot.so builds of the same guest ELF (same Checksum) can still be
	// told apart, e.g. by elfaot re-running after a profile update. Not
	// part of the on-disk _aot_tab wire format; written to a
	// companion sidecar (WriteBuildID) beside the .aot.so itself.
	BuildID uuid.UUID
}
