package runtime

import "sync/atomic"

// StubID names one entry in the runtime stub table that emitted hcall
// instructions call into: control stubs first, then the rv32a atomics.
type StubID int

const (
	StubEscapeLink StubID = iota
	StubEscapeBrind
	StubLinkBranch
	StubBrind
	StubRaise
	StubAtomicGate

	StubFence
	StubFenceI
	StubEcall
	StubEbreak
	StubLrW
	StubScW
	StubAmoswapW
	StubAmoaddW
	StubAmoxorW
	StubAmoandW
	StubAmoorW
	StubAmominW
	StubAmomaxW
	StubAmominuW
	StubAmomaxuW

	stubCount
)

var stubNames = [...]string{
	StubEscapeLink: "escape_link", StubEscapeBrind: "escape_brind",
	StubLinkBranch: "link_branch", StubBrind: "brind", StubRaise: "raise",
	StubAtomicGate: "atomic_gate",
	StubFence: "rv32_fence", StubFenceI: "rv32_fencei",
	StubEcall: "rv32_ecall", StubEbreak: "rv32_ebreak",
	StubLrW: "rv32_lrw", StubScW: "rv32_scw",
	StubAmoswapW: "rv32_amoswapw", StubAmoaddW: "rv32_amoaddw",
	StubAmoxorW: "rv32_amoxorw", StubAmoandW: "rv32_amoandw", StubAmoorW: "rv32_amoorw",
	StubAmominW: "rv32_amominw", StubAmomaxW: "rv32_amomaxw",
	StubAmominuW: "rv32_amominuw", StubAmomaxuW: "rv32_amomaxuw",
}

func (id StubID) String() string {
	if int(id) < len(stubNames) {
		return stubNames[id]
	}
	return "?"
}

// AtomicStub is the signature every rv32a runtime stub implements: given
// the guest task's state and a host pointer into the linear mapping (the
// hcall site adds the membase to the guest address before the call, the
// same addressing rule vmload/vmstore compile to), perform the operation
// with host sequentially-consistent atomics and return the value rd
// receives.
type AtomicStub func(state *CPUState, addr *uint32, val uint32) uint32

// stubTable holds the host entry addresses Emit bakes `call`s to. Only
// assembly entry points live here: a Go function cannot be entered at
// its raw code pointer by emitted code (Go's internal calling convention
// is not System V, keeps no callee-saved registers, and needs a valid
// goroutine register), so the atomic stubs are *not* in this table.
// Emitted code reaches them through the atomic gate (core/exec's
// trampoline_amd64.s), registered under StubAtomicGate, which carries
// the StubID across the boundary and re-enters Go to CallAtomic below.
var stubTable [stubCount]uintptr

// atomicStubs maps each rv32a StubID to its Go implementation. Indexed
// by the stub id the gate receives from the emitted call site.
var atomicStubs [stubCount]AtomicStub

func init() {
	atomicStubs[StubLrW] = lrW
	atomicStubs[StubScW] = scW
	atomicStubs[StubAmoswapW] = amoSwapW
	atomicStubs[StubAmoaddW] = amoAddW
	atomicStubs[StubAmoxorW] = amoXorW
	atomicStubs[StubAmoandW] = amoAndW
	atomicStubs[StubAmoorW] = amoOrW
	atomicStubs[StubAmominW] = amoMinW
	atomicStubs[StubAmomaxW] = amoMaxW
	atomicStubs[StubAmominuW] = amoMinuW
	atomicStubs[StubAmomaxuW] = amoMaxuW
}

// CallAtomic runs the atomic stub that id names. This is the Go landing
// point of the atomic gate; tests call it directly to exercise stub
// semantics without emitted code in the loop.
func CallAtomic(id StubID, state *CPUState, addr *uint32, val uint32) uint32 {
	fn := atomicStubs[id]
	if fn == nil {
		panic("runtime: hcall to a stub with no atomic implementation: " + id.String())
	}
	return fn(state, addr, val)
}

// SetControlStub registers the host entry address of an assembly stub
// core/exec owns (the two escape stubs and the atomic gate, all in
// trampoline_amd64.s), since they touch execution-loop state (the
// running CPUState, the tcache, the trap-unwind buffer) this package
// does not own. core/exec's init() calls this once per stub with its own
// entry address, so core/emit can bake a direct call to it without
// core/emit importing core/exec (which would cycle back through
// core/exec's own dependency on core/emit to compile regions).
//
// Only StubEscapeLink, StubEscapeBrind and StubAtomicGate are ever baked
// into a call site core/emit generates (branchslot.go's unlinked shape,
// gbrind, and hcall): lazy-link and brind cache lookups resolve at the
// execution loop in ordinary Go after an escape, rather than from a
// second callable JIT stub, so StubLinkBranch/StubBrind/StubRaise are
// kept only as named constants; their
// logic lives in core/exec.Execute, not behind a registered address.
func SetControlStub(id StubID, addr uintptr) {
	stubTable[id] = addr
}

// StubAddr returns the host entry address Emit bakes into a call site for
// id. Zero means the stub has not been registered yet; for the
// process-control stubs this means core/exec's init() has not run, which
// should never happen once main has imported it.
func StubAddr(id StubID) uintptr {
	if int(id) < len(stubTable) {
		return stubTable[id]
	}
	return 0
}

// --- rv32a atomic stubs ---
//
// All eleven operate word-wide on the guest linear mapping; aq/rl are not
// modelled (decode.funct5Of's doc comment explains why: every atomic is
// sequentially consistent here regardless). One small function per
// operation so each can be registered individually in atomicStubs.

func lrW(state *CPUState, addr *uint32, _ uint32) uint32 {
	v := atomic.LoadUint32(addr)
	state.ReservedValid = true
	return v
}

func scW(state *CPUState, addr *uint32, val uint32) uint32 {
	if !state.ReservedValid {
		return 1 // failure: no outstanding reservation
	}
	state.ReservedValid = false
	atomic.StoreUint32(addr, val)
	return 0 // success
}

func amoSwapW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return atomic.SwapUint32(addr, val)
}

func amoAddW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return atomic.AddUint32(addr, val) - val
}

func amoXorW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 { return old ^ val })
}

func amoAndW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 { return old & val })
}

func amoOrW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 { return old | val })
}

func amoMinW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 {
		if int32(old) < int32(val) {
			return old
		}
		return val
	})
}

func amoMaxW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 {
		if int32(old) > int32(val) {
			return old
		}
		return val
	})
}

func amoMinuW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 {
		if old < val {
			return old
		}
		return val
	})
}

func amoMaxuW(_ *CPUState, addr *uint32, val uint32) uint32 {
	return casLoop(addr, func(old uint32) uint32 {
		if old > val {
			return old
		}
		return val
	})
}

// casLoop implements the non-additive AMOs (xor/and/or/min/max variants)
// as a compare-and-swap retry loop, since sync/atomic has no fetch-op
// primitive for them; it returns the value observed before the swap, the
// rv32a-defined result for every AMO.
func casLoop(addr *uint32, f func(uint32) uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, f(old)) {
			return old
		}
	}
}
