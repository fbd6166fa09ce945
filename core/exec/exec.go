// Package exec drives the dispatch loop over the pieces core/xlate,
// core/qsel, core/ra, core/emit and core/tcache assemble, plus the two assembly escape stubs
// (trampoline_amd64.s) translated code calls into on a branch that cannot
// be resolved inline.
package exec

import (
	"unsafe"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/emit"
	"github.com/elfrun/elfrun/core/runtime"
	"github.com/elfrun/elfrun/core/tcache"
	"github.com/elfrun/elfrun/log"
)

var logger = log.New("pkg", "exec")

func init() {
	runtime.SetControlStub(runtime.StubEscapeLink, escapeLinkAddr())
	runtime.SetControlStub(runtime.StubEscapeBrind, escapeBrindAddr())
	runtime.SetControlStub(runtime.StubAtomicGate, atomicGateAddr())
}

// dispatchAtomic is the Go landing point of the atomic gate
// (trampoline_amd64.s): unpack the raw words the gate forwarded off the
// emitted call site's registers and run the stub. The uintptr-typed
// state and addr are live host pointers for exactly this call; state is
// the same CPUState Execute pinned for the whole region, and addr points
// into the guest linear mapping, which no GC tracks.
func dispatchAtomic(id, state, addr uintptr, val uint32) uint32 {
	return runtime.CallAtomic(runtime.StubID(id),
		(*runtime.CPUState)(unsafe.Pointer(state)),
		(*uint32)(unsafe.Pointer(addr)), val)
}

// Execute runs the guest task described by state until a trap terminator
// or the loop itself sets state.Trapno, then returns. A memory fault in
// translated code does not return here: the handler in signal.go ends
// the process.
// A lookup-or-compile / link-or-cache_brind / trampoline loop; the
// pending branch slot is carried as a plain uintptr (0 meaning
// "no slot to link", see trampoline_amd64.s) since Go offers no
// safe way to hand a raw pointer into hand-emitted machine code and get
// it back as a typed value.
func Execute(state *runtime.CPUState, as *arena.AddrSpace, tc *tcache.TCache, zeroMMUBase bool) {
	runtime.SetCurrent(state)

	var prevTB *tcache.TBlock
	var prevSlot uintptr

	for !state.TrapPending() {
		if !common.Aligned4(state.PC) {
			state.Trapno = runtime.TrapUnalignedIP
			return
		}

		tb, err := lookupOrCompile(tc, as, state.PC, zeroMMUBase)
		if err != nil {
			logger.Error("compile failed", "ip", state.PC, "err", err)
			state.Trapno = runtime.TrapHostSegv
			return
		}

		if prevSlot != 0 {
			at := int(prevSlot - prevTB.TCode.Ptr)
			emit.Link(codeSlice(prevTB), at, uint64(prevSlot), uint64(tb.TCode.Ptr))
		} else {
			tc.CacheBrind(tb)
		}

		gip, slotAddr := trampolineToJIT(statePtr(state), as.Base(), tb.TCode.Ptr)

		prevTB = tb
		prevSlot = slotAddr

		if !state.TrapPending() {
			state.PC = common.GAddr(gip)
		}
	}
}

// statePtr exposes state's address to the assembly trampoline as a raw
// uintptr. Safe because state is pinned
// in place for the whole call: Execute holds the only Go reference to it
// and makes no allocating call while translated code runs.
func statePtr(state *runtime.CPUState) uintptr {
	return uintptr(unsafe.Pointer(state))
}

// lookupOrCompile is the fast-path cache probe plus on-miss compile, kept
// separate from Execute's loop body so the common hit path stays a single branch.
func lookupOrCompile(tc *tcache.TCache, as *arena.AddrSpace, ip common.GAddr, zeroMMUBase bool) (*tcache.TBlock, error) {
	if tb := tc.LookupFast(ip); tb != nil {
		return tb, nil
	}
	if tb := tc.Lookup(ip); tb != nil {
		return tb, nil
	}
	boundary := common.PageEnd(ip)
	if next := tc.LookupUpperBound(ip); next != nil && next.IP < boundary {
		boundary = next.IP
	}
	return Compile(tc, as, ip, boundary, zeroMMUBase)
}
