package exec

// trampolineToJIT enters translated code at entry with STATE/MEMBASE
// loaded into their fixed pregs and the spill frame reserved below SP,
// returning the guest IP an unresolved branch slot or
// indirect branch escaped with, plus (for the branch-slot case only) that
// slot's own host address, needed to patch it in place once its target is
// known (see trampoline_amd64.s). slotAddr == 0 means the escape came from
// an indirect branch rather than a branch slot. A state.TrapPending() true
// after the call means the region exited via a trap terminator instead of
// an escape, and both return values are meaningless.
func trampolineToJIT(state, membase, entry uintptr) (gip uint32, slotAddr uintptr)

// escapeLinkStub/escapeBrindStub are the raw assembly labels
// trampoline_amd64.s's escapeLinkAddr/escapeBrindAddr take the address
// of; they are never called through this Go declaration (translated
// code reaches them via a raw `call` to the address returned by
// escapeLinkAddr/escapeBrindAddr), but the declaration is required so
// the toolchain emits the stack maps their TEXT symbols reference.
func escapeLinkStub()
func escapeBrindStub()
func atomicGate()

// escapeLinkAddr/escapeBrindAddr/atomicGateAddr return the assembly
// stubs' host entry addresses, registered with runtime.SetControlStub
// from exec.go's init().
func escapeLinkAddr() uintptr
func escapeBrindAddr() uintptr
func atomicGateAddr() uintptr
