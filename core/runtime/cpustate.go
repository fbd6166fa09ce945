// Package runtime holds the pieces of the execution core that translated
// code and the execution loop share but that are not part of QIR itself:
// the per-guest-task CPU state record, the fixed table of runtime stub
// entry points hcall lowers to, and the stub
// implementations themselves (fence, ecall/ebreak dispatch, the rv32a
// atomics, indirect-branch resolution, lazy branch linking).
//
// A single Go StubID enum and an address
// table; AOT-variant link stubs and debug-only
// trace entries are omitted, which
// have no home in the JIT-only core this package serves.
package runtime

import "github.com/elfrun/elfrun/common"

// CPUState is the guest task's architectural register file plus the
// execution-loop bookkeeping translated code and the trap path both touch
// directly. Guest register offsets here are exactly the
// QIR state description's globals.
type CPUState struct {
	GPR [32]uint32 // x0 is never written; kept for offset-stability with the decoder's Rd/Rs1/Rs2 indices
	PC  common.GAddr

	// Trapno is read by the execution loop after every return from
	// translated code. TrapPending is spelled the way it behaves:
	// pending iff trapno != NONE.
	Trapno TrapNo

	// ReservedAddr/ReservedValid implement the LR/SC reservation: SC.W succeeds only if it observes the same address an
	// immediately preceding LR.W reserved and nothing else has retired an
	// AMO/store to it since. A single-guest-thread core never needs a real
	// reservation-granule/snoop mechanism; a single remembered address is
	// enough to detect the one case that matters, an SC with no preceding
	// LR on the same address.
	ReservedAddr  common.GAddr
	ReservedValid bool
}

// TrapNo identifies why translated code returned control to the execution
// loop. Zero (TrapNone) means "no trap pending"; see the TrapPending
// comment above.
type TrapNo uint32

const (
	TrapNone TrapNo = iota
	TrapEcall
	TrapEbreak
	TrapIllegalInsn
	TrapUnalignedIP
	TrapGuestSegv
	TrapHostSegv
)

// TrapPending reports whether state carries a trap the execution loop must
// service before resuming translated code.
func (s *CPUState) TrapPending() bool { return s.Trapno != TrapNone }

// current is the thread-local CPUState pointer translated code and the
// signal handler both read. The core runs one guest task
// per host process, so Go's goroutine-local absence is not
// a gap here: Current is only ever set once, from the thread the
// execution loop runs on, before any translated code executes.
var current *CPUState

// SetCurrent installs state as the running guest task's CPUState. Called
// once by the execution loop before entering translated code.
func SetCurrent(state *CPUState) { current = state }

// Current returns the running guest task's CPUState, or nil before
// SetCurrent has been called.
func Current() *CPUState { return current }
