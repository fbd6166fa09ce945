package decode

import "github.com/elfrun/elfrun/common"

// MaxBlockInsns bounds how many instructions Analyse will decode before
// forcing a block boundary even when no terminator is in sight.
const MaxBlockInsns = 64

// Control reports why a region walk stopped.
type Control int

const (
	// ControlBoundary means the walk stopped at the caller-supplied
	// boundary IP or after MaxBlockInsns straight-line instructions.
	ControlBoundary Control = iota
	// ControlBranch means the last visited instruction was a branch,
	// jump, or environment call/break and ends the block.
	ControlBranch
)

// Reader supplies the raw instruction word at a guest IP. Callers
// typically close over an arena.AddrSpace.G2H translation.
type Reader func(ip common.GAddr) uint32

// Visitor is called once per decoded instruction, in ascending IP order.
// The module-graph builder and the QIR builder are both Visitors: each
// switches on insn.Op to record edges or emit IR, per instruction.
type Visitor func(ip common.GAddr, insn Insn)

// Analyse walks guest instructions starting at ip, stopping at the first
// branch-class instruction, at boundary (if boundary != 0), or after
// MaxBlockInsns instructions, whichever comes first. It
// returns the exclusive end IP and why the walk stopped.
func Analyse(ip, boundary common.GAddr, read Reader, visit Visitor) (end common.GAddr, why Control) {
	cur := ip
	for n := 0; n < MaxBlockInsns; n++ {
		if boundary != 0 && cur >= boundary {
			return cur, ControlBoundary
		}
		insn := Decode(read(cur))
		visit(cur, insn)
		cur += common.InsnSize
		if insn.Op.IsBranch() {
			return cur, ControlBranch
		}
	}
	return cur, ControlBoundary
}
