// Package ra assigns physical x86-64 registers and stack spill slots to
// the virtual registers QSel leaves behind. GPR numbering is the
// hardware encoding order (AX=0, CX=1, DX=2, BX=3, SP=4, BP=5, SI=6,
// DI=7, R8..R15=8..15); the three fixed registers (STATE=R13,
// MEMBASE=RBP, SP=RSP) are excluded from the allocatable pool.
package ra

// Physical register ids, in hardware encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	GPRNum = 16
)

// Fixed registers: never assigned by RA. Their concrete choices are part
// of the trampoline ABI and must not change without updating
// trampoline_amd64.s.
const (
	StateReg   = R13
	MembaseReg = RBP
	SPReg      = RSP
)

// regMask is a bitset over the sixteen GPR ids.
type regMask uint16

func (m regMask) test(r int) bool   { return m&(1<<uint(r)) != 0 }
func (m regMask) set(r int) regMask { return m | (1 << uint(r)) }

const gprAll = regMask(1<<GPRNum - 1)

// gprFixed is the set of registers RA must never touch.
var gprFixed = regMask(0).set(StateReg).set(MembaseReg).set(SPReg)

// GPRPool is the set of registers RA may assign to virtuals, i.e. every
// GPR except the fixed three.
var gprPool = gprAll &^ gprFixed

// gprCallClobber is the set of registers a `call` instruction (an hcall,
// here) may trash:
// RAX, RDI, RSI, RDX, RCX, R8..R11, the System V argument/return
// registers, since the runtime stubs this calls into are ordinary
// functions under that convention (core/runtime's ABI-adapter note).
var gprCallClobber = regMask(0).set(RAX).set(RDI).set(RSI).set(RDX).set(RCX).set(R8).set(R9).set(R10).set(R11)

// SpillFrameSize is the fixed stack spill frame size in bytes. Slots
// are never reused within a region, so the frame is sized for the worst
// case rather than the live maximum.
const SpillFrameSize = 480

// SpillSlotWidth is the width of one spill slot; rv32 is 32-bit but a
// slot is machine-word sized to keep addressing simple; two 32-bit
// spills are never packed into one 8-byte slot.
const SpillSlotWidth = 8

// MaxSpillSlots is how many slots SpillFrameSize holds.
const MaxSpillSlots = SpillFrameSize / SpillSlotWidth
