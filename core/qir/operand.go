// Package qir implements the quick IR: a small
// SSA-ish intermediate representation with four operand kinds (constant,
// virtual GPR, physical GPR, stack spill slot), a peephole-folding
// builder, and the block/region containers the QSel and register
// allocator passes consume.
//
// A tagged-struct Instruction with a flat four-operand-kind model,
// tailored to register allocation over a fixed physical register file
// rather than an unbounded SSA value space.
package qir

import "fmt"

// OperandKind tags which of the four operand shapes an Operand holds.
type OperandKind uint8

const (
	// OpndConst is an immediate value materialised at translation time.
	OpndConst OperandKind = iota
	// OpndVGPR is a virtual general-purpose register: unbounded, assigned
	// by QSel/RA to a physical register or a spill slot.
	OpndVGPR
	// OpndPGPR is a physical register: one of the fixed registers
	// (STATE, MEMBASE, stack pointer) or one RA assigned to a VGPR.
	OpndPGPR
	// OpndSlot is a stack spill-frame slot, assigned by RA.
	OpndSlot
)

func (k OperandKind) String() string {
	switch k {
	case OpndConst:
		return "const"
	case OpndVGPR:
		return "vgpr"
	case OpndPGPR:
		return "pgpr"
	case OpndSlot:
		return "slot"
	default:
		return "?"
	}
}

// Operand is a QIR instruction operand. Exactly one of the Value/Reg/Slot
// fields is meaningful, selected by Kind.
type Operand struct {
	Kind  OperandKind
	Width uint8 // operand width in bytes: 1, 2, 4, or 8
	Value int64 // OpndConst
	Reg   int   // OpndVGPR id, or OpndPGPR physical register index
	Slot  int   // OpndSlot spill-frame offset index
}

// Const builds a constant operand. RV32 is 32-bit, but widening helpers
// (sign/zero extension during load translation) produce 64-bit constants.
func Const(v int64, width uint8) Operand {
	return Operand{Kind: OpndConst, Value: v, Width: width}
}

// VGPR builds a fresh virtual register operand; callers get ids from
// Builder.NewVGPR rather than constructing these directly.
func VGPR(id int, width uint8) Operand {
	return Operand{Kind: OpndVGPR, Reg: id, Width: width}
}

// PGPR builds a fixed physical register operand.
func PGPR(reg int, width uint8) Operand {
	return Operand{Kind: OpndPGPR, Reg: reg, Width: width}
}

// Slot builds a stack spill-slot operand.
func Slot(idx int, width uint8) Operand {
	return Operand{Kind: OpndSlot, Slot: idx, Width: width}
}

// IsConst reports whether op holds a compile-time constant.
func (op Operand) IsConst() bool { return op.Kind == OpndConst }

// IsZero reports whether op is the constant zero (used by the add(x,0)
// peephole and by the hard-wired x0 = 0 convention).
func (op Operand) IsZero() bool { return op.Kind == OpndConst && op.Value == 0 }

func (op Operand) String() string {
	switch op.Kind {
	case OpndConst:
		return fmt.Sprintf("$%d", op.Value)
	case OpndVGPR:
		return fmt.Sprintf("%%v%d", op.Reg)
	case OpndPGPR:
		return fmt.Sprintf("%%p%d", op.Reg)
	case OpndSlot:
		return fmt.Sprintf("[slot%d]", op.Slot)
	default:
		return "?"
	}
}

// Zero is the canonical guest x0 operand: a constant zero, never a
// register, so no instruction ever needs to special-case writes to x0.
var Zero = Const(0, 4)
