package qir

import (
	"fmt"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/runtime"
)

// Op identifies a QIR instruction's operation.
type Op uint8

const (
	OpMov Op = iota
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr  // logical (unsigned) right shift
	OpSar  // arithmetic (signed) right shift
	OpSetCC
	OpBr     // unconditional jump to another block in the same region
	OpBrCC   // conditional jump to one of two blocks in the same region
	OpGBr    // terminator: branch to a constant guest IP (emits a branch slot)
	OpGBrInd // terminator: branch to the guest IP held in a register
	OpVMLoad
	OpVMStore
	OpHCall
	// OpFence is a non-terminating side-effecting no-op: fence/fence.i
	// compile to this rather than being dropped by the folder, since the
	// folder only ever simplifies value-producing operations and this
	// carries no operands to fold.
	OpFence
	// OpTrap is a terminator: hand control back to the execution loop with
	// an unrecoverable coreerr.TrapKind at the guest IP the block started
	// from. ill/ecall/ebreak all lower here, so JIT-compiled code and the
	// execution loop share one trap vocabulary.
	OpTrap
	// OpGlobalLoad and OpGlobalStore are register-allocator-inserted,
	// never produced by the translator: core/ra emits OpGlobalLoad the
	// first time a region reads an architectural register it didn't
	// itself define and
	// OpGlobalStore to sync a dirty one back to CPUState before a call or
	// a region-exit terminator. GlobalIdx names which of the 32
	// architectural registers is being moved; Dst/A carry the VGPR/preg
	// side of the move the same way OpMov does.
	OpGlobalLoad
	OpGlobalStore
)

var opNames = [...]string{
	OpMov: "mov", OpAdd: "add", OpSub: "sub", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpShr: "shr", OpSar: "sar", OpSetCC: "setcc",
	OpBr: "br", OpBrCC: "brcc", OpGBr: "gbr", OpGBrInd: "gbrind",
	OpVMLoad: "vmload", OpVMStore: "vmstore", OpHCall: "hcall", OpFence: "fence", OpTrap: "trap",
	OpGlobalLoad: "gload", OpGlobalStore: "gstore",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "?"
}

// IsCommutative reports whether operand order doesn't affect the result;
// the builder uses this to canonicalise a constant onto the right operand.
func (op Op) IsCommutative() bool {
	switch op {
	case OpAdd, OpAnd, OpOr, OpXor:
		return true
	default:
		return false
	}
}

// CondCode is a comparison condition, directly modeling the six rv32
// branch/compare conditions.
type CondCode uint8

const (
	CCEq CondCode = iota
	CCNe
	CCLt
	CCGe
	CCLtU
	CCGeU
)

func (cc CondCode) String() string {
	switch cc {
	case CCEq:
		return "eq"
	case CCNe:
		return "ne"
	case CCLt:
		return "lt"
	case CCGe:
		return "ge"
	case CCLtU:
		return "ltu"
	case CCGeU:
		return "geu"
	default:
		return "?"
	}
}

// Invert returns the negated condition, used when the translator swaps a
// branch's taken/fallthrough targets.
func (cc CondCode) Invert() CondCode {
	switch cc {
	case CCEq:
		return CCNe
	case CCNe:
		return CCEq
	case CCLt:
		return CCGe
	case CCGe:
		return CCLt
	case CCLtU:
		return CCGeU
	case CCGeU:
		return CCLtU
	default:
		return cc
	}
}

// Inst is a single QIR instruction. It is a tagged union over Op: only the
// fields relevant to the instruction's opcode are meaningful.
type Inst struct {
	Op Op

	Dst  Operand // result, for Mov/binops/SetCC/VMLoad
	A, B Operand // operands: binops use both; Mov/VMLoad use A as source/address; VMStore uses A=address, B=value

	CC CondCode // SetCC, BrCC

	// VMLoad/VMStore
	Size   uint8 // access width in bytes: 1, 2, or 4
	Signed bool  // sign-extend on load

	// Terminators
	Target     common.GAddr // OpGBr
	TrueBlock  *Block       // OpBr (sole successor), OpBrCC (taken)
	FalseBlock *Block       // OpBrCC (fallthrough)

	// OpHCall
	Stub       runtime.StubID
	HelperArgs []Operand

	// OpTrap
	TrapKind coreerr.TrapKind

	// OpGlobalLoad/OpGlobalStore
	GlobalIdx uint8
}

func (i *Inst) String() string {
	switch i.Op {
	case OpMov:
		return fmt.Sprintf("%s = mov %s", i.Dst, i.A)
	case OpAdd, OpSub, OpAnd, OpOr, OpXor, OpShl, OpShr, OpSar:
		return fmt.Sprintf("%s = %s %s, %s", i.Dst, i.Op, i.A, i.B)
	case OpSetCC:
		return fmt.Sprintf("%s = setcc.%s %s, %s", i.Dst, i.CC, i.A, i.B)
	case OpBr:
		return fmt.Sprintf("br bb%d", i.TrueBlock.ID)
	case OpBrCC:
		return fmt.Sprintf("brcc.%s %s, %s, bb%d, bb%d", i.CC, i.A, i.B, i.TrueBlock.ID, i.FalseBlock.ID)
	case OpGBr:
		return fmt.Sprintf("gbr %s", i.Target)
	case OpGBrInd:
		return fmt.Sprintf("gbrind %s", i.A)
	case OpVMLoad:
		return fmt.Sprintf("%s = vmload.%d%s %s", i.Dst, i.Size, signSuffix(i.Signed), i.A)
	case OpVMStore:
		return fmt.Sprintf("vmstore.%d %s, %s", i.Size, i.A, i.B)
	case OpHCall:
		return fmt.Sprintf("%s = hcall %s %v", i.Dst, i.Stub, i.HelperArgs)
	case OpFence:
		return "fence"
	case OpTrap:
		return fmt.Sprintf("trap %s", i.TrapKind)
	case OpGlobalLoad:
		return fmt.Sprintf("%s = gload x%d", i.Dst, i.GlobalIdx)
	case OpGlobalStore:
		return fmt.Sprintf("gstore x%d, %s", i.GlobalIdx, i.A)
	default:
		return "?"
	}
}

func signSuffix(signed bool) string {
	if signed {
		return "s"
	}
	return "u"
}

// IsTerminator reports whether i ends a block.
func (i *Inst) IsTerminator() bool {
	switch i.Op {
	case OpBr, OpBrCC, OpGBr, OpGBrInd, OpTrap:
		return true
	default:
		return false
	}
}
