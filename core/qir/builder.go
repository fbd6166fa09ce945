package qir

import (
	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/runtime"
)

// GPRWidth is the width, in bytes, of every rv32 integer value QIR
// carries: the architecture is strictly 32-bit.
const GPRWidth = 4

// Builder constructs a Region's blocks instruction by instruction,
// applying the peephole folder to every
// Create_* call before publishing it.
type Builder struct {
	region   *Region
	block    *Block
	nextVGPR int
}

// NewBuilder starts building into region, with no current block; callers
// must SetBlock before emitting.
func NewBuilder(region *Region) *Builder {
	return &Builder{region: region}
}

// SetBlock moves the insertion point to b.
func (bd *Builder) SetBlock(b *Block) { bd.block = b }

// Block returns the current insertion block.
func (bd *Builder) Block() *Block { return bd.block }

// NewBlock allocates a fresh block in the region without changing the
// current insertion point.
func (bd *Builder) NewBlock() *Block { return bd.region.NewBlock() }

// NewVGPR allocates a fresh virtual register operand.
func (bd *Builder) NewVGPR(width uint8) Operand {
	v := VGPR(bd.nextVGPR, width)
	bd.nextVGPR++
	return v
}

func (bd *Builder) emit(i *Inst) {
	bd.block.Append(i)
}

// CreateMov emits dst = mov(src) and returns dst. mov is the fold target
// of every peephole rewrite below, so it is also the one instruction the
// folder never tries to simplify further.
func (bd *Builder) CreateMov(src Operand) Operand {
	dst := bd.NewVGPR(src.Width)
	bd.emit(&Inst{Op: OpMov, Dst: dst, A: src})
	return dst
}

// CreateBinOp emits a folded binary operation and returns its result
// operand. Folding rules:
//  1. add(x, 0) -> mov(x)
//  2. const op const -> mov of the pre-evaluated constant
//  3. commutative ops canonicalise their constant operand (if any) to B
func (bd *Builder) CreateBinOp(op Op, a, b Operand) Operand {
	if op.IsCommutative() && a.IsConst() && !b.IsConst() {
		a, b = b, a
	}
	if op == OpAdd && b.IsZero() {
		return bd.CreateMov(a)
	}
	if a.IsConst() && b.IsConst() {
		if v, ok := evalConst(op, a.Value, b.Value); ok {
			return bd.CreateMov(Const(v, a.Width))
		}
	}
	dst := bd.NewVGPR(a.Width)
	bd.emit(&Inst{Op: op, Dst: dst, A: a, B: b})
	return dst
}

// CreateSetCC emits dst = setcc.cc(a, b), folding to a constant 0/1 when
// both operands are constant.
func (bd *Builder) CreateSetCC(cc CondCode, a, b Operand) Operand {
	if a.IsConst() && b.IsConst() {
		var v int64
		if evalSetCC(cc, a.Value, b.Value) {
			v = 1
		}
		return bd.CreateMov(Const(v, a.Width))
	}
	dst := bd.NewVGPR(a.Width)
	bd.emit(&Inst{Op: OpSetCC, Dst: dst, A: a, B: b, CC: cc})
	return dst
}

// CreateVMLoad emits dst = vmload.size[signed](addr) and returns dst.
func (bd *Builder) CreateVMLoad(addr Operand, size uint8, signed bool) Operand {
	dst := bd.NewVGPR(GPRWidth)
	bd.emit(&Inst{Op: OpVMLoad, Dst: dst, A: addr, Size: size, Signed: signed})
	return dst
}

// CreateVMStore emits vmstore.size(addr, value).
func (bd *Builder) CreateVMStore(addr, value Operand, size uint8) {
	bd.emit(&Inst{Op: OpVMStore, A: addr, B: value, Size: size})
}

// CreateHCall emits a runtime stub call. args is (guest address, then
// optionally one operand value); the emitter translates the address to a
// host pointer and supplies the CPUState argument itself, so callers
// pass only guest-visible values. hasResult selects whether the
// instruction allocates a result VGPR (every rv32a atomic does; a bare
// fence-class stub would not, though fence/fence.i go through
// CreateFence below instead).
func (bd *Builder) CreateHCall(stub runtime.StubID, args []Operand, hasResult bool) Operand {
	inst := &Inst{Op: OpHCall, Stub: stub, HelperArgs: args}
	if hasResult {
		inst.Dst = bd.NewVGPR(GPRWidth)
	}
	bd.emit(inst)
	return inst.Dst
}

// CreateFence emits a side-effecting no-op.
func (bd *Builder) CreateFence() {
	bd.emit(&Inst{Op: OpFence})
}

// SetBr terminates the current block with an unconditional jump to
// target, an internal region edge (not a guest branch).
func (bd *Builder) SetBr(target *Block) {
	bd.block.Terminate(&Inst{Op: OpBr, TrueBlock: target})
}

// SetBrCC terminates the current block with a conditional jump: taken if
// cc(a, b) holds, fallthrough otherwise.
func (bd *Builder) SetBrCC(cc CondCode, a, b Operand, taken, fallthrough_ *Block) {
	bd.block.Terminate(&Inst{Op: OpBrCC, CC: cc, A: a, B: b, TrueBlock: taken, FalseBlock: fallthrough_})
}

// SetGBr terminates the current block with a guest branch to a constant
// IP; Emit will lower this into a branch slot.
func (bd *Builder) SetGBr(target common.GAddr) {
	bd.block.Terminate(&Inst{Op: OpGBr, Target: target})
}

// SetGBrInd terminates the current block with an indirect guest branch
// through the guest IP held in reg.
func (bd *Builder) SetGBrInd(reg Operand) {
	bd.block.Terminate(&Inst{Op: OpGBrInd, A: reg})
}

// SetTrap terminates the current block by handing control back to the
// execution loop with an unrecoverable trap of the given kind: the translated-code analogue of ill/ecall/ebreak, which have no
// further QIR to lower to.
func (bd *Builder) SetTrap(kind coreerr.TrapKind) {
	bd.block.Terminate(&Inst{Op: OpTrap, TrapKind: kind})
}
