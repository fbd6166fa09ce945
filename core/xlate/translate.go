// Package xlate translates a range of decoded rv32i instructions into
// QIR. One Go method per opcode class, switched on decode.Op; a
// [32]qir.Operand array held across the region maps each architectural
// GPR to the QIR operand the previous instruction last wrote. Every
// decode.Op the decoder can produce is translated here. Block
// granularity (one guest basic block, up to the instruction cap or the
// nearest existing translation's entry IP) comes from decode.Analyse,
// which Translate calls with the boundary its caller passes in.
package xlate

import (
	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/qir"
	"github.com/elfrun/elfrun/core/runtime"
)

// Result is what one call to Translate produced.
type Result struct {
	Region *qir.Region
	// EndIP is the exclusive end of the translated range.
	EndIP common.GAddr
	// Control reports why the range stopped: decode.ControlBranch means the last
	// instruction was itself a guest-branch-class terminator;
	// decode.ControlBoundary means Translate had to synthesize a
	// fallthrough gbr because the walk hit TB_MAX_INSNS or an existing
	// neighboring translation's start IP first.
	Control decode.Control
	// LiveIn maps every VGPR id that enters the region already holding an
	// architectural register's value (i.e. never produced by an Inst.Dst
	// within this region) to that register's index. core/ra uses this to
	// tell a global apart from a
	// plain SSA temporary, which needs no CPUState fill at all.
	LiveIn map[int]uint8
	// LiveOut maps the VGPR id holding each architectural register's
	// final value, for every register this region actually wrote at
	// least once, to that register's index. core/ra syncs each of these
	// back to CPUState before every region-exit terminator (gbr/gbrind/
	// trap); a register the region never wrote needs no sync, since
	// CPUState already holds its current value.
	LiveOut map[int]uint8
}

// Translate decodes and lowers guest instructions starting at entryIP into
// a fresh QIR region, stopping at the first branch-class instruction or at
// boundary (the IP of the nearest already-translated neighbor, typically
// tcache.LookupUpperBound(entryIP)), whichever comes first. read supplies
// raw instruction words, ordinarily arena.AddrSpace.G2H-backed.
func Translate(entryIP, boundary common.GAddr, read decode.Reader) Result {
	region := qir.NewRegion(entryIP)
	t := newTranslator(region)

	end, why := decode.Analyse(entryIP, boundary, read, t.visit)
	if why == decode.ControlBoundary && t.qb.Block().Term == nil {
		// The walk ran out of room without the guest itself ending the
		// block: synthesize the fallthrough so every region still
		// ends in exactly one terminator.
		t.qb.SetGBr(end)
	}
	liveOut := make(map[int]uint8)
	for i := 1; i < 32; i++ {
		if t.written[i] && t.vgpr[i].Kind == qir.OpndVGPR {
			liveOut[t.vgpr[i].Reg] = uint8(i)
		}
	}
	return Result{Region: region, EndIP: end, Control: why, LiveIn: t.liveIn, LiveOut: liveOut}
}

// translator holds the per-region state:
// a Builder, and one fixed virtual register per architectural GPR so that
// every reference to, say, x5 within the region resolves to the same QIR
// operand the previous instruction last wrote.
type translator struct {
	qb      *qir.Builder
	vgpr    [32]qir.Operand // vgpr[0] is never read; gprop(0) always returns qir.Zero
	liveIn  map[int]uint8   // VGPR id -> architectural register index, for core/ra
	written [32]bool        // written[i]: x_i was assigned at least once in this region
}

func newTranslator(region *qir.Region) *translator {
	qb := qir.NewBuilder(region)
	qb.SetBlock(region.NewBlock())
	t := &translator{qb: qb, liveIn: make(map[int]uint8, 31)}
	for i := 1; i < 32; i++ {
		v := qb.NewVGPR(qir.GPRWidth)
		t.vgpr[i] = v
		t.liveIn[v.Reg] = uint8(i)
	}
	return t
}

// gprop reads architectural register idx, hard-wiring x0 to the constant
// zero so no translation ever special-cases a write to it.
func (t *translator) gprop(idx uint8) qir.Operand {
	if idx == 0 {
		return qir.Zero
	}
	return t.vgpr[idx]
}

// setGpr writes result into architectural register idx, unless idx is x0
// (a write to x0 is always discarded, per rv32i's register-zero rule).
func (t *translator) setGpr(idx uint8, result qir.Operand) {
	if idx != 0 {
		t.vgpr[idx] = result
		t.written[idx] = true
	}
}

// constU32 materialises a 32-bit guest constant computed as unsigned host
// arithmetic (branch/jump target addresses, masks); imm materialises one
// already carrying decode.Insn's sign-extended int32 representation
// (arithmetic and comparison immediates). Both end up as the same
// sign-extended-int64 canonical form qir's folder expects.
func constU32(v uint32) qir.Operand { return qir.Const(int64(int32(v)), qir.GPRWidth) }
func imm(v int32) qir.Operand       { return qir.Const(int64(v), qir.GPRWidth) }

func gaddrPlus(ip common.GAddr, delta int32) common.GAddr {
	return common.GAddr(uint32(ip) + uint32(delta))
}

// visit lowers one decoded instruction: decide whether the opcode's
// destination write is
// live (skipped entirely when rd == x0), emit the QIR for it, and
// terminate the block if it is a branch-class instruction.
func (t *translator) visit(ip common.GAddr, insn decode.Insn) {
	switch insn.Op {
	case decode.Lui:
		if insn.Rd != 0 {
			t.setGpr(insn.Rd, t.qb.CreateMov(imm(insn.Imm)))
		}
	case decode.Auipc:
		if insn.Rd != 0 {
			t.setGpr(insn.Rd, t.qb.CreateMov(constU32(uint32(ip)+uint32(insn.Imm))))
		}
	case decode.Jal:
		if insn.Rd != 0 {
			t.setGpr(insn.Rd, t.qb.CreateMov(constU32(uint32(ip)+4)))
		}
		t.qb.SetGBr(gaddrPlus(ip, insn.Imm))
	case decode.Jalr:
		t.translateJalr(ip, insn)
	case decode.Beq:
		t.translateBranch(ip, insn, qir.CCEq)
	case decode.Bne:
		t.translateBranch(ip, insn, qir.CCNe)
	case decode.Blt:
		t.translateBranch(ip, insn, qir.CCLt)
	case decode.Bge:
		t.translateBranch(ip, insn, qir.CCGe)
	case decode.Bltu:
		t.translateBranch(ip, insn, qir.CCLtU)
	case decode.Bgeu:
		t.translateBranch(ip, insn, qir.CCGeU)
	case decode.Lb:
		t.translateLoad(insn, 1, true)
	case decode.Lh:
		t.translateLoad(insn, 2, true)
	case decode.Lw:
		t.translateLoad(insn, 4, false)
	case decode.Lbu:
		t.translateLoad(insn, 1, false)
	case decode.Lhu:
		t.translateLoad(insn, 2, false)
	case decode.Sb:
		t.translateStore(insn, 1)
	case decode.Sh:
		t.translateStore(insn, 2)
	case decode.Sw:
		t.translateStore(insn, 4)
	case decode.Addi:
		t.translateArithRI(insn, qir.OpAdd)
	case decode.Slti:
		t.translateSetCC(insn, qir.CCLt, t.gprop(insn.Rs1), imm(insn.Imm))
	case decode.Sltiu:
		t.translateSetCC(insn, qir.CCLtU, t.gprop(insn.Rs1), imm(insn.Imm))
	case decode.Xori:
		t.translateArithRI(insn, qir.OpXor)
	case decode.Ori:
		t.translateArithRI(insn, qir.OpOr)
	case decode.Andi:
		t.translateArithRI(insn, qir.OpAnd)
	case decode.Slli:
		t.translateArithRI(insn, qir.OpShl)
	case decode.Srli:
		t.translateArithRI(insn, qir.OpShr)
	case decode.Srai:
		t.translateArithRI(insn, qir.OpSar)
	case decode.Add:
		t.translateArithRR(insn, qir.OpAdd)
	case decode.Sub:
		t.translateArithRR(insn, qir.OpSub)
	case decode.Sll:
		t.translateShiftRR(insn, qir.OpShl)
	case decode.Slt:
		t.translateSetCC(insn, qir.CCLt, t.gprop(insn.Rs1), t.gprop(insn.Rs2))
	case decode.Sltu:
		t.translateSetCC(insn, qir.CCLtU, t.gprop(insn.Rs1), t.gprop(insn.Rs2))
	case decode.Xor:
		t.translateArithRR(insn, qir.OpXor)
	case decode.Srl:
		t.translateShiftRR(insn, qir.OpShr)
	case decode.Sra:
		t.translateShiftRR(insn, qir.OpSar)
	case decode.Or:
		t.translateArithRR(insn, qir.OpOr)
	case decode.And:
		t.translateArithRR(insn, qir.OpAnd)
	case decode.Ecall:
		t.qb.SetTrap(coreerr.TrapEcall)
	case decode.Ebreak:
		t.qb.SetTrap(coreerr.TrapEbreak)
	case decode.Fence, decode.FenceI:
		// No weaker ordering to repair on a single host thread; still emitted so the instruction isn't silently dropped.
		t.qb.CreateFence()
	case decode.LrW:
		t.translateAtomic(insn, runtime.StubLrW, false)
	case decode.ScW:
		t.translateAtomic(insn, runtime.StubScW, true)
	case decode.AmoswapW:
		t.translateAtomic(insn, runtime.StubAmoswapW, true)
	case decode.AmoaddW:
		t.translateAtomic(insn, runtime.StubAmoaddW, true)
	case decode.AmoxorW:
		t.translateAtomic(insn, runtime.StubAmoxorW, true)
	case decode.AmoandW:
		t.translateAtomic(insn, runtime.StubAmoandW, true)
	case decode.AmoorW:
		t.translateAtomic(insn, runtime.StubAmoorW, true)
	case decode.AmominW:
		t.translateAtomic(insn, runtime.StubAmominW, true)
	case decode.AmomaxW:
		t.translateAtomic(insn, runtime.StubAmomaxW, true)
	case decode.AmominuW:
		t.translateAtomic(insn, runtime.StubAmominuW, true)
	case decode.AmomaxuW:
		t.translateAtomic(insn, runtime.StubAmomaxuW, true)
	case decode.Ill:
		fallthrough
	default:
		t.qb.SetTrap(coreerr.TrapIllegalInsn)
	}
}

func (t *translator) translateArithRI(insn decode.Insn, op qir.Op) {
	if insn.Rd == 0 {
		return
	}
	t.setGpr(insn.Rd, t.qb.CreateBinOp(op, t.gprop(insn.Rs1), imm(insn.Imm)))
}

func (t *translator) translateArithRR(insn decode.Insn, op qir.Op) {
	if insn.Rd == 0 {
		return
	}
	t.setGpr(insn.Rd, t.qb.CreateBinOp(op, t.gprop(insn.Rs1), t.gprop(insn.Rs2)))
}

// translateShiftRR masks the shift amount to the low 5 bits, as rv32i's
// register-form shifts do in hardware (only slli/srli/srai's decoded
// immediate is pre-masked by the decoder; the register form is not).
func (t *translator) translateShiftRR(insn decode.Insn, op qir.Op) {
	if insn.Rd == 0 {
		return
	}
	amount := t.qb.CreateBinOp(qir.OpAnd, t.gprop(insn.Rs2), constU32(0x1f))
	t.setGpr(insn.Rd, t.qb.CreateBinOp(op, t.gprop(insn.Rs1), amount))
}

func (t *translator) translateSetCC(insn decode.Insn, cc qir.CondCode, a, b qir.Operand) {
	if insn.Rd == 0 {
		return
	}
	t.setGpr(insn.Rd, t.qb.CreateSetCC(cc, a, b))
}

func (t *translator) translateJalr(ip common.GAddr, insn decode.Insn) {
	tgt := t.qb.CreateBinOp(qir.OpAdd, t.gprop(insn.Rs1), imm(insn.Imm))
	tgt = t.qb.CreateBinOp(qir.OpAnd, tgt, constU32(^uint32(1)))
	if insn.Rd != 0 {
		t.setGpr(insn.Rd, t.qb.CreateMov(constU32(uint32(ip)+4)))
	}
	t.qb.SetGBrInd(tgt)
}

// translateLoad lowers an lb/lh/lw/lbu/lhu into an address add followed by
// a sized, signed-or-not vmload. A discarded destination (rd == x0) still
// performs the load into a scratch value: the memory side effect (a fault
// on an invalid address) must happen even when the result is unused.
func (t *translator) translateLoad(insn decode.Insn, size uint8, signed bool) {
	addr := t.qb.CreateBinOp(qir.OpAdd, t.gprop(insn.Rs1), imm(insn.Imm))
	loaded := t.qb.CreateVMLoad(addr, size, signed)
	t.setGpr(insn.Rd, loaded)
}

// translateAtomic lowers one rv32a LR/SC/AMO instruction to a runtime
// stub call. HelperArgs[0] is the guest address in rs1, still a guest
// value here: the emitter's hcall lowering adds the membase (or not,
// under a zero-base window) exactly as it would for a vmload of the same
// address, and passes the CPUState pointer from its fixed register, so
// the QIR carries only what the guest instruction itself names.
// withValue selects whether rs2 (the store/operand value) is passed; LR.W
// takes only the address, every SC/AMO also takes a value.
func (t *translator) translateAtomic(insn decode.Insn, stub runtime.StubID, withValue bool) {
	addr := t.gprop(insn.Rs1)
	args := []qir.Operand{addr}
	if withValue {
		args = append(args, t.gprop(insn.Rs2))
	}
	t.setGpr(insn.Rd, t.qb.CreateHCall(stub, args, true))
}

func (t *translator) translateStore(insn decode.Insn, size uint8) {
	addr := t.qb.CreateBinOp(qir.OpAdd, t.gprop(insn.Rs1), imm(insn.Imm))
	t.qb.CreateVMStore(addr, t.gprop(insn.Rs2), size)
}

// translateBranch lowers a conditional branch into brcc plus two successor
// blocks, each ending in its own gbr, one for the taken target and one
// for the fallthrough. QIR's BrCC always takes two full
// *Block successors (block.go), so both edges need a home block of their
// own instead of a forward-patched label.
func (t *translator) translateBranch(ip common.GAddr, insn decode.Insn, cc qir.CondCode) {
	taken := t.qb.NewBlock()
	fallthroughBlk := t.qb.NewBlock()
	t.qb.SetBrCC(cc, t.gprop(insn.Rs1), t.gprop(insn.Rs2), taken, fallthroughBlk)

	t.qb.SetBlock(taken)
	t.qb.SetGBr(gaddrPlus(ip, insn.Imm))

	t.qb.SetBlock(fallthroughBlk)
	t.qb.SetGBr(gaddrPlus(ip, 4))
}
