package emit

import (
	"fmt"
	"unsafe"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/qir"
	"github.com/elfrun/elfrun/core/ra"
	"github.com/elfrun/elfrun/core/runtime"
)

// BranchSlotSite records where Encode left a branch slot inside Result.Code,
// for the caller (core/exec) to populate with tcache.CacheBrind/Link once
// the slot's final, loaded address is known.
type BranchSlotSite struct {
	Offset int          // byte offset of the slot within Result.Code
	GIP    common.GAddr // the constant guest target a gbr slot carries
	// CrossSegment marks whether this branch crosses an AOT compile unit
	// boundary. Encode always leaves this false since the JIT has no
	// compile-unit notion of its own, and no other code sets or reads it:
	// core/aot copies only Offset and GIP into its own slot records.
	CrossSegment bool
}

// Result is what Encode produces for one qir.Region: raw machine code
// ready to be copied into the tcache's RWX code arena, and the sites
// within it that need lazy-link patching.
type Result struct {
	Code        []byte
	BranchSlots []BranchSlotSite
}

// Encode lowers region (already legalised by core/qsel and allocated by
// core/ra, so every operand is Const, PGPR, or Slot) into x86-64 machine
// code.
//
// zeroMMUBase selects the addressing mode for vmload/vmstore: true means guest addresses are used directly as host addresses
// (the guest window is mapped at host address 0); false adds
// ra.MembaseReg.
func Encode(region *qir.Region, zeroMMUBase bool) Result {
	e := &encoder{a: newAsm(), zeroMMUBase: zeroMMUBase, marks: make(map[*qir.Block]*blockMark)}
	for _, b := range region.Blocks {
		e.marks[b] = &blockMark{}
	}
	for _, b := range region.Blocks {
		e.a.mark(e.marks[b])
		for _, inst := range b.Insns {
			e.inst(inst)
		}
		if b.Term != nil {
			e.term(b.Term)
		}
	}
	e.a.resolve()
	return Result{Code: e.a.code, BranchSlots: e.slots}
}

type encoder struct {
	a           *asm
	zeroMMUBase bool
	marks       map[*qir.Block]*blockMark
	slots       []BranchSlotSite
}

func pgpr(op qir.Operand) int {
	if op.Kind != qir.OpndPGPR {
		panic(fmt.Sprintf("emit: expected a physical register operand, got %s", op))
	}
	return op.Reg
}

func wide(op qir.Operand) bool { return op.Width == 8 }

// slotDisp returns the [rsp+disp] displacement for a Slot operand. The
// execution-loop trampoline (core/exec) reserves ra.SpillFrameSize bytes
// below rsp before jumping into a region, so a region's own code never adjusts rsp for its
// spill frame, only around call sites, for 16-byte alignment (see callSite
// below).
func slotDisp(op qir.Operand) int32 {
	return int32(op.Slot * ra.SpillSlotWidth)
}

func (e *encoder) inst(i *qir.Inst) {
	switch i.Op {
	case qir.OpMov:
		e.mov(i.Dst, i.A)
	case qir.OpAdd, qir.OpSub, qir.OpAnd, qir.OpOr, qir.OpXor:
		e.binop(i.Op, i.Dst, i.B)
	case qir.OpShl, qir.OpShr, qir.OpSar:
		e.shift(i.Op, i.Dst, i.B)
	case qir.OpSetCC:
		e.setcc(i)
	case qir.OpVMLoad:
		e.vmload(i)
	case qir.OpVMStore:
		e.vmstore(i)
	case qir.OpHCall:
		e.hcall(i)
	case qir.OpFence:
		// A no-op at the machine level; the side-effect marker only
		// constrains how the translator orders instructions around it.
	case qir.OpGlobalLoad:
		e.globalLoad(i)
	case qir.OpGlobalStore:
		e.globalStore(i)
	default:
		panic(fmt.Sprintf("emit: %s is a terminator, not a body instruction", i.Op))
	}
}

func (e *encoder) mov(dst, a qir.Operand) {
	switch {
	case dst.Kind == qir.OpndPGPR && a.Kind == qir.OpndPGPR:
		if dst.Reg == a.Reg {
			return
		}
		e.a.movRR(wide(dst), dst.Reg, a.Reg)
	case dst.Kind == qir.OpndPGPR && a.Kind == qir.OpndConst:
		if wide(dst) {
			e.a.movRI64(dst.Reg, uint64(a.Value))
		} else {
			e.a.movRI32(dst.Reg, uint32(a.Value))
		}
	case dst.Kind == qir.OpndPGPR && a.Kind == qir.OpndSlot:
		e.a.memOp(wide(dst), false, false, false, 0x8b, dst.Reg, ra.RSP, -1, slotDisp(a))
	case dst.Kind == qir.OpndSlot && a.Kind == qir.OpndPGPR:
		e.a.memOp(wide(a), false, false, false, 0x89, a.Reg, ra.RSP, -1, slotDisp(dst))
	case dst.Kind == qir.OpndSlot && a.Kind == qir.OpndConst:
		e.a.memOp(wide(dst), false, false, false, 0xc7, 0, ra.RSP, -1, slotDisp(dst))
		if wide(dst) {
			e.a.u32(uint32(a.Value))
			e.a.u32(uint32(a.Value >> 32))
		} else {
			e.a.u32(uint32(a.Value))
		}
	default:
		panic(fmt.Sprintf("emit: mov %s <- %s: RA never produces a slot-to-slot move", dst, a))
	}
}

var binOps = map[qir.Op]binOp{
	qir.OpAdd: binAdd, qir.OpSub: binSub, qir.OpAnd: binAnd, qir.OpOr: binOr, qir.OpXor: binXor,
}

// binop lowers a QIR binary op. qsel (core/qsel) already materialised
// Dst==A as the same physical register, so only B needs lowering here.
func (e *encoder) binop(op qir.Op, dst, b qir.Operand) {
	bo := binOps[op]
	dr := pgpr(dst)
	if b.Kind == qir.OpndConst {
		e.a.binRI(wide(dst), bo, dr, int32(b.Value))
		return
	}
	e.a.binRR(wide(dst), bo, dr, pgpr(b))
}

// shift lowers sll/srl/sra. A constant count is the common case (rv32's
// slli/srli/srai); a register count must reach the CPU in CL.
//
// *Known simplification*: if B is a register operand and Dst's physical
// register already happens to be RCX, the save/restore below corrupts the
// very value being shifted, since RCX cannot simultaneously hold the
// shift target and the saved count register. core/ra's allocator does
// not reserve RCX away from the general pool, so a register-count shift
// whose value already sits in RCX is a known open corner case.
func (e *encoder) shift(op qir.Op, dst, b qir.Operand) {
	var slash byte
	switch op {
	case qir.OpShl:
		slash = shlSlash
	case qir.OpShr:
		slash = shrSlash
	case qir.OpSar:
		slash = sarSlash
	}
	dr := pgpr(dst)
	if b.Kind == qir.OpndConst {
		e.a.shiftImm(wide(dst), slash, dr, byte(b.Value))
		return
	}
	br := pgpr(b)
	if br == ra.RCX {
		e.a.shiftCL(wide(dst), slash, dr)
		return
	}
	e.a.pushR(ra.RCX)
	e.a.movRR(false, ra.RCX, br)
	e.a.shiftCL(wide(dst), slash, dr)
	e.a.popR(ra.RCX)
}

func ccNibble(cc qir.CondCode) byte {
	switch cc {
	case qir.CCEq:
		return 0x4
	case qir.CCNe:
		return 0x5
	case qir.CCLt:
		return 0xc
	case qir.CCGe:
		return 0xd
	case qir.CCLtU:
		return 0x2
	case qir.CCGeU:
		return 0x3
	default:
		panic("emit: unknown condition code")
	}
}

func (e *encoder) cmp(w bool, a, b qir.Operand) {
	ar := pgpr(a)
	if b.Kind == qir.OpndConst {
		e.a.binRI(w, binCmp, ar, int32(b.Value))
		return
	}
	e.a.binRR(w, binCmp, ar, pgpr(b))
}

func (e *encoder) setcc(i *qir.Inst) {
	e.cmp(wide(i.A), i.A, i.B)
	e.a.setcc(ccNibble(i.CC), pgpr(i.Dst))
}

// vmload/vmstore address the guest linear mapping directly (zeroMMUBase)
// or through ra.MembaseReg: addr always holds a
// 32-bit guest pointer zero-extended into a 64-bit register, an invariant
// every 32-bit (non-REX.W) instruction above preserves for free.
func (e *encoder) memAddr(addr qir.Operand) (base, index int) {
	if e.zeroMMUBase {
		return pgpr(addr), -1
	}
	return ra.MembaseReg, pgpr(addr)
}

func (e *encoder) vmload(i *qir.Inst) {
	base, index := e.memAddr(i.A)
	dr := pgpr(i.Dst)
	switch {
	case i.Size == 4:
		e.a.memOp(false, false, false, false, 0x8b, dr, base, index, 0)
	case i.Size == 2 && i.Signed:
		e.a.memOp(false, false, true, false, 0xbf, dr, base, index, 0)
	case i.Size == 2 && !i.Signed:
		e.a.memOp(false, false, true, false, 0xb7, dr, base, index, 0)
	case i.Size == 1 && i.Signed:
		e.a.memOp(false, false, true, false, 0xbe, dr, base, index, 0)
	case i.Size == 1 && !i.Signed:
		e.a.memOp(false, false, true, false, 0xb6, dr, base, index, 0)
	default:
		panic(fmt.Sprintf("emit: vmload: unsupported size %d", i.Size))
	}
}

func (e *encoder) vmstore(i *qir.Inst) {
	base, index := e.memAddr(i.A)
	vr := pgpr(i.B)
	switch i.Size {
	case 4:
		e.a.memOp(false, false, false, false, 0x89, vr, base, index, 0)
	case 2:
		e.a.memOp(false, true, false, false, 0x89, vr, base, index, 0)
	case 1:
		e.a.memOp(false, false, false, true, 0x88, vr, base, index, 0)
	default:
		panic(fmt.Sprintf("emit: vmstore: unsupported size %d", i.Size))
	}
}

// hcall lowers a runtime-stub call through the atomic gate (core/exec's
// trampoline_amd64.s), the only entry emitted code may call into Go
// through. The gate's register convention is
//	DI = CPUState (always ra.StateReg), SI = host address,
//	DX = operand value, AX = stub id
// and the gate forwards all four to the stub runtime.AtomicStub
// describes. HelperArgs[0] is the *guest* address the translator
// computed; it becomes a host pointer here by the same
// zeroMMUBase-or-membase rule memAddr applies for vmload/vmstore.
// core/ra has already spilled every caller-clobbered register and synced
// globals before this instruction, so the only ordering constraint left
// is local: neither argument move below may overwrite the other's source
// register before it is read.
func (e *encoder) hcall(i *qir.Inst) {
	if len(i.HelperArgs) == 0 || len(i.HelperArgs) > 2 {
		panic("emit: hcall takes a guest address and at most one value")
	}
	addr := i.HelperArgs[0]
	var val qir.Operand
	hasVal := len(i.HelperArgs) > 1
	if hasVal {
		val = i.HelperArgs[1]
	}

	switch {
	case hasVal && inPGPR(val, ra.RSI) && inPGPR(addr, ra.RDX):
		// The one move cycle: each argument sits in the other's target.
		// Break it through AX, free until the stub id loads below.
		e.a.movRR(false, ra.RAX, ra.RDX)
		e.mov(qir.PGPR(ra.RDX, 4), val)
		e.a.movRR(false, ra.RSI, ra.RAX)
	case hasVal && inPGPR(val, ra.RSI):
		e.mov(qir.PGPR(ra.RDX, 4), val)
		e.mov(qir.PGPR(ra.RSI, 4), addr)
	default:
		e.mov(qir.PGPR(ra.RSI, 4), addr)
		if hasVal {
			e.mov(qir.PGPR(ra.RDX, 4), val)
		}
	}
	if !e.zeroMMUBase {
		// SI holds the guest address zero-extended to 64 bits (every
		// 32-bit mov above guarantees that); adding the membase makes it
		// the host pointer the stub dereferences.
		e.a.binRR(true, binAdd, ra.RSI, ra.MembaseReg)
	}
	e.a.movRR(true, ra.RDI, ra.StateReg)
	e.a.movRI32(ra.RAX, uint32(i.Stub))
	e.callSite(uint64(runtime.StubAddr(runtime.StubAtomicGate)))
	if i.Dst.Kind == qir.OpndPGPR && i.Dst.Reg != ra.RAX {
		e.a.movRR(wide(i.Dst), i.Dst.Reg, ra.RAX)
	}
}

func inPGPR(op qir.Operand, r int) bool { return op.Kind == qir.OpndPGPR && op.Reg == r }

// callSite emits a call to addr, padding the stack to a 16-byte boundary
// around it. The trampoline (core/exec) enters a region with rsp already
// 16-byte aligned below its fixed spill frame; a bare `call`
// pushes one 8-byte return address, so every call site here brackets
// itself with a matching 8-byte adjustment rather than reserving a
// region-wide alignment word up front. The call goes through R11
// (caller-clobbered, never an argument register here) because RAX holds
// the stub id hcall just loaded.
func (e *encoder) callSite(addr uint64) {
	e.a.binRI(true, binSub, ra.RSP, 8)
	e.a.callAbsVia(ra.R11, addr)
	e.a.binRI(true, binAdd, ra.RSP, 8)
}

// globalLoad/globalStore move an architectural register between CPUState
// and a physical register. ra.StateReg is fixed at the CPUState
// base pointer (runtime.CPUState.GPR[0] offset 0); GlobalIdx indexes that
// array directly, the same layout core/runtime.CPUState documents.
const cpuStateGPROffset = 0 // offset of CPUState.GPR[0]; GPR is CPUState's first field

func (e *encoder) globalLoad(i *qir.Inst) {
	disp := cpuStateGPROffset + int32(i.GlobalIdx)*4
	e.a.memOp(false, false, false, false, 0x8b, pgpr(i.Dst), ra.StateReg, -1, disp)
}

func (e *encoder) globalStore(i *qir.Inst) {
	disp := cpuStateGPROffset + int32(i.GlobalIdx)*4
	e.a.memOp(false, false, false, false, 0x89, pgpr(i.A), ra.StateReg, -1, disp)
}

func (e *encoder) term(t *qir.Inst) {
	switch t.Op {
	case qir.OpBr:
		e.a.jmpRel32(e.marks[t.TrueBlock])
	case qir.OpBrCC:
		e.cmp(wide(t.A), t.A, t.B)
		e.a.jccRel32(ccNibble(t.CC), e.marks[t.TrueBlock])
		e.a.jmpRel32(e.marks[t.FalseBlock])
	case qir.OpGBr:
		e.gbrSlot(uint32(t.Target))
	case qir.OpGBrInd:
		e.gbrind(t)
	case qir.OpTrap:
		e.trap(t)
	default:
		panic(fmt.Sprintf("emit: %s is not a terminator", t.Op))
	}
}

// gbrSlot emits a branch slot for a constant guest target: the slot starts in the unlinked shape, a call to the link stub
// with gip embedded for it to recover, and is recorded in e.slots so the
// caller can patch it once the target block exists.
func (e *encoder) gbrSlot(gip uint32) {
	at := e.a.offset()
	for i := 0; i < BranchSlotTotalSize; i++ {
		e.a.b(0) // placeholder; the caller (core/exec) calls WriteUnlinkedSlot once Code has a final load address, since the slot's "slot address" used to compute the link stub call is only known post-load
	}
	e.slots = append(e.slots, BranchSlotSite{Offset: at, GIP: common.GAddr(gip)})
}

// gbrind lowers an indirect guest branch by moving the runtime target
// IP into RAX and calling the brind escape stub, which returns to the
// execution loop with the destination ip recorded for it to retry.
//
// An inline fast path (compare the tcache's indirect-branch
// direct-mapped cache entry, jump to its tcode pointer on a hit) is
// deliberately not emitted: it would mean baking a raw pointer to a
// Go-GC-managed *tcache.TBlock directly into JIT bytes, which is unsafe
// without pinning machinery Go does not provide; escaping every
// indirect branch instead lets core/exec perform the identical cache
// check in ordinary, GC-safe Go on every dispatch. The guest target IP
// is passed to escapeBrindStub in EAX (core/exec/trampoline_amd64.s),
// the same "pass in a register, nothing on the stack" shape the constant
// case (gbrSlot) passes via its trailing gip field.
func (e *encoder) gbrind(t *qir.Inst) {
	e.mov(qir.PGPR(ra.RAX, 4), t.A)
	e.a.callAbsVia(ra.R11, uint64(runtime.StubAddr(runtime.StubEscapeBrind)))
}

func (e *encoder) trap(t *qir.Inst) {
	// Trapno lives in CPUState right after GPR[32] and PC (see
	// core/runtime.CPUState); the execution loop (core/exec) reads it
	// after every return from translated code, so a trap terminator only
	// needs to set it and return to the trampoline's caller, exactly like
	// a region-exit gbr/gbrind with no target block of its own.
	e.a.memOp(false, false, false, false, 0xc7, 0, ra.StateReg, -1, cpuStateTrapnoOffset)
	e.a.u32(uint32(trapnoFor(t.TrapKind)))
	e.a.bs(0xc3) // ret: returns to the trampoline, which reads state.Trapno
}

// cpuStateTrapnoOffset is CPUState.Trapno's byte offset: 32 GPRs (4 bytes
// each) + PC (4 bytes) = 132. The two constants after it fail to compile
// (a negative uintptr overflows) unless this equals CPUState's actual
// Trapno offset.
const cpuStateTrapnoOffset = 32*4 + 4

const (
	_ = uintptr(cpuStateTrapnoOffset) - unsafe.Offsetof(runtime.CPUState{}.Trapno)
	_ = unsafe.Offsetof(runtime.CPUState{}.Trapno) - uintptr(cpuStateTrapnoOffset)
)

// trapnoFor maps a coreerr.TrapKind (what the translator records on a
// qir.Inst) to the runtime.TrapNo the execution loop's CPUState.Trapno
// field actually stores. No compiled trap terminator carries
// TrapGuestSegv/TrapHostSegv (the execution loop sets TrapHostSegv itself
// when a compile fails); they are listed for completeness against
// runtime.TrapNo.
func trapnoFor(k coreerr.TrapKind) runtime.TrapNo {
	switch k {
	case coreerr.TrapIllegalInsn:
		return runtime.TrapIllegalInsn
	case coreerr.TrapUnalignedIP:
		return runtime.TrapUnalignedIP
	case coreerr.TrapEbreak:
		return runtime.TrapEbreak
	case coreerr.TrapEcall:
		return runtime.TrapEcall
	case coreerr.TrapGuestSegv:
		return runtime.TrapGuestSegv
	case coreerr.TrapHostSegv:
		return runtime.TrapHostSegv
	default:
		return runtime.TrapNone
	}
}
