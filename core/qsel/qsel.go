// Package qsel legalises QIR operands before register allocation. Two
// jobs: materialise output↔input
// aliasing with movs, and move disallowed constants to a fresh VGPR, via
// a switch over qir.Inst's fixed Dst/A/B fields.
package qsel

import "github.com/elfrun/elfrun/core/qir"

// aliasCt describes one opcode's output↔input aliasing and immediate
// constraints. x86's
// two-operand form computes dst = dst OP src, so every QIR binop that
// lowers to one x86 instruction aliases its A operand to Dst; B never
// aliases Dst, but only some opcodes accept a B immediate.
type aliasCt struct {
	aliasesA bool // Dst and A must be the same physical register after RA
	bImm     bool // B may be a constant (op allows an immediate form)
}

func ctFor(op qir.Op) aliasCt {
	switch op {
	case qir.OpAdd, qir.OpSub, qir.OpAnd, qir.OpOr, qir.OpXor:
		return aliasCt{aliasesA: true, bImm: true}
	case qir.OpShl, qir.OpShr, qir.OpSar:
		// x86 shifts take their count in CL or as an imm8; modelled here
		// as "B may be constant", same as the arithmetic ops, since the
		// count-in-CL case is core/emit's concern, not qsel's.
		return aliasCt{aliasesA: true, bImm: true}
	case qir.OpSetCC:
		return aliasCt{aliasesA: false, bImm: true}
	case qir.OpVMStore:
		return aliasCt{aliasesA: false, bImm: false}
	default:
		return aliasCt{}
	}
}

// legalizer carries the fresh-VGPR counter for one Run call. VGPR ids it
// hands out start past vgprBase, a range disjoint from every id the
// translator's qir.Builder already issued while building the region, since
// qsel runs as a separate pass after that numbering has finished.
const vgprBase = 1_000_000

type legalizer struct {
	nextVGPR int
}

// Run legalises every instruction in every block of region in place.
func Run(region *qir.Region) {
	lg := &legalizer{nextVGPR: vgprBase}
	for _, b := range region.Blocks {
		lg.block(b)
	}
}

func (lg *legalizer) block(b *qir.Block) {
	out := make([]*qir.Inst, 0, len(b.Insns))
	for _, inst := range b.Insns {
		out = append(out, lg.inst(inst)...)
	}
	b.Insns = out

	if b.Term != nil {
		expanded := lg.inst(b.Term)
		b.Insns = append(b.Insns, expanded[:len(expanded)-1]...)
		b.Term = expanded[len(expanded)-1]
	}
}

// inst returns the instruction sequence i expands to: zero or more
// materialising movs, followed by i itself with its operands rewritten to
// satisfy x86's aliasing and immediate-operand constraints.
func (lg *legalizer) inst(i *qir.Inst) []*qir.Inst {
	var prelude []*qir.Inst
	ct := ctFor(i.Op)

	if ct.aliasesA && i.Dst.Kind == qir.OpndVGPR && i.A != i.Dst {
		// Materialise the alias with a mov rather than relying on RA to
		// discover it: RA (core/ra) still decides the physical register,
		// but it is free to treat every instruction as two-address once
		// qsel has run.
		prelude = append(prelude, &qir.Inst{Op: qir.OpMov, Dst: i.Dst, A: i.A})
		i.A = i.Dst
	}

	if i.A.IsConst() && !ct.aliasesA {
		// A is never allowed to be a bare immediate (every x86 binop/cmp
		// form needs at least one register operand); aliasesA ops already
		// route A through Dst above, which is always a register.
		tmp := lg.fresh(i.A.Width)
		prelude = append(prelude, &qir.Inst{Op: qir.OpMov, Dst: tmp, A: i.A})
		i.A = tmp
	}

	if i.B.IsConst() && !ct.bImm {
		tmp := lg.fresh(i.B.Width)
		prelude = append(prelude, &qir.Inst{Op: qir.OpMov, Dst: tmp, A: i.B})
		i.B = tmp
	}

	return append(prelude, i)
}

func (lg *legalizer) fresh(width uint8) qir.Operand {
	lg.nextVGPR++
	return qir.VGPR(lg.nextVGPR, width)
}
