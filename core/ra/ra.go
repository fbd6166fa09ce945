package ra

import "github.com/elfrun/elfrun/core/qir"

// Allocate rewrites every VGPR operand in region to a physical register or
// a spill slot, in place: linear-scan over the instruction stream, fill-on-first-use
// for globals, spill-on-pressure for locals (persisting the slot a local
// first spills to, for the rest of the region), every caller-clobbered
// preg spilled around an hcall, and every global synced back to CPUState
// before a call or a region-exit terminator.
//
// liveIn/liveOut come from xlate.Result: the VGPR ids that enter the
// region already holding an architectural register's value, and the VGPR
// ids holding each architectural register's final value, respectively
// (both keyed by VGPR id, valued by architectural register index 1..31).
func Allocate(region *qir.Region, liveIn, liveOut map[int]uint8) {
	a := newAllocator(liveIn, liveOut)
	for _, b := range region.Blocks {
		a.block(b)
	}
}

type allocator struct {
	liveIn  map[int]uint8
	liveOut map[int]uint8

	// loc holds each VGPR's current home once it has been defined or
	// filled: OpndPGPR while cached in a register, OpndSlot once spilled.
	loc map[int]qir.Operand

	pregOwner [GPRNum]int // vgpr id currently cached in preg r, or -1
	free      []int       // free physical registers, pool order

	slotOf    map[int]int // vgpr id -> its persistent spill slot, once assigned
	freeSlots []int
	nextSlot  int
}

func newAllocator(liveIn, liveOut map[int]uint8) *allocator {
	a := &allocator{
		liveIn:  liveIn,
		liveOut: liveOut,
		loc:     make(map[int]qir.Operand),
		slotOf:  make(map[int]int),
	}
	for r := 0; r < GPRNum; r++ {
		a.pregOwner[r] = -1
		if gprPool.test(r) {
			a.free = append(a.free, r)
		}
	}
	return a
}

func (a *allocator) block(b *qir.Block) {
	var out []*qir.Inst
	emit := func(i *qir.Inst) { out = append(out, i) }

	for _, inst := range b.Insns {
		a.lower(inst, emit)
	}
	b.Insns = out

	if b.Term != nil {
		a.lowerTerm(b.Term, emit)
		// lowerTerm only legalises the terminator's operands in place and
		// emits prelude instructions (fills/spills/syncs) via emit, which
		// appends directly to out above; b.Term itself stays the block's
		// terminator.
		b.Insns = out
	}
}

// lower legalises one non-terminator instruction's operands and assigns
// its result a physical register, emitting fill/spill code via emit as
// needed.
func (a *allocator) lower(inst *qir.Inst, emit func(*qir.Inst)) {
	if inst.Op == qir.OpHCall {
		// Order matters: sync first, so a sync reload can never evict an
		// argument register filled below; then fill the arguments; then
		// sweep the caller-clobbered registers (a copy-out, so the
		// argument registers still hold their values at the call site).
		a.syncGlobals(emit)
		for i := range inst.HelperArgs {
			inst.HelperArgs[i] = a.use(inst.HelperArgs[i], emit)
		}
		a.spillCallClobbered(emit)
		emit(inst)
		if inst.Dst.Kind == qir.OpndVGPR {
			// The stub's result lands in RAX, free since the sweep
			// above; claim it for the destination instead of moving the
			// value anywhere.
			dst := inst.Dst
			inst.Dst = pregOperand(RAX, dst.Width)
			a.claimPreg(RAX, dst.Reg)
			a.loc[dst.Reg] = inst.Dst
		}
		return
	}

	// qsel (core/qsel/qsel.go:80-88) aliases Dst to A for every op whose x86
	// form computes dst = dst <op> b: it inserts a materialising mov and then
	// rewrites i.A to the *same* VGPR id as i.Dst, so this instruction is a
	// second, in-place definition of a VGPR that already has a current
	// location (the one the materialising mov just defined). That location
	// must be reused, not reallocated, or the value the mov just produced is
	// computed into and then discarded from a register core/emit.binop never
	// reads (it assumes x86 two-address semantics: dst already holds A).
	aliased := inst.Dst.Kind == qir.OpndVGPR && inst.A.Kind == qir.OpndVGPR && inst.A.Reg == inst.Dst.Reg
	dstVGPR := inst.Dst

	inst.A = a.use(inst.A, emit)
	inst.B = a.use(inst.B, emit)
	emit(inst)

	if dstVGPR.Kind != qir.OpndVGPR {
		return
	}
	if aliased {
		inst.Dst = inst.A
		a.loc[dstVGPR.Reg] = inst.Dst
		return
	}
	inst.Dst = a.def(dstVGPR, emit)
}

// lowerTerm legalises a block terminator. gbr/gbrind/trap are true region
// exits; br/brcc are
// internal edges within the region and need no global sync of their own.
func (a *allocator) lowerTerm(term *qir.Inst, emit func(*qir.Inst)) {
	switch term.Op {
	case qir.OpGBrInd:
		// Sync before filling the target, so a sync reload cannot evict
		// the register the terminator is about to read.
		a.syncGlobals(emit)
		term.A = a.use(term.A, emit)
	case qir.OpGBr, qir.OpTrap:
		a.syncGlobals(emit)
	case qir.OpBrCC:
		term.A = a.use(term.A, emit)
		term.B = a.use(term.B, emit)
	}
}

// use ensures op (if a VGPR) is cached in a physical register, emitting
// whatever fill/reload it takes, and returns the rewritten operand.
func (a *allocator) use(op qir.Operand, emit func(*qir.Inst)) qir.Operand {
	if op.Kind != qir.OpndVGPR {
		return op
	}
	if cur, ok := a.loc[op.Reg]; ok {
		if cur.Kind == qir.OpndPGPR {
			return cur
		}
		// Spilled: reload into a fresh preg.
		r := a.alloc(op.Reg, emit)
		dst := pregOperand(r, op.Width)
		emit(&qir.Inst{Op: qir.OpMov, Dst: dst, A: cur})
		a.loc[op.Reg] = dst
		return dst
	}
	if idx, ok := a.liveIn[op.Reg]; ok {
		r := a.alloc(op.Reg, emit)
		dst := pregOperand(r, op.Width)
		emit(&qir.Inst{Op: qir.OpGlobalLoad, Dst: dst, GlobalIdx: idx})
		a.loc[op.Reg] = dst
		return dst
	}
	// Never defined and not a global: the translator never produces this
	// (every VGPR is either a region-entry global or defined by some
	// earlier Inst.Dst before use), so this would be an xlate bug, not a
	// case RA should recover from.
	panic("ra: use of an undefined, non-global VGPR")
}

// def assigns a fresh physical register to a just-defined VGPR.
func (a *allocator) def(op qir.Operand, emit func(*qir.Inst)) qir.Operand {
	r := a.alloc(op.Reg, emit)
	dst := pregOperand(r, op.Width)
	a.loc[op.Reg] = dst
	return dst
}

// alloc returns a free physical register, evicting the occupant of the
// lowest-numbered occupied pool register to a spill slot if none is free.
func (a *allocator) alloc(owner int, emit func(*qir.Inst)) int {
	if n := len(a.free); n > 0 {
		r := a.free[n-1]
		a.free = a.free[:n-1]
		a.pregOwner[r] = owner
		return r
	}
	for r := 0; r < GPRNum; r++ {
		if !gprPool.test(r) || a.pregOwner[r] < 0 {
			continue
		}
		a.spill(r, emit)
		a.pregOwner[r] = owner
		return r
	}
	panic("ra: register pool exhausted with no occupant to evict")
}

// spill evicts r's current occupant to its persistent spill slot
// (allocated the first time the virtual spills), freeing r.
func (a *allocator) spill(r int, emit func(*qir.Inst)) {
	owner := a.pregOwner[r]
	slot, ok := a.slotOf[owner]
	if !ok {
		slot = a.allocSlot()
		a.slotOf[owner] = slot
	}
	width := a.loc[owner].Width
	slotOp := qir.Slot(slot, width)
	emit(&qir.Inst{Op: qir.OpMov, Dst: slotOp, A: a.loc[owner]})
	a.loc[owner] = slotOp
	a.pregOwner[r] = -1
}

func (a *allocator) allocSlot() int {
	if n := len(a.freeSlots); n > 0 {
		s := a.freeSlots[n-1]
		a.freeSlots = a.freeSlots[:n-1]
		return s
	}
	if a.nextSlot >= MaxSpillSlots {
		panic("ra: spill frame exhausted")
	}
	s := a.nextSlot
	a.nextSlot++
	return s
}

// spillCallClobbered evicts every preg an hcall's callee may trash.
func (a *allocator) spillCallClobbered(emit func(*qir.Inst)) {
	for r := 0; r < GPRNum; r++ {
		if gprCallClobber.test(r) && a.pregOwner[r] >= 0 {
			owner := a.pregOwner[r]
			a.spill(r, emit)
			a.free = append(a.free, r)
			_ = owner
		}
	}
}

// syncGlobals stores every architectural register this region modified
// (liveOut) back to CPUState. A value that was spilled (e.g. by the
// caller-clobber sweep an hcall runs just before this) is reloaded
// first: global stores take a register source, the only shape
// core/emit's globalStore encodes.
func (a *allocator) syncGlobals(emit func(*qir.Inst)) {
	for vgprID, idx := range a.liveOut {
		cur, ok := a.loc[vgprID]
		if !ok {
			continue // never produced along this path (e.g. a dead write)
		}
		if cur.Kind == qir.OpndSlot {
			cur = a.use(qir.VGPR(vgprID, cur.Width), emit)
		}
		emit(&qir.Inst{Op: qir.OpGlobalStore, A: cur, GlobalIdx: idx})
	}
}

func pregOperand(r int, width uint8) qir.Operand {
	return qir.PGPR(r, width)
}

// claimPreg takes r out of the free pool and records vgprID as its
// occupant. r must currently be free (hcall claims RAX right after the
// caller-clobber sweep freed it).
func (a *allocator) claimPreg(r, vgprID int) {
	for i, fr := range a.free {
		if fr == r {
			a.free = append(a.free[:i], a.free[i+1:]...)
			break
		}
	}
	a.pregOwner[r] = vgprID
}
