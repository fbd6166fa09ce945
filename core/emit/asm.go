// Package emit encodes a post-QSel/post-RA QIR region into host x86-64
// machine code:
// per-mnemonic byte-encoding methods (REX/ModRM/SIB built by hand, no
// external assembler) over QIR's three post-RA operand kinds (PGPR,
// Slot, Const), plus the branch-slot and indirect-branch-dispatch
// shapes the execution loop links lazily.
//
// asm.go holds the mnemonic-level encoder (register-register,
// register-immediate, indexed memory, and control-flow forms); emit.go
// drives it over a qir.Region; branchslot.go implements the lazy-link
// branch-slot shapes.
package emit

import "github.com/elfrun/elfrun/core/ra"

// asm accumulates encoded bytes and the forward-reference fixups that
// intra-region br/brcc targets need, since a block's final offset is not
// known until every block before it (in region.Blocks order) has been
// encoded.
type asm struct {
	code   []byte
	blockOff map[*blockMark]int // filled in once the block is actually encoded
	fixups []fixup
}

// blockMark is a stand-in identity for a qir.Block's encoded offset; the
// emit.go driver owns a map from *qir.Block to *blockMark.
type blockMark struct{}

// fixup records a 4-byte rel32 (or 8-byte absolute) field in code that
// must be patched once target's offset is known.
type fixup struct {
	at     int // byte offset of the field to patch
	target *blockMark
	pcRel  bool // true: field = target - (at+4); false: field is an absolute offset into code
}

func newAsm() *asm {
	return &asm{blockOff: make(map[*blockMark]int)}
}

func (a *asm) offset() int { return len(a.code) }

func (a *asm) mark(b *blockMark) { a.blockOff[b] = a.offset() }

func (a *asm) b(v byte)   { a.code = append(a.code, v) }
func (a *asm) bs(vs ...byte) { a.code = append(a.code, vs...) }

func (a *asm) u32(v uint32) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *asm) u64(v uint64) {
	a.u32(uint32(v))
	a.u32(uint32(v >> 32))
}

// reserveRel32 emits a placeholder rel32 field for a forward jump to
// target and records a fixup for it.
func (a *asm) reserveRel32(target *blockMark) {
	a.fixups = append(a.fixups, fixup{at: a.offset(), target: target, pcRel: true})
	a.u32(0)
}

// resolve patches every recorded fixup now that every block has been
// marked.
func (a *asm) resolve() {
	for _, f := range a.fixups {
		off, ok := a.blockOff[f.target]
		if !ok {
			panic("emit: branch to a block that was never encoded")
		}
		var v uint32
		if f.pcRel {
			v = uint32(int32(off - (f.at + 4)))
		} else {
			v = uint32(off)
		}
		a.code[f.at] = byte(v)
		a.code[f.at+1] = byte(v >> 8)
		a.code[f.at+2] = byte(v >> 16)
		a.code[f.at+3] = byte(v >> 24)
	}
}

// --- REX / ModRM helpers, parameterised on the width (4 vs 8 byte) a
// QIR operand carries: a
// width-4 operand uses the plain 32-bit instruction form (x86 implicitly
// zero-extends a 32-bit write to the full 64-bit register, which is
// exactly the property vmload/vmstore's address arithmetic in emit.go
// relies on), while width 8 sets REX.W.

func rexByte(w bool, r, x, b int) byte {
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r >= 8 {
		rex |= 0x04
	}
	if x >= 8 {
		rex |= 0x02
	}
	if b >= 8 {
		rex |= 0x01
	}
	return rex
}

// emitRex emits a REX prefix iff one is actually needed: wide (REX.W) or
// any operand register is in the r8-r15 extended range. Plain 32-bit ops
// on rax-rdi need no prefix at all, matching real assemblers' output.
func (a *asm) emitRex(w bool, r, x, b int) {
	if w || r >= 8 || x >= 8 || b >= 8 {
		a.b(rexByte(w, r, x, b))
	}
}

func modrmRR(reg, rm int) byte { return byte(0xc0 | (reg&7)<<3 | (rm & 7)) }

// movRR emits `mov dst, src` (register-register) at the given width.
func (a *asm) movRR(w bool, dst, src int) {
	a.emitRex(w, src, 0, dst)
	a.bs(0x89, modrmRR(src, dst))
}

type binOp struct{ rrOpcode, riOpcode8, riOpcode32, riSlash byte }

var (
	binAdd = binOp{0x01, 0x83, 0x81, 0x00}
	binOr  = binOp{0x09, 0x83, 0x81, 0x01}
	binAnd = binOp{0x21, 0x83, 0x81, 0x04}
	binSub = binOp{0x29, 0x83, 0x81, 0x05}
	binXor = binOp{0x31, 0x83, 0x81, 0x06}
	binCmp = binOp{0x39, 0x83, 0x81, 0x07}
)

func (a *asm) binRR(w bool, op binOp, dst, src int) {
	a.emitRex(w, src, 0, dst)
	a.bs(op.rrOpcode, modrmRR(src, dst))
}

func (a *asm) binRI(w bool, op binOp, dst int, imm int32) {
	a.emitRex(w, 0, 0, dst)
	if imm >= -128 && imm <= 127 {
		a.bs(op.riOpcode8, byte(0xc0|op.riSlash<<3|byte(dst&7)), byte(imm))
		return
	}
	a.bs(op.riOpcode32, byte(0xc0|op.riSlash<<3|byte(dst&7)))
	a.u32(uint32(imm))
}

// movRI64 emits `movabs dst, imm64` (REX.W + B8+rd + imm64).
func (a *asm) movRI64(dst int, imm uint64) {
	a.emitRex(true, 0, 0, dst)
	a.b(0xb8 + byte(dst&7))
	a.u64(imm)
}

// movRI32 emits `mov dst(32-bit), imm32`, zero-extending dst to 64 bits.
func (a *asm) movRI32(dst int, imm uint32) {
	a.emitRex(false, 0, 0, dst)
	a.b(0xb8 + byte(dst&7))
	a.u32(imm)
}

// imulRR emits `imul dst, src` (signed multiply, two-operand form).
func (a *asm) imulRR(w bool, dst, src int) {
	a.emitRex(w, dst, 0, src)
	a.bs(0x0f, 0xaf, modrmRR(dst, src))
}

// shiftCL emits `op dst, cl` for shl/shr/sar (D3 /slash).
func (a *asm) shiftCL(w bool, slash byte, dst int) {
	a.emitRex(w, 0, 0, dst)
	a.bs(0xd3, byte(0xc0|slash<<3|byte(dst&7)))
}

// shiftImm emits `op dst, imm8` for shl/shr/sar (C1 /slash ib).
func (a *asm) shiftImm(w bool, slash byte, dst int, n byte) {
	a.emitRex(w, 0, 0, dst)
	a.bs(0xc1, byte(0xc0|slash<<3|byte(dst&7)), n)
}

const (
	shlSlash = 4
	shrSlash = 5
	sarSlash = 7
)

// setcc emits `setCC dst_low8` then zero-extends dst to 32 bits, so a
// QIR setcc's 0/1 result always occupies a clean 4-byte value the way
// qir.OpSetCC's Width=4 contract promises.
func (a *asm) setcc(cc byte, dst int) {
	// Any REX prefix makes byte registers 4..7 name SPL/BPL/SIL/DIL
	// instead of AH/CH/DH/BH.
	if dst >= 4 {
		a.b(rexByte(false, 0, 0, dst))
	}
	a.bs(0x0f, 0x90|cc, byte(0xc0|byte(dst&7)))
	a.movzxB(dst)
}

func (a *asm) movzxB(reg int) {
	if reg >= 4 {
		a.b(rexByte(false, reg, 0, reg))
	}
	a.bs(0x0f, 0xb6, modrmRR(reg, reg))
}

// pushR/popR emit `push reg`/`pop reg`, used by emit.go's shift-by-
// register lowering to save/restore RCX around a shift whose count is
// not already in CL.
func (a *asm) pushR(reg int) {
	if reg >= 8 {
		a.bs(0x41, 0x50+byte(reg&7))
	} else {
		a.b(0x50 + byte(reg))
	}
}

func (a *asm) popR(reg int) {
	if reg >= 8 {
		a.bs(0x41, 0x58+byte(reg&7))
	} else {
		a.b(0x58 + byte(reg))
	}
}

// jmpRel32 emits `jmp rel32` to a not-yet-placed block.
func (a *asm) jmpRel32(target *blockMark) {
	a.b(0xe9)
	a.reserveRel32(target)
}

// jccRel32 emits `jCC rel32` (two-byte opcode 0F 80+cc) to a not-yet-placed
// block.
func (a *asm) jccRel32(cc byte, target *blockMark) {
	a.bs(0x0f, 0x80|cc)
	a.reserveRel32(target)
}

// callAbsVia emits a call to a fixed 64-bit host address via an explicit
// scratch register: `movabs scratch, addr; call scratch`. Every call
// site names its scratch because RAX is never free here: it holds the
// stub id at an hcall and the target IP at a gbrind.
func (a *asm) callAbsVia(scratch int, addr uint64) {
	a.movRI64(scratch, addr)
	a.emitRex(false, 0, 0, scratch)
	a.bs(0xff, byte(0xd0|(scratch&7)))
}

// indexedModRM builds ModRM+SIB for `[base + index*1 + disp]` addressing,
// the shape vmload/vmstore use for membase-relative guest memory access.
// disp is always encoded as
// disp32 for simplicity; a region's single memory access per instruction
// does not need the disp8 special case.
func (a *asm) indexedModRM(reg, base, index int, disp int32) {
	a.bs(byte(0x80|(reg&7)<<3|0x04), byte((index&7)<<3|(base&7)))
	a.u32(uint32(disp))
}

// memOp encodes one memory-operand instruction: an optional 0x66
// operand-size prefix, REX (forced when byteReg selects a register that
// would otherwise name AH/CH/DH/BH), a one- or two-byte opcode, and
// ModRM(+SIB) addressing either `[base+disp32]` (index < 0, the spill-slot
// and zero-mmu-base-guest-pointer shape) or `[base+index*1+disp32]` (the
// membase-relative guest memory shape vmload/vmstore use). A zero disp
// with a base other than RBP/R13 is omitted (mod=00); every other disp is
// encoded as disp32. The disp8 form is never used: a region's handful of
// memory accesses per instruction does not need it.
func (a *asm) memOp(w, prefix66, twoByte, byteReg bool, opcode byte, reg, base, index int, disp int32) {
	if prefix66 {
		a.b(0x66)
	}
	needRex := w || reg >= 8 || base >= 8 || (index >= 0 && index >= 8) || (byteReg && reg >= 4 && reg <= 7)
	if needRex {
		x := 0
		if index >= 0 {
			x = index
		}
		a.b(rexByte(w, reg, x, base))
	}
	if twoByte {
		a.bs(0x0f, opcode)
	} else {
		a.b(opcode)
	}
	if index >= 0 {
		a.indexedModRM(reg, base, index, disp)
		return
	}
	if disp == 0 && (base&7) != ra.RBP {
		a.b(byte((reg&7)<<3 | (base & 7)))
		if base&7 == ra.RSP {
			a.b(0x24)
		}
		return
	}
	a.b(byte(0x80 | (reg&7)<<3 | (base & 7)))
	if base&7 == ra.RSP {
		a.code[len(a.code)-1] = byte(0x84 | (reg&7)<<3)
		a.b(0x24)
	}
	a.u32(uint32(disp))
}
