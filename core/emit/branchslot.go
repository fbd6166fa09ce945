package emit

import "github.com/elfrun/elfrun/core/ra"

// SlotSize is the fixed length of a branch slot's patchable code:
// `mov rax, imm64; call rax` (10+2) in the
// unlinked and linked-far shapes, `jmp rel32` (5 bytes, padded) in the
// linked-near shape.
const SlotSize = 12

// slotGIPSize is the trailing 4-byte guest-IP field that follows the
// 12-byte slot: stub_link_branch (core/exec) reads it
// off the return address its `call rax` pushed. BranchSlotTotalSize is
// what a caller must actually reserve per slot.
const slotGIPSize = 4

// BranchSlotTotalSize is the full reserved footprint of one branch slot:
// the 12-byte patchable code plus its trailing 4-byte gip field.
const BranchSlotTotalSize = SlotSize + slotGIPSize

// nopByte pads a shorter linked shape out to SlotSize.
const nopByte = 0x90

// WriteUnlinkedSlot writes the unlinked shape at code[at:at+BranchSlotTotalSize]:
// `mov rax, imm64(linkStub); call rax`, then the 4-byte gip. First
// execution calls linkStub, which rewrites the slot in place.
func WriteUnlinkedSlot(code []byte, at int, linkStubAddr uint64, gip uint32) {
	a := &asm{}
	a.movRI64(ra.RAX, linkStubAddr)
	a.bs(0xff, 0xd0)
	for len(a.code) < SlotSize {
		a.b(nopByte)
	}
	a.u32(gip)
	copy(code[at:at+BranchSlotTotalSize], a.code)
}

// LinkNear rewrites the slot at code[at:] to `jmp rel32` directly to
// targetAddr, used when target is reachable from the slot's own address
// within a 32-bit displacement. Per the branch-slot law: any
// sequence reset -> link(T1) -> link(T2) must end with control
// unconditionally transferring to T2; rewriting in place, not appending,
// satisfies that regardless of how many times Link runs.
func LinkNear(code []byte, at int, slotAddr, targetAddr uint64) {
	rel := int64(targetAddr) - int64(slotAddr+5)
	a := &asm{}
	a.b(0xe9)
	a.u32(uint32(int32(rel)))
	for len(a.code) < SlotSize {
		a.b(nopByte)
	}
	copy(code[at:at+SlotSize], a.code)
}

// LinkFar rewrites the slot at code[at:] to the linked-far shape: `mov
// rax, imm64(targetAddr); jmp rax`, used when target is not reachable by a
// rel32 jump from the slot.
func LinkFar(code []byte, at int, targetAddr uint64) {
	a := &asm{}
	a.movRI64(ra.RAX, targetAddr)
	a.bs(0xff, 0xe0) // jmp rax (FF /4)
	for len(a.code) < SlotSize {
		a.b(nopByte)
	}
	copy(code[at:at+SlotSize], a.code)
}

// Link rewrites the slot at code[at:] (whose runtime address is slotAddr)
// to transfer control to targetAddr, choosing the near or far shape by
// whether a rel32 displacement can reach it.
func Link(code []byte, at int, slotAddr, targetAddr uint64) {
	rel := int64(targetAddr) - int64(slotAddr+5)
	if rel >= -(1<<31) && rel < (1<<31) {
		LinkNear(code, at, slotAddr, targetAddr)
		return
	}
	LinkFar(code, at, targetAddr)
}

// ReadGIP recovers the guest IP embedded after the slot at code[at:], the
// value stub_link_branch (core/exec) needs to resolve the target before
// calling Link.
func ReadGIP(code []byte, at int) uint32 {
	off := at + SlotSize
	return uint32(code[off]) | uint32(code[off+1])<<8 | uint32(code[off+2])<<16 | uint32(code[off+3])<<24
}
