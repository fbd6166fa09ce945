package emit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/core/qir"
	"github.com/elfrun/elfrun/core/ra"
	"github.com/elfrun/elfrun/core/runtime"
)

func TestEncodeMovRegToRegSkipsSameRegister(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpMov, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RAX, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpTrap, TrapKind: 0})

	res := Encode(r, true)
	// mov rax,rax is elided; only the trap terminator's code remains.
	require.NotEmpty(t, res.Code)
	require.Contains(t, string(res.Code), "\xc3")
}

func TestEncodeBinOpAddRegReg(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpAdd, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RAX, 4), B: qir.PGPR(ra.RBX, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	// 0x01 is ADD r/m32, r32; modrm 0xd8 = 11 011 000 (src=rbx reg field, dst=rax rm field).
	require.Equal(t, byte(0x01), res.Code[0])
	require.Equal(t, byte(0xd8), res.Code[1])
}

func TestEncodeBinOpAddRegImm8(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpAdd, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RAX, 4), B: qir.Const(5, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0x83), res.Code[0]) // binRI 8-bit immediate form
	require.Equal(t, byte(5), res.Code[2])
}

func TestEncodeSetCCEmitsCompareAndSetcc(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpSetCC, CC: qir.CCLt, Dst: qir.PGPR(ra.RCX, 4), A: qir.PGPR(ra.RAX, 4), B: qir.PGPR(ra.RBX, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0x39), res.Code[0]) // cmp r/m32, r32
	require.Equal(t, byte(0x0f), res.Code[2]) // setl is a two-byte opcode
	require.Equal(t, byte(0x9c), res.Code[3]) // 0x90 | CCLt(0xc)
}

func TestEncodeVMLoadZeroMMUBaseUsesDirectAddressing(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpVMLoad, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RBX, 4), Size: 4})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0x8b), res.Code[0]) // mov r32, r/m32
}

func TestEncodeVMLoadMembaseUsesSIBIndexing(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpVMLoad, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RBX, 4), Size: 4})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, false)
	require.Equal(t, byte(0x8b), res.Code[0])
	// modrm selects SIB-indexed addressing (mod=10, rm=100).
	require.Equal(t, byte(0x84), res.Code[1])
}

func TestEncodeBrJumpsForward(t *testing.T) {
	r := qir.NewRegion(0x1000)
	entry := r.NewBlock()
	target := r.NewBlock()
	entry.Terminate(&qir.Inst{Op: qir.OpBr, TrueBlock: target})
	target.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0xe9), res.Code[0])
	// rel32 = target offset(5) - (0+5) = 0.
	require.Equal(t, []byte{0, 0, 0, 0}, res.Code[1:5])
}

func TestEncodeGBrLeavesAPlaceholderSlotAndRecordsItsSite(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Terminate(&qir.Inst{Op: qir.OpGBr, Target: 0x2004})

	res := Encode(r, true)
	require.Len(t, res.BranchSlots, 1)
	require.Equal(t, 0, res.BranchSlots[0].Offset)
	require.EqualValues(t, 0x2004, res.BranchSlots[0].GIP)
	require.Len(t, res.Code, BranchSlotTotalSize)
}

func TestEncodeHCallMarshalsGateArgsAndResult(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpHCall, Dst: qir.PGPR(ra.RBX, 4), Stub: runtime.StubAmoaddW,
		HelperArgs: []qir.Operand{qir.PGPR(ra.RCX, 4), qir.PGPR(ra.R8, 4)}})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	code := string(res.Code)
	require.Contains(t, code, "\x89\xce")     // mov esi, ecx: the guest address
	require.Contains(t, code, "\x44\x89\xc2") // mov edx, r8d: the operand value
	require.Contains(t, code, "\x4c\x89\xef") // mov rdi, r13: the CPUState pointer
	require.Contains(t, code, "\xb8"+string(byte(runtime.StubAmoaddW))+"\x00\x00\x00") // mov eax, stub id
	require.Contains(t, code, "\x89\xc3") // mov ebx, eax: result out of RAX
}

func TestEncodeHCallAddsMembaseToGuestAddress(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpHCall, Dst: qir.PGPR(ra.RAX, 4), Stub: runtime.StubLrW,
		HelperArgs: []qir.Operand{qir.PGPR(ra.RCX, 4)}})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, false)
	require.Contains(t, string(res.Code), "\x48\x01\xee") // add rsi, rbp
}

func TestEncodeHCallBreaksArgumentMoveCycle(t *testing.T) {
	// addr in RDX and val in RSI each sit in the other's target register;
	// the marshal must stage through RAX instead of overwriting either.
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpHCall, Dst: qir.PGPR(ra.RAX, 4), Stub: runtime.StubScW,
		HelperArgs: []qir.Operand{qir.PGPR(ra.RDX, 4), qir.PGPR(ra.RSI, 4)}})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	code := string(res.Code)
	require.Contains(t, code, "\x89\xd0") // mov eax, edx: addr staged aside
	require.Contains(t, code, "\x89\xf2") // mov edx, esi: value into place
	require.Contains(t, code, "\x89\xc6") // mov esi, eax: addr into place
}

func TestEncodeShiftByConstant(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpShl, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RAX, 4), B: qir.Const(3, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0xc1), res.Code[0])
	require.Equal(t, byte(3), res.Code[2])
}

func TestEncodeShiftByRegisterSavesAndRestoresRCX(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpShl, Dst: qir.PGPR(ra.RAX, 4), A: qir.PGPR(ra.RAX, 4), B: qir.PGPR(ra.RBX, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0x51), res.Code[0]) // push rcx
	require.Equal(t, byte(0x89), res.Code[1]) // mov ecx, ebx
	require.Equal(t, byte(0xd3), res.Code[3]) // shl eax, cl
	require.Equal(t, byte(0x59), res.Code[5]) // pop rcx
}

func TestEncodeFenceIsANoOp(t *testing.T) {
	r := qir.NewRegion(0x1000)
	b := r.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpFence})
	b.Terminate(&qir.Inst{Op: qir.OpTrap})

	res := Encode(r, true)
	require.Equal(t, byte(0xc3), res.Code[len(res.Code)-1])
}
