package xlate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/qir"
	"github.com/elfrun/elfrun/core/runtime"
)

// program builds a decode.Reader over a fixed sequence of instructions
// starting at base, the way a real Reader would be backed by
// arena.AddrSpace.G2H over guest memory.
func program(base common.GAddr, insns ...decode.Insn) decode.Reader {
	words := make([]uint32, len(insns))
	for i, in := range insns {
		words[i] = decode.Encode(in)
	}
	return func(ip common.GAddr) uint32 {
		idx := (uint32(ip) - uint32(base)) / common.InsnSize
		if int(idx) >= len(words) {
			return decode.Encode(decode.Insn{Op: decode.Ill})
		}
		return words[idx]
	}
}

func TestTranslateStraightLineEndsWithSyntheticGBr(t *testing.T) {
	base := common.GAddr(0x1000)
	read := program(base,
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 5},
		decode.Insn{Op: decode.Addi, Rd: 2, Rs1: 1, Imm: 3},
	)

	res := Translate(base, base+8, read)

	require.Equal(t, decode.ControlBoundary, res.Control)
	require.Equal(t, base+8, res.EndIP)
	require.Len(t, res.Region.Blocks, 1)
	block := res.Region.Blocks[0]
	require.Len(t, block.Insns, 2)
	require.NotNil(t, block.Term)
	require.Equal(t, qir.OpGBr, block.Term.Op)
	require.Equal(t, base+8, block.Term.Target)
}

func TestTranslateAddiChainsThroughSameVGPR(t *testing.T) {
	base := common.GAddr(0x2000)
	read := program(base,
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 5},
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 1, Imm: 3},
	)

	res := Translate(base, base+8, read)

	block := res.Region.Blocks[0]
	require.Len(t, block.Insns, 2)
	// The second addi reads x1, which the first addi just wrote: its A
	// operand must be the first instruction's Dst, not a fresh register.
	require.Equal(t, block.Insns[0].Dst, block.Insns[1].A)
}

func TestTranslateAddiToX0IsDiscarded(t *testing.T) {
	base := common.GAddr(0x3000)
	read := program(base,
		decode.Insn{Op: decode.Addi, Rd: 0, Rs1: 0, Imm: 5},
	)

	res := Translate(base, base+4, read)

	block := res.Region.Blocks[0]
	require.Empty(t, block.Insns, "a write to x0 must not be emitted")
}

func TestTranslateJalLinksAndBranches(t *testing.T) {
	base := common.GAddr(0x4000)
	read := program(base, decode.Insn{Op: decode.Jal, Rd: 1, Imm: 0x100})

	res := Translate(base, 0, read)

	require.Equal(t, decode.ControlBranch, res.Control)
	block := res.Region.Blocks[0]
	require.Len(t, block.Insns, 1) // the link-register mov
	require.Equal(t, qir.OpMov, block.Insns[0].Op)
	require.NotNil(t, block.Term)
	require.Equal(t, qir.OpGBr, block.Term.Op)
	require.Equal(t, base+0x100, block.Term.Target)
}

func TestTranslateJalrMasksLowBit(t *testing.T) {
	base := common.GAddr(0x5000)
	read := program(base, decode.Insn{Op: decode.Jalr, Rd: 0, Rs1: 2, Imm: 1})

	res := Translate(base, 0, read)

	block := res.Region.Blocks[0]
	require.Equal(t, qir.OpGBrInd, block.Term.Op)
	// add then and: two instructions feeding the indirect target.
	require.Len(t, block.Insns, 2)
	require.Equal(t, qir.OpAdd, block.Insns[0].Op)
	require.Equal(t, qir.OpAnd, block.Insns[1].Op)
	require.Equal(t, block.Insns[0].Dst, block.Insns[1].A)
	require.Equal(t, block.Insns[1].Dst, block.Term.A)
}

func TestTranslateBranchHasTakenAndFallthroughBlocks(t *testing.T) {
	base := common.GAddr(0x6000)
	read := program(base, decode.Insn{Op: decode.Bne, Rs1: 1, Rs2: 2, Imm: 0x40})

	res := Translate(base, 0, read)

	require.Equal(t, decode.ControlBranch, res.Control)
	require.Len(t, res.Region.Blocks, 3)

	entry := res.Region.Blocks[0]
	require.Equal(t, qir.OpBrCC, entry.Term.Op)
	require.Equal(t, qir.CCNe, entry.Term.CC)

	taken := entry.Term.TrueBlock
	fallthroughBlk := entry.Term.FalseBlock
	require.Equal(t, qir.OpGBr, taken.Term.Op)
	require.Equal(t, base+0x40, taken.Term.Target)
	require.Equal(t, qir.OpGBr, fallthroughBlk.Term.Op)
	require.Equal(t, base+4, fallthroughBlk.Term.Target)
}

func TestTranslateLoadAndStoreShapes(t *testing.T) {
	base := common.GAddr(0x7000)
	read := program(base,
		decode.Insn{Op: decode.Lb, Rd: 1, Rs1: 2, Imm: 4},
		decode.Insn{Op: decode.Sw, Rs1: 2, Rs2: 1, Imm: 8},
	)

	res := Translate(base, base+8, read)

	block := res.Region.Blocks[0]
	// add, vmload, add, vmstore
	require.Len(t, block.Insns, 4)
	require.Equal(t, qir.OpVMLoad, block.Insns[1].Op)
	require.EqualValues(t, 1, block.Insns[1].Size)
	require.True(t, block.Insns[1].Signed)
	require.Equal(t, qir.OpVMStore, block.Insns[3].Op)
	require.EqualValues(t, 4, block.Insns[3].Size)
}

func TestTranslateEcallTraps(t *testing.T) {
	base := common.GAddr(0x8000)
	read := program(base, decode.Insn{Op: decode.Ecall})

	res := Translate(base, 0, read)

	require.Equal(t, decode.ControlBranch, res.Control)
	block := res.Region.Blocks[0]
	require.Equal(t, qir.OpTrap, block.Term.Op)
	require.Equal(t, coreerr.TrapEcall, block.Term.TrapKind)
}

func TestTranslateIllTraps(t *testing.T) {
	base := common.GAddr(0x9000)
	read := program(base, decode.Insn{Op: decode.Ill})

	res := Translate(base, 0, read)

	block := res.Region.Blocks[0]
	require.Equal(t, qir.OpTrap, block.Term.Op)
	require.Equal(t, coreerr.TrapIllegalInsn, block.Term.TrapKind)
}

func TestTranslateShiftRegisterMasksAmount(t *testing.T) {
	base := common.GAddr(0xA000)
	read := program(base, decode.Insn{Op: decode.Sll, Rd: 1, Rs1: 2, Rs2: 3})

	res := Translate(base, base+4, read)

	block := res.Region.Blocks[0]
	require.Len(t, block.Insns, 2)
	require.Equal(t, qir.OpAnd, block.Insns[0].Op)
	require.True(t, block.Insns[0].B.IsConst())
	require.EqualValues(t, 0x1f, block.Insns[0].B.Value)
	require.Equal(t, qir.OpShl, block.Insns[1].Op)
	require.Equal(t, block.Insns[0].Dst, block.Insns[1].B)
}

func TestTranslateFenceEmitsNoOpThenContinues(t *testing.T) {
	base := common.GAddr(0xB000)
	read := program(base, decode.Insn{Op: decode.Fence}, decode.Insn{Op: decode.Ecall})

	res := Translate(base, 0, read)

	block := res.Region.Blocks[0]
	require.Len(t, block.Insns, 1)
	require.Equal(t, qir.OpFence, block.Insns[0].Op)
	require.Equal(t, qir.OpTrap, block.Term.Op)
}

func TestTranslateAmoaddLowersToHCallWithAddrAndValue(t *testing.T) {
	base := common.GAddr(0xC000)
	read := program(base, decode.Insn{Op: decode.AmoaddW, Rd: 1, Rs1: 2, Rs2: 3})

	res := Translate(base, base+4, read)

	block := res.Region.Blocks[0]
	require.Len(t, block.Insns, 1)
	inst := block.Insns[0]
	require.Equal(t, qir.OpHCall, inst.Op)
	require.Equal(t, runtime.StubAmoaddW, inst.Stub)
	require.Len(t, inst.HelperArgs, 2)
}

func TestTranslateLrwLowersToHCallWithAddrOnly(t *testing.T) {
	base := common.GAddr(0xD000)
	read := program(base, decode.Insn{Op: decode.LrW, Rd: 1, Rs1: 2})

	res := Translate(base, base+4, read)

	block := res.Region.Blocks[0]
	inst := block.Insns[0]
	require.Equal(t, qir.OpHCall, inst.Op)
	require.Equal(t, runtime.StubLrW, inst.Stub)
	require.Len(t, inst.HelperArgs, 1)
}
