package qir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
)

func TestBuilderAddZeroFoldsToMov(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	x := bd.NewVGPR(GPRWidth)
	result := bd.CreateBinOp(OpAdd, x, Const(0, GPRWidth))

	require.Len(t, b.Insns, 1)
	require.Equal(t, OpMov, b.Insns[0].Op)
	require.Equal(t, x, b.Insns[0].A)
	require.Equal(t, result, b.Insns[0].Dst)
}

func TestBuilderConstantFoldsAtBuildTime(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	result := bd.CreateBinOp(OpAdd, Const(2, GPRWidth), Const(3, GPRWidth))

	require.Len(t, b.Insns, 1)
	require.Equal(t, OpMov, b.Insns[0].Op)
	require.True(t, b.Insns[0].A.IsConst())
	require.Equal(t, int64(5), b.Insns[0].A.Value)
	require.Equal(t, result, b.Insns[0].Dst)
}

func TestBuilderCanonicalisesConstantToRightOperand(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	x := bd.NewVGPR(GPRWidth)
	bd.CreateBinOp(OpAnd, Const(0xFF, GPRWidth), x)

	require.Len(t, b.Insns, 1)
	inst := b.Insns[0]
	require.Equal(t, OpAnd, inst.Op)
	require.Equal(t, x, inst.A)
	require.True(t, inst.B.IsConst())
	require.Equal(t, int64(0xFF), inst.B.Value)
}

func TestBuilderNonCommutativeOpKeepsOperandOrder(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	x := bd.NewVGPR(GPRWidth)
	bd.CreateBinOp(OpSub, Const(10, GPRWidth), x)

	require.Len(t, b.Insns, 1)
	inst := b.Insns[0]
	require.Equal(t, OpSub, inst.Op)
	require.True(t, inst.A.IsConst())
	require.Equal(t, x, inst.B)
}

func TestBuilderSetCCFoldsConstants(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	bd.CreateSetCC(CCLt, Const(1, GPRWidth), Const(2, GPRWidth))

	require.Len(t, b.Insns, 1)
	require.Equal(t, OpMov, b.Insns[0].Op)
	require.Equal(t, int64(1), b.Insns[0].A.Value)
}

func TestBuilderTerminatesWithGBr(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	bd.SetGBr(common.GAddr(0x2000))

	require.NotNil(t, b.Term)
	require.Equal(t, OpGBr, b.Term.Op)
	require.Equal(t, common.GAddr(0x2000), b.Term.Target)
	require.Panics(t, func() { b.Append(&Inst{Op: OpMov}) })
}

func TestBuilderBrCCHasTwoSuccessors(t *testing.T) {
	r := NewRegion(0x1000)
	entry := r.NewBlock()
	taken := r.NewBlock()
	fallthroughBlk := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(entry)

	x := bd.NewVGPR(GPRWidth)
	y := bd.NewVGPR(GPRWidth)
	bd.SetBrCC(CCEq, x, y, taken, fallthroughBlk)

	succs := entry.Succs()
	require.Equal(t, []*Block{taken, fallthroughBlk}, succs)
}

func TestBuilderVMLoadAndStoreRoundTripShape(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	addr := bd.NewVGPR(GPRWidth)
	loaded := bd.CreateVMLoad(addr, 1, true)
	bd.CreateVMStore(addr, loaded, 1)

	require.Len(t, b.Insns, 2)
	require.Equal(t, OpVMLoad, b.Insns[0].Op)
	require.EqualValues(t, 1, b.Insns[0].Size)
	require.True(t, b.Insns[0].Signed)
	require.Equal(t, OpVMStore, b.Insns[1].Op)
	require.Equal(t, addr, b.Insns[1].A)
	require.Equal(t, loaded, b.Insns[1].B)
}

// TestBuilderFoldedOutputIsAFixedPoint checks idempotence: no published
// instruction still matches any fold rule, so running the folder again
// over the block would change nothing.
func TestBuilderFoldedOutputIsAFixedPoint(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	x := bd.NewVGPR(GPRWidth)
	y := bd.CreateBinOp(OpAdd, x, Const(0, GPRWidth))
	z := bd.CreateBinOp(OpAdd, Const(7, GPRWidth), y)
	w := bd.CreateBinOp(OpXor, Const(3, GPRWidth), Const(5, GPRWidth))
	bd.CreateBinOp(OpSub, z, w)
	bd.CreateSetCC(CCLt, z, Const(9, GPRWidth))

	for _, inst := range b.Insns {
		switch inst.Op {
		case OpMov:
			continue
		case OpSetCC:
			require.False(t, inst.A.IsConst() && inst.B.IsConst())
		default:
			require.False(t, inst.A.IsConst() && inst.B.IsConst(),
				"const-const binop survived folding: %s", inst)
			require.False(t, inst.Op == OpAdd && inst.B.IsZero(),
				"add(x, 0) survived folding: %s", inst)
			if inst.Op.IsCommutative() {
				require.False(t, inst.A.IsConst(),
					"constant not canonicalised to B: %s", inst)
			}
		}
	}
}
