package qsel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/qir"
)

func TestRunInsertsAliasMovWhenDstNotA(t *testing.T) {
	region := qir.NewRegion(0x1000)
	b := region.NewBlock()
	dst := qir.VGPR(1, 4)
	a := qir.VGPR(2, 4)
	c := qir.VGPR(3, 4)
	b.Append(&qir.Inst{Op: qir.OpAdd, Dst: dst, A: a, B: c})
	b.Terminate(&qir.Inst{Op: qir.OpGBr, Target: common.GAddr(0x1004)})

	Run(region)

	require.Len(t, b.Insns, 2, "a materialising mov then the add itself")
	require.Equal(t, qir.OpMov, b.Insns[0].Op)
	require.Equal(t, dst, b.Insns[0].Dst)
	require.Equal(t, a, b.Insns[0].A)
	require.Equal(t, qir.OpAdd, b.Insns[1].Op)
	require.Equal(t, dst, b.Insns[1].A, "add's A now reads the same register as Dst")
}

func TestRunSkipsAliasMovWhenAlreadyAliased(t *testing.T) {
	region := qir.NewRegion(0x2000)
	b := region.NewBlock()
	dst := qir.VGPR(1, 4)
	b.Append(&qir.Inst{Op: qir.OpAdd, Dst: dst, A: dst, B: qir.Const(5, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpGBr, Target: common.GAddr(0x2004)})

	Run(region)

	require.Len(t, b.Insns, 1, "no mov needed: A already aliases Dst")
}

func TestRunMaterialisesConstAForSetCC(t *testing.T) {
	region := qir.NewRegion(0x3000)
	b := region.NewBlock()
	dst := qir.VGPR(1, 4)
	b.Append(&qir.Inst{Op: qir.OpSetCC, Dst: dst, A: qir.Const(1, 4), B: qir.VGPR(2, 4), CC: qir.CCEq})
	b.Terminate(&qir.Inst{Op: qir.OpGBr, Target: common.GAddr(0x3004)})

	Run(region)

	require.Len(t, b.Insns, 2)
	require.Equal(t, qir.OpMov, b.Insns[0].Op)
	require.True(t, b.Insns[0].A.IsConst())
	require.Equal(t, qir.OpSetCC, b.Insns[1].Op)
	require.False(t, b.Insns[1].A.IsConst())
}

func TestRunAllowsConstBForAdd(t *testing.T) {
	region := qir.NewRegion(0x4000)
	b := region.NewBlock()
	dst := qir.VGPR(1, 4)
	a := qir.VGPR(2, 4)
	b.Append(&qir.Inst{Op: qir.OpAdd, Dst: dst, A: a, B: qir.Const(5, 4)})
	b.Terminate(&qir.Inst{Op: qir.OpGBr, Target: common.GAddr(0x4004)})

	Run(region)

	// A needed a mov to alias Dst; B stays a constant, since add accepts
	// an immediate right-hand operand.
	require.Len(t, b.Insns, 2)
	require.True(t, b.Insns[1].B.IsConst())
}

func TestRunLegalisesTerminator(t *testing.T) {
	region := qir.NewRegion(0x5000)
	b := region.NewBlock()
	taken := region.NewBlock()
	fallthroughBlk := region.NewBlock()
	b.Terminate(&qir.Inst{
		Op: qir.OpBrCC, CC: qir.CCLt,
		A: qir.Const(1, 4), B: qir.VGPR(1, 4),
		TrueBlock: taken, FalseBlock: fallthroughBlk,
	})

	Run(region)

	require.Len(t, b.Insns, 1, "the legalising mov for BrCC's const A lands in the body")
	require.Equal(t, qir.OpMov, b.Insns[0].Op)
	require.Equal(t, qir.OpBrCC, b.Term.Op)
	require.False(t, b.Term.A.IsConst())
}

func TestRunVMStoreNeverAliasesOrAllowsConstAddr(t *testing.T) {
	region := qir.NewRegion(0x6000)
	b := region.NewBlock()
	b.Append(&qir.Inst{Op: qir.OpVMStore, A: qir.Const(0x8000, 4), B: qir.Const(7, 4), Size: 4})
	b.Terminate(&qir.Inst{Op: qir.OpGBr, Target: common.GAddr(0x6004)})

	Run(region)

	// Both the address and the value are constants here, and VMStore
	// accepts neither as an immediate, so both get materialised.
	require.Len(t, b.Insns, 3)
	require.Equal(t, qir.OpVMStore, b.Insns[2].Op)
	require.False(t, b.Insns[2].A.IsConst())
	require.False(t, b.Insns[2].B.IsConst())
}
