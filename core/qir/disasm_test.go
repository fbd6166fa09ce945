package qir

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
)

func TestDisassembleListsBlocksInsnsAndTerminator(t *testing.T) {
	r := NewRegion(0x1000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	x := bd.NewVGPR(GPRWidth)
	bd.CreateBinOp(OpAdd, x, Const(1, GPRWidth))
	bd.SetGBr(common.GAddr(0x2000))

	out := Disassemble(r)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	require.Equal(t, "bb0:", lines[0])
	require.Contains(t, lines[1], "= add ")
	require.Contains(t, lines[2], "gbr ")
}

func TestDisassembleCoversEveryBlock(t *testing.T) {
	r := NewRegion(0x3000)
	entry := r.NewBlock()
	taken := r.NewBlock()
	fallthroughBlk := r.NewBlock()
	bd := NewBuilder(r)

	bd.SetBlock(entry)
	x := bd.NewVGPR(GPRWidth)
	y := bd.NewVGPR(GPRWidth)
	bd.SetBrCC(CCEq, x, y, taken, fallthroughBlk)

	bd.SetBlock(taken)
	bd.SetGBr(common.GAddr(0x3100))

	bd.SetBlock(fallthroughBlk)
	bd.SetGBr(common.GAddr(0x3200))

	out := Disassemble(r)
	require.Contains(t, out, "bb0:")
	require.Contains(t, out, "bb1:")
	require.Contains(t, out, "bb2:")
}

// Chained binops should each show up as their own disassembled line. On a
// mismatch the failure message dumps the whole Region via go-spew, since a
// plain %v of a Region's block/inst slices is unreadable once it has more
// than a couple of instructions in it.
func TestDisassembleListsChainedBinOps(t *testing.T) {
	r := NewRegion(0x4000)
	b := r.NewBlock()
	bd := NewBuilder(r)
	bd.SetBlock(b)

	x := bd.NewVGPR(GPRWidth)
	y := bd.CreateBinOp(OpAdd, x, Const(7, GPRWidth))
	bd.CreateBinOp(OpSub, y, x)
	bd.SetGBr(common.GAddr(0x4100))

	out := Disassemble(r)
	require.Contains(t, out, "= add ", "region dump:\n%s", spew.Sdump(r))
	require.Contains(t, out, "= sub ", "region dump:\n%s", spew.Sdump(r))
}
