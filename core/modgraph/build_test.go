package modgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/decode"
)

// program builds a decode.Reader over a fixed instruction sequence, the
// same helper shape core/xlate's own tests use (a synthetic stand-in for
// arena.AddrSpace.G2H-backed guest memory).
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

// TestBuildStraightLineEntryFallsThrough builds a single entry whose body
// is two arithmetic instructions; decode.Analyse stops only once it hits
// the out-of-program filler (decoded as Ill, itself branch-class; see
// decode/insn.go's opTable), so IPEnd lands one instruction past the two
// real ones, at the Ill word the walk had to decode to discover the
// block's end.
func TestBuildStraightLineEntryFallsThrough(t *testing.T) {
	base := common.GAddr(0x1000)
	read := program(base,
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 1},
		decode.Insn{Op: decode.Addi, Rd: 2, Rs1: 0, Imm: 2},
	)

	g := Build(base, []common.GAddr{base}, nil, nil, read)

	n := g.GetNode(base)
	require.NotNil(t, n)
	require.Equal(t, base+12, n.IPEnd)
}

// TestBuildUnconditionalBranchLinksWithinPage checks that a jal (rd=x0,
// a tail call) within the page becomes a graph edge, mirroring
// walkBlock's decode.Jal case.
func TestBuildUnconditionalBranchLinksWithinPage(t *testing.T) {
	base := common.GAddr(0x2000)
	target := common.GAddr(0x2010)
	read := program(base,
		decode.Insn{Op: decode.Jal, Rd: 0, Imm: int32(target) - int32(base)},
	)

	g := Build(base, []common.GAddr{base, target}, nil, nil, read)

	a := g.GetNode(base)
	b := g.GetNode(target)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Equal(t, []*Node{b}, a.Succs)
}

// TestBuildConditionalBranchAddsBothEdges checks that a conditional branch
// (beq) within the page contributes both the taken and fallthrough edges,
// matching walkBlock's decode.Beq case.
func TestBuildConditionalBranchAddsBothEdges(t *testing.T) {
	base := common.GAddr(0x3000)
	taken := common.GAddr(0x3010)
	read := program(base,
		decode.Insn{Op: decode.Beq, Rs1: 1, Rs2: 2, Imm: int32(taken) - int32(base)},
	)

	g := Build(base, []common.GAddr{base, base + common.InsnSize, taken}, nil, nil, read)

	a := g.GetNode(base)
	fallthroughNode := g.GetNode(base + common.InsnSize)
	takenNode := g.GetNode(taken)
	require.NotNil(t, a)
	require.NotNil(t, takenNode)
	require.ElementsMatch(t, []*Node{takenNode, fallthroughNode}, a.Succs)
}

// TestBuildRecordsSegmentEntriesAndBrindTargets checks that the two
// advisory sets Build takes are recorded on the resulting graph regardless
// of whether they coincide with a walked entry.
func TestBuildRecordsSegmentEntriesAndBrindTargets(t *testing.T) {
	base := common.GAddr(0x4000)
	read := program(base, decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 1})

	g := Build(base, []common.GAddr{base}, []common.GAddr{base}, []common.GAddr{base}, read)

	n := g.GetNode(base)
	require.True(t, n.IsSegmentEntry)
	require.True(t, n.IsBrindTarget)
}
