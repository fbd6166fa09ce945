package modgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordEntryDuplicatePanics(t *testing.T) {
	g := New(0x1000)
	g.RecordEntry(0x1000)
	require.Panics(t, func() { g.RecordEntry(0x1000) })
}

func TestRecordGBrDropsOutOfPageEdge(t *testing.T) {
	g := New(0x1000)
	src := g.RecordEntry(0x1000)
	g.RecordGBr(0x1000, 0x5000) // outside the page: side-call, dropped
	require.Empty(t, src.Succs)
}

func TestRecordGBrWithinPageLinks(t *testing.T) {
	g := New(0x1000)
	a := g.RecordEntry(0x1000)
	b := g.RecordEntry(0x1010)
	g.RecordGBr(0x1000, 0x1010)
	require.Equal(t, []*Node{b}, a.Succs)
	require.Equal(t, []*Node{a}, b.Preds)
}

// straightLineGraph builds: root -> A -> B -> C, a linear chain entered
// only at A (a single segment entry), the simplest non-trivial shape.
func straightLineGraph() (*Graph, *Node, *Node, *Node) {
	g := New(0x1000)
	a := g.RecordEntry(0x1000)
	b := g.RecordEntry(0x1010)
	c := g.RecordEntry(0x1020)
	g.RecordSegmentEntry(0x1000)
	a.AddSucc(b)
	b.AddSucc(c)
	return g, a, b, c
}

func TestRPOStartsAtRootAndRespectsEdges(t *testing.T) {
	g, a, b, c := straightLineGraph()
	rpo := g.RPO()
	require.Equal(t, []*Node{g.Root, a, b, c}, rpo)
}

func TestComputeDominatorsLinearChain(t *testing.T) {
	g, a, b, c := straightLineGraph()
	g.ComputeDominators()

	require.Equal(t, g.Root, a.Dominator)
	require.Equal(t, a, b.Dominator)
	require.Equal(t, b, c.Dominator)
}

func TestComputeDominatorsDiamond(t *testing.T) {
	// root -> A -> {B, C} -> D: D's idom is A, not B or C, since neither
	// alone dominates it.
	g := New(0x1000)
	a := g.RecordEntry(0x1000)
	b := g.RecordEntry(0x1010)
	c := g.RecordEntry(0x1020)
	d := g.RecordEntry(0x1030)
	g.RecordSegmentEntry(0x1000)
	a.AddSucc(b)
	a.AddSucc(c)
	b.AddSucc(d)
	c.AddSucc(d)

	g.ComputeDominators()

	require.Equal(t, a, d.Dominator)
}

func TestComputeRegionsSingleEntryIsOneRegion(t *testing.T) {
	g, a, b, c := straightLineGraph()
	g.ComputeDominators()

	regions := g.ComputeRegions()

	require.Len(t, regions, 1)
	require.True(t, a.RegionEntry)
	require.False(t, b.RegionEntry)
	require.False(t, c.RegionEntry)
	require.ElementsMatch(t, []*Node{a, b, c}, regions[0].Nodes)
	require.Equal(t, a, regions[0].Nodes[0], "region entry must be first in RPO order")
}

func TestComputeRegionsTwoEntriesSplit(t *testing.T) {
	// Two independent segment entries reachable only through the root,
	// each with its own tail: two regions, not one.
	g := New(0x1000)
	a := g.RecordEntry(0x1000)
	b := g.RecordEntry(0x1010)
	x := g.RecordEntry(0x1020)
	y := g.RecordEntry(0x1030)
	g.RecordSegmentEntry(0x1000)
	g.RecordSegmentEntry(0x1020)
	a.AddSucc(b)
	x.AddSucc(y)

	g.ComputeDominators()
	regions := g.ComputeRegions()

	require.Len(t, regions, 2)
	require.True(t, a.RegionEntry)
	require.True(t, x.RegionEntry)
	require.ElementsMatch(t, []*Node{a, b}, regions[0].Nodes)
	require.ElementsMatch(t, []*Node{x, y}, regions[1].Nodes)
}

func TestComputeRegionsBrindTargetIsItsOwnRegionEntry(t *testing.T) {
	// A node reachable from the main flow AND directly from the root (as
	// a brind target) is dominated by the root, so it starts its own
	// region even though a is also a predecessor.
	g := New(0x1000)
	a := g.RecordEntry(0x1000)
	mid := g.RecordEntry(0x1010)
	g.RecordSegmentEntry(0x1000)
	g.RecordBrindTarget(0x1010)
	a.AddSucc(mid)

	g.ComputeDominators()
	regions := g.ComputeRegions()

	require.Len(t, regions, 2)
	require.True(t, mid.RegionEntry)
}

func TestInPageRejectsForeignAddress(t *testing.T) {
	g := New(0x1000)
	require.True(t, g.InPage(0x1000))
	require.True(t, g.InPage(0x1ffc))
	require.False(t, g.InPage(0x2000))
	require.Nil(t, g.GetNode(0x2000))
}
