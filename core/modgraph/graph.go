// Package modgraph builds the per-page control-flow graph the AOT pipeline
// partitions into regions: one node per discovered basic-block entry
// (ip/ip_end, succs/preds, dominator, region_entry flag), a synthetic
// root wired to every segment entry and brind target, RPO by iterative
// DFS, and dominators by the Cooper-Harvey-Kennedy
// two-finger intersection parameterised on RPO numbers. Go structs linked by
// *Node pointers, since the graph's lifetime matches one AOT compilation
// unit and there is no need for the tcache's separate bump-arena discipline.
package modgraph

import (
	"fmt"

	"github.com/elfrun/elfrun/common"
)

// Node is one discovered guest basic-block entry within a page, or the
// synthetic root every segment entry and brind target hangs off.
type Node struct {
	IP    common.GAddr
	IPEnd common.GAddr

	IsBrindTarget  bool
	IsSegmentEntry bool
	RegionEntry    bool

	Succs []*Node
	Preds []*Node

	Dominator *Node

	rpoNum int
}

// AddSucc links n to succ in both directions.
func (n *Node) AddSucc(succ *Node) {
	n.Succs = append(n.Succs, succ)
	succ.Preds = append(succ.Preds, n)
}

func (n *Node) String() string {
	if n == nil {
		return "<root>"
	}
	return fmt.Sprintf("B%s", n.IP)
}

// Graph is the control-flow graph for one 4 KiB guest page. Root has no IP of its own; GetNode never resolves it.
type Graph struct {
	PageBase common.GAddr

	Root  *Node
	nodes map[common.GAddr]*Node
}

// New creates an empty graph over the page containing pageBase.
func New(pageBase common.GAddr) *Graph {
	return &Graph{
		PageBase: common.PageBase(pageBase),
		Root:     &Node{},
		nodes:    make(map[common.GAddr]*Node),
	}
}

// InPage reports whether ip lies in the page this graph covers.
func (g *Graph) InPage(ip common.GAddr) bool {
	return common.PageBase(ip) == g.PageBase
}

// GetNode returns the node at ip, or nil if ip is outside the page or has
// no recorded node yet.
func (g *Graph) GetNode(ip common.GAddr) *Node {
	if !g.InPage(ip) {
		return nil
	}
	return g.nodes[ip]
}

// RecordEntry registers a new basic-block entry at ip. Panics on a duplicate entry: the caller (the AOT page
// analyser) is expected to de-duplicate against the profile bitmap before
// calling this.
func (g *Graph) RecordEntry(ip common.GAddr) *Node {
	if _, ok := g.nodes[ip]; ok {
		panic(fmt.Sprintf("modgraph: duplicate entry at %s", ip))
	}
	n := &Node{IP: ip}
	g.nodes[ip] = n
	return n
}

// RecordBrindTarget marks ip as an indirect-branch target and wires the
// root to it, so region partitioning treats it as a region boundary the
// same way a segment entry is.
func (g *Graph) RecordBrindTarget(ip common.GAddr) {
	n := g.GetNode(ip)
	if n == nil {
		return
	}
	n.IsBrindTarget = true
	g.Root.AddSucc(n)
}

// RecordSegmentEntry marks ip as a segment (ELF load-time) entry point and
// wires the root to it.
func (g *Graph) RecordSegmentEntry(ip common.GAddr) {
	n := g.GetNode(ip)
	if n == nil {
		return
	}
	n.IsSegmentEntry = true
	g.Root.AddSucc(n)
}

// RecordGBr records a direct-branch edge ip -> tgtip. A target outside the
// page is a side-call and the edge is dropped.
func (g *Graph) RecordGBr(ip, tgtip common.GAddr) {
	tgt := g.GetNode(tgtip)
	if tgt == nil {
		return
	}
	if src := g.GetNode(ip); src != nil {
		src.AddSucc(tgt)
	}
}

// RecordGBrLink records a jal-with-link edge: the branch itself (ip ->
// tgtip) plus the fact that ipLink is a side-call return address, so it
// becomes its own entry candidate even with no direct intra-page jump to
// it yet; the link address surfaces through a later RecordEntry.
func (g *Graph) RecordGBrLink(ip, tgtip, ipLink common.GAddr) {
	g.RecordGBr(ip, tgtip)
	_ = ipLink
}

// RecordGBrind notes that ip ends in an indirect branch; indirect targets
// are never statically known, so no edge is added here (it is a side-call
// candidate resolved only by profile data).
func (g *Graph) RecordGBrind(ip common.GAddr, ipLink common.GAddr) {}
