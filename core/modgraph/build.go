package modgraph

import (
	"sort"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/decode"
)

// Build turns a profile page
// record's bitmaps into a populated Graph, ready for RPO/ComputeDominators/
// ComputeRegions (analysis.go): sort the recorded entries, walk each to
// the next entry or the page end, and record the edges the terminator
// implies.
//
// entries, segmentEntries and brindTargets are guest IPs already filtered
// to lie within the page pageBase..pageBase+PageSize (the profile store's
// PageRecord.Entries/SegmentEntries/BrindTargets, see core/profile).
func Build(pageBase common.GAddr, entries, segmentEntries, brindTargets []common.GAddr, read decode.Reader) *Graph {
	g := New(pageBase)

	sorted := append([]common.GAddr(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, ip := range sorted {
		if g.GetNode(ip) == nil {
			g.RecordEntry(ip)
		}
	}

	pageEnd := pageBase + common.PageSize

	for i, ip := range sorted {
		boundary := pageEnd
		if i+1 < len(sorted) {
			boundary = sorted[i+1]
		}
		walkBlock(g, ip, boundary, read)
	}

	for _, ip := range segmentEntries {
		g.RecordSegmentEntry(ip)
	}
	for _, ip := range brindTargets {
		g.RecordBrindTarget(ip)
	}

	return g
}

// walkBlock runs the analyser from ip to boundary,
// recording the node's extent and any direct-branch edge that stays
// within the page.
func walkBlock(g *Graph, ip, boundary common.GAddr, read decode.Reader) {
	var lastIP common.GAddr
	var lastInsn decode.Insn

	end, _ := decode.Analyse(ip, boundary, read, func(at common.GAddr, insn decode.Insn) {
		lastIP, lastInsn = at, insn
	})

	if n := g.GetNode(ip); n != nil {
		n.IPEnd = end
	}

	switch lastInsn.Op {
	case decode.Jal:
		target := common.GAddr(int64(lastIP) + int64(lastInsn.Imm))
		if lastInsn.Rd != 0 {
			g.RecordGBrLink(lastIP, target, end)
		} else {
			g.RecordGBr(lastIP, target)
		}
	case decode.Beq, decode.Bne, decode.Blt, decode.Bge, decode.Bltu, decode.Bgeu:
		target := common.GAddr(int64(lastIP) + int64(lastInsn.Imm))
		g.RecordGBr(lastIP, target)
		g.RecordGBr(lastIP, end) // fallthrough edge
	case decode.Jalr:
		g.RecordGBrind(lastIP, end)
	}
}
