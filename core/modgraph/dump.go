package modgraph

import (
	"fmt"
	"strings"
)

// Dump renders the graph as a graphviz-style edge listing. Used by
// `elfaot --dump-graph` to inspect region partitioning without a
// debugger.
func (g *Graph) Dump() string {
	var sb strings.Builder
	for _, n := range g.nodes {
		color := "cyan"
		switch {
		case n.IsSegmentEntry:
			color = "green"
		case n.IsBrindTarget:
			color = "orange"
		case n.RegionEntry:
			color = "yellow"
		}
		fmt.Fprintf(&sb, "B%s[fillcolor=%s]\n", n.IP, color)
		for _, s := range n.Succs {
			if n.IP >= s.IP {
				fmt.Fprintf(&sb, "B%s->B%s[color=red,penwidth=2,dir=back]\n", s.IP, n.IP)
			} else {
				fmt.Fprintf(&sb, "B%s->B%s\n", n.IP, s.IP)
			}
		}
	}
	return sb.String()
}

// DumpRegions renders a region partition produced by ComputeRegions as a
// textual listing: one line per region, its entry IP followed by its
// member node IPs in RPO order.
func DumpRegions(regions []Region) string {
	var sb strings.Builder
	for i, r := range regions {
		fmt.Fprintf(&sb, "region %d: entry=%s nodes=[", i, r.Nodes[0].IP)
		for j, n := range r.Nodes {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(n.IP.String())
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}
