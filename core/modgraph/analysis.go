package modgraph

import mapset "github.com/deckarep/golang-set"

// RPO returns every node reachable from the root in reverse-postorder,
// root first. Computed by iterative DFS with an explicit stack, one
// successor index per frame.
func (g *Graph) RPO() []*Node {
	type frame struct {
		n   *Node
		idx int
	}
	visited := make(map[*Node]bool)
	var postorder []*Node
	stack := []frame{{g.Root, 0}}
	visited[g.Root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx == len(top.n.Succs) {
			postorder = append(postorder, top.n)
			stack = stack[:len(stack)-1]
			continue
		}
		succ := top.n.Succs[top.idx]
		top.idx++
		if !visited[succ] {
			visited[succ] = true
			stack = append(stack, frame{succ, 0})
		}
	}

	rpo := make([]*Node, len(postorder))
	for i, n := range postorder {
		rpo[len(postorder)-1-i] = n
	}
	for i, n := range rpo {
		n.rpoNum = i
	}
	return rpo
}

// ComputeDominators fills in every reachable node's Dominator field using
// the Cooper-Harvey-Kennedy two-finger intersection algorithm
// parameterised on RPO numbers. Must be called
// after all Record* calls for the page are done; unreachable nodes (no
// path from the root) are left with a nil Dominator.
func (g *Graph) ComputeDominators() {
	rpo := g.RPO()
	g.Root.Dominator = g.Root

	intersect := func(b1, b2 *Node) *Node {
		for b1 != b2 {
			for b1.rpoNum > b2.rpoNum {
				b1 = b1.Dominator
			}
			for b2.rpoNum > b1.rpoNum {
				b2 = b2.Dominator
			}
		}
		return b1
	}

	changed := true
	for changed {
		changed = false
		for _, b := range rpo {
			if b == g.Root {
				continue
			}
			var newIdom *Node
			for _, p := range b.Preds {
				if p.Dominator == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if b.Dominator != newIdom {
				b.Dominator = newIdom
				changed = true
			}
		}
	}
}

// Region is a maximal, dominator-convex set of nodes reachable from a
// single region entry, in RPO order.
type Region struct {
	Nodes []*Node
}

// ComputeRegions partitions every node reachable from the root into
// regions. A region entry is any node whose immediate dominator is the
// root; a
// region then consists of that entry plus every node it dominates that is
// not itself a region entry, which is exactly what keeps the region
// dominator-convex.
// ComputeDominators must have been called first.
func (g *Graph) ComputeRegions() []Region {
	rpo := g.RPO()

	entries := mapset.NewSet()
	for _, n := range rpo {
		if n == g.Root {
			continue
		}
		if n.Dominator == g.Root {
			n.RegionEntry = true
			entries.Add(n)
		}
	}

	// entryOf[n] is the region entry n's dominator chain reaches first
	// (an entry maps to itself); walking RPO
	// order means a node's entry is already resolved by the time its
	// successors are visited, since RPO only ever points a node's
	// dominator earlier in the order.
	entryOf := make(map[*Node]*Node)
	for _, n := range rpo {
		if n == g.Root {
			continue
		}
		if entries.Contains(n) {
			entryOf[n] = n
			continue
		}
		if n.Dominator != nil {
			entryOf[n] = entryOf[n.Dominator]
		}
	}

	regionOf := make(map[*Node][]*Node)
	var order []*Node
	for _, n := range rpo {
		if n == g.Root {
			continue
		}
		e := entryOf[n]
		if e == nil {
			continue // unreachable from any region entry (shouldn't happen post-ComputeDominators)
		}
		if _, ok := regionOf[e]; !ok {
			order = append(order, e)
		}
		regionOf[e] = append(regionOf[e], n)
	}

	regions := make([]Region, 0, len(order))
	for _, e := range order {
		regions = append(regions, Region{Nodes: regionOf[e]})
	}
	return regions
}
