package cfg

// Dominators computes the immediate-dominator relation with the classic
// iterative dataflow algorithm (Cooper/Harvey/Kennedy), not
// Lengauer-Tarjan: per-PE compiles are small enough that the simpler,
// more obviously-correct fixpoint loop is the right trade. Returns a map
// from block id to its immediate dominator; entry maps to itself.
func (g *Graph[N]) Dominators(entry BlockID) map[BlockID]BlockID {
	rpo := g.ReversePostorder(entry)
	order := make(map[BlockID]int, len(rpo))
	for i, b := range rpo {
		order[b] = i
	}

	idom := make(map[BlockID]BlockID)
	idom[entry] = entry

	changed := true
	for changed {
		changed = false
		for _, b := range rpo {
			if b == entry {
				continue
			}
			var newIdom BlockID
			first := true
			for _, p := range g.Block(b).Preds {
				if _, ok := idom[p]; !ok {
					continue
				}
				if first {
					newIdom = p
					first = false
					continue
				}
				newIdom = intersect(idom, order, newIdom, p)
			}
			if first {
				continue // no processed predecessor yet
			}
			if cur, ok := idom[b]; !ok || cur != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	return idom
}

func intersect(idom map[BlockID]BlockID, order map[BlockID]int, a, b BlockID) BlockID {
	for a != b {
		for order[a] > order[b] {
			a = idom[a]
		}
		for order[b] > order[a] {
			b = idom[b]
		}
	}
	return a
}

// LoopDepths computes, for every block reachable from entry, the number
// of natural-loop back edges that enclose it. Used by the register
// allocator to weight spill cost (10^loop_depth per use/def, per
// spec.md §4.4).
func (g *Graph[N]) LoopDepths(entry BlockID) map[BlockID]int {
	idom := g.Dominators(entry)
	depth := make(map[BlockID]int)

	// A back edge is b -> h where h dominates b.
	dominates := func(h, b BlockID) bool {
		for cur := b; ; {
			if cur == h {
				return true
			}
			next, ok := idom[cur]
			if !ok || next == cur {
				return cur == h
			}
			cur = next
		}
	}

	for _, b := range g.Blocks() {
		blk := g.Block(b)
		for _, s := range blk.Succs {
			if dominates(s, b) {
				// s is a loop header; increment depth for every block in
				// the natural loop body via a backward reachability walk
				// restricted to blocks dominated-reachable without
				// leaving through the header.
				body := naturalLoopBody(g, s, b)
				for _, m := range body {
					depth[m]++
				}
			}
		}
	}
	return depth
}

// naturalLoopBody returns the header plus every block that can reach the
// latch (tail) without going through the header again.
func naturalLoopBody[N any](g *Graph[N], header, latch BlockID) []BlockID {
	body := map[BlockID]bool{header: true, latch: true}
	stack := []BlockID{latch}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == header {
			continue
		}
		for _, p := range g.Block(n).Preds {
			if !body[p] {
				body[p] = true
				stack = append(stack, p)
			}
		}
	}
	out := make([]BlockID, 0, len(body))
	for b := range body {
		out = append(out, b)
	}
	return out
}
