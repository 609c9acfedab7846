// Package regalloc implements the Chaitin–Briggs graph-coloring register
// allocator with iterative coalescing (Appel/George), per spec.md §4.4.
package regalloc

import (
	"math"
	"sort"

	"netvm/cfg"
	"netvm/ir"
	"netvm/lower"
)

// Config fixes the machine's color count and which registers start
// precolored (already bound to a specific machine register before
// allocation begins — e.g. calling-convention argument registers).
type Config struct {
	K          int
	Precolored map[ir.Reg]int // register -> color
}

// move is one copy instruction the allocator may coalesce away.
type move struct {
	blockID  cfg.BlockID
	instrIdx int
	dst, src ir.Reg
}

// node is one register considered by this allocation round: either an
// original virtual register or a freshly introduced reload/store
// temporary from a prior Spiller pass (newTemps).
type node struct {
	reg      ir.Reg
	degree   int
	adj      *nodeSet // neighbor node ids
	alias    int       // union-find parent once coalesced; self if un-coalesced
	moves    []int     // indices into allMoves touching this node
	cost     float64   // spill cost: sum of 10^loop_depth over uses+defs
	isNew    bool      // true for spiller-introduced temporaries
	precolor int       // color if precolored, -1 otherwise
}

// Result is the allocator's output for one round.
type Result struct {
	Color      map[ir.Reg]int  // assigned machine colors, by original register
	Coalesced  map[ir.Reg]ir.Reg // register -> the register it was merged into
	Spilled    []ir.Reg        // registers that must go through the Spiller
}

// Allocator runs one outer iteration (Build..AssignColors) of the
// algorithm. Callers drive the Build-Spill-rebuild loop described in
// spec.md §4.4 step 5 themselves (see Allocate below), because each
// restart requires re-lowering through a fresh Spiller pass that this
// package does not own.
type Allocator struct {
	cfgK       Config
	f          *lower.Func
	nodes      []node
	regToNode  map[ir.Reg]int
	allMoves   []move

	precolored     *nodeSet
	initial        *nodeSet
	simplifyWL     *nodeSet
	freezeWL       *nodeSet
	spillWL        *nodeSet
	spilledNodes   *nodeSet
	coalescedNodes *nodeSet
	coloredNodes   *nodeSet
	selectStack    []int

	coalescedMoves   *moveSet
	constrainedMoves *moveSet
	frozenMoves      *moveSet
	worklistMoves    *moveSet
	activeMoves      *moveSet

	colors map[int]int // assigned machine color per node id
}

// Allocate runs the Build→AssignColors pipeline, and when spills occur,
// expects the caller to run the Spiller and call Allocate again on the
// rewritten function — mirroring spec.md §4.4 step 5's outer-iteration
// restart. It does not loop internally so callers can log/limit retries.
func Allocate(f *lower.Func, cfg Config) *Result {
	a := &Allocator{cfgK: cfg, f: f, regToNode: map[ir.Reg]int{}}
	a.build()
	a.makeWorklist()
	for !a.simplifyWL.Empty() || !a.worklistMoves.Empty() || !a.freezeWL.Empty() || !a.spillWL.Empty() {
		switch {
		case !a.simplifyWL.Empty():
			a.simplify()
		case !a.worklistMoves.Empty():
			a.coalesce()
		case !a.freezeWL.Empty():
			a.freeze()
		case !a.spillWL.Empty():
			a.selectSpill()
		}
	}
	return a.assignColors()
}

func (a *Allocator) nodeOf(r ir.Reg) int {
	if id, ok := a.regToNode[r]; ok {
		return id
	}
	id := len(a.nodes)
	precolor := -1
	if c, ok := a.cfgK.Precolored[r]; ok {
		precolor = c
	}
	// A virtual register named beyond the segment's original stack-slot
	// and local range was introduced by freshTemp, which the Spiller
	// reuses for reload/store temporaries across rounds (lower.go's
	// NextVTemp comment); selectSpill avoids re-spilling these.
	isNew := r.Space == ir.SpaceVirtual && r.Name >= a.f.MaxStack+a.f.NumLocals
	a.nodes = append(a.nodes, node{reg: r, alias: id, precolor: precolor, isNew: isNew})
	a.regToNode[r] = id
	return id
}

// build runs liveness and adds interference edges per spec.md §4.4 step 1:
// every defined register interferes with every register live after the
// instruction, except that a move's src is taken out of the live set
// first, so the move's dst gets no edge to its own src; every move becomes
// a coalescing candidate instead.
func (a *Allocator) build() {
	lv := computeLiveness(a.f)
	loopDepth := a.f.Graph.LoopDepths(a.f.Entry)

	for _, id := range a.f.Graph.Blocks() {
		blk := a.f.Graph.Block(id)
		live := map[ir.Reg]bool{}
		for r := range lv.liveOut[id] {
			live[r] = true
		}
		cost := math.Pow(10, float64(loopDepth[id]))

		for i := len(blk.Code) - 1; i >= 0; i-- {
			instr := blk.Code[i]
			defs := instr.Defs()
			uses := instr.Uses()

			if instr.IsMoveLike() {
				d := instr.Operands[0].Reg
				s := instr.Operands[1].Reg
				delete(live, s) // a move's src shouldn't force a dst/src interference edge below
				mi := len(a.allMoves)
				a.allMoves = append(a.allMoves, move{blockID: id, instrIdx: i, dst: d, src: s})
				dn, sn := a.nodeOf(d), a.nodeOf(s)
				a.nodes[dn].moves = append(a.nodes[dn].moves, mi)
				a.nodes[sn].moves = append(a.nodes[sn].moves, mi)
			}

			for _, d := range defs {
				dn := a.nodeOf(d)
				for l := range live {
					a.addEdge(dn, a.nodeOf(l))
				}
			}
			for _, d := range defs {
				a.nodes[a.nodeOf(d)].cost += cost
				delete(live, d)
			}
			for _, u := range uses {
				a.nodes[a.nodeOf(u)].cost += cost
				live[u] = true
			}
		}
	}
}

func (a *Allocator) addEdge(u, v int) {
	if u == v {
		return
	}
	un, vn := &a.nodes[u], &a.nodes[v]
	if un.precolor < 0 {
		if un.adj == nil {
			un.adj = newNodeSet(0)
		}
		a.ensureAdjSize(u)
		if !un.adj.Has(v) {
			un.adj.Add(v)
			un.degree++
		}
	}
	if vn.precolor < 0 {
		a.ensureAdjSize(v)
		if !vn.adj.Has(u) {
			vn.adj.Add(u)
			vn.degree++
		}
	}
}

// ensureAdjSize grows a node's adjacency bit-vector to cover every node
// allocated so far; nodeOf can introduce new nodes after earlier ones'
// adjacency sets were sized.
func (a *Allocator) ensureAdjSize(n int) {
	node := &a.nodes[n]
	need := len(a.nodes)
	if node.adj == nil {
		node.adj = newNodeSet(need)
		return
	}
	if len(node.adj.bits) < need {
		grown := make([]bool, need)
		copy(grown, node.adj.bits)
		node.adj.bits = grown
	}
}

func (a *Allocator) degree(n int) int { return a.nodes[n].degree }

func (a *Allocator) moveRelated(n int) bool {
	for _, mi := range a.nodes[n].moves {
		if a.worklistMoves.Has(mi) || a.activeMoves.Has(mi) {
			return true
		}
	}
	return false
}

func (a *Allocator) makeWorklist() {
	total := len(a.nodes)
	a.precolored = newNodeSet(total)
	a.initial = newNodeSet(total)
	a.simplifyWL = newNodeSet(total)
	a.freezeWL = newNodeSet(total)
	a.spillWL = newNodeSet(total)
	a.spilledNodes = newNodeSet(total)
	a.coalescedNodes = newNodeSet(total)
	a.coloredNodes = newNodeSet(total)

	a.coalescedMoves = newMoveSet(len(a.allMoves))
	a.constrainedMoves = newMoveSet(len(a.allMoves))
	a.frozenMoves = newMoveSet(len(a.allMoves))
	a.worklistMoves = newMoveSet(len(a.allMoves))
	a.activeMoves = newMoveSet(len(a.allMoves))
	for i := range a.allMoves {
		a.worklistMoves.Add(i)
	}

	for i := range a.nodes {
		a.ensureAdjSize(i)
		if a.nodes[i].precolor >= 0 {
			a.precolored.Add(i)
			a.coloredNodes.Add(i)
			continue
		}
		a.initial.Add(i)
	}
	a.initial.Each(func(n int) {
		switch {
		case a.degree(n) >= a.cfgK.K:
			a.spillWL.Add(n)
		case a.moveRelated(n):
			a.freezeWL.Add(n)
		default:
			a.simplifyWL.Add(n)
		}
	})
}

func (a *Allocator) simplify() {
	n, ok := a.simplifyWL.Pop()
	if !ok {
		return
	}
	a.selectStack = append(a.selectStack, n)
	a.nodes[n].adj.Each(func(m int) {
		a.decrementDegree(m)
	})
}

func (a *Allocator) decrementDegree(m int) {
	if a.precolored.Has(m) {
		return
	}
	d := a.nodes[m].degree
	a.nodes[m].degree = d - 1
	if d == a.cfgK.K {
		adjacent := a.adjacentOf(m)
		enable := append([]int{m}, adjacent...)
		for _, x := range enable {
			a.enableMoves(x)
		}
		a.spillWL.Remove(m)
		if a.moveRelated(m) {
			a.freezeWL.Add(m)
		} else {
			a.simplifyWL.Add(m)
		}
	}
}

func (a *Allocator) adjacentOf(n int) []int {
	var out []int
	a.nodes[n].adj.Each(func(m int) {
		if !a.selectedOrCoalesced(m) {
			out = append(out, m)
		}
	})
	return out
}

func (a *Allocator) selectedOrCoalesced(n int) bool {
	if a.coalescedNodes.Has(n) {
		return true
	}
	for _, s := range a.selectStack {
		if s == n {
			return true
		}
	}
	return false
}

func (a *Allocator) enableMoves(n int) {
	for _, mi := range a.nodes[n].moves {
		if a.activeMoves.Has(mi) {
			a.activeMoves.Remove(mi)
			a.worklistMoves.Add(mi)
		}
	}
}

func (a *Allocator) alias(n int) int {
	for a.coalescedNodes.Has(n) {
		n = a.nodes[n].alias
	}
	return n
}

func (a *Allocator) coalesce() {
	mi, ok := a.worklistMoves.Pop()
	if !ok {
		return
	}
	mv := a.allMoves[mi]
	x := a.alias(a.regToNode[mv.dst])
	y := a.alias(a.regToNode[mv.src])
	u, v := x, y
	if a.precolored.Has(y) {
		u, v = y, x
	}

	switch {
	case u == v:
		a.coalescedMoves.Add(mi)
		a.addWorklist(u)
	case a.precolored.Has(v) || a.nodes[u].adj.Has(v):
		a.constrainedMoves.Add(mi)
		a.addWorklist(u)
		a.addWorklist(v)
	case (a.precolored.Has(u) && a.briggsOK(u, v)) ||
		(!a.precolored.Has(u) && a.georgeOK(u, v)):
		a.coalescedMoves.Add(mi)
		a.combine(u, v)
		a.addWorklist(u)
	default:
		a.activeMoves.Add(mi)
	}
}

func (a *Allocator) addWorklist(n int) {
	if !a.precolored.Has(n) && !a.moveRelated(n) && a.degree(n) < a.cfgK.K {
		a.freezeWL.Remove(n)
		a.simplifyWL.Add(n)
	}
}

// briggsOK: the number of neighbors of u∪v with degree ≥ K is fewer than K.
func (a *Allocator) briggsOK(u, v int) bool {
	k := 0
	seen := map[int]bool{}
	check := func(n int) {
		if seen[n] {
			return
		}
		seen[n] = true
		if a.degree(n) >= a.cfgK.K {
			k++
		}
	}
	a.nodes[u].adj.Each(check)
	a.nodes[v].adj.Each(check)
	return k < a.cfgK.K
}

// georgeOK: every neighbor t of v is already interfering with u, or has
// low degree.
func (a *Allocator) georgeOK(u, v int) bool {
	ok := true
	a.nodes[v].adj.Each(func(t int) {
		if !ok {
			return
		}
		if a.degree(t) < a.cfgK.K || a.precolored.Has(t) || a.nodes[t].adj.Has(u) {
			return
		}
		ok = false
	})
	return ok
}

func (a *Allocator) combine(u, v int) {
	a.freezeWL.Remove(v)
	a.spillWL.Remove(v)
	a.coalescedNodes.Add(v)
	a.nodes[v].alias = u
	a.nodes[u].moves = append(a.nodes[u].moves, a.nodes[v].moves...)
	a.nodes[u].cost += a.nodes[v].cost
	a.ensureAdjSize(u)
	a.nodes[v].adj.Each(func(t int) {
		a.addEdge(u, t)
		a.decrementDegree(t)
	})
	if a.degree(u) >= a.cfgK.K && a.freezeWL.Has(u) {
		a.freezeWL.Remove(u)
		a.spillWL.Add(u)
	}
}

func (a *Allocator) freeze() {
	n, ok := a.freezeWL.Pop()
	if !ok {
		return
	}
	a.simplifyWL.Add(n)
	a.freezeMoves(n)
}

func (a *Allocator) freezeMoves(n int) {
	for _, mi := range a.nodes[n].moves {
		if !a.activeMoves.Has(mi) && !a.worklistMoves.Has(mi) {
			continue
		}
		mv := a.allMoves[mi]
		v := a.alias(a.regToNode[mv.src])
		if v == a.alias(n) {
			v = a.alias(a.regToNode[mv.dst])
		}
		a.activeMoves.Remove(mi)
		a.worklistMoves.Remove(mi)
		a.frozenMoves.Add(mi)
		if !a.precolored.Has(v) && !a.moveRelated(v) && a.degree(v) < a.cfgK.K {
			a.freezeWL.Remove(v)
			a.simplifyWL.Add(v)
		}
	}
}

// selectSpill picks a high-degree node minimising cost/degree, preferring
// not to re-spill freshly introduced spill temporaries, and pretends it
// is low-degree so the main loop can simplify it.
func (a *Allocator) selectSpill() {
	var best int = -1
	bestRatio := math.Inf(1)
	a.spillWL.Each(func(n int) {
		if a.nodes[n].isNew {
			return
		}
		ratio := a.nodes[n].cost / float64(a.degree(n))
		if ratio < bestRatio || (ratio == bestRatio && (best == -1 || a.nodes[n].reg.Name < a.nodes[best].reg.Name)) {
			best = n
			bestRatio = ratio
		}
	})
	if best == -1 {
		// every candidate is a new temp: spill the cheapest anyway
		a.spillWL.Each(func(n int) {
			ratio := a.nodes[n].cost / float64(a.degree(n))
			if ratio < bestRatio {
				best, bestRatio = n, ratio
			}
		})
	}
	a.spillWL.Remove(best)
	a.simplifyWL.Add(best)
	a.freezeMoves(best)
}

func (a *Allocator) assignColors() *Result {
	res := &Result{Color: map[ir.Reg]int{}, Coalesced: map[ir.Reg]ir.Reg{}}
	for i := len(a.selectStack) - 1; i >= 0; i-- {
		n := a.selectStack[i]
		forbidden := map[int]bool{}
		a.nodes[n].adj.Each(func(w int) {
			alias := a.alias(w)
			if a.coloredNodes.Has(alias) || a.precolored.Has(alias) {
				forbidden[a.colorOf(alias)] = true
			}
		})
		color := -1
		for c := 0; c < a.cfgK.K; c++ {
			if !forbidden[c] {
				color = c
				break
			}
		}
		if color == -1 {
			a.spilledNodes.Add(n)
		} else {
			a.coloredNodes.Add(n)
			a.setColor(n, color)
		}
	}
	a.coalescedNodes.Each(func(n int) {
		a.setColor(n, a.colorOf(a.alias(n)))
	})

	for i, nd := range a.nodes {
		switch {
		case a.spilledNodes.Has(i):
			res.Spilled = append(res.Spilled, nd.reg)
		case a.coalescedNodes.Has(i):
			res.Coalesced[nd.reg] = a.nodes[a.alias(i)].reg
			res.Color[nd.reg] = a.colorOf(a.alias(i))
		default:
			if c, ok := a.colors[i]; ok {
				res.Color[nd.reg] = c
			} else if nd.precolor >= 0 {
				res.Color[nd.reg] = nd.precolor
			}
		}
	}
	sort.Slice(res.Spilled, func(i, j int) bool { return res.Spilled[i].Name < res.Spilled[j].Name })
	return res
}

func (a *Allocator) setColor(n, c int) {
	if a.colors == nil {
		a.colors = map[int]int{}
	}
	a.colors[n] = c
}

func (a *Allocator) colorOf(n int) int {
	if a.nodes[n].precolor >= 0 {
		return a.nodes[n].precolor
	}
	return a.colors[n]
}
