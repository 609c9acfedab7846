// Package trace orders a lowered function's basic blocks into a single
// linear sequence that maximises fall-through: after each block, the
// emitter should prefer to emit next whichever successor program flow
// actually takes most often, so straight-line code needs no branch at all.
package trace

import (
	"netvm/cfg"
	"netvm/ir"
)

// PositionProp is the cfg.Graph block property key Build stamps with each
// block's 0-based position in the chosen trace.
const PositionProp = "trace.position"

// Build computes the trace order and records each block's position as a
// graph property (spec.md §3's "trace position" use of the per-block
// property map), returning the order for the emitter to walk directly.
func Build(g *cfg.Graph[ir.Instr], entry cfg.BlockID) []cfg.BlockID {
	order := Order(g, entry)
	for i, id := range order {
		g.SetProp(id, PositionProp, i)
	}
	return order
}

// Order greedily extends each block with its most-likely-taken successor —
// the non-branch fall-through for conditional branches, the single
// successor for unconditional jumps/calls, the default target for ordered
// switches — and falls back to the next unemitted block in reverse-
// postorder once a chain runs out.
func Order(g *cfg.Graph[ir.Instr], entry cfg.BlockID) []cfg.BlockID {
	rpo := g.ReversePostorder(entry)
	emitted := make(map[cfg.BlockID]bool, len(rpo))
	order := make([]cfg.BlockID, 0, len(rpo))

	rpoIdx := 0
	next := func() (cfg.BlockID, bool) {
		for rpoIdx < len(rpo) {
			b := rpo[rpoIdx]
			rpoIdx++
			if !emitted[b] {
				return b, true
			}
		}
		return 0, false
	}

	cur, ok := next()
	for ok {
		order = append(order, cur)
		emitted[cur] = true
		if succ, has := preferredSuccessor(g, cur, emitted); has {
			cur = succ
			continue
		}
		cur, ok = next()
	}
	return order
}

func preferredSuccessor(g *cfg.Graph[ir.Instr], id cfg.BlockID, emitted map[cfg.BlockID]bool) (cfg.BlockID, bool) {
	blk := g.Block(id)
	if len(blk.Code) == 0 {
		return fallthroughCandidate(blk, emitted)
	}

	last := blk.Code[len(blk.Code)-1]
	switch last.Op {
	case ir.OpJmp, ir.OpCall:
		if len(blk.Succs) == 1 && !emitted[blk.Succs[0]] {
			return blk.Succs[0], true
		}
	case ir.OpJcc:
		// Prefer whichever successor is NOT the branch's labeled target:
		// that is the straight-line fall-through path.
		target := last.Operands[1].Label
		for _, s := range blk.Succs {
			if s != target && !emitted[s] {
				return s, true
			}
		}
	case ir.OpSwitchJumpTable:
		if last.SwitchEntry != nil && !emitted[last.SwitchEntry.DefaultTarget] {
			return last.SwitchEntry.DefaultTarget, true
		}
	}
	return fallthroughCandidate(blk, emitted)
}

func fallthroughCandidate(blk *cfg.Block[ir.Instr], emitted map[cfg.BlockID]bool) (cfg.BlockID, bool) {
	if len(blk.Succs) == 1 && !emitted[blk.Succs[0]] {
		return blk.Succs[0], true
	}
	return 0, false
}
