package regalloc

import (
	"netvm/cfg"
	"netvm/ir"
	"netvm/lower"
)

// liveness holds per-block live-in/live-out register sets, recomputed to
// a fixpoint by backward dataflow.
type liveness struct {
	liveIn  map[cfg.BlockID]map[ir.Reg]bool
	liveOut map[cfg.BlockID]map[ir.Reg]bool
}

func computeLiveness(f *lower.Func) *liveness {
	lv := &liveness{
		liveIn:  map[cfg.BlockID]map[ir.Reg]bool{},
		liveOut: map[cfg.BlockID]map[ir.Reg]bool{},
	}
	ids := f.Graph.Blocks()
	for _, id := range ids {
		lv.liveIn[id] = map[ir.Reg]bool{}
		lv.liveOut[id] = map[ir.Reg]bool{}
	}

	changed := true
	for changed {
		changed = false
		// Process in reverse-postorder for faster convergence, though
		// correctness doesn't depend on order.
		for _, id := range reversed(f.Graph.ReversePostorder(f.Entry)) {
			blk := f.Graph.Block(id)
			out := map[ir.Reg]bool{}
			for _, s := range blk.Succs {
				for r := range lv.liveIn[s] {
					out[r] = true
				}
			}
			in := map[ir.Reg]bool{}
			for r := range out {
				in[r] = true
			}
			for i := len(blk.Code) - 1; i >= 0; i-- {
				instr := blk.Code[i]
				for _, d := range instr.Defs() {
					delete(in, d)
				}
				for _, u := range instr.Uses() {
					in[u] = true
				}
			}
			if !setEqual(in, lv.liveIn[id]) || !setEqual(out, lv.liveOut[id]) {
				lv.liveIn[id] = in
				lv.liveOut[id] = out
				changed = true
			}
		}
	}
	return lv
}

func reversed(ids []cfg.BlockID) []cfg.BlockID {
	out := make([]cfg.BlockID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func setEqual(a, b map[ir.Reg]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
