package lower

import (
	"sort"

	"netvm/bytecode"
	"netvm/cfg"
	"netvm/ir"
)

// denseThreshold is the maximum (max-min)/count ratio at which a switch is
// still considered dense enough for a jump table; above it, a balanced
// binary decision tree is cheaper (spec.md §4.3).
const denseThreshold = 4

type switchCaseRow struct {
	value  int32
	target cfg.BlockID
}

func lowerSwitch(f *Func, info *bytecode.Info, ii *bytecode.InstructionInfo, blk *cfg.Block[ir.Instr], blockOf map[int]cfg.BlockID, before int) {
	sw := ii.Switch
	defTarget := blockOf[info.Instructions[sw.DefaultTarget].BasicBlock]
	f.Graph.AddSucc(blk.ID, defTarget)

	if len(sw.Values) == 0 {
		// A switch with zero cases compiles to an unconditional jump to
		// its default target (spec.md §8 boundary behaviour).
		blk.Append(ir.New(ir.OpJmp, "switch-no-cases", ir.LabelOperand(defTarget)))
		return
	}

	rows := make([]switchCaseRow, len(sw.Values))
	for i, v := range sw.Values {
		rows[i] = switchCaseRow{value: v, target: blockOf[info.Instructions[sw.CaseTargets[i]].BasicBlock]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].value < rows[j].value })

	lo, hi := rows[0].value, rows[len(rows)-1].value
	span := int64(hi) - int64(lo) + 1
	dense := span > 0 && span <= int64(len(rows))*denseThreshold

	valueReg := slotReg(before)

	if dense {
		// Fill every integer in [lo, hi] so the emitted table is directly
		// indexable by (value - lo): gaps between case values dispatch to
		// defTarget without a separate range check at runtime.
		entry := &ir.SwitchEntry{DefaultTarget: defTarget, MinValue: lo, Dense: true}
		byValue := make(map[int32]cfg.BlockID, len(rows))
		for _, r := range rows {
			byValue[r.value] = r.target
			f.Graph.AddSucc(blk.ID, r.target)
		}
		for v := lo; v <= hi; v++ {
			target, ok := byValue[v]
			if !ok {
				target = defTarget
			}
			entry.Values = append(entry.Values, v)
			entry.CaseTargets = append(entry.CaseTargets, target)
		}
		in := ir.New(ir.OpSwitchJumpTable, "switch", ir.RegOperand(valueReg))
		in.SwitchEntry = entry
		blk.Append(in)
		return
	}

	// Sparse: lower directly into a balanced binary decision tree of
	// compare-and-branch instructions rather than deferring the strategy
	// choice to emission (spec.md §4.3: "the choice is made at lowering
	// time from the case vector").
	for _, r := range rows {
		f.Graph.AddSucc(blk.ID, r.target)
	}
	buildBalancedSwitch(f, blk, valueReg, rows, defTarget)
}

// buildBalancedSwitch recursively splits the sorted case rows at their
// midpoint: an equality compare dispatches straight to that case, a
// less-than compare branches to a fresh block holding the left half, and
// the right half continues inline (the block's fall-through path), so no
// block needs more than one extra successor edge beyond its case targets.
func buildBalancedSwitch(f *Func, blk *cfg.Block[ir.Instr], valueReg ir.Reg, rows []switchCaseRow, defTarget cfg.BlockID) {
	var build func(cur *cfg.Block[ir.Instr], lo, hi int)
	build = func(cur *cfg.Block[ir.Instr], lo, hi int) {
		if lo > hi {
			cur.Append(ir.New(ir.OpJmp, "switch-default", ir.LabelOperand(defTarget)))
			f.Graph.AddSucc(cur.ID, defTarget)
			return
		}

		mid := (lo + hi) / 2
		r := rows[mid]

		eqProbe := f.freshTemp()
		cur.Append(ir.New(ir.OpMov, "switch-eq-lhs", ir.RegOperand(eqProbe), ir.RegOperand(valueReg)))
		cur.Append(ir.New(ir.OpCmpEq, "eq", ir.RegOperand(eqProbe), ir.ImmOperand(int64(r.value))))
		cur.Append(ir.New(ir.OpJcc, "nz", ir.RegOperand(eqProbe), ir.LabelOperand(r.target)))
		f.Graph.AddSucc(cur.ID, r.target)

		if lo == hi {
			cur.Append(ir.New(ir.OpJmp, "switch-default", ir.LabelOperand(defTarget)))
			f.Graph.AddSucc(cur.ID, defTarget)
			return
		}

		ltProbe := f.freshTemp()
		cur.Append(ir.New(ir.OpMov, "switch-lt-lhs", ir.RegOperand(ltProbe), ir.RegOperand(valueReg)))
		cur.Append(ir.New(ir.OpCmpLt, "lt", ir.RegOperand(ltProbe), ir.ImmOperand(int64(r.value))))

		leftID := f.Graph.NewBlock()
		cur.Append(ir.New(ir.OpJcc, "nz", ir.RegOperand(ltProbe), ir.LabelOperand(leftID)))
		f.Graph.AddSucc(cur.ID, leftID)
		build(f.Graph.Block(leftID), lo, mid-1)

		// value > r.value falls through: continue the right half inline.
		build(cur, mid+1, hi)
	}
	build(blk, 0, len(rows)-1)
}
