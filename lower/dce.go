package lower

import "netvm/ir"

// sideEffecting reports whether an instruction must be kept regardless of
// whether its (possibly absent) result register is later used: stores,
// branches, calls, coprocessor operations, and bounds checks all fall
// here, mirroring the opcode table's FlagMayThrow / memory / coprocessor
// flags at the NetIL level.
func sideEffecting(in ir.Instr) bool {
	switch in.Op {
	case ir.OpStore, ir.OpJmp, ir.OpJcc, ir.OpCall, ir.OpRet,
		ir.OpBoundsCheck, ir.OpCoproWriteReg, ir.OpCoproInit, ir.OpCoproInvoke,
		ir.OpSwitchJumpTable, ir.OpNop:
		return true
	default:
		return false
	}
}

// EliminateDeadCode removes instructions whose single defined register is
// never read again before being redefined, scanning each block backward.
// It is NOT part of the core lowering contract (spec.md §4.3: "every
// defined-but-unused value is preserved; dead-code elimination is not
// part of the core contract") and must only run when JITFlags.DeadCodeElim
// opts in. Ported from the teacher's dce.go worklist shape, collapsed to
// a single backward per-block sweep since NetVM's non-SSA virtual
// registers already guarantee a value live into a successor block is
// never a purely-local temporary (see lower.go's slotReg/localReg note).
func EliminateDeadCode(f *Func) {
	for _, id := range f.Graph.Blocks() {
		blk := f.Graph.Block(id)
		live := map[ir.Reg]bool{}
		// Anything live-out of the block (its successors may read any
		// stack slot, local register or memory-area base register) must be
		// conservatively kept live-in too, since this pass does not compute
		// real liveness.
		for name := 0; name < f.MaxStack+f.NumLocals; name++ {
			live[ir.Reg{Space: ir.SpaceVirtual, Name: name}] = true
		}
		for a := AreaPacket; a <= AreaInfo; a++ {
			live[areaBaseReg(a)] = true
		}

		kept := make([]ir.Instr, 0, len(blk.Code))
		for i := len(blk.Code) - 1; i >= 0; i-- {
			in := blk.Code[i]
			defs := in.Defs()
			used := sideEffecting(in)
			if !used {
				for _, d := range defs {
					if live[d] {
						used = true
						break
					}
				}
			}
			if !used {
				continue // dead: drop it
			}
			for _, d := range defs {
				delete(live, d)
			}
			for _, u := range in.Uses() {
				live[u] = true
			}
			kept = append(kept, in)
		}
		// reverse kept back into program order
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
		blk.Code = kept
	}
}
