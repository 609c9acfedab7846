// Package spill implements the target-specific reload/store insertion pass
// that runs after a register allocator round reports spilled virtuals: it
// rewrites the lowered IR so every spilled register is backed by a stack
// slot (or, for the first few, a vector register), never appearing as a
// spill-space register by the time the allocator's next round runs.
package spill

import (
	"netvm/ir"
	"netvm/lower"
)

// FramePointer is the sentinel machine register every memory slot operand
// uses as its base. The spiller itself is target-independent; the emitter
// is responsible for recognising this sentinel and substituting the
// target's actual frame-pointer register when encoding.
var FramePointer = ir.Reg{Space: ir.SpaceMachine, Name: -1}

// Config controls slot assignment.
type Config struct {
	// VectorSlots is the number of spilled registers (by spill order) that
	// live in a vector register instead of a stack slot. Semantics are
	// identical either way; this only matters on targets with spare XMM-
	// class registers. Zero on targets without one.
	VectorSlots int
	// SlotSize is the byte size of one memory slot; defaults to 8.
	SlotSize int
}

type slot struct {
	index  int
	vector bool
}

// Spiller assigns stack slots to spilled virtuals and rewrites uses/defs
// around them. One Spiller instance serves every allocator outer-iteration
// restart of one segment: slot indices keep counting across Rewrite calls,
// so each spilled virtual gets a slot of its own and FrameSize covers every
// round. The allocator's next Build call sees only ordinary virtual
// registers (the newly introduced reload/store temps).
type Spiller struct {
	cfg   Config
	slots map[ir.Reg]slot
}

// New creates a Spiller with the given configuration.
func New(cfg Config) *Spiller {
	if cfg.SlotSize == 0 {
		cfg.SlotSize = 8
	}
	return &Spiller{cfg: cfg, slots: map[ir.Reg]slot{}}
}

// FrameSize returns the number of bytes of stack space this spiller's
// memory (non-vector) slots require.
func (s *Spiller) FrameSize() int {
	maxIdx := -1
	for _, sl := range s.slots {
		if sl.vector {
			continue
		}
		if sl.index > maxIdx {
			maxIdx = sl.index
		}
	}
	return (maxIdx + 1) * s.cfg.SlotSize
}

// Rewrite inserts reload/store sequences for every register in spilled,
// mutating f's graph in place. It returns the freshly introduced
// temporaries; the allocator's next Build call recognises them as newTemps
// by their register names, which lie past the stack and local range, so
// SelectSpill prefers not to re-spill them immediately.
func (s *Spiller) Rewrite(f *lower.Func, spilled []ir.Reg) []ir.Reg {
	for _, r := range spilled {
		n := len(s.slots)
		s.slots[r] = slot{index: n, vector: n < s.cfg.VectorSlots}
	}

	var newTemps []ir.Reg
	for _, id := range f.Graph.Blocks() {
		blk := f.Graph.Block(id)
		rewritten := make([]ir.Instr, 0, len(blk.Code))
		for _, orig := range blk.Code {
			in := orig
			uses := in.Uses()
			defs := in.Defs()

			// temps maps a spilled register to the one fresh virtual that
			// stands in for it in this instruction, shared across every
			// operand slot that names it (spec.md §4.5's "one R' per
			// (instruction, R)").
			temps := map[ir.Reg]ir.Reg{}
			var pre []ir.Instr
			for _, u := range uses {
				sl, ok := s.slots[u]
				if !ok {
					continue
				}
				if _, done := temps[u]; done {
					continue
				}
				tmp := f.FreshTemp()
				temps[u] = tmp
				newTemps = append(newTemps, tmp)
				pre = append(pre, s.reloadInstr(sl, tmp))
			}
			for _, d := range defs {
				if _, ok := s.slots[d]; !ok {
					continue
				}
				if _, already := temps[d]; already {
					continue // same register was also a use: reuse its reload temp
				}
				tmp := f.FreshTemp()
				temps[d] = tmp
				newTemps = append(newTemps, tmp)
			}

			for old, tmp := range temps {
				for i := 0; i < in.NumOps; i++ {
					in.Operands[i] = substituteReg(in.Operands[i], old, tmp)
				}
			}

			rewritten = append(rewritten, pre...)
			rewritten = append(rewritten, in)
			for _, d := range defs {
				sl, ok := s.slots[d]
				if !ok {
					continue
				}
				rewritten = append(rewritten, s.storeInstr(sl, temps[d]))
			}
		}
		blk.Code = rewritten
	}
	return newTemps
}

// memFor addresses a spill slot as a full 8-byte word (AddrScale/Scale8):
// spilled values are whole register contents, never the narrower
// packet/data loads lowerMemOp produces, so reload/store must read back
// every byte the matching store wrote.
func (s *Spiller) memFor(sl slot) ir.Mem {
	return ir.Mem{Flags: ir.AddrBase | ir.AddrDispl | ir.AddrScale, Base: FramePointer, Scale: ir.Scale8, Displ: int32(sl.index * s.cfg.SlotSize)}
}

func (s *Spiller) vectorReg(sl slot) ir.Reg {
	return ir.Reg{Space: ir.SpaceXMM, Name: sl.index}
}

func (s *Spiller) reloadInstr(sl slot, dst ir.Reg) ir.Instr {
	if sl.vector {
		return ir.New(ir.OpMov, "reload-vec", ir.RegOperand(dst), ir.RegOperand(s.vectorReg(sl)))
	}
	return ir.New(ir.OpLoad, "reload", ir.RegOperand(dst), ir.MemOperand(s.memFor(sl)))
}

func (s *Spiller) storeInstr(sl slot, src ir.Reg) ir.Instr {
	if sl.vector {
		return ir.New(ir.OpMov, "spill-vec", ir.RegOperand(s.vectorReg(sl)), ir.RegOperand(src))
	}
	return ir.New(ir.OpStore, "spill", ir.MemOperand(s.memFor(sl)), ir.RegOperand(src))
}

func substituteReg(op ir.Operand, old, replacement ir.Reg) ir.Operand {
	switch op.Kind {
	case ir.OperandReg:
		if op.Reg.Equal(old) {
			op.Reg = replacement
		}
	case ir.OperandMem:
		if op.Mem.Flags&ir.AddrBase != 0 && op.Mem.Base.Equal(old) {
			op.Mem.Base = replacement
		}
		if op.Mem.Flags&ir.AddrIndex != 0 && op.Mem.Index.Equal(old) {
			op.Mem.Index = replacement
		}
	}
	return op
}
