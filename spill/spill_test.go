package spill

import (
	"testing"

	"netvm/cfg"
	"netvm/ir"
	"netvm/lower"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func newFunc(maxStack int) (*lower.Func, *cfg.Block[ir.Instr]) {
	g := cfg.New[ir.Instr]()
	entry := g.NewBlock()
	g.Entry = entry
	f := &lower.Func{Graph: g, Entry: entry, MaxStack: maxStack, NumLocals: 0}
	return f, g.Block(entry)
}

func TestRewriteInsertsReloadBeforeUse(t *testing.T) {
	f, blk := newFunc(2)
	spilled := ir.Reg{Space: ir.SpaceVirtual, Name: 0}
	dst := ir.Reg{Space: ir.SpaceVirtual, Name: 1}
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(dst), ir.RegOperand(spilled)))
	blk.Append(ir.New(ir.OpRet, ""))

	s := New(Config{})
	newTemps := s.Rewrite(f, []ir.Reg{spilled})
	assert(t, len(newTemps) == 1, "expected exactly one fresh temp for the single use, got %d", len(newTemps))

	code := f.Graph.Block(f.Entry).Code
	assert(t, len(code) == 3, "expected reload + mov + ret, got %d instructions", len(code))
	assert(t, code[0].Op == ir.OpLoad, "expected the reload to be an OpLoad, got %v", code[0].Op)
	assert(t, code[0].Operands[0].Reg.Equal(newTemps[0]), "reload should define the fresh temp")
	assert(t, code[1].Operands[1].Reg.Equal(newTemps[0]), "the rewritten mov should read the fresh temp, not the spilled register")
	assert(t, code[2].Op == ir.OpRet, "ret must survive untouched")
}

func TestRewriteInsertsStoreAfterDef(t *testing.T) {
	f, blk := newFunc(2)
	spilled := ir.Reg{Space: ir.SpaceVirtual, Name: 0}
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(spilled), ir.ImmOperand(5)))
	blk.Append(ir.New(ir.OpRet, ""))

	s := New(Config{})
	newTemps := s.Rewrite(f, []ir.Reg{spilled})
	assert(t, len(newTemps) == 1, "expected exactly one fresh temp for the single def, got %d", len(newTemps))

	code := f.Graph.Block(f.Entry).Code
	assert(t, len(code) == 3, "expected mov + store + ret, got %d instructions", len(code))
	assert(t, code[0].Op == ir.OpMov, "rewritten def instruction should still be a mov")
	assert(t, code[0].Operands[0].Reg.Equal(newTemps[0]), "the rewritten def should target the fresh temp, not the spilled register")
	assert(t, code[1].Op == ir.OpStore, "expected a store immediately after the spilled def")
	assert(t, code[1].Operands[1].Reg.Equal(newTemps[0]), "the store should write back the fresh temp")
}

func TestRewriteSharesOneTempForUseAndDefOnSameInstruction(t *testing.T) {
	f, blk := newFunc(2)
	spilled := ir.Reg{Space: ir.SpaceVirtual, Name: 0}
	// neg reads and writes the same register: both a use and a def of
	// spilled, so the spiller must reuse a single reload temp per
	// spec.md's "one R' per (instruction, R)" rule rather than allocating
	// two.
	blk.Append(ir.New(ir.OpNeg, "", ir.RegOperand(spilled)))
	blk.Append(ir.New(ir.OpRet, ""))

	s := New(Config{})
	newTemps := s.Rewrite(f, []ir.Reg{spilled})
	assert(t, len(newTemps) == 1, "expected one shared temp for a register that is both used and defined, got %d", len(newTemps))
}

func TestFrameSizeAccountsForSlotSize(t *testing.T) {
	f, blk := newFunc(2)
	r0 := ir.Reg{Space: ir.SpaceVirtual, Name: 0}
	r1 := ir.Reg{Space: ir.SpaceVirtual, Name: 1}
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(r0), ir.ImmOperand(1)))
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(r1), ir.ImmOperand(2)))
	blk.Append(ir.New(ir.OpRet, ""))

	s := New(Config{SlotSize: 16})
	s.Rewrite(f, []ir.Reg{r0, r1})
	assert(t, s.FrameSize() == 32, "expected frame size 2 slots * 16 bytes = 32, got %d", s.FrameSize())
}

func TestMemForUsesEightByteScale(t *testing.T) {
	s := New(Config{})
	mem := s.memFor(slot{index: 2})
	assert(t, mem.Scale == ir.Scale8, "spill slots must be addressed at an 8-byte scale regardless of the narrower packet/data widths lowerMemOp uses, got %v", mem.Scale)
	assert(t, mem.Flags&ir.AddrScale != 0, "expected AddrScale set on a spill slot's memory operand")
	assert(t, mem.Base.Equal(FramePointer), "spill slots must address off the sentinel frame pointer")
	assert(t, mem.Displ == int32(2*s.cfg.SlotSize), "expected displacement index*SlotSize, got %d", mem.Displ)
}

func TestVectorSlotsUseXMMMoveInsteadOfMemory(t *testing.T) {
	f, blk := newFunc(2)
	spilled := ir.Reg{Space: ir.SpaceVirtual, Name: 0}
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(ir.Reg{Space: ir.SpaceVirtual, Name: 1}), ir.RegOperand(spilled)))
	blk.Append(ir.New(ir.OpRet, ""))

	s := New(Config{VectorSlots: 1})
	s.Rewrite(f, []ir.Reg{spilled})

	code := f.Graph.Block(f.Entry).Code
	assert(t, code[0].Op == ir.OpMov, "a vector-backed reload should be a register move, not a memory load, got %v", code[0].Op)
	assert(t, code[0].Operands[1].Reg.Space == ir.SpaceXMM, "a vector-backed reload should read from an XMM-space register")
}
