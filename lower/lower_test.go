package lower

import (
	"testing"

	"netvm/bytecode"
	"netvm/cfg"
	"netvm/ir"
	"netvm/verifier"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func analyse(t *testing.T, seg *bytecode.Segment) *bytecode.Info {
	t.Helper()
	info, errs := verifier.Analyse(seg)
	if !errs.Empty() {
		t.Fatalf("verifier rejected test segment: %v", errs)
	}
	return info
}

func countOps(f *Func, op ir.Op) int {
	n := 0
	for _, id := range f.Graph.Blocks() {
		for _, in := range f.Graph.Block(id).Code {
			if in.Op == op {
				n++
			}
		}
	}
	return n
}

func TestLowerPushAddProducesOneBlock(t *testing.T) {
	// pushb 3; pushb 4; add; pop; ret
	code := []byte{0x04, 3, 0x04, 4, 0x10, 0x01, 0x46}
	seg := &bytecode.Segment{Kind: bytecode.KindInit, MaxStackSize: 2, Code: code}
	info := analyse(t, seg)

	f := Lower(info)
	assert(t, f.Graph.Len() == 1, "straight-line code should lower to one block, got %d", f.Graph.Len())
	assert(t, countOps(f, ir.OpAdd) == 1, "expected exactly one OpAdd, got %d", countOps(f, ir.OpAdd))
	assert(t, countOps(f, ir.OpRet) == 1, "expected exactly one OpRet, got %d", countOps(f, ir.OpRet))
}

func TestLowerBranchSplitsBlocks(t *testing.T) {
	// pushb 1; jumpc -> ret (offset 7); pushb 0; pop; ret
	//
	// jumpc consumes the pushed condition, so both the taken branch and
	// the fallthrough path (pushb 0; pop) reach ret at stack depth 0.
	code := []byte{
		0x04, 1, // 0: pushb 1
		0x42, 3, // 2: jumpc rel=3 -> targets offset (2+1+1)+3=7
		0x04, 0, // 4: pushb 0
		0x01,    // 6: pop
		0x46,    // 7: ret
	}
	seg := &bytecode.Segment{Kind: bytecode.KindInit, MaxStackSize: 1, Code: code}
	info := analyse(t, seg)

	f := Lower(info)
	assert(t, f.Graph.Len() >= 2, "a conditional branch should split the function into at least 2 blocks, got %d", f.Graph.Len())
	assert(t, countOps(f, ir.OpJcc) == 1, "expected exactly one OpJcc, got %d", countOps(f, ir.OpJcc))
}

func TestLowerMemOpEmitsBoundsCheckAndAreaPrologue(t *testing.T) {
	// pushb 0; pkt_ld8u; pop; ret
	ldOpcode := byte(0x50) // first opcode registered by memOp(0x50, "pkt", ...): pkt_ld8u
	code := []byte{0x04, 0, ldOpcode, 0x01, 0x46}
	seg := &bytecode.Segment{Kind: bytecode.KindInit, MaxStackSize: 1, Code: code}
	info := analyse(t, seg)
	assert(t, info.Use&bytecode.UsesPacket != 0, "segment should be flagged as using the packet area")

	f := Lower(info)
	assert(t, countOps(f, ir.OpLoadArea) == 1, "expected one OpLoadArea prologue instruction for the packet area, got %d", countOps(f, ir.OpLoadArea))
	assert(t, countOps(f, ir.OpBoundsCheck) == 1, "expected one OpBoundsCheck before the load, got %d", countOps(f, ir.OpBoundsCheck))
	assert(t, countOps(f, ir.OpLoad) == 1, "expected one OpLoad, got %d", countOps(f, ir.OpLoad))
}

func TestEliminateDeadCodeDropsUnusedDefine(t *testing.T) {
	g := cfg.New[ir.Instr]()
	entry := g.NewBlock()
	g.Entry = entry
	f := &Func{Graph: g, Entry: entry, MaxStack: 0, NumLocals: 0}
	dead := ir.Reg{Space: ir.SpaceVirtual, Name: 5}
	live := ir.Reg{Space: ir.SpaceVirtual, Name: 6}
	blk := f.Graph.Block(f.Entry)
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(dead), ir.ImmOperand(1))) // never read again: dead
	blk.Append(ir.New(ir.OpMov, "", ir.RegOperand(live), ir.ImmOperand(2)))
	blk.Append(ir.New(ir.OpRet, ""))

	EliminateDeadCode(f)

	for _, in := range f.Graph.Block(f.Entry).Code {
		for _, d := range in.Defs() {
			assert(t, !d.Equal(dead), "dead-code elimination should have dropped the instruction defining %v", dead)
		}
	}
	assert(t, countOps(f, ir.OpRet) == 1, "side-effecting ret must survive dead-code elimination")
}
