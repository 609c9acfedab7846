package trace

import (
	"testing"

	"netvm/cfg"
	"netvm/ir"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestOrderFollowsUnconditionalJump(t *testing.T) {
	g := cfg.New[ir.Instr]()
	a, b := g.NewBlock(), g.NewBlock()
	g.AddSucc(a, b)
	g.Block(a).Append(ir.New(ir.OpJmp, "", ir.LabelOperand(b)))
	g.Block(b).Append(ir.New(ir.OpRet, ""))

	order := Order(g, a)
	assert(t, len(order) == 2, "expected both blocks in the trace, got %d", len(order))
	assert(t, order[0] == a && order[1] == b, "expected trace order [a,b], got %v", order)
}

func TestOrderPrefersFallthroughOverJccTarget(t *testing.T) {
	g := cfg.New[ir.Instr]()
	a, fallthroughBlk, target := g.NewBlock(), g.NewBlock(), g.NewBlock()
	g.AddSucc(a, fallthroughBlk)
	g.AddSucc(a, target)
	cond := ir.Reg{Space: ir.SpaceVirtual, Name: 0}
	g.Block(a).Append(ir.New(ir.OpJcc, "nz", ir.RegOperand(cond), ir.LabelOperand(target)))
	g.Block(fallthroughBlk).Append(ir.New(ir.OpRet, ""))
	g.Block(target).Append(ir.New(ir.OpRet, ""))

	order := Order(g, a)
	assert(t, len(order) == 3, "expected all 3 blocks in the trace, got %d", len(order))
	assert(t, order[0] == a, "entry block must come first")
	assert(t, order[1] == fallthroughBlk, "expected the non-target successor to be chosen as the fall-through, got block %d next", order[1])
	assert(t, order[2] == target, "the jcc target should be emitted last, reached only by an explicit branch")
}

func TestOrderFollowsSwitchDefaultTarget(t *testing.T) {
	g := cfg.New[ir.Instr]()
	a, def, other := g.NewBlock(), g.NewBlock(), g.NewBlock()
	g.AddSucc(a, def)
	g.AddSucc(a, other)
	in := ir.New(ir.OpSwitchJumpTable, "")
	in.SwitchEntry = &ir.SwitchEntry{DefaultTarget: def, Dense: true}
	g.Block(a).Append(in)
	g.Block(def).Append(ir.New(ir.OpRet, ""))
	g.Block(other).Append(ir.New(ir.OpRet, ""))

	order := Order(g, a)
	assert(t, order[1] == def, "expected the switch's default target to be chosen as the fall-through, got block %d next", order[1])
}

func TestBuildStampsPositionProperty(t *testing.T) {
	g := cfg.New[ir.Instr]()
	a, b := g.NewBlock(), g.NewBlock()
	g.AddSucc(a, b)
	g.Block(a).Append(ir.New(ir.OpJmp, "", ir.LabelOperand(b)))
	g.Block(b).Append(ir.New(ir.OpRet, ""))

	order := Build(g, a)
	for i, id := range order {
		v, ok := g.Prop(id, PositionProp)
		assert(t, ok, "expected %s to be stamped with a trace position", PositionProp)
		assert(t, v.(int) == i, "expected block %d's position to be %d, got %v", id, i, v)
	}
}
