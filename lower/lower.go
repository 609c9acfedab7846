// Package lower translates a verified NetIL instruction stream into a
// target-independent cfg.Graph[ir.Instr] by pattern-matching short,
// fixed sequences per opcode. Bounds checks, coprocessor call sequences,
// and switch dispatch strategy selection all happen here, once, ahead of
// any target-specific backend.
package lower

import (
	"netvm/bytecode"
	"netvm/cfg"
	"netvm/ir"
	"netvm/opcode"
)

// Area identifies one of the four memory areas a segment may reference.
type Area int

const (
	AreaPacket Area = iota
	AreaData
	AreaShared
	AreaInfo
)

// areaBaseReg returns the dedicated virtual register holding an area's
// base pointer, materialised once in the function prologue.
func areaBaseReg(a Area) ir.Reg {
	// Named by negative-ish offset so they never collide with stack-slot
	// or local virtual registers, whatever the segment's declared sizes.
	return ir.Reg{Space: ir.SpaceVirtual, Name: -100 - int(a)}
}

// Func is one lowered segment: its instruction graph plus bookkeeping the
// allocator and emitter need afterwards.
type Func struct {
	Graph      *cfg.Graph[ir.Instr]
	Entry      cfg.BlockID
	NumLocals  int
	MaxStack   int
	NextVTemp  int // counter for fresh temporaries, continues across Spiller rounds
	UsedAreas  bytecode.UseFlags
}

// freshTemp allocates a new virtual register distinct from every stack
// slot or local register.
func (f *Func) freshTemp() ir.Reg {
	name := f.MaxStack + f.NumLocals + f.NextVTemp
	f.NextVTemp++
	return ir.Reg{Space: ir.SpaceVirtual, Name: name}
}

// FreshTemp is freshTemp exported for the Spiller, which must keep drawing
// from the same NextVTemp counter across allocator rounds so reload/store
// temporaries never collide with a prior round's virtual registers.
func (f *Func) FreshTemp() ir.Reg { return f.freshTemp() }

func slotReg(depth int) ir.Reg {
	// slotReg(d) names the virtual register holding the value at stack
	// position d (1-indexed depth => slot index d-1). Using depth-1
	// directly as the register Name keeps a single, non-SSA virtual
	// register per stack position live across basic-block boundaries,
	// which is sound because the verifier already proved every merge
	// point agrees on stack depth (spec.md §3 invariant).
	return ir.Reg{Space: ir.SpaceVirtual, Name: depth - 1}
}

func localReg(maxStack, idx int) ir.Reg {
	return ir.Reg{Space: ir.SpaceVirtual, Name: maxStack + idx}
}

// Lower builds the target-independent IR graph for one verified segment.
// The caller must have already run verifier.Analyse and confirmed its
// ErrorList is empty: Lower trusts StackBefore/StackAfter and every
// branch-target instruction index without re-checking them.
func Lower(info *bytecode.Info) *Func {
	f := &Func{
		Graph:     cfg.New[ir.Instr](),
		MaxStack:  info.DeclaredMaxStack,
		NumLocals: info.DeclaredLocals,
		UsedAreas: info.Use,
	}

	// One cfg.Block per basic block id the verifier assigned.
	blockOf := make(map[int]cfg.BlockID)
	for i := range info.Instructions {
		bb := info.Instructions[i].BasicBlock
		if _, ok := blockOf[bb]; !ok {
			blockOf[bb] = f.Graph.NewBlock()
		}
	}
	if len(info.Instructions) > 0 {
		f.Entry = blockOf[info.Instructions[0].BasicBlock]
	} else {
		f.Entry = f.Graph.NewBlock()
	}
	f.Graph.Entry = f.Entry

	emitPrologue(f)

	for i := range info.Instructions {
		ii := &info.Instructions[i]
		blk := f.Graph.Block(blockOf[ii.BasicBlock])
		lowerOne(f, info, ii, blk, blockOf)
	}

	wireFallthroughEdges(f, info, blockOf)
	return f
}

// emitPrologue materialises every memory area this segment actually uses
// into a dedicated base-pointer virtual register, via OpLoadArea rather
// than a plain OpLoad: the area identity has to survive regalloc and
// emission as something vmrt's interpreter can recover from the area
// imm operand, not as a Comment string emit never serialises (spec.md
// §4.1's use-pass optimisation note).
func emitPrologue(f *Func) {
	entry := f.Graph.Block(f.Entry)
	areas := []struct {
		area Area
		flag bytecode.UseFlags
		name string
	}{
		{AreaPacket, bytecode.UsesPacket, "xbuf.packet"},
		{AreaData, bytecode.UsesData, "xbuf.data"},
		{AreaShared, bytecode.UsesShared, "xbuf.shared"},
		{AreaInfo, bytecode.UsesInfo, "xbuf.info"},
	}
	for _, a := range areas {
		if f.UsedAreas&a.flag == 0 {
			continue
		}
		entry.Append(ir.New(ir.OpLoadArea, a.name, ir.RegOperand(areaBaseReg(a.area)), ir.ImmOperand(int64(a.area))))
	}
}

func lowerOne(f *Func, info *bytecode.Info, ii *bytecode.InstructionInfo, blk *cfg.Block[ir.Instr], blockOf map[int]cfg.BlockID) {
	desc, _ := opcode.Lookup(ii.Opcode)
	before, after := ii.StackBefore, ii.StackAfter

	switch desc.Mnemonic {
	case "nop":
		blk.Append(ir.New(ir.OpNop, ""))
	case "pop":
		// value discarded; nothing to lower
	case "dup":
		blk.Append(ir.New(ir.OpMov, "dup", ir.RegOperand(slotReg(after)), ir.RegOperand(slotReg(before))))
	case "swap":
		tmp := f.freshTemp()
		blk.Append(ir.New(ir.OpMov, "swap-tmp", ir.RegOperand(tmp), ir.RegOperand(slotReg(before))))
		blk.Append(ir.New(ir.OpMov, "swap", ir.RegOperand(slotReg(before)), ir.RegOperand(slotReg(before-1))))
		blk.Append(ir.New(ir.OpMov, "swap", ir.RegOperand(slotReg(before-1)), ir.RegOperand(tmp)))
	case "pushb", "pushw":
		blk.Append(ir.New(ir.OpMov, "push-imm", ir.RegOperand(slotReg(after)), ir.ImmOperand(int64(ii.Args[0]))))

	case "add", "sub", "mul", "div", "mod", "and", "or", "xor", "shl", "shr", "shru":
		lowerBinary(f, blk, ii, desc.Mnemonic, before, after)

	case "neg", "not":
		op := ir.OpNeg
		if desc.Mnemonic == "not" {
			op = ir.OpNot
		}
		blk.Append(ir.New(op, "", ir.RegOperand(slotReg(before))))

	case "eq", "neq", "lt", "le", "gt", "ge", "lt_u", "le_u", "gt_u", "ge_u":
		rhs := slotReg(before)
		lhs := slotReg(before - 1)
		dst := slotReg(after)
		if !dst.Equal(lhs) {
			blk.Append(ir.New(ir.OpMov, "cmp-lhs", ir.RegOperand(dst), ir.RegOperand(lhs)))
		}
		blk.Append(ir.New(cmpOps[desc.Mnemonic], desc.Mnemonic, ir.RegOperand(dst), ir.RegOperand(rhs)))

	case "loc_load":
		blk.Append(ir.New(ir.OpMov, "loc_load", ir.RegOperand(slotReg(after)), ir.RegOperand(localReg(f.MaxStack, int(ii.Args[0])))))
	case "loc_store":
		blk.Append(ir.New(ir.OpMov, "loc_store", ir.RegOperand(localReg(f.MaxStack, int(ii.Args[0]))), ir.RegOperand(slotReg(before))))

	case "jump", "jumpw":
		target := blockOf[info.Instructions[ii.Args[0]].BasicBlock]
		blk.Append(ir.New(ir.OpJmp, "", ir.LabelOperand(target)))
		f.Graph.AddSucc(blk.ID, target)
	case "jumpc", "jumpcw":
		target := blockOf[info.Instructions[ii.Args[0]].BasicBlock]
		blk.Append(ir.New(ir.OpJcc, "nz", ir.RegOperand(slotReg(before)), ir.LabelOperand(target)))
		f.Graph.AddSucc(blk.ID, target)
	case "call", "callw":
		target := blockOf[info.Instructions[ii.Args[0]].BasicBlock]
		blk.Append(ir.New(ir.OpCall, "subcall", ir.LabelOperand(target)))
		f.Graph.AddSucc(blk.ID, target)
	case "ret":
		blk.Append(ir.New(ir.OpRet, ""))
	case "sendpkt":
		blk.Append(ir.New(ir.OpCall, "sendpkt", ir.ImmOperand(int64(ii.Args[0]))))
		blk.Append(ir.New(ir.OpRet, ""))

	case "switch":
		lowerSwitch(f, info, ii, blk, blockOf, before)

	case "copinit":
		blk.Append(ir.New(ir.OpCoproInit, "", ir.ImmOperand(int64(ii.Args[0])), ir.ImmOperand(int64(ii.Args[1]))))
	case "copinvoke":
		blk.Append(ir.New(ir.OpCoproInvoke, "", ir.ImmOperand(int64(ii.Args[0])), ir.ImmOperand(int64(ii.Args[1]))))
	case "copwreg":
		packed := int64(ii.Args[0])<<16 | int64(ii.Args[1])
		blk.Append(ir.New(ir.OpCoproWriteReg, "", ir.RegOperand(slotReg(before)), ir.ImmOperand(packed)))
	case "coprreg":
		packed := int64(ii.Args[0])<<16 | int64(ii.Args[1])
		blk.Append(ir.New(ir.OpCoproReadReg, "", ir.RegOperand(slotReg(after)), ir.ImmOperand(packed)))

	default:
		lowerMemOp(f, blk, desc.Mnemonic, ii, before, after)
	}
}

var cmpOps = map[string]ir.Op{
	"eq": ir.OpCmpEq, "neq": ir.OpCmpNeq,
	"lt": ir.OpCmpLt, "le": ir.OpCmpLe, "gt": ir.OpCmpGt, "ge": ir.OpCmpGe,
	"lt_u": ir.OpCmpLtU, "le_u": ir.OpCmpLeU, "gt_u": ir.OpCmpGtU, "ge_u": ir.OpCmpGeU,
}

func lowerBinary(f *Func, blk *cfg.Block[ir.Instr], ii *bytecode.InstructionInfo, mnemonic string, before, after int) {
	ops := map[string]ir.Op{
		"add": ir.OpAdd, "sub": ir.OpSub, "mul": ir.OpMul, "div": ir.OpDiv, "mod": ir.OpMod,
		"and": ir.OpAnd, "or": ir.OpOr, "xor": ir.OpXor, "shl": ir.OpShl, "shr": ir.OpShr, "shru": ir.OpShrU,
	}
	rhs := slotReg(before)
	lhs := slotReg(before - 1)
	dst := slotReg(after)
	if !dst.Equal(lhs) {
		blk.Append(ir.New(ir.OpMov, "binop-lhs", ir.RegOperand(dst), ir.RegOperand(lhs)))
	}
	blk.Append(ir.New(ops[mnemonic], "", ir.RegOperand(dst), ir.RegOperand(rhs)))
}

// lowerMemOp handles the 32 packet/data/shared/info load/store opcodes.
func lowerMemOp(f *Func, blk *cfg.Block[ir.Instr], mnemonic string, ii *bytecode.InstructionInfo, before, after int) {
	area, isStore, width, signed := classifyMemOp(mnemonic)
	base := areaBaseReg(area)
	scale := widthScale(width)

	if isStore {
		offset := slotReg(before - 1)
		value := slotReg(before)
		blk.Append(ir.New(ir.OpBoundsCheck, mnemonic, ir.RegOperand(offset), ir.ImmOperand(int64(width))))
		mem := ir.Mem{Flags: ir.AddrBase | ir.AddrIndex | ir.AddrScale, Base: base, Index: offset, Scale: scale}
		blk.Append(ir.New(ir.OpStore, mnemonic, ir.MemOperand(mem), ir.RegOperand(value)))
		return
	}

	offset := slotReg(before)
	dst := slotReg(after)
	blk.Append(ir.New(ir.OpBoundsCheck, mnemonic, ir.RegOperand(offset), ir.ImmOperand(int64(width))))
	flags := ir.AddrBase | ir.AddrIndex | ir.AddrScale
	if signed {
		flags |= ir.AddrSigned
	}
	mem := ir.Mem{Flags: flags, Base: base, Index: offset, Scale: scale}
	comment := mnemonic
	if signed {
		comment += ":s"
	} else {
		comment += ":u"
	}
	blk.Append(ir.New(ir.OpLoad, comment, ir.RegOperand(dst), ir.MemOperand(mem)))
}

func widthScale(width int) ir.Scale {
	switch width {
	case 2:
		return ir.Scale2
	case 4:
		return ir.Scale4
	default:
		return ir.Scale1
	}
}

func classifyMemOp(mnemonic string) (area Area, isStore bool, width int, signed bool) {
	var rest string
	switch {
	case hasPrefix(mnemonic, "pkt_"):
		area, rest = AreaPacket, mnemonic[4:]
	case hasPrefix(mnemonic, "data_"):
		area, rest = AreaData, mnemonic[5:]
	case hasPrefix(mnemonic, "shared_"):
		area, rest = AreaShared, mnemonic[7:]
	case hasPrefix(mnemonic, "info_"):
		area, rest = AreaInfo, mnemonic[5:]
	}
	isStore = hasPrefix(rest, "st")
	widthStr := rest[2:]
	switch {
	case hasPrefix(widthStr, "8u"):
		width, signed = 1, false
	case hasPrefix(widthStr, "8s"):
		width, signed = 1, true
	case hasPrefix(widthStr, "16u"):
		width, signed = 2, false
	case hasPrefix(widthStr, "16s"):
		width, signed = 2, true
	case hasPrefix(widthStr, "32"):
		width, signed = 4, false
	case widthStr == "8":
		width = 1
	case widthStr == "16":
		width = 2
	case widthStr == "32":
		width = 4
	}
	return
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

// wireFallthroughEdges connects a block to the next block in program
// order wherever control falls through into it: after a conditional
// branch, and after a non-terminator instruction that runs straight into
// a leader, matching the verifier's fallthrough semantics. Unconditional
// jumps, calls, returns and switches get no such edge.
func wireFallthroughEdges(f *Func, info *bytecode.Info, blockOf map[int]cfg.BlockID) {
	n := len(info.Instructions)
	for i := 0; i < n; i++ {
		ii := &info.Instructions[i]
		if !ii.IsTerminator() {
			if i+1 < n && info.Instructions[i+1].IsLeader() {
				f.Graph.AddSucc(blockOf[ii.BasicBlock], blockOf[info.Instructions[i+1].BasicBlock])
			}
			continue
		}
		desc, _ := opcode.Lookup(ii.Opcode)
		unconditional := desc.Mnemonic == "jump" || desc.Mnemonic == "jumpw" ||
			desc.Mnemonic == "call" || desc.Mnemonic == "callw" ||
			ii.IsReturn() || ii.IsSwitch()
		if unconditional {
			continue
		}
		if i+1 < n {
			from := blockOf[ii.BasicBlock]
			to := blockOf[info.Instructions[i+1].BasicBlock]
			f.Graph.AddSucc(from, to)
		}
	}
}
