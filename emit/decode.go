package emit

import (
	"encoding/binary"

	"netvm/ir"
)

// DecodedOperand mirrors ir.Operand but replaces a pre-patch Label (a
// cfg.BlockID, meaningless once the graph is gone) with the resolved
// absolute byte address the patch wrote, so a caller walking the page never
// needs the compile-time block graph to follow control transfers.
type DecodedOperand struct {
	Kind ir.OperandKind
	Reg  ir.Reg
	Imm  int64
	Mem  ir.Mem
	Addr int64 // valid when Kind == ir.OperandLabel: the resolved target address
}

// DecodedSwitch is a decoded OpSwitchJumpTable's case table: Targets[i] is
// the absolute address to dispatch to for value (MinValue+i), already
// including default-target fill-in from lowering (ir.SwitchEntry's gap
// filling), so a caller indexes it directly with no bounds-miss case.
type DecodedSwitch struct {
	MinValue int32
	Targets  []int64
}

// DecodedInstr is one instruction read back out of a Page's patched bytes.
type DecodedInstr struct {
	Op       ir.Op
	NumOps   int
	Operands [2]DecodedOperand
	Switch   *DecodedSwitch
	Size     int // total bytes consumed, i.e. where the next instruction starts
}

// Decode reads one instruction starting at byte offset off in buf, the
// exact inverse of emitter.encode. buf is expected to be a fully patched
// page (Compile resolves every patch before returning), so OperandLabel
// operands decode straight to concrete addresses rather than block IDs.
func Decode(buf []byte, off int) (DecodedInstr, error) {
	start := off
	in := DecodedInstr{}
	in.Op = ir.Op(buf[off])
	off++
	in.NumOps = int(buf[off])
	off++

	labelIdx := -1
	for i := 0; i < in.NumOps; i++ {
		kind := ir.OperandKind(buf[off])
		off++
		o := DecodedOperand{Kind: kind}
		switch kind {
		case ir.OperandNone:
		case ir.OperandReg:
			o.Reg, off = decodeReg(buf, off)
		case ir.OperandImm:
			o.Imm = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		case ir.OperandMem:
			o.Mem.Flags = ir.AddrFlag(buf[off])
			off++
			o.Mem.Base, off = decodeReg(buf, off)
			o.Mem.Index, off = decodeReg(buf, off)
			o.Mem.Scale = ir.Scale(buf[off])
			off++
			o.Mem.Displ = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		case ir.OperandLabel:
			if in.Op == ir.OpLoadLabelAddr {
				o.Addr = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
				off += 8
			} else {
				// Relative branch displacement: resolved against the offset
				// immediately after this instruction's operand list, which
				// is where the label operand always falls (emitter.encode in emit.go never
				// emits a relative label operand ahead of another operand).
				labelIdx = i
				off += 4
			}
		}
		in.Operands[i] = o
	}

	if labelIdx >= 0 {
		rel := int32(binary.LittleEndian.Uint32(buf[off-4 : off]))
		in.Operands[labelIdx].Addr = int64(off) + int64(rel)
	}

	if in.Op == ir.OpSwitchJumpTable {
		minValue := int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		count := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		targets := make([]int64, count)
		for i := 0; i < count; i++ {
			targets[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		}
		in.Switch = &DecodedSwitch{MinValue: minValue, Targets: targets}
	}

	in.Size = off - start
	return in, nil
}

func decodeReg(buf []byte, off int) (ir.Reg, int) {
	r := ir.Reg{Space: ir.RegSpace(buf[off])}
	off++
	r.Name = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	r.Version = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	return r, off
}
