package verifier

import (
	"encoding/binary"

	"github.com/rs/zerolog"

	"netvm/bytecode"
	"netvm/opcode"
)

// relBranchMnemonics are the opcodes whose operand is a *relative*, signed
// displacement from the instruction following them, rather than a plain
// immediate. Everything else with non-zero arg bytes is a plain value
// (local index, coprocessor id, push immediate, ...).
var relBranchMnemonics = map[string]bool{
	"jump": true, "jumpw": true,
	"jumpc": true, "jumpcw": true,
	"call": true, "callw": true,
}

// Option configures a single Analyse call.
type Option func(*context)

// WithLogger attaches a zerolog.Logger for verbose per-instruction trace
// logging; verification is silent by default.
func WithLogger(l zerolog.Logger) Option {
	return func(c *context) { c.log = l }
}

type context struct {
	log zerolog.Logger
}

// Analyse runs the full five-pass verification/analysis algorithm over one
// segment and returns the populated bytecode.Info together with the list
// of errors found. The returned Info is only valid for further compilation
// when errs.Empty() is true.
func Analyse(seg *bytecode.Segment, opts ...Option) (*bytecode.Info, *ErrorList) {
	return AnalyseEx(seg, 0, opts...)
}

// AnalyseEx is Analyse but lets the caller choose the starting basic-block
// id, so multiple segments belonging to the same PE can share a globally
// unique block-id space (used by the runtime for profiling/debug joins).
func AnalyseEx(seg *bytecode.Segment, startBlockID int, opts ...Option) (*bytecode.Info, *ErrorList) {
	ctx := &context{log: zerolog.Nop()}
	for _, o := range opts {
		o(ctx)
	}

	errs := &ErrorList{}
	info := &bytecode.Info{
		Segment:          seg,
		ByteToIndex:      map[uint32]int{},
		DeclaredMaxStack: int(seg.MaxStackSize),
		DeclaredLocals:   int(seg.LocalsSize),
		LocalsReferenced: make([]bool, seg.LocalsSize),
		FirstBlockID:     startBlockID,
	}

	if len(seg.Code) == 0 {
		errs.add(EndOfSegWoRet, 0, -1, "empty segment has no terminating instruction")
		return info, errs
	}

	if !indexPass(seg, info, errs) {
		// A fatal shape error (unknown opcode or truncated tail) makes the
		// remaining passes meaningless: instruction boundaries themselves
		// are not trustworthy.
		return info, errs
	}
	decodePass(seg, info, errs)
	structuralPass(seg, info, errs)
	blockPass(info)
	usePass(info)

	ctx.log.Debug().
		Int("instructions", len(info.Instructions)).
		Int("basic_blocks", info.NumBasicBlocks).
		Int("max_stack", info.MaxObservedStack).
		Msg("verifier: analysis complete")

	return info, errs
}

// indexPass walks the bytes left to right, resolving each opcode's length
// from the descriptor table and recording byte_offset -> instruction_index.
// It returns false if a fatal shape error makes later passes unsafe.
func indexPass(seg *bytecode.Segment, info *bytecode.Info, errs *ErrorList) bool {
	code := seg.Code
	off := uint32(0)
	ok := true
	for int(off) < len(code) {
		opByte := opcode.Code(code[off])
		desc, defined := opcode.Lookup(opByte)
		if !defined {
			errs.add(OpNotDef, off, -1, "opcode byte 0x%02x is not defined", opByte)
			ok = false
			// We cannot know this opcode's length; stop indexing further,
			// the decode pass below will also bail.
			return ok
		}

		idx := len(info.Instructions)
		info.ByteToIndex[off] = idx
		info.Instructions = append(info.Instructions, bytecode.InstructionInfo{
			Opcode:     opByte,
			ByteOffset: off,
			SourceLine: seg.LineForOffset(off),
		})

		var argLen int
		if desc.Args == opcode.ArgVariant {
			// switch: [u32 default_rel][u32 n_cases][(u32,u32) * n_cases]
			hdrEnd := off + 1 + 8
			if uint64(hdrEnd) > uint64(len(code)) {
				errs.add(bcFalloutCode(), off, idx, "switch header runs past segment end")
				return false
			}
			nCases := binary.LittleEndian.Uint32(code[off+1+4 : off+1+8])
			argLen = 8 + int(nCases)*8
		} else {
			argLen = desc.ArgBytes()
		}

		instrEnd := uint64(off) + 1 + uint64(argLen)
		if instrEnd > uint64(len(code)) {
			errs.add(bcFalloutCode(), off, idx, "instruction %s runs past segment end", desc.Mnemonic)
			return false
		}
		off = uint32(instrEnd)
	}

	// Last decoded instruction must be a return, sendpkt, or an
	// unconditional branch/switch.
	last := &info.Instructions[len(info.Instructions)-1]
	desc, _ := opcode.Lookup(last.Opcode)
	unconditionalExit := desc.Flags&opcode.FlagReturn != 0 ||
		desc.Flags&opcode.FlagSwitch != 0 ||
		desc.Mnemonic == "jump" || desc.Mnemonic == "jumpw"
	if !unconditionalExit {
		errs.add(EndOfSegWoRet, last.ByteOffset, len(info.Instructions)-1,
			"segment falls off the end without a return, sendpkt, or unconditional branch (last opcode %s)", desc.Mnemonic)
	}
	return ok
}

func bcFalloutCode() Code { return BCFallout }

// decodePass fills in each InstructionInfo's arguments, translating branch
// byte-offset targets into instruction indices.
func decodePass(seg *bytecode.Segment, info *bytecode.Info, errs *ErrorList) {
	code := seg.Code
	for i := range info.Instructions {
		ii := &info.Instructions[i]
		desc, _ := opcode.Lookup(ii.Opcode)
		base := ii.ByteOffset + 1

		switch desc.Args {
		case opcode.ArgNone:
			// nothing to decode
		case opcode.ArgByte:
			v := uint32(code[base])
			ii.NumArgs = 1
			if relBranchMnemonics[desc.Mnemonic] {
				resolveRelTarget(info, errs, ii, int32(int8(code[base])), base+1)
			} else {
				ii.Args[0] = v
			}
		case opcode.ArgWord:
			v := binary.LittleEndian.Uint32(code[base : base+4])
			ii.NumArgs = 1
			if relBranchMnemonics[desc.Mnemonic] {
				resolveRelTarget(info, errs, ii, int32(v), base+4)
			} else {
				ii.Args[0] = v
			}
		case opcode.ArgWord2:
			ii.NumArgs = 2
			ii.Args[0] = binary.LittleEndian.Uint32(code[base : base+4])
			ii.Args[1] = binary.LittleEndian.Uint32(code[base+4 : base+8])
		case opcode.ArgVariant:
			defRel := int32(binary.LittleEndian.Uint32(code[base : base+4]))
			nCases := binary.LittleEndian.Uint32(code[base+4 : base+8])
			sw := &bytecode.SwitchInfo{}
			nextIP := base + 8 + nCases*8
			sw.DefaultTarget = resolveTargetIndex(info, errs, ii, defRel, nextIP)
			for c := uint32(0); c < nCases; c++ {
				p := base + 8 + c*8
				val := int32(binary.LittleEndian.Uint32(code[p : p+4]))
				rel := int32(binary.LittleEndian.Uint32(code[p+4 : p+8]))
				sw.Values = append(sw.Values, val)
				sw.CaseTargets = append(sw.CaseTargets, resolveTargetIndex(info, errs, ii, rel, nextIP))
			}
			ii.Switch = sw
			ii.Flags |= bytecode.FlagSwitchInsn
		}

		if desc.Flags&opcode.FlagBranch != 0 {
			ii.Flags |= bytecode.FlagBranchInsn
		}
		if desc.Flags&opcode.FlagReturn != 0 {
			ii.Flags |= bytecode.FlagReturnInsn
		}
	}
}

// resolveRelTarget computes a branch target byte offset (instrEnd + rel)
// and stores its instruction index in Args[0], recording InvalidBrTarget
// if it does not land on an instruction boundary.
func resolveRelTarget(info *bytecode.Info, errs *ErrorList, ii *bytecode.InstructionInfo, rel int32, instrEnd uint32) {
	target := int64(instrEnd) + int64(rel)
	idx := -1
	if target >= 0 && target <= int64(^uint32(0)) {
		if i, ok := info.ByteToIndex[uint32(target)]; ok {
			idx = i
		}
	}
	if idx < 0 {
		errs.add(InvalidBrTarget, ii.ByteOffset, info.ByteToIndex[ii.ByteOffset],
			"branch target offset %d does not land on an instruction boundary", target)
		return
	}
	ii.Args[0] = uint32(idx)
}

func resolveTargetIndex(info *bytecode.Info, errs *ErrorList, ii *bytecode.InstructionInfo, rel int32, instrEnd uint32) int {
	target := int64(instrEnd) + int64(rel)
	if target >= 0 && target <= int64(^uint32(0)) {
		if i, ok := info.ByteToIndex[uint32(target)]; ok {
			return i
		}
	}
	errs.add(InvalidBrTarget, ii.ByteOffset, info.ByteToIndex[ii.ByteOffset],
		"switch target offset %d does not land on an instruction boundary", target)
	return -1
}

// structuralPass abstractly interprets stack depth and locals usage across
// the whole instruction stream, recording StackBefore/StackAfter and
// validating against the declared max stack / locals size.
func structuralPass(seg *bytecode.Segment, info *bytecode.Info, errs *ErrorList) {
	initialDepth := 0
	if seg.Kind == bytecode.KindPush || seg.Kind == bytecode.KindPull {
		initialDepth = 1 // the calling port id is pushed before the segment runs
	}

	expectedAt := map[int]int{} // instruction index -> expected stack depth
	visited := make([]bool, len(info.Instructions))

	var walk func(start, depth int)
	walk = func(start, depth int) {
		i := start
		for i < len(info.Instructions) {
			ii := &info.Instructions[i]
			if visited[i] {
				if prev, ok := expectedAt[i]; ok && prev != depth {
					ii.Flags |= bytecode.FlagStackMergeErr
					errs.add(StackMerge, ii.ByteOffset, i,
						"basic block at instruction %d reached with stack depth %d, previously %d", i, depth, prev)
				}
				return
			}
			visited[i] = true
			expectedAt[i] = depth

			desc, _ := opcode.Lookup(ii.Opcode)
			if desc.Flags&opcode.FlagInitOnly != 0 && seg.Kind != bytecode.KindInit {
				errs.add(InitOnlyOpInNonInit, ii.ByteOffset, i, "opcode %s is only legal in an .init segment", desc.Mnemonic)
			}

			if depth < desc.Consumes {
				if depth == 0 {
					errs.add(StackEmpty, ii.ByteOffset, i, "opcode %s requires %d operand(s) but the stack is empty", desc.Mnemonic, desc.Consumes)
				} else {
					errs.add(StackUnderflow, ii.ByteOffset, i, "opcode %s requires %d operand(s) but only %d are on the stack", desc.Mnemonic, desc.Consumes, depth)
				}
			}

			newDepth := depth - desc.Consumes + desc.Produces
			if newDepth < 0 {
				newDepth = 0
			}
			if newDepth > info.DeclaredMaxStack {
				errs.add(StackOverflow, ii.ByteOffset, i, "stack depth %d exceeds declared max %d after %s", newDepth, info.DeclaredMaxStack, desc.Mnemonic)
			}
			if newDepth > info.MaxObservedStack {
				info.MaxObservedStack = newDepth
			}

			ii.StackBefore = depth
			ii.StackAfter = newDepth

			if ii.Opcode == localLoadOpcode || ii.Opcode == localStoreOpcode {
				localIdx := ii.Args[0]
				if int(localIdx) >= info.DeclaredLocals {
					errs.add(LocalOutOfBounds, ii.ByteOffset, i, "local index %d out of bounds (declared %d locals)", localIdx, info.DeclaredLocals)
				} else {
					info.LocalsReferenced[localIdx] = true
				}
			}

			if ii.IsSwitch() {
				if ii.Switch.DefaultTarget >= 0 {
					walk(ii.Switch.DefaultTarget, newDepth)
				}
				for _, t := range ii.Switch.CaseTargets {
					if t >= 0 {
						walk(t, newDepth)
					}
				}
				return
			}
			if ii.IsBranch() {
				if target := int(ii.Args[0]); target >= 0 && target < len(info.Instructions) {
					walk(target, newDepth)
				}
				unconditional := desc.Mnemonic == "jump" || desc.Mnemonic == "jumpw" ||
					desc.Mnemonic == "call" || desc.Mnemonic == "callw"
				if unconditional {
					return
				}
				// conditional branch / call falls through too
				i++
				depth = newDepth
				continue
			}
			if ii.IsReturn() {
				return
			}
			i++
			depth = newDepth
		}
	}

	walk(0, initialDepth)

	used := 0
	for _, ref := range info.LocalsReferenced {
		if ref {
			used++
		}
	}
	info.LocalsUsed = used
}

const localLoadOpcode = opcode.Code(0x30)
const localStoreOpcode = opcode.Code(0x31)

// blockPass marks leaders (instruction 0, every branch/switch target, and
// the successor of every branch/switch/return), assigns sequential block
// ids, and records predecessor/successor counts.
func blockPass(info *bytecode.Info) {
	n := len(info.Instructions)
	if n == 0 {
		return
	}
	isLeader := make([]bool, n)
	isLeader[0] = true

	for i := range info.Instructions {
		ii := &info.Instructions[i]
		desc, _ := opcode.Lookup(ii.Opcode)
		_ = desc
		if ii.IsSwitch() {
			if ii.Switch.DefaultTarget >= 0 {
				isLeader[ii.Switch.DefaultTarget] = true
			}
			for _, t := range ii.Switch.CaseTargets {
				if t >= 0 {
					isLeader[t] = true
				}
			}
			ii.Flags |= bytecode.FlagBBEnd
			if i+1 < n {
				isLeader[i+1] = true
			}
		} else if ii.IsBranch() {
			if target := int(ii.Args[0]); target >= 0 && target < n {
				isLeader[target] = true
			}
			ii.Flags |= bytecode.FlagBBEnd
			if i+1 < n {
				isLeader[i+1] = true
			}
		} else if ii.IsReturn() {
			ii.Flags |= bytecode.FlagBBEnd
			if i+1 < n {
				isLeader[i+1] = true
			}
		}
	}

	blockID := info.FirstBlockID
	for i := range info.Instructions {
		if isLeader[i] {
			info.Instructions[i].Flags |= bytecode.FlagBBLeader
			blockID++
		}
		info.Instructions[i].BasicBlock = blockID - 1
	}
	info.NumBasicBlocks = blockID - info.FirstBlockID

	// Predecessor/successor counts.
	predCount := map[int]int{}
	for i := range info.Instructions {
		ii := &info.Instructions[i]
		switch {
		case ii.IsSwitch():
			targets := append([]int{ii.Switch.DefaultTarget}, ii.Switch.CaseTargets...)
			ii.NumSuccs = len(targets)
			for _, t := range targets {
				if t >= 0 {
					predCount[t]++
				}
			}
		case ii.IsBranch():
			desc, _ := opcode.Lookup(ii.Opcode)
			unconditional := desc.Mnemonic == "jump" || desc.Mnemonic == "jumpw" ||
				desc.Mnemonic == "call" || desc.Mnemonic == "callw"
			if unconditional {
				ii.NumSuccs = 1
			} else {
				ii.NumSuccs = 2
				if i+1 < n {
					predCount[i+1]++
				}
			}
			if target := int(ii.Args[0]); target >= 0 && target < n {
				predCount[target]++
			}
		case ii.IsReturn():
			ii.NumSuccs = 0
		default:
			if i+1 < n {
				ii.NumSuccs = 1
				if info.Instructions[i+1].IsLeader() {
					predCount[i+1]++
				}
			}
		}
	}
	for i := range info.Instructions {
		if info.Instructions[i].IsLeader() {
			info.Instructions[i].NumPreds = predCount[i]
		}
	}
}

// usePass records which memory areas this segment touches.
func usePass(info *bytecode.Info) {
	for i := range info.Instructions {
		desc, _ := opcode.Lookup(info.Instructions[i].Opcode)
		if desc.Flags&(opcode.FlagReadsPacket|opcode.FlagWritesPacket) != 0 {
			info.Use |= bytecode.UsesPacket
		}
		if desc.Flags&(opcode.FlagReadsData|opcode.FlagWritesData) != 0 {
			info.Use |= bytecode.UsesData
		}
		if desc.Flags&(opcode.FlagReadsShared|opcode.FlagWritesShared) != 0 {
			info.Use |= bytecode.UsesShared
		}
		if desc.Flags&(opcode.FlagReadsInfo|opcode.FlagWritesInfo) != 0 {
			info.Use |= bytecode.UsesInfo
		}
	}
}
