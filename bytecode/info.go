package bytecode

import "netvm/opcode"

// InstrFlag mirrors the per-instruction flag bitmask from the original
// bytecode analyser (FLAG_BB_LEADER, FLAG_BB_END, ...), renamed to Go
// conventions.
type InstrFlag uint16

const (
	FlagBBLeader InstrFlag = 1 << iota
	FlagBBEnd
	FlagStackMergeErr
	FlagSwitchInsn
	FlagReturnInsn
	FlagBranchInsn
	FlagVisited
)

// SwitchInfo holds the decoded case table for a switch instruction.
// Targets are instruction indices, never byte offsets, per the spec's
// data-model note that indices in InstructionInfo are instruction
// indices.
type SwitchInfo struct {
	DefaultTarget int
	Values        []int32
	CaseTargets   []int
}

// InstructionInfo is the per-instruction record the verifier produces.
type InstructionInfo struct {
	Opcode      opcode.Code
	Args        [2]uint32 // decoded arguments; branch targets are instruction indices once decoded
	NumArgs     int
	ByteOffset  uint32 // offset of this instruction's opcode byte in Code
	SourceLine  uint32
	StackBefore int
	StackAfter  int
	BasicBlock  int
	Flags       InstrFlag
	Switch      *SwitchInfo
	NumPreds    int
	NumSuccs    int
}

func (ii *InstructionInfo) IsLeader() bool    { return ii.Flags&FlagBBLeader != 0 }
func (ii *InstructionInfo) IsTerminator() bool { return ii.Flags&FlagBBEnd != 0 }
func (ii *InstructionInfo) IsBranch() bool    { return ii.Flags&FlagBranchInsn != 0 }
func (ii *InstructionInfo) IsReturn() bool    { return ii.Flags&FlagReturnInsn != 0 }
func (ii *InstructionInfo) IsSwitch() bool    { return ii.Flags&FlagSwitchInsn != 0 }

// UseFlags records which memory areas a segment touches, letting later
// passes skip bounds-check lowering for areas that are never referenced.
type UseFlags uint8

const (
	UsesPacket UseFlags = 1 << iota
	UsesData
	UsesShared
	UsesInfo
)

// Info is the fully analysed segment: the spec's ByteCodeInfo.
type Info struct {
	Segment        *Segment
	Instructions   []InstructionInfo
	ByteToIndex    map[uint32]int // instruction byte offset -> instruction index
	DeclaredMaxStack int
	DeclaredLocals   int
	MaxObservedStack int
	LocalsUsed       int
	LocalsReferenced []bool
	NumBasicBlocks   int
	Use              UseFlags
	FirstBlockID     int // starting basic-block id, for AnalyseEx chaining across segments
}

// IsEmpty reports whether the segment carried zero instructions.
func (i *Info) IsEmpty() bool { return len(i.Instructions) == 0 }
