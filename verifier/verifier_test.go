package verifier

import (
	"testing"

	"netvm/bytecode"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

const (
	opNop   = 0x00
	opPop   = 0x01
	opPushb = 0x04
	opRet   = 0x46
)

func TestAnalyseAcceptsMinimalInitSegment(t *testing.T) {
	seg := &bytecode.Segment{Kind: bytecode.KindInit, Code: []byte{opRet}}
	info, errs := Analyse(seg)
	assert(t, errs.Empty(), "expected no verification errors, got: %v", errs)
	assert(t, len(info.Instructions) == 1, "expected exactly 1 decoded instruction, got %d", len(info.Instructions))
	assert(t, info.NumBasicBlocks == 1, "expected exactly 1 basic block, got %d", info.NumBasicBlocks)
}

func TestAnalyseRejectsUndefinedOpcode(t *testing.T) {
	seg := &bytecode.Segment{Kind: bytecode.KindInit, Code: []byte{0xFF}}
	_, errs := Analyse(seg)
	assert(t, !errs.Empty(), "expected an error for an undefined opcode byte")
	assert(t, errs.Errors[0].Code == OpNotDef, "expected OP_NOT_DEF, got %s", errs.Errors[0].Code)
}

func TestAnalyseRejectsFalloffWithoutReturn(t *testing.T) {
	seg := &bytecode.Segment{Kind: bytecode.KindInit, Code: []byte{opNop}}
	_, errs := Analyse(seg)
	assert(t, !errs.Empty(), "expected an error when the segment falls off the end without a terminator")
	assert(t, errs.Errors[0].Code == EndOfSegWoRet, "expected BC_END_OF_SEG_WO_RET, got %s", errs.Errors[0].Code)
}

func TestAnalyseRejectsStackUnderflow(t *testing.T) {
	// pop requires one operand but the stack starts empty in an init
	// segment.
	seg := &bytecode.Segment{Kind: bytecode.KindInit, Code: []byte{opPop, opRet}}
	_, errs := Analyse(seg)
	assert(t, !errs.Empty(), "expected a stack-empty error")
	assert(t, errs.Errors[0].Code == StackEmpty, "expected STACK_EMPTY, got %s", errs.Errors[0].Code)
}

func TestAnalyseRejectsStackOverflow(t *testing.T) {
	// Declared max stack 0, but pushb drives depth to 1.
	seg := &bytecode.Segment{Kind: bytecode.KindInit, MaxStackSize: 0, Code: []byte{opPushb, 7, opPop, opRet}}
	_, errs := Analyse(seg)
	assert(t, !errs.Empty(), "expected a stack-overflow error against a declared max of 0")
	assert(t, errs.Errors[0].Code == StackOverflow, "expected STACK_OVERFLOW, got %s", errs.Errors[0].Code)
}

func TestAnalysePushPullStartsAtDepthOne(t *testing.T) {
	// A push segment starts with the calling port id already on the
	// stack (depth 1), so a single pop followed by ret is legal there
	// even though it would underflow in an init segment.
	seg := &bytecode.Segment{Kind: bytecode.KindPush, MaxStackSize: 1, Code: []byte{opPop, opRet}}
	info, errs := Analyse(seg)
	assert(t, errs.Empty(), "expected no errors for pop/ret in a push segment, got: %v", errs)
	assert(t, info.Instructions[0].StackBefore == 1, "expected initial stack depth 1 for a push segment, got %d", info.Instructions[0].StackBefore)
}

func TestAnalyseExAssignsBlockIDsFromStartOffset(t *testing.T) {
	seg := &bytecode.Segment{Kind: bytecode.KindInit, Code: []byte{opRet}}
	info, errs := AnalyseEx(seg, 7)
	assert(t, errs.Empty(), "expected no errors, got: %v", errs)
	assert(t, info.FirstBlockID == 7, "expected FirstBlockID 7, got %d", info.FirstBlockID)
	assert(t, info.Instructions[0].BasicBlock == 7, "expected the single block to be numbered 7, got %d", info.Instructions[0].BasicBlock)
}

func TestAnalyseRejectsInitOnlyOpcodeOutsideInit(t *testing.T) {
	// copinit (0x80, ArgWord2) is FlagInitOnly; placing it in a push
	// segment must be flagged even though the stack shape is otherwise
	// fine.
	code := []byte{0x80, 0, 0, 0, 0, 0, 0, 0, 0, opRet}
	seg := &bytecode.Segment{Kind: bytecode.KindPush, MaxStackSize: 1, Code: code}
	_, errs := Analyse(seg)
	assert(t, !errs.Empty(), "expected an error for copinit outside an init segment")

	found := false
	for _, e := range errs.Errors {
		if e.Code == InitOnlyOpInNonInit {
			found = true
		}
	}
	assert(t, found, "expected an INIT_ONLY_OP_IN_NON_INIT error among: %v", errs)
}

func TestErrorListEmptyReportsNoErrors(t *testing.T) {
	errs := &ErrorList{}
	assert(t, errs.Empty(), "a fresh ErrorList must report Empty() == true")
}
