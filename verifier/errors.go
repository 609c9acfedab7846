// Package verifier implements the two-pass NetIL bytecode analyser: it
// turns a raw segment into a bytecode.Info or a batched list of errors.
package verifier

import "fmt"

// Code enumerates every verification error the analyser can report. Names
// match the mnemonics used throughout the spec so error messages read the
// same as the design documents.
type Code int

const (
	OpNotDef Code = iota
	BCFallout
	EndOfSegWoRet
	InvalidBrTarget
	StackUnderflow
	StackEmpty
	StackOverflow
	LocalOutOfBounds
	StackMerge
	OpNotImplOnBackend
	InitOnlyOpInNonInit
)

func (c Code) String() string {
	switch c {
	case OpNotDef:
		return "OP_NOT_DEF"
	case BCFallout:
		return "BC_FALLOUT"
	case EndOfSegWoRet:
		return "END_OF_SEG_WO_RET"
	case InvalidBrTarget:
		return "INVALID_BR_TARGET"
	case StackUnderflow:
		return "STACK_UNDERFLOW"
	case StackEmpty:
		return "STACK_EMPTY"
	case StackOverflow:
		return "STACK_OVFLOW"
	case LocalOutOfBounds:
		return "LOCAL_OUTOB"
	case StackMerge:
		return "STACK_MERGE"
	case OpNotImplOnBackend:
		return "OP_NOT_IMPL_ON_BACKEND"
	case InitOnlyOpInNonInit:
		return "INIT_ONLY_OP_IN_NON_INIT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is one verification finding, pinned to a byte offset and (when
// decoding has progressed far enough) an instruction index.
type Error struct {
	Code           Code
	ByteOffset     uint32
	InstructionIdx int // -1 if not yet known
	Message        string
}

func (e *Error) Error() string {
	if e.InstructionIdx >= 0 {
		return fmt.Sprintf("%s at instruction %d (offset %d): %s", e.Code, e.InstructionIdx, e.ByteOffset, e.Message)
	}
	return fmt.Sprintf("%s at offset %d: %s", e.Code, e.ByteOffset, e.Message)
}

// ErrorList accumulates every error found during analysis; verification
// succeeds iff the list is empty once analysis completes.
type ErrorList struct {
	Errors []*Error
}

func (l *ErrorList) add(code Code, byteOffset uint32, instrIdx int, format string, args ...any) {
	l.Errors = append(l.Errors, &Error{
		Code:           code,
		ByteOffset:     byteOffset,
		InstructionIdx: instrIdx,
		Message:        fmt.Sprintf(format, args...),
	})
}

// Empty reports whether no errors were recorded.
func (l *ErrorList) Empty() bool { return len(l.Errors) == 0 }

func (l *ErrorList) Error() string {
	if l.Empty() {
		return "no errors"
	}
	s := fmt.Sprintf("%d verification error(s):", len(l.Errors))
	for _, e := range l.Errors {
		s += "\n  " + e.Error()
	}
	return s
}
