// Package bytecode defines the on-disk/in-memory shapes the verifier and
// compiler consume: segment headers, the decoded-instruction records, and
// the multi-section container format described in the public spec.
package bytecode

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind identifies which of a PE's three segments a code blob belongs to.
type Kind int

const (
	KindInit Kind = iota
	KindPush
	KindPull
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindPush:
		return "push"
	case KindPull:
		return "pull"
	default:
		return "unknown"
	}
}

// segmentHeaderSize is the fixed 8-byte header every code section begins
// with: [u32 max_stack_size, u32 locals_size].
const segmentHeaderSize = 8

// Segment is one decoded code section: its header plus the raw bytecode
// bytes that follow it (header stripped).
type Segment struct {
	Kind          Kind
	MaxStackSize  uint32
	LocalsSize    uint32
	Code          []byte // bytecode bytes only, header already stripped
	SourceFile    string // optional, for diagnostics; empty if unknown
	LineMap       []LineEntry
}

// LineEntry is one (instruction offset, source line) pair from an
// INSN_LINES debug section.
type LineEntry struct {
	InstructionOffset uint32
	SourceLine        uint32
}

// ParseSegment splits a raw code-section payload into its header and
// bytecode body. It does not validate the bytecode itself — that is the
// verifier's job.
func ParseSegment(kind Kind, raw []byte) (*Segment, error) {
	if len(raw) < segmentHeaderSize {
		return nil, errors.Errorf("bytecode: segment too short for header: got %d bytes, need at least %d", len(raw), segmentHeaderSize)
	}
	seg := &Segment{
		Kind:         kind,
		MaxStackSize: binary.LittleEndian.Uint32(raw[0:4]),
		LocalsSize:   binary.LittleEndian.Uint32(raw[4:8]),
		Code:         raw[segmentHeaderSize:],
	}
	return seg, nil
}

// LineForOffset returns the source line recorded for the given instruction
// byte offset, or 0 if no debug line map was attached to this segment. The
// map is kept sorted by InstructionOffset so this is a binary search.
func (s *Segment) LineForOffset(off uint32) uint32 {
	lines := s.LineMap
	lo, hi := 0, len(lines)
	for lo < hi {
		mid := (lo + hi) / 2
		if lines[mid].InstructionOffset <= off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0
	}
	return lines[lo-1].SourceLine
}
