package bytecode

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// SectionFlag is the bitmask carried by each section-table entry.
type SectionFlag uint32

const (
	SecCode SectionFlag = 1 << iota
	SecPort
	SecInsnLines
	SecPush
	SecPull
	SecInit
)

// SectionEntry is one row of the container's section table.
type SectionEntry struct {
	Name       string
	Size       uint32
	FileOffset uint32
	Flags      SectionFlag
}

// FileHeader names the three per-segment entry points plus the section
// table that follows it, per the container format in the public interface
// section of the spec.
type FileHeader struct {
	AddressOfInit uint32
	AddressOfPush uint32
	AddressOfPull uint32
	Sections      []SectionEntry
}

const (
	fileHeaderFixedSize = 12 // three u32 entry-point fields
	sectionEntryNameLen = 32
	sectionEntrySize    = sectionEntryNameLen + 4 + 4 + 4
)

// ParseContainer decodes a PE image's file header and section table from
// raw bytes. It does not read section payloads; callers slice those out of
// raw using each SectionEntry's FileOffset/Size.
//
// This is a pure in-memory parser: loading a container from a filesystem
// path is a host responsibility outside this module's scope.
func ParseContainer(raw []byte) (*FileHeader, error) {
	if len(raw) < fileHeaderFixedSize+4 {
		return nil, errors.New("bytecode: container too short for file header")
	}
	h := &FileHeader{
		AddressOfInit: binary.LittleEndian.Uint32(raw[0:4]),
		AddressOfPush: binary.LittleEndian.Uint32(raw[4:8]),
		AddressOfPull: binary.LittleEndian.Uint32(raw[8:12]),
	}
	numSections := binary.LittleEndian.Uint32(raw[12:16])
	off := 16
	for i := uint32(0); i < numSections; i++ {
		if off+sectionEntrySize > len(raw) {
			return nil, errors.Errorf("bytecode: section table entry %d truncated", i)
		}
		nameBytes := raw[off : off+sectionEntryNameLen]
		name := trimNUL(nameBytes)
		p := off + sectionEntryNameLen
		size := binary.LittleEndian.Uint32(raw[p : p+4])
		fileOffset := binary.LittleEndian.Uint32(raw[p+4 : p+8])
		flags := binary.LittleEndian.Uint32(raw[p+8 : p+12])
		h.Sections = append(h.Sections, SectionEntry{
			Name:       name,
			Size:       size,
			FileOffset: fileOffset,
			Flags:      SectionFlag(flags),
		})
		off += sectionEntrySize
	}
	return h, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Payload returns the raw bytes for a section entry, bounds-checked
// against raw's length.
func (h *FileHeader) Payload(raw []byte, e SectionEntry) ([]byte, error) {
	end := uint64(e.FileOffset) + uint64(e.Size)
	if end > uint64(len(raw)) {
		return nil, errors.Errorf("bytecode: section %q payload [%d:%d] exceeds container length %d", e.Name, e.FileOffset, end, len(raw))
	}
	return raw[e.FileOffset:end], nil
}

// ParseInsnLines decodes an INSN_LINES debug section into sorted
// LineEntry pairs.
func ParseInsnLines(raw []byte) ([]LineEntry, error) {
	if len(raw)%8 != 0 {
		return nil, errors.New("bytecode: INSN_LINES section length not a multiple of 8")
	}
	n := len(raw) / 8
	entries := make([]LineEntry, n)
	for i := 0; i < n; i++ {
		off := i * 8
		entries[i] = LineEntry{
			InstructionOffset: binary.LittleEndian.Uint32(raw[off : off+4]),
			SourceLine:        binary.LittleEndian.Uint32(raw[off+4 : off+8]),
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].InstructionOffset < entries[b].InstructionOffset
	})
	return entries, nil
}
