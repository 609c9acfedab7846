package bytecode

import (
	"encoding/binary"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// putSectionEntry writes one 44-byte section table row at raw[off:].
func putSectionEntry(raw []byte, off int, name string, size, fileOffset uint32, flags SectionFlag) {
	copy(raw[off:off+sectionEntryNameLen], name)
	p := off + sectionEntryNameLen
	binary.LittleEndian.PutUint32(raw[p:p+4], size)
	binary.LittleEndian.PutUint32(raw[p+4:p+8], fileOffset)
	binary.LittleEndian.PutUint32(raw[p+8:p+12], uint32(flags))
}

// buildContainer assembles a minimal one-section container image around a
// push segment's code bytes, mirroring the layout ParseContainer expects:
// 12-byte entry-point header, u32 section count, then one 44-byte section
// row per entry, followed by the payload bytes at the offsets named in the
// table.
func buildContainer(t *testing.T, code []byte) []byte {
	t.Helper()
	const tableOff = 16
	payloadOff := tableOff + sectionEntrySize

	raw := make([]byte, payloadOff+len(code))
	binary.LittleEndian.PutUint32(raw[0:4], 0)                     // AddressOfInit
	binary.LittleEndian.PutUint32(raw[4:8], uint32(payloadOff))     // AddressOfPush
	binary.LittleEndian.PutUint32(raw[8:12], 0)                     // AddressOfPull
	binary.LittleEndian.PutUint32(raw[12:16], 1)                    // numSections
	putSectionEntry(raw, tableOff, "push", uint32(len(code)), uint32(payloadOff), SecCode|SecPush)
	copy(raw[payloadOff:], code)
	return raw
}

func TestParseContainerRoundTrip(t *testing.T) {
	code := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0x04, 0x07} // header + pushb 7
	raw := buildContainer(t, code)

	h, err := ParseContainer(raw)
	assert(t, err == nil, "ParseContainer failed: %v", err)
	assert(t, len(h.Sections) == 1, "expected 1 section, got %d", len(h.Sections))

	e := h.Sections[0]
	assert(t, e.Name == "push", "expected section name %q, got %q", "push", e.Name)
	assert(t, e.Flags&SecCode != 0, "expected SecCode flag set")
	assert(t, e.Flags&SecPush != 0, "expected SecPush flag set")

	payload, err := h.Payload(raw, e)
	assert(t, err == nil, "Payload failed: %v", err)
	assert(t, len(payload) == len(code), "expected payload length %d, got %d", len(code), len(payload))

	seg, err := ParseSegment(KindPush, payload)
	assert(t, err == nil, "ParseSegment failed: %v", err)
	assert(t, len(seg.Code) == 2, "expected 2 code bytes after header strip, got %d", len(seg.Code))
	assert(t, seg.Code[0] == 0x04 && seg.Code[1] == 0x07, "unexpected code bytes: %v", seg.Code)
}

func TestParseContainerTooShort(t *testing.T) {
	_, err := ParseContainer([]byte{1, 2, 3})
	assert(t, err != nil, "expected an error for a truncated header")
}

func TestPayloadOutOfBounds(t *testing.T) {
	raw := buildContainer(t, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	h, err := ParseContainer(raw)
	assert(t, err == nil, "ParseContainer failed: %v", err)

	bogus := SectionEntry{Name: "push", Size: 1000, FileOffset: 0}
	_, err = h.Payload(raw, bogus)
	assert(t, err != nil, "expected an out-of-bounds error for an oversized section")
}

func TestParseSegmentTooShortForHeader(t *testing.T) {
	_, err := ParseSegment(KindInit, []byte{1, 2, 3})
	assert(t, err != nil, "expected an error for a segment shorter than the fixed header")
}

func TestParseInsnLinesAndLineForOffset(t *testing.T) {
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[0:4], 0)
	binary.LittleEndian.PutUint32(raw[4:8], 10)
	binary.LittleEndian.PutUint32(raw[8:12], 5)
	binary.LittleEndian.PutUint32(raw[12:16], 20)

	lines, err := ParseInsnLines(raw)
	assert(t, err == nil, "ParseInsnLines failed: %v", err)
	assert(t, len(lines) == 2, "expected 2 line entries, got %d", len(lines))

	seg := &Segment{LineMap: lines}
	assert(t, seg.LineForOffset(0) == 10, "offset 0 should map to line 10, got %d", seg.LineForOffset(0))
	assert(t, seg.LineForOffset(4) == 10, "offset 4 should still map to line 10, got %d", seg.LineForOffset(4))
	assert(t, seg.LineForOffset(5) == 20, "offset 5 should map to line 20, got %d", seg.LineForOffset(5))
	assert(t, seg.LineForOffset(100) == 20, "offset past the last entry should map to the last line, got %d", seg.LineForOffset(100))
}

func TestParseInsnLinesRejectsMisalignedLength(t *testing.T) {
	_, err := ParseInsnLines([]byte{1, 2, 3})
	assert(t, err != nil, "expected an error for a length not a multiple of 8")
}

func TestKindString(t *testing.T) {
	cases := []struct {
		k    Kind
		want string
	}{
		{KindInit, "init"},
		{KindPush, "push"},
		{KindPull, "pull"},
	}
	for _, c := range cases {
		assert(t, c.k.String() == c.want, "Kind(%d).String() = %q, want %q", c.k, c.k.String(), c.want)
	}
}
