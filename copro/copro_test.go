package copro

import "testing"

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestNewTableHasEveryCanonicalName(t *testing.T) {
	tbl := NewTable()
	for _, name := range CanonicalNames {
		c, ok := tbl.Get(name)
		assert(t, ok, "expected canonical coprocessor %q to be registered", name)
		assert(t, c.Name() == name, "expected %q's Name() to report itself, got %q", name, c.Name())
	}
}

func TestTableGetMissingNameReportsFalse(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Get("nonexistent")
	assert(t, !ok, "expected Get of an unregistered name to report false")
}

func TestTableMustGetErrorsOnMissingName(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.MustGet("nonexistent")
	assert(t, err != nil, "expected MustGet to error for an unregistered name")
}

func TestTableSetBufferReachesBufferedCoprocessors(t *testing.T) {
	tbl := NewTable()
	tbl.SetBuffer([]byte("hello"))
	sm, _ := tbl.Get("stringmatching")
	assert(t, string(sm.(*StringMatcher).buf) == "hello", "expected SetBuffer to install the buffer on the string matcher")
	rx, _ := tbl.Get("regexp")
	assert(t, string(rx.(*Regex).buf) == "hello", "expected SetBuffer to install the buffer on the regex coprocessor")
}

func TestRegisterFileAccessMask(t *testing.T) {
	rf := NewRegisterFile(2)
	rf.SetAccess(1, true, false)
	assert(t, rf.Write(1, 5) != nil, "expected write to a non-writable register to fail")
	assert(t, rf.Write(0, 5) == nil, "expected write to a default-writable register to succeed")
	v, err := rf.Read(0)
	assert(t, err == nil && v == 5, "expected to read back the written value, got %d, err %v", v, err)
}

func TestRegisterFileOutOfRange(t *testing.T) {
	rf := NewRegisterFile(1)
	_, err := rf.Read(5)
	assert(t, err != nil, "expected out-of-range read to error")
	assert(t, rf.Write(-1, 0) != nil, "expected negative-index write to error")
}
