package copro

import "testing"

func TestLookupInsertThenLookupFindsValue(t *testing.T) {
	l := NewLookup()
	for i := 0; i < 5; i++ {
		l.Write(i, uint32(100+i))
	}
	l.Write(5, 0xAAAA)
	l.Write(6, 0xBBBB)
	assert(t, l.Invoke(uint32(LookupOpInsert)) == nil, "insert should not error")

	assert(t, l.Invoke(uint32(LookupOpLookup)) == nil, "lookup should not error")
	v5, _ := l.Read(5)
	v6, _ := l.Read(6)
	flag, _ := l.Read(7)
	assert(t, v5 == 0xAAAA && v6 == 0xBBBB, "expected the inserted value back, got %#x/%#x", v5, v6)
	assert(t, flag == 1, "expected the match flag set after a successful lookup")
}

func TestLookupMissReportsNoMatch(t *testing.T) {
	l := NewLookup()
	for i := 0; i < 5; i++ {
		l.Write(i, uint32(i))
	}
	assert(t, l.Invoke(uint32(LookupOpLookup)) == nil, "lookup of an absent key should not error")
	flag, _ := l.Read(7)
	assert(t, flag == 0, "expected the match flag clear for a missing key")
}

func TestLookupMatchFlagRegisterIsNotWritable(t *testing.T) {
	l := NewLookup()
	assert(t, l.Write(7, 1) != nil, "the match-flag register must reject direct writes")
}

func TestLookupInsertOverwritesExistingKey(t *testing.T) {
	l := NewLookup()
	for i := 0; i < 5; i++ {
		l.Write(i, uint32(i))
	}
	l.Write(5, 1)
	l.Write(6, 1)
	l.Invoke(uint32(LookupOpInsert))
	l.Write(5, 2)
	l.Write(6, 2)
	l.Invoke(uint32(LookupOpInsert))

	l.Invoke(uint32(LookupOpLookup))
	v5, _ := l.Read(5)
	assert(t, v5 == 2, "re-inserting the same key should overwrite its value, got %d", v5)
}

func TestLookupNewHonoursConfigurableKeyLength(t *testing.T) {
	l := NewLookupNew()
	assert(t, l.Write(lookupNewKeyLenReg, 2) == nil, "setting key length within [1,5] should succeed")
	assert(t, l.Write(lookupNewKeyLenReg, 0) != nil, "key length 0 is out of range and must be rejected")
	assert(t, l.Write(lookupNewKeyLenReg, 6) != nil, "key length 6 is out of range and must be rejected")

	// Only the first 2 words participate in the key now, so two inserts
	// that agree on those words but differ beyond them collide.
	l.Write(0, 7)
	l.Write(1, 8)
	l.Write(2, 999) // ignored: outside the 2-word key
	l.Write(5, 0x1111)
	l.Write(6, 0x2222)
	assert(t, l.Invoke(uint32(LookupOpInsert)) == nil, "insert should not error")

	l.Write(2, 1) // different from the first insert's ignored word 2
	assert(t, l.Invoke(uint32(LookupOpLookup)) == nil, "lookup should not error")
	flag, _ := l.Read(7)
	assert(t, flag == 1, "expected a hit since only the first 2 words are part of the key")
}
