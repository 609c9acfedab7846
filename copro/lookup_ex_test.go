package copro

import "testing"

func TestLookupExSelectCreatesThenFindsEntry(t *testing.T) {
	e := NewLookupEx()
	assert(t, e.Init([]byte{1, 0, 0, 0}) == nil, "init with table count 1 should not error")

	e.Write(0, 0) // table id
	e.Write(2, 1) // key words
	e.Write(3, 2) // value words
	assert(t, e.Invoke(uint32(LookupExOpInitTable)) == nil, "init_table should not error")

	e.Write(1, 42)
	assert(t, e.Invoke(uint32(LookupExOpAddKey)) == nil, "add_key should not error")
	e.Write(1, 7)
	assert(t, e.Invoke(uint32(LookupExOpAddValue)) == nil, "add_value should not error")

	assert(t, e.Invoke(uint32(LookupExOpSelect)) == nil, "select should not error")
	flag, _ := e.Read(7)
	assert(t, flag == 0, "expected select to report a freshly created entry (flag 0), got %d", flag)

	e.Write(1, 0) // offset 0
	assert(t, e.Invoke(uint32(LookupExOpGetValue)) == nil, "get_value should not error")
	v, _ := e.Read(6)
	assert(t, v == 7, "expected the stored value word back, got %d", v)

	// Re-selecting the same key should now report an existing hit.
	e.doReset()
	e.Write(1, 42)
	e.Invoke(uint32(LookupExOpAddKey))
	e.Invoke(uint32(LookupExOpSelect))
	flag2, _ := e.Read(7)
	assert(t, flag2 == 1, "expected select to report an existing entry on the second lookup, got %d", flag2)
}

func TestLookupExUpdAndDelete(t *testing.T) {
	e := NewLookupEx()
	e.Init([]byte{1, 0, 0, 0})
	e.Write(0, 0)
	e.Write(2, 1)
	e.Write(3, 1)
	e.Invoke(uint32(LookupExOpInitTable))

	e.Write(1, 5)
	e.Invoke(uint32(LookupExOpAddKey))
	e.Write(1, 99)
	e.Invoke(uint32(LookupExOpAddValue))
	e.Invoke(uint32(LookupExOpSelect))

	e.Write(1, 0)
	e.Write(6, 123)
	assert(t, e.Invoke(uint32(LookupExOpUpdValue)) == nil, "upd_value should not error")
	e.Invoke(uint32(LookupExOpGetValue))
	v, _ := e.Read(6)
	assert(t, v == 123, "expected updated value back, got %d", v)

	assert(t, e.Invoke(uint32(LookupExOpDelete)) == nil, "delete should not error")
	assert(t, e.Invoke(uint32(LookupExOpGetValue)) != nil, "get_value after delete should error: nothing is selected")
}

func TestLookupExSelectWithoutInitTableErrors(t *testing.T) {
	e := NewLookupEx()
	e.Init([]byte{1, 0, 0, 0})
	e.Write(0, 0)
	err := e.Invoke(uint32(LookupExOpSelect))
	assert(t, err != nil, "selecting against an uninitialised table must error")
}
