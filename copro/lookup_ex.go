package copro

import "github.com/pkg/errors"

// LookupExOp enumerates the extended multi-table lookup coprocessor's
// operations, named after lookup_ex.c's enum.
type LookupExOp uint32

const (
	LookupExOpInit LookupExOp = iota
	LookupExOpInitTable
	LookupExOpAddKey
	LookupExOpAddValue
	LookupExOpSelect
	LookupExOpGetValue
	LookupExOpUpdValue
	LookupExOpDelete
	LookupExOpReset
)

const lookupExBuckets = 0x10000

type lookupExEntry struct {
	key   []uint32
	value []uint32
	next  *lookupExEntry
}

type lookupExTable struct {
	keyWords   int
	valueWords int
	buckets    []*lookupExEntry
}

// LookupEx is the extended lookup coprocessor: unlike Lookup/LookupNew's
// fixed 160-bit-key/64-bit-value layout, it manages several independently
// sized tables selected by id, and routes invoke(op_id) through an
// explicit per-operation dispatch table rather than a switch — exercising
// the "optional operation-dispatch table" field of the Coprocessor state
// record (spec.md §3) that Lookup/LookupNew never need. This is a
// domain-expansion addition: lookup_ex.c is a third variant present in
// the original source but not named by the distilled specification.
//
// Register layout: R0 selects a table id (or, at coprocessor Init, the
// table count); InitTable reads the table's key and value widths in words
// from R2 and R3; AddKey and AddValue each append R1 to the pending key or
// value; GetValue and UpdValue take a word offset in R1 and read or write
// R6; R7 is the match flag.
type LookupEx struct {
	regs     *RegisterFile
	tables   []*lookupExTable
	keyBuf   []uint32
	valueBuf []uint32
	selected *lookupExEntry
	dispatch map[LookupExOp]OperationFunc
}

func NewLookupEx() *LookupEx {
	e := &LookupEx{regs: NewRegisterFile(8)}
	e.regs.SetAccess(7, true, false)
	e.dispatch = map[LookupExOp]OperationFunc{
		LookupExOpInit:      e.doInit,
		LookupExOpInitTable: e.doInitTable,
		LookupExOpAddKey:    e.doAddKey,
		LookupExOpAddValue:  e.doAddValue,
		LookupExOpSelect:    e.doSelect,
		LookupExOpGetValue:  e.doGetValue,
		LookupExOpUpdValue:  e.doUpdValue,
		LookupExOpDelete:    e.doDelete,
		LookupExOpReset:     e.doReset,
	}
	return e
}

func (e *LookupEx) Name() string                 { return "lookup_ex" }
func (e *LookupEx) NumRegs() int                 { return e.regs.NumRegs() }
func (e *LookupEx) Read(reg int) (uint32, error)  { return e.regs.Read(reg) }
func (e *LookupEx) Write(reg int, v uint32) error { return e.regs.Write(reg, v) }

// Init's data blob carries a little-endian u32 table count, mirroring R0's
// "number of tables to manage" role at coprocessor-initialization time.
func (e *LookupEx) Init(data []byte) error {
	n := 0
	if len(data) >= 4 {
		n = int(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	}
	e.tables = make([]*lookupExTable, n)
	return nil
}

func (e *LookupEx) Invoke(op uint32) error {
	fn, ok := e.dispatch[LookupExOp(op)]
	if !ok {
		return errors.Errorf("copro: lookup_ex: unsupported operation %d", op)
	}
	return fn()
}

func (e *LookupEx) tableID() (int, *lookupExTable, error) {
	id := int(e.regs.get(0))
	if id < 0 || id >= len(e.tables) || e.tables[id] == nil {
		return id, nil, errors.Errorf("copro: lookup_ex: table %d not initialised", id)
	}
	return id, e.tables[id], nil
}

func (e *LookupEx) doInit() error {
	e.tables = make([]*lookupExTable, e.regs.get(0))
	return nil
}

func (e *LookupEx) doInitTable() error {
	id := int(e.regs.get(0))
	if id < 0 || id >= len(e.tables) {
		return errors.Errorf("copro: lookup_ex: table %d out of range", id)
	}
	e.tables[id] = &lookupExTable{
		keyWords:   int(e.regs.get(2)),
		valueWords: int(e.regs.get(3)),
		buckets:    make([]*lookupExEntry, lookupExBuckets),
	}
	e.keyBuf, e.valueBuf = nil, nil
	return nil
}

func (e *LookupEx) doAddKey() error {
	e.keyBuf = append(e.keyBuf, e.regs.get(1))
	return nil
}

func (e *LookupEx) doAddValue() error {
	e.valueBuf = append(e.valueBuf, e.regs.get(1))
	return nil
}

func (e *LookupEx) findEntry(t *lookupExTable, key []uint32) (*lookupExEntry, int) {
	idx := bucketIndex(key, len(t.buckets))
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if wordsEqual(cur.key, key) {
			return cur, idx
		}
	}
	return nil, idx
}

// doSelect finds the entry matching the accumulated key in the current
// table, creating one from the accumulated key/value buffers if absent,
// and makes it the target of subsequent GetValue/UpdValue/Delete calls.
// Register 7 reports whether an existing entry was found (1) or a new one
// was created (0).
func (e *LookupEx) doSelect() error {
	_, t, err := e.tableID()
	if err != nil {
		return err
	}
	key := append([]uint32(nil), e.keyBuf...)
	if entry, idx := e.findEntry(t, key); entry != nil {
		e.selected = entry
		e.regs.set(7, 1)
		return nil
	} else {
		value := make([]uint32, t.valueWords)
		copy(value, e.valueBuf)
		entry = &lookupExEntry{key: key, value: value, next: t.buckets[idx]}
		t.buckets[idx] = entry
		e.selected = entry
		e.regs.set(7, 0)
		return nil
	}
}

func (e *LookupEx) doGetValue() error {
	if e.selected == nil {
		return errors.New("copro: lookup_ex: get_value with no selected entry")
	}
	offset := int(e.regs.get(1))
	if offset < 0 || offset >= len(e.selected.value) {
		return errors.Errorf("copro: lookup_ex: value offset %d out of range", offset)
	}
	e.regs.set(6, e.selected.value[offset])
	return nil
}

func (e *LookupEx) doUpdValue() error {
	if e.selected == nil {
		return errors.New("copro: lookup_ex: upd_value with no selected entry")
	}
	offset := int(e.regs.get(1))
	if offset < 0 || offset >= len(e.selected.value) {
		return errors.Errorf("copro: lookup_ex: value offset %d out of range", offset)
	}
	e.selected.value[offset] = e.regs.get(6)
	return nil
}

func (e *LookupEx) doDelete() error {
	_, t, err := e.tableID()
	if err != nil {
		return err
	}
	if e.selected == nil {
		return errors.New("copro: lookup_ex: delete with no selected entry")
	}
	idx := bucketIndex(e.selected.key, len(t.buckets))
	var prev *lookupExEntry
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur == e.selected {
			if prev == nil {
				t.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			e.selected = nil
			return nil
		}
		prev = cur
	}
	return errors.New("copro: lookup_ex: selected entry not found in its table")
}

func (e *LookupEx) doReset() error {
	e.keyBuf, e.valueBuf, e.selected = nil, nil, nil
	return nil
}

func wordsEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
