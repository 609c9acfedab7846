package copro

import "github.com/pkg/errors"

// LookupBuckets is the open-hash bucket count both Lookup and LookupNew
// use, per spec.md §4.8's "~65536 buckets" (lookup-new.c's HASH_TABLE_ENTRIES).
const LookupBuckets = 0x10000

// LookupOp enumerates the five-key lookup coprocessor's operations.
type LookupOp uint32

const (
	LookupOpInit LookupOp = iota
	LookupOpInsert
	LookupOpLookup
)

type lookupNode struct {
	key   [5]uint32
	value [2]uint32
	next  *lookupNode
}

// Lookup is the five-key hash lookup coprocessor: a 160-bit key (registers
// 0-4), a 64-bit value (5-6), and a match-flag register (7) that a lookup
// invoke() sets (spec.md §4.8's "Lookup coprocessor (five-key
// variant)"), grounded on lookup.c's hsieh_hash and bucket-chain layout,
// generalised from lookup.c's one key word to five.
type Lookup struct {
	regs    *RegisterFile
	buckets []*lookupNode
}

func NewLookup() *Lookup {
	l := &Lookup{regs: NewRegisterFile(8), buckets: make([]*lookupNode, LookupBuckets)}
	l.regs.SetAccess(7, true, false) // match flag: invoke()-written only
	return l
}

func (l *Lookup) Name() string                  { return "lookup" }
func (l *Lookup) NumRegs() int                  { return l.regs.NumRegs() }
func (l *Lookup) Read(reg int) (uint32, error)   { return l.regs.Read(reg) }
func (l *Lookup) Write(reg int, v uint32) error  { return l.regs.Write(reg, v) }

// Init ignores its data blob: lookup.c's init() only zeroes every bucket.
func (l *Lookup) Init(data []byte) error {
	for i := range l.buckets {
		l.buckets[i] = nil
	}
	return nil
}

func (l *Lookup) key() [5]uint32 {
	var k [5]uint32
	for i := 0; i < 5; i++ {
		k[i] = l.regs.get(i)
	}
	return k
}

func bucketIndex(words []uint32, nbuckets int) int {
	return int(hashFinalize(wordsToBytes(words)) % uint32(nbuckets))
}

func (l *Lookup) find(key [5]uint32) *lookupNode {
	idx := bucketIndex(key[:], LookupBuckets)
	for n := l.buckets[idx]; n != nil; n = n.next {
		if n.key == key {
			return n
		}
	}
	return nil
}

func (l *Lookup) Invoke(op uint32) error {
	switch LookupOp(op) {
	case LookupOpInit:
		return l.Init(nil)
	case LookupOpInsert:
		key := l.key()
		if n := l.find(key); n != nil {
			n.value[0], n.value[1] = l.regs.get(5), l.regs.get(6)
			return nil
		}
		idx := bucketIndex(key[:], LookupBuckets)
		l.buckets[idx] = &lookupNode{key: key, value: [2]uint32{l.regs.get(5), l.regs.get(6)}, next: l.buckets[idx]}
		return nil
	case LookupOpLookup:
		key := l.key()
		if n := l.find(key); n != nil {
			l.regs.set(5, n.value[0])
			l.regs.set(6, n.value[1])
			l.regs.set(7, 1)
		} else {
			l.regs.set(5, 0)
			l.regs.set(6, 0)
			l.regs.set(7, 0)
		}
		return nil
	default:
		return errors.Errorf("copro: lookup: unsupported operation %d", op)
	}
}

// LookupNew is the lookup-new variant: the same 160-bit-key/64-bit-value/
// match-flag register layout, plus register 8 as a configurable key
// length (in words, 1-5), letting a handler hash a narrower key than the
// full 160 bits (spec.md §4.8/§9's Open Question resolution: both variants
// are kept as distinct types). Grounded on lookup-new.c.
type LookupNew struct {
	regs    *RegisterFile
	buckets []*lookupNode
}

const lookupNewKeyLenReg = 8

func NewLookupNew() *LookupNew {
	l := &LookupNew{regs: NewRegisterFile(9), buckets: make([]*lookupNode, LookupBuckets)}
	l.regs.SetAccess(7, true, false)
	l.regs.set(lookupNewKeyLenReg, 5)
	return l
}

func (l *LookupNew) Name() string                 { return "lookupnew" }
func (l *LookupNew) NumRegs() int                 { return l.regs.NumRegs() }
func (l *LookupNew) Read(reg int) (uint32, error)  { return l.regs.Read(reg) }

func (l *LookupNew) Write(reg int, v uint32) error {
	if reg == lookupNewKeyLenReg {
		if v < 1 || v > 5 {
			return errors.Errorf("copro: lookupnew: key length %d out of range [1,5]", v)
		}
	}
	return l.regs.Write(reg, v)
}

func (l *LookupNew) Init(data []byte) error {
	for i := range l.buckets {
		l.buckets[i] = nil
	}
	return nil
}

func (l *LookupNew) keyLen() int { return int(l.regs.get(lookupNewKeyLenReg)) }

func (l *LookupNew) key() [5]uint32 {
	var k [5]uint32
	for i := 0; i < l.keyLen(); i++ {
		k[i] = l.regs.get(i)
	}
	return k
}

func (l *LookupNew) find(key [5]uint32, n int) *lookupNode {
	idx := bucketIndex(key[:n], LookupBuckets)
	for cur := l.buckets[idx]; cur != nil; cur = cur.next {
		if cur.key == key {
			return cur
		}
	}
	return nil
}

func (l *LookupNew) Invoke(op uint32) error {
	n := l.keyLen()
	switch LookupOp(op) {
	case LookupOpInit:
		return l.Init(nil)
	case LookupOpInsert:
		key := l.key()
		if entry := l.find(key, n); entry != nil {
			entry.value[0], entry.value[1] = l.regs.get(5), l.regs.get(6)
			return nil
		}
		idx := bucketIndex(key[:n], LookupBuckets)
		l.buckets[idx] = &lookupNode{key: key, value: [2]uint32{l.regs.get(5), l.regs.get(6)}, next: l.buckets[idx]}
		return nil
	case LookupOpLookup:
		key := l.key()
		if entry := l.find(key, n); entry != nil {
			l.regs.set(5, entry.value[0])
			l.regs.set(6, entry.value[1])
			l.regs.set(7, 1)
		} else {
			l.regs.set(5, 0)
			l.regs.set(6, 0)
			l.regs.set(7, 0)
		}
		return nil
	default:
		return errors.Errorf("copro: lookupnew: unsupported operation %d", op)
	}
}
