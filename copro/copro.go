// Package copro implements the coprocessor family: stateful kernels
// (hash lookup tables, an Aho-Corasick string matcher, a regex DFA) a
// compiled handler drives through a register file plus invoke(op_id),
// exactly mirroring how bytecode lowers a coprocessor call (spec.md §4.2's
// "write argument registers, invoke, read result registers").
package copro

import "github.com/pkg/errors"

// Coprocessor is the uniform interface every kernel in this package
// presents; the runtime holds a table of these by name (spec.md §6's
// canonical {lookup, lookupnew, lookup_ex, regexp, stringmatching} set).
type Coprocessor interface {
	Name() string
	NumRegs() int
	Init(data []byte) error
	Read(reg int) (uint32, error)
	Write(reg int, value uint32) error
	Invoke(op uint32) error
}

// RegisterFile is the register array plus per-register read/write access
// mask every coprocessor exposes, per spec.md §3's Coprocessor state
// record ("register values array" + "per-register access flags").
type RegisterFile struct {
	values   []uint32
	readable []bool
	writable []bool
}

// NewRegisterFile allocates n registers, all readable and writable by
// default; callers narrow individual flags with SetAccess.
func NewRegisterFile(n int) *RegisterFile {
	r := &RegisterFile{
		values:   make([]uint32, n),
		readable: make([]bool, n),
		writable: make([]bool, n),
	}
	for i := range r.readable {
		r.readable[i] = true
		r.writable[i] = true
	}
	return r
}

// SetAccess narrows a register's read/write mask. Used for registers like
// the lookup coprocessor's match flag, which invoke() sets but a handler
// never writes directly.
func (r *RegisterFile) SetAccess(reg int, readable, writable bool) {
	r.readable[reg] = readable
	r.writable[reg] = writable
}

func (r *RegisterFile) NumRegs() int { return len(r.values) }

func (r *RegisterFile) Read(reg int) (uint32, error) {
	if reg < 0 || reg >= len(r.values) {
		return 0, errors.Errorf("copro: register %d out of range [0,%d)", reg, len(r.values))
	}
	if !r.readable[reg] {
		return 0, errors.Errorf("copro: register %d is not readable", reg)
	}
	return r.values[reg], nil
}

func (r *RegisterFile) Write(reg int, value uint32) error {
	if reg < 0 || reg >= len(r.values) {
		return errors.Errorf("copro: register %d out of range [0,%d)", reg, len(r.values))
	}
	if !r.writable[reg] {
		return errors.Errorf("copro: register %d is not writable", reg)
	}
	r.values[reg] = value
	return nil
}

// set/get bypass the access mask for internal use by invoke() handlers,
// which read/write registers a plain Write call would reject (e.g. the
// match-flag register).
func (r *RegisterFile) set(reg int, value uint32) { r.values[reg] = value }
func (r *RegisterFile) get(reg int) uint32        { return r.values[reg] }

// OperationFunc is one entry in a coprocessor's operation-dispatch table,
// per spec.md §3's "optional operation-dispatch table" field.
type OperationFunc func() error

// hashFinalize is the Paul Hsieh SuperFastHash mixing finalizer lookup.c
// uses over the key words: seed = byte length, alternating 16-bit reads,
// a shift-xor-add cascade, then a five-step avalanche. Ported verbatim
// from the C (spec.md §4.8's "mixing finalizer ... five-step avalanche").
func hashFinalize(data []byte) uint32 {
	length := len(data)
	if length <= 0 {
		return 0
	}
	hash := uint32(length)

	get16 := func(d []byte) uint32 { return uint32(d[0]) | uint32(d[1])<<8 }

	rem := length & 3
	n := length >> 2
	i := 0
	for ; n > 0; n-- {
		hash += get16(data[i:])
		tmp := get16(data[i+2:])<<11 ^ hash
		hash = hash<<16 ^ tmp
		i += 4
		hash += hash >> 11
	}

	switch rem {
	case 3:
		hash += get16(data[i:])
		hash ^= hash << 16
		hash ^= uint32(data[i+2]) << 18
		hash += hash >> 11
	case 2:
		hash += get16(data[i:])
		hash ^= hash << 11
		hash += hash >> 17
	case 1:
		hash += uint32(data[i])
		hash ^= hash << 10
		hash += hash >> 1
	}

	hash ^= hash << 3
	hash += hash >> 5
	hash ^= hash << 2
	hash += hash >> 15
	hash ^= hash << 10
	return hash
}

// wordsToBytes packs key words little-endian, matching lookup.c's direct
// reinterpretation of a uint32 array as a byte stream for hashing.
func wordsToBytes(words []uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		out[4*i] = byte(w)
		out[4*i+1] = byte(w >> 8)
		out[4*i+2] = byte(w >> 16)
		out[4*i+3] = byte(w >> 24)
	}
	return out
}
