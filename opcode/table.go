// Package opcode holds the static NetIL instruction descriptor table: one
// entry per opcode byte, giving mnemonic, operand shape, stack effect, and
// side-effect flags. The table never changes after package init; nothing
// in this package allocates per lookup.
package opcode

// Code is a single NetIL opcode byte.
type Code byte

// ArgShape describes how many bytes of immediate operand follow an opcode.
type ArgShape int

const (
	ArgNone    ArgShape = iota // no operand bytes
	ArgByte                    // one byte
	ArgWord                    // one 32-bit word
	ArgWord2                   // two 32-bit words
	ArgVariant                 // variable-length (switch tables)
)

// Flag is a bitmask of side effects an instruction may have. The verifier
// and lowering passes both consult these instead of switching on mnemonic.
type Flag uint16

const (
	FlagReadsPacket Flag = 1 << iota
	FlagWritesPacket
	FlagReadsData
	FlagWritesData
	FlagReadsShared
	FlagWritesShared
	FlagReadsInfo
	FlagWritesInfo
	FlagCoprocessor
	FlagBranch
	FlagReturn
	FlagSwitch
	FlagMayThrow
	FlagInitOnly // legal only inside an .init segment
)

// Descriptor is the immutable per-opcode record.
type Descriptor struct {
	Code     Code
	Mnemonic string
	Args     ArgShape
	Consumes int // stack slots consumed
	Produces int // stack slots produced
	Flags    Flag
}

// ArgBytes returns how many operand bytes follow the opcode byte itself
// for fixed-shape opcodes. Variable-shape opcodes (switch) must be sized
// by the caller from the decoded case count; ArgBytes panics for those.
func (d Descriptor) ArgBytes() int {
	switch d.Args {
	case ArgNone:
		return 0
	case ArgByte:
		return 1
	case ArgWord:
		return 4
	case ArgWord2:
		return 8
	default:
		panic("opcode: ArgBytes called on variable-shape opcode " + d.Mnemonic)
	}
}

// Table indexes descriptors by opcode byte. Index i always holds the
// descriptor for opcode Code(i); unused slots hold the zero Descriptor
// with an empty Mnemonic, which the verifier treats as OP_NOT_DEF.
var Table [256]Descriptor

func def(c Code, mnemonic string, args ArgShape, consumes, produces int, flags Flag) {
	if Table[c].Mnemonic != "" {
		panic("opcode: duplicate registration for " + mnemonic)
	}
	Table[c] = Descriptor{Code: c, Mnemonic: mnemonic, Args: args, Consumes: consumes, Produces: produces, Flags: flags}
}

// Lookup returns the descriptor for c and whether it is defined.
func Lookup(c Code) (Descriptor, bool) {
	d := Table[c]
	return d, d.Mnemonic != ""
}

// memOp registers the load/store family for one memory area (packet, data,
// shared, info) starting at base. Each area contributes eight opcodes: five
// loads (8u, 8s, 16u, 16s, 32) plus one store per width (8, 16, 32).
func memOp(base Code, area string, readFlag, writeFlag Flag) Code {
	c := base
	widths := []struct {
		name       string
		consumesSt int
	}{{"8u", 0}, {"8s", 0}, {"16u", 0}, {"16s", 0}, {"32", 0}}
	for _, w := range widths {
		// load: consumes 1 (offset), produces 1 (value)
		def(c, area+"_ld"+w.name, ArgNone, 1, 1, readFlag|FlagMayThrow)
		c++
	}
	for _, w := range []string{"8", "16", "32"} {
		// store: consumes 2 (offset, value), produces 0
		def(c, area+"_st"+w, ArgNone, 2, 0, writeFlag|FlagMayThrow)
		c++
	}
	return c
}

func init() {
	var c Code

	// --- stack manipulation ---
	def(0x00, "nop", ArgNone, 0, 0, 0)
	def(0x01, "pop", ArgNone, 1, 0, 0)
	def(0x02, "dup", ArgNone, 1, 2, 0)
	def(0x03, "swap", ArgNone, 2, 2, 0)
	def(0x04, "pushb", ArgByte, 0, 1, 0)
	def(0x05, "pushw", ArgWord, 0, 1, 0)

	// --- arithmetic / bitwise (binary, consume 2 produce 1) ---
	bin := []string{"add", "sub", "mul", "div", "mod", "and", "or", "xor", "shl", "shr", "shru"}
	c = 0x10
	for _, m := range bin {
		flags := Flag(0)
		if m == "div" || m == "mod" {
			flags = FlagMayThrow
		}
		def(c, m, ArgNone, 2, 1, flags)
		c++
	}
	// --- unary ---
	def(0x1C, "neg", ArgNone, 1, 1, 0)
	def(0x1D, "not", ArgNone, 1, 1, 0)

	// --- comparisons (consume 2 produce 1 bool) ---
	cmp := []string{"eq", "neq", "lt", "le", "gt", "ge", "lt_u", "le_u", "gt_u", "ge_u"}
	c = 0x20
	for _, m := range cmp {
		def(c, m, ArgNone, 2, 1, 0)
		c++
	}

	// --- locals ---
	def(0x30, "loc_load", ArgByte, 0, 1, 0)
	def(0x31, "loc_store", ArgByte, 1, 0, 0)

	// --- control flow ---
	def(0x40, "jump", ArgByte, 0, 0, FlagBranch)
	def(0x41, "jumpw", ArgWord, 0, 0, FlagBranch)
	def(0x42, "jumpc", ArgByte, 1, 0, FlagBranch)  // conditional, short
	def(0x43, "jumpcw", ArgWord, 1, 0, FlagBranch) // conditional, long
	def(0x44, "call", ArgByte, 0, 0, FlagBranch)
	def(0x45, "callw", ArgWord, 0, 0, FlagBranch)
	def(0x46, "ret", ArgNone, 0, 0, FlagReturn)
	def(0x47, "switch", ArgVariant, 1, 0, FlagSwitch|FlagBranch)
	def(0x48, "sendpkt", ArgByte, 0, 0, FlagReturn|FlagWritesPacket)

	// --- memory areas ---
	c = memOp(0x50, "pkt", FlagReadsPacket, FlagWritesPacket)
	c = memOp(c, "data", FlagReadsData, FlagWritesData)
	c = memOp(c, "shared", FlagReadsShared, FlagWritesShared)
	c = memOp(c, "info", FlagReadsInfo, FlagWritesInfo)
	_ = c

	// --- coprocessor interface ---
	def(0x80, "copinit", ArgWord2, 0, 0, FlagCoprocessor|FlagMayThrow|FlagInitOnly)
	def(0x81, "copinvoke", ArgWord2, 0, 0, FlagCoprocessor|FlagMayThrow)
	def(0x82, "copwreg", ArgWord2, 1, 0, FlagCoprocessor|FlagMayThrow)
	def(0x83, "coprreg", ArgWord2, 0, 1, FlagCoprocessor|FlagMayThrow)
}

// Mnemonic is a convenience accessor used by disassembly/debug tooling.
func Mnemonic(c Code) string {
	if d, ok := Lookup(c); ok {
		return d.Mnemonic
	}
	return "??"
}
