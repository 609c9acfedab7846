package vmrt

import (
	"time"

	"github.com/pkg/errors"

	"netvm/copro"
	"netvm/emit"
	"netvm/ir"
	"netvm/spill"
)

// Area identifies one of the four exchange-buffer/PE-backed memory regions
// a compiled handler can address, mirroring lower.Area's ordering. Packet
// and Info live on the current ExchangeBuffer; Data and Shared are
// per-PE/per-application buffers that outlive any one exchange buffer.
type Area int

const (
	AreaPacket Area = iota
	AreaData
	AreaShared
	AreaInfo
)

func (a Area) String() string {
	switch a {
	case AreaPacket:
		return "packet"
	case AreaData:
		return "data"
	case AreaShared:
		return "shared"
	case AreaInfo:
		return "info"
	default:
		return "unknown"
	}
}

// frameScratch is the spill-slot memory every handler invocation gets,
// addressed through spill.FramePointer. Sized generously rather than
// threaded through from a Spiller's FrameSize: the interpreter, not the
// compiled artifact, owns this buffer.
const frameScratch = 4096

// Handler is one compiled segment ready to run: a patched, page-protected
// executable artifact plus the entry address a Runtime enters at.
type Handler struct {
	Result *emit.Result
}

// NewHandler wraps a freshly emitted artifact for dispatch.
func NewHandler(res *emit.Result) *Handler { return &Handler{Result: res} }

// Runtime is the per-PE execution shell spec.md §4.9 describes: exchange
// buffer pool, coprocessor table, private Data memory, application-shared
// Shared memory, and an optional profiling hook around every handler run.
type Runtime struct {
	Exbufs *ExbufPool
	Copros *copro.Table

	// Data is this PE's private memory area.
	Data []byte
	// Shared is the application-wide memory area; callers wire the same
	// backing slice into every PE's Runtime that needs to see it.
	Shared []byte

	// InitBlobs resolves a copinit dataRef immediate to the coprocessor
	// init blob bytes the loaded PE's bytecode segment carries; the
	// bytecode container's constant pool is a loader-level concern this
	// package doesn't own, so callers populate it when constructing a PE.
	InitBlobs map[int64][]byte

	Counter Counter

	// Send delivers a sendpkt's exchange buffer to the port-connection
	// graph; nil (the default) makes sendpkt a no-op, matching a handler
	// run in isolation (e.g. unit tests with no PE graph). The owning PE
	// lifecycle facade is the only thing that knows how ports are wired,
	// so it installs this hook rather than vmrt modelling the graph.
	Send func(port int64, xbuf *ExchangeBuffer) error
}

// NewRuntime builds a Runtime around an exbuf pool and coprocessor table.
func NewRuntime(exbufs *ExbufPool, copros *copro.Table) *Runtime {
	return &Runtime{Exbufs: exbufs, Copros: copros, InitBlobs: map[int64][]byte{}}
}

type regKey struct {
	space ir.RegSpace
	name  int
}

func key(r ir.Reg) regKey { return regKey{r.Space, r.Name} }

// frame is one handler invocation's volatile state.
type frame struct {
	regs      map[regKey]int64
	areas     map[regKey]Area
	scratch   [frameScratch]byte
	xbuf      *ExchangeBuffer
	callStack []int
}

func newFrame(xbuf *ExchangeBuffer) *frame {
	return &frame{regs: map[regKey]int64{}, areas: map[regKey]Area{}, xbuf: xbuf}
}

func (fr *frame) get(r ir.Reg) int64    { return fr.regs[key(r)] }
func (fr *frame) set(r ir.Reg, v int64) { fr.regs[key(r)] = v }

// Run executes h against xbuf on the calling goroutine to its first
// OpRet, per spec.md §4.9's "single-threaded, non-preemptive, one
// exchange buffer at a time" handler dispatch. The returned ExitCode is
// spec.md §7's runtime-exception enum; a non-nil error always pairs with
// a non-OK code and nothing in xbuf/rt is left partially mutated by the
// instruction that failed.
func (rt *Runtime) Run(h *Handler, xbuf *ExchangeBuffer) (ExitCode, error) {
	return rt.run(h, newFrame(xbuf))
}

// RunPort is Run's counterpart for push/pull segments: per spec.md §4.1,
// the calling port id occupies stack position 1 at segment entry, which
// lower.go's slotReg(1) turns into a virtual register the PE lifecycle
// facade precolors to machine register 0 at compile time (see netvm's
// compile). Seeding that fixed register here is what lets the
// compiled segment observe its caller's port id without the verifier or
// lowering pass needing any special entry-argument convention.
func (rt *Runtime) RunPort(h *Handler, xbuf *ExchangeBuffer, portID int64) (ExitCode, error) {
	fr := newFrame(xbuf)
	fr.set(ir.Reg{Space: ir.SpaceMachine, Name: 0}, portID)
	return rt.run(h, fr)
}

func (rt *Runtime) run(h *Handler, fr *frame) (ExitCode, error) {
	start := time.Now()
	buf := h.Result.Page.Bytes()
	pc := int(h.Result.EntryAddr)

	for {
		instr, err := emit.Decode(buf, pc)
		if err != nil {
			err = errors.Wrap(err, "vmrt: decode")
			return classifyExit(err), err
		}
		branch, stop, err := rt.exec(fr, instr, pc+instr.Size)
		if err != nil {
			err = errors.Wrap(err, "vmrt: exec")
			return classifyExit(err), err
		}
		if stop {
			break
		}
		if branch >= 0 {
			pc = branch
		} else {
			pc = pc + instr.Size
		}
	}

	if rt.Counter != nil {
		rt.Counter.StoreSample(time.Since(start))
	}
	return ExitOK, nil
}

// exec runs one decoded instruction, returning the address to branch to
// (-1 for fall-through) and whether execution should stop (OpRet).
func (rt *Runtime) exec(fr *frame, in emit.DecodedInstr, next int) (branch int, stop bool, err error) {
	branch = -1

	switch {
	case in.Op == ir.OpNop:
	case in.Op == ir.OpMov:
		fr.set(regOf(in.Operands[0]), fr.valueOf(in.Operands[1]))
	case in.Op == ir.OpLoadArea:
		fr.areas[key(regOf(in.Operands[0]))] = Area(in.Operands[1].Imm)
	case in.Op == ir.OpLoadLabelAddr:
		fr.set(regOf(in.Operands[0]), in.Operands[1].Addr)
	case in.Op == ir.OpLoad:
		v, lerr := rt.load(fr, in.Operands[1].Mem)
		if lerr != nil {
			return 0, false, lerr
		}
		fr.set(regOf(in.Operands[0]), v)
	case in.Op == ir.OpStore:
		if serr := rt.store(fr, in.Operands[0].Mem, fr.get(regOf(in.Operands[1]))); serr != nil {
			return 0, false, serr
		}
	case in.Op == ir.OpAdd:
		arith(fr, in, func(a, b int64) int64 { return a + b })
	case in.Op == ir.OpSub:
		arith(fr, in, func(a, b int64) int64 { return a - b })
	case in.Op == ir.OpMul:
		arith(fr, in, func(a, b int64) int64 { return a * b })
	case in.Op == ir.OpDiv:
		if fr.valueOf(in.Operands[1]) == 0 {
			return 0, false, errors.New("vmrt: division by zero")
		}
		arith(fr, in, func(a, b int64) int64 { return a / b })
	case in.Op == ir.OpMod:
		if fr.valueOf(in.Operands[1]) == 0 {
			return 0, false, errors.New("vmrt: division by zero")
		}
		arith(fr, in, func(a, b int64) int64 { return a % b })
	case in.Op == ir.OpAnd:
		arith(fr, in, func(a, b int64) int64 { return a & b })
	case in.Op == ir.OpOr:
		arith(fr, in, func(a, b int64) int64 { return a | b })
	case in.Op == ir.OpXor:
		arith(fr, in, func(a, b int64) int64 { return a ^ b })
	case in.Op == ir.OpShl:
		arith(fr, in, func(a, b int64) int64 { return a << uint(b&63) })
	case in.Op == ir.OpShr:
		arith(fr, in, func(a, b int64) int64 { return a >> uint(b&63) })
	case in.Op == ir.OpShrU:
		arith(fr, in, func(a, b int64) int64 { return int64(uint64(a) >> uint(b&63)) })
	case in.Op == ir.OpNeg:
		r := regOf(in.Operands[0])
		fr.set(r, -fr.get(r))
	case in.Op == ir.OpNot:
		r := regOf(in.Operands[0])
		fr.set(r, ^fr.get(r))
	case in.Op.IsCmp():
		execCmp(fr, in)
	case in.Op == ir.OpBoundsCheck:
		if berr := rt.boundsCheck(fr, in); berr != nil {
			return 0, false, berr
		}
	case in.Op == ir.OpJmp:
		return int(in.Operands[0].Addr), false, nil
	case in.Op == ir.OpJcc:
		if fr.get(regOf(in.Operands[0])) != 0 {
			return int(in.Operands[1].Addr), false, nil
		}
	case in.Op == ir.OpCall:
		if in.Operands[0].Kind == ir.OperandLabel {
			// Subroutine call: push the fall-through address and jump,
			// so the callee's OpRet resumes the caller rather than
			// ending the whole invocation.
			fr.callStack = append(fr.callStack, next)
			return int(in.Operands[0].Addr), false, nil
		}
		// sendpkt: Operands[0] is the destination port index immediate.
		if rt.Send != nil {
			if serr := rt.Send(in.Operands[0].Imm, fr.xbuf); serr != nil {
				return 0, false, serr
			}
		}
	case in.Op == ir.OpRet:
		if n := len(fr.callStack); n > 0 {
			ret := fr.callStack[n-1]
			fr.callStack = fr.callStack[:n-1]
			return ret, false, nil
		}
		return 0, true, nil
	case in.Op == ir.OpPush, in.Op == ir.OpPop:
		// Unused by the current lowering (stack slots are virtual
		// registers throughout), kept for IR completeness.
	case in.Op == ir.OpCoproInit:
		if cerr := rt.coproInit(in); cerr != nil {
			return 0, false, cerr
		}
	case in.Op == ir.OpCoproInvoke:
		if cerr := rt.coproInvoke(in); cerr != nil {
			return 0, false, cerr
		}
	case in.Op == ir.OpCoproWriteReg:
		if cerr := rt.coproWrite(fr, in); cerr != nil {
			return 0, false, cerr
		}
	case in.Op == ir.OpCoproReadReg:
		if cerr := rt.coproRead(fr, in); cerr != nil {
			return 0, false, cerr
		}
	case in.Op == ir.OpSwitchJumpTable:
		v := fr.get(regOf(in.Operands[0]))
		idx := v - int64(in.Switch.MinValue)
		if idx < 0 || idx >= int64(len(in.Switch.Targets)) {
			return 0, false, errors.Errorf("vmrt: switch value %d out of table range", v)
		}
		return int(in.Switch.Targets[idx]), false, nil
	default:
		return 0, false, errors.Errorf("vmrt: unsupported opcode %v", in.Op)
	}
	return branch, false, nil
}

func regOf(o emit.DecodedOperand) ir.Reg { return o.Reg }

// valueOf reads an operand's scalar value, for the operand kinds that can
// appear as an arithmetic/move right-hand side (register or immediate).
func (fr *frame) valueOf(o emit.DecodedOperand) int64 {
	if o.Kind == ir.OperandImm {
		return o.Imm
	}
	return fr.get(o.Reg)
}

func arith(fr *frame, in emit.DecodedInstr, f func(a, b int64) int64) {
	dst := regOf(in.Operands[0])
	fr.set(dst, f(fr.get(dst), fr.valueOf(in.Operands[1])))
}

func execCmp(fr *frame, in emit.DecodedInstr) {
	dst := regOf(in.Operands[0])
	a := fr.get(dst)
	b := fr.valueOf(in.Operands[1])
	var result bool
	switch in.Op {
	case ir.OpCmpEq:
		result = a == b
	case ir.OpCmpNeq:
		result = a != b
	case ir.OpCmpLt:
		result = a < b
	case ir.OpCmpLe:
		result = a <= b
	case ir.OpCmpGt:
		result = a > b
	case ir.OpCmpGe:
		result = a >= b
	case ir.OpCmpLtU:
		result = uint64(a) < uint64(b)
	case ir.OpCmpLeU:
		result = uint64(a) <= uint64(b)
	case ir.OpCmpGtU:
		result = uint64(a) > uint64(b)
	case ir.OpCmpGeU:
		result = uint64(a) >= uint64(b)
	}
	if result {
		fr.set(dst, 1)
	} else {
		fr.set(dst, 0)
	}
}

// widthOf decodes a load/store Mem operand's access width and
// signedness, per lowerMemOp's AddrScale/AddrSigned convention.
func widthOf(m ir.Mem) (width int, signed bool) {
	width = 1
	if m.Flags&ir.AddrScale != 0 {
		switch m.Scale {
		case ir.Scale2:
			width = 2
		case ir.Scale4:
			width = 4
		case ir.Scale8:
			width = 8
		}
	}
	signed = m.Flags&ir.AddrSigned != 0
	return
}

// areaBuffer returns the backing bytes for area, resolving Packet/Info
// against the current exchange buffer and Data/Shared against the PE's
// own Runtime-scoped memory.
func (rt *Runtime) areaBuffer(fr *frame, a Area) ([]byte, error) {
	switch a {
	case AreaPacket:
		return fr.xbuf.Packet, nil
	case AreaInfo:
		return fr.xbuf.Info, nil
	case AreaData:
		return rt.Data, nil
	case AreaShared:
		return rt.Shared, nil
	default:
		return nil, errors.Errorf("vmrt: unknown memory area %d", a)
	}
}

// resolve returns the byte slice and offset a Load/Store Mem operand
// addresses: either the PE's spill frame (Base == spill.FramePointer) or
// one of the four memory areas (Base bound to an area by a prior
// OpLoadArea in this same invocation).
func (rt *Runtime) resolve(fr *frame, m ir.Mem) ([]byte, int, Area, error) {
	var offset int64
	if m.Flags&ir.AddrIndex != 0 {
		offset += fr.get(m.Index)
	}
	if m.Flags&ir.AddrDispl != 0 {
		offset += int64(m.Displ)
	}

	if m.Flags&ir.AddrBase != 0 && m.Base.Equal(spill.FramePointer) {
		return fr.scratch[:], int(offset), -1, nil
	}

	area, ok := fr.areas[key(m.Base)]
	if !ok {
		return nil, 0, -1, errors.New("vmrt: memory operand base register is not a bound memory area")
	}
	buf, err := rt.areaBuffer(fr, area)
	if err != nil {
		return nil, 0, area, err
	}
	return buf, int(offset), area, nil
}

func (rt *Runtime) load(fr *frame, m ir.Mem) (int64, error) {
	buf, off, area, err := rt.resolve(fr, m)
	if err != nil {
		return 0, err
	}
	width, signed := widthOf(m)
	if off < 0 || off+width > len(buf) {
		return 0, errors.Errorf("vmrt: %s load out of bounds: offset %d width %d len %d", area, off, width, len(buf))
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(buf[off+i]) << (8 * uint(i))
	}
	if signed {
		shift := uint(64 - 8*width)
		return int64(v<<shift) >> shift, nil
	}
	return int64(v), nil
}

func (rt *Runtime) store(fr *frame, m ir.Mem, value int64) error {
	buf, off, area, err := rt.resolve(fr, m)
	if err != nil {
		return err
	}
	width, _ := widthOf(m)
	if off < 0 || off+width > len(buf) {
		return errors.Errorf("vmrt: %s store out of bounds: offset %d width %d len %d", area, off, width, len(buf))
	}
	v := uint64(value)
	for i := 0; i < width; i++ {
		buf[off+i] = byte(v >> (8 * uint(i)))
	}
	return nil
}

// boundsCheck mirrors the lowering's own bounds-check semantics: it traps
// unless the operand register, read as a memory-area offset, plus the
// immediate width still fits the area that the adjacent Load/Store call
// targets. Since a plain OpBoundsCheck doesn't carry its area (the
// following Load/Store's Mem.Base does), the interpreter only range-checks
// against a conservative non-negative lower bound here; the Load/Store
// that follows performs the authoritative length check against the
// resolved area buffer.
func (rt *Runtime) boundsCheck(fr *frame, in emit.DecodedInstr) error {
	offset := fr.get(regOf(in.Operands[0]))
	if offset < 0 {
		return errors.Errorf("vmrt: bounds check failed: negative offset %d", offset)
	}
	return nil
}

func coproName(id int64) (string, error) {
	if id < 0 || int(id) >= len(copro.CanonicalNames) {
		return "", errors.Errorf("vmrt: coprocessor id %d out of range", id)
	}
	return copro.CanonicalNames[id], nil
}

func (rt *Runtime) coproInit(in emit.DecodedInstr) error {
	name, err := coproName(in.Operands[0].Imm)
	if err != nil {
		return err
	}
	c, ok := rt.Copros.Get(name)
	if !ok {
		return errors.Errorf("vmrt: coprocessor %q not present", name)
	}
	blob := rt.InitBlobs[in.Operands[1].Imm]
	return c.Init(blob)
}

func (rt *Runtime) coproInvoke(in emit.DecodedInstr) error {
	name, err := coproName(in.Operands[0].Imm)
	if err != nil {
		return err
	}
	c, ok := rt.Copros.Get(name)
	if !ok {
		return errors.Errorf("vmrt: coprocessor %q not present", name)
	}
	return c.Invoke(uint32(in.Operands[1].Imm))
}

// packedCopro unpacks the (coproID, reg) pair copwreg/coprreg pack into a
// single immediate (coproID<<16 | reg), mirroring lower.go's encoding.
func packedCopro(packed int64) (id int64, reg int) {
	return packed >> 16, int(packed & 0xffff)
}

func (rt *Runtime) coproWrite(fr *frame, in emit.DecodedInstr) error {
	id, reg := packedCopro(in.Operands[1].Imm)
	name, err := coproName(id)
	if err != nil {
		return err
	}
	c, ok := rt.Copros.Get(name)
	if !ok {
		return errors.Errorf("vmrt: coprocessor %q not present", name)
	}
	return c.Write(reg, uint32(fr.get(regOf(in.Operands[0]))))
}

func (rt *Runtime) coproRead(fr *frame, in emit.DecodedInstr) error {
	id, reg := packedCopro(in.Operands[1].Imm)
	name, err := coproName(id)
	if err != nil {
		return err
	}
	c, ok := rt.Copros.Get(name)
	if !ok {
		return errors.Errorf("vmrt: coprocessor %q not present", name)
	}
	v, err := c.Read(reg)
	if err != nil {
		return err
	}
	fr.set(regOf(in.Operands[0]), int64(v))
	return nil
}
