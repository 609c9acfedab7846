package netvm

import (
	"github.com/pkg/errors"

	"netvm/bytecode"
	"netvm/copro"
	"netvm/emit"
	"netvm/ir"
	"netvm/lower"
	"netvm/regalloc"
	"netvm/spill"
	"netvm/verifier"
	"netvm/vmrt"
)

// generalPurposeRegisters is the synthetic interpreted target's color
// count (see options.go's Backend doc): generous enough that most
// segments allocate cleanly, while still exercising the Build/Spill
// restart loop spec.md §4.4 step 5 describes for segments with deep
// expression trees or wide switches.
const generalPurposeRegisters = 14

// maxAllocatorRounds bounds the allocator/spiller restart loop, turning a
// non-convergent spill-cost bug into a compile error instead of a hang.
const maxAllocatorRounds = 64

// entryArgReg is the virtual register lower.go's slotReg(1) produces for
// a push/pull segment's stack-position-1 value: spec.md §4.1's "the
// calling port id is on the stack" at segment entry. It is precolored to
// machine register 0 so it never gets spilled, and Runtime.RunPort can
// always seed it directly regardless of which registers end up holding
// everything else.
var entryArgReg = ir.Reg{Space: ir.SpaceVirtual, Name: 0}

const entryArgColor = 0

// segment is one compiled, runnable code segment of a PE.
type segment struct {
	info    *bytecode.Info
	handler *vmrt.Handler
}

// PE is one loaded Processing Element: up to three NetIL segments
// (init/push/pull), its coprocessor table, its private/shared memory, and
// its output-port connection table.
type PE struct {
	vm   *VM
	name string

	raw      map[bytecode.Kind]*bytecode.Segment
	compiled map[bytecode.Kind]*segment

	runtime  *vmrt.Runtime
	outPorts map[int64]portTarget
}

// AssembledPE is the in-memory shape an assembler (out of this module's
// scope per spec.md §1) hands to LoadPEFromAssembler, bypassing the
// container byte format entirely.
type AssembledPE struct {
	Init, Push, Pull *bytecode.Segment
}

func (vm *VM) newPE(name string) *PE {
	pe := &PE{
		vm:       vm,
		name:     name,
		raw:      map[bytecode.Kind]*bytecode.Segment{},
		compiled: map[bytecode.Kind]*segment{},
		runtime:  vmrt.NewRuntime(vmrt.NewExbufPool(4), copro.NewTable()),
		outPorts: map[int64]portTarget{},
	}
	pe.runtime.Send = func(port int64, xbuf *vmrt.ExchangeBuffer) error {
		return vm.deliverFromPort(pe, port, xbuf)
	}
	return pe
}

// LoadPEFromMemory parses an already-assembled container image (spec.md
// §6's file header + section table + per-kind code/debug sections) from
// an in-memory byte slice. Reading that slice from a filesystem path is a
// host responsibility (spec.md §1); see LoadPEFromFile.
func (vm *VM) LoadPEFromMemory(name string, raw []byte) (*PE, error) {
	header, err := bytecode.ParseContainer(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "netvm: load PE %q", name)
	}

	codeSections := map[bytecode.Kind]bytecode.SectionEntry{}
	lineSections := map[bytecode.Kind]bytecode.SectionEntry{}
	for _, e := range header.Sections {
		kind, isCode, isLines := sectionKind(e.Flags)
		switch {
		case isCode:
			codeSections[kind] = e
		case isLines:
			lineSections[kind] = e
		}
	}
	if len(codeSections) == 0 {
		return nil, errors.Errorf("netvm: load PE %q: container carries no init/push/pull code section", name)
	}

	pe := vm.newPE(name)
	for kind, e := range codeSections {
		payload, err := header.Payload(raw, e)
		if err != nil {
			return nil, errors.Wrapf(err, "netvm: load PE %q: %s segment", name, kind)
		}
		seg, err := bytecode.ParseSegment(kind, payload)
		if err != nil {
			return nil, errors.Wrapf(err, "netvm: load PE %q: parse %s segment", name, kind)
		}
		if le, ok := lineSections[kind]; ok {
			lp, err := header.Payload(raw, le)
			if err != nil {
				return nil, errors.Wrapf(err, "netvm: load PE %q: %s line map", name, kind)
			}
			lines, err := bytecode.ParseInsnLines(lp)
			if err != nil {
				return nil, errors.Wrapf(err, "netvm: load PE %q: parse %s line map", name, kind)
			}
			seg.LineMap = lines
		}
		pe.raw[kind] = seg
	}

	vm.pes[name] = pe
	return pe, nil
}

// sectionKind maps a section's flag bitmask onto the code/debug kind it
// belongs to, per spec.md §6's `CODE | {PUSH,PULL,INIT}` /
// `INSN_LINES | {PUSH,PULL,INIT}` combinations.
func sectionKind(flags bytecode.SectionFlag) (kind bytecode.Kind, isCode, isLines bool) {
	switch {
	case flags&bytecode.SecInit != 0:
		kind = bytecode.KindInit
	case flags&bytecode.SecPush != 0:
		kind = bytecode.KindPush
	case flags&bytecode.SecPull != 0:
		kind = bytecode.KindPull
	default:
		return 0, false, false
	}
	return kind, flags&bytecode.SecCode != 0, flags&bytecode.SecInsnLines != 0
}

// LoadPEFromAssembler accepts an assembler's already-parsed segments
// directly, for hosts that never serialise to the container byte format.
func (vm *VM) LoadPEFromAssembler(name string, asm AssembledPE) (*PE, error) {
	pe := vm.newPE(name)
	if asm.Init != nil {
		pe.raw[bytecode.KindInit] = asm.Init
	}
	if asm.Push != nil {
		pe.raw[bytecode.KindPush] = asm.Push
	}
	if asm.Pull != nil {
		pe.raw[bytecode.KindPull] = asm.Pull
	}
	if len(pe.raw) == 0 {
		return nil, errors.Errorf("netvm: load PE %q: assembler output carries no segments", name)
	}
	vm.pes[name] = pe
	return pe, nil
}

// LoadPEFromFile is named by spec.md §6's public API but not implemented:
// reading bytecode images from the filesystem is explicitly out of scope
// (spec.md §1). Callers read the file themselves and call
// LoadPEFromMemory with the bytes.
func (vm *VM) LoadPEFromFile(path string) (*PE, error) {
	return nil, errors.Wrap(ErrNotImplemented, "netvm: LoadPEFromFile")
}

// SetData installs pe's private Data memory area, sized and populated by
// the caller (spec.md §3's per-PE memory area, distinct from the
// application-shared area — see SetShared).
func (pe *PE) SetData(data []byte) { pe.runtime.Data = data }

// SetShared wires pe's Shared memory area to a slice a host shares across
// every PE in one application that needs to see the same backing bytes.
func (pe *PE) SetShared(shared []byte) { pe.runtime.Shared = shared }

// SetCoprocessorInit registers the init blob a copinit instruction with
// the given data-reference immediate resolves to; the bytecode
// container's constant pool that would normally carry these blobs is a
// loader-level concern this module doesn't parse (spec.md §6 names the
// container's code/debug sections only), so hosts populate them directly.
func (pe *PE) SetCoprocessorInit(dataRef int64, blob []byte) {
	pe.runtime.InitBlobs[dataRef] = blob
}

// compile runs one segment through the full verify -> lower -> allocate/
// spill -> trace -> emit pipeline (spec.md §2's data-flow diagram) and
// wraps the resulting executable artifact for dispatch.
func compile(kind bytecode.Kind, seg *bytecode.Segment, startBlockID int, flags JITFlags) (*segment, error) {
	info, errs := verifier.AnalyseEx(seg, startBlockID)
	if !errs.Empty() {
		return nil, errs
	}

	f := lower.Lower(info)

	if !flags.BoundsCheck {
		stripBoundsChecks(f)
	}
	if flags.DeadCodeElim {
		lower.EliminateDeadCode(f)
	}

	precolored := map[ir.Reg]int{}
	if kind != bytecode.KindInit {
		precolored[entryArgReg] = entryArgColor
	}

	spiller := spill.New(spill.Config{})
	cfg := regalloc.Config{K: generalPurposeRegisters, Precolored: precolored}
	res := regalloc.Allocate(f, cfg)
	for round := 0; len(res.Spilled) > 0; round++ {
		if round >= maxAllocatorRounds {
			return nil, errors.Errorf("netvm: %s segment: register allocation did not converge after %d rounds", kind, round)
		}
		spiller.Rewrite(f, res.Spilled)
		res = regalloc.Allocate(f, cfg)
	}
	applyColors(f, res)

	result, err := emit.Compile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "netvm: %s segment", kind)
	}

	return &segment{info: info, handler: vmrt.NewHandler(result)}, nil
}

// stripBoundsChecks removes every lowered OpBoundsCheck instruction,
// applying JITFlags.BoundsCheck == false: an opt-in risk, since this
// module performs none of the static range proof spec.md §4.3 allows as
// the alternative justification for eliding them.
func stripBoundsChecks(f *lower.Func) {
	for _, id := range f.Graph.Blocks() {
		blk := f.Graph.Block(id)
		kept := blk.Code[:0]
		for _, in := range blk.Code {
			if in.Op == ir.OpBoundsCheck {
				continue
			}
			kept = append(kept, in)
		}
		blk.Code = kept
	}
}

// applyColors rewrites every virtual register the allocator resolved (via
// direct coloring or coalescing) into its final machine-space register,
// in place, across every instruction operand and memory base/index.
// Registers the allocator never saw (spill.FramePointer's sentinel,
// spiller-assigned SpaceXMM vector slots) pass through unchanged.
func applyColors(f *lower.Func, res *regalloc.Result) {
	resolve := func(r ir.Reg) ir.Reg {
		if r.Space != ir.SpaceVirtual {
			return r
		}
		cur := r
		for next, ok := res.Coalesced[cur]; ok; next, ok = res.Coalesced[cur] {
			cur = next
		}
		if c, ok := res.Color[cur]; ok {
			return ir.Reg{Space: ir.SpaceMachine, Name: c}
		}
		return r
	}
	rewrite := func(o ir.Operand) ir.Operand {
		switch o.Kind {
		case ir.OperandReg:
			o.Reg = resolve(o.Reg)
		case ir.OperandMem:
			if o.Mem.Flags&ir.AddrBase != 0 {
				o.Mem.Base = resolve(o.Mem.Base)
			}
			if o.Mem.Flags&ir.AddrIndex != 0 {
				o.Mem.Index = resolve(o.Mem.Index)
			}
		}
		return o
	}
	for _, id := range f.Graph.Blocks() {
		blk := f.Graph.Block(id)
		for i, in := range blk.Code {
			for j := 0; j < in.NumOps; j++ {
				in.Operands[j] = rewrite(in.Operands[j])
			}
			blk.Code[i] = in
		}
	}
}

// runPush invokes pe's push segment with xbuf, seeding the calling port
// id entryArgReg was precolored to receive.
func (pe *PE) runPush(port int64, xbuf *vmrt.ExchangeBuffer) error {
	seg, ok := pe.compiled[bytecode.KindPush]
	if !ok {
		return errors.Errorf("netvm: PE %q has no compiled push segment", pe.name)
	}
	code, err := pe.runtime.RunPort(seg.handler, xbuf, port)
	if err != nil {
		return errors.Wrapf(err, "netvm: PE %q push segment (%s)", pe.name, code)
	}
	return nil
}

// runPull is runPush's pull-segment counterpart, invoked when a host
// reads from a pull application interface bound downstream of pe.
func (pe *PE) runPull(port int64, xbuf *vmrt.ExchangeBuffer) error {
	seg, ok := pe.compiled[bytecode.KindPull]
	if !ok {
		return errors.Errorf("netvm: PE %q has no compiled pull segment", pe.name)
	}
	code, err := pe.runtime.RunPort(seg.handler, xbuf, port)
	if err != nil {
		return errors.Wrapf(err, "netvm: PE %q pull segment (%s)", pe.name, code)
	}
	return nil
}

// runInit invokes pe's init segment once, with no calling port id (init
// segments start at stack depth 0, per spec.md §4.1).
func (pe *PE) runInit() error {
	seg, ok := pe.compiled[bytecode.KindInit]
	if !ok {
		return nil
	}
	xbuf := pe.runtime.Exbufs.Get()
	defer pe.runtime.Exbufs.Release(xbuf)
	code, err := pe.runtime.Run(seg.handler, xbuf)
	if err != nil {
		return errors.Wrapf(err, "netvm: PE %q init segment (%s)", pe.name, code)
	}
	return nil
}
